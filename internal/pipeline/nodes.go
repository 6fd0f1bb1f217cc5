package pipeline

import (
	"context"
	"fmt"

	"github.com/router-for-me/routecodex/internal/codec"
)

// EntryProtocol maps an inbound endpoint path to its wire protocol.
func EntryProtocol(entryEndpoint string) codec.Protocol {
	switch entryEndpoint {
	case "/v1/messages":
		return codec.ProtocolAnthropic
	case "/v1/responses":
		return codec.ProtocolResponses
	default:
		return codec.ProtocolOpenAI
	}
}

// ConversionNode translates the payload between the inbound protocol and the
// provider protocol using the codec facade. Registered for both phases via
// two instances with opposite directions.
type ConversionNode struct {
	facade *codec.Facade
	phase  Phase
}

// NewConversionNode builds a conversion node for the given phase.
func NewConversionNode(facade *codec.Facade, phase Phase) *ConversionNode {
	return &ConversionNode{facade: facade, phase: phase}
}

// Name implements Node.
func (n *ConversionNode) Name() string { return StageLLMSwitch }

// Phase implements Node.
func (n *ConversionNode) Phase() Phase { return n.phase }

// Run implements Node.
func (n *ConversionNode) Run(ctx context.Context, d *DTO) error {
	entry := EntryProtocol(d.MetaString(MetaEntryEndpoint))
	target := codec.FromString(d.MetaString(MetaProviderProtocol))
	cctx := &codec.Context{
		RequestID:     d.Route.RequestID,
		EntryEndpoint: d.MetaString(MetaEntryEndpoint),
		Metadata:      d.Metadata,
	}

	var out []byte
	var err error
	if n.phase == PhaseRequest {
		out, err = n.facade.ConvertRequest(d.Data, entry, target, cctx)
	} else {
		out, err = n.facade.ConvertResponse(d.Data, target, entry, cctx)
	}
	if err != nil {
		return err
	}
	d.Data = out
	return nil
}

// Shaper is the compatibility layer contract; implemented by internal/compat.
type Shaper interface {
	ShapeRequest(ctx context.Context, d *DTO) error
	ShapeResponse(ctx context.Context, d *DTO) error
}

// CompatibilityNode applies provider-specific shape filters and hooks.
type CompatibilityNode struct {
	shaper Shaper
	phase  Phase
}

// NewCompatibilityNode builds a compatibility node for the given phase.
func NewCompatibilityNode(shaper Shaper, phase Phase) *CompatibilityNode {
	return &CompatibilityNode{shaper: shaper, phase: phase}
}

// Name implements Node.
func (n *CompatibilityNode) Name() string { return StageCompatibility }

// Phase implements Node.
func (n *CompatibilityNode) Phase() Phase { return n.phase }

// Run implements Node.
func (n *CompatibilityNode) Run(ctx context.Context, d *DTO) error {
	if n.shaper == nil {
		return nil
	}
	if n.phase == PhaseRequest {
		return n.shaper.ShapeRequest(ctx, d)
	}
	return n.shaper.ShapeResponse(ctx, d)
}

// Invoker executes exactly one upstream call; implemented by internal/provider.
type Invoker interface {
	Invoke(ctx context.Context, d *DTO) error
}

// ProviderNode is the single upstream invocation step.
type ProviderNode struct {
	invoker Invoker
}

// NewProviderNode builds the provider node.
func NewProviderNode(invoker Invoker) *ProviderNode {
	return &ProviderNode{invoker: invoker}
}

// Name implements Node.
func (n *ProviderNode) Name() string { return StageProvider }

// Phase implements Node.
func (n *ProviderNode) Phase() Phase { return PhaseProvider }

// Run implements Node.
func (n *ProviderNode) Run(ctx context.Context, d *DTO) error {
	return n.invoker.Invoke(ctx, d)
}

// PassthroughNode asserts the payload is present and does nothing else. Used
// for the workflow guard position on endpoints without workflow handling.
type PassthroughNode struct {
	name  string
	phase Phase
}

// NewPassthroughNode builds a passthrough node with a stage name.
func NewPassthroughNode(name string, phase Phase) *PassthroughNode {
	return &PassthroughNode{name: name, phase: phase}
}

// Name implements Node.
func (n *PassthroughNode) Name() string { return n.name }

// Phase implements Node.
func (n *PassthroughNode) Phase() Phase { return n.phase }

// Run implements Node.
func (n *PassthroughNode) Run(_ context.Context, d *DTO) error {
	if len(d.Data) == 0 && !d.HasStream() {
		return fmt.Errorf("pipeline node %s: missing payload", n.name)
	}
	return nil
}
