package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/routecodex/internal/codec"
)

type traceNode struct {
	name  string
	phase Phase
	trace *[]string
	fail  error
	run   func(d *DTO)
}

func (n *traceNode) Name() string { return n.name }
func (n *traceNode) Phase() Phase { return n.phase }

func (n *traceNode) Run(_ context.Context, d *DTO) error {
	*n.trace = append(*n.trace, n.name)
	if n.run != nil {
		n.run(d)
	}
	return n.fail
}

func TestOrchestratorPhaseDirection(t *testing.T) {
	var trace []string
	blueprint := []Node{
		&traceNode{name: "conv-req", phase: PhaseRequest, trace: &trace},
		&traceNode{name: "compat-req", phase: PhaseRequest, trace: &trace},
		&traceNode{name: "provider", phase: PhaseProvider, trace: &trace},
		&traceNode{name: "conv-resp", phase: PhaseResponse, trace: &trace},
		&traceNode{name: "compat-resp", phase: PhaseResponse, trace: &trace},
	}

	o := NewOrchestrator(nil)
	d := NewDTO([]byte(`{"model":"m"}`))
	require.NoError(t, o.Run(context.Background(), blueprint, d))

	// Response nodes execute in reverse registration order, so listing the
	// conversion node first makes compatibility run before it on the way out.
	assert.Equal(t, []string{"conv-req", "compat-req", "provider", "compat-resp", "conv-resp"}, trace)
}

func TestOrchestratorStreamBypassesResponseChain(t *testing.T) {
	var trace []string
	blueprint := []Node{
		&traceNode{name: "provider", phase: PhaseProvider, trace: &trace, run: func(d *DTO) {
			d.Data = nil
			d.Stream = io.NopCloser(strings.NewReader("data: [DONE]\n\n"))
		}},
		&traceNode{name: "conv-resp", phase: PhaseResponse, trace: &trace},
	}

	o := NewOrchestrator(nil)
	d := NewDTO([]byte(`{"model":"m","stream":true}`))
	require.NoError(t, o.Run(context.Background(), blueprint, d))
	assert.Equal(t, []string{"provider"}, trace)
}

func TestOrchestratorNodeFailureStopsChain(t *testing.T) {
	var trace []string
	boom := errors.New("boom")
	blueprint := []Node{
		&traceNode{name: "first", phase: PhaseRequest, trace: &trace},
		&traceNode{name: "second", phase: PhaseRequest, trace: &trace, fail: boom},
		&traceNode{name: "third", phase: PhaseRequest, trace: &trace},
	}

	o := NewOrchestrator(nil)
	err := o.Execute(context.Background(), blueprint, NewDTO([]byte(`{}`)), PhaseRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "second")
	assert.Equal(t, []string{"first", "second"}, trace)
}

func TestOrchestratorCancelledContext(t *testing.T) {
	var trace []string
	blueprint := []Node{
		&traceNode{name: "only", phase: PhaseRequest, trace: &trace},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := NewOrchestrator(nil)
	err := o.Execute(ctx, blueprint, NewDTO([]byte(`{}`)), PhaseRequest)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, trace)
}

func TestOrchestratorSnapshots(t *testing.T) {
	sink := NewRingSink(16)
	o := NewOrchestrator(sink)

	var trace []string
	blueprint := []Node{
		&traceNode{name: StageLLMSwitch, phase: PhaseRequest, trace: &trace, run: func(d *DTO) {
			d.Data = []byte(`{"converted":true}`)
		}},
	}

	d := NewDTO([]byte(`{"model":"m"}`))
	d.Debug = Debug{Enabled: true}
	require.NoError(t, o.Execute(context.Background(), blueprint, d, PhaseRequest))

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, StageLLMSwitch+"-request-before", entries[0].Hook)
	assert.Equal(t, `{"model":"m"}`, string(entries[0].Payload))
	assert.Equal(t, StageLLMSwitch+"-request-after", entries[1].Hook)
	assert.Equal(t, `{"converted":true}`, string(entries[1].Payload))
}

func TestOrchestratorSnapshotStageOptIn(t *testing.T) {
	sink := NewRingSink(16)
	o := NewOrchestrator(sink)

	var trace []string
	blueprint := []Node{
		&traceNode{name: StageLLMSwitch, phase: PhaseRequest, trace: &trace},
		&traceNode{name: StageCompatibility, phase: PhaseRequest, trace: &trace},
	}

	d := NewDTO([]byte(`{}`))
	d.Debug = Debug{Enabled: true, Stages: map[string]bool{StageCompatibility: true}}
	require.NoError(t, o.Execute(context.Background(), blueprint, d, PhaseRequest))

	for _, e := range sink.Entries() {
		assert.Equal(t, StageCompatibility, e.Stage)
	}
	assert.Len(t, sink.Entries(), 2)
}

func TestEntryProtocol(t *testing.T) {
	assert.Equal(t, codec.ProtocolAnthropic, EntryProtocol("/v1/messages"))
	assert.Equal(t, codec.ProtocolResponses, EntryProtocol("/v1/responses"))
	assert.Equal(t, codec.ProtocolOpenAI, EntryProtocol("/v1/chat/completions"))
	assert.Equal(t, codec.ProtocolOpenAI, EntryProtocol(""))
}

func TestConversionNodeRoundTrip(t *testing.T) {
	facade := codec.NewFacade()
	reqNode := NewConversionNode(facade, PhaseRequest)
	respNode := NewConversionNode(facade, PhaseResponse)

	d := NewDTO([]byte(`{"model":"claude-x","max_tokens":64,"messages":[{"role":"user","content":"ping"}]}`))
	d.SetMeta(MetaEntryEndpoint, "/v1/messages")
	d.SetMeta(MetaProviderProtocol, "openai")

	require.NoError(t, reqNode.Run(context.Background(), d))
	assert.Contains(t, string(d.Data), `"messages"`)

	d.Data = []byte(`{"id":"c1","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`)
	require.NoError(t, respNode.Run(context.Background(), d))
	assert.Contains(t, string(d.Data), `"stop_reason"`)
	assert.Contains(t, string(d.Data), `"end_turn"`)
}

func TestPassthroughNode(t *testing.T) {
	n := NewPassthroughNode(StageWorkflow, PhaseRequest)

	d := NewDTO([]byte(`{"model":"m"}`))
	assert.NoError(t, n.Run(context.Background(), d))

	empty := NewDTO(nil)
	err := n.Run(context.Background(), empty)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing payload")

	streamed := NewDTO(nil)
	streamed.Stream = io.NopCloser(strings.NewReader(""))
	assert.NoError(t, n.Run(context.Background(), streamed))
}

func TestDTOMetadataHelpers(t *testing.T) {
	d := NewDTO([]byte(`{}`))
	assert.True(t, strings.HasPrefix(d.Route.RequestID, "req_"))
	assert.Equal(t, d.Route.RequestID, d.MetaString(MetaRequestID))

	assert.Equal(t, "", d.MetaString("absent"))
	assert.False(t, d.MetaBool("absent"))

	d.SetMeta(MetaStream, true)
	assert.True(t, d.MetaBool(MetaStream))

	var bare DTO
	assert.Equal(t, "", bare.MetaString("x"))
	bare.SetMeta("x", "y")
	assert.Equal(t, "y", bare.MetaString("x"))
}

func TestRingSinkCapacity(t *testing.T) {
	sink := NewRingSink(2)
	sink.Record("r", "s", "h1", []byte("1"))
	sink.Record("r", "s", "h2", []byte("2"))
	sink.Record("r", "s", "h3", []byte("3"))

	entries := sink.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "h2", entries[0].Hook)
	assert.Equal(t, "h3", entries[1].Hook)
}
