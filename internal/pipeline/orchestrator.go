package pipeline

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Phase marks the direction a node participates in.
type Phase int

const (
	// PhaseRequest nodes run before the provider call, in registration order.
	PhaseRequest Phase = iota
	// PhaseProvider is the single upstream invocation.
	PhaseProvider
	// PhaseResponse nodes run after the provider call, in reverse
	// registration order.
	PhaseResponse
)

// Node is one step of the pipeline. A node mutates the DTO in place and
// declares the phase it targets; the orchestrator skips it otherwise.
type Node interface {
	Name() string
	Phase() Phase
	Run(ctx context.Context, d *DTO) error
}

// Stage names used for snapshot opt-in and hook labels.
const (
	StageLLMSwitch     = "llmSwitch"
	StageWorkflow      = "workflow"
	StageCompatibility = "compatibility"
	StageProvider      = "provider"
)

// Orchestrator executes a blueprint (an ordered node list) and guarantees
// request/response phase direction. It owns no routing policy; the retry
// engine decides which targets the blueprint runs against.
type Orchestrator struct {
	sink SnapshotSink
}

// NewOrchestrator builds an orchestrator writing snapshots to sink. A nil
// sink discards.
func NewOrchestrator(sink SnapshotSink) *Orchestrator {
	if sink == nil {
		sink = DiscardSink{}
	}
	return &Orchestrator{sink: sink}
}

// Execute runs all nodes of the blueprint matching phase. Response-phase
// execution walks the blueprint in reverse so conversions unwind in the
// opposite order they were applied. A node failure stops the chain.
func (o *Orchestrator) Execute(ctx context.Context, blueprint []Node, d *DTO, phase Phase) error {
	indexes := make([]int, 0, len(blueprint))
	for i := range blueprint {
		indexes = append(indexes, i)
	}
	if phase == PhaseResponse {
		for i, j := 0, len(indexes)-1; i < j; i, j = i+1, j-1 {
			indexes[i], indexes[j] = indexes[j], indexes[i]
		}
	}

	for _, i := range indexes {
		node := blueprint[i]
		if node.Phase() != phase {
			if node.Phase() != PhaseProvider {
				log.Debugf("pipeline: skipping node %s (phase mismatch)", node.Name())
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline aborted before node %s: %w", node.Name(), err)
		}

		o.snapshot(d, node.Name(), phase, "before")
		if err := node.Run(ctx, d); err != nil {
			return fmt.Errorf("pipeline node %s failed: %w", node.Name(), err)
		}
		o.snapshot(d, node.Name(), phase, "after")
	}
	return nil
}

// Run drives one full pass: request chain, provider call, response chain.
// The caller bounds ctx with the pipeline max-wait deadline.
func (o *Orchestrator) Run(ctx context.Context, blueprint []Node, d *DTO) error {
	if err := o.Execute(ctx, blueprint, d, PhaseRequest); err != nil {
		return err
	}
	if err := o.Execute(ctx, blueprint, d, PhaseProvider); err != nil {
		return err
	}
	// Streams bypass the response chain; the SSE substrate transforms them.
	if d.HasStream() {
		return nil
	}
	return o.Execute(ctx, blueprint, d, PhaseResponse)
}

func (o *Orchestrator) snapshot(d *DTO, stage string, phase Phase, hook string) {
	if !d.Debug.StageEnabled(stage) {
		return
	}
	if d.HasStream() {
		return
	}
	direction := "request"
	if phase == PhaseResponse {
		direction = "response"
	}
	o.sink.Record(d.Route.RequestID, stage, fmt.Sprintf("%s-%s-%s", stage, direction, hook), d.Data)
}
