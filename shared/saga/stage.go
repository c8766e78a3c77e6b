package saga

import (
	"context"

	"github.com/pkg/errors"

	"github.com/draftea/saga-pipeline/shared/envelope"
)

const (
	inboundPrefix  = "from."
	outboundPrefix = "to."
	completeSuffix = ".complete"
)

// Transform mutates the business fields of an envelope for one stage. It
// runs before the stage marker is stamped, so it cannot change the stage.
type Transform func(ctx context.Context, env *envelope.Envelope) error

// PassThrough leaves the envelope untouched.
func PassThrough(context.Context, *envelope.Envelope) error {
	return nil
}

// StageDescriptor describes one stage of a pipeline.
type StageDescriptor struct {
	Name string
	// Ordinal is the 0-indexed position of the stage, stamped on every
	// envelope it forwards.
	Ordinal int
	// Inbound is the queue the stage consumes.
	Inbound string
	// Outbound is the queue the stage forwards to; empty for the terminal stage.
	Outbound string
	// Transform defaults to PassThrough when nil.
	Transform Transform
}

// Terminal reports whether the stage ends the pipeline.
func (s StageDescriptor) Terminal() bool {
	return s.Outbound == ""
}

func (s StageDescriptor) transform() Transform {
	if s.Transform == nil {
		return PassThrough
	}
	return s.Transform
}

// InboundQueue returns the inbound queue name of stage.
func InboundQueue(stage string) string {
	return inboundPrefix + stage
}

// OutboundQueue returns the queue that forwards into stage.
func OutboundQueue(stage string) string {
	return outboundPrefix + stage
}

// CompletionQueue returns the completion sink of pipeline.
func CompletionQueue(pipeline string) string {
	return outboundPrefix + pipeline + completeSuffix
}

// DescribeStages builds descriptors for stage names in order, following the
// from.<stage> / to.<next> naming convention. The last stage is terminal.
func DescribeStages(names []string) []StageDescriptor {
	stages := make([]StageDescriptor, len(names))
	for i, name := range names {
		stages[i] = StageDescriptor{
			Name:    name,
			Ordinal: i,
			Inbound: InboundQueue(name),
		}
		if i+1 < len(names) {
			stages[i].Outbound = OutboundQueue(names[i+1])
		}
	}
	return stages
}

func validateStages(stages []StageDescriptor) error {
	if len(stages) == 0 {
		return errors.New("pipeline has no stages")
	}

	names := make(map[string]struct{}, len(stages))
	inbound := make(map[string]struct{}, len(stages))
	for i, stage := range stages {
		if stage.Name == "" {
			return errors.Errorf("stage %d has no name", i)
		}
		if _, dup := names[stage.Name]; dup {
			return errors.Errorf("stage %q is declared twice", stage.Name)
		}
		names[stage.Name] = struct{}{}

		if stage.Ordinal != i {
			return errors.Errorf("stage %q has ordinal %d, expected %d", stage.Name, stage.Ordinal, i)
		}
		if stage.Inbound == "" {
			return errors.Errorf("stage %q has no inbound queue", stage.Name)
		}
		if _, dup := inbound[stage.Inbound]; dup {
			return errors.Errorf("inbound queue %q is consumed by two stages", stage.Inbound)
		}
		inbound[stage.Inbound] = struct{}{}

		last := i == len(stages)-1
		if last && !stage.Terminal() {
			return errors.Errorf("last stage %q must not forward", stage.Name)
		}
		if !last && stage.Terminal() {
			return errors.Errorf("stage %q has no outbound queue", stage.Name)
		}
	}
	return nil
}
