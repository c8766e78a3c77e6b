package saga

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/telemetry"
)

// Relay forwards every payload of one non-terminal stage to the next stage.
//
// A payload is acknowledged only once the forward was confirmed. Undecodable
// payloads and refused transforms are rejected so the broker dead-letters
// them; failed publishes are requeued.
type Relay struct {
	hop
	to       Forwarder
	outbound broker.QueueDeclaration
	declared atomic.Bool
}

// NewRelay creates the relay of stage, forwarding through to into outbound.
func NewRelay(pipeline string, stage StageDescriptor, outbound broker.QueueDeclaration, to Forwarder, logger zerolog.Logger) *Relay {
	return &Relay{
		hop:      newHop(pipeline, stage, logger),
		to:       to,
		outbound: outbound,
	}
}

func (r *Relay) HandlerID() string {
	return "relay." + r.stage.Name
}

func (r *Relay) Handle(ctx context.Context, delivery broker.Delivery) (err error) {
	started := r.now()
	ctx, span := telemetry.StartSpan(
		telemetry.ExtractHeaders(ctx, delivery.Headers),
		"saga.relay "+r.stage.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("saga.pipeline", r.pipeline),
			attribute.String("saga.stage", r.stage.Name),
			attribute.String("messaging.destination", r.outbound.Name),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		r.observe(ctx, outcomeOf(err, OutcomeForwarded), started)
	}()

	env, err := r.receive(ctx, delivery)
	if err != nil {
		return err
	}

	if err := r.forward(ctx, r.to, r.outbound, &r.declared, delivery, env); err != nil {
		r.deliveryLogger(delivery).Warn().Err(err).Msg("forward failed, payload will be redelivered")
		return err
	}
	return nil
}
