package saga

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/envelope"
	"github.com/draftea/saga-pipeline/shared/logging"
	"github.com/draftea/saga-pipeline/shared/models"
	"github.com/draftea/saga-pipeline/shared/telemetry"
)

// Forwarder is the part of a broker session a stage needs to forward.
type Forwarder interface {
	broker.Declarer
	broker.Publisher
}

// hop holds what relays and terminals share: decoding, stamping and
// forwarding one envelope to a lazily declared queue.
type hop struct {
	pipeline string
	stage    StageDescriptor
	logger   zerolog.Logger
	now      func() time.Time
}

func newHop(pipeline string, stage StageDescriptor, logger zerolog.Logger) hop {
	return hop{
		pipeline: pipeline,
		stage:    stage,
		logger: logger.With().
			Str(logging.PipelineField, pipeline).
			Str(logging.StageField, stage.Name).
			Logger(),
		now: time.Now,
	}
}

// receive decodes the delivery, applies the stage transform and stamps the
// stage ordinal. Every error it returns is permanent.
func (h *hop) receive(ctx context.Context, delivery broker.Delivery) (*envelope.Envelope, error) {
	logger := h.deliveryLogger(delivery)

	env, err := envelope.Decode(delivery.Body)
	if err != nil {
		logger.Error().Err(err).Int("bytes", len(delivery.Body)).Msg("dropping undecodable payload")
		return nil, broker.Permanent(err)
	}

	ordinal := envelope.Stage(h.stage.Ordinal)
	if env.Staged() && env.Stage > ordinal {
		logger.Warn().
			Int("received_stage", int(env.Stage)).
			Int("ordinal", h.stage.Ordinal).
			Msg("payload arrived from a later stage, overwriting marker")
	}

	if err := h.stage.transform()(ctx, env); err != nil {
		err = &TransformError{Stage: h.stage.Name, Err: err}
		logger.Error().Err(err).Msg("transform refused payload")
		return nil, broker.Permanent(err)
	}

	env.Stamp(ordinal)
	logger.Debug().Int("ordinal", h.stage.Ordinal).Msg("payload received")
	return env, nil
}

// forward publishes env to queue, declaring the queue first unless declared
// says it already was. A failed publish clears declared so the next message
// re-declares.
func (h *hop) forward(ctx context.Context, to Forwarder, queue broker.QueueDeclaration, declared *atomic.Bool, delivery broker.Delivery, env *envelope.Envelope) error {
	if !declared.Load() {
		if err := to.DeclareQueue(ctx, queue); err != nil {
			if errors.Is(err, broker.ErrDeclarationConflict) {
				return &BootstrapError{Resource: "queue " + queue.Name, Err: err}
			}
			return &PublishError{Queue: queue.Name, Err: errors.Wrap(err, "failed to declare downstream queue")}
		}
		declared.Store(true)
	}

	body, err := envelope.Encode(env)
	if err != nil {
		return broker.Permanent(errors.Wrap(err, "failed to encode payload"))
	}

	correlationID := delivery.CorrelationID
	if correlationID == "" {
		correlationID = delivery.ID
	}

	headers := map[string]any{
		HeaderStage:    int64(env.Stage),
		HeaderPipeline: h.pipeline,
	}
	msg := broker.Message{
		ID:            models.GenerateUUID().String(),
		CorrelationID: correlationID,
		Body:          body,
		Headers:       telemetry.InjectHeaders(ctx, headers),
		Timestamp:     h.now().UTC(),
	}

	if err := to.Publish(ctx, queue.Name, msg); err != nil {
		declared.Store(false)
		return &PublishError{Queue: queue.Name, Err: err}
	}

	h.deliveryLogger(delivery).Debug().
		Str("to", queue.Name).
		Str("forwarded_id", msg.ID).
		Msg("payload forwarded")
	return nil
}

func (h *hop) observe(ctx context.Context, outcome Outcome, started time.Time) {
	attrs := []attribute.KeyValue{
		attribute.String("pipeline", h.pipeline),
		attribute.String("stage", h.stage.Name),
		attribute.String("outcome", string(outcome)),
	}
	telemetry.RecordCounter(ctx, metricMessages, "Messages handled by a saga stage", 1, attrs...)
	telemetry.RecordHistogram(ctx, metricDuration, "Time spent handling one saga message", time.Since(started).Seconds(), attrs...)
}

func (h *hop) deliveryLogger(delivery broker.Delivery) *zerolog.Logger {
	logger := h.logger.With().
		Str(logging.QueueField, delivery.Queue).
		Str(logging.MessageIDField, delivery.ID).
		Str(logging.CorrelationIDField, delivery.CorrelationID).
		Logger()
	return &logger
}

// outcomeOf maps a handler result to the outcome reported in metrics.
func outcomeOf(err error, success Outcome) Outcome {
	switch broker.DispositionFor(err) {
	case broker.Ack:
		return success
	case broker.Reject:
		return OutcomeRejected
	default:
		return OutcomeRequeued
	}
}
