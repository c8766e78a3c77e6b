package application

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/envelope"
	"github.com/draftea/saga-pipeline/shared/models"
	"github.com/draftea/saga-pipeline/shared/saga"
	"github.com/draftea/saga-pipeline/shared/telemetry"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrInvalidPayload = errors.New("invalid saga payload")
	ErrStagedPayload  = errors.New("payload already carries a stage marker")
)

// StartSagaCommand represents the request to start a saga with a payload
type StartSagaCommand struct {
	Payload []byte `json:"-"`
}

// StartSagaResponse represents the response after starting a saga
type StartSagaResponse struct {
	SagaID string `json:"saga_id"`
	Queue  string `json:"queue"`
}

// StartSaga publishes a new saga into the entry queue of a pipeline.
type StartSaga struct {
	pipeline string
	entry    broker.QueueDeclaration
	producer saga.Forwarder
	declared atomic.Bool
	now      func() time.Time
}

// NewStartSaga creates a new StartSaga use case
func NewStartSaga(pipeline *saga.Pipeline, producer saga.Forwarder) *StartSaga {
	return &StartSaga{
		pipeline: pipeline.Name(),
		entry:    pipeline.InboundDeclaration(pipeline.Stages()[0]),
		producer: producer,
		now:      time.Now,
	}
}

// Execute validates the payload and publishes it unstaged to the entry queue.
// The saga id becomes the correlation id of every hop.
func (uc *StartSaga) Execute(ctx context.Context, cmd *StartSagaCommand) (*StartSagaResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "StartSaga.Execute")
	defer span.End()

	env, err := envelope.Decode(cmd.Payload)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidPayload, err.Error())
	}
	if env.Staged() {
		return nil, errors.Wrap(ErrInvalidPayload, ErrStagedPayload.Error())
	}

	body, err := envelope.Encode(env)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode payload")
	}

	if !uc.declared.Load() {
		if err := uc.producer.DeclareQueue(ctx, uc.entry); err != nil {
			return nil, errors.Wrap(err, "failed to declare entry queue")
		}
		uc.declared.Store(true)
	}

	sagaID := models.GenerateUUID()
	msg := broker.Message{
		ID:            uuid.NewString(),
		CorrelationID: sagaID.String(),
		Body:          body,
		Headers:       telemetry.InjectHeaders(ctx, map[string]any{saga.HeaderPipeline: uc.pipeline}),
		Timestamp:     uc.now().UTC(),
	}
	if err := uc.producer.Publish(ctx, uc.entry.Name, msg); err != nil {
		uc.declared.Store(false)
		return nil, errors.Wrap(err, "failed to publish saga")
	}

	telemetry.RecordCounter(ctx, "saga_started_total", "Sagas published to the entry queue", 1,
		attribute.String("pipeline", uc.pipeline),
	)

	return &StartSagaResponse{
		SagaID: sagaID.String(),
		Queue:  uc.entry.Name,
	}, nil
}
