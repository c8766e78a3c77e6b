package saga

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/envelope"
	"github.com/draftea/saga-pipeline/shared/telemetry"
)

// Notifier is told about every saga that reached the terminal stage.
type Notifier interface {
	NotifyCompleted(ctx context.Context, env *envelope.Envelope) error
}

// NopNotifier discards completion notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyCompleted(context.Context, *envelope.Envelope) error {
	return nil
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, env *envelope.Envelope) error

func (f NotifierFunc) NotifyCompleted(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// Terminal handles the last stage. It stamps the payload like a relay, then
// optionally parks it on the completion sink and notifies. A failing notifier
// never affects acknowledgement.
type Terminal struct {
	hop
	to            Forwarder
	sink          *broker.QueueDeclaration
	declared      atomic.Bool
	notifier      Notifier
	notifyTimeout time.Duration
}

// TerminalOption configures a Terminal.
type TerminalOption func(*Terminal)

// WithSink publishes completed payloads to sink through to.
func WithSink(to Forwarder, sink broker.QueueDeclaration) TerminalOption {
	return func(t *Terminal) {
		t.to = to
		t.sink = &sink
	}
}

// WithNotifyTimeout bounds every notification. Zero leaves it unbounded.
func WithNotifyTimeout(timeout time.Duration) TerminalOption {
	return func(t *Terminal) {
		t.notifyTimeout = timeout
	}
}

// NewTerminal creates the terminal handler of stage.
func NewTerminal(pipeline string, stage StageDescriptor, notifier Notifier, logger zerolog.Logger, opts ...TerminalOption) *Terminal {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	t := &Terminal{
		hop:      newHop(pipeline, stage, logger),
		notifier: notifier,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Terminal) HandlerID() string {
	return "terminal." + t.stage.Name
}

func (t *Terminal) Handle(ctx context.Context, delivery broker.Delivery) (err error) {
	started := t.now()
	ctx, span := telemetry.StartSpan(
		telemetry.ExtractHeaders(ctx, delivery.Headers),
		"saga.complete "+t.stage.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("saga.pipeline", t.pipeline),
			attribute.String("saga.stage", t.stage.Name),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.observe(ctx, outcomeOf(err, OutcomeCompleted), started)
	}()

	env, err := t.receive(ctx, delivery)
	if err != nil {
		return err
	}

	if t.sink != nil {
		if err := t.forward(ctx, t.to, *t.sink, &t.declared, delivery, env); err != nil {
			t.deliveryLogger(delivery).Warn().Err(err).Msg("completion sink publish failed, payload will be redelivered")
			return err
		}
	}

	t.notify(ctx, delivery, env)
	t.deliveryLogger(delivery).Info().Int("ordinal", int(env.Stage)).Msg("saga completed")
	return nil
}

func (t *Terminal) notify(ctx context.Context, delivery broker.Delivery, env *envelope.Envelope) {
	if t.notifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.notifyTimeout)
		defer cancel()
	}

	if err := t.notifier.NotifyCompleted(ctx, env); err != nil {
		t.deliveryLogger(delivery).Error().Err(err).Msg("completion notification failed")
	}
}
