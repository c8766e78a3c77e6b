package saga

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/deadletter"
	"github.com/draftea/saga-pipeline/shared/logging"
	"github.com/draftea/saga-pipeline/shared/telemetry"
)

// DefaultStages is the chain a saga travels when no other is configured.
var DefaultStages = []string{"backend", "order", "payment", "inventory", "deliver"}

// DefaultName names the default pipeline; it appears in the completion sink.
const DefaultName = "saga"

// Pipeline is the static topology of one saga chain: its stages, the
// dead-letter policy every stage queue carries and the completion handling
// of the terminal stage.
type Pipeline struct {
	name              string
	stages            []StageDescriptor
	policy            deadletter.Policy
	completionSink    bool
	inboundDeadLetter bool
	notifier          Notifier
	notifyTimeout     time.Duration
	logger            zerolog.Logger
}

type options struct {
	transforms        map[string]Transform
	policy            deadletter.Policy
	completionSink    bool
	inboundDeadLetter bool
	notifier          Notifier
	notifyTimeout     time.Duration
	logger            zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*options)

// WithTransform sets the transform of the named stage.
func WithTransform(stage string, transform Transform) Option {
	return func(o *options) {
		o.transforms[stage] = transform
	}
}

// WithPolicy replaces the default dead-letter policy.
func WithPolicy(policy deadletter.Policy) Option {
	return func(o *options) {
		o.policy = policy
	}
}

// WithCompletionSink makes the terminal stage park completed payloads on
// the to.<pipeline>.complete queue.
func WithCompletionSink(enabled bool) Option {
	return func(o *options) {
		o.completionSink = enabled
	}
}

// WithInboundDeadLetter declares inbound queues with the dead-letter target
// so rejected payloads land in the dead-letter queue. Without it the broker
// discards them.
func WithInboundDeadLetter(enabled bool) Option {
	return func(o *options) {
		o.inboundDeadLetter = enabled
	}
}

// WithNotifier sets the notifier of the terminal stage.
func WithNotifier(notifier Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithNotifierTimeout bounds each completion notification.
func WithNotifierTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.notifyTimeout = timeout
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// NewPipeline builds the pipeline name running through stageNames in order.
func NewPipeline(name string, stageNames []string, opts ...Option) (*Pipeline, error) {
	o := options{
		transforms:        make(map[string]Transform),
		policy:            deadletter.DefaultPolicy(),
		inboundDeadLetter: true,
		notifier:          NopNotifier{},
		logger:            logging.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	stages := DescribeStages(stageNames)
	for stage, transform := range o.transforms {
		i := slices.Index(stageNames, stage)
		if i < 0 {
			return nil, errors.Errorf("transform registered for unknown stage %q", stage)
		}
		stages[i].Transform = transform
	}

	return NewPipelineFromStages(name, stages, opts...)
}

// NewPipelineFromStages builds a pipeline from explicit descriptors. Stage
// transforms set through options are ignored; set them on the descriptors.
func NewPipelineFromStages(name string, stages []StageDescriptor, opts ...Option) (*Pipeline, error) {
	o := options{
		transforms:        make(map[string]Transform),
		policy:            deadletter.DefaultPolicy(),
		inboundDeadLetter: true,
		notifier:          NopNotifier{},
		logger:            logging.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if name == "" {
		return nil, errors.New("pipeline name is required")
	}
	if err := validateStages(stages); err != nil {
		return nil, errors.Wrapf(err, "invalid pipeline %q", name)
	}
	if err := o.policy.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid pipeline %q", name)
	}
	if o.notifier == nil {
		o.notifier = NopNotifier{}
	}

	return &Pipeline{
		name:              name,
		stages:            append([]StageDescriptor(nil), stages...),
		policy:            o.policy,
		completionSink:    o.completionSink,
		inboundDeadLetter: o.inboundDeadLetter,
		notifier:          o.notifier,
		notifyTimeout:     o.notifyTimeout,
		logger:            logging.WithComponent(o.logger, "saga.pipeline"),
	}, nil
}

func (p *Pipeline) Name() string {
	return p.name
}

// Stages returns a copy of the stage descriptors.
func (p *Pipeline) Stages() []StageDescriptor {
	return append([]StageDescriptor(nil), p.stages...)
}

func (p *Pipeline) Policy() deadletter.Policy {
	return p.policy
}

// EntryQueue is the inbound queue of the first stage, where sagas start.
func (p *Pipeline) EntryQueue() string {
	return p.stages[0].Inbound
}

// CompletionQueue returns the completion sink and whether it is enabled.
func (p *Pipeline) CompletionQueue() (string, bool) {
	return CompletionQueue(p.name), p.completionSink
}

// InboundDeclaration is how the inbound queue of stage is declared.
func (p *Pipeline) InboundDeclaration(stage StageDescriptor) broker.QueueDeclaration {
	decl := broker.QueueDeclaration{Name: stage.Inbound, Durable: true}
	if p.inboundDeadLetter {
		decl.Arguments = p.policy.InboundArguments()
	}
	return decl
}

// OutboundDeclaration is how the outbound queue of stage is declared. Each
// hop expires after the stage TTL into the dead-letter exchange.
func (p *Pipeline) OutboundDeclaration(stage StageDescriptor) broker.QueueDeclaration {
	return broker.QueueDeclaration{
		Name:      stage.Outbound,
		Durable:   true,
		Arguments: p.policy.StageQueueArguments(),
	}
}

// SinkDeclaration is the completion sink. It carries no expiry.
func (p *Pipeline) SinkDeclaration() broker.QueueDeclaration {
	return broker.QueueDeclaration{Name: CompletionQueue(p.name), Durable: true}
}

// Queues lists every queue of the topology: the dead-letter queue, then
// inbound and outbound queues in stage order, then the completion sink.
func (p *Pipeline) Queues() []broker.QueueDeclaration {
	queues := []broker.QueueDeclaration{p.policy.QueueDeclaration()}
	for _, stage := range p.stages {
		queues = append(queues, p.InboundDeclaration(stage))
	}
	for _, stage := range p.stages {
		if !stage.Terminal() {
			queues = append(queues, p.OutboundDeclaration(stage))
		}
	}
	if p.completionSink {
		queues = append(queues, p.SinkDeclaration())
	}
	return queues
}

// Bootstrap declares the dead-letter pair and then every inbound queue.
// Outbound queues are declared by the relays on first use.
func (p *Pipeline) Bootstrap(ctx context.Context, declarer broker.Declarer) error {
	if err := p.policy.Bootstrap(ctx, declarer); err != nil {
		return &BootstrapError{Resource: "dead-letter " + p.policy.Queue, Err: err}
	}

	for _, stage := range p.stages {
		if err := declarer.DeclareQueue(ctx, p.InboundDeclaration(stage)); err != nil {
			return &BootstrapError{Resource: "queue " + stage.Inbound, Err: err}
		}
	}

	p.logger.Info().
		Str(logging.PipelineField, p.name).
		Int("stages", len(p.stages)).
		Msg("pipeline topology declared")
	return nil
}

// Handler returns the handler of stage, forwarding through to.
func (p *Pipeline) Handler(stage StageDescriptor, to Forwarder) broker.Handler {
	if !stage.Terminal() {
		return NewRelay(p.name, stage, p.OutboundDeclaration(stage), to, p.logger)
	}

	opts := []TerminalOption{WithNotifyTimeout(p.notifyTimeout)}
	if p.completionSink {
		opts = append(opts, WithSink(to, p.SinkDeclaration()))
	}
	return NewTerminal(p.name, stage, p.notifier, p.logger, opts...)
}

// Run bootstraps the topology and consumes every stage, each on its own
// session, until ctx is cancelled or one stage fails. It returns nil on
// cancellation.
func (p *Pipeline) Run(ctx context.Context, b broker.Broker) error {
	setup, err := b.Session(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to open bootstrap session")
	}
	err = p.Bootstrap(ctx, setup)
	_ = setup.Close()
	if err != nil {
		return err
	}

	telemetry.RecordGauge(ctx, metricStages, "Stages consumed by the pipeline", float64(len(p.stages)),
		attribute.String("pipeline", p.name))

	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range p.stages {
		g.Go(func() error {
			return p.runStage(gctx, b, stage)
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	p.logger.Info().Str(logging.PipelineField, p.name).Msg("pipeline stopped")
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, b broker.Broker, stage StageDescriptor) error {
	session, err := b.Session(ctx)
	if err != nil {
		return errors.Wrapf(err, "failed to open session for stage %s", stage.Name)
	}
	defer session.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := &escalatingHandler{Handler: p.Handler(stage, session), cancel: cancel}

	p.logger.Info().
		Str(logging.PipelineField, p.name).
		Str(logging.StageField, stage.Name).
		Str(logging.QueueField, stage.Inbound).
		Msg("stage consuming")

	err = session.Consume(ctx, stage.Inbound, handler)
	if fatal := handler.Fatal(); fatal != nil {
		return fatal
	}
	if err != nil {
		return errors.Wrapf(err, "stage %s stopped consuming", stage.Name)
	}
	return nil
}

// escalatingHandler stops consumption when the wrapped handler reports a
// topology failure; such a failure cannot be fixed by redelivering.
type escalatingHandler struct {
	broker.Handler
	cancel context.CancelFunc

	mu    sync.Mutex
	fatal error
}

func (h *escalatingHandler) Handle(ctx context.Context, delivery broker.Delivery) error {
	err := h.Handler.Handle(ctx, delivery)
	if IsBootstrapError(err) {
		h.mu.Lock()
		if h.fatal == nil {
			h.fatal = err
		}
		h.mu.Unlock()
		h.cancel()
	}
	return err
}

func (h *escalatingHandler) Fatal() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fatal
}
