package saga

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/deadletter"
	"github.com/draftea/saga-pipeline/shared/envelope"
)

func TestNewPipeline_Stages(t *testing.T) {
	p, err := NewPipeline(DefaultName, DefaultStages)
	require.NoError(t, err)

	expected := []struct {
		name     string
		inbound  string
		outbound string
	}{
		{"backend", "from.backend", "to.order"},
		{"order", "from.order", "to.payment"},
		{"payment", "from.payment", "to.inventory"},
		{"inventory", "from.inventory", "to.deliver"},
		{"deliver", "from.deliver", ""},
	}

	stages := p.Stages()
	require.Len(t, stages, len(expected))
	for i, e := range expected {
		assert.Equal(t, e.name, stages[i].Name)
		assert.Equal(t, i, stages[i].Ordinal)
		assert.Equal(t, e.inbound, stages[i].Inbound)
		assert.Equal(t, e.outbound, stages[i].Outbound)
	}
	assert.True(t, stages[4].Terminal())
	assert.Equal(t, "from.backend", p.EntryQueue())

	sink, enabled := p.CompletionQueue()
	assert.Equal(t, "to.saga.complete", sink)
	assert.False(t, enabled)
}

func TestNewPipeline_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		pname  string
		stages []string
		opts   []Option
	}{
		{name: "no name", pname: "", stages: DefaultStages},
		{name: "no stages", pname: DefaultName},
		{name: "blank stage", pname: DefaultName, stages: []string{"backend", ""}},
		{name: "duplicate stage", pname: DefaultName, stages: []string{"backend", "order", "backend"}},
		{
			name:   "transform for unknown stage",
			pname:  DefaultName,
			stages: DefaultStages,
			opts:   []Option{WithTransform("update", PassThrough)},
		},
		{
			name:   "invalid policy",
			pname:  DefaultName,
			stages: DefaultStages,
			opts:   []Option{WithPolicy(deadletter.Policy{})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPipeline(tt.pname, tt.stages, tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestNewPipelineFromStages_Invalid(t *testing.T) {
	valid := DescribeStages([]string{"a", "b"})

	tests := []struct {
		name   string
		mutate func([]StageDescriptor)
	}{
		{name: "wrong ordinal", mutate: func(s []StageDescriptor) { s[1].Ordinal = 5 }},
		{name: "shared inbound", mutate: func(s []StageDescriptor) { s[1].Inbound = s[0].Inbound }},
		{name: "terminal in the middle", mutate: func(s []StageDescriptor) { s[0].Outbound = "" }},
		{name: "forwarding last stage", mutate: func(s []StageDescriptor) { s[1].Outbound = "to.c" }},
		{name: "missing inbound", mutate: func(s []StageDescriptor) { s[0].Inbound = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages := append([]StageDescriptor(nil), valid...)
			tt.mutate(stages)
			_, err := NewPipelineFromStages("p", stages)
			assert.Error(t, err)
		})
	}
}

func TestNewPipelineFromStages_ErrorCarriesStack(t *testing.T) {
	stages := DescribeStages([]string{"a", "a"})

	_, err := NewPipelineFromStages("p", stages)
	require.Error(t, err)
	assert.EqualError(t, err, `invalid pipeline "p": stage "a" is declared twice`)
	assert.Contains(t, fmt.Sprintf("%+v", err), "saga.validateStages")
}

func TestPipeline_Queues(t *testing.T) {
	p, err := NewPipeline("shop", []string{"backend", "order", "update"}, WithCompletionSink(true))
	require.NoError(t, err)

	var names []string
	for _, q := range p.Queues() {
		names = append(names, q.Name)
		assert.True(t, q.Durable, q.Name)
	}
	assert.Equal(t, []string{
		"dl",
		"from.backend", "from.order", "from.update",
		"to.order", "to.update",
		"to.shop.complete",
	}, names)

	stages := p.Stages()
	assert.Equal(t, broker.QueueArguments{DeadLetterExchange: "dlx", DeadLetterRoutingKey: "dl"},
		p.InboundDeclaration(stages[0]).Arguments)
	assert.Equal(t, time.Second, p.OutboundDeclaration(stages[0]).Arguments.MessageTTL)
	assert.True(t, p.SinkDeclaration().Arguments.IsZero())
}

func TestPipeline_InboundWithoutDeadLetter(t *testing.T) {
	p, err := NewPipeline(DefaultName, DefaultStages, WithInboundDeadLetter(false))
	require.NoError(t, err)

	assert.True(t, p.InboundDeclaration(p.Stages()[0]).Arguments.IsZero())
}

func TestPipeline_Bootstrap(t *testing.T) {
	m := newMemory()
	p, err := NewPipeline(DefaultName, DefaultStages)
	require.NoError(t, err)

	require.NoError(t, p.Bootstrap(context.Background(), m))
	require.NoError(t, p.Bootstrap(context.Background(), m))

	_, ok := m.Exchange("dlx")
	assert.True(t, ok)
	dl, ok := m.Queue("dl")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, dl.Arguments.MessageTTL)
	assert.Len(t, m.Bindings("dlx"), 1)

	for _, stage := range p.Stages() {
		decl, ok := m.Queue(stage.Inbound)
		require.True(t, ok, stage.Inbound)
		assert.Equal(t, p.InboundDeclaration(stage), decl)

		if !stage.Terminal() {
			_, ok := m.Queue(stage.Outbound)
			assert.False(t, ok, "outbound %s is declared lazily", stage.Outbound)
		}
	}
}

func TestPipeline_BootstrapConflict(t *testing.T) {
	tests := []struct {
		name     string
		existing broker.QueueDeclaration
		resource string
	}{
		{
			name:     "dead-letter queue",
			existing: broker.QueueDeclaration{Name: "dl", Durable: true},
			resource: "dead-letter dl",
		},
		{
			name:     "inbound queue",
			existing: broker.QueueDeclaration{Name: "from.payment", Durable: true, Arguments: broker.QueueArguments{MessageTTL: time.Second}},
			resource: "queue from.payment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMemory()
			require.NoError(t, m.DeclareQueue(context.Background(), tt.existing))
			p, err := NewPipeline(DefaultName, DefaultStages)
			require.NoError(t, err)

			err = p.Bootstrap(context.Background(), m)
			var bootstrapErr *BootstrapError
			require.ErrorAs(t, err, &bootstrapErr)
			assert.Equal(t, tt.resource, bootstrapErr.Resource)
			assert.ErrorIs(t, err, broker.ErrDeclarationConflict)
		})
	}
}

// echo plays the external services: whatever a relay forwards to to.<stage>
// comes back on from.<stage>.
func echo(ctx context.Context, t *testing.T, m *broker.Memory, p *Pipeline) {
	t.Helper()
	stages := p.Stages()
	for i, stage := range stages {
		if stage.Terminal() {
			continue
		}
		require.NoError(t, m.DeclareQueue(ctx, p.OutboundDeclaration(stage)))
		next := stages[i+1].Inbound
		handler := broker.NewHandlerFunc("echo."+stage.Outbound, func(ctx context.Context, d broker.Delivery) error {
			return m.Publish(ctx, next, d.Message)
		})
		go func() {
			_ = m.Consume(ctx, stage.Outbound, handler)
		}()
	}
}

func startPipeline(t *testing.T, m *broker.Memory, p *Pipeline) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, m)
	}()
	require.Eventually(t, func() bool {
		_, ok := m.Queue(p.EntryQueue())
		return ok
	}, time.Second, 5*time.Millisecond)
	return cancel, done
}

func TestPipeline_RunCompletesSaga(t *testing.T) {
	m := newMemory()
	notifier := &recordingNotifier{}
	p, err := NewPipeline(DefaultName, DefaultStages,
		WithNotifier(notifier),
		WithCompletionSink(true),
		testLogger(t),
	)
	require.NoError(t, err)

	cancel, done := startPipeline(t, m, p)
	echoCtx, stopEcho := context.WithCancel(context.Background())
	defer stopEcho()
	echo(echoCtx, t, m, p)

	require.NoError(t, m.Publish(context.Background(), p.EntryQueue(), broker.Message{
		ID:   "start",
		Body: []byte(`{"order_id":42}`),
	}))

	require.Eventually(t, func() bool {
		return len(notifier.Completed()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	env, err := envelope.Decode(notifier.Completed()[0])
	require.NoError(t, err)
	assert.Equal(t, envelope.Stage(4), env.Stage)
	var orderID int
	require.NoError(t, env.Get("order_id", &orderID))
	assert.Equal(t, 42, orderID)

	require.Eventually(t, func() bool {
		return len(m.Messages("to.saga.complete")) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}
}

func TestPipeline_RunDeadLettersMalformedAndContinues(t *testing.T) {
	m := newMemory()
	notifier := &recordingNotifier{}
	p, err := NewPipeline(DefaultName, DefaultStages, WithNotifier(notifier), testLogger(t))
	require.NoError(t, err)

	cancel, done := startPipeline(t, m, p)
	defer cancel()
	echoCtx, stopEcho := context.WithCancel(context.Background())
	defer stopEcho()
	echo(echoCtx, t, m, p)

	require.NoError(t, m.Publish(context.Background(), p.EntryQueue(), broker.Message{Body: []byte("not json")}))
	require.NoError(t, m.Publish(context.Background(), p.EntryQueue(), broker.Message{Body: []byte(`{"order_id":1}`)}))

	require.Eventually(t, func() bool {
		return len(notifier.Completed()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	dead := m.Messages("dl")
	require.Len(t, dead, 1)
	assert.Equal(t, "not json", string(dead[0].Body))
	assert.Equal(t, "from.backend", dead[0].Headers[broker.HeaderFirstDeathQueue])
	assert.Equal(t, broker.DeathReasonRejected, dead[0].Headers[broker.HeaderFirstDeathReason])

	cancel()
	assert.NoError(t, <-done)
}

func TestPipeline_RunStopsOnDownstreamConflict(t *testing.T) {
	m := newMemory()
	require.NoError(t, m.DeclareQueue(context.Background(), broker.QueueDeclaration{Name: "to.order", Durable: true}))
	p, err := NewPipeline(DefaultName, DefaultStages, testLogger(t))
	require.NoError(t, err)

	cancel, done := startPipeline(t, m, p)
	defer cancel()
	require.NoError(t, m.Publish(context.Background(), p.EntryQueue(), broker.Message{Body: []byte(`{"order_id":1}`)}))

	select {
	case err := <-done:
		assert.True(t, IsBootstrapError(err))
		assert.ErrorIs(t, err, broker.ErrDeclarationConflict)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline kept running with a conflicting topology")
	}
	assert.Len(t, m.Messages("from.backend"), 1)
}

func TestPipeline_RunFailsOnBootstrapConflict(t *testing.T) {
	m := newMemory()
	require.NoError(t, m.DeclareExchange(context.Background(), broker.ExchangeDeclaration{Name: "dlx", Kind: broker.ExchangeFanout}))
	p, err := NewPipeline(DefaultName, DefaultStages)
	require.NoError(t, err)

	err = p.Run(context.Background(), m)
	assert.True(t, IsBootstrapError(err))
}

func TestPipeline_RunClosedBroker(t *testing.T) {
	m := newMemory()
	require.NoError(t, m.Close())
	p, err := NewPipeline(DefaultName, DefaultStages)
	require.NoError(t, err)

	err = p.Run(context.Background(), m)
	assert.True(t, errors.Is(err, broker.ErrClosed))
}

func TestPipeline_WithTransform(t *testing.T) {
	m := newMemory()
	notifier := &recordingNotifier{}
	p, err := NewPipeline(DefaultName, DefaultStages,
		WithNotifier(notifier),
		WithTransform("payment", func(_ context.Context, env *envelope.Envelope) error {
			return env.Set("paid", true)
		}),
	)
	require.NoError(t, err)

	cancel, done := startPipeline(t, m, p)
	echoCtx, stopEcho := context.WithCancel(context.Background())
	defer stopEcho()
	echo(echoCtx, t, m, p)

	require.NoError(t, m.Publish(context.Background(), p.EntryQueue(), broker.Message{Body: []byte(`{"order_id":5}`)}))
	require.Eventually(t, func() bool {
		return len(notifier.Completed()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"order_id":5,"paid":true,"stage":4}`, string(notifier.Completed()[0]))

	cancel()
	assert.NoError(t, <-done)
}
