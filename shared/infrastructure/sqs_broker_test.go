package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/deadletter"
	"github.com/draftea/saga-pipeline/shared/logging"
)

const fakeAccountURL = "http://localhost:4566/000000000000/"

type fakeSQSMessage struct {
	id       string
	body     string
	attrs    map[string]types.MessageAttributeValue
	receives int
	inFlight bool
}

// fakeSQS keeps queues in memory and records every settlement call.
type fakeSQS struct {
	mu         sync.Mutex
	created    map[string]map[string]string
	messages   map[string][]*fakeSQSMessage
	deleted    []string
	visibility []int32
	createErr  error
	nextID     int
}

func newFakeSQS() *fakeSQS {
	return &fakeSQS{
		created:  make(map[string]map[string]string),
		messages: make(map[string][]*fakeSQSMessage),
	}
}

func (f *fakeSQS) CreateQueue(_ context.Context, params *sqs.CreateQueueInput, _ ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	name := aws.ToString(params.QueueName)
	f.created[name] = params.Attributes
	return &sqs.CreateQueueOutput{QueueUrl: aws.String(fakeAccountURL + name)}, nil
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, params *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.QueueName)
	if _, ok := f.created[name]; !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("no queue " + name)}
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(fakeAccountURL + name)}, nil
}

func (f *fakeSQS) GetQueueAttributes(_ context.Context, params *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	name := strings.TrimPrefix(aws.ToString(params.QueueUrl), fakeAccountURL)
	return &sqs.GetQueueAttributesOutput{Attributes: map[string]string{
		"QueueArn": "arn:aws:sqs:us-east-1:000000000000:" + name,
	}}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(aws.ToString(params.QueueUrl), fakeAccountURL)
	f.nextID++
	id := fmt.Sprintf("sqs-%d", f.nextID)
	f.messages[name] = append(f.messages[name], &fakeSQSMessage{
		id:    id,
		body:  aws.ToString(params.MessageBody),
		attrs: params.MessageAttributes,
	})
	return &sqs.SendMessageOutput{MessageId: aws.String(id)}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(aws.ToString(params.QueueUrl), fakeAccountURL)
	var out []types.Message
	for _, m := range f.messages[name] {
		if m.inFlight || int32(len(out)) >= params.MaxNumberOfMessages {
			continue
		}
		m.inFlight = true
		m.receives++
		out = append(out, types.Message{
			MessageId:         aws.String(m.id),
			ReceiptHandle:     aws.String(m.id),
			Body:              aws.String(m.body),
			MessageAttributes: m.attrs,
			Attributes:        map[string]string{attributeReceiveCount: fmt.Sprint(m.receives)},
		})
	}
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := strings.TrimPrefix(aws.ToString(params.QueueUrl), fakeAccountURL)
	handle := aws.ToString(params.ReceiptHandle)
	kept := f.messages[name][:0]
	for _, m := range f.messages[name] {
		if m.id != handle {
			kept = append(kept, m)
		}
	}
	f.messages[name] = kept
	f.deleted = append(f.deleted, handle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(_ context.Context, params *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = append(f.visibility, params.VisibilityTimeout)
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) Queue(name string) []*fakeSQSMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSQSMessage(nil), f.messages[name]...)
}

func (f *fakeSQS) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeSQS) Visibility() []int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int32(nil), f.visibility...)
}

func newTestSQSBroker(t *testing.T, client *fakeSQS) *SQSBroker {
	return NewSQSBroker(client, logging.Test(t),
		WithWaitTime(0),
		WithIdleSleep(5*time.Millisecond),
		WithMaxReceiveCount(5),
	)
}

func TestSQSQueueName(t *testing.T) {
	assert.Equal(t, "from-order", SQSQueueName("from.order"))
	assert.Equal(t, "to-saga-complete", SQSQueueName("to.saga.complete"))
	assert.Equal(t, "dl", SQSQueueName("dl"))
}

func TestSQSBroker_DeadLetterPolicyBecomesRedrive(t *testing.T) {
	client := newFakeSQS()
	b := newTestSQSBroker(t, client)
	ctx := context.Background()
	policy := deadletter.DefaultPolicy()

	require.NoError(t, policy.Bootstrap(ctx, b))
	require.NoError(t, b.DeclareQueue(ctx, broker.QueueDeclaration{
		Name:      "to.order",
		Durable:   true,
		Arguments: policy.StageQueueArguments(),
	}))

	attrs := client.created["to-order"]
	require.NotNil(t, attrs)
	assert.Equal(t, "60", attrs["MessageRetentionPeriod"])

	var redrive redrivePolicy
	require.NoError(t, json.Unmarshal([]byte(attrs["RedrivePolicy"]), &redrive))
	assert.Equal(t, "arn:aws:sqs:us-east-1:000000000000:dl", redrive.DeadLetterTargetArn)
	assert.Equal(t, "5", redrive.MaxReceiveCount)

	dlAttrs := client.created["dl"]
	assert.Equal(t, "60", dlAttrs["MessageRetentionPeriod"])
	assert.NotContains(t, dlAttrs, "RedrivePolicy")
}

func TestSQSBroker_DeclareQueueConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("local redeclaration", func(t *testing.T) {
		b := newTestSQSBroker(t, newFakeSQS())
		decl := broker.QueueDeclaration{Name: "to.order", Durable: true}
		require.NoError(t, b.DeclareQueue(ctx, decl))
		require.NoError(t, b.DeclareQueue(ctx, decl))

		decl.Arguments.MessageTTL = time.Minute
		assert.ErrorIs(t, b.DeclareQueue(ctx, decl), broker.ErrDeclarationConflict)
	})

	t.Run("existing queue with other attributes", func(t *testing.T) {
		client := newFakeSQS()
		client.createErr = &types.QueueNameExists{Message: aws.String("exists")}
		b := newTestSQSBroker(t, client)

		err := b.DeclareQueue(ctx, broker.QueueDeclaration{Name: "to.order"})
		assert.ErrorIs(t, err, broker.ErrDeclarationConflict)
	})

	t.Run("exchange kind", func(t *testing.T) {
		b := newTestSQSBroker(t, newFakeSQS())
		require.NoError(t, b.DeclareExchange(ctx, broker.ExchangeDeclaration{Name: "dlx", Kind: broker.ExchangeDirect}))
		err := b.DeclareExchange(ctx, broker.ExchangeDeclaration{Name: "dlx", Kind: broker.ExchangeFanout})
		assert.ErrorIs(t, err, broker.ErrDeclarationConflict)
	})
}

func TestSQSBroker_BindUnknown(t *testing.T) {
	ctx := context.Background()
	b := newTestSQSBroker(t, newFakeSQS())

	err := b.BindQueue(ctx, broker.Binding{Queue: "dl", Exchange: "dlx", RoutingKey: "dl"})
	assert.ErrorIs(t, err, broker.ErrExchangeNotFound)

	require.NoError(t, b.DeclareExchange(ctx, broker.ExchangeDeclaration{Name: "dlx", Kind: broker.ExchangeDirect}))
	err = b.BindQueue(ctx, broker.Binding{Queue: "dl", Exchange: "dlx", RoutingKey: "dl"})
	assert.ErrorIs(t, err, broker.ErrQueueNotFound)
}

func TestSQSBroker_PublishUnknownQueue(t *testing.T) {
	b := newTestSQSBroker(t, newFakeSQS())

	err := b.Publish(context.Background(), "to.nowhere", broker.Message{Body: []byte(`{}`)})
	assert.ErrorIs(t, err, broker.ErrQueueNotFound)
}

func TestSQSBroker_PublishAttributes(t *testing.T) {
	client := newFakeSQS()
	b := newTestSQSBroker(t, client)
	ctx := context.Background()
	require.NoError(t, b.DeclareQueue(ctx, broker.QueueDeclaration{Name: "to.order"}))

	require.NoError(t, b.Publish(ctx, "to.order", broker.Message{
		ID:            "m-1",
		CorrelationID: "saga-1",
		Body:          []byte(`{"order_id":42,"stage":0}`),
		Headers:       map[string]any{"x-saga-stage": int64(0), "x-saga-pipeline": "saga"},
	}))

	msgs := client.Queue("to-order")
	require.Len(t, msgs, 1)
	assert.Equal(t, `{"order_id":42,"stage":0}`, msgs[0].body)

	delivery := sqsDelivery("to.order", types.Message{
		MessageId:         aws.String("sqs-1"),
		Body:              aws.String(msgs[0].body),
		MessageAttributes: msgs[0].attrs,
	})
	assert.Equal(t, "m-1", delivery.ID)
	assert.Equal(t, "saga-1", delivery.CorrelationID)
	assert.Equal(t, int64(0), delivery.Headers["x-saga-stage"])
	assert.Equal(t, "saga", delivery.Headers["x-saga-pipeline"])
	assert.NotContains(t, delivery.Headers, attributeMessageID)
	assert.False(t, delivery.Redelivered)
}

func TestSQSBroker_ConsumeDispositions(t *testing.T) {
	client := newFakeSQS()
	b := newTestSQSBroker(t, client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := deadletter.DefaultPolicy()
	require.NoError(t, policy.Bootstrap(ctx, b))
	require.NoError(t, b.DeclareQueue(ctx, broker.QueueDeclaration{
		Name:      "from.order",
		Durable:   true,
		Arguments: policy.InboundArguments(),
	}))

	for _, body := range []string{"ack", "reject", "requeue"} {
		require.NoError(t, b.Publish(ctx, "from.order", broker.Message{ID: body, Body: []byte(body)}))
	}

	handler := broker.NewHandlerFunc("test", func(_ context.Context, d broker.Delivery) error {
		switch string(d.Body) {
		case "reject":
			return broker.Permanent(fmt.Errorf("bad payload"))
		case "requeue":
			return fmt.Errorf("downstream unavailable")
		}
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- b.Consume(ctx, "from.order", handler)
	}()

	require.Eventually(t, func() bool {
		return len(client.Deleted()) == 2 && len(client.Visibility()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dead := client.Queue("dl")
	require.Len(t, dead, 1)
	assert.Equal(t, "reject", dead[0].body)
	assert.Equal(t, "from.order", aws.ToString(dead[0].attrs[broker.HeaderFirstDeathQueue].StringValue))
	assert.Equal(t, broker.DeathReasonRejected, aws.ToString(dead[0].attrs[broker.HeaderFirstDeathReason].StringValue))

	remaining := client.Queue("from-order")
	require.Len(t, remaining, 1)
	assert.Equal(t, "requeue", remaining[0].body)
	assert.Equal(t, []int32{30}, client.Visibility())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestFromMessageAttributes(t *testing.T) {
	headers := fromMessageAttributes(map[string]types.MessageAttributeValue{
		"stage": numberAttribute("3"),
		"ratio": numberAttribute("0.5"),
		"name":  stringAttribute("saga"),
	})
	assert.Equal(t, map[string]any{"stage": int64(3), "ratio": 0.5, "name": "saga"}, headers)
}
