package infrastructure

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/logging"
)

var (
	_ broker.Broker  = (*SQSBroker)(nil)
	_ broker.Session = (*sqsSession)(nil)
)

const (
	attributeMessageID     = "message_id"
	attributeCorrelationID = "correlation_id"

	// SQS keeps messages at least one minute.
	minRetentionSeconds = 60
)

// SQSClient is the subset of *sqs.Client the broker uses.
type SQSClient interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     string `json:"maxReceiveCount"`
}

type sqsQueue struct {
	decl broker.QueueDeclaration
	url  string
	arn  string
}

// SQSOption configures an SQSBroker.
type SQSOption func(*SQSBroker)

// WithMaxReceiveCount sets how many receives SQS allows before moving a
// message to the dead-letter queue by itself.
func WithMaxReceiveCount(n int) SQSOption {
	return func(b *SQSBroker) {
		b.maxReceiveCount = n
	}
}

// WithWorkers sets how many handler calls run concurrently per consumed
// queue. Handlers must be safe for concurrent use when n > 1.
func WithWorkers(n int) SQSOption {
	return func(b *SQSBroker) {
		b.consumer.workers = n
	}
}

// WithReaders sets how many receive loops run per consumed queue.
func WithReaders(n int) SQSOption {
	return func(b *SQSBroker) {
		b.consumer.readers = n
	}
}

// WithVisibilityTimeout sets the visibility timeout of received messages, in seconds.
func WithVisibilityTimeout(timeout int32) SQSOption {
	return func(b *SQSBroker) {
		b.consumer.visibilityTimeout = timeout
	}
}

// WithWaitTime sets the long-polling wait of each receive, in seconds.
func WithWaitTime(seconds int32) SQSOption {
	return func(b *SQSBroker) {
		b.consumer.waitTimeSeconds = seconds
	}
}

// WithIdleSleep sets the pause after an empty receive.
func WithIdleSleep(d time.Duration) SQSOption {
	return func(b *SQSBroker) {
		b.consumer.sleepTimeAfterEmptyReceive = d
	}
}

// SQSBroker runs the pipeline on Amazon SQS.
//
// SQS has no exchanges: exchange declarations and bindings are kept locally
// and only used to resolve where a queue dead-letters. A queue whose
// dead-letter exchange routes to a declared queue gets a redrive policy
// pointing at it, and rejected messages are moved there explicitly. Queue
// names map '.' to '-'. Message TTL maps to the retention period, which
// SQS clamps to at least one minute and deletes instead of dead-lettering.
type SQSBroker struct {
	client          SQSClient
	logger          zerolog.Logger
	maxReceiveCount int
	consumer        sqsConsumerOptions

	mu        sync.RWMutex
	queues    map[string]*sqsQueue
	exchanges map[string]broker.ExchangeDeclaration
	bindings  map[string][]broker.Binding
}

// NewSQSBroker creates a broker on client.
func NewSQSBroker(client SQSClient, logger zerolog.Logger, opts ...SQSOption) *SQSBroker {
	b := &SQSBroker{
		client:          client,
		logger:          logging.WithComponent(logger, "sqs"),
		maxReceiveCount: 3,
		consumer:        defaultSQSConsumerOptions(),
		queues:          make(map[string]*sqsQueue),
		exchanges:       make(map[string]broker.ExchangeDeclaration),
		bindings:        make(map[string][]broker.Binding),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SQSQueueName returns the SQS name of queue.
func SQSQueueName(queue string) string {
	return strings.ReplaceAll(queue, ".", "-")
}

// Session returns a view of the broker; SQS has no per-session state.
func (b *SQSBroker) Session(_ context.Context) (broker.Session, error) {
	return &sqsSession{b}, nil
}

func (b *SQSBroker) Close() error {
	return nil
}

func (b *SQSBroker) DeclareExchange(_ context.Context, exchange broker.ExchangeDeclaration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.exchanges[exchange.Name]; ok && existing != exchange {
		return errors.Wrapf(broker.ErrDeclarationConflict, "exchange %s", exchange.Name)
	}
	b.exchanges[exchange.Name] = exchange
	return nil
}

func (b *SQSBroker) BindQueue(_ context.Context, binding broker.Binding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.exchanges[binding.Exchange]; !ok {
		return errors.Wrapf(broker.ErrExchangeNotFound, "exchange %s", binding.Exchange)
	}
	if _, ok := b.queues[binding.Queue]; !ok {
		return errors.Wrapf(broker.ErrQueueNotFound, "queue %s", binding.Queue)
	}
	for _, existing := range b.bindings[binding.Exchange] {
		if existing == binding {
			return nil
		}
	}
	b.bindings[binding.Exchange] = append(b.bindings[binding.Exchange], binding)
	return nil
}

func (b *SQSBroker) DeclareQueue(ctx context.Context, queue broker.QueueDeclaration) error {
	b.mu.RLock()
	existing, ok := b.queues[queue.Name]
	b.mu.RUnlock()
	if ok {
		if !reflect.DeepEqual(existing.decl, queue) {
			return errors.Wrapf(broker.ErrDeclarationConflict, "queue %s", queue.Name)
		}
		return nil
	}

	attrs, err := b.queueAttributes(ctx, queue.Arguments)
	if err != nil {
		return err
	}

	out, err := b.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(SQSQueueName(queue.Name)),
		Attributes: attrs,
	})
	if err != nil {
		var exists *types.QueueNameExists
		if errors.As(err, &exists) {
			return errors.Wrapf(broker.ErrDeclarationConflict, "queue %s", queue.Name)
		}
		return errors.Wrapf(err, "failed to create queue %s", queue.Name)
	}

	b.mu.Lock()
	b.queues[queue.Name] = &sqsQueue{decl: queue, url: aws.ToString(out.QueueUrl)}
	b.mu.Unlock()
	return nil
}

func (b *SQSBroker) queueAttributes(ctx context.Context, args broker.QueueArguments) (map[string]string, error) {
	attrs := make(map[string]string)

	if args.MessageTTL > 0 {
		seconds := max(int(args.MessageTTL/time.Second), minRetentionSeconds)
		attrs[string(types.QueueAttributeNameMessageRetentionPeriod)] = strconv.Itoa(seconds)
	}

	target, ok := b.deadLetterTarget(args)
	if !ok {
		return attrs, nil
	}
	arn, err := b.queueARN(ctx, target)
	if err != nil {
		return nil, err
	}
	policy, err := json.Marshal(redrivePolicy{
		DeadLetterTargetArn: arn,
		MaxReceiveCount:     strconv.Itoa(b.maxReceiveCount),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal redrive policy")
	}
	attrs[string(types.QueueAttributeNameRedrivePolicy)] = string(policy)
	return attrs, nil
}

// deadLetterTarget resolves the queue that args dead-letter into.
func (b *SQSBroker) deadLetterTarget(args broker.QueueArguments) (*sqsQueue, bool) {
	if args.DeadLetterExchange == "" {
		return nil, false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	exchange, ok := b.exchanges[args.DeadLetterExchange]
	if !ok {
		return nil, false
	}
	for _, binding := range b.bindings[exchange.Name] {
		if exchange.Kind == broker.ExchangeFanout || binding.RoutingKey == args.DeadLetterRoutingKey {
			if q, ok := b.queues[binding.Queue]; ok {
				return q, true
			}
		}
	}
	return nil, false
}

func (b *SQSBroker) queueARN(ctx context.Context, q *sqsQueue) (string, error) {
	b.mu.RLock()
	arn := q.arn
	b.mu.RUnlock()
	if arn != "" {
		return arn, nil
	}

	out, err := b.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to read ARN of queue %s", q.decl.Name)
	}
	arn = out.Attributes[string(types.QueueAttributeNameQueueArn)]

	b.mu.Lock()
	q.arn = arn
	b.mu.Unlock()
	return arn, nil
}

func (b *SQSBroker) queueURL(ctx context.Context, queue string) (string, error) {
	b.mu.RLock()
	q, ok := b.queues[queue]
	b.mu.RUnlock()
	if ok {
		return q.url, nil
	}

	out, err := b.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(SQSQueueName(queue))})
	if err != nil {
		var missing *types.QueueDoesNotExist
		if errors.As(err, &missing) {
			return "", errors.Wrapf(broker.ErrQueueNotFound, "queue %s", queue)
		}
		return "", errors.Wrapf(err, "failed to resolve queue %s", queue)
	}
	return aws.ToString(out.QueueUrl), nil
}

// Publish sends msg to queue. SendMessage returns once SQS stored it.
func (b *SQSBroker) Publish(ctx context.Context, queue string, msg broker.Message) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}
	return b.send(ctx, url, string(msg.Body), toMessageAttributes(msg))
}

func (b *SQSBroker) send(ctx context.Context, url, body string, attrs map[string]types.MessageAttributeValue) error {
	_, err := b.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(url),
		MessageBody:       aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to send message to SQS")
	}
	return nil
}

// Consume runs an SQS consumer on queue until ctx is done.
func (b *SQSBroker) Consume(ctx context.Context, queue string, handler broker.Handler) error {
	url, err := b.queueURL(ctx, queue)
	if err != nil {
		return err
	}

	b.mu.RLock()
	var decl broker.QueueDeclaration
	if q, ok := b.queues[queue]; ok {
		decl = q.decl
	}
	b.mu.RUnlock()

	consumer := &sqsConsumer{
		client:   b.client,
		queue:    queue,
		queueURL: url,
		handler:  handler,
		options:  b.consumer,
		logger:   b.logger.With().Str(logging.QueueField, queue).Str("handler", handler.HandlerID()).Logger(),
		deadLetter: func(ctx context.Context, message types.Message) error {
			return b.deadLetter(ctx, decl, message)
		},
	}
	consumer.logger.Debug().Msg("consumer started")
	consumer.Run(ctx)
	return nil
}

// deadLetter copies a rejected message to the dead-letter queue of decl.
// Without one the message is dropped, as AMQP does.
func (b *SQSBroker) deadLetter(ctx context.Context, decl broker.QueueDeclaration, message types.Message) error {
	target, ok := b.deadLetterTarget(decl.Arguments)
	if !ok {
		return nil
	}

	attrs := make(map[string]types.MessageAttributeValue, len(message.MessageAttributes)+2)
	for k, v := range message.MessageAttributes {
		attrs[k] = v
	}
	if _, ok := attrs[broker.HeaderFirstDeathQueue]; !ok {
		attrs[broker.HeaderFirstDeathQueue] = stringAttribute(decl.Name)
		attrs[broker.HeaderFirstDeathReason] = stringAttribute(broker.DeathReasonRejected)
	}
	return b.send(ctx, target.url, aws.ToString(message.Body), attrs)
}

type sqsSession struct {
	*SQSBroker
}

func (s *sqsSession) Close() error {
	return nil
}

func stringAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
}

func numberAttribute(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{DataType: aws.String("Number"), StringValue: aws.String(v)}
}

func toMessageAttributes(msg broker.Message) map[string]types.MessageAttributeValue {
	attrs := make(map[string]types.MessageAttributeValue, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		switch val := v.(type) {
		case string:
			if val != "" {
				attrs[k] = stringAttribute(val)
			}
		case int:
			attrs[k] = numberAttribute(strconv.Itoa(val))
		case int32:
			attrs[k] = numberAttribute(strconv.FormatInt(int64(val), 10))
		case int64:
			attrs[k] = numberAttribute(strconv.FormatInt(val, 10))
		case float64:
			attrs[k] = numberAttribute(strconv.FormatFloat(val, 'f', -1, 64))
		case nil:
		default:
			attrs[k] = stringAttribute(fmt.Sprint(val))
		}
	}
	if msg.ID != "" {
		attrs[attributeMessageID] = stringAttribute(msg.ID)
	}
	if msg.CorrelationID != "" {
		attrs[attributeCorrelationID] = stringAttribute(msg.CorrelationID)
	}
	return attrs
}

func fromMessageAttributes(attrs map[string]types.MessageAttributeValue) map[string]any {
	headers := make(map[string]any, len(attrs))
	for k, v := range attrs {
		value := aws.ToString(v.StringValue)
		if strings.HasPrefix(aws.ToString(v.DataType), "Number") {
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				headers[k] = n
				continue
			}
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				headers[k] = f
				continue
			}
		}
		headers[k] = value
	}
	return headers
}
