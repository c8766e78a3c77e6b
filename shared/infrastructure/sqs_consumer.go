package infrastructure

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/logging"
)

const attributeReceiveCount = "ApproximateReceiveCount"

type sqsMessage struct {
	Message  types.Message
	Delivery broker.Delivery
	Err      error
}

type sqsConsumerOptions struct {
	workers                    int
	readers                    int
	cleaners                   int
	maxNumberOfMessages        int32
	waitTimeSeconds            int32
	visibilityTimeout          int32
	sleepTimeAfterEmptyReceive time.Duration
	sleepTimeAfterError        time.Duration
	receiveCountRange          int32
	visibilityTimeoutOffset    int32
	maxVisibilityTimeout       int32
}

func defaultSQSConsumerOptions() sqsConsumerOptions {
	return sqsConsumerOptions{
		workers:                    1,
		readers:                    1,
		cleaners:                   1,
		maxNumberOfMessages:        5,
		waitTimeSeconds:            15,
		visibilityTimeout:          30,
		sleepTimeAfterEmptyReceive: time.Second,
		sleepTimeAfterError:        20 * time.Second,
		receiveCountRange:          3,
		visibilityTimeoutOffset:    30,
		maxVisibilityTimeout:       900, // 15 minutes
	}
}

// sqsConsumer feeds one queue to a handler: readers receive batches,
// workers run the handler and cleaners settle each message.
type sqsConsumer struct {
	client     SQSClient
	queue      string
	queueURL   string
	handler    broker.Handler
	deadLetter func(ctx context.Context, message types.Message) error
	options    sqsConsumerOptions
	logger     zerolog.Logger

	inboundMessages  chan *sqsMessage
	outboundMessages chan *sqsMessage
}

// Run consumes until ctx is done.
func (c *sqsConsumer) Run(ctx context.Context) {
	c.inboundMessages = make(chan *sqsMessage, 10)
	c.outboundMessages = make(chan *sqsMessage, 10)

	var wg sync.WaitGroup
	spawn := func(n int, fn func(context.Context)) {
		for i := 0; i < max(n, 1); i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				fn(ctx)
			}()
		}
	}

	spawn(c.options.workers, c.startWorker)
	spawn(c.options.readers, c.startReader)
	spawn(c.options.cleaners, c.startCleaner)

	wg.Wait()
}

func (c *sqsConsumer) startWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-c.inboundMessages:
			c.handle(ctx, message)
		}
	}
}

func (c *sqsConsumer) startReader(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := c.read(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("failed to receive messages")
				sleep(ctx, c.options.sleepTimeAfterError)
			}
		}
	}
}

func (c *sqsConsumer) startCleaner(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case message := <-c.outboundMessages:
			if err := c.clean(ctx, message); err != nil {
				c.logger.Error().Err(err).
					Str(logging.MessageIDField, aws.ToString(message.Message.MessageId)).
					Msg("failed to settle message")
			}
		}
	}
}

func (c *sqsConsumer) read(ctx context.Context) error {
	output, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.options.maxNumberOfMessages,
		WaitTimeSeconds:     c.options.waitTimeSeconds,
		VisibilityTimeout:   c.options.visibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return errors.Wrap(err, "failed to receive message from SQS")
	}

	if len(output.Messages) == 0 {
		sleep(ctx, c.options.sleepTimeAfterEmptyReceive)
		return nil
	}

	for _, message := range output.Messages {
		select {
		case c.inboundMessages <- &sqsMessage{
			Message:  message,
			Delivery: sqsDelivery(c.queue, message),
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (c *sqsConsumer) handle(ctx context.Context, message *sqsMessage) {
	message.Err = c.handler.Handle(ctx, message.Delivery)

	select {
	case c.outboundMessages <- message:
	case <-ctx.Done():
	}
}

func (c *sqsConsumer) clean(ctx context.Context, message *sqsMessage) error {
	switch broker.DispositionFor(message.Err) {
	case broker.Requeue:
		return c.extendVisibility(ctx, message)
	case broker.Reject:
		if err := c.deadLetter(ctx, message.Message); err != nil {
			return errors.Wrap(err, "failed to dead-letter message")
		}
	}

	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: message.Message.ReceiptHandle,
	})
	if err != nil {
		return errors.Wrap(err, "failed to delete message from SQS")
	}
	return nil
}

// extendVisibility hides a requeued message a little longer every
// receiveCountRange receives, up to maxVisibilityTimeout.
func (c *sqsConsumer) extendVisibility(ctx context.Context, message *sqsMessage) error {
	receiveCount, err := strconv.Atoi(message.Message.Attributes[attributeReceiveCount])
	if err != nil {
		receiveCount = 1
	}

	visibilityTimeout := c.options.visibilityTimeout
	visibilityTimeout += (int32(receiveCount) / c.options.receiveCountRange) * c.options.visibilityTimeoutOffset
	if visibilityTimeout > c.options.maxVisibilityTimeout {
		visibilityTimeout = c.options.maxVisibilityTimeout
	}

	_, err = c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     message.Message.ReceiptHandle,
		VisibilityTimeout: visibilityTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "failed to extend visibility timeout")
	}
	return nil
}

func sqsDelivery(queue string, message types.Message) broker.Delivery {
	headers := fromMessageAttributes(message.MessageAttributes)

	id := aws.ToString(message.MessageId)
	if v, ok := headers[attributeMessageID].(string); ok && v != "" {
		id = v
	}
	correlationID, _ := headers[attributeCorrelationID].(string)
	delete(headers, attributeMessageID)
	delete(headers, attributeCorrelationID)

	receiveCount, _ := strconv.Atoi(message.Attributes[attributeReceiveCount])

	return broker.Delivery{
		Message: broker.Message{
			ID:            id,
			CorrelationID: correlationID,
			Body:          []byte(aws.ToString(message.Body)),
			Headers:       headers,
		},
		Queue:       queue,
		Redelivered: receiveCount > 1,
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
