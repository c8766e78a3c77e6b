package infrastructure

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/draftea/saga-pipeline/shared/envelope"
	"github.com/draftea/saga-pipeline/shared/models"
	"github.com/draftea/saga-pipeline/shared/saga"
)

var _ saga.Notifier = (*SNSNotifier)(nil)

// CompletedTopic tags completion notifications.
const CompletedTopic = "saga.completed"

// SNSPublisher is the subset of *sns.Client the notifier uses.
type SNSPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type snsMessage struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Pipeline  string          `json:"pipeline"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SNSNotifier announces completed sagas on an SNS topic.
type SNSNotifier struct {
	client   SNSPublisher
	topicArn string
	pipeline string
	now      func() time.Time
}

// NewSNSNotifier creates a notifier publishing to topicArn.
func NewSNSNotifier(client SNSPublisher, topicArn, pipeline string) *SNSNotifier {
	return &SNSNotifier{
		client:   client,
		topicArn: topicArn,
		pipeline: pipeline,
		now:      time.Now,
	}
}

func (n *SNSNotifier) NotifyCompleted(ctx context.Context, env *envelope.Envelope) error {
	payload, err := envelope.Encode(env)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payload")
	}

	message := &snsMessage{
		ID:        models.GenerateUUID().String(),
		Topic:     CompletedTopic,
		Pipeline:  n.pipeline,
		Payload:   payload,
		Timestamp: n.now().UTC(),
	}
	msgJSON, err := envelope.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to marshal message")
	}

	attrs := map[string]types.MessageAttributeValue{
		"topic": {
			DataType:    aws.String("String"),
			StringValue: aws.String(CompletedTopic),
		},
		"pipeline": {
			DataType:    aws.String("String"),
			StringValue: aws.String(n.pipeline),
		},
	}
	if env.Staged() {
		attrs["stage"] = types.MessageAttributeValue{
			DataType:    aws.String("Number"),
			StringValue: aws.String(strconv.Itoa(int(env.Stage))),
		}
	}

	_, err = n.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(n.topicArn),
		Message:           aws.String(string(msgJSON)),
		MessageAttributes: attrs,
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish to SNS")
	}
	return nil
}
