package config

import (
	"context"

	"github.com/draftea/saga-pipeline/relay-service/application"
	"github.com/draftea/saga-pipeline/relay-service/handlers"
	"github.com/draftea/saga-pipeline/shared/broker"
	sharedinfra "github.com/draftea/saga-pipeline/shared/infrastructure"
	"github.com/draftea/saga-pipeline/shared/logging"
	"github.com/draftea/saga-pipeline/shared/saga"
	"github.com/draftea/saga-pipeline/shared/telemetry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

type Dependencies struct {
	Logger zerolog.Logger

	// Messaging
	Broker   broker.Broker
	Producer broker.Session
	Notifier saga.Notifier
	Pipeline *saga.Pipeline

	// Use Cases
	StartSaga *application.StartSaga

	// HTTP Handlers
	SagaHandlers *handlers.SagaHandlers

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	logger, err := logging.New(config.Log.Level, logging.Format(config.Log.Format))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build logger")
	}
	deps.Logger = logger.With().Str("service", config.ServiceName).Logger()

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.RelayServiceConfig.
			WithServiceName(config.ServiceName).
			WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			// Continue without telemetry rather than failing
			deps.Logger.Warn().Err(err).Msg("failed to initialize telemetry")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	b, err := buildBroker(ctx, config, deps.Logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Broker = b

	notifier, err := buildNotifier(ctx, config, deps.Logger)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Notifier = notifier

	pipeline, err := saga.NewPipeline(config.Pipeline.Name, config.Pipeline.Stages,
		saga.WithPolicy(config.DeadLetterPolicy()),
		saga.WithCompletionSink(config.Pipeline.CompletionSink),
		saga.WithInboundDeadLetter(config.Pipeline.InboundDeadLetter),
		saga.WithNotifier(notifier),
		saga.WithNotifierTimeout(config.NotifyDeadline()),
		saga.WithLogger(deps.Logger),
	)
	if err != nil {
		deps.Close()
		return nil, errors.Wrap(err, "invalid pipeline")
	}
	deps.Pipeline = pipeline

	// The producer publishes on a session of its own so HTTP requests never
	// share a channel with a relay.
	producer, err := b.Session(ctx)
	if err != nil {
		deps.Close()
		return nil, errors.Wrap(err, "failed to open producer session")
	}
	deps.Producer = producer

	// Initialize use cases
	deps.StartSaga = application.NewStartSaga(pipeline, producer)

	// Initialize handlers
	deps.SagaHandlers = handlers.NewSagaHandlers(deps.StartSaga, pipeline, logging.WithComponent(deps.Logger, "http"))

	return deps, nil
}

func buildBroker(ctx context.Context, config *Config, logger zerolog.Logger) (broker.Broker, error) {
	switch config.Broker.Kind {
	case BrokerAMQP:
		b, err := sharedinfra.DialAMQP(ctx, config.AMQPConfig(), logger)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to RabbitMQ")
		}
		return b, nil
	case BrokerSQS:
		client, err := sharedinfra.NewSQSClient(ctx, config.AWSConfig())
		if err != nil {
			return nil, errors.Wrap(err, "failed to create SQS client")
		}
		return sharedinfra.NewSQSBroker(client, logger, config.SQSOptions()...), nil
	case BrokerMemory:
		return broker.NewMemory(), nil
	}
	return nil, errors.Errorf("unsupported broker kind %q", config.Broker.Kind)
}

func buildNotifier(ctx context.Context, config *Config, logger zerolog.Logger) (saga.Notifier, error) {
	switch config.Notifier.Kind {
	case NotifierHTTP:
		return sharedinfra.NewHTTPNotifier(config.HTTPNotifierConfig(), logger), nil
	case NotifierSNS:
		client, err := sharedinfra.NewSNSClient(ctx, config.AWSConfig())
		if err != nil {
			return nil, errors.Wrap(err, "failed to create SNS client")
		}
		return sharedinfra.NewSNSNotifier(client, config.AWS.SNSTopicArn, config.Pipeline.Name), nil
	case NotifierNone:
		return saga.NopNotifier{}, nil
	}
	return nil, errors.Errorf("unsupported notifier kind %q", config.Notifier.Kind)
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	if d.Producer != nil {
		if err := d.Producer.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close producer session"))
		}
	}

	if d.Broker != nil {
		if err := d.Broker.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "failed to close broker"))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return errors.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
