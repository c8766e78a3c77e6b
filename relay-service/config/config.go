package config

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/draftea/saga-pipeline/shared/deadletter"
	"github.com/draftea/saga-pipeline/shared/infrastructure"
	"github.com/draftea/saga-pipeline/shared/logging"
	"github.com/draftea/saga-pipeline/shared/saga"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const envPrefix = "SAGA"

const (
	BrokerAMQP   = "amqp"
	BrokerSQS    = "sqs"
	BrokerMemory = "memory"

	NotifierHTTP = "http"
	NotifierSNS  = "sns"
	NotifierNone = "none"
)

type Config struct {
	ServiceName string     `mapstructure:"service_name"`
	Env         string     `mapstructure:"env"`
	Port        string     `mapstructure:"port"`
	Log         Log        `mapstructure:"log"`
	Broker      Broker     `mapstructure:"broker"`
	AWS         AWS        `mapstructure:"aws"`
	Pipeline    Pipeline   `mapstructure:"pipeline"`
	DeadLetter  DeadLetter `mapstructure:"dead_letter"`
	Notifier    Notifier   `mapstructure:"notifier"`
	Telemetry   Telemetry  `mapstructure:"telemetry"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Broker struct {
	Kind string `mapstructure:"kind"`
	AMQP AMQP   `mapstructure:"amqp"`
}

// AMQP hosts are tried in order; the first one is the primary.
type AMQP struct {
	Hosts           []string      `mapstructure:"hosts"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	VHost           string        `mapstructure:"vhost"`
	Prefetch        int           `mapstructure:"prefetch"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	BackoffMin      time.Duration `mapstructure:"backoff_min"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
}

type AWS struct {
	AccessKeyID       string `mapstructure:"access_key_id"`
	SecretAccessKey   string `mapstructure:"secret_access_key"`
	Region            string `mapstructure:"region"`
	EndpointSNS       string `mapstructure:"endpoint_sns"`
	EndpointSQS       string `mapstructure:"endpoint_sqs"`
	SNSTopicArn       string `mapstructure:"sns_topic_arn"`
	MaxReceiveCount   int    `mapstructure:"max_receive_count"`
	Workers           int    `mapstructure:"workers"`
	WaitTimeSeconds   int32  `mapstructure:"wait_time_seconds"`
	VisibilityTimeout int32  `mapstructure:"visibility_timeout"`
}

type Pipeline struct {
	Name              string        `mapstructure:"name"`
	Stages            []string      `mapstructure:"stages"`
	StageTTL          time.Duration `mapstructure:"stage_ttl"`
	CompletionSink    bool          `mapstructure:"completion_sink"`
	InboundDeadLetter bool          `mapstructure:"inbound_dead_letter"`
}

type DeadLetter struct {
	Exchange     string        `mapstructure:"exchange"`
	Queue        string        `mapstructure:"queue"`
	RoutingKey   string        `mapstructure:"routing_key"`
	QueueTTL     time.Duration `mapstructure:"queue_ttl"`
	SinkExchange string        `mapstructure:"sink_exchange"`
}

type Notifier struct {
	Kind       string        `mapstructure:"kind"`
	Endpoint   string        `mapstructure:"endpoint"`
	Method     string        `mapstructure:"method"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retries    int           `mapstructure:"retries"`
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

type Telemetry struct {
	Enabled      bool   `mapstructure:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ReadConfig loads the configuration file named after ENVIRONMENT from the
// directory of this package.
func ReadConfig() (*Config, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return nil, errors.New("unable to get current file")
	}

	return Load(filepath.Dir(filename), getConfigName())
}

// Load reads <dir>/<name>.json. A missing file leaves the defaults and the
// environment in charge; SAGA_ prefixed variables override both.
func Load(dir, name string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("json")
	v.AddConfigPath(dir)

	// Allow environment variables to override config
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultsFromEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "error reading config file")
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling config")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return &config, nil
}

func getConfigName() string {
	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		return "local"
	}
	return env
}

// setDefaultsFromEnv sets defaults, honouring the unprefixed variables the
// deployment already exports.
func setDefaultsFromEnv(v *viper.Viper) {
	policy := deadletter.DefaultPolicy()

	// Service defaults
	v.SetDefault("service_name", "relay-service")
	v.SetDefault("env", getEnv("ENV", "local"))
	v.SetDefault("port", getEnv("PORT", "8080"))
	v.SetDefault("log.level", getEnv("LOG_LEVEL", "info"))
	v.SetDefault("log.format", string(logging.FormatJSON))

	// Broker defaults
	v.SetDefault("broker.kind", BrokerAMQP)
	v.SetDefault("broker.amqp.hosts", []string{"rabbit-mq", "localhost"})
	v.SetDefault("broker.amqp.port", 5672)
	v.SetDefault("broker.amqp.user", getEnv("RABBITMQ_USER", "guest"))
	v.SetDefault("broker.amqp.password", getEnv("RABBITMQ_PASSWORD", "guest"))
	v.SetDefault("broker.amqp.vhost", "/")
	v.SetDefault("broker.amqp.prefetch", 1)
	v.SetDefault("broker.amqp.connect_attempts", 5)
	v.SetDefault("broker.amqp.dial_timeout", 5*time.Second)
	v.SetDefault("broker.amqp.backoff_min", 500*time.Millisecond)
	v.SetDefault("broker.amqp.backoff_max", 10*time.Second)

	// AWS defaults
	v.SetDefault("aws.access_key_id", getEnv("AWS_ACCESS_KEY_ID", "test"))
	v.SetDefault("aws.secret_access_key", getEnv("AWS_SECRET_ACCESS_KEY", "test"))
	v.SetDefault("aws.region", getEnv("AWS_DEFAULT_REGION", "us-east-1"))
	v.SetDefault("aws.endpoint_sns", getEnv("AWS_ENDPOINT_URL_SNS", "http://localhost:4566"))
	v.SetDefault("aws.endpoint_sqs", getEnv("AWS_ENDPOINT_URL_SQS", "http://localhost:4566"))
	v.SetDefault("aws.sns_topic_arn", getEnv("SNS_TOPIC_ARN", "arn:aws:sns:us-east-1:000000000000:saga-completed"))
	v.SetDefault("aws.max_receive_count", 3)
	v.SetDefault("aws.workers", 1)
	v.SetDefault("aws.wait_time_seconds", 15)
	v.SetDefault("aws.visibility_timeout", 30)

	// Pipeline defaults
	v.SetDefault("pipeline.name", saga.DefaultName)
	v.SetDefault("pipeline.stages", saga.DefaultStages)
	v.SetDefault("pipeline.stage_ttl", policy.StageTTL)
	v.SetDefault("pipeline.completion_sink", false)
	v.SetDefault("pipeline.inbound_dead_letter", true)

	v.SetDefault("dead_letter.exchange", policy.Exchange)
	v.SetDefault("dead_letter.queue", policy.Queue)
	v.SetDefault("dead_letter.routing_key", policy.RoutingKey)
	v.SetDefault("dead_letter.queue_ttl", policy.QueueTTL)
	v.SetDefault("dead_letter.sink_exchange", policy.SinkExchange)

	// Notifier defaults
	v.SetDefault("notifier.kind", NotifierHTTP)
	v.SetDefault("notifier.endpoint", getEnv("COMPLETED_ENDPOINT", infrastructure.DefaultCompletedEndpoint))
	v.SetDefault("notifier.method", "POST")
	v.SetDefault("notifier.timeout", 5*time.Second)
	v.SetDefault("notifier.retries", 2)
	v.SetDefault("notifier.backoff_min", 200*time.Millisecond)
	v.SetDefault("notifier.backoff_max", 2*time.Second)

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.otlp_endpoint", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("port is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if format := logging.Format(c.Log.Format); format != logging.FormatJSON && format != logging.FormatConsole {
		return errors.Errorf("unsupported log format %q", c.Log.Format)
	}

	switch c.Broker.Kind {
	case BrokerAMQP:
		if len(c.Broker.AMQP.Hosts) == 0 {
			return errors.New("at least one AMQP host is required")
		}
		if c.Broker.AMQP.ConnectAttempts < 1 {
			return errors.New("broker.amqp.connect_attempts must be at least 1")
		}
	case BrokerSQS:
		if c.AWS.Region == "" {
			return errors.New("aws.region is required for the sqs broker")
		}
	case BrokerMemory:
	default:
		return errors.Errorf("unsupported broker kind %q", c.Broker.Kind)
	}

	switch c.Notifier.Kind {
	case NotifierHTTP, NotifierNone:
	case NotifierSNS:
		if c.AWS.SNSTopicArn == "" {
			return errors.New("aws.sns_topic_arn is required for the sns notifier")
		}
	default:
		return errors.Errorf("unsupported notifier kind %q", c.Notifier.Kind)
	}
	if c.Notifier.Timeout < 0 || c.Notifier.Retries < 0 {
		return errors.New("notifier timeout and retries must not be negative")
	}

	if len(c.Pipeline.Stages) == 0 {
		return errors.New("pipeline.stages must name at least one stage")
	}
	if slices.Contains(c.Pipeline.Stages, "") {
		return errors.New("pipeline.stages must not contain empty names")
	}

	return c.DeadLetterPolicy().Validate()
}

// DeadLetterPolicy returns the dead-letter policy of the pipeline.
func (c *Config) DeadLetterPolicy() deadletter.Policy {
	return deadletter.Policy{
		Exchange:     c.DeadLetter.Exchange,
		Queue:        c.DeadLetter.Queue,
		RoutingKey:   c.DeadLetter.RoutingKey,
		QueueTTL:     c.DeadLetter.QueueTTL,
		SinkExchange: c.DeadLetter.SinkExchange,
		StageTTL:     c.Pipeline.StageTTL,
	}
}

func (c *Config) AMQPConfig() infrastructure.AMQPConfig {
	return infrastructure.AMQPConfig{
		Hosts:          c.Broker.AMQP.Hosts,
		Port:           c.Broker.AMQP.Port,
		User:           c.Broker.AMQP.User,
		Password:       c.Broker.AMQP.Password,
		VHost:          c.Broker.AMQP.VHost,
		Prefetch:       c.Broker.AMQP.Prefetch,
		ConnectionName: c.ServiceName,
		DialTimeout:    c.Broker.AMQP.DialTimeout,
		Retry: infrastructure.RetryConfig{
			Attempts: c.Broker.AMQP.ConnectAttempts,
			Min:      c.Broker.AMQP.BackoffMin,
			Max:      c.Broker.AMQP.BackoffMax,
		},
	}
}

func (c *Config) AWSConfig() infrastructure.AWSConfig {
	return infrastructure.AWSConfig{
		Region:          c.AWS.Region,
		AccessKeyID:     c.AWS.AccessKeyID,
		SecretAccessKey: c.AWS.SecretAccessKey,
		EndpointSQS:     c.AWS.EndpointSQS,
		EndpointSNS:     c.AWS.EndpointSNS,
	}
}

func (c *Config) SQSOptions() []infrastructure.SQSOption {
	var opts []infrastructure.SQSOption
	if c.AWS.MaxReceiveCount > 0 {
		opts = append(opts, infrastructure.WithMaxReceiveCount(c.AWS.MaxReceiveCount))
	}
	if c.AWS.Workers > 0 {
		opts = append(opts, infrastructure.WithWorkers(c.AWS.Workers))
	}
	if c.AWS.WaitTimeSeconds > 0 {
		opts = append(opts, infrastructure.WithWaitTime(c.AWS.WaitTimeSeconds))
	}
	if c.AWS.VisibilityTimeout > 0 {
		opts = append(opts, infrastructure.WithVisibilityTimeout(c.AWS.VisibilityTimeout))
	}
	return opts
}

func (c *Config) HTTPNotifierConfig() infrastructure.HTTPNotifierConfig {
	return infrastructure.HTTPNotifierConfig{
		Endpoint:   c.Notifier.Endpoint,
		Method:     c.Notifier.Method,
		Timeout:    c.Notifier.Timeout,
		Retries:    c.Notifier.Retries,
		BackoffMin: c.Notifier.BackoffMin,
		BackoffMax: c.Notifier.BackoffMax,
	}
}

// NotifyDeadline bounds one completion notification including its retries.
func (c *Config) NotifyDeadline() time.Duration {
	if c.Notifier.Timeout == 0 {
		return 0
	}
	attempts := time.Duration(c.Notifier.Retries + 1)
	return c.Notifier.Timeout*attempts + c.Notifier.BackoffMax*(attempts-1)
}
