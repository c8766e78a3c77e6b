package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/draftea/saga-pipeline/shared/deadletter"
	"github.com/draftea/saga-pipeline/shared/infrastructure"
	"github.com/draftea/saga-pipeline/shared/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.json"), []byte(body), 0o600))
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("COMPLETED_ENDPOINT", "")
	t.Setenv("PORT", "")

	cfg, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)

	assert.Equal(t, "relay-service", cfg.ServiceName)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BrokerAMQP, cfg.Broker.Kind)
	assert.Equal(t, []string{"rabbit-mq", "localhost"}, cfg.Broker.AMQP.Hosts)
	assert.Equal(t, 5672, cfg.Broker.AMQP.Port)
	assert.Equal(t, saga.DefaultName, cfg.Pipeline.Name)
	assert.Equal(t, saga.DefaultStages, cfg.Pipeline.Stages)
	assert.True(t, cfg.Pipeline.InboundDeadLetter)
	assert.False(t, cfg.Pipeline.CompletionSink)
	assert.Equal(t, NotifierHTTP, cfg.Notifier.Kind)
	assert.Equal(t, infrastructure.DefaultCompletedEndpoint, cfg.Notifier.Endpoint)
	assert.Equal(t, deadletter.DefaultPolicy(), cfg.DeadLetterPolicy())
}

func TestLoad_LocalFile(t *testing.T) {
	cfg, err := Load(".", "local")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, time.Second, cfg.Pipeline.StageTTL)
	assert.Equal(t, 5*time.Second, cfg.DeadLetter.QueueTTL)
	assert.Equal(t, 10*time.Second, cfg.Broker.AMQP.BackoffMax)
}

func TestReadConfig(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")

	cfg, err := ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, "local", cfg.Env)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `{
		"broker": {"kind": "memory"},
		"pipeline": {
			"name": "shop",
			"stages": ["backend", "order", "payment", "update", "deliver"],
			"completion_sink": true
		},
		"notifier": {"kind": "none"}
	}`)

	cfg, err := Load(dir, "test")
	require.NoError(t, err)

	assert.Equal(t, BrokerMemory, cfg.Broker.Kind)
	assert.Equal(t, "shop", cfg.Pipeline.Name)
	assert.Equal(t, []string{"backend", "order", "payment", "update", "deliver"}, cfg.Pipeline.Stages)
	assert.True(t, cfg.Pipeline.CompletionSink)
	assert.Equal(t, NotifierNone, cfg.Notifier.Kind)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SAGA_BROKER_KIND", "memory")
	t.Setenv("SAGA_PIPELINE_STAGE_TTL", "2s")
	t.Setenv("SAGA_PIPELINE_STAGES", "backend,deliver")
	t.Setenv("COMPLETED_ENDPOINT", "http://notifier:9000/done")

	cfg, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)

	assert.Equal(t, BrokerMemory, cfg.Broker.Kind)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.StageTTL)
	assert.Equal(t, 2*time.Second, cfg.DeadLetterPolicy().StageTTL)
	assert.Equal(t, []string{"backend", "deliver"}, cfg.Pipeline.Stages)
	assert.Equal(t, "http://notifier:9000/done", cfg.Notifier.Endpoint)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		expectedError string
	}{
		{
			name:          "malformed file",
			body:          `{"broker":`,
			expectedError: "error reading config file",
		},
		{
			name:          "unknown broker",
			body:          `{"broker": {"kind": "kafka"}}`,
			expectedError: `unsupported broker kind "kafka"`,
		},
		{
			name:          "no amqp hosts",
			body:          `{"broker": {"amqp": {"hosts": []}}}`,
			expectedError: "at least one AMQP host is required",
		},
		{
			name:          "unknown notifier",
			body:          `{"notifier": {"kind": "smtp"}}`,
			expectedError: `unsupported notifier kind "smtp"`,
		},
		{
			name:          "sns notifier without topic",
			body:          `{"notifier": {"kind": "sns"}, "aws": {"sns_topic_arn": ""}}`,
			expectedError: "aws.sns_topic_arn is required",
		},
		{
			name:          "unknown log format",
			body:          `{"log": {"format": "xml"}}`,
			expectedError: `unsupported log format "xml"`,
		},
		{
			name:          "unknown log level",
			body:          `{"log": {"level": "loud"}}`,
			expectedError: "unsupported log level",
		},
		{
			name:          "no stages",
			body:          `{"pipeline": {"stages": []}}`,
			expectedError: "pipeline.stages must name at least one stage",
		},
		{
			name:          "no dead-letter queue",
			body:          `{"dead_letter": {"queue": ""}}`,
			expectedError: "dead-letter queue is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.body), "test")

			assert.Nil(t, cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.expectedError)
		})
	}
}

func TestConfig_Builders(t *testing.T) {
	t.Setenv("AWS_DEFAULT_REGION", "")

	cfg, err := Load(t.TempDir(), "missing")
	require.NoError(t, err)

	amqpConfig := cfg.AMQPConfig()
	assert.Equal(t, []string{"rabbit-mq", "localhost"}, amqpConfig.Hosts)
	assert.Equal(t, "relay-service", amqpConfig.ConnectionName)
	assert.Equal(t, infrastructure.RetryConfig{Attempts: 5, Min: 500 * time.Millisecond, Max: 10 * time.Second}, amqpConfig.Retry)

	notifierConfig := cfg.HTTPNotifierConfig()
	assert.Equal(t, "POST", notifierConfig.Method)
	assert.Equal(t, 2, notifierConfig.Retries)

	assert.Equal(t, "us-east-1", cfg.AWSConfig().Region)
	assert.Len(t, cfg.SQSOptions(), 4)
}

func TestConfig_NotifyDeadline(t *testing.T) {
	tests := []struct {
		name     string
		notifier Notifier
		expected time.Duration
	}{
		{
			name:     "no timeout",
			notifier: Notifier{Retries: 3},
			expected: 0,
		},
		{
			name:     "single attempt",
			notifier: Notifier{Timeout: 5 * time.Second},
			expected: 5 * time.Second,
		},
		{
			name:     "retries include backoff",
			notifier: Notifier{Timeout: 5 * time.Second, Retries: 2, BackoffMax: 2 * time.Second},
			expected: 19 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Notifier: tt.notifier}
			assert.Equal(t, tt.expected, cfg.NotifyDeadline())
		})
	}
}
