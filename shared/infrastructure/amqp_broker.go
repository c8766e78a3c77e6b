package infrastructure

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/draftea/saga-pipeline/shared/logging"
	"github.com/draftea/saga-pipeline/shared/models"
)

var (
	_ broker.Broker  = (*AMQPBroker)(nil)
	_ broker.Session = (*amqpSession)(nil)
)

const (
	defaultAMQPPort    = 5672
	defaultDialTimeout = 5 * time.Second
	defaultHeartbeat   = 10 * time.Second
	contentTypeJSON    = "application/json"
)

// AMQPConfig describes how to reach RabbitMQ. Hosts are tried in order,
// the first being the primary.
type AMQPConfig struct {
	Hosts          []string
	Port           int
	User           string
	Password       string
	VHost          string
	Prefetch       int
	ConnectionName string
	DialTimeout    time.Duration
	Retry          RetryConfig
}

// URL returns the AMQP URI of host.
func (c AMQPConfig) URL(host string) string {
	port := c.Port
	if port == 0 {
		port = defaultAMQPPort
	}
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     host,
		Port:     port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

func (c AMQPConfig) amqpConfig() amqp.Config {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	props := amqp.NewConnectionProperties()
	if c.ConnectionName != "" {
		props.SetClientConnectionName(c.ConnectionName)
	}
	return amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Heartbeat:  defaultHeartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

// AMQPBroker is a RabbitMQ connection. Each session is a channel in
// publisher-confirm mode with manual acknowledgements.
type AMQPBroker struct {
	conn     *amqp.Connection
	host     string
	prefetch int
	logger   zerolog.Logger
}

// DialAMQP connects to the first reachable host. It fails with a
// *ConnectionError once every host failed for every attempt.
func DialAMQP(ctx context.Context, cfg AMQPConfig, logger zerolog.Logger) (*AMQPBroker, error) {
	logger = logging.WithComponent(logger, "amqp")
	amqpCfg := cfg.amqpConfig()

	conn, host, err := dialFirst(ctx, cfg.Hosts, cfg.Retry, logger, func(host string) (*amqp.Connection, error) {
		return amqp.DialConfig(cfg.URL(host), amqpCfg)
	})
	if err != nil {
		return nil, err
	}

	b := &AMQPBroker{
		conn:     conn,
		host:     host,
		prefetch: cfg.Prefetch,
		logger:   logger.With().Str(logging.HostField, host).Logger(),
	}
	go b.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return b, nil
}

// Host returns the host the broker is connected to.
func (b *AMQPBroker) Host() string {
	return b.host
}

func (b *AMQPBroker) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		b.logger.Error().Int("code", err.Code).Str("reason", err.Reason).Msg("broker connection lost")
	}
}

func (b *AMQPBroker) Session(_ context.Context) (broker.Session, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(mapAMQPError(err), "failed to open channel")
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(mapAMQPError(err), "failed to enable publisher confirms")
	}
	if b.prefetch > 0 {
		if err := ch.Qos(b.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, errors.Wrap(mapAMQPError(err), "failed to set prefetch")
		}
	}
	return &amqpSession{ch: ch, logger: b.logger}, nil
}

func (b *AMQPBroker) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	return b.conn.Close()
}

type amqpSession struct {
	ch     *amqp.Channel
	logger zerolog.Logger
	mu     sync.Mutex
}

func (s *amqpSession) DeclareExchange(_ context.Context, exchange broker.ExchangeDeclaration) error {
	err := s.ch.ExchangeDeclare(exchange.Name, exchange.Kind, exchange.Durable, false, false, false, nil)
	return mapAMQPError(err)
}

func (s *amqpSession) DeclareQueue(_ context.Context, queue broker.QueueDeclaration) error {
	_, err := s.ch.QueueDeclare(queue.Name, queue.Durable, false, false, false, amqpTable(queue.Arguments.Table()))
	return mapAMQPError(err)
}

func (s *amqpSession) BindQueue(_ context.Context, binding broker.Binding) error {
	err := s.ch.QueueBind(binding.Queue, binding.RoutingKey, binding.Exchange, false, nil)
	return mapAMQPError(err)
}

// Publish sends msg through the default exchange and waits for the broker
// to confirm it.
func (s *amqpSession) Publish(ctx context.Context, queue string, msg broker.Message) error {
	s.mu.Lock()
	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:   contentTypeJSON,
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.Timestamp,
		Headers:       amqpTable(msg.Headers),
		Body:          msg.Body,
	})
	s.mu.Unlock()
	if err != nil {
		return mapAMQPError(err)
	}
	if confirm == nil {
		return errors.New("channel is not in confirm mode")
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed waiting for publisher confirm")
	}
	if !acked {
		return broker.ErrNacked
	}
	return nil
}

// Consume acknowledges each delivery according to the handler result; see
// broker.DispositionFor.
func (s *amqpSession) Consume(ctx context.Context, queue string, handler broker.Handler) error {
	tag := fmt.Sprintf("%s-%s", handler.HandlerID(), models.GenerateUUID())
	deliveries, err := s.ch.ConsumeWithContext(ctx, queue, tag, false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(mapAMQPError(err), "failed to consume %s", queue)
	}
	closed := s.ch.NotifyClose(make(chan *amqp.Error, 1))

	logger := s.logger.With().Str(logging.QueueField, queue).Str("consumer", tag).Logger()
	logger.Debug().Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if ctx.Err() != nil {
				return nil
			}
			if !ok || amqpErr == nil {
				return broker.ErrClosed
			}
			return errors.Wrap(mapAMQPError(amqpErr), "channel closed")
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return broker.ErrClosed
			}
			s.settle(logger, d, handler.Handle(ctx, toDelivery(queue, d)))
		}
	}
}

func (s *amqpSession) settle(logger zerolog.Logger, d amqp.Delivery, handleErr error) {
	disposition := broker.DispositionFor(handleErr)

	var err error
	switch disposition {
	case broker.Ack:
		err = d.Ack(false)
	case broker.Requeue:
		err = d.Nack(false, true)
	case broker.Reject:
		err = d.Reject(false)
	}
	if err != nil {
		logger.Error().Err(err).
			Str(logging.MessageIDField, d.MessageId).
			Stringer("disposition", disposition).
			Msg("failed to settle delivery")
	}
}

func (s *amqpSession) Close() error {
	if s.ch.IsClosed() {
		return nil
	}
	return s.ch.Close()
}

func toDelivery(queue string, d amqp.Delivery) broker.Delivery {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return broker.Delivery{
		Message: broker.Message{
			ID:            d.MessageId,
			CorrelationID: d.CorrelationId,
			Body:          d.Body,
			Headers:       headers,
			Timestamp:     d.Timestamp,
		},
		Queue:       queue,
		Redelivered: d.Redelivered,
	}
}

// amqpTable converts headers to a table the AMQP encoder accepts. Values of
// unsupported types are sent as their string form.
func amqpTable(headers map[string]any) amqp.Table {
	if len(headers) == 0 {
		return nil
	}
	table := make(amqp.Table, len(headers))
	for k, v := range headers {
		switch val := v.(type) {
		case int:
			table[k] = int64(val)
		case int32, int64, float64, bool, string, []byte, time.Time, amqp.Decimal, amqp.Table:
			table[k] = val
		case map[string]any:
			table[k] = amqpTable(val)
		case nil:
			table[k] = nil
		default:
			table[k] = fmt.Sprint(val)
		}
	}
	return table
}

// mapAMQPError translates AMQP channel exceptions into broker errors.
func mapAMQPError(err error) error {
	if err == nil {
		return nil
	}
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) {
		return err
	}

	switch amqpErr.Code {
	case amqp.PreconditionFailed:
		return errors.Wrap(broker.ErrDeclarationConflict, amqpErr.Reason)
	case amqp.NotFound:
		if strings.Contains(amqpErr.Reason, "exchange") {
			return errors.Wrap(broker.ErrExchangeNotFound, amqpErr.Reason)
		}
		return errors.Wrap(broker.ErrQueueNotFound, amqpErr.Reason)
	case amqp.ChannelError:
		return errors.Wrap(broker.ErrClosed, amqpErr.Reason)
	}
	return err
}
