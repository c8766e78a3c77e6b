// Package deadletter declares the dead-letter exchange and queue shared by
// every stage of a deployment, and the queue arguments that route expired
// or rejected stage messages into it.
package deadletter

import (
	"context"
	"time"

	"github.com/draftea/saga-pipeline/shared/broker"
	"github.com/pkg/errors"
)

const (
	DefaultExchange     = "dlx"
	DefaultQueue        = "dl"
	DefaultRoutingKey   = "dl"
	DefaultSinkExchange = "amq.direct"
	DefaultQueueTTL     = 5 * time.Second
	DefaultStageTTL     = time.Second
)

// Policy describes the single dead-letter exchange/queue pair of a deployment.
type Policy struct {
	// Exchange is the direct exchange stage queues dead-letter into.
	Exchange string
	// Queue is bound to Exchange and holds dead-lettered messages.
	Queue string
	// RoutingKey binds Queue to Exchange and is used by every stage queue.
	RoutingKey string
	// QueueTTL expires messages held in Queue.
	QueueTTL time.Duration
	// SinkExchange receives messages expiring out of Queue.
	SinkExchange string
	// StageTTL is the message TTL of inter-stage queues.
	StageTTL time.Duration
}

// DefaultPolicy returns the dlx/dl policy.
func DefaultPolicy() Policy {
	return Policy{
		Exchange:     DefaultExchange,
		Queue:        DefaultQueue,
		RoutingKey:   DefaultRoutingKey,
		QueueTTL:     DefaultQueueTTL,
		SinkExchange: DefaultSinkExchange,
		StageTTL:     DefaultStageTTL,
	}
}

// Validate checks that the policy names a complete exchange/queue pairing.
func (p Policy) Validate() error {
	switch {
	case p.Exchange == "":
		return errors.New("dead-letter exchange is required")
	case p.Queue == "":
		return errors.New("dead-letter queue is required")
	case p.RoutingKey == "":
		return errors.New("dead-letter routing key is required")
	case p.QueueTTL < 0 || p.StageTTL < 0:
		return errors.New("dead-letter TTLs must not be negative")
	}
	return nil
}

// QueueArguments returns the arguments every forwarding queue carries.
func (p Policy) QueueArguments(ttl time.Duration) broker.QueueArguments {
	return broker.QueueArguments{
		MessageTTL:           ttl,
		DeadLetterExchange:   p.Exchange,
		DeadLetterRoutingKey: p.RoutingKey,
	}
}

// StageQueueArguments returns QueueArguments for the policy's stage TTL.
func (p Policy) StageQueueArguments() broker.QueueArguments {
	return p.QueueArguments(p.StageTTL)
}

// InboundArguments returns the dead-letter target without a TTL, so that
// rejected inbound messages are dead-lettered but waiting ones never expire.
func (p Policy) InboundArguments() broker.QueueArguments {
	return p.QueueArguments(0)
}

// ExchangeDeclaration returns the dead-letter exchange declaration.
func (p Policy) ExchangeDeclaration() broker.ExchangeDeclaration {
	return broker.ExchangeDeclaration{Name: p.Exchange, Kind: broker.ExchangeDirect, Durable: true}
}

// QueueDeclaration returns the dead-letter queue declaration.
func (p Policy) QueueDeclaration() broker.QueueDeclaration {
	return broker.QueueDeclaration{
		Name:    p.Queue,
		Durable: true,
		Arguments: broker.QueueArguments{
			MessageTTL:         p.QueueTTL,
			DeadLetterExchange: p.SinkExchange,
		},
	}
}

// Binding returns the binding of the dead-letter queue to its exchange.
func (p Policy) Binding() broker.Binding {
	return broker.Binding{Queue: p.Queue, Exchange: p.Exchange, RoutingKey: p.RoutingKey}
}

// Bootstrap declares the exchange, the queue and their binding. It is
// idempotent; a pre-existing resource with different settings fails with an
// error wrapping broker.ErrDeclarationConflict.
func (p Policy) Bootstrap(ctx context.Context, declarer broker.Declarer) error {
	if err := p.Validate(); err != nil {
		return errors.Wrap(err, "invalid dead-letter policy")
	}

	if err := declarer.DeclareExchange(ctx, p.ExchangeDeclaration()); err != nil {
		return errors.Wrapf(err, "failed to declare dead-letter exchange %q", p.Exchange)
	}
	if err := declarer.DeclareQueue(ctx, p.QueueDeclaration()); err != nil {
		return errors.Wrapf(err, "failed to declare dead-letter queue %q", p.Queue)
	}
	if err := declarer.BindQueue(ctx, p.Binding()); err != nil {
		return errors.Wrapf(err, "failed to bind %q to %q", p.Queue, p.Exchange)
	}
	return nil
}
