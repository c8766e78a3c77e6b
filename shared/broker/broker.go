// Package broker defines the queue broker ports the saga pipeline runs on.
//
// The vocabulary follows AMQP: queues are declared with arguments, exchanges
// route to bound queues, and messages are published to a queue through the
// default exchange using the queue name as routing key. Adapters for other
// transports translate these declarations into their own primitives.
package broker

import (
	"context"
	"time"
)

// Exchange kinds.
const (
	ExchangeDirect = "direct"
	ExchangeFanout = "fanout"
	ExchangeTopic  = "topic"
)

// AMQP queue argument names.
const (
	ArgMessageTTL           = "x-message-ttl"
	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"
)

// QueueArguments holds the optional per-queue arguments relevant to expiry and dead-lettering.
type QueueArguments struct {
	// MessageTTL expires messages that stay in the queue longer than this. Zero disables expiry.
	MessageTTL time.Duration `json:"message_ttl,omitempty"`
	// DeadLetterExchange receives expired and rejected messages.
	DeadLetterExchange string `json:"dead_letter_exchange,omitempty"`
	// DeadLetterRoutingKey replaces the original routing key when dead-lettering.
	DeadLetterRoutingKey string `json:"dead_letter_routing_key,omitempty"`
}

// IsZero reports whether no argument is set.
func (a QueueArguments) IsZero() bool {
	return a == QueueArguments{}
}

// Table renders the arguments as an AMQP argument table. Unset arguments are omitted.
func (a QueueArguments) Table() map[string]any {
	table := make(map[string]any, 3)
	if a.MessageTTL > 0 {
		table[ArgMessageTTL] = a.MessageTTL.Milliseconds()
	}
	if a.DeadLetterExchange != "" {
		table[ArgDeadLetterExchange] = a.DeadLetterExchange
	}
	if a.DeadLetterRoutingKey != "" {
		table[ArgDeadLetterRoutingKey] = a.DeadLetterRoutingKey
	}
	return table
}

// QueueDeclaration names a queue and the arguments it must be declared with.
type QueueDeclaration struct {
	Name      string         `json:"name"`
	Durable   bool           `json:"durable"`
	Arguments QueueArguments `json:"arguments"`
}

// ExchangeDeclaration names an exchange and its routing kind.
type ExchangeDeclaration struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Durable bool   `json:"durable"`
}

// Binding routes messages published to Exchange with RoutingKey into Queue.
type Binding struct {
	Queue      string `json:"queue"`
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

// Message is a unit published to or delivered from a queue.
type Message struct {
	ID            string
	CorrelationID string
	Body          []byte
	Headers       map[string]any
	Timestamp     time.Time
}

// Delivery is a message received from a queue.
type Delivery struct {
	Message
	Queue       string
	Redelivered bool
}

// Declarer declares topology. Declaring an identical resource twice is a
// no-op; declaring it with different settings fails with ErrDeclarationConflict.
type Declarer interface {
	DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error
	DeclareQueue(ctx context.Context, queue QueueDeclaration) error
	BindQueue(ctx context.Context, binding Binding) error
}

// Publisher publishes to a queue through the default exchange. Publish
// returns only after the broker confirmed the message.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg Message) error
}

// Handler processes a delivery. The returned error decides its disposition,
// see DispositionFor.
type Handler interface {
	HandlerID() string
	Handle(ctx context.Context, delivery Delivery) error
}

// HandlerFunc creates a handler from a function
type HandlerFunc struct {
	id string
	fn func(ctx context.Context, delivery Delivery) error
}

func NewHandlerFunc(id string, fn func(ctx context.Context, delivery Delivery) error) *HandlerFunc {
	return &HandlerFunc{id: id, fn: fn}
}

func (h *HandlerFunc) HandlerID() string {
	return h.id
}

func (h *HandlerFunc) Handle(ctx context.Context, delivery Delivery) error {
	return h.fn(ctx, delivery)
}

// Session is an independent line to the broker, an AMQP channel for instance.
// A session delivers to its consumer one message at a time.
type Session interface {
	Declarer
	Publisher
	// Consume delivers messages from queue to handler until ctx is done or
	// the session fails. It returns nil when ctx is cancelled.
	Consume(ctx context.Context, queue string, handler Handler) error
	Close() error
}

// Broker opens sessions.
type Broker interface {
	Session(ctx context.Context) (Session, error)
	Close() error
}
