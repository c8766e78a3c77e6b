package broker

import (
	"context"
	"reflect"
	"sync"
	"time"
)

var (
	_ Broker  = (*Memory)(nil)
	_ Session = (*memorySession)(nil)
)

const (
	defaultPollInterval = 20 * time.Millisecond

	HeaderFirstDeathQueue  = "x-first-death-queue"
	HeaderFirstDeathReason = "x-first-death-reason"

	DeathReasonExpired  = "expired"
	DeathReasonRejected = "rejected"
)

type memoryItem struct {
	msg         Message
	routingKey  string
	enqueuedAt  time.Time
	redelivered bool
}

type memoryQueue struct {
	decl   QueueDeclaration
	items  []*memoryItem
	signal chan struct{}
}

func (q *memoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Memory is an in-process broker with AMQP-like semantics: idempotent
// declarations with conflict detection, direct and fanout exchanges,
// per-queue message TTL and dead-lettering of expired or rejected messages.
type Memory struct {
	mu        sync.Mutex
	clock     Clock
	poll      time.Duration
	exchanges map[string]ExchangeDeclaration
	queues    map[string]*memoryQueue
	bindings  map[string][]Binding
	onPublish func(queue string, msg Message) error
	closed    bool
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithClock sets the clock used to evaluate message TTLs.
func WithClock(clock Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = clock
	}
}

// WithPollInterval sets how often idle consumers sweep expired messages.
func WithPollInterval(interval time.Duration) MemoryOption {
	return func(m *Memory) {
		m.poll = interval
	}
}

// NewMemory creates an empty broker with the amq.direct exchange predeclared.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		clock: SystemClock{},
		poll:  defaultPollInterval,
		exchanges: map[string]ExchangeDeclaration{
			"amq.direct": {Name: "amq.direct", Kind: ExchangeDirect, Durable: true},
		},
		queues:   make(map[string]*memoryQueue),
		bindings: make(map[string][]Binding),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnPublish installs fn to run before every publish; a non-nil error fails the publish.
func (m *Memory) OnPublish(fn func(queue string, msg Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPublish = fn
}

// Session implements Broker.
func (m *Memory) Session(_ context.Context) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return &memorySession{broker: m}, nil
}

// Close implements Broker.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, q := range m.queues {
		q.notify()
	}
	return nil
}

// DeclareExchange implements Declarer.
func (m *Memory) DeclareExchange(_ context.Context, exchange ExchangeDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.exchanges[exchange.Name]; ok {
		if existing != exchange {
			return ErrDeclarationConflict
		}
		return nil
	}
	m.exchanges[exchange.Name] = exchange
	return nil
}

// DeclareQueue implements Declarer.
func (m *Memory) DeclareQueue(_ context.Context, queue QueueDeclaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.queues[queue.Name]; ok {
		if !reflect.DeepEqual(existing.decl, queue) {
			return ErrDeclarationConflict
		}
		return nil
	}
	m.queues[queue.Name] = &memoryQueue{decl: queue, signal: make(chan struct{}, 1)}
	return nil
}

// BindQueue implements Declarer.
func (m *Memory) BindQueue(_ context.Context, binding Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.exchanges[binding.Exchange]; !ok {
		return ErrExchangeNotFound
	}
	if _, ok := m.queues[binding.Queue]; !ok {
		return ErrQueueNotFound
	}
	for _, b := range m.bindings[binding.Exchange] {
		if b == binding {
			return nil
		}
	}
	m.bindings[binding.Exchange] = append(m.bindings[binding.Exchange], binding)
	return nil
}

// Publish implements Publisher.
func (m *Memory) Publish(_ context.Context, queue string, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if m.onPublish != nil {
		if err := m.onPublish(queue, msg); err != nil {
			return err
		}
	}
	q, ok := m.queues[queue]
	if !ok {
		return ErrQueueNotFound
	}
	m.enqueueLocked(q, queue, msg)
	return nil
}

// Sweep dead-letters every message whose queue TTL has elapsed and returns how many expired.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for _, q := range m.queues {
		expired += m.sweepLocked(q)
	}
	return expired
}

// Messages returns a copy of the messages waiting in queue.
func (m *Memory) Messages(queue string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item.msg)
	}
	return out
}

// Queue returns the declaration of queue.
func (m *Memory) Queue(name string) (QueueDeclaration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[name]
	if !ok {
		return QueueDeclaration{}, false
	}
	return q.decl, true
}

// Exchange returns the declaration of exchange.
func (m *Memory) Exchange(name string) (ExchangeDeclaration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ex, ok := m.exchanges[name]
	return ex, ok
}

// Bindings returns the bindings of exchange.
func (m *Memory) Bindings(exchange string) []Binding {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]Binding(nil), m.bindings[exchange]...)
}

// Consume implements Session for the broker itself.
func (m *Memory) Consume(ctx context.Context, queue string, handler Handler) error {
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		item, signal, err := m.next(queue)
		if err != nil {
			return err
		}
		if item == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-signal:
			case <-ticker.C:
			}
			continue
		}

		delivery := Delivery{Message: item.msg, Queue: queue, Redelivered: item.redelivered}
		m.settle(queue, item, DispositionFor(handler.Handle(ctx, delivery)))

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (m *Memory) next(queue string) (*memoryItem, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrClosed
	}
	q, ok := m.queues[queue]
	if !ok {
		return nil, nil, ErrQueueNotFound
	}
	m.sweepLocked(q)
	if len(q.items) == 0 {
		return nil, q.signal, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, q.signal, nil
}

func (m *Memory) settle(queue string, item *memoryItem, disposition Disposition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queues[queue]
	if !ok {
		return
	}
	switch disposition {
	case Requeue:
		item.redelivered = true
		q.items = append([]*memoryItem{item}, q.items...)
		q.notify()
	case Reject:
		m.deadLetterLocked(q, item, DeathReasonRejected)
	}
}

func (m *Memory) enqueueLocked(q *memoryQueue, routingKey string, msg Message) {
	q.items = append(q.items, &memoryItem{
		msg:        msg,
		routingKey: routingKey,
		enqueuedAt: m.clock.Now(),
	})
	q.notify()
}

func (m *Memory) sweepLocked(q *memoryQueue) int {
	ttl := q.decl.Arguments.MessageTTL
	if ttl <= 0 || len(q.items) == 0 {
		return 0
	}

	now := m.clock.Now()
	kept := q.items[:0]
	var expired []*memoryItem
	for _, item := range q.items {
		if now.Sub(item.enqueuedAt) >= ttl {
			expired = append(expired, item)
			continue
		}
		kept = append(kept, item)
	}
	q.items = kept

	for _, item := range expired {
		m.deadLetterLocked(q, item, DeathReasonExpired)
	}
	return len(expired)
}

func (m *Memory) deadLetterLocked(q *memoryQueue, item *memoryItem, reason string) {
	args := q.decl.Arguments
	if args.DeadLetterExchange == "" {
		return
	}

	key := args.DeadLetterRoutingKey
	if key == "" {
		key = item.routingKey
	}

	msg := item.msg
	headers := make(map[string]any, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if _, ok := headers[HeaderFirstDeathQueue]; !ok {
		headers[HeaderFirstDeathQueue] = q.decl.Name
		headers[HeaderFirstDeathReason] = reason
	}
	msg.Headers = headers

	m.routeLocked(args.DeadLetterExchange, key, msg)
}

func (m *Memory) routeLocked(exchange, key string, msg Message) {
	ex, ok := m.exchanges[exchange]
	if !ok {
		return
	}
	for _, b := range m.bindings[exchange] {
		if ex.Kind == ExchangeFanout || b.RoutingKey == key {
			if q, ok := m.queues[b.Queue]; ok {
				m.enqueueLocked(q, key, msg)
			}
		}
	}
}

type memorySession struct {
	broker *Memory
	mu     sync.Mutex
	closed bool
}

func (s *memorySession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *memorySession) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.broker.DeclareExchange(ctx, exchange)
}

func (s *memorySession) DeclareQueue(ctx context.Context, queue QueueDeclaration) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.broker.DeclareQueue(ctx, queue)
}

func (s *memorySession) BindQueue(ctx context.Context, binding Binding) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.broker.BindQueue(ctx, binding)
}

func (s *memorySession) Publish(ctx context.Context, queue string, msg Message) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.broker.Publish(ctx, queue, msg)
}

func (s *memorySession) Consume(ctx context.Context, queue string, handler Handler) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.broker.Consume(ctx, queue, handler)
}

func (s *memorySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
