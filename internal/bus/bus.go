package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"rentsync/internal/errs"

	"go.uber.org/zap"
)

// Handler processes one event. Returned errors are logged and never reach
// the publisher or other handlers.
type Handler func(ctx context.Context, ev Event) error

// Relay carries events between bus instances in different processes.
type Relay interface {
	Forward(ctx context.Context, ev Event) error
	// Listen blocks, passing every event received from other instances to fn.
	Listen(ctx context.Context, fn func(Event)) error
	Close() error
}

type Option func(*Bus)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

type SubscribeOption func(*subscription)

// WithLocal makes the subscription receive events published by its own
// instance as well.
func WithLocal() SubscribeOption {
	return func(s *subscription) { s.local = true }
}

// LocalOnly makes the subscription receive only events published by its
// own instance.
func LocalOnly() SubscribeOption {
	return func(s *subscription) {
		s.local = true
		s.localOnly = true
	}
}

// Bus is a topic based publish/subscribe hub. Events published here are
// delivered to local subscribers and forwarded through the relay; events
// arriving from the relay are delivered to local subscribers only.
type Bus struct {
	id     string
	relay  Relay
	logger *zap.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	topics  map[string]*topic
	closed  bool
	started bool
	wg      sync.WaitGroup
	listen  sync.WaitGroup
}

type subscription struct {
	handler   Handler
	local     bool
	localOnly bool
}

type queued struct {
	ev     Event
	remote bool
}

type topic struct {
	name string

	mu    sync.Mutex
	subs  []*subscription // copy-on-write
	queue []queued
	wake  chan struct{}
}

// New creates a bus identified by instanceID. relay may be nil for a
// purely local bus.
func New(instanceID string, relay Relay, logger *zap.Logger, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		id:     instanceID,
		relay:  relay,
		logger: logger.Named("bus").With(zap.String("instance", instanceID)),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// InstanceID returns the identifier stamped on published events.
func (b *Bus) InstanceID() string {
	return b.id
}

// Start begins consuming the relay. It is a no-op without a relay or when
// already started.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.relay == nil || b.started || b.closed {
		return
	}
	b.started = true

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-b.ctx.Done()
		cancel()
	}()

	b.listen.Add(1)
	go func() {
		defer b.listen.Done()
		if err := b.relay.Listen(ctx, b.receive); err != nil && ctx.Err() == nil {
			b.logger.Error("relay listener stopped", zap.Error(err))
		}
	}()
}

// Publish wraps payload in an Event and queues it on topic. Delivery
// happens asynchronously; handlers never run on the caller's goroutine.
func (b *Bus) Publish(topicName, eventType string, payload any, targets ...string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	ev := Event{
		Topic:     topicName,
		Type:      eventType,
		Payload:   raw,
		Timestamp: b.now().UTC(),
		Origin:    b.id,
		Targets:   targets,
	}
	return b.enqueue(queued{ev: ev})
}

// Subscribe registers handler for every future event on topicName and
// returns a function that removes it.
func (b *Bus) Subscribe(topicName string, handler Handler, opts ...SubscribeOption) func() {
	s := &subscription{handler: handler}
	for _, opt := range opts {
		opt(s)
	}

	t := b.topic(topicName)
	if t == nil {
		return func() {}
	}
	t.mu.Lock()
	subs := make([]*subscription, len(t.subs), len(t.subs)+1)
	copy(subs, t.subs)
	t.subs = append(subs, s)
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			subs := make([]*subscription, 0, len(t.subs))
			for _, cur := range t.subs {
				if cur != s {
					subs = append(subs, cur)
				}
			}
			t.subs = subs
		})
	}
}

// Close stops accepting events, drains queued ones, then closes the relay.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.notify()
	}
	b.wg.Wait()
	b.cancel()
	b.listen.Wait()

	if b.relay != nil {
		return b.relay.Close()
	}
	return nil
}

func (b *Bus) receive(ev Event) {
	// Relays echo our own publishes back; those were delivered locally already.
	if ev.Origin == b.id || !ev.Addressed(b.id) {
		return
	}
	if err := b.enqueue(queued{ev: ev, remote: true}); err != nil {
		b.logger.Debug("dropping relayed event", zap.String("topic", ev.Topic), zap.Error(err))
	}
}

func (b *Bus) enqueue(q queued) error {
	t := b.topic(q.ev.Topic)
	if t == nil {
		return errs.ErrBusClosed
	}
	t.mu.Lock()
	t.queue = append(t.queue, q)
	t.mu.Unlock()
	t.notify()
	return nil
}

// topic returns the named topic, creating it and its dispatcher on first
// use. It returns nil once the bus is closed.
func (b *Bus) topic(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &topic{name: name, wake: make(chan struct{}, 1)}
	b.topics[name] = t
	b.wg.Add(1)
	go b.dispatch(t)
	return t
}

func (t *topic) notify() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (b *Bus) dispatch(t *topic) {
	defer b.wg.Done()
	for range t.wake {
		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			q := t.queue[0]
			t.queue[0] = queued{}
			t.queue = t.queue[1:]
			subs := t.subs
			t.mu.Unlock()

			if !q.remote && b.relay != nil {
				if err := b.relay.Forward(b.ctx, q.ev); err != nil {
					b.logger.Error("relay forward failed",
						zap.String("topic", q.ev.Topic), zap.String("type", q.ev.Type), zap.Error(err))
				}
			}
			for _, s := range subs {
				b.deliver(s, q.ev)
			}
		}
		if b.isClosed() {
			return
		}
	}
}

func (b *Bus) deliver(s *subscription, ev Event) {
	if ev.Origin == b.id && !s.local {
		return
	}
	if ev.Origin != b.id && s.localOnly {
		return
	}
	if !ev.Addressed(b.id) {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("topic", ev.Topic), zap.String("type", ev.Type), zap.Any("panic", r))
		}
	}()
	if err := s.handler(b.ctx, ev); err != nil {
		b.logger.Error("event handler failed",
			zap.String("topic", ev.Topic), zap.String("type", ev.Type), zap.Error(err))
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
