package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rentsync/internal/bus"
	"rentsync/internal/errs"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	defaultEchoSize = 4096
	defaultEchoTTL  = 2 * time.Second

	defaultReopenInitial  = 500 * time.Millisecond
	defaultReopenMax      = 30 * time.Second
	defaultReopenAttempts = 10
)

type Option func(*Bridge)

// WithEchoWindow sizes the window in which a record's last announced
// state is remembered.
func WithEchoWindow(size int, ttl time.Duration) Option {
	return func(b *Bridge) {
		if size > 0 {
			b.echoSize = size
		}
		if ttl > 0 {
			b.echoTTL = ttl
		}
	}
}

// WithReopen configures how a lost change stream is reopened: exponential
// backoff from initial up to max, giving up after attempts consecutive
// failures.
func WithReopen(initial, max time.Duration, attempts uint64) Option {
	return func(b *Bridge) {
		if initial > 0 {
			b.reopenInitial = initial
		}
		if max > 0 {
			b.reopenMax = max
		}
		b.reopenAttempts = attempts
	}
}

// Bridge mirrors store mutations onto the bus and back.
type Bridge struct {
	bus    *bus.Bus
	logger *zap.Logger

	echoSize int
	echoTTL  time.Duration
	// announced holds, per topic and record, the fingerprint of the state
	// this instance last published or applied.
	announced *expirable.LRU[string, uint64]

	reopenInitial  time.Duration
	reopenMax      time.Duration
	reopenAttempts uint64
}

func New(b *bus.Bus, logger *zap.Logger, opts ...Option) *Bridge {
	br := &Bridge{
		bus:            b,
		logger:         logger.Named("bridge"),
		echoSize:       defaultEchoSize,
		echoTTL:        defaultEchoTTL,
		reopenInitial:  defaultReopenInitial,
		reopenMax:      defaultReopenMax,
		reopenAttempts: defaultReopenAttempts,
	}
	for _, opt := range opts {
		opt(br)
	}
	br.announced = expirable.NewLRU[string, uint64](br.echoSize, nil, br.echoTTL)
	return br
}

// Link is one attached source/topic pair.
type Link struct {
	topic       string
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
	once        sync.Once

	mu  sync.Mutex
	err error
}

func (l *Link) Topic() string { return l.topic }

// Done is closed when the watcher stops, either after Close or after the
// change stream could not be reopened.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err reports why the watcher gave up. It is nil while running and after
// Close.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Close detaches both directions and waits for the watcher to exit.
func (l *Link) Close() error {
	l.once.Do(func() {
		l.unsubscribe()
		l.cancel()
	})
	<-l.done
	return nil
}

// Attach publishes every change from src on topic. When dst is not nil,
// changes published on topic by other instances are applied to it; dst
// must then be a store only this instance watches.
func (br *Bridge) Attach(ctx context.Context, src Source, dst Applier, topic string) (*Link, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := src.Open(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open change stream for %s: %w", topic, err)
	}

	link := &Link{
		topic:       topic,
		cancel:      cancel,
		unsubscribe: func() {},
		done:        make(chan struct{}),
	}
	if dst != nil {
		link.unsubscribe = br.bus.Subscribe(topic, br.inbound(topic, dst))
	}

	go br.watch(ctx, link, src, stream)

	br.logger.Info("bridge attached", zap.String("topic", topic), zap.Bool("mirror", dst != nil))
	return link, nil
}

// watch runs the outbound direction, reopening the stream when it fails.
func (br *Bridge) watch(ctx context.Context, link *Link, src Source, stream Stream) {
	defer close(link.done)
	for {
		err := br.outbound(ctx, stream, link.topic)
		stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		br.logger.Warn("change stream lost, reopening", zap.String("topic", link.topic), zap.Error(err))

		stream, err = br.reopen(ctx, src, link.topic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			br.logger.Error("giving up on change stream", zap.String("topic", link.topic), zap.Error(err))
			link.mu.Lock()
			link.err = err
			link.mu.Unlock()
			return
		}
		br.logger.Info("change stream reopened", zap.String("topic", link.topic))
	}
}

func (br *Bridge) reopen(ctx context.Context, src Source, topic string) (Stream, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = br.reopenInitial
	policy.MaxInterval = br.reopenMax
	policy.MaxElapsedTime = 0

	var stream Stream
	open := func() error {
		s, err := src.Open(ctx)
		if err != nil {
			return err
		}
		stream = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		br.logger.Warn("reopen failed", zap.String("topic", topic), zap.Duration("retry_in", wait), zap.Error(err))
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, br.reopenAttempts), ctx)
	if err := backoff.RetryNotify(open, b, notify); err != nil {
		return nil, fmt.Errorf("reopen change stream for %s: %w", topic, err)
	}
	return stream, nil
}

// outbound publishes changes until the stream fails or ctx ends.
func (br *Bridge) outbound(ctx context.Context, stream Stream, topic string) error {
	for {
		c, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, errs.ErrInvalidChange) {
				br.logger.Warn("dropping change", zap.String("topic", topic), zap.Error(err))
				continue
			}
			return err
		}
		br.publish(topic, c)
	}
}

func (br *Bridge) publish(topic string, c Change) {
	if err := c.Validate(); err != nil {
		br.logger.Warn("dropping change", zap.String("topic", topic), zap.Error(err))
		return
	}
	key, fp := recordKey(topic, c.ID), fingerprint(c)
	// The store already holds what this instance last announced or
	// applied: another instance's write we mirrored, or our own write
	// observed twice.
	if last, ok := br.announced.Get(key); ok && last == fp {
		br.logger.Debug("suppressed echo of known state",
			zap.String("topic", topic), zap.String("id", c.ID), zap.String("op", string(c.Operation)))
		return
	}
	br.announced.Add(key, fp)
	if err := br.bus.Publish(topic, string(c.Operation), c); err != nil {
		br.logger.Error("publish change failed", zap.String("topic", topic), zap.String("id", c.ID), zap.Error(err))
	}
}

func (br *Bridge) inbound(topic string, dst Applier) bus.Handler {
	return func(ctx context.Context, ev bus.Event) error {
		var c Change
		if err := ev.Decode(&c); err != nil {
			return fmt.Errorf("decode change from %s: %w", ev.Origin, err)
		}
		if err := c.Validate(); err != nil {
			return err
		}

		key := recordKey(topic, c.ID)
		br.announced.Add(key, fingerprint(c))
		if err := dst.Apply(ctx, c); err != nil {
			br.announced.Remove(key)
			return fmt.Errorf("apply %s %s/%s from %s: %w", c.Operation, topic, c.ID, ev.Origin, err)
		}
		return nil
	}
}

func recordKey(topic, id string) string {
	return topic + "\x00" + id
}
