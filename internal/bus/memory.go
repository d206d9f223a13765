package bus

import (
	"context"
	"sync"
)

// MemoryHub connects buses living in the same process, standing in for an
// external broker.
type MemoryHub struct {
	mu     sync.RWMutex
	relays map[*MemoryRelay]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{relays: make(map[*MemoryRelay]struct{})}
}

// Relay attaches a new relay to the hub.
func (h *MemoryHub) Relay() *MemoryRelay {
	r := &MemoryRelay{
		hub:  h,
		in:   make(chan Event, 256),
		done: make(chan struct{}),
	}
	h.mu.Lock()
	h.relays[r] = struct{}{}
	h.mu.Unlock()
	return r
}

type MemoryRelay struct {
	hub  *MemoryHub
	in   chan Event
	done chan struct{}
	once sync.Once
}

// Forward hands ev to every relay on the hub, including this one, the way a
// broker echoes publishes back to the publisher's own subscription.
func (r *MemoryRelay) Forward(ctx context.Context, ev Event) error {
	r.hub.mu.RLock()
	peers := make([]*MemoryRelay, 0, len(r.hub.relays))
	for p := range r.hub.relays {
		peers = append(peers, p)
	}
	r.hub.mu.RUnlock()

	for _, p := range peers {
		select {
		case p.in <- ev:
		case <-p.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (r *MemoryRelay) Listen(ctx context.Context, fn func(Event)) error {
	for {
		select {
		case ev := <-r.in:
			fn(ev)
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *MemoryRelay) Close() error {
	r.once.Do(func() {
		r.hub.mu.Lock()
		delete(r.hub.relays, r)
		r.hub.mu.Unlock()
		close(r.done)
	})
	return nil
}
