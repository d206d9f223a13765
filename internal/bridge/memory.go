package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"rentsync/internal/errs"
)

// MemoryStore is an in-process collection with a change feed.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]json.RawMessage
	watchers map[*memoryStream]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:     make(map[string]json.RawMessage),
		watchers: make(map[*memoryStream]struct{}),
	}
}

func (s *MemoryStore) Insert(id string, doc json.RawMessage) {
	s.mutate(Change{Operation: OpInsert, ID: id, Document: doc})
}

func (s *MemoryStore) Update(id string, doc json.RawMessage) {
	s.mutate(Change{Operation: OpUpdate, ID: id, Document: doc})
}

func (s *MemoryStore) Delete(id string) {
	s.mutate(Change{Operation: OpDelete, ID: id})
}

func (s *MemoryStore) Get(id string) (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	return doc, ok
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

// Apply upserts or deletes by record id.
func (s *MemoryStore) Apply(_ context.Context, c Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Operation != OpDelete && len(c.Document) == 0 {
		return fmt.Errorf("%w: %s %s without document", errs.ErrInvalidChange, c.Operation, c.ID)
	}
	s.mutate(c)
	return nil
}

// Disconnect ends every open change stream, as a dropped database
// connection would.
func (s *MemoryStore) Disconnect() {
	s.mu.Lock()
	watchers := make([]*memoryStream, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()
	for _, w := range watchers {
		w.Close(context.Background())
	}
}

func (s *MemoryStore) watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *MemoryStore) Open(context.Context) (Stream, error) {
	m := &memoryStream{store: s, ch: make(chan Change, 64), done: make(chan struct{})}
	s.mu.Lock()
	s.watchers[m] = struct{}{}
	s.mu.Unlock()
	return m, nil
}

func (s *MemoryStore) mutate(c Change) {
	s.mu.Lock()
	switch c.Operation {
	case OpDelete:
		delete(s.docs, c.ID)
	default:
		s.docs[c.ID] = c.Document
	}
	watchers := make([]*memoryStream, 0, len(s.watchers))
	for w := range s.watchers {
		watchers = append(watchers, w)
	}
	s.mu.Unlock()

	for _, w := range watchers {
		select {
		case w.ch <- c:
		case <-w.done:
		}
	}
}

type memoryStream struct {
	store *MemoryStore
	ch    chan Change
	done  chan struct{}
	once  sync.Once
}

func (m *memoryStream) Next(ctx context.Context) (Change, error) {
	select {
	case c := <-m.ch:
		return c, nil
	case <-m.done:
		return Change{}, errs.ErrConnClosed
	case <-ctx.Done():
		return Change{}, ctx.Err()
	}
}

func (m *memoryStream) Close(context.Context) error {
	m.once.Do(func() {
		m.store.mu.Lock()
		delete(m.store.watchers, m)
		m.store.mu.Unlock()
		close(m.done)
	})
	return nil
}
