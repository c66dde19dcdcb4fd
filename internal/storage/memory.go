package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hanko-field/cartsync/internal/platform/taskqueue"
)

// MemoryBackend is an in-process Store and Notifier. Several slots sharing one backend
// behave like browser tabs sharing local storage: delivery is asynchronous and ordered
// per subscriber.
type MemoryBackend struct {
	logger *zap.Logger

	mu      sync.Mutex
	records map[string]Record
	subs    map[string]map[*memorySubscription]struct{}
}

// NewMemoryBackend constructs an empty backend.
func NewMemoryBackend(logger *zap.Logger) *MemoryBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBackend{
		logger:  logger,
		records: make(map[string]Record),
		subs:    make(map[string]map[*memorySubscription]struct{}),
	}
}

// Get implements Store.
func (m *MemoryBackend) Get(_ context.Context, key string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

// Put implements Store.
func (m *MemoryBackend) Put(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Key] = rec.Clone()
	return nil
}

// Delete removes key and notifies subscribers with an empty value.
func (m *MemoryBackend) Delete(ctx context.Context, key, origin string) error {
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return m.Notify(ctx, Record{Key: key, Origin: origin})
}

// Notify implements Notifier.
func (m *MemoryBackend) Notify(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sub := range m.subs[rec.Key] {
		sub.deliver(rec.Clone())
	}
	return nil
}

// Subscribe implements Notifier.
func (m *MemoryBackend) Subscribe(_ context.Context, key string, fn func(Record)) (Subscription, error) {
	sub := &memorySubscription{
		backend: m,
		key:     key,
		fn:      fn,
		queue:   taskqueue.New(m.logger),
	}
	m.mu.Lock()
	if m.subs[key] == nil {
		m.subs[key] = make(map[*memorySubscription]struct{})
	}
	m.subs[key][sub] = struct{}{}
	m.mu.Unlock()
	return sub, nil
}

type memorySubscription struct {
	backend *MemoryBackend
	key     string
	fn      func(Record)
	queue   *taskqueue.Queue
	closed  atomic.Bool
}

func (s *memorySubscription) deliver(rec Record) {
	_ = s.queue.Push(func() {
		if s.closed.Load() {
			return
		}
		s.fn(rec)
	})
}

// Close stops delivery. It may be called from inside the callback.
func (s *memorySubscription) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.backend.mu.Lock()
	delete(s.backend.subs[s.key], s)
	s.backend.mu.Unlock()
	go s.queue.Close()
	return nil
}
