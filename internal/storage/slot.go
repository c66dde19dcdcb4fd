package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// SlotDeps wires a Slot.
type SlotDeps struct {
	Key      string
	Store    Store
	Notifier Notifier
	// Origin identifies this instance; a ULID is generated when empty.
	Origin string
	Clock  func() time.Time
	Logger *zap.Logger
}

// Slot is the single namespaced key shared by every instance of the cart client. Writes
// notify the other instances; an instance never observes its own writes through Watch.
type Slot struct {
	key      string
	store    Store
	notifier Notifier
	origin   string
	now      func() time.Time
	logger   *zap.Logger
}

// NewSlot validates deps and builds a Slot.
func NewSlot(deps SlotDeps) (*Slot, error) {
	key := strings.TrimSpace(deps.Key)
	if key == "" {
		return nil, errors.New("storage: slot key is required")
	}
	if deps.Store == nil {
		return nil, errors.New("storage: slot store is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("storage: slot notifier is required")
	}
	origin := strings.TrimSpace(deps.Origin)
	if origin == "" {
		origin = ulid.Make().String()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Slot{
		key:      key,
		store:    deps.Store,
		notifier: deps.Notifier,
		origin:   origin,
		now:      func() time.Time { return now().UTC() },
		logger:   logger.With(zap.String("slot", key), zap.String("origin", origin)),
	}, nil
}

// Key returns the namespaced key.
func (s *Slot) Key() string { return s.key }

// Origin returns the identifier stamped on this instance's writes.
func (s *Slot) Origin() string { return s.origin }

// Read returns the stored value, or nil when the slot is empty.
func (s *Slot) Read(ctx context.Context) ([]byte, error) {
	rec, err := s.store.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", s.key, err)
	}
	if len(rec.Value) == 0 {
		return nil, nil
	}
	return rec.Value, nil
}

// Write stores value and notifies the other instances.
func (s *Slot) Write(ctx context.Context, value []byte) error {
	rec := Record{
		Key:       s.key,
		Value:     append([]byte(nil), value...),
		Origin:    s.origin,
		WrittenAt: s.now(),
	}
	if err := s.store.Put(ctx, rec); err != nil {
		return fmt.Errorf("storage: write %s: %w", s.key, err)
	}
	if err := s.notifier.Notify(ctx, rec); err != nil {
		return fmt.Errorf("storage: notify %s: %w", s.key, err)
	}
	return nil
}

// Watch calls fn with every value another instance writes to the slot. Deletions and
// this instance's own writes are dropped.
func (s *Slot) Watch(ctx context.Context, fn func([]byte)) (Subscription, error) {
	if fn == nil {
		return nil, errors.New("storage: watch callback is required")
	}
	sub, err := s.notifier.Subscribe(ctx, s.key, func(rec Record) {
		switch {
		case rec.Key != s.key:
			return
		case rec.Origin == s.origin:
			return
		case len(rec.Value) == 0:
			s.logger.Debug("storage: ignoring slot deletion", zap.String("from", rec.Origin))
			return
		}
		fn(rec.Value)
	})
	if err != nil {
		return nil, fmt.Errorf("storage: watch %s: %w", s.key, err)
	}
	return sub, nil
}
