// Package storage holds the shared slot that every client instance of one cart reads,
// writes, and watches, plus the backends that can carry it.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no record exists for the key.
var ErrNotFound = errors.New("storage: record not found")

// Record is one value written to a key. A nil Value in a notification marks a deletion.
type Record struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value,omitempty"`
	Origin    string    `json:"origin"`
	WrittenAt time.Time `json:"written_at"`
}

// Clone returns a copy that does not share the value buffer.
func (r Record) Clone() Record {
	if r.Value != nil {
		r.Value = append([]byte(nil), r.Value...)
	}
	return r
}

// Store persists the latest record per key.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Put(ctx context.Context, rec Record) error
}

// Notifier fans a written record out to the other instances watching the key.
type Notifier interface {
	Notify(ctx context.Context, rec Record) error
	Subscribe(ctx context.Context, key string, fn func(Record)) (Subscription, error)
}

// Subscription is an active Notifier subscription.
type Subscription interface {
	Close() error
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func() error

// Close calls f.
func (f SubscriptionFunc) Close() error {
	if f == nil {
		return nil
	}
	return f()
}
