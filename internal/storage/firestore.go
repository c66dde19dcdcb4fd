package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	fsplatform "github.com/hanko-field/cartsync/internal/platform/firestore"
)

// FirestoreBackend keeps one document per slot. The document write is itself the change
// signal, so Notify does nothing and subscribers use snapshot listeners.
type FirestoreBackend struct {
	provider *fsplatform.Provider
	logger   *zap.Logger
}

type slotDocument struct {
	Key       string    `firestore:"key"`
	Value     []byte    `firestore:"value"`
	Origin    string    `firestore:"origin"`
	WrittenAt time.Time `firestore:"writtenAt"`
}

// NewFirestoreBackend builds a backend on provider.
func NewFirestoreBackend(provider *fsplatform.Provider, logger *zap.Logger) *FirestoreBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FirestoreBackend{provider: provider, logger: logger}
}

// Get implements Store.
func (b *FirestoreBackend) Get(ctx context.Context, key string) (Record, error) {
	col, err := b.provider.Collection(ctx)
	if err != nil {
		return Record{}, err
	}
	snap, err := col.Doc(documentID(key)).Get(ctx)
	if err != nil {
		if fsplatform.IsNotFound(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fsplatform.WrapError("get slot", err)
	}
	var doc slotDocument
	if err := snap.DataTo(&doc); err != nil {
		return Record{}, fmt.Errorf("storage: decode slot document: %w", err)
	}
	return doc.record(key), nil
}

// Put implements Store.
func (b *FirestoreBackend) Put(ctx context.Context, rec Record) error {
	col, err := b.provider.Collection(ctx)
	if err != nil {
		return err
	}
	_, err = col.Doc(documentID(rec.Key)).Set(ctx, slotDocument{
		Key:       rec.Key,
		Value:     rec.Value,
		Origin:    rec.Origin,
		WrittenAt: rec.WrittenAt,
	})
	return fsplatform.WrapError("put slot", err)
}

// Notify implements Notifier.
func (b *FirestoreBackend) Notify(context.Context, Record) error { return nil }

// Subscribe implements Notifier. The listener's initial snapshot describes the state at
// subscription time and is not delivered.
func (b *FirestoreBackend) Subscribe(ctx context.Context, key string, fn func(Record)) (Subscription, error) {
	col, err := b.provider.Collection(ctx)
	if err != nil {
		return nil, err
	}
	listenCtx, cancel := context.WithCancel(context.Background())
	it := col.Doc(documentID(key)).Snapshots(listenCtx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		first := true
		for {
			snap, err := it.Next()
			if err != nil {
				if listenCtx.Err() == nil && status.Code(err) != codes.Canceled {
					b.logger.Warn("storage: firestore listener stopped", zap.Error(err))
				}
				return
			}
			if first {
				first = false
				continue
			}
			if !snap.Exists() {
				fn(Record{Key: key})
				continue
			}
			var doc slotDocument
			if err := snap.DataTo(&doc); err != nil {
				b.logger.Warn("storage: bad firestore slot document", zap.Error(err))
				continue
			}
			fn(doc.record(key))
		}
	}()

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			cancel()
			it.Stop()
			<-done
		})
		return nil
	}), nil
}

func (d slotDocument) record(key string) Record {
	return Record{Key: key, Value: d.Value, Origin: d.Origin, WrittenAt: d.WrittenAt.UTC()}
}

func documentID(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}
