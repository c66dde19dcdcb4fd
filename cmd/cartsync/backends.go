package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/cartsync/internal/platform/config"
	fsplatform "github.com/hanko-field/cartsync/internal/platform/firestore"
	"github.com/hanko-field/cartsync/internal/storage"
)

// backends opens each configured backend at most once so a store and notifier naming
// the same system share one connection.
type backends struct {
	cfg    config.Config
	logger *zap.Logger

	memory    *storage.MemoryBackend
	postgres  *storage.PostgresBackend
	redis     *storage.RedisBackend
	firestore *storage.FirestoreBackend

	closers []func()
}

func newBackends(cfg config.Config, logger *zap.Logger) *backends {
	return &backends{cfg: cfg, logger: logger}
}

func (b *backends) store(ctx context.Context) (storage.Store, error) {
	switch b.cfg.Storage.Store {
	case config.BackendMemory:
		return b.memoryBackend(), nil
	case config.BackendSQLite:
		store, err := storage.NewSQLiteStore(ctx, b.cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		b.onClose(func() { _ = store.Close() })
		return store, nil
	case config.BackendPostgres:
		return b.postgresBackend(ctx)
	case config.BackendRedis:
		return b.redisBackend(ctx)
	case config.BackendFirestore:
		return b.firestoreBackend(), nil
	case config.BackendGCS:
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		b.onClose(func() { _ = client.Close() })
		return storage.NewGCSStore(client, b.cfg.GCS.Bucket, b.cfg.GCS.Prefix)
	default:
		return nil, fmt.Errorf("unknown store %q", b.cfg.Storage.Store)
	}
}

func (b *backends) notifier(ctx context.Context) (storage.Notifier, error) {
	switch b.cfg.Storage.Notifier {
	case config.BackendMemory:
		return b.memoryBackend(), nil
	case config.BackendPostgres:
		return b.postgresBackend(ctx)
	case config.BackendRedis:
		return b.redisBackend(ctx)
	case config.BackendFirestore:
		return b.firestoreBackend(), nil
	case config.BackendPubSub:
		var opts []option.ClientOption
		if host := b.cfg.PubSub.EmulatorHost; host != "" {
			opts = append(opts,
				option.WithEndpoint(host),
				option.WithoutAuthentication(),
				option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			)
		}
		client, err := pubsub.NewClient(ctx, b.cfg.PubSub.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		notifier, err := storage.NewPubSubNotifier(ctx, client, b.cfg.PubSub.Topic, b.logger.Named("pubsub"))
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		b.onClose(func() {
			notifier.Close()
			_ = client.Close()
		})
		return notifier, nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", b.cfg.Storage.Notifier)
	}
}

func (b *backends) memoryBackend() *storage.MemoryBackend {
	if b.memory == nil {
		b.memory = storage.NewMemoryBackend(b.logger.Named("memory"))
	}
	return b.memory
}

func (b *backends) postgresBackend(ctx context.Context) (*storage.PostgresBackend, error) {
	if b.postgres != nil {
		return b.postgres, nil
	}
	backend, err := storage.NewPostgresBackend(ctx, b.cfg.Postgres, b.logger.Named("postgres"))
	if err != nil {
		return nil, err
	}
	b.postgres = backend
	b.onClose(backend.Close)
	return backend, nil
}

func (b *backends) redisBackend(ctx context.Context) (*storage.RedisBackend, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	backend, err := storage.NewRedisBackend(ctx, b.cfg.Redis, b.logger.Named("redis"))
	if err != nil {
		return nil, err
	}
	b.redis = backend
	b.onClose(func() { _ = backend.Close() })
	return backend, nil
}

func (b *backends) firestoreBackend() *storage.FirestoreBackend {
	if b.firestore == nil {
		provider := fsplatform.NewProvider(b.cfg.Firestore)
		b.firestore = storage.NewFirestoreBackend(provider, b.logger.Named("firestore"))
		b.onClose(func() {
			if err := provider.Close(); err != nil {
				b.logger.Warn("firestore close error", zap.Error(err))
			}
		})
	}
	return b.firestore
}

func (b *backends) onClose(fn func()) {
	b.closers = append(b.closers, fn)
}

// Close releases backends in reverse order of opening.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
