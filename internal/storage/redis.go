package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hanko-field/cartsync/internal/platform/config"
)

// RedisBackend keeps each slot in a hash and announces writes on a pub/sub channel.
type RedisBackend struct {
	rdb     *goredis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBackend connects using cfg and verifies the server responds.
func NewRedisBackend(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("storage: redis addr is required")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("storage: redis ping: %w", err)
	}
	return NewRedisBackendFromClient(rdb, cfg.Channel, logger), nil
}

// NewRedisBackendFromClient wraps an existing client.
func NewRedisBackendFromClient(rdb *goredis.Client, channel string, logger *zap.Logger) *RedisBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackend{rdb: rdb, channel: channel, logger: logger}
}

// Get implements Store.
func (b *RedisBackend) Get(ctx context.Context, key string) (Record, error) {
	fields, err := b.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("storage: redis get: %w", err)
	}
	value, ok := fields["value"]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec := Record{Key: key, Value: []byte(value), Origin: fields["origin"]}
	if nanos, err := strconv.ParseInt(fields["written_at"], 10, 64); err == nil {
		rec.WrittenAt = time.Unix(0, nanos).UTC()
	}
	return rec, nil
}

// Put implements Store.
func (b *RedisBackend) Put(ctx context.Context, rec Record) error {
	err := b.rdb.HSet(ctx, rec.Key,
		"value", rec.Value,
		"origin", rec.Origin,
		"written_at", strconv.FormatInt(rec.WrittenAt.UnixNano(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("storage: redis put: %w", err)
	}
	return nil
}

// Notify implements Notifier.
func (b *RedisBackend) Notify(ctx context.Context, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("storage: redis publish: %w", err)
	}
	return nil
}

// Subscribe implements Notifier.
func (b *RedisBackend) Subscribe(ctx context.Context, key string, fn func(Record)) (Subscription, error) {
	sub := b.rdb.Subscribe(ctx, b.channel)
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("storage: redis subscribe: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range sub.Channel() {
			if m == nil {
				continue
			}
			var rec Record
			if err := json.Unmarshal([]byte(m.Payload), &rec); err != nil {
				b.logger.Warn("storage: bad redis slot payload", zap.Error(err))
				continue
			}
			if rec.Key != key {
				continue
			}
			fn(rec)
		}
	}()

	var once sync.Once
	return SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			err = sub.Close()
			<-done
		})
		return err
	}), nil
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
