package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hanko-field/cartsync/internal/platform/config"
)

// PostgresBackend stores slot records in a table and announces writes with
// LISTEN/NOTIFY. Notifications carry only the key and writer; listeners re-read the row.
type PostgresBackend struct {
	pool    *pgxpool.Pool
	table   string
	channel string
	logger  *zap.Logger
}

type postgresNotification struct {
	Key    string `json:"key"`
	Origin string `json:"origin"`
}

// NewPostgresBackend connects to cfg.DSN and ensures the slot table exists.
func NewPostgresBackend(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresBackend, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("storage: postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &PostgresBackend{
		pool:    pool,
		table:   pgx.Identifier{cfg.Table}.Sanitize(),
		channel: cfg.Channel,
		logger:  logger,
	}
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+b.table+` (
		key TEXT PRIMARY KEY,
		payload BYTEA NOT NULL,
		origin TEXT NOT NULL,
		written_at TIMESTAMPTZ NOT NULL
	)`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: create slots table: %w", err)
	}
	return b, nil
}

// Get implements Store.
func (b *PostgresBackend) Get(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}
	err := b.pool.QueryRow(ctx,
		`SELECT payload, origin, written_at FROM `+b.table+` WHERE key = $1`, key,
	).Scan(&rec.Value, &rec.Origin, &rec.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: postgres get: %w", err)
	}
	rec.WrittenAt = rec.WrittenAt.UTC()
	return rec, nil
}

// Put implements Store.
func (b *PostgresBackend) Put(ctx context.Context, rec Record) error {
	_, err := b.pool.Exec(ctx,
		`INSERT INTO `+b.table+` (key, payload, origin, written_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, origin = EXCLUDED.origin, written_at = EXCLUDED.written_at`,
		rec.Key, rec.Value, rec.Origin, rec.WrittenAt,
	)
	if err != nil {
		return fmt.Errorf("storage: postgres put: %w", err)
	}
	return nil
}

// Notify implements Notifier.
func (b *PostgresBackend) Notify(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(postgresNotification{Key: rec.Key, Origin: rec.Origin})
	if err != nil {
		return err
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, b.channel, string(payload)); err != nil {
		return fmt.Errorf("storage: postgres notify: %w", err)
	}
	return nil
}

// Subscribe implements Notifier. It holds one pooled connection for the life of the
// subscription. Close must not be called from fn.
func (b *PostgresBackend) Subscribe(ctx context.Context, key string, fn func(Record)) (Subscription, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: postgres acquire listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("storage: postgres listen: %w", err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(listenCtx)
			if err != nil {
				if listenCtx.Err() == nil {
					b.logger.Warn("storage: postgres listener stopped", zap.Error(err))
				}
				return
			}
			var msg postgresNotification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				b.logger.Warn("storage: bad postgres notification", zap.Error(err))
				continue
			}
			if msg.Key != key {
				continue
			}
			rec, err := b.Get(listenCtx, key)
			if errors.Is(err, ErrNotFound) {
				fn(Record{Key: key, Origin: msg.Origin})
				continue
			}
			if err != nil {
				b.logger.Warn("storage: postgres re-read failed", zap.Error(err))
				continue
			}
			fn(rec)
		}
	}()

	var once sync.Once
	return SubscriptionFunc(func() error {
		once.Do(func() {
			cancel()
			<-done
			conn.Release()
		})
		return nil
	}), nil
}

// Close closes the pool.
func (b *PostgresBackend) Close() {
	if b != nil && b.pool != nil {
		b.pool.Close()
	}
}

