// Package cart keeps one tab's copy of the shopping cart consistent with the server and
// with the other tabs sharing the same slot.
package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hanko-field/cartsync/internal/domain"
	"github.com/hanko-field/cartsync/internal/platform/requestctx"
	"github.com/hanko-field/cartsync/internal/platform/taskqueue"
	"github.com/hanko-field/cartsync/internal/storage"
)

// Sender issues requests to the cart API. *httpx.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, method, url string, body any) (json.RawMessage, error)
	SendText(ctx context.Context, method, url string, body any) (string, error)
}

// SnapshotSlot is the shared value every tab reads, writes, and watches. *storage.Slot
// satisfies it.
type SnapshotSlot interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, value []byte) error
	Watch(ctx context.Context, fn func([]byte)) (storage.Subscription, error)
}

// ClientDeps wires a Client.
type ClientDeps struct {
	// Endpoint is the cart root URL.
	Endpoint string
	// Initial is a snapshot the caller already holds, e.g. rendered into the page.
	Initial *domain.Snapshot
	// InitialJSON is the encoded form of Initial; ignored when Initial is set.
	InitialJSON []byte
	HTTP        Sender
	// Slot is optional; without it the client does not share state with other tabs.
	Slot   SnapshotSlot
	Logger *zap.Logger
	Meter  metric.Meter
}

// Client holds the current cart for one tab.
type Client struct {
	endpoint string
	http     Sender
	slot     SnapshotSlot
	origin   string
	logger   *zap.Logger
	metrics  *metrics

	mu      sync.Mutex
	current *Cart

	persistMu sync.Mutex

	listenersMu  sync.Mutex
	listeners    []registration
	nextListener ListenerID
	queue        *taskqueue.Queue

	bgCtx    context.Context
	bgCancel context.CancelFunc
	closeMu  sync.Mutex
	closed   bool
	inflight int
	idle     chan struct{}
	watch    storage.Subscription

	// delivering is set while the notification goroutine runs listeners.
	delivering atomic.Bool
}

// NewClient builds a client and loads the cart. The persisted slot is consulted first,
// then Initial, and the server is asked only when neither produced a cart. Failing to
// load the cart is logged; the client is still returned and usable.
func NewClient(ctx context.Context, deps ClientDeps) (*Client, error) {
	endpoint := strings.TrimSpace(deps.Endpoint)
	if endpoint == "" {
		return nil, errors.New("cart: endpoint is required")
	}
	if deps.HTTP == nil {
		return nil, errors.New("cart: http sender is required")
	}
	initial := deps.Initial
	if initial == nil && len(deps.InitialJSON) > 0 {
		decoded, err := domain.DecodeSnapshot(deps.InitialJSON)
		if err != nil {
			return nil, fmt.Errorf("cart: initial snapshot: %w", err)
		}
		initial = decoded
	}
	if ctx == nil {
		ctx = context.Background()
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var origin string
	if o, ok := deps.Slot.(interface{ Origin() string }); ok {
		origin = o.Origin()
		logger = logger.With(zap.String("origin", origin))
	}

	c := &Client{
		endpoint: endpoint,
		http:     deps.HTTP,
		slot:     deps.Slot,
		origin:   origin,
		logger:   logger,
		metrics:  newMetrics(deps.Meter, logger),
		queue:    taskqueue.New(logger),
	}
	c.bgCtx, c.bgCancel = context.WithCancel(c.decorate(context.Background()))
	ctx = c.decorate(ctx)

	if c.slot != nil {
		raw, err := c.slot.Read(ctx)
		switch {
		case err != nil:
			logger.Warn("cart: read persisted cart failed", zap.Error(err))
		case raw != nil:
			c.ingestRaw(ctx, raw)
		}
	}

	if initial != nil {
		c.ingest(ctx, initial.Clone(), sourceNetwork)
	}

	if c.Cart() == nil {
		if err := c.Refetch(ctx); err != nil {
			logger.Warn("cart: initial fetch failed", zap.Error(err))
		}
	}

	if c.slot != nil {
		sub, err := c.slot.Watch(c.bgCtx, func(raw []byte) {
			c.ingestRaw(c.bgCtx, raw)
		})
		if err != nil {
			logger.Error("cart: watch shared slot failed; peer updates disabled", zap.Error(err))
		} else {
			c.watch = sub
		}
	}

	return c, nil
}

// Cart returns the current cart, or nil before the first snapshot is adopted.
func (c *Client) Cart() *Cart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Endpoint returns the cart root URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Refetch loads the cart from the server and ingests it.
func (c *Client) Refetch(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = c.decorate(ctx)
	start := time.Now()
	raw, err := c.http.Send(ctx, http.MethodGet, c.endpoint, nil)
	if err == nil {
		var snap *domain.Snapshot
		snap, err = domain.DecodeSnapshot(raw)
		if err == nil {
			c.ingest(ctx, snap, sourceNetwork)
		}
	}
	c.metrics.recordRefetch(ctx, start, err)
	if err != nil {
		return fmt.Errorf("cart: refetch: %w", err)
	}
	return nil
}

// Flush waits until the background refetches started so far have finished, or ctx is
// done. Mutations return before their refetch lands; Flush is how a caller observes it.
func (c *Client) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.closeMu.Lock()
	if c.inflight == 0 {
		c.closeMu.Unlock()
		return nil
	}
	idle := c.idle
	c.closeMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is Shutdown without a deadline.
func (c *Client) Close() error {
	return c.Shutdown(context.Background())
}

// Shutdown stops watching the slot, lets in-flight background refetches land until ctx
// is done, then cancels the rest and runs the listener notifications already queued.
// While listeners are being called it does not wait for that queue, so a listener may
// close its own client.
func (c *Client) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	var err error
	if c.watch != nil {
		err = c.watch.Close()
	}
	if ferr := c.Flush(ctx); ferr != nil {
		c.logger.Warn("cart: shutdown cancelled pending refetches", zap.Error(ferr))
		if err == nil {
			err = fmt.Errorf("cart: shutdown: %w", ferr)
		}
	}
	c.bgCancel()
	_ = c.Flush(context.Background())

	if c.delivering.Load() {
		go c.queue.Close()
		return err
	}
	c.queue.Close()
	return err
}

// ingest adopts snap when nothing is held or snap is strictly newer than the held cart.
// Network snapshots are written to the shared slot; peer snapshots came from it.
func (c *Client) ingest(ctx context.Context, snap *domain.Snapshot, src source) bool {
	c.mu.Lock()
	if c.current != nil && !snap.NewerThan(c.current.snapshot) {
		held := c.current.snapshot.UpdatedAt
		c.mu.Unlock()
		c.metrics.recordIngest(ctx, src, false)
		c.logger.Debug("cart: discarded snapshot",
			zap.String("source", string(src)),
			zap.Float64("updated_at", snap.UpdatedAt),
			zap.Float64("held_updated_at", held),
		)
		return false
	}
	view := newCart(c, snap)
	c.current = view
	c.enqueueNotify(view)
	c.mu.Unlock()

	c.metrics.recordIngest(ctx, src, true)
	c.logger.Debug("cart: adopted snapshot",
		zap.String("source", string(src)),
		zap.Float64("updated_at", snap.UpdatedAt),
	)
	if src == sourceNetwork {
		c.persist(ctx, view)
	}
	return true
}

func (c *Client) ingestRaw(ctx context.Context, raw []byte) {
	snap, err := domain.DecodeSnapshot(raw)
	if err != nil {
		c.logger.Warn("cart: ignoring persisted cart", zap.Error(fmt.Errorf("%w: %v", ErrMalformedPersistedState, err)))
		return
	}
	c.ingest(ctx, snap, sourcePeer)
}

// persist writes view to the slot unless a newer cart was adopted while waiting, in
// which case that cart's own write wins.
func (c *Client) persist(ctx context.Context, view *Cart) {
	if c.slot == nil {
		return
	}
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	superseded := c.current != view
	c.mu.Unlock()
	if superseded {
		return
	}
	raw, err := view.snapshot.Encode()
	if err != nil {
		c.logger.Error("cart: encode snapshot for slot", zap.Error(err))
		return
	}
	if err := c.slot.Write(ctx, raw); err != nil {
		c.logger.Warn("cart: write shared slot failed", zap.Error(err))
	}
}

// refetchInBackground starts one refetch whose failure is only logged.
func (c *Client) refetchInBackground() {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return
	}
	if c.inflight == 0 {
		c.idle = make(chan struct{})
	}
	c.inflight++
	c.closeMu.Unlock()

	go func() {
		defer c.refetchDone()
		if err := c.Refetch(c.bgCtx); err != nil && c.bgCtx.Err() == nil {
			c.logger.Warn("cart: background refetch failed", zap.Error(err))
		}
	}()
}

func (c *Client) refetchDone() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.inflight--
	if c.inflight == 0 {
		close(c.idle)
	}
}

func (c *Client) decorate(ctx context.Context) context.Context {
	if requestctx.Logger(ctx) == requestctx.NoopLogger() {
		ctx = requestctx.WithLogger(ctx, c.logger)
	}
	if c.origin != "" && requestctx.Origin(ctx) == "" {
		ctx = requestctx.WithOrigin(ctx, c.origin)
	}
	return ctx
}
