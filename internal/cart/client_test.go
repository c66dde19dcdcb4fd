package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hanko-field/cartsync/internal/domain"
	"github.com/hanko-field/cartsync/internal/platform/httpx"
	"github.com/hanko-field/cartsync/internal/storage"
)

const (
	testEndpoint = "https://shop.test/_cart/"
	testSlotKey  = "au.com.cmv.open-source.lorikeet.cart-data"
)

func snapshotJSON(updatedAt float64) []byte {
	return []byte(fmt.Sprintf(`{
		"updated_at": %v,
		"items": [{"type": "ProductLineItem", "data": {"product": 1, "quantity": 2}, "url": "https://shop.test/_cart/1/", "total": "20.00"}],
		"delivery_addresses": [{"type": "AustralianDeliveryAddress", "data": {"suburb": "Carlton"}, "url": "https://shop.test/_cart/address/2/", "selected": true}],
		"payment_methods": [{"type": "StripeCard", "data": {"last4": "4242"}, "url": "https://shop.test/_cart/payment-method/4/", "selected": false}],
		"adjustments": [{"type": "Voucher", "data": {"code": "TENOFF"}, "url": "https://shop.test/_cart/adjustment/3/"}],
		"new_item_url": "https://shop.test/_cart/new/",
		"new_address_url": "https://shop.test/_cart/new-address/",
		"new_payment_method_url": "https://shop.test/_cart/new-payment-method/",
		"new_adjustment_url": "https://shop.test/_cart/new-adjustment/",
		"checkout_url": "https://shop.test/_cart/checkout/",
		"grand_total": "20.00"
	}`, updatedAt))
}

func mustSnapshot(t *testing.T, updatedAt float64) *domain.Snapshot {
	t.Helper()
	snap, err := domain.DecodeSnapshot(snapshotJSON(updatedAt))
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	return snap
}

type sentRequest struct {
	Method string
	URL    string
	Body   any
}

type stubSender struct {
	mu     sync.Mutex
	sendFn func(ctx context.Context, method, url string, body any) (json.RawMessage, error)
	calls  []sentRequest
}

func (s *stubSender) Send(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, sentRequest{Method: method, URL: url, Body: body})
	fn := s.sendFn
	s.mu.Unlock()
	if fn == nil {
		return nil, &httpx.NetworkError{Method: method, URL: url, Err: errors.New("offline")}
	}
	return fn(ctx, method, url, body)
}

func (s *stubSender) SendText(ctx context.Context, method, url string, body any) (string, error) {
	raw, err := s.Send(ctx, method, url, body)
	return string(raw), err
}

func (s *stubSender) count(method, url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method && c.URL == url {
			n++
		}
	}
	return n
}

func (s *stubSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// serveCart answers GETs of the cart with the snapshot stamped by next.
func serveCart(next func() float64) func(context.Context, string, string, any) (json.RawMessage, error) {
	return func(_ context.Context, method, url string, _ any) (json.RawMessage, error) {
		if method == http.MethodGet && url == testEndpoint {
			return snapshotJSON(next()), nil
		}
		return json.RawMessage(`{}`), nil
	}
}

func fixed(v float64) func() float64 { return func() float64 { return v } }

func newMemorySlot(t *testing.T, backend *storage.MemoryBackend, origin string) *storage.Slot {
	t.Helper()
	slot, err := storage.NewSlot(storage.SlotDeps{Key: testSlotKey, Store: backend, Notifier: backend, Origin: origin})
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	return slot
}

func seedSlot(t *testing.T, backend *storage.MemoryBackend, value []byte) {
	t.Helper()
	err := backend.Put(context.Background(), storage.Record{Key: testSlotKey, Value: value, Origin: "seed", WrittenAt: time.Now()})
	if err != nil {
		t.Fatalf("seed slot: %v", err)
	}
}

func newTestClient(t *testing.T, deps ClientDeps) *Client {
	t.Helper()
	if deps.Endpoint == "" {
		deps.Endpoint = testEndpoint
	}
	client, err := NewClient(context.Background(), deps)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type listenerLog struct {
	mu   sync.Mutex
	seen []float64
}

func (l *listenerLog) listen(c *Cart) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, c.UpdatedAt())
}

func (l *listenerLog) values() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64(nil), l.seen...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIngestNeverAdoptsOlderSnapshot(t *testing.T) {
	sender := &stubSender{sendFn: serveCart(fixed(5))}
	client := newTestClient(t, ClientDeps{HTTP: sender})
	if got := client.Cart(); got == nil || got.UpdatedAt() != 5 {
		t.Fatalf("expected fetched cart at 5, got %+v", got)
	}
	log := &listenerLog{}
	client.AddListener(log.listen)
	held := client.Cart()

	for _, src := range []source{sourceNetwork, sourcePeer} {
		if client.ingest(context.Background(), mustSnapshot(t, 3), src) {
			t.Fatalf("older %s snapshot must be discarded", src)
		}
	}
	client.queue.Idle()

	if client.Cart() != held {
		t.Fatalf("held cart changed after stale ingest")
	}
	if len(log.values()) != 0 {
		t.Fatalf("expected no notifications, got %v", log.values())
	}
}

func TestIngestEqualTimestampIsNoop(t *testing.T) {
	client := newTestClient(t, ClientDeps{HTTP: &stubSender{}, Initial: mustSnapshot(t, 5)})
	log := &listenerLog{}
	client.AddListener(log.listen)

	if client.ingest(context.Background(), mustSnapshot(t, 5), sourceNetwork) {
		t.Fatalf("equal timestamp must not be adopted")
	}
	if !client.ingest(context.Background(), mustSnapshot(t, 6), sourceNetwork) {
		t.Fatalf("newer snapshot must be adopted")
	}
	client.queue.Idle()

	if got := log.values(); len(got) != 1 || got[0] != 6 {
		t.Fatalf("expected exactly one notification for 6, got %v", got)
	}
}

func TestConstructionPrefersNewerInitialAndPersists(t *testing.T) {
	backend := storage.NewMemoryBackend(nil)
	seedSlot(t, backend, snapshotJSON(3))
	sender := &stubSender{}

	client := newTestClient(t, ClientDeps{
		HTTP:    sender,
		Slot:    newMemorySlot(t, backend, "tab-a"),
		Initial: mustSnapshot(t, 7),
	})

	if got := client.Cart().UpdatedAt(); got != 7 {
		t.Fatalf("expected 7, got %v", got)
	}
	rec, err := backend.Get(context.Background(), testSlotKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	persisted, err := domain.DecodeSnapshot(rec.Value)
	if err != nil {
		t.Fatalf("decode persisted: %v", err)
	}
	if persisted.UpdatedAt != 7 || rec.Origin != "tab-a" {
		t.Fatalf("expected slot re-persisted at 7 by tab-a, got %v from %s", persisted.UpdatedAt, rec.Origin)
	}
	if sender.total() != 0 {
		t.Fatalf("expected no network calls, got %d", sender.total())
	}
}

func TestConstructionKeepsNewerPersistedWithoutFetching(t *testing.T) {
	backend := storage.NewMemoryBackend(nil)
	seedSlot(t, backend, snapshotJSON(7))
	sender := &stubSender{}

	client := newTestClient(t, ClientDeps{
		HTTP:    sender,
		Slot:    newMemorySlot(t, backend, "tab-a"),
		Initial: mustSnapshot(t, 3),
	})

	if got := client.Cart().UpdatedAt(); got != 7 {
		t.Fatalf("expected persisted 7 to win, got %v", got)
	}
	rec, err := backend.Get(context.Background(), testSlotKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Origin != "seed" {
		t.Fatalf("slot must not be rewritten, origin now %s", rec.Origin)
	}
	if sender.total() != 0 {
		t.Fatalf("expected no network calls, got %d", sender.total())
	}
}

func TestConstructionFetchesWhenNothingHeld(t *testing.T) {
	backend := storage.NewMemoryBackend(nil)
	sender := &stubSender{sendFn: serveCart(fixed(4))}

	client := newTestClient(t, ClientDeps{HTTP: sender, Slot: newMemorySlot(t, backend, "tab-a")})

	if sender.count(http.MethodGet, testEndpoint) != 1 {
		t.Fatalf("expected one fetch, got %d", sender.count(http.MethodGet, testEndpoint))
	}
	if got := client.Cart().UpdatedAt(); got != 4 {
		t.Fatalf("expected 4, got %v", got)
	}
	if _, err := backend.Get(context.Background(), testSlotKey); err != nil {
		t.Fatalf("expected fetched cart persisted: %v", err)
	}
}

func TestConstructionIgnoresMalformedPersistedState(t *testing.T) {
	backend := storage.NewMemoryBackend(nil)
	seedSlot(t, backend, []byte(`{"items": [`))
	core, logs := observer.New(zap.WarnLevel)
	sender := &stubSender{sendFn: serveCart(fixed(2))}

	client := newTestClient(t, ClientDeps{
		HTTP:   sender,
		Slot:   newMemorySlot(t, backend, "tab-a"),
		Logger: zap.New(core),
	})

	if got := client.Cart(); got == nil || got.UpdatedAt() != 2 {
		t.Fatalf("expected malformed slot treated as absent and cart fetched, got %+v", got)
	}
	found := false
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			if err, ok := field.Interface.(error); ok && errors.Is(err, ErrMalformedPersistedState) {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected malformed persisted state to be logged")
	}
}

func TestConstructionSurvivesFetchFailure(t *testing.T) {
	sender := &stubSender{}
	client := newTestClient(t, ClientDeps{HTTP: sender})
	if client.Cart() != nil {
		t.Fatalf("expected no cart after failed fetch")
	}

	_, err := client.AddItem(context.Background(), "ProductLineItem", map[string]int{"product": 1})
	if !errors.Is(err, ErrNoCart) {
		t.Fatalf("expected ErrNoCart, got %v", err)
	}
	_ = client.Close()
	if got := sender.count(http.MethodGet, testEndpoint); got != 2 {
		t.Fatalf("expected construction fetch plus one resync, got %d", got)
	}
}

func TestNewClientValidatesDeps(t *testing.T) {
	if _, err := NewClient(context.Background(), ClientDeps{HTTP: &stubSender{}}); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewClient(context.Background(), ClientDeps{Endpoint: testEndpoint}); err == nil {
		t.Fatalf("expected sender error")
	}
	_, err := NewClient(context.Background(), ClientDeps{Endpoint: testEndpoint, HTTP: &stubSender{}, InitialJSON: []byte(`{}`)})
	if !errors.Is(err, domain.ErrInvalidSnapshot) {
		t.Fatalf("expected invalid initial snapshot, got %v", err)
	}
}

func TestMutationAlwaysRefetches(t *testing.T) {
	tests := []struct {
		name    string
		failure error
	}{
		{name: "success"},
		{name: "api error", failure: &httpx.APIError{Status: http.StatusConflict, StatusText: "Conflict"}},
		{name: "network error", failure: &httpx.NetworkError{Method: http.MethodDelete, Err: errors.New("reset")}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sender := &stubSender{}
			sender.sendFn = func(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
				if method == http.MethodDelete {
					return nil, tc.failure
				}
				return serveCart(fixed(9))(ctx, method, url, body)
			}
			client := newTestClient(t, ClientDeps{HTTP: sender, Initial: mustSnapshot(t, 5)})

			err := client.Cart().Items()[0].Delete(context.Background())
			if !errors.Is(err, tc.failure) {
				t.Fatalf("expected the delete outcome %v, got %v", tc.failure, err)
			}
			if err := client.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}
			if got := sender.count(http.MethodGet, testEndpoint); got != 1 {
				t.Fatalf("expected exactly one refetch, got %d", got)
			}
			if got := sender.count(http.MethodDelete, "https://shop.test/_cart/1/"); got != 1 {
				t.Fatalf("expected one delete, got %d", got)
			}
		})
	}
}

func TestMutationResponseIsNeverAdopted(t *testing.T) {
	sender := &stubSender{}
	release := make(chan struct{})
	sender.sendFn = func(ctx context.Context, method, _ string, _ any) (json.RawMessage, error) {
		if method == http.MethodGet {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return snapshotJSON(8), nil
		}
		return snapshotJSON(100), nil
	}
	client := newTestClient(t, ClientDeps{HTTP: sender, Initial: mustSnapshot(t, 5)})
	before := client.Cart()
	item := before.Items()[0]

	if _, err := item.Update(context.Background(), map[string]int{"quantity": 3}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if client.Cart() != before {
		t.Fatalf("mutation response must not replace the held cart")
	}
	var data map[string]int
	if err := item.DecodeData(&data); err != nil || data["quantity"] != 2 {
		t.Fatalf("entry must be unchanged by its own action, got %v (%v)", data, err)
	}

	close(release)
	waitFor(t, "refetched cart", func() bool { return client.Cart().UpdatedAt() == 8 })
}

func TestUnsupportedEntryActionsSendNothing(t *testing.T) {
	sender := &stubSender{}
	client := newTestClient(t, ClientDeps{HTTP: sender, Initial: mustSnapshot(t, 5)})
	current := client.Cart()

	if _, err := current.Items()[0].Select(context.Background()); !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("items cannot be selected, got %v", err)
	}
	if _, err := current.Adjustments()[0].Update(context.Background(), map[string]string{"code": "X"}); !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("adjustments cannot be updated, got %v", err)
	}
	if _, err := current.DeliveryAddresses()[0].Update(context.Background(), nil); !errors.Is(err, ErrUnsupportedAction) {
		t.Fatalf("addresses cannot be updated, got %v", err)
	}
	_ = client.Close()
	if sender.total() != 0 {
		t.Fatalf("unsupported actions must not issue requests, got %d", sender.total())
	}
}

func TestEntryActionsUseEntryURL(t *testing.T) {
	sender := &stubSender{sendFn: serveCart(fixed(6))}
	client := newTestClient(t, ClientDeps{HTTP: sender, Initial: mustSnapshot(t, 5)})
	current := client.Cart()

	if _, err := current.PaymentMethods()[0].Select(context.Background()); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := current.Adjustments()[0].Delete(context.Background()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_ = client.Close()

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var sawSelect bool
	for _, c := range sender.calls {
		if c.Method == http.MethodPatch && c.URL == "https://shop.test/_cart/payment-method/4/" {
			raw, _ := json.Marshal(c.Body)
			if string(raw) != `{"selected":true}` {
				t.Fatalf("unexpected select body %s", raw)
			}
			sawSelect = true
		}
	}
	if !sawSelect {
		t.Fatalf("expected select PATCH on the payment method url, calls: %+v", sender.calls)
	}
}

func TestClientActionsTargetEmbeddedURLs(t *testing.T) {
	sender := &stubSender{sendFn: serveCart(fixed(6))}
	client := newTestClient(t, ClientDeps{HTTP: sender, Initial: mustSnapshot(t, 5)})
	ctx := context.Background()
	email := "shopper@example.com"

	calls := []struct {
		do     func() error
		method string
		url    string
		body   string
	}{
		{func() error { _, err := client.AddItem(ctx, "ProductLineItem", map[string]int{"product": 7}); return err }, http.MethodPost, "https://shop.test/_cart/new/", `{"type":"ProductLineItem","data":{"product":7}}`},
		{func() error { _, err := client.AddAddress(ctx, "AustralianDeliveryAddress", map[string]string{"suburb": "Fitzroy"}); return err }, http.MethodPost, "https://shop.test/_cart/new-address/", `{"type":"AustralianDeliveryAddress","data":{"suburb":"Fitzroy"}}`},
		{func() error { _, err := client.AddPaymentMethod(ctx, "StripeCard", map[string]string{"token": "tok"}); return err }, http.MethodPost, "https://shop.test/_cart/new-payment-method/", `{"type":"StripeCard","data":{"token":"tok"}}`},
		{func() error { _, err := client.AddAdjustment(ctx, "Voucher", map[string]string{"code": "TENOFF"}); return err }, http.MethodPost, "https://shop.test/_cart/new-adjustment/", `{"type":"Voucher","data":{"code":"TENOFF"}}`},
		{func() error { _, err := client.SetEmail(ctx, &email); return err }, http.MethodPatch, testEndpoint, `{"email":"shopper@example.com"}`},
		{func() error { _, err := client.SetEmail(ctx, nil); return err }, http.MethodPatch, testEndpoint, `{"email":null}`},
		{func() error { _, err := client.Checkout(ctx); return err }, http.MethodPost, "https://shop.test/_cart/checkout/", `null`},
	}
	for i, c := range calls {
		if err := c.do(); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		sender.mu.Lock()
		var last sentRequest
		for _, req := range sender.calls {
			if req.Method != http.MethodGet {
				last = req
			}
		}
		sender.mu.Unlock()
		raw, _ := json.Marshal(last.Body)
		if last.Method != c.method || last.URL != c.url || string(raw) != c.body {
			t.Fatalf("call %d: expected %s %s %s, got %s %s %s", i, c.method, c.url, c.body, last.Method, last.URL, raw)
		}
	}
	_ = client.Close()
	if got := sender.count(http.MethodGet, testEndpoint); got != len(calls) {
		t.Fatalf("expected one refetch per action, got %d", got)
	}
}

func TestListenerLifecycle(t *testing.T) {
	client := newTestClient(t, ClientDeps{HTTP: &stubSender{}, Initial: mustSnapshot(t, 5)})
	log := &listenerLog{}
	id := client.AddListener(log.listen)

	client.ingest(context.Background(), mustSnapshot(t, 6), sourceNetwork)
	client.queue.Idle()
	if !client.RemoveListener(id) {
		t.Fatalf("expected listener to be registered")
	}
	client.ingest(context.Background(), mustSnapshot(t, 7), sourceNetwork)
	client.queue.Idle()

	if got := log.values(); len(got) != 1 || got[0] != 6 {
		t.Fatalf("expected only the notification before removal, got %v", got)
	}
	if client.RemoveListener(id) {
		t.Fatalf("second removal must report false")
	}
}

func TestListenerRemovedBeforeItsTurnIsSkipped(t *testing.T) {
	client := newTestClient(t, ClientDeps{HTTP: &stubSender{}, Initial: mustSnapshot(t, 5)})
	started := make(chan struct{})
	release := make(chan struct{})
	client.AddListener(func(*Cart) {
		close(started)
		<-release
	})
	late := &listenerLog{}
	lateID := client.AddListener(late.listen)

	client.ingest(context.Background(), mustSnapshot(t, 6), sourceNetwork)
	<-started
	client.RemoveListener(lateID)
	close(release)
	client.queue.Idle()

	if got := late.values(); len(got) != 0 {
		t.Fatalf("removed listener must not run, got %v", got)
	}
}

func TestListenerMayTriggerIngestWithoutReentering(t *testing.T) {
	var next float64 = 6
	var mu sync.Mutex
	sender := &stubSender{sendFn: serveCart(func() float64 {
		mu.Lock()
		defer mu.Unlock()
		next++
		return next
	})}
	client := newTestClient(t, ClientDeps{HTTP: sender, Initial: mustSnapshot(t, 5)})

	log := &listenerLog{}
	var once sync.Once
	client.AddListener(func(c *Cart) {
		log.listen(c)
		once.Do(func() {
			if err := client.Refetch(context.Background()); err != nil {
				t.Errorf("Refetch in listener: %v", err)
			}
		})
	})

	client.ingest(context.Background(), mustSnapshot(t, 6), sourceNetwork)
	waitFor(t, "second notification", func() bool { return len(log.values()) == 2 })
	client.queue.Idle()

	if got := log.values(); got[0] != 6 || got[1] != 7 {
		t.Fatalf("expected notifications in adoption order, got %v", got)
	}
}

func TestListenerMayCloseItsClient(t *testing.T) {
	sender := &stubSender{sendFn: serveCart(fixed(200))}
	client := newTestClient(t, ClientDeps{HTTP: sender, Slot: newMemorySlot(t, storage.NewMemoryBackend(nil), "tab-a"), Initial: mustSnapshot(t, 5)})

	closed := make(chan error, 1)
	client.AddListener(func(c *Cart) {
		if c.UpdatedAt() == 200 {
			closed <- client.Close()
		}
	})
	if err := client.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}

	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close from listener: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Close called from a listener never returned")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	client.queue.Idle()
}

func TestCrossTabConvergence(t *testing.T) {
	backend := storage.NewMemoryBackend(nil)
	tabA := newTestClient(t, ClientDeps{HTTP: &stubSender{}, Slot: newMemorySlot(t, backend, "tab-a")})
	tabB := newTestClient(t, ClientDeps{HTTP: &stubSender{}, Slot: newMemorySlot(t, backend, "tab-b")})
	if tabA.Cart() != nil || tabB.Cart() != nil {
		t.Fatalf("expected both tabs to start empty")
	}
	seen := make(chan float64, 1)
	tabB.AddListener(func(c *Cart) { seen <- c.UpdatedAt() })

	tabA.ingest(context.Background(), mustSnapshot(t, 5), sourceNetwork)

	select {
	case v := <-seen:
		if v != 5 {
			t.Fatalf("expected 5, got %v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("tab B never converged")
	}
	if got := tabB.Cart(); got == nil || got.UpdatedAt() != 5 {
		t.Fatalf("tab B holds %+v", got)
	}

	// B discards the stale snapshot, so nothing reaches A.
	tabB.ingest(context.Background(), mustSnapshot(t, 4), sourceNetwork)
	tabA.queue.Idle()
	if got := tabA.Cart().UpdatedAt(); got != 5 {
		t.Fatalf("tab A regressed to %v", got)
	}
}

func TestOutOfOrderRefetchesKeepNewest(t *testing.T) {
	slow := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	sender := &stubSender{}
	sender.sendFn = func(_ context.Context, method, _ string, _ any) (json.RawMessage, error) {
		if method != http.MethodGet {
			return nil, nil
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			<-slow
			return snapshotJSON(6), nil
		}
		return snapshotJSON(7), nil
	}
	client := newTestClient(t, ClientDeps{HTTP: sender, Initial: mustSnapshot(t, 5)})

	done := make(chan error, 1)
	go func() { done <- client.Refetch(context.Background()) }()
	waitFor(t, "first refetch in flight", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	})
	if err := client.Refetch(context.Background()); err != nil {
		t.Fatalf("Refetch: %v", err)
	}
	close(slow)
	if err := <-done; err != nil {
		t.Fatalf("slow Refetch: %v", err)
	}
	if got := client.Cart().UpdatedAt(); got != 7 {
		t.Fatalf("late stale response must be dropped, holding %v", got)
	}
}

func TestCartViewHelpers(t *testing.T) {
	client := newTestClient(t, ClientDeps{HTTP: &stubSender{}, InitialJSON: snapshotJSON(5)})
	current := client.Cart()

	if addr := current.SelectedAddress(); addr == nil || addr.URL() != "https://shop.test/_cart/address/2/" {
		t.Fatalf("unexpected selected address %+v", addr)
	}
	if pm := current.SelectedPaymentMethod(); pm != nil {
		t.Fatalf("no payment method is selected, got %+v", pm)
	}
	if current.GrandTotal() != "20.00" || current.Items()[0].Total() != "20.00" {
		t.Fatalf("unexpected totals %s / %s", current.GrandTotal(), current.Items()[0].Total())
	}
	if _, ok := current.Email(); ok {
		t.Fatalf("expected no email")
	}
	if current.URLs().Checkout != "https://shop.test/_cart/checkout/" {
		t.Fatalf("unexpected checkout url %s", current.URLs().Checkout)
	}
	if current.Items()[0].Kind() != domain.KindItem || !current.Items()[0].Capabilities().Has(domain.CapUpdate) {
		t.Fatalf("item entry not tagged")
	}
}
