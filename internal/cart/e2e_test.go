package cart_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/hanko-field/cartsync/internal/cart"
	"github.com/hanko-field/cartsync/internal/cart/carttest"
	"github.com/hanko-field/cartsync/internal/platform/httpx"
	"github.com/hanko-field/cartsync/internal/storage"
)

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTab(t *testing.T, srv *carttest.Server, backend *storage.MemoryBackend, origin string) *cart.Client {
	t.Helper()
	slot, err := storage.NewSlot(storage.SlotDeps{
		Key:      "cart-data",
		Store:    backend,
		Notifier: backend,
		Origin:   origin,
	})
	if err != nil {
		t.Fatalf("NewSlot: %v", err)
	}
	client, err := cart.NewClient(context.Background(), cart.ClientDeps{
		Endpoint: srv.Endpoint(),
		HTTP:     httpx.NewClient(httpx.ClientDeps{CSRFToken: "csrf"}),
		Slot:     slot,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClientAgainstCartServer(t *testing.T) {
	srv := carttest.NewServer(100)
	defer srv.Close()
	backend := storage.NewMemoryBackend(nil)
	ctx := context.Background()

	tab := newTab(t, srv, backend, "tab-a")
	if got := tab.Cart(); got == nil || got.UpdatedAt() != 100 {
		t.Fatalf("expected cart at 100, got %+v", got)
	}
	if srv.Gets() != 1 {
		t.Fatalf("expected one fetch at construction, got %d", srv.Gets())
	}

	other := newTab(t, srv, backend, "tab-b")
	if got := other.Cart(); got == nil || got.UpdatedAt() != 100 {
		t.Fatalf("second tab should load the persisted cart, got %+v", got)
	}
	if srv.Gets() != 1 {
		t.Fatalf("second tab must not fetch when the slot is populated, got %d", srv.Gets())
	}

	if _, err := tab.AddItem(ctx, "ProductLineItem", map[string]any{"product": 1, "price": 10, "quantity": 2}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	eventually(t, "item in cart", func() bool { return len(tab.Cart().Items()) == 1 })
	eventually(t, "item reaches second tab", func() bool { return len(other.Cart().Items()) == 1 })

	_, err := tab.Checkout(ctx)
	apiErr, ok := httpx.AsAPIError(err)
	if !ok || apiErr.Status != http.StatusUnprocessableEntity || apiErr.Code != "incomplete" {
		t.Fatalf("expected incomplete checkout, got %v", err)
	}
	var details struct {
		Reasons []struct {
			Field string `json:"field"`
		} `json:"reasons"`
	}
	if err := json.Unmarshal(apiErr.Data, &details); err != nil || len(details.Reasons) != 2 {
		t.Fatalf("expected two incomplete reasons, got %s (%v)", apiErr.Data, err)
	}

	item := tab.Cart().Items()[0]
	if _, err := item.Update(ctx, map[string]any{"quantity": 3}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	eventually(t, "updated total", func() bool { return tab.Cart().GrandTotal() == "30.00" })

	if _, err := tab.AddAddress(ctx, "AustralianDeliveryAddress", map[string]any{"suburb": "Carlton"}); err != nil {
		t.Fatalf("AddAddress: %v", err)
	}
	if _, err := tab.AddPaymentMethod(ctx, "StripeCard", map[string]any{"token": "tok_visa"}); err != nil {
		t.Fatalf("AddPaymentMethod: %v", err)
	}
	eventually(t, "address and payment method", func() bool {
		current := tab.Cart()
		return len(current.DeliveryAddresses()) == 1 && len(current.PaymentMethods()) == 1
	})
	if _, err := tab.Cart().DeliveryAddresses()[0].Select(ctx); err != nil {
		t.Fatalf("select address: %v", err)
	}
	if _, err := tab.Cart().PaymentMethods()[0].Select(ctx); err != nil {
		t.Fatalf("select payment method: %v", err)
	}
	eventually(t, "cart complete", func() bool { return tab.Cart().IsComplete() })

	email := "shopper@example.com"
	if _, err := tab.SetEmail(ctx, &email); err != nil {
		t.Fatalf("SetEmail: %v", err)
	}
	eventually(t, "email on second tab", func() bool {
		got, ok := other.Cart().Email()
		return ok && got == email
	})

	gets := srv.Gets()
	srv.FailNext(1)
	err = tab.Cart().Items()[0].Delete(ctx)
	apiErr, ok = httpx.AsAPIError(err)
	if !ok || apiErr.Status != http.StatusInternalServerError {
		t.Fatalf("expected injected failure, got %v", err)
	}
	eventually(t, "refetch after failed delete", func() bool { return srv.Gets() > gets })
	if len(tab.Cart().Items()) != 1 {
		t.Fatalf("failed delete must leave the item")
	}

	order, err := tab.Checkout(ctx)
	if err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	var placed struct {
		ID int `json:"id"`
	}
	if err := json.Unmarshal(order, &placed); err != nil || placed.ID != 1 {
		t.Fatalf("unexpected checkout response %s (%v)", order, err)
	}
	eventually(t, "emptied cart on both tabs", func() bool {
		return len(tab.Cart().Items()) == 0 && len(other.Cart().Items()) == 0
	})
	if tab.Cart().UpdatedAt() != other.Cart().UpdatedAt() {
		t.Fatalf("tabs diverged: %v vs %v", tab.Cart().UpdatedAt(), other.Cart().UpdatedAt())
	}
}

func TestClientStartsWhenServerIsDown(t *testing.T) {
	srv := carttest.NewServer(1)
	endpoint := srv.Endpoint()
	srv.Close()

	client, err := cart.NewClient(context.Background(), cart.ClientDeps{
		Endpoint: endpoint,
		HTTP:     httpx.NewClient(httpx.ClientDeps{}),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	defer client.Close()

	if client.Cart() != nil {
		t.Fatalf("expected no cart")
	}
	err = client.Refetch(context.Background())
	if !httpx.IsNetworkError(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if _, err := client.AddItem(context.Background(), "ProductLineItem", nil); !errors.Is(err, cart.ErrNoCart) {
		t.Fatalf("expected ErrNoCart, got %v", err)
	}
}

func TestMutationRefetchLandsBeforeClose(t *testing.T) {
	srv := carttest.NewServer(100)
	defer srv.Close()
	backend := storage.NewMemoryBackend(nil)
	ctx := context.Background()

	tab := newTab(t, srv, backend, "tab-a")
	if _, err := tab.AddItem(ctx, "ProductLineItem", map[string]any{"product": 1, "price": 10, "quantity": 1}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tab.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := tab.Cart(); got.UpdatedAt() != 101 || len(got.Items()) != 1 {
		t.Fatalf("expected the refetched cart after Flush, got updated_at=%v items=%d", got.UpdatedAt(), len(got.Items()))
	}
	if srv.Gets() != 2 {
		t.Fatalf("expected construction fetch plus one refetch, got %d", srv.Gets())
	}

	if _, err := tab.AddItem(ctx, "ProductLineItem", map[string]any{"product": 2, "price": 5, "quantity": 1}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := tab.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := tab.Cart(); got.UpdatedAt() != 102 || len(got.Items()) != 2 {
		t.Fatalf("Close must let the pending refetch land, got updated_at=%v items=%d", got.UpdatedAt(), len(got.Items()))
	}
	rec, err := backend.Get(ctx, "cart-data")
	if err != nil {
		t.Fatalf("read slot: %v", err)
	}
	var persisted struct {
		UpdatedAt float64 `json:"updated_at"`
	}
	if err := json.Unmarshal(rec.Value, &persisted); err != nil || persisted.UpdatedAt != 102 {
		t.Fatalf("expected the slot to hold 102, got %s (%v)", rec.Value, err)
	}
}

func TestShutdownCancelsRefetchAtDeadline(t *testing.T) {
	srv := carttest.NewServer(100)
	defer srv.Close()
	tab := newTab(t, srv, storage.NewMemoryBackend(nil), "tab-a")

	release := srv.HoldGets()
	defer release()
	if _, err := tab.AddItem(context.Background(), "ProductLineItem", map[string]any{"product": 1, "price": 10, "quantity": 1}); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := tab.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if got := tab.Cart(); got.UpdatedAt() != 100 || len(got.Items()) != 0 {
		t.Fatalf("cancelled refetch must not be adopted, got updated_at=%v", got.UpdatedAt())
	}
}
