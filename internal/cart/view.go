package cart

import (
	"encoding/json"
	"time"

	"github.com/hanko-field/cartsync/internal/domain"
)

// Cart is an adopted snapshot whose entries are bound to the client that adopted it. It
// is never modified; a change arrives as a new Cart.
type Cart struct {
	snapshot    *domain.Snapshot
	items       []*Entry
	addresses   []*Entry
	payments    []*Entry
	adjustments []*Entry
}

func newCart(client *Client, snap *domain.Snapshot) *Cart {
	return &Cart{
		snapshot:    snap,
		items:       wrapEntries(client, snap.Items),
		addresses:   wrapEntries(client, snap.DeliveryAddresses),
		payments:    wrapEntries(client, snap.PaymentMethods),
		adjustments: wrapEntries(client, snap.Adjustments),
	}
}

func wrapEntries(client *Client, entries []domain.Entry) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, &Entry{entry: e, client: client})
	}
	return out
}

// Snapshot returns a copy of the underlying snapshot.
func (c *Cart) Snapshot() *domain.Snapshot { return c.snapshot.Clone() }

// UpdatedAt returns the server timestamp that orders snapshots.
func (c *Cart) UpdatedAt() float64 { return c.snapshot.UpdatedAt }

// UpdatedTime returns UpdatedAt as a time.
func (c *Cart) UpdatedTime() time.Time { return c.snapshot.UpdatedTime() }

// Items returns the line items.
func (c *Cart) Items() []*Entry { return append([]*Entry(nil), c.items...) }

// DeliveryAddresses returns the delivery addresses available to the shopper.
func (c *Cart) DeliveryAddresses() []*Entry { return append([]*Entry(nil), c.addresses...) }

// PaymentMethods returns the payment methods available to the shopper.
func (c *Cart) PaymentMethods() []*Entry { return append([]*Entry(nil), c.payments...) }

// Adjustments returns the applied adjustments.
func (c *Cart) Adjustments() []*Entry { return append([]*Entry(nil), c.adjustments...) }

// SelectedAddress returns the active delivery address, if any.
func (c *Cart) SelectedAddress() *Entry { return firstSelected(c.addresses) }

// SelectedPaymentMethod returns the active payment method, if any.
func (c *Cart) SelectedPaymentMethod() *Entry { return firstSelected(c.payments) }

// URLs returns the action endpoints embedded by the server.
func (c *Cart) URLs() domain.ResourceURLs { return c.snapshot.URLs }

// GrandTotal returns the server-computed total as a decimal string.
func (c *Cart) GrandTotal() string { return c.snapshot.GrandTotal }

// IsComplete reports whether the server considers the cart ready for checkout.
func (c *Cart) IsComplete() bool { return c.snapshot.IsComplete }

// IncompleteReasons returns the server's raw explanation of why checkout is blocked.
func (c *Cart) IncompleteReasons() json.RawMessage {
	return append(json.RawMessage(nil), c.snapshot.IncompleteReasons...)
}

// Email returns the address attached to the cart, or "" with ok=false when unset.
func (c *Cart) Email() (string, bool) {
	if c.snapshot.Email == nil {
		return "", false
	}
	return *c.snapshot.Email, true
}

func firstSelected(entries []*Entry) *Entry {
	for _, e := range entries {
		if e.entry.Selected {
			return e
		}
	}
	return nil
}
