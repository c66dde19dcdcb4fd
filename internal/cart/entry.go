package cart

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hanko-field/cartsync/internal/domain"
)

// Entry is one record of an adopted cart bound to its client. Its actions go to the
// entry's own URL and always trigger a refetch; they never change the entry itself.
type Entry struct {
	entry  domain.Entry
	client *Client
}

// Kind returns the list the entry belongs to.
func (e *Entry) Kind() domain.EntryKind { return e.entry.Kind }

// Capabilities returns the actions the entry supports.
func (e *Entry) Capabilities() domain.Capability { return e.entry.Capabilities() }

// Type returns the server-side type name.
func (e *Entry) Type() string { return e.entry.Type }

// Data returns the raw entry payload.
func (e *Entry) Data() json.RawMessage { return append(json.RawMessage(nil), e.entry.Data...) }

// DecodeData unmarshals the entry payload into v.
func (e *Entry) DecodeData(v any) error {
	if len(e.entry.Data) == 0 {
		return fmt.Errorf("cart: %s entry has no data", e.entry.Kind)
	}
	return json.Unmarshal(e.entry.Data, v)
}

// URL returns the entry's own resource URL.
func (e *Entry) URL() string { return e.entry.URL }

// Total returns the line total of an item as a decimal string.
func (e *Entry) Total() string { return e.entry.Total }

// Selected reports whether an address or payment method is the active one.
func (e *Entry) Selected() bool { return e.entry.Selected }

// Raw returns a copy of the underlying record.
func (e *Entry) Raw() domain.Entry { return e.entry.Clone() }

// Delete removes the entry.
func (e *Entry) Delete(ctx context.Context) error {
	if err := e.require(domain.CapDelete, "delete"); err != nil {
		return err
	}
	_, err := e.client.mutateText(ctx, http.MethodDelete, e.entry.URL, nil)
	return err
}

// Update patches a line item with partial data.
func (e *Entry) Update(ctx context.Context, partial any) (json.RawMessage, error) {
	if err := e.require(domain.CapUpdate, "update"); err != nil {
		return nil, err
	}
	return e.client.mutate(ctx, http.MethodPatch, e.entry.URL, partial)
}

// Select makes an address or payment method the active one of its kind.
func (e *Entry) Select(ctx context.Context) (json.RawMessage, error) {
	if err := e.require(domain.CapSelect, "select"); err != nil {
		return nil, err
	}
	return e.client.mutate(ctx, http.MethodPatch, e.entry.URL, selectBody)
}

var selectBody = json.RawMessage(`{"selected": true}`)

func (e *Entry) require(capability domain.Capability, action string) error {
	if !e.entry.Capabilities().Has(capability) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, e.entry.Kind)
	}
	return nil
}
