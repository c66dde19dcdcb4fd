package domain

import (
	"encoding/json"
	"fmt"
)

// Capability is a bit set of the actions an entry may dispatch against its own URL.
type Capability uint8

const (
	// CapDelete allows DELETE on the entry URL.
	CapDelete Capability = 1 << iota
	// CapUpdate allows a partial PATCH of the entry data.
	CapUpdate
	// CapSelect allows marking the entry as the active one of its kind.
	CapSelect
)

// Has reports whether every capability in other is present.
func (c Capability) Has(other Capability) bool {
	return c&other == other
}

// EntryKind tags the list an entry belongs to.
type EntryKind string

const (
	// KindItem is a line item.
	KindItem EntryKind = "item"
	// KindAddress is a delivery address.
	KindAddress EntryKind = "delivery_address"
	// KindPaymentMethod is a payment method.
	KindPaymentMethod EntryKind = "payment_method"
	// KindAdjustment is a discount, fee or other adjustment.
	KindAdjustment EntryKind = "adjustment"
)

// Capabilities returns the action set available to entries of this kind.
func (k EntryKind) Capabilities() Capability {
	switch k {
	case KindItem:
		return CapDelete | CapUpdate
	case KindAddress, KindPaymentMethod:
		return CapDelete | CapSelect
	case KindAdjustment:
		return CapDelete
	default:
		return 0
	}
}

// Entry is a single record inside a snapshot list. Fields the client does not model are
// kept in Extra so the persisted copy matches what the server sent.
type Entry struct {
	Kind     EntryKind
	Type     string
	Data     json.RawMessage
	URL      string
	Total    string
	Selected bool
	Extra    map[string]json.RawMessage

	// selectedSent records that the payload carried "selected", so it is echoed
	// back even for kinds that cannot be selected.
	selectedSent bool
}

// Capabilities returns the actions the entry supports.
func (e Entry) Capabilities() Capability {
	return e.Kind.Capabilities()
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	out.Data = cloneRaw(e.Data)
	out.Extra = cloneRawMap(e.Extra)
	return out
}

var entryKnownFields = map[string]struct{}{
	"type":     {},
	"data":     {},
	"url":      {},
	"total":    {},
	"selected": {},
}

// UnmarshalJSON decodes the server representation of an entry. The kind is assigned by
// the owning snapshot list, not by the payload.
func (e *Entry) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	decoded := Entry{Kind: e.Kind}
	if v, ok := fields["type"]; ok {
		if err := json.Unmarshal(v, &decoded.Type); err != nil {
			return fmt.Errorf("entry type: %w", err)
		}
	}
	if v, ok := fields["data"]; ok && !isNull(v) {
		decoded.Data = cloneRaw(v)
	}
	if v, ok := fields["url"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &decoded.URL); err != nil {
			return fmt.Errorf("entry url: %w", err)
		}
	}
	if v, ok := fields["total"]; ok && !isNull(v) {
		total, err := decimalString(v)
		if err != nil {
			return fmt.Errorf("entry total: %w", err)
		}
		decoded.Total = total
	}
	if v, ok := fields["selected"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &decoded.Selected); err != nil {
			return fmt.Errorf("entry selected: %w", err)
		}
		decoded.selectedSent = true
	}
	decoded.Extra = extraFields(fields, entryKnownFields)
	*e = decoded
	return nil
}

// MarshalJSON encodes the entry in the server representation.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Extra)+5)
	for k, v := range e.Extra {
		out[k] = v
	}
	out["type"] = e.Type
	if len(e.Data) > 0 {
		out["data"] = e.Data
	}
	if e.URL != "" {
		out["url"] = e.URL
	}
	if e.Total != "" {
		out["total"] = e.Total
	}
	if e.selectedSent || e.Kind.Capabilities().Has(CapSelect) {
		out["selected"] = e.Selected
	}
	return json.Marshal(out)
}
