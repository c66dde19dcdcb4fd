package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidSnapshot is returned when a payload cannot be decoded into a snapshot.
var ErrInvalidSnapshot = errors.New("domain: invalid cart snapshot")

// ResourceURLs lists the server-provided action endpoints embedded in a snapshot.
// They are round-tripped verbatim and never built on the client.
type ResourceURLs struct {
	NewItem          string
	NewAddress       string
	NewPaymentMethod string
	NewAdjustment    string
	Checkout         string
}

// Snapshot is a complete cart state at one server-assigned timestamp. A snapshot is
// never modified after it has been adopted; a change always arrives as a new snapshot.
type Snapshot struct {
	// UpdatedAt is the server timestamp in seconds since the epoch and the only ordering key.
	UpdatedAt         float64
	Items             []Entry
	DeliveryAddresses []Entry
	PaymentMethods    []Entry
	Adjustments       []Entry
	URLs              ResourceURLs

	GrandTotal        string
	GeneratedAt       float64
	IsComplete        bool
	IncompleteReasons json.RawMessage
	IsAuthenticated   bool
	Email             *string

	Extra map[string]json.RawMessage
}

// UpdatedTime converts UpdatedAt to a time value.
func (s *Snapshot) UpdatedTime() time.Time {
	if s == nil {
		return time.Time{}
	}
	sec, frac := math.Modf(s.UpdatedAt)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

// NewerThan reports whether s is strictly newer than other. Any snapshot is newer than nil.
func (s *Snapshot) NewerThan(other *Snapshot) bool {
	if s == nil {
		return false
	}
	if other == nil {
		return true
	}
	return s.UpdatedAt > other.UpdatedAt
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Items = cloneEntries(s.Items)
	out.DeliveryAddresses = cloneEntries(s.DeliveryAddresses)
	out.PaymentMethods = cloneEntries(s.PaymentMethods)
	out.Adjustments = cloneEntries(s.Adjustments)
	out.IncompleteReasons = cloneRaw(s.IncompleteReasons)
	if s.Email != nil {
		email := *s.Email
		out.Email = &email
	}
	out.Extra = cloneRawMap(s.Extra)
	return &out
}

// DecodeSnapshot parses a snapshot as served by the cart endpoint or as stored in the
// shared slot.
func DecodeSnapshot(raw []byte) (*Snapshot, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || isNull(raw) {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidSnapshot)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return &snap, nil
}

// Encode serialises the snapshot for the shared slot.
func (s *Snapshot) Encode() ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrInvalidSnapshot)
	}
	return json.Marshal(s)
}

var snapshotKnownFields = map[string]struct{}{
	"updated_at":             {},
	"items":                  {},
	"delivery_addresses":     {},
	"payment_methods":        {},
	"adjustments":            {},
	"new_item_url":           {},
	"new_address_url":        {},
	"new_payment_method_url": {},
	"new_adjustment_url":     {},
	"checkout_url":           {},
	"grand_total":            {},
	"generated_at":           {},
	"is_complete":            {},
	"incomplete_reasons":     {},
	"is_authenticated":       {},
	"email":                  {},
}

type snapshotWire struct {
	UpdatedAt           *float64        `json:"updated_at"`
	Items               []Entry         `json:"items"`
	DeliveryAddresses   []Entry         `json:"delivery_addresses"`
	PaymentMethods      []Entry         `json:"payment_methods"`
	Adjustments         []Entry         `json:"adjustments"`
	NewItemURL          string          `json:"new_item_url"`
	NewAddressURL       string          `json:"new_address_url"`
	NewPaymentMethodURL string          `json:"new_payment_method_url"`
	NewAdjustmentURL    string          `json:"new_adjustment_url"`
	CheckoutURL         string          `json:"checkout_url"`
	GrandTotal          json.RawMessage `json:"grand_total"`
	GeneratedAt         float64         `json:"generated_at"`
	IsComplete          bool            `json:"is_complete"`
	IncompleteReasons   json.RawMessage `json:"incomplete_reasons"`
	IsAuthenticated     bool            `json:"is_authenticated"`
	Email               *string         `json:"email"`
}

// UnmarshalJSON decodes the snapshot and tags each entry with the kind of its list.
func (s *Snapshot) UnmarshalJSON(raw []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return err
	}
	var wire snapshotWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	if wire.UpdatedAt == nil {
		return errors.New("updated_at is required")
	}

	out := Snapshot{
		UpdatedAt:         *wire.UpdatedAt,
		Items:             tagEntries(wire.Items, KindItem),
		DeliveryAddresses: tagEntries(wire.DeliveryAddresses, KindAddress),
		PaymentMethods:    tagEntries(wire.PaymentMethods, KindPaymentMethod),
		Adjustments:       tagEntries(wire.Adjustments, KindAdjustment),
		URLs: ResourceURLs{
			NewItem:          wire.NewItemURL,
			NewAddress:       wire.NewAddressURL,
			NewPaymentMethod: wire.NewPaymentMethodURL,
			NewAdjustment:    wire.NewAdjustmentURL,
			Checkout:         wire.CheckoutURL,
		},
		GeneratedAt:     wire.GeneratedAt,
		IsComplete:      wire.IsComplete,
		IsAuthenticated: wire.IsAuthenticated,
		Email:           wire.Email,
	}
	if len(wire.GrandTotal) > 0 && !isNull(wire.GrandTotal) {
		total, err := decimalString(wire.GrandTotal)
		if err != nil {
			return fmt.Errorf("grand_total: %w", err)
		}
		out.GrandTotal = total
	}
	if len(wire.IncompleteReasons) > 0 && !isNull(wire.IncompleteReasons) {
		out.IncompleteReasons = cloneRaw(wire.IncompleteReasons)
	}
	out.Extra = extraFields(fields, snapshotKnownFields)
	*s = out
	return nil
}

// MarshalJSON encodes the snapshot in the server representation.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(s.Extra)+len(snapshotKnownFields))
	for k, v := range s.Extra {
		out[k] = v
	}
	out["updated_at"] = s.UpdatedAt
	out["items"] = nonNilEntries(s.Items)
	out["delivery_addresses"] = nonNilEntries(s.DeliveryAddresses)
	out["payment_methods"] = nonNilEntries(s.PaymentMethods)
	out["adjustments"] = nonNilEntries(s.Adjustments)
	out["new_item_url"] = s.URLs.NewItem
	out["new_address_url"] = s.URLs.NewAddress
	out["new_payment_method_url"] = s.URLs.NewPaymentMethod
	out["new_adjustment_url"] = s.URLs.NewAdjustment
	out["checkout_url"] = s.URLs.Checkout
	if s.GrandTotal != "" {
		out["grand_total"] = s.GrandTotal
	}
	if s.GeneratedAt != 0 {
		out["generated_at"] = s.GeneratedAt
	}
	out["is_complete"] = s.IsComplete
	if len(s.IncompleteReasons) > 0 {
		out["incomplete_reasons"] = s.IncompleteReasons
	}
	out["is_authenticated"] = s.IsAuthenticated
	out["email"] = s.Email
	return json.Marshal(out)
}

func tagEntries(entries []Entry, kind EntryKind) []Entry {
	out := make([]Entry, len(entries))
	for i, entry := range entries {
		entry.Kind = kind
		out[i] = entry
	}
	return out
}

func nonNilEntries(entries []Entry) []Entry {
	if entries == nil {
		return []Entry{}
	}
	return entries
}

func cloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, entry := range entries {
		out[i] = entry.Clone()
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneRawMap(values map[string]json.RawMessage) map[string]json.RawMessage {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		out[k] = cloneRaw(v)
	}
	return out
}

func extraFields(fields map[string]json.RawMessage, known map[string]struct{}) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range fields {
		if _, ok := known[k]; ok {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = cloneRaw(v)
	}
	return extra
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decimalString accepts money values serialised either as JSON strings or numbers.
func decimalString(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var number json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&number); err != nil {
		return "", err
	}
	return number.String(), nil
}
