// Package carttest provides an in-memory cart API for exercising clients end to end.
package carttest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/cartsync/internal/platform/httpx"
	"github.com/hanko-field/cartsync/internal/platform/observability"
)

// BasePath is where the cart resource is mounted.
const BasePath = "/_cart/"

type record struct {
	ID       int
	Type     string
	Data     map[string]any
	Selected bool
}

// Server is a fake cart API. Every successful mutation bumps updated_at by one.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	updatedAt float64
	nextID    int
	lists     map[listKind]map[int]*record
	email     *string
	failNext  int
	requests  map[string]int
	orders    int
	block     chan struct{}
}

type listKind string

const (
	listItems       listKind = "items"
	listAddresses   listKind = "delivery_addresses"
	listPayments    listKind = "payment_methods"
	listAdjustments listKind = "adjustments"
)

// NewServer starts a server whose cart is stamped updatedAt.
func NewServer(updatedAt float64) *Server {
	s := &Server{
		updatedAt: updatedAt,
		lists: map[listKind]map[int]*record{
			listItems:       {},
			listAddresses:   {},
			listPayments:    {},
			listAdjustments: {},
		},
		requests: make(map[string]int),
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observability.TraceMiddleware(""))
	r.Use(s.count)
	r.Use(s.failures)
	r.Route("/_cart", func(r chi.Router) {
		r.Get("/", s.getCart)
		r.Patch("/", s.patchCart)
		r.Post("/new/", s.create(listItems))
		r.Patch("/{id}/", s.patchItem)
		r.Delete("/{id}/", s.remove(listItems))
		r.Post("/new-address/", s.create(listAddresses))
		r.Patch("/address/{id}/", s.selectEntry(listAddresses))
		r.Delete("/address/{id}/", s.remove(listAddresses))
		r.Post("/new-payment-method/", s.create(listPayments))
		r.Patch("/payment-method/{id}/", s.selectEntry(listPayments))
		r.Delete("/payment-method/{id}/", s.remove(listPayments))
		r.Post("/new-adjustment/", s.create(listAdjustments))
		r.Delete("/adjustment/{id}/", s.remove(listAdjustments))
		r.Post("/checkout/", s.checkout)
	})
	s.Server = httptest.NewServer(r)
	return s
}

// Endpoint returns the absolute cart URL.
func (s *Server) Endpoint() string { return s.URL + BasePath }

// Requests returns how many requests were made with method to path.
func (s *Server) Requests(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[method+" "+path]
}

// Gets returns how many times the cart itself was fetched.
func (s *Server) Gets() int { return s.Requests(http.MethodGet, BasePath) }

// FailNext makes the next n mutating requests fail with a 500 envelope.
func (s *Server) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

// HoldGets blocks cart fetches until the returned function is called.
func (s *Server) HoldGets() (release func()) {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.block = nil
			s.mu.Unlock()
			close(ch)
		})
	}
}

// SetUpdatedAt overrides the cart timestamp.
func (s *Server) SetUpdatedAt(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = v
}

// Snapshot returns the encoded cart as the server currently sees it.
func (s *Server) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, _ := json.Marshal(s.snapshotLocked())
	return raw
}

func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		block := s.block
		s.mu.Unlock()
		if block != nil && r.Method == http.MethodGet {
			select {
			case <-block:
			case <-r.Context().Done():
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) failures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			s.mu.Lock()
			fail := s.failNext > 0
			if fail {
				s.failNext--
			}
			s.mu.Unlock()
			if fail {
				httpx.WriteError(r.Context(), w, httpx.NewError("unavailable", "injected failure", http.StatusInternalServerError))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	payload := s.snapshotLocked()
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (s *Server) patchCart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email *string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_body", err.Error(), http.StatusBadRequest))
		return
	}
	s.mu.Lock()
	s.email = body.Email
	s.updatedAt++
	payload := s.snapshotLocked()
	s.mu.Unlock()
	httpx.WriteJSON(w, http.StatusOK, payload)
}

func (s *Server) create(kind listKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Type == "" {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_body", "type and data are required", http.StatusBadRequest))
			return
		}
		s.mu.Lock()
		s.nextID++
		rec := &record{ID: s.nextID, Type: body.Type, Data: body.Data}
		s.lists[kind][rec.ID] = rec
		s.updatedAt++
		payload := s.entryLocked(kind, rec)
		s.mu.Unlock()
		httpx.WriteJSON(w, http.StatusCreated, payload)
	}
}

func (s *Server) patchItem(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_body", err.Error(), http.StatusBadRequest))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lookupLocked(listItems, r)
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("not_found", "no such item", http.StatusNotFound))
		return
	}
	if rec.Data == nil {
		rec.Data = make(map[string]any)
	}
	for k, v := range partial {
		rec.Data[k] = v
	}
	s.updatedAt++
	httpx.WriteJSON(w, http.StatusOK, s.entryLocked(listItems, rec))
}

func (s *Server) selectEntry(kind listKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Selected bool `json:"selected"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || !body.Selected {
			httpx.WriteError(r.Context(), w, httpx.NewError("invalid_body", "selected must be true", http.StatusBadRequest))
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookupLocked(kind, r)
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("not_found", "no such entry", http.StatusNotFound))
			return
		}
		for _, other := range s.lists[kind] {
			other.Selected = false
		}
		rec.Selected = true
		s.updatedAt++
		httpx.WriteJSON(w, http.StatusOK, s.entryLocked(kind, rec))
	}
}

func (s *Server) remove(kind listKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		rec, ok := s.lookupLocked(kind, r)
		if !ok {
			httpx.WriteError(r.Context(), w, httpx.NewError("not_found", "no such entry", http.StatusNotFound))
			return
		}
		delete(s.lists[kind], rec.ID)
		s.updatedAt++
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reasons := s.incompleteLocked(); len(reasons) > 0 {
		httpx.WriteError(r.Context(), w, httpx.NewError("incomplete", "cart is not ready for checkout", http.StatusUnprocessableEntity).
			WithDetails(map[string]any{"reasons": reasons}))
		return
	}
	s.orders++
	s.lists[listItems] = make(map[int]*record)
	s.lists[listAdjustments] = make(map[int]*record)
	s.updatedAt++
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"id":  s.orders,
		"url": fmt.Sprintf("/orders/%d/", s.orders),
	})
}

func (s *Server) lookupLocked(kind listKind, r *http.Request) (*record, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return nil, false
	}
	rec, ok := s.lists[kind][id]
	return rec, ok
}

func (s *Server) incompleteLocked() []map[string]string {
	var reasons []map[string]string
	if len(s.lists[listItems]) == 0 {
		reasons = append(reasons, map[string]string{"code": "not_ready", "field": "items", "message": "There are no items in the cart."})
	}
	if !anySelected(s.lists[listAddresses]) {
		reasons = append(reasons, map[string]string{"code": "required", "field": "delivery_addresses", "message": "A delivery address is required."})
	}
	if !anySelected(s.lists[listPayments]) {
		reasons = append(reasons, map[string]string{"code": "required", "field": "payment_methods", "message": "A payment method is required."})
	}
	return reasons
}

func anySelected(list map[int]*record) bool {
	for _, rec := range list {
		if rec.Selected {
			return true
		}
	}
	return false
}

func (s *Server) snapshotLocked() map[string]any {
	total := 0.0
	for _, rec := range sortedRecords(s.lists[listItems]) {
		total += lineTotal(rec)
	}
	reasons := s.incompleteLocked()
	payload := map[string]any{
		"updated_at":             s.updatedAt,
		"generated_at":           s.updatedAt,
		"items":                  s.entriesLocked(listItems),
		"delivery_addresses":     s.entriesLocked(listAddresses),
		"payment_methods":        s.entriesLocked(listPayments),
		"adjustments":            s.entriesLocked(listAdjustments),
		"new_item_url":           BasePath + "new/",
		"new_address_url":        BasePath + "new-address/",
		"new_payment_method_url": BasePath + "new-payment-method/",
		"new_adjustment_url":     BasePath + "new-adjustment/",
		"checkout_url":           BasePath + "checkout/",
		"grand_total":            strconv.FormatFloat(total, 'f', 2, 64),
		"is_complete":            len(reasons) == 0,
		"incomplete_reasons":     reasons,
		"is_authenticated":       false,
		"email":                  s.email,
	}
	if reasons == nil {
		payload["incomplete_reasons"] = []any{}
	}
	return absoluteURLs(payload, s.URL)
}

func (s *Server) entriesLocked(kind listKind) []map[string]any {
	list := s.lists[kind]
	out := make([]map[string]any, 0, len(list))
	for _, rec := range sortedRecords(list) {
		out = append(out, s.entryLocked(kind, rec))
	}
	return out
}

func (s *Server) entryLocked(kind listKind, rec *record) map[string]any {
	entry := map[string]any{
		"type": rec.Type,
		"data": rec.Data,
		"url":  s.URL + entryPath(kind, rec.ID),
	}
	switch kind {
	case listItems:
		entry["total"] = strconv.FormatFloat(lineTotal(rec), 'f', 2, 64)
	case listAddresses, listPayments:
		entry["selected"] = rec.Selected
	}
	return entry
}

func entryPath(kind listKind, id int) string {
	switch kind {
	case listAddresses:
		return fmt.Sprintf("%saddress/%d/", BasePath, id)
	case listPayments:
		return fmt.Sprintf("%spayment-method/%d/", BasePath, id)
	case listAdjustments:
		return fmt.Sprintf("%sadjustment/%d/", BasePath, id)
	default:
		return fmt.Sprintf("%s%d/", BasePath, id)
	}
}

func sortedRecords(list map[int]*record) []*record {
	out := make([]*record, 0, len(list))
	for _, rec := range list {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func lineTotal(rec *record) float64 {
	price, _ := rec.Data["price"].(float64)
	quantity, ok := rec.Data["quantity"].(float64)
	if !ok {
		quantity = 1
	}
	return price * quantity
}

func absoluteURLs(payload map[string]any, base string) map[string]any {
	for _, key := range []string{"new_item_url", "new_address_url", "new_payment_method_url", "new_adjustment_url", "checkout_url"} {
		payload[key] = base + payload[key].(string)
	}
	return payload
}
