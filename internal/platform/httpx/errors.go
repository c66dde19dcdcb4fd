package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrCrossOriginRedirect is returned when the server redirects a request to another origin.
	ErrCrossOriginRedirect = errors.New("httpx: refusing cross-origin redirect")
	// ErrInvalidResponse marks a successful response whose body is not valid JSON.
	ErrInvalidResponse = errors.New("httpx: invalid JSON response")
)

// NetworkError reports a transport failure where no response was obtained.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("httpx: %s %s: network error: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// APIError reports a non-2xx response. Data holds the parsed JSON body when it could be
// decoded; otherwise DecodeErr explains why and Body keeps the raw text.
type APIError struct {
	Method     string
	URL        string
	Status     int
	StatusText string
	Body       string
	Data       json.RawMessage
	DecodeErr  error

	// Populated from the canonical error envelope when the body carries one.
	Code      string
	Message   string
	RequestID string
	TraceID   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "httpx: %s %s: %d %s", e.Method, e.URL, e.Status, e.StatusText)
	switch {
	case e.Code != "" && e.Message != "":
		fmt.Fprintf(&b, " (%s: %s)", e.Code, e.Message)
	case e.Code != "":
		fmt.Fprintf(&b, " (%s)", e.Code)
	case e.Message != "":
		fmt.Fprintf(&b, " (%s)", e.Message)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.DecodeErr
}

// IsNetworkError reports whether err is, or wraps, a NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// AsAPIError extracts an APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

type errorEnvelope struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	TraceID   string `json:"trace_id"`
}

func newAPIError(method, target string, status int, statusText string, body []byte) *APIError {
	apiErr := &APIError{
		Method:     method,
		URL:        target,
		Status:     status,
		StatusText: statusText,
		Body:       string(body),
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		apiErr.DecodeErr = err
		return apiErr
	}
	apiErr.Data = json.RawMessage(append([]byte(nil), body...))

	var envelope errorEnvelope
	if _, ok := parsed.(map[string]any); ok && json.Unmarshal(body, &envelope) == nil {
		apiErr.Code = envelope.Error
		apiErr.Message = envelope.Message
		apiErr.RequestID = envelope.RequestID
		apiErr.TraceID = envelope.TraceID
	}
	return apiErr
}
