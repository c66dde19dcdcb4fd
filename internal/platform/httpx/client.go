package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/hanko-field/cartsync/internal/platform/observability"
)

const (
	// CSRFHeader carries the anti-forgery token on every request.
	CSRFHeader = "X-CSRFToken"
	// IdempotencyHeader carries a fresh key on every POST.
	IdempotencyHeader = "Idempotency-Key"

	maxErrorBody = 1 << 20
)

// ClientDeps wires the collaborators used by Client.
type ClientDeps struct {
	// HTTPClient is copied; its transport is wrapped with tracing and logging.
	HTTPClient  *http.Client
	CSRFToken   string
	Logger      *zap.Logger
	IDGenerator func() string
}

// Client builds the JSON request envelope used for every call to the cart API.
type Client struct {
	http      *http.Client
	csrfToken string
	logger    *zap.Logger
	newID     func() string
}

// NewClient constructs a Client. Cookies are kept in a jar and redirects are only
// followed within the origin of the original request.
func NewClient(deps ClientDeps) *Client {
	base := &http.Client{}
	if deps.HTTPClient != nil {
		copied := *deps.HTTPClient
		base = &copied
	}
	if base.Jar == nil {
		jar, _ := cookiejar.New(nil)
		base.Jar = jar
	}
	logger := observability.OrNop(deps.Logger)
	base.Transport = observability.NewTransport(base.Transport, logger)
	base.CheckRedirect = sameOriginRedirects

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}

	return &Client{
		http:      base,
		csrfToken: strings.TrimSpace(deps.CSRFToken),
		logger:    logger,
		newID:     newID,
	}
}

// Send issues the request and returns the JSON response body. A successful response
// with an empty body yields nil.
func (c *Client) Send(ctx context.Context, method, target string, body any) (json.RawMessage, error) {
	payload, err := c.do(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: %s %s", ErrInvalidResponse, method, target)
	}
	return json.RawMessage(payload), nil
}

// SendText issues the request and returns the response body as text.
func (c *Client) SendText(ctx context.Context, method, target string, body any) (string, error) {
	payload, err := c.do(ctx, method, target, body)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func (c *Client) do(ctx context.Context, method, target string, body any) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	reader, err := encodeBody(body)
	if err != nil {
		return nil, fmt.Errorf("httpx: encode %s %s body: %w", method, target, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("httpx: build %s %s: %w", method, target, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.csrfToken != "" {
		req.Header.Set(CSRFHeader, c.csrfToken)
	}
	if method == http.MethodPost {
		req.Header.Set(IdempotencyHeader, c.newID())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if readErr != nil {
			return nil, &NetworkError{Method: method, URL: target, Err: readErr}
		}
		return nil, newAPIError(method, target, resp.StatusCode, http.StatusText(resp.StatusCode), raw)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Method: method, URL: target, Err: err}
	}
	return raw, nil
}

func encodeBody(body any) (io.Reader, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return bytes.NewReader(v), nil
	case []byte:
		return bytes.NewReader(v), nil
	case string:
		return strings.NewReader(v), nil
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(encoded), nil
	}
}

func sameOriginRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return fmt.Errorf("httpx: stopped after %d redirects", len(via))
	}
	if len(via) == 0 {
		return nil
	}
	if !sameOrigin(via[0].URL, req.URL) {
		return fmt.Errorf("%w: %s", ErrCrossOriginRedirect, req.URL.Redacted())
	}
	return nil
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
