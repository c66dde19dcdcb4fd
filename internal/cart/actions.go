package cart

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/hanko-field/cartsync/internal/domain"
)

type addRequest struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type emailRequest struct {
	Email *string `json:"email"`
}

// AddItem creates a line item of the given server-side type.
func (c *Client) AddItem(ctx context.Context, typ string, data any) (json.RawMessage, error) {
	return c.add(ctx, func(u domain.ResourceURLs) string { return u.NewItem }, typ, data)
}

// AddAddress creates a delivery address.
func (c *Client) AddAddress(ctx context.Context, typ string, data any) (json.RawMessage, error) {
	return c.add(ctx, func(u domain.ResourceURLs) string { return u.NewAddress }, typ, data)
}

// AddPaymentMethod creates a payment method.
func (c *Client) AddPaymentMethod(ctx context.Context, typ string, data any) (json.RawMessage, error) {
	return c.add(ctx, func(u domain.ResourceURLs) string { return u.NewPaymentMethod }, typ, data)
}

// AddAdjustment applies an adjustment such as a discount code.
func (c *Client) AddAdjustment(ctx context.Context, typ string, data any) (json.RawMessage, error) {
	return c.add(ctx, func(u domain.ResourceURLs) string { return u.NewAdjustment }, typ, data)
}

// SetEmail sets the cart email; nil clears it.
func (c *Client) SetEmail(ctx context.Context, email *string) (json.RawMessage, error) {
	return c.mutate(ctx, http.MethodPatch, c.endpoint, emailRequest{Email: email})
}

// Checkout finalises the cart.
func (c *Client) Checkout(ctx context.Context) (json.RawMessage, error) {
	url, err := c.urlFor(func(u domain.ResourceURLs) string { return u.Checkout })
	if err != nil {
		c.refetchInBackground()
		return nil, err
	}
	return c.mutate(ctx, http.MethodPost, url, nil)
}

func (c *Client) add(ctx context.Context, pick func(domain.ResourceURLs) string, typ string, data any) (json.RawMessage, error) {
	url, err := c.urlFor(pick)
	if err != nil {
		c.refetchInBackground()
		return nil, err
	}
	return c.mutate(ctx, http.MethodPost, url, addRequest{Type: typ, Data: data})
}

func (c *Client) urlFor(pick func(domain.ResourceURLs) string) (string, error) {
	current := c.Cart()
	if current == nil {
		return "", ErrNoCart
	}
	url := pick(current.snapshot.URLs)
	if url == "" {
		return "", ErrMissingURL
	}
	return url, nil
}

// mutate sends the request and then refetches in the background whatever the outcome.
// The response is returned as is and never adopted.
func (c *Client) mutate(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	defer c.refetchInBackground()
	if url == "" {
		return nil, ErrMissingURL
	}
	return c.http.Send(c.decorate(orBackground(ctx)), method, url, body)
}

func (c *Client) mutateText(ctx context.Context, method, url string, body any) (string, error) {
	defer c.refetchInBackground()
	if url == "" {
		return "", ErrMissingURL
	}
	return c.http.SendText(c.decorate(orBackground(ctx)), method, url, body)
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
