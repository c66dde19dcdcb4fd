package cart

import (
	"go.uber.org/zap"
)

// Listener receives every cart the client adopts.
type Listener func(*Cart)

// ListenerID identifies a registration for RemoveListener.
type ListenerID uint64

type registration struct {
	id ListenerID
	fn Listener
}

// AddListener registers fn. Listeners run on the client's notification goroutine, never
// inside the call that adopted the cart, in registration order.
func (c *Client) AddListener(fn Listener) ListenerID {
	if fn == nil {
		return 0
	}
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.listeners = append(c.listeners, registration{id: id, fn: fn})
	return id
}

// RemoveListener unregisters id. Notifications already queued skip it. It reports
// whether the listener was registered.
func (c *Client) RemoveListener(id ListenerID) bool {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for i, reg := range c.listeners {
		if reg.id == id {
			c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Client) registered(id ListenerID) bool {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	for _, reg := range c.listeners {
		if reg.id == id {
			return true
		}
	}
	return false
}

// enqueueNotify schedules one task delivering view to the listeners registered now.
func (c *Client) enqueueNotify(view *Cart) {
	c.listenersMu.Lock()
	targets := append([]registration(nil), c.listeners...)
	c.listenersMu.Unlock()
	if len(targets) == 0 {
		return
	}
	_ = c.queue.Push(func() {
		c.delivering.Store(true)
		defer c.delivering.Store(false)
		for _, reg := range targets {
			if !c.registered(reg.id) {
				continue
			}
			c.callListener(reg, view)
		}
	})
}

func (c *Client) callListener(reg registration, view *Cart) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cart: listener panicked", zap.Uint64("listener", uint64(reg.id)), zap.Any("panic", r))
		}
	}()
	reg.fn(view)
}
