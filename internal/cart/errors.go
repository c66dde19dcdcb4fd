package cart

import "errors"

var (
	// ErrNoCart is returned by operations that need a server-provided URL before any
	// snapshot has been adopted.
	ErrNoCart = errors.New("cart: no cart loaded")
	// ErrMissingURL is returned when the snapshot does not carry the URL an operation needs.
	ErrMissingURL = errors.New("cart: snapshot has no url for this action")
	// ErrUnsupportedAction is returned when an entry's kind does not allow the action.
	ErrUnsupportedAction = errors.New("cart: action not supported for this entry")
	// ErrMalformedPersistedState marks a shared slot value that could not be decoded. It
	// is logged and the value is treated as absent.
	ErrMalformedPersistedState = errors.New("cart: malformed persisted state")
)
