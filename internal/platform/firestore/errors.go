package firestore

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error annotates a Firestore failure with the operation and its classification.
type Error struct {
	Op          string
	Err         error
	NotFound    bool
	Unavailable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("firestore: %s: %v", e.Op, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WrapError classifies err by its gRPC status. Context cancellations pass through untouched.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	e := &Error{Op: op, Err: err}
	switch status.Code(err) {
	case codes.NotFound:
		e.NotFound = true
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal:
		e.Unavailable = true
	}
	return e
}

// IsNotFound reports whether err describes a missing document.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.NotFound
	}
	return status.Code(err) == codes.NotFound
}
