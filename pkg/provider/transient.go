// Package provider holds what the STT, LLM and TTS provider packages share:
// the classification of failures into transient and permanent ones.
package provider

import (
	"context"
	"errors"
	"io"
	"net"
)

type transientError struct{ err error }

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient flags err as a transport-level failure that is safe to retry,
// such as a 5xx response from an inference server. A nil err stays nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is a transport or timeout failure: an error
// marked with [MarkTransient], a network error, an expired deadline or a
// connection that closed mid-response. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
