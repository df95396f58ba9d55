package domain

import (
	"context"
	"errors"
)

// Error kinds used across the system. Callers classify with errors.Is;
// constructors wrap these with context via fmt.Errorf("%w: ...").
var (
	// ErrNotFound - a bar, agent, run or session that does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable - the primary store cannot be reached or is missing
	// a table. Read paths fall back to the journal on this kind.
	ErrUnavailable = errors.New("store unavailable")
	// ErrRateLimited - a vendor throttled us. Retried with backoff.
	ErrRateLimited = errors.New("rate limited")
	// ErrValidation - a malformed request or trade action. Never fatal to
	// a session; surfaced to the model as a tool error.
	ErrValidation = errors.New("validation failed")
	// ErrCancelled - the run was cancelled. Orderly exit.
	ErrCancelled = errors.New("cancelled")
	// ErrFatal - unrecoverable for the current run: a broken ledger
	// invariant or a dual-write failure on both stores.
	ErrFatal = errors.New("fatal")
)

// Kind names an error class for logging and HTTP status mapping.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindUnavailable Kind = "unavailable"
	KindRateLimited Kind = "rate_limited"
	KindValidation  Kind = "validation"
	KindCancelled   Kind = "cancelled"
	KindFatal       Kind = "fatal"
	KindUnknown     Kind = "unknown"
)

// KindOf classifies err into one of the error kinds.
// context.Canceled and DeadlineExceeded count as cancellation.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUnavailable):
		return KindUnavailable
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	case errors.Is(err, ErrFatal):
		return KindFatal
	}
	return KindUnknown
}
