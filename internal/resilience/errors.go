// Package resilience wraps calls to remote services with error
// classification, exponential-backoff retries and circuit breaking.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Kind groups errors by how the caller should react to them.
type Kind string

const (
	KindAuth       Kind = "auth"
	KindRateLimit  Kind = "rate_limit"
	KindAccess     Kind = "access"
	KindUpstream   Kind = "upstream"
	KindNetwork    Kind = "network"
	KindValidation Kind = "validation"
	KindStorage    Kind = "storage"
	KindUnknown    Kind = "unknown"
)

// Error is an error tagged with its Kind at the boundary where it was observed.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	Retryable  bool
	StatusCode int
	// RetryAfter is the upstream's hint for rate-limit errors, zero if unknown
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// defaultRetryable says whether a kind is retried when the producer did not
// decide otherwise.
func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindAuth, KindAccess, KindValidation:
		return false
	default:
		return true
	}
}

// Wrap tags err with kind. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err, Retryable: defaultRetryable(kind)}
}

// NewError builds an Error from a message.
func NewError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...), Retryable: defaultRetryable(kind)}
}

// Classify reports the kind of err and whether it is worth retrying.
func Classify(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}

	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind, rerr.Retryable
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindUnknown, false
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrTooManyRequests):
		return KindUpstream, false
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork, true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return KindNetwork, true
	}

	return KindUnknown, true
}

// KindOf returns just the kind of err.
func KindOf(err error) Kind {
	kind, _ := Classify(err)
	return kind
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfter returns the rate-limit hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.RetryAfter
	}
	return 0
}
