package publish

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a publish failure for the retry policy.
type Kind string

const (
	KindNone      Kind = ""
	KindTransient Kind = "transient"
	KindPermanent Kind = "permanent"
)

var (
	ErrUnknownProvider = errors.New("unknown publish provider")
	ErrNoCredentials   = errors.New("missing credentials")
)

// Error is a classified publish failure.
type Error struct {
	Kind       Kind
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %v", e.Kind, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as retryable (network failures, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as non-retryable (bad credentials, malformed payload).
//
// Example:
//
//	return publish.Receipt{}, publish.Permanent(fmt.Errorf("text too long: %d", n))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// RetryAfter marks err as transient with a suggested delay before the next
// attempt, e.g. from an HTTP 429 Retry-After header.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &Error{Kind: KindTransient, Err: err, RetryAfter: after}
}

// KindOf returns the classification of err.
//
// nil is KindNone. context.Canceled is permanent since the owner gave up on the
// work. Anything unclassified is transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) (time.Duration, bool) {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == KindTransient && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}
