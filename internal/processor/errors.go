package processor

import (
	"errors"
	"fmt"
)

// Kind classifies a processor failure. The engine decides retry vs terminal
// from the kind alone.
type Kind int

const (
	// KindTransient covers timeouts, network errors, 408/429/5xx and
	// undecodable responses. Retried with backoff.
	KindTransient Kind = iota
	// KindNotFound covers 404 and other client errors. Never retried.
	KindNotFound
	// KindUnauthorized covers 401/403. Never retried.
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by every Client method that fails.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("processor %s: %s (http %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("processor %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a processor error, and false if err is not one.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return 0, false
}

// IsTransient reports whether err is a processor error worth retrying.
func IsTransient(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindTransient
}

// IsNotFound reports whether the processor does not know the payment.
func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

// IsUnauthorized reports whether the processor rejected the credential.
func IsUnauthorized(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindUnauthorized
}

func kindForStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindUnauthorized
	case code == 408 || code == 429 || code >= 500:
		return KindTransient
	default:
		return KindNotFound
	}
}
