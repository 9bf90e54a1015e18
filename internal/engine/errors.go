package engine

import (
	"errors"

	"github.com/roach88/payrecon/internal/domain"
	"github.com/roach88/payrecon/internal/processor"
)

// ErrApplyContention is returned when the order changed under every apply
// attempt. The event stays unprocessed and the recovery sweep retries it.
var ErrApplyContention = errors.New("apply attempts exhausted under concurrent updates")

// IsMalformed reports whether err means the payload can never be processed.
// Uses errors.Is to handle wrapped errors.
func IsMalformed(err error) bool {
	return errors.Is(err, domain.ErrMalformedEvent)
}

// fetchFailure classifies a processor error into the code recorded on the
// event and whether the fetch may be retried. Errors that are not
// processor errors (e.g. a cancelled context) count as transient.
func fetchFailure(err error) (code string, retryable bool) {
	switch {
	case processor.IsNotFound(err):
		return domain.CodeNotFound, false
	case processor.IsUnauthorized(err):
		return domain.CodeUnauthorized, false
	default:
		return domain.CodeTransient, true
	}
}
