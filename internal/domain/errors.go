package domain

import "errors"

var (
	ErrMalformedEvent   = errors.New("malformed event")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderExists      = errors.New("order already exists")
	ErrEventNotFound    = errors.New("event not found")
	ErrEventProcessed   = errors.New("event already processed")
	ErrConcurrentUpdate = errors.New("order modified concurrently")
	ErrDuplicateApplied = errors.New("dedup key already applied")
)
