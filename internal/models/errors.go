package models

import "errors"

// Error taxonomy surfaced by the pipeline. TransportFailure is retryable;
// AlreadyTerminal is an idempotent no-op rather than a caller-visible error.
var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownCategory  = errors.New("unknown category")
	ErrNotFound         = errors.New("not found")
	ErrNotCancellable   = errors.New("not cancellable")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrTransportFailure = errors.New("transport failure")
	ErrAlreadyTerminal  = errors.New("already terminal")
)
