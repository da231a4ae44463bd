// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
)

// ConfigError indicates missing or invalid configuration (fatal at startup).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Reason)
}

// IntegrityError indicates a sealed key envelope failed authentication.
// Decryption fails closed: no partial key material is ever returned.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error: %s", e.Reason)
}

// RejectedTradeError is a non-retryable rejection from the quoting or
// submission path (invalid route, insufficient balance, bad parameters).
type RejectedTradeError struct {
	Reason string
}

func (e *RejectedTradeError) Error() string {
	return fmt.Sprintf("trade rejected: %s", e.Reason)
}

// TransientNetworkError wraps a failure that is worth retrying with backoff
// at the gateway boundary.
type TransientNetworkError struct {
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// StreamDisconnectedError indicates the event stream connection dropped.
// The stream supervisor reconnects and resubscribes; never fatal.
type StreamDisconnectedError struct {
	Err error
}

func (e *StreamDisconnectedError) Error() string {
	return fmt.Sprintf("stream disconnected: %v", e.Err)
}

func (e *StreamDisconnectedError) Unwrap() error { return e.Err }

// PartialAnalysisError indicates the metadata/safety lookup for a single
// token failed. The token is skipped; other candidates are unaffected.
type PartialAnalysisError struct {
	Mint string
	Err  error
}

func (e *PartialAnalysisError) Error() string {
	return fmt.Sprintf("analysis failed for %s: %v", e.Mint, e.Err)
}

func (e *PartialAnalysisError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried at the gateway boundary.
func IsTransient(err error) bool {
	var te *TransientNetworkError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a terminal trade rejection.
func IsRejected(err error) bool {
	var re *RejectedTradeError
	return errors.As(err, &re)
}
