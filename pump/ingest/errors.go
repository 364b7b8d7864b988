package ingest

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies an ingestion API failure so that callers can apply
// the correct retry policy.
type ErrorKind int

const (
	// KindNetwork is a transient failure: no response, a timeout, or a
	// 5xx status. Callers should retry with backoff.
	KindNetwork ErrorKind = iota
	// KindAuth is a permanent failure: a rejected token or certificate,
	// or any 4xx other than rate limiting. Callers must not retry.
	KindAuth
	// KindRateLimited is a 429. Callers should retry with backoff.
	KindRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate-limited"
	}
	return "unknown"
}

// Error is a classified ingestion API failure
type Error struct {
	Kind   ErrorKind
	Status int
	cause  error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("ingestion %s error (status %d): %v", e.Kind, e.Status, e.cause)
	}
	return fmt.Sprintf("ingestion %s error: %v", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// IsRetryable returns true for failures that may succeed on a later
// attempt
func (e *Error) IsRetryable() bool {
	return e.Kind == KindNetwork || e.Kind == KindRateLimited
}

// classify wraps a core client outcome into an Error. A status of 0 means
// no response was received at all.
func classify(status int, err error) *Error {
	kind := KindNetwork
	switch {
	case status == http.StatusTooManyRequests:
		kind = KindRateLimited
	case status >= 400 && status < 500:
		kind = KindAuth
	}
	return &Error{Kind: kind, Status: status, cause: err}
}
