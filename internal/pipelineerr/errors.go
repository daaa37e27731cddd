// Package pipelineerr holds the tagged error taxonomy shared by every
// vendor adapter, RetryOrchestrator, and LoadBalancingProvider, plus the
// single Classify function that maps an HTTP response/transport error onto
// it. No vendor package should invent its own status-code interpretation.
package pipelineerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Cancelled means the caller's context was cancelled. Never retried.
type Cancelled struct {
	Cause error
}

func (e *Cancelled) Error() string { return "cancelled" }
func (e *Cancelled) Unwrap() error { return e.Cause }

// BadRequest is a 400. Never retried.
type BadRequest struct {
	Status  int
	Message string
	Cause   error
}

func (e *BadRequest) Error() string {
	return fmt.Sprintf("bad request (status %d): %s", e.Status, e.Message)
}
func (e *BadRequest) Unwrap() error { return e.Cause }

// NotFound is a 404. Never retried.
type NotFound struct {
	Status  int
	Message string
	Cause   error
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("not found (status %d): %s", e.Status, e.Message)
}
func (e *NotFound) Unwrap() error { return e.Cause }

// RateLimited is a 429 or vendor-reported overload. Retried with backoff;
// may trigger bucket failover after consecutive occurrences.
type RateLimited struct {
	Status     int
	RetryAfter time.Duration // zero means "not specified by the server"
	Message    string
	Cause      error
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited (status %d): %s", e.Status, e.Message)
}
func (e *RateLimited) Unwrap() error { return e.Cause }

// PaymentRequired is a 402. Triggers bucket failover.
type PaymentRequired struct {
	Status  int
	Message string
	Cause   error
}

func (e *PaymentRequired) Error() string {
	return fmt.Sprintf("payment required (status %d): %s", e.Status, e.Message)
}
func (e *PaymentRequired) Unwrap() error { return e.Cause }

// Unauthorized is a 401 or 403. Gets one auth-refresh retry, then failover.
type Unauthorized struct {
	Status  int
	Message string
	Cause   error
}

func (e *Unauthorized) Error() string {
	return fmt.Sprintf("unauthorized (status %d): %s", e.Status, e.Message)
}
func (e *Unauthorized) Unwrap() error { return e.Cause }

// ServerError is a 5xx. Retried.
type ServerError struct {
	Status  int
	Message string
	Cause   error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error (status %d): %s", e.Status, e.Message)
}
func (e *ServerError) Unwrap() error { return e.Cause }

// NetworkTransient wraps a transport-level failure (connection reset,
// dial timeout, ...). Retried. Classify does not use it for unresolvable-DNS
// errors; those become a ProviderError, which is not retried.
type NetworkTransient struct {
	Cause error
}

func (e *NetworkTransient) Error() string { return fmt.Sprintf("network error: %v", e.Cause) }
func (e *NetworkTransient) Unwrap() error { return e.Cause }

// StreamTimeout fires when no bytes arrived before the first-chunk
// deadline. Retried; triggers failover in the load-balance path.
type StreamTimeout struct {
	Elapsed time.Duration
}

func (e *StreamTimeout) Error() string {
	return fmt.Sprintf("stream timed out waiting for first chunk after %s", e.Elapsed)
}

// AllBucketsExhausted is terminal: every credential bucket has failed and
// none remain to fail over to.
type AllBucketsExhausted struct {
	Buckets   int
	LastError error
}

func (e *AllBucketsExhausted) Error() string {
	return fmt.Sprintf("all %d buckets exhausted, last error: %v", e.Buckets, e.LastError)
}
func (e *AllBucketsExhausted) Unwrap() error { return e.LastError }

// RetryExhausted is terminal: maxAttempts was reached without a
// successful stream or a qualifying failover.
type RetryExhausted struct {
	Attempts  int
	LastError error
}

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts, last error: %v", e.Attempts, e.LastError)
}
func (e *RetryExhausted) Unwrap() error { return e.LastError }

// ProviderError is the fallback wrapper for vendor errors that don't map
// cleanly onto the rest of the taxonomy. Not retried unless network-level
// signals upgrade it first.
type ProviderError struct {
	Message  string
	Original error
}

func (e *ProviderError) Error() string { return fmt.Sprintf("provider error: %s", e.Message) }
func (e *ProviderError) Unwrap() error { return e.Original }

// Classify maps an HTTP response (status + headers) and/or a transport
// error onto the taxonomy above. Exactly one of resp, err may be nil/non-nil
// depending on call site: a successful round-trip with a non-2xx status
// passes resp and a nil err; a failed round-trip passes a nil resp and the
// transport err.
func Classify(resp *http.Response, body string, transportErr error) error {
	if transportErr != nil {
		if errors.Is(transportErr, context.Canceled) {
			return &Cancelled{Cause: transportErr}
		}

		var dnsErr *net.DNSError
		if errors.As(transportErr, &dnsErr) && dnsErr.IsNotFound {
			return &ProviderError{Message: transportErr.Error(), Original: transportErr}
		}

		return &NetworkTransient{Cause: transportErr}
	}

	if resp == nil {
		return &ProviderError{Message: "no response and no transport error", Original: nil}
	}

	status := resp.StatusCode

	switch {
	case status == http.StatusBadRequest:
		return &BadRequest{Status: status, Message: body}
	case status == http.StatusNotFound:
		return &NotFound{Status: status, Message: body}
	case status == http.StatusTooManyRequests:
		return &RateLimited{Status: status, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")), Message: body}
	case status == http.StatusPaymentRequired:
		return &PaymentRequired{Status: status, Message: body}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Unauthorized{Status: status, Message: body}
	case status >= 500 && status < 600:
		return &ServerError{Status: status, Message: body}
	case status >= 200 && status < 300:
		return nil
	default:
		return &ProviderError{Message: fmt.Sprintf("unexpected status %d: %s", status, body)}
	}
}

// parseRetryAfter accepts either a delay in seconds or an HTTP-date, per
// RFC 9110 §10.2.3. Returns zero if the header is absent or unparsable.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if when, err := http.ParseTime(header); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0
		}

		return d
	}

	return 0
}

// IsRetryable reports whether err's taxonomy class should be retried by
// RetryOrchestrator (§4.4 step 6.c), independent of attempt-count checks.
func IsRetryable(err error) bool {
	switch {
	case asType[*Cancelled](err):
		return false
	case asType[*BadRequest](err):
		return false
	case asType[*NotFound](err):
		return false
	case asType[*RateLimited](err):
		return true
	case asType[*PaymentRequired](err):
		return false // failover handles this, not a same-bucket retry
	case asType[*Unauthorized](err):
		return false // one refresh retry is handled specially, not generic retry
	case asType[*ServerError](err):
		return true
	case asType[*NetworkTransient](err):
		return true
	case asType[*StreamTimeout](err):
		return true
	default:
		return false
	}
}

func asType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
