package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/vietddude/forgesync/internal/infra/forge"
)

// Category is the retry decision for a failed remote call.
type Category string

const (
	CategoryRetryable   Category = "RETRYABLE"
	CategoryRateLimited Category = "RATE_LIMITED"
	CategoryFatal       Category = "FATAL"
)

const (
	// MinSuggestedWait and MaxSuggestedWait bound a rate-limit wait.
	MinSuggestedWait = time.Second
	MaxSuggestedWait = 5 * time.Minute

	// DefaultRateLimitWait is used when the response carries no reset hint.
	DefaultRateLimitWait = 30 * time.Second
)

// Classification is the result of classifying one failure.
type Classification struct {
	Category      Category
	Message       string
	SuggestedWait time.Duration
}

// TransportExhaustedError is returned once the transport layer has given up.
type TransportExhaustedError struct {
	Attempts int
	Err      error
}

func (e *TransportExhaustedError) Error() string {
	return fmt.Sprintf("transport failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransportExhaustedError) Unwrap() error {
	return e.Err
}

// Classify maps a failure onto a retry decision using the current time.
func Classify(err error) Classification {
	return ClassifyAt(err, time.Now())
}

// ClassifyAt is Classify with an explicit clock. It has no side effects.
func ClassifyAt(err error, now time.Time) Classification {
	if err == nil {
		return Classification{Category: CategoryFatal, Message: "nil error"}
	}

	if errors.Is(err, context.Canceled) {
		return fatal("cancelled", err)
	}

	var exhausted *TransportExhaustedError
	if errors.As(err, &exhausted) {
		return fatal("transport retries exhausted", err)
	}

	if IsTransport(err) {
		return Classification{Category: CategoryRetryable, Message: "transport: " + err.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fatal("deadline exceeded", err)
	}

	var apiErr *forge.APIError
	isAPI := errors.As(err, &apiErr)

	if isRateLimited(err, apiErr) {
		return Classification{
			Category:      CategoryRateLimited,
			Message:       "rate limited: " + err.Error(),
			SuggestedWait: suggestedWait(apiErr, now),
		}
	}

	var keyErr *forge.InvalidKeyError
	if errors.As(err, &keyErr) {
		return fatal("malformed key", err)
	}

	if isAPI {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity:
			return fatal("permission or not found", err)
		}
		if apiErr.HasType(forge.ErrorTypeNotFound) || apiErr.HasType(forge.ErrorTypeForbidden) {
			return fatal("permission or not found", err)
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "doesn't exist on type") ||
		strings.Contains(msg, "could not resolve to") ||
		strings.Contains(msg, "bad credentials") {
		return fatal("schema or not found", err)
	}

	if isAPI && (apiErr.StatusCode == http.StatusInternalServerError || apiErr.HasType(forge.ErrorTypeInternal)) {
		return Classification{Category: CategoryRetryable, Message: "server error: " + err.Error()}
	}
	if strings.Contains(msg, "something went wrong") {
		return Classification{Category: CategoryRetryable, Message: "server error: " + err.Error()}
	}

	return fatal("unrecognized", err)
}

func fatal(reason string, err error) Classification {
	return Classification{Category: CategoryFatal, Message: reason + ": " + err.Error()}
}

// IsTransport reports whether err is a network-level failure that the
// transport layer may retry transparently.
func IsTransport(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var exhausted *TransportExhaustedError
	if errors.As(err, &exhausted) {
		return false
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	var apiErr *forge.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range transportPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transportPatterns = []string{
	"connection reset",
	"broken pipe",
	"server closed idle connection",
	"unexpected eof",
	"connection refused",
	"tls handshake timeout",
	"premature close",
}

var rateLimitPatterns = []string{
	"rate limit",
	"abuse detection",
	"secondary rate limit",
	"too many requests",
}

func isRateLimited(err error, apiErr *forge.APIError) bool {
	if apiErr != nil {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if apiErr.StatusCode == http.StatusForbidden && (apiErr.Remaining == 0 || apiErr.RetryAfter > 0) {
			return true
		}
		if apiErr.HasType(forge.ErrorTypeRateLimited) {
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range rateLimitPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func suggestedWait(apiErr *forge.APIError, now time.Time) time.Duration {
	wait := DefaultRateLimitWait
	if apiErr != nil {
		switch {
		case apiErr.RetryAfter > 0:
			wait = apiErr.RetryAfter
		case !apiErr.ResetAt.IsZero():
			wait = apiErr.ResetAt.Sub(now)
		}
	}
	if wait < MinSuggestedWait {
		wait = MinSuggestedWait
	}
	if wait > MaxSuggestedWait {
		wait = MaxSuggestedWait
	}
	return wait
}
