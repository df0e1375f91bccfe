package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/sony/gobreaker"
)

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// ErrorType is the coarse classification of a broker failure.
type ErrorType string

const (
	// ErrorTransient covers timeouts, resets and throttling; safe to retry.
	ErrorTransient ErrorType = "transient"
	// ErrorAuth covers rejected credentials or permissions.
	ErrorAuth ErrorType = "auth"
	// ErrorInvalidSymbol covers unknown or malformed symbols.
	ErrorInvalidSymbol ErrorType = "invalid_symbol"
	// ErrorInsufficientFunds covers buying power rejections.
	ErrorInsufficientFunds ErrorType = "insufficient_funds"
	// ErrorRejected covers any other business rejection by the broker.
	ErrorRejected ErrorType = "rejected"
	// ErrorUnknown is used when nothing more specific matches.
	ErrorUnknown ErrorType = "unknown"
)

var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"server error",
	"rate limit",
	"too many requests",
	"broken pipe",
	"eof",
}

// Classify maps an error returned by a Gateway call to an ErrorType.
func Classify(err error) ErrorType {
	if err == nil {
		return ""
	}

	// An open breaker means the broker is already known to be failing; fail fast.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrorUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTransient
	}
	if errors.Is(err, context.Canceled) {
		return ErrorUnknown
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Status, strings.ToLower(apiErr.Body))
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTransient
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return ErrorTransient
		}
	}
	return ErrorUnknown
}

func classifyStatus(status int, body string) ErrorType {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return ErrorTransient
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrorAuth
	}
	switch {
	case strings.Contains(body, "insufficient") || strings.Contains(body, "buying power"):
		return ErrorInsufficientFunds
	case strings.Contains(body, "symbol"):
		return ErrorInvalidSymbol
	case status >= 400 && status < 500:
		return ErrorRejected
	}
	return ErrorUnknown
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == ErrorTransient
}
