// Package ai wraps the Gemini API behind a credential-aware caller: every
// call acquires a credential from the pool, retries transient failures, and
// fails over to the next credential when the provider reports a quota error.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	// ErrFailoversExhausted is returned when a unit of work hits the quota
	// of more credentials than the failover bound allows.
	ErrFailoversExhausted = errors.New("credential failovers exhausted")
	// ErrEmptyResponse signals a provider response without text.
	ErrEmptyResponse = errors.New("empty model response")
)

// QuotaError is a provider quota rejection. ResetAt is when the credential
// may be used again.
type QuotaError struct {
	ResetAt time.Time
	Err     error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded until %s: %v", e.ResetAt.Format(time.RFC3339), e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// TransientError wraps an error that is safe to retry (5xx, network timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// IsQuota reports whether err carries a QuotaError.
func IsQuota(err error) bool {
	var qe *QuotaError
	return errors.As(err, &qe)
}

// QuotaResetAt returns the reset time carried by err, if any.
func QuotaResetAt(err error) (time.Time, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.ResetAt, true
	}
	return time.Time{}, false
}

// IsTransient returns true if err is a TransientError or matches common
// transient network failure patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsTransientStatus reports whether an HTTP status is safe to retry. 429 is
// excluded: it is a quota signal and triggers failover instead.
func IsTransientStatus(code int) bool {
	switch code {
	case 408, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// isQuotaMessage matches Gemini quota rejections that arrive without a
// structured status code.
func isQuotaMessage(msg string) bool {
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "RESOURCE_EXHAUSTED") ||
		strings.Contains(strings.ToLower(msg), "quota")
}

var retryDelayRegex = regexp.MustCompile(`(?i)(?:Please retry in |retryDelay[:\s]+)(\d+(?:\.\d+)?)\s*s`)

// RetryDelay parses the provider-suggested delay from an error message, e.g.
// "Please retry in 45.38s". It returns 0 when none is present.
func RetryDelay(msg string) time.Duration {
	matches := retryDelayRegex.FindStringSubmatch(msg)
	if len(matches) < 2 {
		return 0
	}
	seconds, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
