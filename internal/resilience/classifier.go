package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// ClassifyError labels an error for metrics and alert context.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.Canceled) {
		return "context_cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "context_deadline"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch {
		case errors.Is(opErr.Err, syscall.ECONNREFUSED),
			errors.Is(opErr.Err, syscall.ECONNRESET),
			errors.Is(opErr.Err, syscall.ENETUNREACH),
			errors.Is(opErr.Err, syscall.EHOSTUNREACH):
			return "network"
		}
		return "network"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return "rate_limit"
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "connection"), strings.Contains(msg, "network"):
		return "network"
	default:
		return "unknown"
	}
}

// FatalClassifier marks a closed set of fatal error kinds as
// non-retryable.
type FatalClassifier struct {
	Fatal []error
}

func (f FatalClassifier) IsRetryable(err error) bool {
	for _, fatalErr := range f.Fatal {
		if errors.Is(err, fatalErr) {
			return false
		}
	}
	return true
}
