// Package failover holds the state that survives upstream flakiness: endpoint
// pool rotation persisted across restarts, the transient/permanent error
// classifier, bounded retry with exponential backoff, and the broadcast
// timestamp history that feeds the policy rate gate.
package failover

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// HTTPStatusError carries an upstream HTTP status for classification.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream %s returned HTTP %d", e.URL, e.StatusCode)
}

// Transient reports whether err is worth retrying against another endpoint:
// timeouts, connection reset/refused, DNS failure, and HTTP 429/5xx. Other
// 4xx are permanent and surface immediately.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	return false
}
