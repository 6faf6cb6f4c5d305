package fetch

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/mediagrab/mediagrab/pace"
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Code       int
	URL        string
	RetryAfter time.Duration // from a 429 Retry-After header, 0 = absent
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.URL)
}

// ErrTruncated marks a body shorter than the advertised Content-Length.
var ErrTruncated = errors.New("fetch: truncated body")

// Retryable reports whether an error belongs to the transient taxonomy
// under policy: HTTP statuses in the policy's retry set, connection resets,
// timeouts, and truncated bodies. A status outside the set never retries,
// server errors included.
func Retryable(err error, policy pace.Policy) bool {
	if err == nil {
		return false
	}

	var serr *StatusError
	if errors.As(err, &serr) {
		return policy.RetryableStatus(serr.Code)
	}

	if errors.Is(err, ErrTruncated) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	// http.Client wraps some transport failures without typed errors.
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "Client.Timeout") {
		return true
	}
	return false
}

// retryAfterOf extracts a server-mandated delay from a 429 error chain.
func retryAfterOf(err error) (time.Duration, bool) {
	var serr *StatusError
	if errors.As(err, &serr) && serr.RetryAfter > 0 {
		return serr.RetryAfter, true
	}
	return 0, false
}
