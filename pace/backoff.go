// Package pace provides the pacing primitives the download engine leans on:
// exponential retry backoff, per-domain concurrency and interval gating, and
// a shared bandwidth throttle.
//
// Every remote host gets its own accounting, so many concurrent jobs against
// different hosts proceed in parallel while any single host is throttled.
package pace

import (
	"math/rand/v2"
	"net/url"
	"strings"
	"time"
)

// Policy describes how failed requests are retried.
type Policy struct {
	// MaxAttempts is the total number of tries, first attempt included.
	// Default: 5.
	MaxAttempts int
	// BaseDelay is the delay before the second try. Default: 1s.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff. Default: 30s.
	MaxDelay time.Duration
	// Jitter widens each delay by a uniform factor in [1-Jitter, 1+Jitter].
	// Default: 0.2. Set to a negative value for no jitter.
	Jitter float64
	// RetryStatuses are HTTP status codes worth retrying.
	// Default: 429, 500, 502, 503, 504.
	RetryStatuses []int
}

// Defaults fills zero fields with production values.
func (p *Policy) Defaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Jitter == 0 {
		p.Jitter = 0.2
	}
	if p.RetryStatuses == nil {
		p.RetryStatuses = []int{429, 500, 502, 503, 504}
	}
}

// RetryableStatus reports whether an HTTP status code should be retried.
func (p Policy) RetryableStatus(code int) bool {
	for _, c := range p.RetryStatuses {
		if c == code {
			return true
		}
	}
	return false
}

// minBackoff is the floor applied after jitter so a retry never fires
// effectively immediately.
const minBackoff = 100 * time.Millisecond

// Backoff returns the delay before retry number attempt (0-indexed: attempt 0
// is the delay before the second try). The raw delay doubles each attempt up
// to MaxDelay, then jitter multiplies it by a uniform factor in
// [1-Jitter, 1+Jitter], clamped to [100ms, MaxDelay].
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		f := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		d = time.Duration(float64(d) * f)
	}
	if d < minBackoff {
		d = minBackoff
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// DomainKey normalises a host for limiter accounting: lower-cased, port and
// leading "www." stripped. Full URLs are accepted too.
func DomainKey(s string) string {
	host := s
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			host = u.Host
		}
	}
	host = strings.ToLower(host)
	if i := strings.LastIndex(host, ":"); i > 0 && !strings.Contains(host[i:], "]") {
		host = host[:i]
	}
	host = strings.TrimPrefix(host, "www.")
	return host
}
