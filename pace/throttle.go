package pace

import (
	"context"
	"sync"
	"time"
)

// Throttle is a bandwidth limiter shared by every active byte write. It
// tracks bytes written since a rolling one-second window start; when the
// bytes written imply less elapsed time than a true rate-limited transfer
// would have taken, Wait sleeps the difference. The window resets every
// second so drift stays bounded.
//
// A nil Throttle, or one built with limit <= 0, disables throttling.
type Throttle struct {
	limit int64 // bytes per second

	mu          sync.Mutex
	windowStart time.Time
	windowBytes int64
}

// NewThrottle creates a throttle capped at bytesPerSec. limit <= 0 returns a
// throttle whose Wait is a no-op.
func NewThrottle(bytesPerSec int64) *Throttle {
	return &Throttle{limit: bytesPerSec}
}

// Limit returns the configured rate in bytes per second (0 = unlimited).
func (t *Throttle) Limit() int64 {
	if t == nil {
		return 0
	}
	return t.limit
}

// Wait records n written bytes and sleeps as needed to hold the rate.
// It returns early with ctx.Err() on cancellation.
func (t *Throttle) Wait(ctx context.Context, n int) error {
	if t == nil || t.limit <= 0 || n <= 0 {
		return nil
	}

	t.mu.Lock()
	now := time.Now()
	if t.windowStart.IsZero() || now.Sub(t.windowStart) >= time.Second {
		t.windowStart = now
		t.windowBytes = 0
	}
	t.windowBytes += int64(n)
	ideal := time.Duration(float64(t.windowBytes) / float64(t.limit) * float64(time.Second))
	sleep := ideal - now.Sub(t.windowStart)
	t.mu.Unlock()

	if sleep <= 0 {
		return nil
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
