package pace

import (
	"context"
	"sync"
	"time"
)

// DomainPolicy tunes the per-host gate.
type DomainPolicy struct {
	// MaxConcurrent is the number of in-flight requests allowed per domain.
	// Default: 2.
	MaxConcurrent int
	// MinInterval is the minimum spacing between request dispatches to the
	// same domain. Default: 1s.
	MinInterval time.Duration
}

// Defaults fills zero fields with production values.
func (p *DomainPolicy) Defaults() {
	if p.MaxConcurrent <= 0 {
		p.MaxConcurrent = 2
	}
	if p.MinInterval <= 0 {
		p.MinInterval = time.Second
	}
}

// DomainLimiter gates requests per remote host: at most MaxConcurrent
// in-flight requests and at least MinInterval between dispatches, with
// independent accounting per domain. Safe for concurrent use.
type DomainLimiter struct {
	policy DomainPolicy

	mu      sync.Mutex
	domains map[string]*domainGate
}

type domainGate struct {
	slots chan struct{}

	// dispatchMu serialises dispatch-time reservations.
	dispatchMu   sync.Mutex
	nextDispatch time.Time
}

// NewDomainLimiter creates a limiter with the given policy.
func NewDomainLimiter(policy DomainPolicy) *DomainLimiter {
	policy.Defaults()
	return &DomainLimiter{
		policy:  policy,
		domains: make(map[string]*domainGate),
	}
}

func (l *DomainLimiter) gate(domain string) *domainGate {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.domains[domain]
	if !ok {
		g = &domainGate{slots: make(chan struct{}, l.policy.MaxConcurrent)}
		l.domains[domain] = g
	}
	return g
}

// Acquire blocks until a concurrency slot for domain is free and the minimum
// interval since the previous dispatch has elapsed, then records the dispatch
// and returns. The caller must Release the slot when the request settles.
// domain should already be normalised via DomainKey.
func (l *DomainLimiter) Acquire(ctx context.Context, domain string) error {
	g := l.gate(domain)

	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	// Reserve the next dispatch time. Concurrent acquirers each claim a
	// distinct slot on the timeline, so dispatches stay MinInterval apart
	// even when several goroutines pass the slot gate together.
	g.dispatchMu.Lock()
	now := time.Now()
	at := g.nextDispatch
	if at.Before(now) {
		at = now
	}
	g.nextDispatch = at.Add(l.policy.MinInterval)
	g.dispatchMu.Unlock()

	if wait := time.Until(at); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			<-g.slots
			return ctx.Err()
		}
	}
	return nil
}

// Release frees a concurrency slot previously taken by Acquire.
func (l *DomainLimiter) Release(domain string) {
	g := l.gate(domain)
	select {
	case <-g.slots:
	default:
		// Release without a matching Acquire is a programming error;
		// swallow it rather than block.
	}
}

// Active returns the number of slots currently held for domain.
func (l *DomainLimiter) Active(domain string) int {
	return len(l.gate(domain).slots)
}
