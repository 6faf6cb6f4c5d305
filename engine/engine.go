// Package engine defines the capability contract every fetch engine
// implements, the resolver that routes a URL to the first capable engine,
// and the shared per-item download loop with filtering, resume bookkeeping,
// and cooperative cancellation.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mediagrab/mediagrab/fetch"
	"github.com/mediagrab/mediagrab/media"
	"github.com/mediagrab/mediagrab/pace"
)

// Engine is one fetch strategy: bound to a specific site or to a generic
// technique. CanHandle must be cheap and perform no I/O — resolution is
// URL-shape only.
type Engine interface {
	CanHandle(url string) bool
	Name() string
	Fetch(ctx context.Context, url string) (*Result, error)
}

// Result is the outcome of one Fetch.
type Result struct {
	Success        bool
	TotalItems     int
	CompletedItems int
	FailedItems    []string
	SkippedItems   []string
	ErrorMessage   string
	Elapsed        time.Duration
}

// Callbacks stream engine activity to whoever is running the job.
// All callbacks may be nil. Implementations must return quickly — they are
// invoked from the hot download path.
type Callbacks struct {
	// Log emits a human-readable progress line.
	Log func(msg string)
	// ItemProgress reports byte counts for the item in flight. total is -1
	// when unknown.
	ItemProgress func(done, total int64, meta map[string]string)
	// Progress reports item counts for the whole job.
	Progress func(completed, total int)
}

func (c Callbacks) log(msg string) {
	if c.Log != nil {
		c.Log(msg)
	}
}

// Logf emits a formatted log line, tolerating a nil Log callback.
func (c Callbacks) Logf(format string, args ...any) {
	if c.Log != nil {
		c.Log(fmt.Sprintf(format, args...))
	}
}

func (c Callbacks) progress(completed, total int) {
	if c.Progress != nil {
		c.Progress(completed, total)
	}
}

// History is the resume bookkeeping surface the queue store provides.
// Engines consult CompletedKeys before fetching and report every settled
// item through MarkItemDone, which is what makes a crash mid-job cheap to
// resume instead of restarting from zero.
type History interface {
	// CompletedKeys returns the canonical item keys already completed or
	// skipped for a job.
	CompletedKeys(ctx context.Context, jobID string) (map[string]bool, error)
	// MarkItemDone records one settled item. status is "completed",
	// "skipped", or "failed".
	MarkItemDone(ctx context.Context, jobID, itemKey, filePath, status string) error
}

// Env carries everything an engine needs at construction: destination,
// filters, the shared fetch substrate, progress callbacks, cancellation, and
// the resume hooks. Engines never reach for globals.
type Env struct {
	JobID     string
	OutFolder string
	Filters   media.Filters
	Options   Options

	Client   *fetch.Client
	Throttle *pace.Throttle

	Callbacks Callbacks
	Cancel    *Cancel

	History History

	Logger *slog.Logger

	closeMu sync.Mutex
	closers []func()
}

// AddCloser registers a cleanup to run when the job environment is torn
// down. Engines use it for resources that outlive a single Fetch call,
// like a rendered-pass browser.
func (e *Env) AddCloser(fn func()) {
	e.closeMu.Lock()
	e.closers = append(e.closers, fn)
	e.closeMu.Unlock()
}

// Close runs the registered cleanups in reverse registration order. The
// job runner calls it once after Fetch returns.
func (e *Env) Close() {
	e.closeMu.Lock()
	closers := e.closers
	e.closers = nil
	e.closeMu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// Log returns the configured logger or slog.Default.
func (e *Env) Log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Cancelled reports whether the job's cancel token is set. A nil token
// never cancels.
func (e *Env) Cancelled() bool {
	return e.Cancel != nil && e.Cancel.Cancelled()
}

// cancelChan returns the token's channel, or a nil channel (blocks forever)
// when no token is attached.
func (e *Env) cancelChan() <-chan struct{} {
	if e.Cancel == nil {
		return nil
	}
	return e.Cancel.Chan()
}
