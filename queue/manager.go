package queue

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/fetch"
	"github.com/mediagrab/mediagrab/pace"
)

// Metrics is the optional instrumentation hook the manager reports into.
type Metrics interface {
	JobStarted()
	JobFinished(status string)
}

// Config wires a Manager. Engines is the only required field.
type Config struct {
	// Workers is the size of the job worker pool. Default: 2.
	Workers int
	// PollInterval bounds how long an idle worker waits before re-checking
	// the queue. Submissions also nudge workers directly. Default: 2s.
	PollInterval time.Duration
	// Fetch is the base HTTP substrate config shared by jobs. Jobs with a
	// proxy set in their options get a derived client.
	Fetch fetch.Config
	// Throttle is the optional global bandwidth ceiling.
	Throttle *pace.Throttle
	// Engines builds the resolver for a job's environment.
	Engines func(env *engine.Env) *engine.Resolver
	// OptionDefaults fills unset fields of a submission's options. Applied
	// once, before the snapshot is persisted, so later configuration
	// changes never alter in-flight or historical jobs.
	OptionDefaults func(*engine.Options)
	// OutFolder is the default destination when a submission names none.
	OutFolder string
	Logger    *slog.Logger
	Metrics   Metrics
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the queue lifecycle: submissions, the worker pool, live
// cancellation, and event fan-out. One Manager per store.
type Manager struct {
	cfg    Config
	store  *Store
	bus    *Bus
	client *fetch.Client

	cancels *cancelRegistry

	// wake nudges an idle worker after a submission.
	wake chan struct{}
}

// NewManager builds a manager over store. Call Run to start the workers.
func NewManager(store *Store, cfg Config) (*Manager, error) {
	cfg.defaults()
	if cfg.Engines == nil {
		return nil, fmt.Errorf("queue: Config.Engines is required")
	}
	client, err := fetch.New(cfg.Fetch)
	if err != nil {
		return nil, fmt.Errorf("queue: fetch client: %w", err)
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		bus:     NewBus(),
		client:  client,
		cancels: newCancelRegistry(),
		wake:    make(chan struct{}, 1),
	}, nil
}

// Store exposes the underlying store for read paths (history, stats).
func (m *Manager) Store() *Store { return m.store }

// Submit validates the URL, resolves an engine name eagerly so unsupported
// URLs fail fast, persists the job as Pending, and emits JobAdded.
func (m *Manager) Submit(ctx context.Context, rawURL, outFolder string, opts engine.Options) (*Job, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("queue: not an http(s) url: %q", rawURL)
	}
	if outFolder == "" {
		outFolder = m.cfg.OutFolder
	}
	if outFolder == "" {
		return nil, fmt.Errorf("queue: no output folder")
	}
	if opts.ItemWorkers <= 0 {
		opts.ItemWorkers = engine.DefaultOptions().ItemWorkers
	}
	if m.cfg.OptionDefaults != nil {
		m.cfg.OptionDefaults(&opts)
	}

	// Name resolution is URL-shape only, so a throwaway env is fine here.
	resolver := m.cfg.Engines(&engine.Env{Options: opts, Logger: m.cfg.Logger})
	eng := resolver.Resolve(rawURL)
	if eng == nil {
		return nil, fmt.Errorf("queue: no engine supports %q", rawURL)
	}

	j := &Job{
		ID:         uuid.NewString(),
		URL:        rawURL,
		OutFolder:  outFolder,
		EngineName: eng.Name(),
		Status:     Pending,
		Priority:   opts.Priority,
		Options:    opts,
		CreatedAt:  time.Now(),
	}
	if err := m.store.Insert(ctx, j); err != nil {
		return nil, err
	}
	m.emit(Event{Type: EvJobAdded, JobID: j.ID, Timestamp: time.Now(), Payload: map[string]any{
		"url":    j.URL,
		"engine": j.EngineName,
	}})
	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.cfg.Logger.Info("queue: job submitted", "job", j.ID, "url", j.URL, "engine", j.EngineName)
	return j, nil
}

// Cancel stops a job. A pending job transitions to Cancelled immediately;
// a running job has its cancel token set and the worker finishes the
// transition. Reports whether a cancellation was initiated.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	flipped, err := m.store.CancelPending(ctx, id)
	if err != nil {
		return false, err
	}
	if flipped {
		now := time.Now()
		m.emit(Event{Type: EvJobCancelled, JobID: id, Timestamp: now})
		m.emit(Event{Type: EvJobDone, JobID: id, Timestamp: now, Payload: map[string]any{
			"status": string(Cancelled),
		}})
		m.cfg.Logger.Info("queue: pending job cancelled", "job", id)
		return true, nil
	}
	if m.cancels.set(id) {
		m.cfg.Logger.Info("queue: running job cancel requested", "job", id)
		return true, nil
	}
	return false, nil
}

// Pause parks a pending job so workers skip it. Running jobs cannot pause.
func (m *Manager) Pause(ctx context.Context, id string) (bool, error) {
	return m.store.SetPaused(ctx, id, true)
}

// Resume returns a paused job to the pending pool and nudges a worker.
func (m *Manager) Resume(ctx context.Context, id string) (bool, error) {
	ok, err := m.store.SetPaused(ctx, id, false)
	if ok {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return ok, err
}

// Subscribe attaches a live event listener. See Bus.Subscribe.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	return m.bus.Subscribe()
}

// emit broadcasts live and appends to the persistent history. Item-level
// byte progress is broadcast only; persisting it would swamp the store.
func (m *Manager) emit(ev Event) {
	m.bus.Publish(ev)
	if ev.Type == EvItemProgress {
		return
	}
	if err := m.store.AppendEvent(context.Background(), ev); err != nil {
		m.cfg.Logger.Warn("queue: event not persisted", "job", ev.JobID, "type", ev.Type, "error", err)
	}
}
