package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/fetch"
)

// cancelRegistry maps running job ids to their cancel tokens.
type cancelRegistry struct {
	mu     sync.Mutex
	tokens map[string]*engine.Cancel
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{tokens: make(map[string]*engine.Cancel)}
}

func (r *cancelRegistry) add(id string, c *engine.Cancel) {
	r.mu.Lock()
	r.tokens[id] = c
	r.mu.Unlock()
}

func (r *cancelRegistry) remove(id string) {
	r.mu.Lock()
	delete(r.tokens, id)
	r.mu.Unlock()
}

// set fires the token for id if the job is running. Reports whether it did.
func (r *cancelRegistry) set(id string) bool {
	r.mu.Lock()
	c, ok := r.tokens[id]
	r.mu.Unlock()
	if ok {
		c.Set()
	}
	return ok
}

// eventingHistory settles items in the store and announces each settle as
// an ItemDone event, so per-item completion is visible to subscribers and
// in the job history.
type eventingHistory struct {
	store *Store
	emit  func(Event)
}

func (h *eventingHistory) CompletedKeys(ctx context.Context, jobID string) (map[string]bool, error) {
	return h.store.CompletedKeys(ctx, jobID)
}

func (h *eventingHistory) MarkItemDone(ctx context.Context, jobID, itemKey, filePath, status string) error {
	if err := h.store.MarkItemDone(ctx, jobID, itemKey, filePath, status); err != nil {
		return err
	}
	h.emit(Event{Type: EvItemDone, JobID: jobID, Timestamp: time.Now(), Payload: map[string]any{
		"item_key":  itemKey,
		"status":    status,
		"file_path": filePath,
	}})
	return nil
}

// Run starts the worker pool and blocks until ctx is done and every worker
// has returned. Jobs stranded in Running by a previous crash are returned
// to the pending pool first.
func (m *Manager) Run(ctx context.Context) error {
	if n, err := m.store.RequeueRunning(ctx); err != nil {
		return err
	} else if n > 0 {
		m.cfg.Logger.Info("queue: requeued interrupted jobs", "count", n)
	}

	var wg sync.WaitGroup
	for i := range m.cfg.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			m.workerLoop(ctx, id)
		}(i)
	}
	wg.Wait()
	return nil
}

func (m *Manager) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		j, err := m.store.ClaimPending(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.cfg.Logger.Error("queue: claim failed", "worker", worker, "error", err)
		}
		if j == nil || err != nil {
			select {
			case <-ctx.Done():
				return
			case <-m.wake:
			case <-time.After(m.cfg.PollInterval):
			}
			continue
		}
		m.runJob(ctx, j)
	}
}

// runJob executes one claimed job to its terminal state. Exactly one
// JobDone event is emitted per terminal transition. A shutdown mid-job
// leaves the row in Running so the next startup requeues it.
func (m *Manager) runJob(ctx context.Context, j *Job) {
	log := m.cfg.Logger.With("job", j.ID, "url", j.URL)

	cancel := engine.NewCancel()
	m.cancels.add(j.ID, cancel)
	defer m.cancels.remove(j.ID)

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.JobStarted()
	}
	m.emit(Event{Type: EvJobStarted, JobID: j.ID, Timestamp: time.Now(), Payload: map[string]any{
		"url": j.URL,
	}})

	client := m.client
	if j.Options.ProxyURL != "" || j.Options.MaxAttempts > 0 {
		fc := m.cfg.Fetch
		if j.Options.ProxyURL != "" {
			fc.ProxyURL = j.Options.ProxyURL
		}
		if j.Options.MaxAttempts > 0 {
			fc.Policy.MaxAttempts = j.Options.MaxAttempts
		}
		perJob, err := fetch.New(fc)
		if err != nil {
			m.finish(j, Failed, "invalid proxy url: "+err.Error(), nil, 0)
			return
		}
		client = perJob
	}

	env := &engine.Env{
		JobID:     j.ID,
		OutFolder: j.OutFolder,
		Filters:   j.Options.Filters,
		Options:   j.Options,
		Client:    client,
		Throttle:  m.cfg.Throttle,
		Cancel:    cancel,
		History:   &eventingHistory{store: m.store, emit: m.emit},
		Logger:    log,
	}
	defer env.Close()
	env.Callbacks = engine.Callbacks{
		Log: func(msg string) {
			m.emit(Event{Type: EvLog, JobID: j.ID, Timestamp: time.Now(), Payload: map[string]any{
				"message": msg,
			}})
		},
		ItemProgress: func(done, total int64, meta map[string]string) {
			payload := map[string]any{"done": done, "total": total}
			for k, v := range meta {
				payload[k] = v
			}
			m.bus.Publish(Event{Type: EvItemProgress, JobID: j.ID, Timestamp: time.Now(), Payload: payload})
		},
		Progress: func(completed, total int) {
			if err := m.store.UpdateProgress(context.WithoutCancel(ctx), j.ID, completed, total); err != nil {
				log.Warn("queue: progress not persisted", "error", err)
			}
			m.emit(Event{Type: EvJobProgress, JobID: j.ID, Timestamp: time.Now(), Payload: map[string]any{
				"completed": completed,
				"total":     total,
			}})
		},
	}

	resolver := m.cfg.Engines(env)
	eng := resolver.Resolve(j.URL)
	if eng == nil {
		// Submit resolved a name, so this only happens when the engine set
		// changed between restarts.
		m.finish(j, Failed, "no engine supports this url", nil, 0)
		return
	}
	j.EngineName = eng.Name()
	log.Info("queue: job started", "engine", eng.Name())

	start := time.Now()
	res, err := eng.Fetch(ctx, j.URL)

	switch {
	case errors.Is(err, engine.ErrCancelled) || cancel.Cancelled():
		m.finish(j, Cancelled, "", res, time.Since(start))
	case ctx.Err() != nil:
		// Shutdown, not an outcome. Startup recovery requeues the row.
		log.Info("queue: job interrupted by shutdown")
	case err != nil:
		msg := err.Error()
		if res != nil && res.ErrorMessage != "" {
			msg = res.ErrorMessage
		}
		m.finish(j, Failed, msg, res, time.Since(start))
	case !res.Success:
		m.finish(j, Failed, res.ErrorMessage, res, time.Since(start))
	default:
		m.finish(j, Completed, "", res, time.Since(start))
	}
}

// finish persists the terminal transition and emits the closing events.
func (m *Manager) finish(j *Job, status Status, errMsg string, res *engine.Result, elapsed time.Duration) {
	j.Status = status
	j.ErrorMessage = errMsg
	if res != nil {
		j.TotalItems = res.TotalItems
		j.CompletedItems = res.CompletedItems
		j.FailedItems = len(res.FailedItems)
		j.SkippedItems = len(res.SkippedItems)
	}
	if err := m.store.Finish(context.Background(), j); err != nil {
		m.cfg.Logger.Error("queue: terminal state not persisted", "job", j.ID, "status", status, "error", err)
	}

	now := time.Now()
	switch status {
	case Failed:
		m.emit(Event{Type: EvJobError, JobID: j.ID, Timestamp: now, Payload: map[string]any{
			"error": errMsg,
		}})
	case Cancelled:
		m.emit(Event{Type: EvJobCancelled, JobID: j.ID, Timestamp: now})
	}
	m.emit(Event{Type: EvJobDone, JobID: j.ID, Timestamp: now, Payload: map[string]any{
		"status":     string(status),
		"total":      j.TotalItems,
		"completed":  j.CompletedItems,
		"failed":     j.FailedItems,
		"skipped":    j.SkippedItems,
		"elapsed_ms": elapsed.Milliseconds(),
	}})
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.JobFinished(string(status))
	}
	m.cfg.Logger.Info("queue: job finished", "job", j.ID, "status", status,
		"completed", j.CompletedItems, "total", j.TotalItems, "elapsed", elapsed)
}
