package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mediagrab/mediagrab/dbopen"
	"github.com/mediagrab/mediagrab/engine"
)

// Schema is the queue's SQLite schema. Pass it to dbopen.WithSchema or let
// NewStore apply it.
const Schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	url             TEXT NOT NULL,
	out_folder      TEXT NOT NULL,
	engine_name     TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	priority        INTEGER NOT NULL DEFAULT 0,
	total_items     INTEGER NOT NULL DEFAULT 0,
	completed_items INTEGER NOT NULL DEFAULT 0,
	failed_items    INTEGER NOT NULL DEFAULT 0,
	skipped_items   INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT NOT NULL DEFAULT '',
	options         TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	started_at      INTEGER,
	finished_at     INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_dispatch ON jobs (status, priority DESC, created_at ASC);

CREATE TABLE IF NOT EXISTS job_items (
	job_id     TEXT NOT NULL,
	item_key   TEXT NOT NULL,
	status     TEXT NOT NULL,
	file_path  TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (job_id, item_key)
);

CREATE TABLE IF NOT EXISTS job_events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id  TEXT NOT NULL,
	type    TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	ts      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events (job_id, id);
`

// Store persists jobs, per-item resume records, and the event history in
// SQLite. All writes are serialised through a single mutex and retried on
// SQLITE_BUSY via dbopen; WAL mode handles concurrent readers.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// NewStore wraps db and ensures the schema exists.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("queue: ensure schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert persists a freshly submitted job.
func (s *Store) Insert(ctx context.Context, j *Job) error {
	opts, err := j.Options.Encode()
	if err != nil {
		return fmt.Errorf("queue: encode options: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO jobs (id, url, out_folder, engine_name, status, priority, options, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.URL, j.OutFolder, j.EngineName, string(j.Status), j.Priority,
		string(opts), j.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue: insert job: %w", err)
	}
	return nil
}

// ClaimPending atomically moves the next dispatchable pending job to Running
// and returns it. Higher priority first, then submission order. Returns
// (nil, nil) when the queue is empty.
func (s *Store) ClaimPending(ctx context.Context) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ?
			ORDER BY priority DESC, created_at ASC LIMIT 1
		)
		RETURNING `+jobColumns,
		string(Running), time.Now().UnixMilli(), string(Pending))
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim pending: %w", err)
	}
	return j, nil
}

// CancelPending flips a job to Cancelled only if it is still Pending.
// Reports whether the transition happened.
func (s *Store) CancelPending(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE jobs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
		string(Cancelled), time.Now().UnixMilli(), id, string(Pending))
	if err != nil {
		return false, fmt.Errorf("queue: cancel pending: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetPaused toggles a pending job in and out of Paused. Paused jobs are
// skipped by ClaimPending until resumed.
func (s *Store) SetPaused(ctx context.Context, id string, paused bool) (bool, error) {
	from, to := Pending, Paused
	if !paused {
		from, to = Paused, Pending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("queue: set paused: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Finish records a terminal transition with final counters. ErrorMessage is
// written as given; callers keep it empty for Cancelled.
func (s *Store) Finish(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := dbopen.Exec(ctx, s.db, `
		UPDATE jobs SET status = ?, engine_name = ?, total_items = ?,
			completed_items = ?, failed_items = ?, skipped_items = ?,
			error_message = ?, finished_at = ?
		WHERE id = ?`,
		string(j.Status), j.EngineName, j.TotalItems, j.CompletedItems,
		j.FailedItems, j.SkippedItems, j.ErrorMessage,
		time.Now().UnixMilli(), j.ID)
	if err != nil {
		return fmt.Errorf("queue: finish job: %w", err)
	}
	return nil
}

// UpdateProgress persists live item counters for a running job. Failed and
// skipped tallies are settled once, at Finish.
func (s *Store) UpdateProgress(ctx context.Context, id string, completed, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := dbopen.Exec(ctx, s.db, `
		UPDATE jobs SET completed_items = ?, total_items = ? WHERE id = ?`,
		completed, total, id)
	if err != nil {
		return fmt.Errorf("queue: update progress: %w", err)
	}
	return nil
}

// RequeueRunning returns jobs stranded in Running by a crash to Pending.
// Called once at startup before workers begin.
func (s *Store) RequeueRunning(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE jobs SET status = ?, started_at = NULL WHERE status = ?`,
		string(Pending), string(Running))
	if err != nil {
		return 0, fmt.Errorf("queue: requeue running: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Job fetches one job by id. Returns (nil, nil) when absent.
func (s *Store) Job(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	return j, nil
}

// Jobs lists jobs newest-first, optionally filtered by status.
func (s *Store) Jobs(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + jobColumns + ` FROM jobs `
	args := []any{}
	if status != "" {
		q += `WHERE status = ? `
		args = append(args, string(status))
	}
	q += `ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: list jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkItemDone upserts the resume record for one item. The (job_id, item_key)
// primary key makes completion idempotent across restarts. Together with
// CompletedKeys this satisfies engine.History.
func (s *Store) MarkItemDone(ctx context.Context, jobID, itemKey, filePath, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO job_items (job_id, item_key, status, file_path, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id, item_key) DO UPDATE SET
			status = excluded.status, file_path = excluded.file_path,
			updated_at = excluded.updated_at`,
		jobID, itemKey, status, filePath, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("queue: mark item done: %w", err)
	}
	return nil
}

// CompletedKeys returns the item keys already settled for a job, keyed for
// O(1) lookup. Skipped and completed items both count as settled.
func (s *Store) CompletedKeys(ctx context.Context, jobID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_key FROM job_items WHERE job_id = ? AND status IN ('completed', 'skipped')`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("queue: completed keys: %w", err)
	}
	defer rows.Close()
	keys := make(map[string]bool)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys[k] = true
	}
	return keys, rows.Err()
}

// Items returns a job's settled item records.
func (s *Store) Items(ctx context.Context, jobID string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_key, status, file_path, updated_at FROM job_items
		WHERE job_id = ? ORDER BY updated_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("queue: list items: %w", err)
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		it := Item{JobID: jobID}
		var updated int64
		if err := rows.Scan(&it.ItemKey, &it.Status, &it.FilePath, &updated); err != nil {
			return nil, err
		}
		it.UpdatedAt = time.UnixMilli(updated)
		out = append(out, it)
	}
	return out, rows.Err()
}

// AppendEvent persists one event to the job history.
func (s *Store) AppendEvent(ctx context.Context, ev Event) error {
	payload := "{}"
	if len(ev.Payload) > 0 {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("queue: encode event payload: %w", err)
		}
		payload = string(b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO job_events (job_id, type, payload, ts) VALUES (?, ?, ?, ?)`,
		ev.JobID, string(ev.Type), payload, ev.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("queue: append event: %w", err)
	}
	return nil
}

// Events returns a job's history in emission order.
func (s *Store) Events(ctx context.Context, jobID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, payload, ts FROM job_events
		WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: list events: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			typ, payload string
			ts           int64
		)
		if err := rows.Scan(&typ, &payload, &ts); err != nil {
			return nil, err
		}
		ev := Event{Type: EventType(typ), JobID: jobID, Timestamp: time.UnixMilli(ts)}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("queue: decode event payload: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Stats summarises the queue by status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats counts jobs per status.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	defer rows.Close()
	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch Status(status) {
		case Pending:
			st.Pending = n
		case Running:
			st.Running = n
		case Paused:
			st.Paused = n
		case Completed:
			st.Completed = n
		case Failed:
			st.Failed = n
		case Cancelled:
			st.Cancelled = n
		}
	}
	return st, rows.Err()
}

// Prune deletes terminal jobs older than cutoff, with their items and events.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	where := `WHERE status IN (?, ?, ?) AND finished_at IS NOT NULL AND finished_at < ?`
	args := []any{string(Completed), string(Failed), string(Cancelled), cutoff.UnixMilli()}

	var pruned int64
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_items WHERE job_id IN (SELECT id FROM jobs `+where+`)`, args...); err != nil {
			return fmt.Errorf("queue: prune items: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_events WHERE job_id IN (SELECT id FROM jobs `+where+`)`, args...); err != nil {
			return fmt.Errorf("queue: prune events: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs `+where, args...)
		if err != nil {
			return fmt.Errorf("queue: prune jobs: %w", err)
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(pruned), nil
}

const jobColumns = `id, url, out_folder, engine_name, status, priority,
	total_items, completed_items, failed_items, skipped_items,
	error_message, options, created_at, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                     Job
		status, opts          string
		created               int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.URL, &j.OutFolder, &j.EngineName, &status, &j.Priority,
		&j.TotalItems, &j.CompletedItems, &j.FailedItems, &j.SkippedItems,
		&j.ErrorMessage, &opts, &created, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = Status(status)
	j.CreatedAt = time.UnixMilli(created)
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64)
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t := time.UnixMilli(finishedAt.Int64)
		j.FinishedAt = &t
	}
	decoded, err := engine.DecodeOptions([]byte(opts))
	if err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	j.Options = decoded
	return &j, nil
}
