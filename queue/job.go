// Package queue implements the persistent job queue and history store: a
// bounded worker pool consuming submitted URLs, per-job engine resolution,
// typed event emission, counter persistence, crash-resume bookkeeping, and
// cooperative cancellation. Backed by SQLite so state survives restarts.
package queue

import (
	"time"

	"github.com/mediagrab/mediagrab/engine"
)

// Status is the job state machine. Terminal states are Completed, Failed,
// and Cancelled; a JobDone event is emitted in every terminal case.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Paused    Status = "paused"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether a status ends the job.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Job is the unit of work tracked end-to-end. Mutated only by the worker
// executing it (plus explicit cancel requests); persisted on every state
// transition; never deleted automatically.
type Job struct {
	ID         string
	URL        string
	OutFolder  string
	EngineName string
	Status     Status

	// Priority orders pending jobs; higher dispatches first, ties broken
	// by submission order.
	Priority int

	TotalItems     int
	CompletedItems int
	FailedItems    int
	SkippedItems   int

	// ErrorMessage is set only on Failed; never on Cancelled.
	ErrorMessage string

	Options engine.Options

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Item is the persisted resume record for one discovered media unit.
type Item struct {
	JobID     string    `json:"job_id"`
	ItemKey   string    `json:"item_key"`
	Status    string    `json:"status"` // completed | skipped | failed
	FilePath  string    `json:"file_path,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventType names the facts emitted during execution.
type EventType string

const (
	EvJobAdded     EventType = "job_added"
	EvJobStarted   EventType = "job_started"
	EvJobProgress  EventType = "job_progress"
	EvItemProgress EventType = "item_progress"
	EvItemDone     EventType = "item_done"
	EvJobDone      EventType = "job_done"
	EvJobError     EventType = "job_error"
	EvJobCancelled EventType = "job_cancelled"
	EvLog          EventType = "log"
)

// Event is an immutable fact about a job, broadcast live and appended to the
// history store.
type Event struct {
	Type      EventType      `json:"type"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}
