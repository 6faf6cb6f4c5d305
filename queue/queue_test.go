package queue

import (
	"context"
	"testing"
	"time"

	"github.com/mediagrab/mediagrab/dbopen"
	"github.com/mediagrab/mediagrab/engine"

	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return st
}

func insertJob(t *testing.T, st *Store, id string, priority int) *Job {
	t.Helper()
	j := &Job{
		ID:        id,
		URL:       "https://example.com/" + id,
		OutFolder: t.TempDir(),
		Status:    Pending,
		Priority:  priority,
		Options:   engine.DefaultOptions(),
		CreatedAt: time.Now(),
	}
	if err := st.Insert(context.Background(), j); err != nil {
		t.Fatalf("Insert(%s): %v", id, err)
	}
	// Submission order must be distinguishable for tie-breaks.
	time.Sleep(2 * time.Millisecond)
	return j
}

func TestClaimOrderPriorityThenSubmission(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	insertJob(t, st, "low", 0)
	insertJob(t, st, "high", 5)
	insertJob(t, st, "low2", 0)

	want := []string{"high", "low", "low2"}
	for _, id := range want {
		j, err := st.ClaimPending(ctx)
		if err != nil {
			t.Fatalf("ClaimPending: %v", err)
		}
		if j == nil || j.ID != id {
			t.Fatalf("claimed %+v, want id %s", j, id)
		}
		if j.Status != Running {
			t.Fatalf("claimed status = %s, want running", j.Status)
		}
		if j.StartedAt == nil {
			t.Fatal("claimed job has nil StartedAt")
		}
	}
	if j, _ := st.ClaimPending(ctx); j != nil {
		t.Fatalf("empty queue claimed %v", j.ID)
	}
}

func TestCancelPendingOnlyFlipsPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	insertJob(t, st, "a", 0)

	ok, err := st.CancelPending(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("CancelPending = %v, %v; want true", ok, err)
	}
	j, err := st.Job(ctx, "a")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if j.Status != Cancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if j.ErrorMessage != "" {
		t.Fatalf("cancelled job has error message %q", j.ErrorMessage)
	}
	// Already terminal: a second cancel is a no-op.
	if ok, _ := st.CancelPending(ctx, "a"); ok {
		t.Fatal("cancel of terminal job reported true")
	}
	if got, _ := st.ClaimPending(ctx); got != nil {
		t.Fatalf("cancelled job was claimed: %s", got.ID)
	}
}

func TestPausedJobsAreNotClaimed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	insertJob(t, st, "a", 0)

	if ok, err := st.SetPaused(ctx, "a", true); err != nil || !ok {
		t.Fatalf("SetPaused = %v, %v", ok, err)
	}
	if j, _ := st.ClaimPending(ctx); j != nil {
		t.Fatalf("paused job was claimed: %s", j.ID)
	}
	if ok, err := st.SetPaused(ctx, "a", false); err != nil || !ok {
		t.Fatalf("resume = %v, %v", ok, err)
	}
	j, _ := st.ClaimPending(ctx)
	if j == nil || j.ID != "a" {
		t.Fatalf("resumed job not claimable, got %v", j)
	}
}

func TestRequeueRunning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	insertJob(t, st, "a", 0)
	insertJob(t, st, "b", 0)
	if _, err := st.ClaimPending(ctx); err != nil {
		t.Fatal(err)
	}

	n, err := st.RequeueRunning(ctx)
	if err != nil {
		t.Fatalf("RequeueRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	j, _ := st.Job(ctx, "a")
	if j.Status != Pending || j.StartedAt != nil {
		t.Fatalf("requeued job = %s startedAt=%v, want pending/nil", j.Status, j.StartedAt)
	}
}

func TestItemHistoryRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.MarkItemDone(ctx, "job1", "https://x/a.jpg", "/out/a.jpg", "completed"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkItemDone(ctx, "job1", "https://x/b.jpg", "", "skipped"); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkItemDone(ctx, "job1", "https://x/c.jpg", "", "failed"); err != nil {
		t.Fatal(err)
	}
	// Re-settling the same key is an upsert, not an error.
	if err := st.MarkItemDone(ctx, "job1", "https://x/c.jpg", "/out/c.jpg", "completed"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	keys, err := st.CompletedKeys(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"https://x/a.jpg", "https://x/b.jpg", "https://x/c.jpg"} {
		if !keys[k] {
			t.Errorf("missing settled key %s", k)
		}
	}
	if keys["https://x/never"] {
		t.Error("unknown key reported settled")
	}
	if other, _ := st.CompletedKeys(ctx, "job2"); len(other) != 0 {
		t.Errorf("job2 keys = %d, want 0", len(other))
	}

	items, err := st.Items(ctx, "job1")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}
	for _, it := range items {
		if it.ItemKey == "https://x/c.jpg" && it.Status != "completed" {
			t.Errorf("upserted item status = %s, want completed", it.Status)
		}
	}
}

func TestEventsPersistInOrder(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	for _, typ := range []EventType{EvJobAdded, EvJobStarted, EvJobDone} {
		ev := Event{Type: typ, JobID: "j", Timestamp: time.Now(), Payload: map[string]any{"k": "v"}}
		if err := st.AppendEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	got, err := st.Events(ctx, "j", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %d, want 3", len(got))
	}
	if got[0].Type != EvJobAdded || got[2].Type != EvJobDone {
		t.Fatalf("order = %s..%s, want job_added..job_done", got[0].Type, got[2].Type)
	}
	if got[1].Payload["k"] != "v" {
		t.Fatalf("payload = %v", got[1].Payload)
	}
}

func TestStatsAndPrune(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	insertJob(t, st, "pending", 0)
	old := insertJob(t, st, "old", 0)
	if _, err := st.ClaimPending(ctx); err != nil {
		t.Fatal(err)
	}
	old.Status = Completed
	if err := st.Finish(ctx, old); err != nil {
		t.Fatal(err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 || stats.Completed != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	n, err := st.Prune(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if j, _ := st.Job(ctx, "old"); j != nil {
		t.Fatal("pruned job still present")
	}
	if j, _ := st.Job(ctx, "pending"); j == nil {
		t.Fatal("pending job was pruned")
	}
}

func TestBusDropsWhenSubscriberStalls(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Publish(Event{Type: EvLog, JobID: "j"})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled subscriber")
	}
	if n := len(ch); n != subscriberBuffer {
		t.Fatalf("buffered = %d, want %d", n, subscriberBuffer)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus()
	ch, cancel := b.Subscribe()
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel still open after unsubscribe")
	}
	b.Publish(Event{Type: EvLog}) // must not panic
}
