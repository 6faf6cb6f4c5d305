package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mediagrab/mediagrab/dbopen"
	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/queue"
)

type stubEngine struct{}

func (stubEngine) CanHandle(string) bool { return true }
func (stubEngine) Name() string          { return "stub" }
func (stubEngine) Fetch(ctx context.Context, url string) (*engine.Result, error) {
	return &engine.Result{Success: true, TotalItems: 1, CompletedItems: 1}, nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := queue.NewStore(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	mgr, err := queue.NewManager(store, queue.Config{
		OutFolder: t.TempDir(),
		Engines: func(env *engine.Env) *engine.Resolver {
			r := engine.NewResolver()
			r.Register(stubEngine{})
			return r
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	// Workers deliberately not started: jobs stay pending so handlers can
	// be asserted deterministically.
	ts := httptest.NewServer(New(mgr, nil).Router())
	t.Cleanup(ts.Close)
	return ts
}

func submit(t *testing.T, ts *httptest.Server, body string) jobView {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, want 201", resp.StatusCode)
	}
	var v jobView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestSubmitAndGet(t *testing.T) {
	ts := newTestServer(t)

	v := submit(t, ts, `{"url": "https://example.com/page"}`)
	if v.ID == "" || v.Status != "pending" || v.Engine != "stub" {
		t.Fatalf("submitted job = %+v", v)
	}

	resp, err := http.Get(ts.URL + "/api/jobs/" + v.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got jobView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.URL != "https://example.com/page" {
		t.Fatalf("url = %q", got.URL)
	}
}

func TestSubmitRejectsBadBody(t *testing.T) {
	ts := newTestServer(t)
	for _, body := range []string{`{`, `{"url": "not a url"}`} {
		resp, err := http.Post(ts.URL+"/api/jobs", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestListFiltersByStatus(t *testing.T) {
	ts := newTestServer(t)
	submit(t, ts, `{"url": "https://example.com/a"}`)
	submit(t, ts, `{"url": "https://example.com/b"}`)

	resp, err := http.Get(ts.URL + "/api/jobs?status=pending")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var views []jobView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("pending jobs = %d, want 2", len(views))
	}

	resp2, err := http.Get(ts.URL + "/api/jobs?status=completed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var none []jobView
	if err := json.NewDecoder(resp2.Body).Decode(&none); err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("completed jobs = %d, want 0", len(none))
	}
}

func TestCancelPendingJob(t *testing.T) {
	ts := newTestServer(t)
	v := submit(t, ts, `{"url": "https://example.com/c"}`)

	resp, err := http.Post(ts.URL+"/api/jobs/"+v.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", resp.StatusCode)
	}

	// Second cancel conflicts: the job is already terminal.
	resp2, err := http.Post(ts.URL+"/api/jobs/"+v.ID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp2.StatusCode)
	}
}

func TestJobNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/api/jobs/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	submit(t, ts, `{"url": "https://example.com/d"}`)

	resp, err := http.Get(ts.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var stats queue.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the handler a beat to register its subscription.
	time.Sleep(100 * time.Millisecond)
	submit(t, ts, `{"url": "https://example.com/sse"}`)

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	chunk := string(buf[:n])
	if !bytes.Contains([]byte(chunk), []byte("event: job_added")) {
		t.Fatalf("stream chunk = %q, want a job_added event", chunk)
	}
}
