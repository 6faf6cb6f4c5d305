package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mediagrab/mediagrab/fetch"
	"github.com/mediagrab/mediagrab/media"
	"github.com/mediagrab/mediagrab/pace"
)

type stubEngine struct {
	name    string
	matches func(string) bool
}

func (s *stubEngine) CanHandle(url string) bool { return s.matches(url) }
func (s *stubEngine) Name() string              { return s.name }
func (s *stubEngine) Fetch(ctx context.Context, url string) (*Result, error) {
	return &Result{Success: true}, nil
}

func TestResolverOrder(t *testing.T) {
	specific := &stubEngine{name: "site-a", matches: func(u string) bool {
		return strings.Contains(u, "a.test")
	}}
	broad := &stubEngine{name: "broad", matches: func(u string) bool {
		return strings.HasPrefix(u, "http")
	}}

	r := NewResolver()
	r.Register(specific, broad)

	if got := r.Resolve("https://a.test/x"); got.Name() != "site-a" {
		t.Fatalf("got %s, want site-a", got.Name())
	}
	if got := r.Resolve("https://b.test/x"); got.Name() != "broad" {
		t.Fatalf("got %s, want broad", got.Name())
	}
}

func TestResolverFallbackChain(t *testing.T) {
	gallery := &stubEngine{name: "gallery", matches: func(u string) bool {
		return strings.Contains(u, "gallery")
	}}
	universal := &stubEngine{name: "universal", matches: func(u string) bool {
		return strings.HasPrefix(u, "http")
	}}

	r := NewResolver()
	r.Fallback(gallery, universal)

	if got := r.Resolve("https://gallery.test/album"); got.Name() != "gallery" {
		t.Fatalf("got %s, want gallery", got.Name())
	}
	if got := r.Resolve("https://other.test/page"); got.Name() != "universal" {
		t.Fatalf("got %s, want universal", got.Name())
	}
	if got := r.Resolve("ftp://other.test"); got != nil {
		t.Fatalf("got %s, want nil for unsupported", got.Name())
	}
}

func TestCancelToken(t *testing.T) {
	c := NewCancel()
	if c.Cancelled() {
		t.Fatal("new token already cancelled")
	}
	select {
	case <-c.Chan():
		t.Fatal("chan closed before Set")
	default:
	}

	c.Set()
	c.Set() // idempotent
	if !c.Cancelled() {
		t.Fatal("token not cancelled after Set")
	}
	select {
	case <-c.Chan():
	case <-time.After(time.Second):
		t.Fatal("chan not closed after Set")
	}
}

func TestEnvClosersRunOnceInReverseOrder(t *testing.T) {
	env := &Env{}
	var order []string
	env.AddCloser(func() { order = append(order, "first") })
	env.AddCloser(func() { order = append(order, "second") })

	env.Close()
	if len(order) != 2 || order[0] != "second" || order[1] != "first" {
		t.Fatalf("close order = %v, want [second first]", order)
	}

	env.Close() // second call is a no-op
	if len(order) != 2 {
		t.Fatalf("closers ran again: %v", order)
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	o := DefaultOptions()
	o.CrawlDepth = 2
	o.Priority = 7
	o.Filters.ExcludedExts = []string{"gif"}

	b, err := o.Encode()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeOptions(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.CrawlDepth != 2 || got.Priority != 7 || len(got.Filters.ExcludedExts) != 1 {
		t.Fatalf("round trip lost fields: %+v", got)
	}

	// Empty blob yields defaults.
	got, err = DecodeOptions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.ItemWorkers != 3 || !got.Filters.Images {
		t.Fatalf("empty decode not defaulted: %+v", got)
	}
}

type memHistory struct {
	mu   sync.Mutex
	done map[string]string // key -> status
}

func (h *memHistory) CompletedKeys(ctx context.Context, jobID string) (map[string]bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]bool)
	for k, s := range h.done {
		if s == "completed" || s == "skipped" {
			out[k] = true
		}
	}
	return out, nil
}

func (h *memHistory) MarkItemDone(ctx context.Context, jobID, itemKey, filePath, status string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		h.done = make(map[string]string)
	}
	h.done[itemKey] = status
	return nil
}

func testEnv(t *testing.T, srvURL string, hist History) (*Env, *[]string) {
	t.Helper()
	client, err := fetch.New(fetch.Config{
		Policy: pace.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Jitter: -1},
	})
	if err != nil {
		t.Fatal(err)
	}
	var logs []string
	var mu sync.Mutex
	env := &Env{
		JobID:     "job-1",
		OutFolder: t.TempDir(),
		Filters:   media.DefaultFilters(),
		Options:   DefaultOptions(),
		Client:    client,
		Cancel:    NewCancel(),
		History:   hist,
		Callbacks: Callbacks{Log: func(m string) {
			mu.Lock()
			logs = append(logs, m)
			mu.Unlock()
		}},
	}
	return env, &logs
}

func TestRunItemsResumeSkipsCompleted(t *testing.T) {
	var mu sync.Mutex
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requested = append(requested, r.URL.Path)
		mu.Unlock()
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	items := make([]media.Item, 5)
	for i := range items {
		items[i] = media.Item{URL: srv.URL + "/item" + string(rune('1'+i)) + ".jpg", Type: media.Image}
	}

	hist := &memHistory{done: map[string]string{
		media.CanonicalURL(items[0].URL): "completed",
		media.CanonicalURL(items[2].URL): "skipped",
	}}

	env, _ := testEnv(t, srv.URL, hist)
	res, err := RunItems(context.Background(), env, items)
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	sort.Strings(requested)
	mu.Unlock()
	want := []string{"/item2.jpg", "/item4.jpg", "/item5.jpg"}
	if len(requested) != len(want) {
		t.Fatalf("requested %v, want %v", requested, want)
	}
	for i := range want {
		if requested[i] != want[i] {
			t.Fatalf("requested %v, want %v", requested, want)
		}
	}
	if res.TotalItems != 5 {
		t.Fatalf("total %d, want 5", res.TotalItems)
	}
}

func TestRunItemsDeduplicates(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	items := []media.Item{
		{URL: srv.URL + "/a.jpg?x=1&y=2", Type: media.Image},
		{URL: srv.URL + "/a.jpg?y=2&x=1", Type: media.Image}, // same canonical key
	}

	env, _ := testEnv(t, srv.URL, &memHistory{})
	res, err := RunItems(context.Background(), env, items)
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalItems != 1 || hits != 1 {
		t.Fatalf("total=%d hits=%d, want 1/1", res.TotalItems, hits)
	}
}

func TestRunItemsNoMedia(t *testing.T) {
	env, _ := testEnv(t, "", &memHistory{})
	res, err := RunItems(context.Background(), env, nil)
	if !errors.Is(err, ErrNoMedia) {
		t.Fatalf("got %v, want ErrNoMedia", err)
	}
	if res.Success || res.ErrorMessage == "" {
		t.Fatalf("want failed result with message, got %+v", res)
	}
}

func TestRunItemsFailureDoesNotAbortSiblings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	items := []media.Item{
		{URL: srv.URL + "/bad.jpg", Type: media.Image},
		{URL: srv.URL + "/good.jpg", Type: media.Image},
	}

	env, _ := testEnv(t, srv.URL, &memHistory{})
	res, err := RunItems(context.Background(), env, items)
	if err != nil {
		t.Fatal(err)
	}
	if res.CompletedItems != 1 || len(res.FailedItems) != 1 {
		t.Fatalf("completed=%d failed=%v", res.CompletedItems, res.FailedItems)
	}
	if !res.Success {
		t.Fatal("per-item failure must not fail the job")
	}
}

func TestRunItemsCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	items := []media.Item{{URL: srv.URL + "/slow.jpg", Type: media.Image}}
	env, _ := testEnv(t, srv.URL, &memHistory{})

	go func() {
		time.Sleep(50 * time.Millisecond)
		env.Cancel.Set()
	}()

	res, err := RunItems(context.Background(), env, items)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}
	// The interrupted item was neither completed nor failed; counting it
	// as failed would misreport the cancelled job's counters.
	if len(res.FailedItems) != 0 || res.CompletedItems != 0 {
		t.Fatalf("failed=%v completed=%d, want no settled items", res.FailedItems, res.CompletedItems)
	}
}

func TestRunItemsFilteredItemsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("data"))
	}))
	defer srv.Close()

	env, logs := testEnv(t, srv.URL, &memHistory{})
	env.Filters.Images = false

	items := []media.Item{{URL: srv.URL + "/a.jpg", Type: media.Image}}
	res, err := RunItems(context.Background(), env, items)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.SkippedItems) != 1 || res.CompletedItems != 0 {
		t.Fatalf("skipped=%v completed=%d", res.SkippedItems, res.CompletedItems)
	}
	if len(*logs) == 0 {
		t.Fatal("expected a skip log line")
	}
}
