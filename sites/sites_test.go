package sites

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/extract"
	"github.com/mediagrab/mediagrab/fetch"
	"github.com/mediagrab/mediagrab/media"
	"github.com/mediagrab/mediagrab/pace"
)

func testEnv(t *testing.T) *engine.Env {
	t.Helper()
	client, err := fetch.New(fetch.Config{
		Policy: pace.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Jitter: -1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &engine.Env{
		JobID:     "job-1",
		OutFolder: t.TempDir(),
		Filters:   media.DefaultFilters(),
		Options:   engine.DefaultOptions(),
		Client:    client,
		Cancel:    engine.NewCancel(),
	}
}

func TestHostIn(t *testing.T) {
	if !hostIn("https://www.imgur.com/a/xyz", galleryHosts) {
		t.Fatal("www.imgur.com not matched")
	}
	if !hostIn("https://i.imgur.com/a.jpg", galleryHosts) {
		t.Fatal("subdomain not matched")
	}
	if hostIn("https://imgur.com.evil.test/x", galleryHosts) {
		t.Fatal("suffix spoof matched")
	}
}

func TestDirectCanHandle(t *testing.T) {
	env := testEnv(t)
	d := NewDirect(env)

	if !d.CanHandle("https://cdn.test/video.mp4") {
		t.Fatal("direct media URL rejected")
	}
	if d.CanHandle("https://cdn.test/page.html") {
		t.Fatal("non-media URL accepted")
	}
	if d.CanHandle("ftp://cdn.test/video.mp4") {
		t.Fatal("non-http scheme accepted")
	}
}

func TestDirectFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("media-bytes"))
	}))
	defer srv.Close()

	env := testEnv(t)
	d := NewDirect(env)
	res, err := d.Fetch(context.Background(), srv.URL+"/clip.mp4")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.CompletedItems != 1 {
		t.Fatalf("got %+v, want one completed item", res)
	}
	data, err := os.ReadFile(filepath.Join(env.OutFolder, "clip.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "media-bytes" {
		t.Fatalf("file content %q", data)
	}
}

func TestUniversalFetchSinglePage(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><head><meta property="og:image" content="/hero.jpg"></head></html>`)
	})
	mux.HandleFunc("/hero.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg"))
	})

	env := testEnv(t)
	u := NewUniversal(env, extract.New(env.Client, extract.Options{}))

	res, err := u.Fetch(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalItems != 1 || res.CompletedItems != 1 {
		t.Fatalf("got %+v, want 1/1", res)
	}
}

func TestUniversalNoMediaFailsJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><p>nothing here</p></body></html>`)
	}))
	defer srv.Close()

	env := testEnv(t)
	u := NewUniversal(env, extract.New(env.Client, extract.Options{}))

	res, err := u.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("expected no-media error")
	}
	if res.Success || res.ErrorMessage == "" {
		t.Fatalf("got %+v, want failure with message", res)
	}
}

func TestGalleryFiltersToImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ".jpg"):
			w.Write([]byte("jpeg"))
		case strings.HasSuffix(r.URL.Path, ".mp4"):
			w.Write([]byte("vid"))
		default:
			fmt.Fprintf(w, `<html><body>
				<a href="/full/one.jpg">one</a>
				<a href="/full/two.jpg">two</a>
				<a href="/clip.mp4">clip</a>
			</body></html>`)
		}
	}))
	defer srv.Close()

	env := testEnv(t)
	g := NewGallery(env, extract.New(env.Client, extract.Options{}))

	res, err := g.Fetch(context.Background(), srv.URL+"/album")
	if err != nil {
		t.Fatal(err)
	}
	// The mp4 anchor is dropped by the image focus.
	if res.TotalItems != 2 || res.CompletedItems != 2 {
		t.Fatalf("got %+v, want 2 images", res)
	}
}

func TestStreamCanHandle(t *testing.T) {
	env := testEnv(t)
	s := NewStream(env, extract.New(env.Client, extract.Options{}))

	for _, u := range []string{
		"https://www.youtube.com/watch?v=abc",
		"https://youtu.be/abc",
		"https://vimeo.com/12345",
	} {
		if !s.CanHandle(u) {
			t.Fatalf("%s rejected", u)
		}
	}
	if s.CanHandle("https://example.com/watch") {
		t.Fatal("non-stream host accepted")
	}
}

func TestPlaylistID(t *testing.T) {
	if got := playlistID("https://www.youtube.com/playlist?list=PLxyz"); got != "PLxyz" {
		t.Fatalf("got %q", got)
	}
	if got := playlistID("https://www.youtube.com/watch?v=abc"); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
	if got := playlistID("https://vimeo.com/x?list=PL"); got != "" {
		t.Fatalf("non-youtube host yielded %q", got)
	}
}

func TestPickRenditions(t *testing.T) {
	found := []media.Item{
		{URL: "https://h/page", Type: media.Video, Source: "stream-host"},
		{URL: "https://h/v.mp4", Type: media.Video, Source: "opengraph"},
		{URL: "https://h/a.mp3", Type: media.Audio, Source: "media-tag"},
		{URL: "https://h/t.jpg", Type: media.Image, Source: "opengraph"},
	}

	both := pickRenditions(found, "")
	if len(both) != 2 {
		t.Fatalf("got %+v, want video+audio", both)
	}
	audio := pickRenditions(found, "audio")
	if len(audio) != 1 || audio[0].Type != media.Audio {
		t.Fatalf("got %+v, want audio only", audio)
	}
}

func TestDefaultChainOrder(t *testing.T) {
	env := testEnv(t)
	chain := DefaultChain(env)
	want := []string{"gallery", "stream", "universal"}
	if len(chain) != len(want) {
		t.Fatalf("chain length %d", len(chain))
	}
	for i, e := range chain {
		if e.Name() != want[i] {
			t.Fatalf("chain[%d] = %s, want %s", i, e.Name(), want[i])
		}
	}

	// The shared analyzer's shutdown is registered on the env; tearing the
	// env down with no browser launched must be safe.
	env.Close()
}
