package sites

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/ytget/ytdlp/v2"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/extract"
	"github.com/mediagrab/mediagrab/media"
)

// streamHosts are the video/audio platforms the fallback claims.
var streamHosts = []string{
	"youtube.com", "youtu.be", "vimeo.com", "dailymotion.com",
	"twitch.tv", "soundcloud.com",
}

// Stream is the stream-host fallback. YouTube playlists are expanded to
// their member videos via the ytdlp library; each video page is then
// analyzed for a direct rendition (og:video, JSON-LD contentUrl, HTML5
// sources) and downloaded like any other item.
type Stream struct {
	env      *engine.Env
	analyzer *extract.Analyzer
}

// NewStream creates the stream fallback engine.
func NewStream(env *engine.Env, analyzer *extract.Analyzer) *Stream {
	return &Stream{env: env, analyzer: analyzer}
}

func (s *Stream) Name() string { return "stream" }

func (s *Stream) CanHandle(url string) bool {
	return isHTTP(url) && hostIn(url, streamHosts)
}

func (s *Stream) Fetch(ctx context.Context, rawURL string) (*engine.Result, error) {
	pages := []string{rawURL}

	if id := playlistID(rawURL); id != "" {
		expanded, err := s.expandPlaylist(ctx, id)
		if err != nil {
			s.env.Callbacks.Logf("playlist expansion failed, analyzing page instead: %v", err)
		} else if len(expanded) > 0 {
			s.env.Callbacks.Logf("playlist %s: %d videos", id, len(expanded))
			pages = expanded
		}
	}

	var items []media.Item
	for _, page := range pages {
		if s.env.Cancelled() {
			break
		}
		found, err := s.analyzer.Analyze(ctx, page)
		if err != nil {
			s.env.Callbacks.Logf("analysis failed for %s: %v", page, err)
			continue
		}
		items = append(items, pickRenditions(found, s.env.Options.Format)...)
	}

	return engine.RunItems(ctx, s.env, items)
}

// expandPlaylist lists the member videos of a YouTube playlist.
func (s *Stream) expandPlaylist(ctx context.Context, playlistID string) ([]string, error) {
	d := ytdlp.New()
	entries, err := d.GetPlaylistItemsAll(ctx, playlistID, 0)
	if err != nil {
		return nil, fmt.Errorf("sites: playlist %s: %w", playlistID, err)
	}
	pages := make([]string, 0, len(entries))
	for _, e := range entries {
		pages = append(pages, "https://www.youtube.com/watch?v="+e.VideoID)
	}
	return pages, nil
}

// playlistID extracts the list parameter from a YouTube URL, "" when absent.
func playlistID(rawURL string) string {
	if !strings.Contains(hostOf(rawURL), "youtu") {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("list")
}

// pickRenditions keeps directly fetchable video/audio renditions discovered
// on a stream page, dropping the stream-host placeholder that points back at
// the page itself. format "audio" prefers audio renditions when present.
func pickRenditions(found []media.Item, format string) []media.Item {
	var video, audio []media.Item
	for _, it := range found {
		if it.Source == "stream-host" || it.Source == "iframe-embed" {
			continue
		}
		switch it.Type {
		case media.Video:
			video = append(video, it)
		case media.Audio:
			audio = append(audio, it)
		}
	}
	if format == "audio" && len(audio) > 0 {
		return audio
	}
	return append(video, audio...)
}
