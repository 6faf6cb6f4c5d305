// Package extract implements the universal page analyzer: for URLs no
// specific engine claims, it runs a fixed ladder of extraction techniques
// against one page — stream-host and gallery-host delegation, Open Graph
// tags, JSON-LD structured data, HTML5 media tags, images, media-extension
// anchors, an optional rendered-DOM pass, and iframe embeds — accumulating
// candidates across all enabled techniques before deduplicating by exact
// URL. A bounded same-domain crawl reuses the same analysis per page.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/mediagrab/mediagrab/fetch"
	"github.com/mediagrab/mediagrab/media"
)

// Options tunes the analyzer.
type Options struct {
	// MaxBodyBytes caps how much of a page is read. Default: 10MB.
	MaxBodyBytes int64
	// StreamHosts are video/audio hosts handed to the stream delegate
	// (technique 1). Defaults cover the common video platforms.
	StreamHosts []string
	// GalleryHosts are image-gallery hosts handed to the gallery delegate
	// (technique 2).
	GalleryHosts []string
	// EmbedHosts are video hosts recognised inside iframe src attributes
	// (technique 9). Defaults to StreamHosts when empty.
	EmbedHosts []string
	// Rendered enables the headless-browser DOM pass (technique 8). Far
	// more expensive than static analysis; off unless explicitly enabled.
	Rendered bool
	// MinIconSize drops <img> tags whose declared width and height are both
	// present and either is below this. Default: 100.
	MinIconSize int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 10 * 1024 * 1024
	}
	if o.StreamHosts == nil {
		o.StreamHosts = []string{
			"youtube.com", "youtu.be", "vimeo.com", "dailymotion.com",
			"twitch.tv", "soundcloud.com",
		}
	}
	if o.GalleryHosts == nil {
		o.GalleryHosts = []string{"imgur.com", "flickr.com", "500px.com"}
	}
	if o.EmbedHosts == nil {
		o.EmbedHosts = o.StreamHosts
	}
	if o.MinIconSize <= 0 {
		o.MinIconSize = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Analyzer runs the technique ladder against pages fetched through the
// resilient client.
type Analyzer struct {
	client  *fetch.Client
	opts    Options
	browser *Browser // lazily started, only when opts.Rendered
}

// New creates an Analyzer.
func New(client *fetch.Client, opts Options) *Analyzer {
	opts.defaults()
	return &Analyzer{client: client, opts: opts}
}

// Close releases the headless browser if the rendered pass ever started one.
func (a *Analyzer) Close() {
	if a.browser != nil {
		a.browser.Close()
	}
}

// Analyze fetches pageURL and returns every media item the enabled
// techniques discover, deduplicated by exact URL in discovery order.
func (a *Analyzer) Analyze(ctx context.Context, pageURL string) ([]media.Item, error) {
	body, err := a.client.Get(ctx, pageURL, a.opts.MaxBodyBytes)
	if err != nil {
		return nil, fmt.Errorf("extract: fetch page: %w", err)
	}

	items := a.analyzeHTML(ctx, pageURL, body)

	if a.opts.Rendered {
		rendered, err := a.renderedHTML(ctx, pageURL)
		if err != nil {
			a.opts.Logger.Warn("extract: rendered pass failed", "url", pageURL, "error", err)
		} else {
			items = append(items, a.analyzeHTML(ctx, pageURL, rendered)...)
		}
	}

	return dedupe(items), nil
}

// analyzeHTML runs the static techniques (1–7, 9) over one HTML body.
func (a *Analyzer) analyzeHTML(ctx context.Context, pageURL string, body []byte) []media.Item {
	var items []media.Item

	host := hostOf(pageURL)

	// 1. Known stream hosts: the page itself is the media unit; the stream
	// engine resolves the actual rendition.
	if hostMatches(host, a.opts.StreamHosts) {
		items = append(items, media.Item{
			URL: pageURL, Type: media.Video, Source: "stream-host",
			Filename: media.FilenameFromURL(pageURL),
		})
	}

	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		a.opts.Logger.Warn("extract: parse failed", "url", pageURL, "error", err)
		return items
	}

	// 2. Known gallery hosts: harvest full-size image links aggressively.
	if hostMatches(host, a.opts.GalleryHosts) {
		items = append(items, a.galleryLinks(doc, pageURL)...)
	}

	items = append(items, a.openGraph(doc, pageURL)...)       // 3
	items = append(items, a.jsonLD(doc, pageURL)...)          // 4
	items = append(items, a.mediaTags(doc, pageURL)...)       // 5
	items = append(items, a.imageTags(doc, pageURL)...)       // 6
	items = append(items, a.mediaAnchors(doc, pageURL)...)    // 7
	items = append(items, a.iframeEmbeds(doc, pageURL)...)    // 9

	return items
}

// dedupe keeps the first occurrence of each exact URL.
func dedupe(items []media.Item) []media.Item {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if it.URL == "" || seen[it.URL] {
			continue
		}
		seen[it.URL] = true
		out = append(out, it)
	}
	return out
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func hostMatches(host string, list []string) bool {
	for _, h := range list {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// absolute resolves a possibly-relative reference against the page URL.
func absolute(pageURL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") || strings.HasPrefix(ref, "javascript:") {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

// classified builds an Item when the URL maps to a known media type.
func classified(rawURL, source string) (media.Item, bool) {
	t := media.Classify(rawURL)
	if t == media.Unknown {
		return media.Item{}, false
	}
	return media.Item{
		URL:      rawURL,
		Type:     t,
		Filename: media.FilenameFromURL(rawURL),
		Source:   source,
	}, true
}
