package sites

import (
	"context"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/extract"
	"github.com/mediagrab/mediagrab/media"
)

// Universal handles any http(s) URL no other engine claimed, through the
// full extraction ladder and, when the job asks for it, a bounded
// same-domain crawl. Always last in the chain.
type Universal struct {
	env      *engine.Env
	analyzer *extract.Analyzer
}

// NewUniversal creates the universal engine.
func NewUniversal(env *engine.Env, analyzer *extract.Analyzer) *Universal {
	return &Universal{env: env, analyzer: analyzer}
}

func (u *Universal) Name() string { return "universal" }

func (u *Universal) CanHandle(url string) bool { return isHTTP(url) }

func (u *Universal) Fetch(ctx context.Context, url string) (*engine.Result, error) {
	var items []media.Item
	var err error

	if depth := u.env.Options.CrawlDepth; depth > 0 {
		u.env.Callbacks.Logf("crawling %s to depth %d", url, depth)
		items, err = u.analyzer.Crawl(ctx, url, extract.CrawlOptions{
			Depth:    depth,
			MaxPages: u.env.Options.MaxPages,
		}, func(pageURL string, pageItems []media.Item) {
			u.env.Callbacks.Logf("visited %s: %d items", pageURL, len(pageItems))
		})
	} else {
		u.env.Callbacks.Logf("analyzing %s", url)
		items, err = u.analyzer.Analyze(ctx, url)
	}
	if err != nil {
		return &engine.Result{ErrorMessage: err.Error()}, err
	}

	return engine.RunItems(ctx, u.env, items)
}
