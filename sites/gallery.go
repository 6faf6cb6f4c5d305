package sites

import (
	"context"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/extract"
	"github.com/mediagrab/mediagrab/media"
)

// galleryHosts are the image-gallery sites the fallback claims.
var galleryHosts = []string{"imgur.com", "flickr.com", "500px.com", "deviantart.com", "artstation.com"}

// Gallery is the gallery-host fallback: image-focused extraction over a
// listing page of a known gallery site.
type Gallery struct {
	env      *engine.Env
	analyzer *extract.Analyzer
}

// NewGallery creates the gallery fallback engine.
func NewGallery(env *engine.Env, analyzer *extract.Analyzer) *Gallery {
	return &Gallery{env: env, analyzer: analyzer}
}

func (g *Gallery) Name() string { return "gallery" }

func (g *Gallery) CanHandle(url string) bool {
	return isHTTP(url) && hostIn(url, galleryHosts)
}

func (g *Gallery) Fetch(ctx context.Context, url string) (*engine.Result, error) {
	g.env.Callbacks.Logf("analyzing gallery page %s", url)

	found, err := g.analyzer.Analyze(ctx, url)
	if err != nil {
		return &engine.Result{ErrorMessage: err.Error()}, err
	}

	// Galleries are about pictures; everything else on the page is chrome.
	items := found[:0:0]
	for _, it := range found {
		if it.Type == media.Image {
			items = append(items, it)
		}
	}
	return engine.RunItems(ctx, g.env, items)
}
