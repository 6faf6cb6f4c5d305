package sites

import (
	"context"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/media"
)

// Direct handles URLs that are themselves media files — the path ends in a
// known media extension. The cheapest engine, registered first.
type Direct struct {
	env *engine.Env
}

// NewDirect creates the direct-link engine.
func NewDirect(env *engine.Env) *Direct {
	return &Direct{env: env}
}

func (d *Direct) Name() string { return "direct" }

func (d *Direct) CanHandle(url string) bool {
	return isHTTP(url) && media.Classify(url) != media.Unknown
}

func (d *Direct) Fetch(ctx context.Context, url string) (*engine.Result, error) {
	item := media.Item{
		URL:      url,
		Type:     media.Classify(url),
		Filename: media.FilenameFromURL(url),
		Source:   "direct",
	}
	return engine.RunItems(ctx, d.env, []media.Item{item})
}
