package extract

import (
	"context"
	"fmt"

	"github.com/mediagrab/mediagrab/media"
)

// CrawlOptions bounds the recursive crawl.
type CrawlOptions struct {
	// Depth is how many link hops from the start URL are followed. 0 means
	// single-page analysis only.
	Depth int
	// MaxPages caps the total pages visited regardless of depth.
	// Default: 50.
	MaxPages int
}

func (o *CrawlOptions) defaults() {
	if o.MaxPages <= 0 {
		o.MaxPages = 50
	}
}

// Crawl performs a bounded breadth-first crawl from startURL: the start page
// is analyzed, then same-domain anchor links are enqueued at depth+1 until
// the depth bound or the page-visit budget is reached. A URL is never
// visited twice within one crawl. Every visited page goes through the same
// single-page analysis; discovered items accumulate and are deduplicated by
// exact URL.
//
// onPage, when non-nil, observes each visited page and the items found on
// it before the crawl moves on. Downloads happen after the crawl returns;
// the callback is for progress reporting.
func (a *Analyzer) Crawl(ctx context.Context, startURL string, opts CrawlOptions, onPage func(pageURL string, items []media.Item)) ([]media.Item, error) {
	opts.defaults()

	type page struct {
		url   string
		depth int
	}

	visited := map[string]bool{}
	queue := []page{{url: media.CanonicalURL(startURL), depth: 0}}
	var all []media.Item
	visits := 0

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return dedupe(all), err
		}
		cur := queue[0]
		queue = queue[1:]

		if visited[cur.url] {
			continue
		}
		visited[cur.url] = true
		visits++

		body, err := a.client.Get(ctx, cur.url, a.opts.MaxBodyBytes)
		if err != nil {
			// First page failing is terminal; deeper pages are best effort.
			if visits == 1 {
				return nil, fmt.Errorf("extract: crawl start: %w", err)
			}
			a.opts.Logger.Warn("extract: crawl page failed", "url", cur.url, "error", err)
			continue
		}

		items := dedupe(a.analyzeHTML(ctx, cur.url, body))
		if a.opts.Rendered {
			if rendered, rerr := a.renderedHTML(ctx, cur.url); rerr == nil {
				items = dedupe(append(items, a.analyzeHTML(ctx, cur.url, rendered)...))
			}
		}
		all = append(all, items...)
		if onPage != nil {
			onPage(cur.url, items)
		}

		if visits >= opts.MaxPages {
			a.opts.Logger.Info("extract: crawl page budget reached", "visited", visits)
			break
		}
		if cur.depth >= opts.Depth {
			continue
		}
		for _, link := range pageLinks(body, cur.url) {
			key := media.CanonicalURL(link)
			if !visited[key] {
				queue = append(queue, page{url: key, depth: cur.depth + 1})
			}
		}
	}

	return dedupe(all), nil
}
