// Package sites carries the built-in fetch engines: direct media links, the
// gallery-host fallback, the stream-host fallback, and the universal engine
// that handles any http(s) URL through page analysis and optional crawl.
//
// Site-specific engines register ahead of these in the resolver; everything
// here deliberately matches broadly and therefore sits at the end of the
// chain.
package sites

import (
	"strings"

	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/extract"
)

// isHTTP reports whether a URL is fetchable at all.
func isHTTP(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// hostIn reports whether a URL's host (www-stripped) matches any entry.
func hostIn(url string, hosts []string) bool {
	h := hostOf(url)
	if h == "" {
		return false
	}
	for _, cand := range hosts {
		if h == cand || strings.HasSuffix(h, "."+cand) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	rest, ok := strings.CutPrefix(rawURL, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(rawURL, "http://")
		if !ok {
			return ""
		}
	}
	host := rest
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		host = rest[:i]
	}
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// DefaultChain builds the standard fallback chain for a job environment, in
// resolution order: gallery, stream, universal. The analyzer is shared so a
// rendered-pass browser is launched at most once per job, and its shutdown
// is registered on the environment for the job runner to invoke.
func DefaultChain(env *engine.Env) []engine.Engine {
	analyzer := extract.New(env.Client, extract.Options{
		Rendered: env.Options.Rendered,
		Logger:   env.Log(),
	})
	env.AddCloser(analyzer.Close)
	return []engine.Engine{
		NewGallery(env, analyzer),
		NewStream(env, analyzer),
		NewUniversal(env, analyzer),
	}
}
