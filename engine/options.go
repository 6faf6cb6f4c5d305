package engine

import (
	"encoding/json"
	"fmt"

	"github.com/mediagrab/mediagrab/media"
)

// Options is the immutable per-job snapshot of behaviour configuration,
// captured at submission time. Later global config changes must not alter
// in-flight or historical jobs, so the snapshot is serialised into the jobs
// table verbatim.
type Options struct {
	Filters media.Filters `json:"filters"`

	// ProxyURL routes this job's requests through an HTTP proxy.
	ProxyURL string `json:"proxy_url,omitempty"`

	// MaxAttempts overrides the client retry limit when > 0.
	MaxAttempts int `json:"max_attempts,omitempty"`

	// CrawlDepth enables the recursive same-domain crawl when > 0.
	CrawlDepth int `json:"crawl_depth,omitempty"`
	// MaxPages bounds the number of pages visited in crawl mode.
	MaxPages int `json:"max_pages,omitempty"`

	// Rendered enables the headless-browser DOM pass. Expensive; off by
	// default.
	Rendered bool `json:"rendered,omitempty"`

	// Format is the preferred stream format selection (engine specific,
	// e.g. "best", "audio").
	Format string `json:"format,omitempty"`

	// ItemWorkers is the per-job download fan-out. Default 3.
	ItemWorkers int `json:"item_workers,omitempty"`

	// Priority orders pending jobs; higher dispatches first.
	Priority int `json:"priority,omitempty"`
}

// DefaultOptions returns a snapshot accepting all media types.
func DefaultOptions() Options {
	return Options{Filters: media.DefaultFilters(), ItemWorkers: 3}
}

// Encode serialises the snapshot for persistence.
func (o Options) Encode() ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("engine: encode options: %w", err)
	}
	return b, nil
}

// DecodeOptions restores a snapshot persisted by Encode. Empty input yields
// defaults, so jobs submitted before a field existed keep working.
func DecodeOptions(data []byte) (Options, error) {
	if len(data) == 0 {
		return DefaultOptions(), nil
	}
	var o Options
	if err := json.Unmarshal(data, &o); err != nil {
		return Options{}, fmt.Errorf("engine: decode options: %w", err)
	}
	if o.ItemWorkers <= 0 {
		o.ItemWorkers = 3
	}
	return o, nil
}
