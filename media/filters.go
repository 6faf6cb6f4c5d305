package media

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// SizeProbe looks up a remote size without downloading the body, typically a
// HEAD request. ok is false when the server omits Content-Length or reports
// zero — that is "unknown", never "0 bytes".
type SizeProbe func(ctx context.Context, url string) (size int64, ok bool)

// Filters is the per-job filtering configuration. A zero size bound means
// "no limit"; zero time bounds mean "no date restriction".
type Filters struct {
	Videos    bool `json:"videos" yaml:"videos"`
	Images    bool `json:"images" yaml:"images"`
	Audio     bool `json:"audio" yaml:"audio"`
	Archives  bool `json:"archives" yaml:"archives"`
	Documents bool `json:"documents" yaml:"documents"`

	MinSize int64 `json:"min_size" yaml:"min_size"` // bytes
	MaxSize int64 `json:"max_size" yaml:"max_size"` // bytes

	ExcludedExts []string `json:"excluded_exts" yaml:"excluded_exts"` // with or without leading dot

	From time.Time `json:"from" yaml:"from"`
	To   time.Time `json:"to" yaml:"to"`
}

// DefaultFilters accepts every media type with no size or date limits.
func DefaultFilters() Filters {
	return Filters{Videos: true, Images: true, Audio: true, Archives: true, Documents: true}
}

func (f Filters) typeEnabled(t Type) bool {
	switch t {
	case Video:
		return f.Videos
	case Image:
		return f.Images
	case Audio:
		return f.Audio
	case Archive:
		return f.Archives
	case Document:
		return f.Documents
	default:
		return false
	}
}

// SizeFiltersActive reports whether any byte-size bound is configured.
func (f Filters) SizeFiltersActive() bool {
	return f.MinSize > 0 || f.MaxSize > 0
}

// ShouldDownload applies the type toggle and then the size bounds to an
// already-discovered item. A zero EstimatedSize passes the size check — the
// size is unknown, not zero.
func (f Filters) ShouldDownload(item Item) bool {
	if !f.typeEnabled(item.Type) {
		return false
	}
	if item.EstimatedSize > 0 {
		if f.MinSize > 0 && item.EstimatedSize < f.MinSize {
			return false
		}
		if f.MaxSize > 0 && item.EstimatedSize > f.MaxSize {
			return false
		}
	}
	return true
}

// ShouldSkip rejects a URL before its body is fetched: by excluded extension,
// by post date outside the [From, To] inclusive range, and — only when size
// filters are active and a probe is supplied — by a HEAD byte-size check.
// The returned reason is empty when the URL passes.
func (f Filters) ShouldSkip(ctx context.Context, url, filename string, postDate time.Time, probe SizeProbe) (bool, string) {
	name := filename
	if name == "" {
		name = url
	}
	ext := Extension(name)
	for _, excluded := range f.ExcludedExts {
		e := strings.ToLower(excluded)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if ext == e {
			return true, fmt.Sprintf("extension %s excluded", ext)
		}
	}

	if !postDate.IsZero() {
		if !f.From.IsZero() && postDate.Before(f.From) {
			return true, fmt.Sprintf("posted %s before %s", postDate.Format(time.DateOnly), f.From.Format(time.DateOnly))
		}
		if !f.To.IsZero() && postDate.After(f.To) {
			return true, fmt.Sprintf("posted %s after %s", postDate.Format(time.DateOnly), f.To.Format(time.DateOnly))
		}
	}

	if f.SizeFiltersActive() && probe != nil {
		if size, ok := probe(ctx, url); ok {
			if f.MinSize > 0 && size < f.MinSize {
				return true, fmt.Sprintf("size %d below minimum %d", size, f.MinSize)
			}
			if f.MaxSize > 0 && size > f.MaxSize {
				return true, fmt.Sprintf("size %d above maximum %d", size, f.MaxSize)
			}
		}
	}

	return false, ""
}
