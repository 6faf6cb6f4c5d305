// Package media holds the shared vocabulary of the download engine: media
// item types, extension classification, canonical URL keys, filename
// sanitisation, and the filter rules every fetch engine applies before
// touching the network for a body.
package media

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// Type classifies a media URL by its extension.
type Type string

const (
	Video    Type = "video"
	Image    Type = "image"
	Audio    Type = "audio"
	Archive  Type = "archive"
	Document Type = "document"
	Unknown  Type = "unknown"
)

// Item is a concrete media location discovered during page analysis.
// Items are extraction-time values, never persisted.
type Item struct {
	URL           string
	Type          Type
	Filename      string
	EstimatedSize int64  // bytes, 0 = unknown
	Quality       string // e.g. "1080p"
	Format        string // e.g. "mp4"
	Source        string // extraction technique that found it
}

var extTypes = map[string]Type{}

func init() {
	register := func(t Type, exts ...string) {
		for _, e := range exts {
			extTypes[e] = t
		}
	}
	register(Video, ".mp4", ".webm", ".mkv", ".avi", ".mov", ".flv", ".wmv", ".m4v", ".mpg", ".mpeg", ".ts", ".m3u8")
	register(Image, ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".svg", ".avif", ".heic", ".tiff")
	register(Audio, ".mp3", ".m4a", ".ogg", ".opus", ".flac", ".wav", ".aac", ".wma")
	register(Archive, ".zip", ".rar", ".7z", ".tar", ".gz", ".bz2", ".xz")
	register(Document, ".pdf", ".epub", ".mobi", ".doc", ".docx", ".txt")
}

// Classify maps a URL to a Type via extension lookup. Anything unmatched is
// Unknown and excluded from download.
func Classify(rawURL string) Type {
	ext := Extension(rawURL)
	if t, ok := extTypes[ext]; ok {
		return t
	}
	return Unknown
}

// Extension returns the lower-cased path extension of a URL, query and
// fragment ignored. Empty when the path has none.
func Extension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

// CanonicalURL returns the stable, order-independent form of a URL used for
// deduplication and resume matching: fragment stripped, query parameters
// sorted by key. Idempotent.
func CanonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Fragment = ""
	if u.RawQuery != "" {
		q := u.Query()
		keys := make([]string, 0, len(q))
		for k := range q {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var b strings.Builder
		for _, k := range keys {
			vals := q[k]
			sort.Strings(vals)
			for _, v := range vals {
				if b.Len() > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
		u.RawQuery = b.String()
	}
	return u.String()
}

const fallbackName = "download"

// SanitizeFilename makes a name safe for the filesystem: the characters
// <>:"/\|?* and control characters become '_', leading and trailing dots and
// spaces are trimmed, and an empty result falls back to "download".
func SanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return fallbackName
	}
	return out
}

// FilenameFromURL derives a sanitised filename from the URL path's last
// segment, falling back to "download" when the path is empty.
func FilenameFromURL(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	base := path.Base(p)
	if base == "." || base == "/" {
		base = ""
	}
	if unescaped, err := url.PathUnescape(base); err == nil {
		base = unescaped
	}
	return SanitizeFilename(base)
}
