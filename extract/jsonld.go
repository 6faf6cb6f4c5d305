package extract

import (
	"encoding/json"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mediagrab/mediagrab/media"
)

// jsonLD extracts media URLs from JSON-LD structured data blocks
// (technique 4): every <script type="application/ld+json"> is decoded and
// searched recursively for contentUrl/thumbnailUrl/url/image keys.
func (a *Analyzer) jsonLD(doc *html.Node, pageURL string) []media.Item {
	var items []media.Item
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.Script || !strings.EqualFold(attr(n, "type"), "application/ld+json") {
			return
		}
		var raw strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				raw.WriteString(c.Data)
			}
		}
		var data any
		if err := json.Unmarshal([]byte(raw.String()), &data); err != nil {
			return
		}
		for _, u := range jsonLDURLs(data) {
			abs := absolute(pageURL, u)
			if abs == "" {
				continue
			}
			if it, ok := classified(abs, "json-ld"); ok {
				items = append(items, it)
			}
		}
	})
	return items
}

var jsonLDKeys = map[string]bool{
	"contentUrl":   true,
	"thumbnailUrl": true,
	"url":          true,
	"image":        true,
}

// jsonLDURLs walks the decoded JSON recursively, collecting string values
// under the media-bearing keys. Arrays and nested objects are descended in
// full: a key like "image" may hold a string, an object, or a list of
// either.
func jsonLDURLs(data any) []string {
	var urls []string
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			if jsonLDKeys[key] {
				if s, ok := val.(string); ok {
					urls = append(urls, s)
					continue
				}
			}
			urls = append(urls, jsonLDURLs(val)...)
		}
	case []any:
		for _, el := range v {
			urls = append(urls, jsonLDURLs(el)...)
		}
	}
	return urls
}
