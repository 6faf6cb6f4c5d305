package extract

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/mediagrab/mediagrab/media"
)

// walk visits every element node in document order.
func walk(n *html.Node, visit func(*html.Node)) {
	if n.Type == html.ElementNode {
		visit(n)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, visit)
	}
}

// attr returns the value of the named attribute, or "".
func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// openGraph extracts og:image / og:video / og:audio meta tags (technique 3).
func (a *Analyzer) openGraph(doc *html.Node, pageURL string) []media.Item {
	var items []media.Item
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.Meta {
			return
		}
		prop := attr(n, "property")
		content := absolute(pageURL, attr(n, "content"))
		if content == "" {
			return
		}
		var t media.Type
		switch prop {
		case "og:image", "og:image:url", "og:image:secure_url":
			t = media.Image
		case "og:video", "og:video:url", "og:video:secure_url":
			t = media.Video
		case "og:audio", "og:audio:url", "og:audio:secure_url":
			t = media.Audio
		default:
			return
		}
		items = append(items, media.Item{
			URL: content, Type: t, Source: "opengraph",
			Filename: media.FilenameFromURL(content),
		})
	})
	return items
}

// mediaTags extracts <video>/<audio> elements and their <source> children
// (technique 5).
func (a *Analyzer) mediaTags(doc *html.Node, pageURL string) []media.Item {
	var items []media.Item
	walk(doc, func(n *html.Node) {
		var t media.Type
		switch n.DataAtom {
		case atom.Video:
			t = media.Video
		case atom.Audio:
			t = media.Audio
		default:
			return
		}
		if src := absolute(pageURL, attr(n, "src")); src != "" {
			items = append(items, media.Item{
				URL: src, Type: t, Source: "media-tag",
				Filename: media.FilenameFromURL(src),
			})
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.DataAtom == atom.Source {
				if src := absolute(pageURL, attr(c, "src")); src != "" {
					items = append(items, media.Item{
						URL: src, Type: t, Source: "media-tag",
						Filename: media.FilenameFromURL(src),
						Format:   attr(c, "type"),
					})
				}
			}
		}
	})
	return items
}

// imageTags extracts <img> elements, dropping declared icons: skipped when
// both width and height attributes are present and either is below
// MinIconSize (technique 6).
func (a *Analyzer) imageTags(doc *html.Node, pageURL string) []media.Item {
	var items []media.Item
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.Img {
			return
		}
		w, wOK := dimension(attr(n, "width"))
		h, hOK := dimension(attr(n, "height"))
		if wOK && hOK && (w < a.opts.MinIconSize || h < a.opts.MinIconSize) {
			return
		}
		src := absolute(pageURL, attr(n, "src"))
		if src == "" {
			return
		}
		items = append(items, media.Item{
			URL: src, Type: media.Image, Source: "img-tag",
			Filename: media.FilenameFromURL(src),
		})
	})
	return items
}

func dimension(v string) (int, bool) {
	v = strings.TrimSuffix(strings.TrimSpace(v), "px")
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// mediaAnchors extracts anchors whose target path ends in a known media
// extension (technique 7).
func (a *Analyzer) mediaAnchors(doc *html.Node, pageURL string) []media.Item {
	var items []media.Item
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.A {
			return
		}
		href := absolute(pageURL, attr(n, "href"))
		if href == "" {
			return
		}
		if it, ok := classified(href, "anchor"); ok {
			items = append(items, it)
		}
	})
	return items
}

// galleryLinks is the gallery-host harvest (technique 2): anchors to images
// plus every img src, icons included, since gallery thumbnails often carry
// no dimensions.
func (a *Analyzer) galleryLinks(doc *html.Node, pageURL string) []media.Item {
	var items []media.Item
	walk(doc, func(n *html.Node) {
		switch n.DataAtom {
		case atom.A:
			href := absolute(pageURL, attr(n, "href"))
			if href != "" && media.Classify(href) == media.Image {
				items = append(items, media.Item{
					URL: href, Type: media.Image, Source: "gallery-host",
					Filename: media.FilenameFromURL(href),
				})
			}
		case atom.Img:
			if src := absolute(pageURL, attr(n, "src")); src != "" {
				items = append(items, media.Item{
					URL: src, Type: media.Image, Source: "gallery-host",
					Filename: media.FilenameFromURL(src),
				})
			}
		}
	})
	return items
}

// iframeEmbeds extracts iframes pointing at known video hosts (technique 9).
func (a *Analyzer) iframeEmbeds(doc *html.Node, pageURL string) []media.Item {
	var items []media.Item
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.Iframe {
			return
		}
		src := absolute(pageURL, attr(n, "src"))
		if src == "" || !hostMatches(hostOf(src), a.opts.EmbedHosts) {
			return
		}
		items = append(items, media.Item{
			URL: src, Type: media.Video, Source: "iframe-embed",
			Filename: media.FilenameFromURL(src),
		})
	})
	return items
}

// pageLinks harvests same-domain anchor targets for the crawler.
func pageLinks(body []byte, pageURL string) []string {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return nil
	}
	pageHost := hostOf(pageURL)
	var links []string
	walk(doc, func(n *html.Node) {
		if n.DataAtom != atom.A {
			return
		}
		href := absolute(pageURL, attr(n, "href"))
		if href == "" || hostOf(href) != pageHost {
			return
		}
		links = append(links, href)
	})
	return links
}
