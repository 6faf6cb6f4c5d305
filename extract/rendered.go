package extract

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"
)

// Browser wraps a lazily-launched headless Chrome used by the rendered-DOM
// pass. One instance is shared across pages and recycled only on Close.
type Browser struct {
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().
		Headless(true).
		Set("disable-blink-features", "AutomationControlled")
	wsURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("extract: launch chrome: %w", err)
	}

	br := rod.New().ControlURL(wsURL)
	if err := br.Connect(); err != nil {
		l.Kill()
		l.Cleanup()
		return nil, fmt.Errorf("extract: connect chrome: %w", err)
	}
	b.lnch = l
	b.browser = br
	return br, nil
}

// Close shuts the browser down.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
}

// renderedHTML loads pageURL in headless Chrome with stealth applied, waits
// for the page load event plus a short settle delay for script-injected
// media, and returns the rendered DOM as HTML.
func (a *Analyzer) renderedHTML(ctx context.Context, pageURL string) ([]byte, error) {
	if a.browser == nil {
		a.browser = &Browser{}
	}
	br, err := a.browser.connect()
	if err != nil {
		return nil, err
	}

	page, err := stealth.Page(br)
	if err != nil {
		return nil, fmt.Errorf("extract: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("extract: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		a.opts.Logger.Warn("extract: wait load timeout", "url", pageURL, "error", err)
	}
	// Give late script injection a moment to attach media elements.
	select {
	case <-time.After(time.Second):
	case <-navCtx.Done():
	}

	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("extract: read DOM: %w", err)
	}
	return []byte(res.Value.Str()), nil
}
