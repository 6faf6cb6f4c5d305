// Package fetch implements the resilient HTTP substrate every download
// engine goes through: retry with exponential backoff, Retry-After handling
// on 429, per-domain concurrency and pacing via pace.DomainLimiter, and
// streamed downloads with bandwidth throttling and progress callbacks.
package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mediagrab/mediagrab/pace"
)

// Config configures the Client.
type Config struct {
	// Policy is the retry policy. Zero fields get production defaults.
	Policy pace.Policy
	// Limiter gates requests per domain. Nil disables domain pacing.
	Limiter *pace.DomainLimiter
	// Timeout is the per-request HTTP timeout. Default: 60s.
	Timeout time.Duration
	// UserAgent sent with every request.
	UserAgent string
	// ProxyURL routes requests through an HTTP proxy when set.
	ProxyURL string
	// MaxRedirects caps redirect chains. Default: 5.
	MaxRedirects int
	// Logger overrides the default slog logger.
	Logger *slog.Logger
	// Metrics receives retry counts; nil disables reporting.
	Metrics Metrics
}

// Metrics is the minimal hook the client reports into.
type Metrics interface {
	RequestRetried(domain string)
	BytesDownloaded(n int64)
}

func (c *Config) defaults() {
	c.Policy.Defaults()
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "mediagrab/1.0"
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is a retrying HTTP client. Safe for concurrent use.
type Client struct {
	hc  *http.Client
	cfg Config
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	cfg.defaults()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("fetch: proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	maxRedirects := cfg.MaxRedirects
	return &Client{
		hc: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		cfg: cfg,
	}, nil
}

// Policy returns the client's retry policy.
func (c *Client) Policy() pace.Policy { return c.cfg.Policy }

// Do performs method on rawURL with retries. On HTTP 429 it honours the
// Retry-After header when present, otherwise it backs off per policy.
// Retryable status codes and transient network errors retry while attempts
// remain; any other failure returns immediately. Context cancellation is
// checked before each attempt and aborts without consuming a retry.
//
// The caller owns the returned response body.
func (c *Client) Do(ctx context.Context, method, rawURL string) (*http.Response, error) {
	domain := pace.DomainKey(rawURL)
	log := c.cfg.Logger

	var lastErr error
	for attempt := 0; attempt < c.cfg.Policy.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		resp, err := c.attempt(ctx, method, rawURL, domain)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}
		if !Retryable(err, c.cfg.Policy) || attempt == c.cfg.Policy.MaxAttempts-1 {
			break
		}

		delay := c.cfg.Policy.Backoff(attempt)
		if ra, ok := retryAfterOf(err); ok {
			delay = ra
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RequestRetried(domain)
		}
		log.Warn("fetch: retrying request",
			"url", rawURL,
			"attempt", attempt+1,
			"max_attempts", c.cfg.Policy.MaxAttempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, lastErr
		}
		timer.Stop()
	}

	log.Warn("fetch: request failed", "url", rawURL, "error", lastErr)
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, rawURL, domain string) (*http.Response, error) {
	if c.cfg.Limiter != nil {
		if err := c.cfg.Limiter.Acquire(ctx, domain); err != nil {
			return nil, err
		}
		defer c.cfg.Limiter.Release(domain)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s %s: %w", method, rawURL, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	serr := &StatusError{Code: resp.StatusCode, URL: rawURL}
	if resp.StatusCode == http.StatusTooManyRequests {
		serr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	resp.Body.Close()
	return nil, serr
}

// Head probes a URL's Content-Length without downloading the body. ok is
// false when the server omits the header or reports zero — the size is
// unknown, not zero bytes.
func (c *Client) Head(ctx context.Context, rawURL string) (int64, bool) {
	resp, err := c.Do(ctx, http.MethodHead, rawURL)
	if err != nil {
		return 0, false
	}
	resp.Body.Close()
	if resp.ContentLength > 0 {
		return resp.ContentLength, true
	}
	return 0, false
}

// parseRetryAfter accepts delay-seconds or an HTTP-date. Zero means absent.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
