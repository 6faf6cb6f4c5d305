package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mediagrab/mediagrab/pace"
)

// Progress receives byte counts while a download streams. total is -1 when
// the server sends no Content-Length.
type Progress func(done, total int64)

// Download streams rawURL to destPath. The body lands in destPath + ".part"
// first and is renamed into place on success, so a crash or cancellation
// never leaves a corrupt file at the destination. The throttle paces writes
// (nil = unthrottled) and progress, when non-nil, is called after each chunk.
//
// A body shorter than the advertised Content-Length returns ErrTruncated,
// which is retryable at the Do layer on a fresh call.
func (c *Client) Download(ctx context.Context, rawURL, destPath string, throttle *pace.Throttle, progress Progress) (int64, error) {
	resp, err := c.Do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("fetch: mkdir: %w", err)
	}

	part := destPath + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, fmt.Errorf("fetch: create: %w", err)
	}

	total := resp.ContentLength // -1 when unknown
	var written int64
	buf := make([]byte, 64*1024)

	fail := func(err error) (int64, error) {
		f.Close()
		os.Remove(part)
		return written, err
	}

	for {
		if ctx.Err() != nil {
			return fail(ctx.Err())
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fail(fmt.Errorf("fetch: write: %w", werr))
			}
			written += int64(n)
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.BytesDownloaded(int64(n))
			}
			if progress != nil {
				progress(written, total)
			}
			if err := throttle.Wait(ctx, n); err != nil {
				return fail(err)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail(fmt.Errorf("fetch: read body: %w", rerr))
		}
	}

	if total > 0 && written < total {
		return fail(fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, written, total))
	}

	if err := f.Close(); err != nil {
		os.Remove(part)
		return written, fmt.Errorf("fetch: close: %w", err)
	}
	if err := os.Rename(part, destPath); err != nil {
		os.Remove(part)
		return written, fmt.Errorf("fetch: rename: %w", err)
	}
	return written, nil
}

// Get fetches rawURL and returns at most maxBytes of the body. Used for
// page analysis, where bodies are HTML rather than media.
func (c *Client) Get(ctx context.Context, rawURL string, maxBytes int64) ([]byte, error) {
	resp, err := c.Do(ctx, http.MethodGet, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	return body, nil
}
