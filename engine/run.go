package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/mediagrab/mediagrab/media"
)

// ErrCancelled is returned by RunItems when the job's cancel token fires.
// Cancellation is not a failure: the queue maps it to the Cancelled terminal
// status and never records an error message for it.
var ErrCancelled = errors.New("engine: cancelled")

// ErrNoMedia is returned when extraction produced nothing to download. A
// valid outcome, terminal for the job as Failed with a descriptive message.
var ErrNoMedia = errors.New("engine: no media found")

// RunItems is the shared per-item download loop used by every built-in
// engine: it deduplicates items by canonical key, skips work already
// recorded in the job's history, applies the filters, fans the survivors
// out to a bounded worker pool, and settles each item through the history
// hooks. Per-item failures never abort sibling downloads.
func RunItems(ctx context.Context, env *Env, items []media.Item) (*Result, error) {
	start := time.Now()

	// Dedup by canonical key, preserving discovery order.
	seen := make(map[string]bool, len(items))
	deduped := items[:0:0]
	for _, it := range items {
		key := media.CanonicalURL(it.URL)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, it)
	}

	res := &Result{TotalItems: len(deduped)}
	if len(deduped) == 0 {
		res.ErrorMessage = ErrNoMedia.Error()
		res.Elapsed = time.Since(start)
		return res, ErrNoMedia
	}

	var done map[string]bool
	if env.History != nil {
		var err error
		done, err = env.History.CompletedKeys(ctx, env.JobID)
		if err != nil {
			env.Log().Warn("engine: resume lookup failed, refetching all", "job", env.JobID, "error", err)
		}
	}

	workers := env.Options.ItemWorkers
	if workers <= 0 {
		workers = 3
	}
	sem := make(chan struct{}, workers)

	var mu sync.Mutex
	var wg sync.WaitGroup
	completed := 0

	settle := func(key, path, status string) {
		if env.History != nil {
			if err := env.History.MarkItemDone(context.WithoutCancel(ctx), env.JobID, key, path, status); err != nil {
				env.Log().Warn("engine: mark item failed", "job", env.JobID, "key", key, "error", err)
			}
		}
	}

	for _, it := range deduped {
		if env.Cancelled() || ctx.Err() != nil {
			break
		}

		item := it
		key := media.CanonicalURL(item.URL)

		if done[key] {
			mu.Lock()
			completed++
			res.CompletedItems = completed
			env.Callbacks.progress(completed+len(res.SkippedItems), res.TotalItems)
			mu.Unlock()
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-env.cancelChan():
			goto drained
		case <-ctx.Done():
			goto drained
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			outcome, path := runOne(ctx, env, item, key)

			mu.Lock()
			switch outcome {
			case "completed":
				completed++
				res.CompletedItems = completed
			case "skipped":
				res.SkippedItems = append(res.SkippedItems, item.URL)
			case "":
				// Interrupted by cancellation: not an item failure,
				// nothing to record.
			default:
				res.FailedItems = append(res.FailedItems, item.URL)
			}
			env.Callbacks.progress(completed+len(res.SkippedItems), res.TotalItems)
			mu.Unlock()

			if outcome != "" {
				settle(key, path, outcome)
			}
		}()
	}

drained:
	wg.Wait()

	res.Elapsed = time.Since(start)
	if env.Cancelled() || ctx.Err() != nil {
		return res, ErrCancelled
	}
	res.Success = true
	return res, nil
}

// runOne settles a single item: filter, skip-check, download. The returned
// outcome is "completed", "skipped", "failed", or "" when cancellation
// interrupted the item before it settled.
func runOne(ctx context.Context, env *Env, item media.Item, key string) (outcome, path string) {
	if !env.Filters.ShouldDownload(item) {
		env.Callbacks.log(fmt.Sprintf("skipping %s: filtered by type/size", item.URL))
		return "skipped", ""
	}

	var probe media.SizeProbe
	if env.Client != nil {
		probe = env.Client.Head
	}
	if skip, reason := env.Filters.ShouldSkip(ctx, item.URL, item.Filename, time.Time{}, probe); skip {
		env.Callbacks.log(fmt.Sprintf("skipping %s: %s", item.URL, reason))
		return "skipped", ""
	}

	if env.Cancelled() {
		return "", ""
	}

	name := item.Filename
	if name == "" {
		name = media.FilenameFromURL(item.URL)
	}
	dest := filepath.Join(env.OutFolder, media.SanitizeFilename(name))

	progress := func(done, total int64) {
		if env.Callbacks.ItemProgress != nil {
			env.Callbacks.ItemProgress(done, total, map[string]string{
				"url":  item.URL,
				"type": string(item.Type),
			})
		}
	}

	// Tie the download to the cancel token so an in-flight body read
	// unwinds promptly.
	dctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if env.Cancel != nil {
		go func() {
			select {
			case <-env.Cancel.Chan():
				cancel()
			case <-dctx.Done():
			}
		}()
	}

	if _, err := env.Client.Download(dctx, item.URL, dest, env.Throttle, progress); err != nil {
		if env.Cancelled() {
			return "", ""
		}
		env.Callbacks.log(fmt.Sprintf("failed %s: %v", item.URL, err))
		return "failed", ""
	}

	env.Callbacks.log(fmt.Sprintf("completed %s", item.URL))
	return "completed", dest
}
