// Command mediagrab is the media download daemon.
//
// Usage:
//
//	mediagrab -config mediagrab.yaml        # run with a config file
//	mediagrab                               # run with defaults
//	mediagrab -url https://example.com/p    # one-shot: fetch and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	_ "modernc.org/sqlite"

	"github.com/mediagrab/mediagrab/api"
	"github.com/mediagrab/mediagrab/config"
	"github.com/mediagrab/mediagrab/dbopen"
	"github.com/mediagrab/mediagrab/engine"
	"github.com/mediagrab/mediagrab/fetch"
	"github.com/mediagrab/mediagrab/metrics"
	"github.com/mediagrab/mediagrab/pace"
	"github.com/mediagrab/mediagrab/queue"
	"github.com/mediagrab/mediagrab/sites"
)

func main() {
	configPath := flag.String("config", "", "path to mediagrab.yaml config file")
	oneShot := flag.String("url", "", "fetch a single URL and exit")
	outFolder := flag.String("out", "", "output folder (overrides config)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	godotenv.Load()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *oneShot, *outFolder); err != nil {
		logger.Error("mediagrab: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, oneShot, outFolder string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if outFolder != "" {
		cfg.OutFolder = outFolder
	}
	if v := os.Getenv("MEDIAGRAB_PROXY"); v != "" && cfg.ProxyURL == "" {
		cfg.ProxyURL = v
	}

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := queue.NewStore(db)
	if err != nil {
		return err
	}

	set := metrics.New(prometheus.DefaultRegisterer)

	var throttle *pace.Throttle
	if cfg.BandwidthLimit > 0 {
		throttle = pace.NewThrottle(cfg.BandwidthLimit)
	}

	policy := pace.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	limiter := pace.NewDomainLimiter(pace.DomainPolicy{
		MaxConcurrent: cfg.Domain.MaxConcurrent,
		MinInterval:   cfg.Domain.MinInterval,
	})

	mgr, err := queue.NewManager(store, queue.Config{
		Workers:   cfg.Workers,
		OutFolder: cfg.OutFolder,
		Fetch: fetch.Config{
			Policy:    policy,
			Limiter:   limiter,
			ProxyURL:  cfg.ProxyURL,
			UserAgent: cfg.UserAgent,
			Logger:    logger,
			Metrics:   set,
		},
		Throttle:       throttle,
		Engines:        engineBuilder(),
		OptionDefaults: crawlDefaults(cfg),
		Logger:         logger,
		Metrics:        set,
	})
	if err != nil {
		return err
	}

	if oneShot != "" {
		return runOneShot(ctx, logger, mgr, oneShot)
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- mgr.Run(ctx)
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.New(mgr, logger).Router(),
	}
	go func() {
		logger.Info("mediagrab: listening", "addr", cfg.ListenAddr, "out", cfg.OutFolder)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("mediagrab: http shutdown", "error", err)
	}
	logger.Info("mediagrab: stopped")
	return nil
}

// engineBuilder registers direct-file handling ahead of the page chain so a
// plain media URL never pays for extraction.
func engineBuilder() func(env *engine.Env) *engine.Resolver {
	return func(env *engine.Env) *engine.Resolver {
		r := engine.NewResolver()
		r.Register(sites.NewDirect(env))
		r.Fallback(sites.DefaultChain(env)...)
		return r
	}
}

// crawlDefaults captures the config-level crawl behaviour for new
// submissions. It runs at Submit, before the options snapshot is persisted,
// so re-resolving a stored job never sees a newer configuration.
func crawlDefaults(cfg config.Config) func(*engine.Options) {
	return func(o *engine.Options) {
		if o.CrawlDepth == 0 && cfg.Crawl.Depth > 0 {
			o.CrawlDepth = cfg.Crawl.Depth
		}
		if o.MaxPages == 0 {
			o.MaxPages = cfg.Crawl.MaxPages
		}
		if cfg.Crawl.Rendered {
			o.Rendered = true
		}
	}
}

// runOneShot submits one job, streams its events to stderr, and exits when
// it reaches a terminal state.
func runOneShot(ctx context.Context, logger *slog.Logger, mgr *queue.Manager, url string) error {
	events, unsub := mgr.Subscribe()
	defer unsub()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go mgr.Run(runCtx)

	j, err := mgr.Submit(ctx, url, "", engine.DefaultOptions())
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.JobID != j.ID {
				continue
			}
			switch ev.Type {
			case queue.EvLog:
				logger.Info("mediagrab: progress", "message", ev.Payload["message"])
			case queue.EvJobDone:
				status, _ := ev.Payload["status"].(string)
				logger.Info("mediagrab: done", "status", status,
					"completed", ev.Payload["completed"], "total", ev.Payload["total"])
				if status != string(queue.Completed) {
					return fmt.Errorf("job ended %s", status)
				}
				return nil
			}
		}
	}
}
