// Package config loads the daemon configuration from YAML with sensible
// defaults, so an empty file (or no file at all) yields a working setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DBPath is the SQLite queue database location.
	DBPath string `yaml:"db_path"`
	// OutFolder is the default download destination.
	OutFolder string `yaml:"out_folder"`
	// Workers is the job worker pool size.
	Workers int `yaml:"workers"`

	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	Domain struct {
		MaxConcurrent int           `yaml:"max_concurrent"`
		MinInterval   time.Duration `yaml:"min_interval"`
	} `yaml:"domain"`

	// BandwidthLimit caps aggregate download speed in bytes/sec. 0 = off.
	BandwidthLimit int64 `yaml:"bandwidth_limit"`
	// ProxyURL routes all requests through an HTTP proxy when set.
	ProxyURL string `yaml:"proxy_url"`
	// UserAgent overrides the default request User-Agent.
	UserAgent string `yaml:"user_agent"`

	Crawl struct {
		// Depth is the default link-following depth for page jobs.
		Depth int `yaml:"depth"`
		// MaxPages bounds pages visited per job.
		MaxPages int `yaml:"max_pages"`
		// Rendered enables the headless-browser DOM pass by default.
		Rendered bool `yaml:"rendered"`
	} `yaml:"crawl"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	var c Config
	c.ListenAddr = "127.0.0.1:8632"
	c.DBPath = "mediagrab.db"
	c.OutFolder = "downloads"
	c.Workers = 2
	c.Retry.MaxAttempts = 3
	c.Retry.BaseDelay = time.Second
	c.Retry.MaxDelay = 30 * time.Second
	c.Domain.MaxConcurrent = 2
	c.Domain.MinInterval = time.Second
	c.Crawl.MaxPages = 50
	return c
}

// Load reads path over the defaults. A missing file is not an error when
// path is empty; an explicit path must exist.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: retry.max_attempts must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.BandwidthLimit < 0 {
		return fmt.Errorf("config: bandwidth_limit must not be negative, got %d", c.BandwidthLimit)
	}
	return nil
}
