// Package config handles democap configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidShard is returned for shard specs outside 1 <= current <= total.
var ErrInvalidShard = errors.New("config: invalid shard")

// Config is the top-level democap configuration.
type Config struct {
	Root          string        `yaml:"root"`
	SiteDir       string        `yaml:"site_dir"`
	Port          int           `yaml:"port"`
	OutputDir     string        `yaml:"output_dir"`
	Component     string        `yaml:"component"`
	Exclude       []string      `yaml:"exclude"`
	ReadySelector string        `yaml:"ready_selector"`
	MaxWorkers    int           `yaml:"max_workers"`
	StartRate     float64       `yaml:"start_rate"` // tasks per second, 0 = unpaced
	Shard         Shard         `yaml:"-"`
	Browser       BrowserConfig `yaml:"browser"`
	Ledger        string        `yaml:"ledger"` // SQLite path, empty disables
	Publish       PublishConfig `yaml:"publish"`
}

// BrowserConfig controls the Chrome session and page defaults.
type BrowserConfig struct {
	Remote            string        `yaml:"remote"`
	Bin               string        `yaml:"bin"`
	Stealth           bool          `yaml:"stealth"`
	Width             int           `yaml:"width"`
	Height            int           `yaml:"height"`
	DeviceScale       float64       `yaml:"device_scale"`
	Timeout           time.Duration `yaml:"timeout"`
	ScreenshotTimeout time.Duration `yaml:"screenshot_timeout"`
	IdleWindow        time.Duration `yaml:"idle_window"`
	BlockURLs         []string      `yaml:"block_urls"`
}

// PublishConfig points at an S3-compatible bucket receiving the output dir.
type PublishConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Shard selects one contiguous slice of the ordered task list.
type Shard struct {
	Current int
	Total   int
}

func (s Shard) String() string { return fmt.Sprintf("%d/%d", s.Current, s.Total) }

// ParseShard parses "current/total". An empty string means 1/1.
func ParseShard(s string) (Shard, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Shard{Current: 1, Total: 1}, nil
	}
	cur, tot, ok := strings.Cut(s, "/")
	if !ok {
		return Shard{}, fmt.Errorf("%w: %q (want current/total)", ErrInvalidShard, s)
	}
	c, err := strconv.Atoi(strings.TrimSpace(cur))
	if err != nil {
		return Shard{}, fmt.Errorf("%w: %q: %v", ErrInvalidShard, s, err)
	}
	t, err := strconv.Atoi(strings.TrimSpace(tot))
	if err != nil {
		return Shard{}, fmt.Errorf("%w: %q: %v", ErrInvalidShard, s, err)
	}
	sh := Shard{Current: c, Total: t}
	if err := sh.Validate(); err != nil {
		return Shard{}, err
	}
	return sh, nil
}

// Validate checks 1 <= Current <= Total.
func (s Shard) Validate() error {
	if s.Total < 1 || s.Current < 1 || s.Current > s.Total {
		return fmt.Errorf("%w: %d/%d", ErrInvalidShard, s.Current, s.Total)
	}
	return nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values. Safe to call after CLI overrides.
func (c *Config) ApplyDefaults() { c.applyDefaults() }

func (c *Config) applyDefaults() {
	if c.Root == "" {
		c.Root = "."
	}
	if c.SiteDir == "" {
		c.SiteDir = "_site"
	}
	if c.Port <= 0 {
		c.Port = 3001
	}
	if c.OutputDir == "" {
		c.OutputDir = "./imageSnapshots"
	}
	if c.Exclude == nil {
		c.Exclude = []string{"overview", "_util"}
	}
	if c.ReadySelector == "" {
		c.ReadySelector = ".dumi-antd-demo-layout"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.Shard.Total == 0 {
		c.Shard = Shard{Current: 1, Total: 1}
	}
	if c.Browser.Width <= 0 {
		c.Browser.Width = 800
	}
	if c.Browser.Height <= 0 {
		c.Browser.Height = 600
	}
	if c.Browser.DeviceScale <= 0 {
		c.Browser.DeviceScale = 2
	}
	if c.Browser.Timeout <= 0 {
		c.Browser.Timeout = 5 * time.Second
	}
	if c.Browser.ScreenshotTimeout <= 0 {
		c.Browser.ScreenshotTimeout = 3 * time.Second
	}
	if c.Browser.IdleWindow <= 0 {
		c.Browser.IdleWindow = 500 * time.Millisecond
	}
	if c.Publish.Region == "" {
		c.Publish.Region = "us-east-1"
	}
}

// BaseURL is the local site server address pages are loaded from.
func (c *Config) BaseURL() string {
	return fmt.Sprintf("http://localhost:%d", c.Port)
}
