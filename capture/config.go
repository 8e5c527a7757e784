package capture

import (
	"github.com/hazyhaar/democap/capture/internal/config"
	"github.com/hazyhaar/democap/capture/internal/failurelog"
)

// Config is the top-level democap configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls the Chrome session.
type BrowserConfig = config.BrowserConfig

// PublishConfig controls the artifact upload.
type PublishConfig = config.PublishConfig

// Shard selects a contiguous slice of the task list.
type Shard = config.Shard

// FailureRecord is one line of error.jsonl.
type FailureRecord = failurelog.Record

// FailureLogName is the failure log's file name inside the output dir.
const FailureLogName = failurelog.FileName

// ErrInvalidShard is returned by ParseShard.
var ErrInvalidShard = config.ErrInvalidShard

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config { return config.Default() }

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) { return config.LoadFile(path) }

// ParseShard parses "current/total".
func ParseShard(s string) (Shard, error) { return config.ParseShard(s) }

// ReadFailures parses a failure log written by a previous run.
func ReadFailures(path string) ([]FailureRecord, error) { return failurelog.ReadAll(path) }
