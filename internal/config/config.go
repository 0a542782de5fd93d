package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultServersPath is the fleet server list relative to the working
// directory.
const DefaultServersPath = "config/mcp-servers.json"

// DefaultInstructionsPath is the realtime instructions file relative to the
// working directory.
const DefaultInstructionsPath = "config/instructions.md"

// Config holds the service-level configuration loaded from fleet.yaml.
type Config struct {
	Server     ServerSettings     `yaml:"server"`
	Catalog    CatalogSettings    `yaml:"catalog"`
	Invoke     InvokeSettings     `yaml:"invoke"`
	Supervisor SupervisorSettings `yaml:"supervisor"`
	Tracker    TrackerSettings    `yaml:"tracker"`
	SSE        SSESettings        `yaml:"sse"`
	Logging    LoggingSettings    `yaml:"logging"`
	Tracing    TracingSettings    `yaml:"tracing"`

	// ServersPath is the MCP server list JSON file.
	ServersPath string `yaml:"servers_path"`
	// InstructionsPath is the realtime instructions markdown file.
	InstructionsPath string `yaml:"instructions_path"`
}

// ServerSettings configures the HTTP listener.
type ServerSettings struct {
	Addr string `yaml:"addr"`
}

// CatalogSettings configures catalog aggregation.
type CatalogSettings struct {
	// RequestTimeout bounds each per-server tools/list request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// TTL is how long a collected payload stays fresh.
	TTL time.Duration `yaml:"ttl"`
	// StartupTimeout bounds the warm-up loop waiting for servers to
	// publish their first tool list.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// PollInterval is the initial warm-up poll delay; it doubles per
	// attempt up to StartupTimeout.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// InvokeSettings configures tool invocation.
type InvokeSettings struct {
	// Timeout is the default invocation deadline when the request does
	// not carry one.
	Timeout time.Duration `yaml:"timeout"`
}

// SupervisorSettings configures child process supervision.
type SupervisorSettings struct {
	// BackoffInitial is the first restart delay.
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	// BackoffMax caps the restart delay.
	BackoffMax time.Duration `yaml:"backoff_max"`
	// ResetAfter resets a server's restart counter after this much
	// continuous running time.
	ResetAfter time.Duration `yaml:"reset_after"`
}

// TrackerSettings configures resource tracking.
type TrackerSettings struct {
	// SyncInterval is the reconciliation poll period.
	SyncInterval time.Duration `yaml:"sync_interval"`
	// DedupeWindow suppresses repeat resource_update events per URI.
	DedupeWindow time.Duration `yaml:"dedupe_window"`
	// ReadRetryInitial is the first resources/read retry delay.
	ReadRetryInitial time.Duration `yaml:"read_retry_initial"`
	// ReadRetryMax caps the resources/read retry delay.
	ReadRetryMax time.Duration `yaml:"read_retry_max"`
	// LedgerSize bounds the delivered-event ledger.
	LedgerSize int `yaml:"ledger_size"`
}

// SSESettings configures server-sent event streams.
type SSESettings struct {
	// Heartbeat is the comment-frame period keeping idle streams alive.
	Heartbeat time.Duration `yaml:"heartbeat"`
	// RetryHintMs is the reconnect hint sent in the retry: directive.
	RetryHintMs int `yaml:"retry_hint_ms"`
}

// LoggingSettings configures structured logging.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingSettings configures OpenTelemetry export.
type TracingSettings struct {
	Endpoint string  `yaml:"endpoint"`
	Sampling float64 `yaml:"sampling"`
	Insecure bool    `yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerSettings{Addr: ":8787"},
		Catalog: CatalogSettings{
			RequestTimeout: 2 * time.Second,
			TTL:            30 * time.Second,
			StartupTimeout: 10 * time.Second,
			PollInterval:   250 * time.Millisecond,
		},
		Invoke: InvokeSettings{Timeout: 5 * time.Second},
		Supervisor: SupervisorSettings{
			BackoffInitial: time.Second,
			BackoffMax:     30 * time.Second,
			ResetAfter:     60 * time.Second,
		},
		Tracker: TrackerSettings{
			SyncInterval:     5 * time.Second,
			DedupeWindow:     2 * time.Second,
			ReadRetryInitial: time.Second,
			ReadRetryMax:     30 * time.Second,
			LedgerSize:       4096,
		},
		SSE: SSESettings{
			Heartbeat:   15 * time.Second,
			RetryHintMs: 5000,
		},
		Logging:          LoggingSettings{Level: "info", Format: "text"},
		ServersPath:      DefaultServersPath,
		InstructionsPath: DefaultInstructionsPath,
	}
}

// Load reads the service configuration, applying defaults for any field the
// file omits. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values after a partial file overwrote them.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.Addr == "" {
		c.Server.Addr = def.Server.Addr
	}
	if c.Catalog.RequestTimeout <= 0 {
		c.Catalog.RequestTimeout = def.Catalog.RequestTimeout
	}
	if c.Catalog.TTL <= 0 {
		c.Catalog.TTL = def.Catalog.TTL
	}
	if c.Catalog.StartupTimeout <= 0 {
		c.Catalog.StartupTimeout = def.Catalog.StartupTimeout
	}
	if c.Catalog.PollInterval <= 0 {
		c.Catalog.PollInterval = def.Catalog.PollInterval
	}
	if c.Invoke.Timeout <= 0 {
		c.Invoke.Timeout = def.Invoke.Timeout
	}
	if c.Supervisor.BackoffInitial <= 0 {
		c.Supervisor.BackoffInitial = def.Supervisor.BackoffInitial
	}
	if c.Supervisor.BackoffMax <= 0 {
		c.Supervisor.BackoffMax = def.Supervisor.BackoffMax
	}
	if c.Supervisor.ResetAfter <= 0 {
		c.Supervisor.ResetAfter = def.Supervisor.ResetAfter
	}
	if c.Tracker.SyncInterval <= 0 {
		c.Tracker.SyncInterval = def.Tracker.SyncInterval
	}
	if c.Tracker.DedupeWindow <= 0 {
		c.Tracker.DedupeWindow = def.Tracker.DedupeWindow
	}
	if c.Tracker.ReadRetryInitial <= 0 {
		c.Tracker.ReadRetryInitial = def.Tracker.ReadRetryInitial
	}
	if c.Tracker.ReadRetryMax <= 0 {
		c.Tracker.ReadRetryMax = def.Tracker.ReadRetryMax
	}
	if c.Tracker.LedgerSize <= 0 {
		c.Tracker.LedgerSize = def.Tracker.LedgerSize
	}
	if c.SSE.Heartbeat <= 0 {
		c.SSE.Heartbeat = def.SSE.Heartbeat
	}
	if c.SSE.RetryHintMs <= 0 {
		c.SSE.RetryHintMs = def.SSE.RetryHintMs
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.ServersPath == "" {
		c.ServersPath = def.ServersPath
	}
	if c.InstructionsPath == "" {
		c.InstructionsPath = def.InstructionsPath
	}
}
