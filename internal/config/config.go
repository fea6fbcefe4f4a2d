// Package config loads and validates the CORE's deployment configuration:
// storage backend selection, audit log persistence, approval gate
// defaults, dedup/escalation/anomaly tuning, and logging — the ambient
// settings every other package depends on at startup (spec §2
// "Dependency order").
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures the backing Store (pkg/storage).
type StorageConfig struct {
	Backend string `yaml:"backend"` // "memory", "file", "sql", or "redis"
	Path    string `yaml:"path"`    // baseDir for "file", DSN for "sql"/"redis"
	Driver  string `yaml:"driver"`  // "postgres" or "sqlite3", when Backend == "sql"
}

// AuditConfig selects and configures the audit log backend (pkg/audit).
type AuditConfig struct {
	Backend    string `yaml:"backend"` // "memory" or "pgx"
	DSN        string `yaml:"dsn"`
	MaxRecords int    `yaml:"max_records"`
}

// ApprovalConfig carries Approval Gate defaults (pkg/approval).
type ApprovalConfig struct {
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	TokenBackend   string        `yaml:"token_backend"` // "memory" or "redis"
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	MaxPendingSize int           `yaml:"max_pending_size"`
}

// DedupConfig carries Deduplication/Suppression Engine defaults (pkg/dedup).
type DedupConfig struct {
	DefaultWindow   time.Duration `yaml:"default_window"`
	MaxFingerprints int           `yaml:"max_fingerprints"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// EscalationConfig carries Escalation Engine defaults (pkg/escalation).
type EscalationConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// AnomalyConfig carries Anomaly Detection Engine defaults (pkg/anomaly).
type AnomalyConfig struct {
	DefaultWindowSize int `yaml:"default_window_size"`
	GlobalRateLimit   int `yaml:"global_rate_limit"`
}

// RunbookConfig carries Runbook Orchestrator defaults (pkg/runbook).
type RunbookConfig struct {
	MaxHistory int `yaml:"max_history"`
}

// LoggingConfig controls the logr/zap logging triad (pkg/shared/logging).
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// ModuleConfig is one entry of the Lifecycle Manager's module list
// (pkg/module). Config is handed to the module verbatim for
// provider-specific validation against its own JSON schema.
type ModuleConfig struct {
	ID      string                 `yaml:"id"`
	Enabled bool                   `yaml:"enabled"`
	Config  map[string]interface{} `yaml:"config"`
}

// Config is the complete CORE configuration tree, loaded from YAML with
// environment variable overrides.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Escalation EscalationConfig `yaml:"escalation"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Runbook    RunbookConfig    `yaml:"runbook"`
	Logging    LoggingConfig    `yaml:"logging"`
	Modules    []ModuleConfig   `yaml:"modules"`
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{Backend: "memory"},
		Audit:   AuditConfig{Backend: "memory", MaxRecords: 100000},
		Approval: ApprovalConfig{
			DefaultTTL:     15 * time.Minute,
			TokenBackend:   "memory",
			SweepInterval:  1 * time.Minute,
			MaxPendingSize: 1000,
		},
		Dedup: DedupConfig{
			DefaultWindow:   5 * time.Minute,
			MaxFingerprints: 10000,
			SweepInterval:   1 * time.Minute,
		},
		Escalation: EscalationConfig{SweepInterval: 30 * time.Second},
		Anomaly:    AnomalyConfig{DefaultWindowSize: 50, GlobalRateLimit: 100},
		Runbook:    RunbookConfig{MaxHistory: 500},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads, parses, and validates a YAML config file at path, applying
// defaults for anything left unset and env var overrides on top.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyDefaults restores the default for fields that the YAML document
// or an environment override set explicitly to a zero or empty value.
// Keys absent from the document already keep the values from defaults(),
// since Unmarshal decodes into that struct.
func applyDefaults(c *Config) {
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "memory"
	}
	if c.Audit.MaxRecords == 0 {
		c.Audit.MaxRecords = 100000
	}
	if c.Approval.DefaultTTL == 0 {
		c.Approval.DefaultTTL = 15 * time.Minute
	}
	if c.Approval.TokenBackend == "" {
		c.Approval.TokenBackend = "memory"
	}
	if c.Approval.SweepInterval == 0 {
		c.Approval.SweepInterval = 1 * time.Minute
	}
	if c.Approval.MaxPendingSize == 0 {
		c.Approval.MaxPendingSize = 1000
	}
	if c.Dedup.DefaultWindow == 0 {
		c.Dedup.DefaultWindow = 5 * time.Minute
	}
	if c.Dedup.MaxFingerprints == 0 {
		c.Dedup.MaxFingerprints = 10000
	}
	if c.Dedup.SweepInterval == 0 {
		c.Dedup.SweepInterval = 1 * time.Minute
	}
	if c.Escalation.SweepInterval == 0 {
		c.Escalation.SweepInterval = 30 * time.Second
	}
	if c.Anomaly.DefaultWindowSize == 0 {
		c.Anomaly.DefaultWindowSize = 50
	}
	if c.Anomaly.GlobalRateLimit == 0 {
		c.Anomaly.GlobalRateLimit = 100
	}
	if c.Runbook.MaxHistory == 0 {
		c.Runbook.MaxHistory = 500
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

var validStorageBackends = map[string]bool{"memory": true, "file": true, "sql": true, "redis": true}
var validAuditBackends = map[string]bool{"memory": true, "pgx": true}
var validTokenBackends = map[string]bool{"memory": true, "redis": true}

func validate(c *Config) error {
	if !validStorageBackends[c.Storage.Backend] {
		return fmt.Errorf("unsupported storage backend: %s", c.Storage.Backend)
	}
	if c.Storage.Backend == "file" && c.Storage.Path == "" {
		return fmt.Errorf("storage path is required for file backend")
	}
	if c.Storage.Backend == "sql" && (c.Storage.Path == "" || c.Storage.Driver == "") {
		return fmt.Errorf("storage path and driver are required for sql backend")
	}
	if !validAuditBackends[c.Audit.Backend] {
		return fmt.Errorf("unsupported audit backend: %s", c.Audit.Backend)
	}
	if c.Audit.Backend == "pgx" && c.Audit.DSN == "" {
		return fmt.Errorf("audit DSN is required for pgx backend")
	}
	if c.Audit.MaxRecords <= 0 {
		return fmt.Errorf("audit max records must be greater than 0")
	}
	if !validTokenBackends[c.Approval.TokenBackend] {
		return fmt.Errorf("unsupported approval token backend: %s", c.Approval.TokenBackend)
	}
	if c.Approval.DefaultTTL <= 0 {
		return fmt.Errorf("approval default TTL must be greater than 0")
	}
	if c.Dedup.MaxFingerprints <= 0 {
		return fmt.Errorf("dedup max fingerprints must be greater than 0")
	}
	if c.Anomaly.DefaultWindowSize <= 0 {
		return fmt.Errorf("anomaly default window size must be greater than 0")
	}
	if c.Anomaly.GlobalRateLimit <= 0 {
		return fmt.Errorf("anomaly global rate limit must be greater than 0")
	}
	for _, m := range c.Modules {
		if m.ID == "" {
			return fmt.Errorf("module entry is missing an id")
		}
	}
	return nil
}

// loadFromEnv overlays a handful of operationally common env vars on top
// of the parsed file, mirroring the override convention the CORE's
// deployment tooling expects (container env vars win over the mounted
// config file).
func loadFromEnv(c *Config) error {
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("AUDIT_BACKEND"); v != "" {
		c.Audit.Backend = v
	}
	if v := os.Getenv("AUDIT_DSN"); v != "" {
		c.Audit.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("APPROVAL_DEFAULT_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid APPROVAL_DEFAULT_TTL: %w", err)
		}
		c.Approval.DefaultTTL = d
	}
	if v := os.Getenv("DEDUP_MAX_FINGERPRINTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DEDUP_MAX_FINGERPRINTS: %w", err)
		}
		c.Dedup.MaxFingerprints = n
	}
	return nil
}
