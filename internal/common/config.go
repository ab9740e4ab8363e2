package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Logging     LoggingConfig   `toml:"logging"`
	Storage     StorageConfig   `toml:"storage"`
	Session     SessionConfig   `toml:"session"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Redaction   RedactionConfig `toml:"redaction"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"min=1,max=65535"`
	Host string `toml:"host"`
	CORS bool   `toml:"cors"` // Emit permissive CORS headers on API responses
}

type LoggingConfig struct {
	Level      string `toml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	File       string `toml:"file"`        // Log file path; empty disables file output
	MaxSizeMB  int    `toml:"max_size_mb"` // Rotate the log file after this many megabytes
	MaxBackups int    `toml:"max_backups"` // Rotated files to retain
}

type StorageConfig struct {
	Dir              string        `toml:"dir"`               // Database directory path
	ResetOnStartup   bool          `toml:"reset_on_startup"`  // Delete database on startup for clean test runs
	OutputTTL        time.Duration `toml:"output_ttl"`        // Statement output blobs expire after this; 0 keeps them forever
	HistoryRetention time.Duration `toml:"history_retention"` // Dead sessions older than this are purged by the history_purge job
}

type SessionConfig struct {
	IdleTimeout      time.Duration `toml:"idle_timeout"`      // Idle sessions past this are closed by the session_reaper job
	MaxSessions      int           `toml:"max_sessions"`      // Live session cap; 0 means unlimited
	MaxPending       int           `toml:"max_pending"`       // Queued statements per session before submits get 429
	StatementTimeout time.Duration `toml:"statement_timeout"` // Default per-statement execution timeout for command interpreters
	DefinitionsDir   string        `toml:"definitions_dir"`   // Directory containing interpreter definition files (YAML)
	DefaultKind      string        `toml:"default_kind"`      // Interpreter kind used when a create request omits one
}

type SchedulerConfig struct {
	Enabled        bool   `toml:"enabled"`
	ReaperSchedule string `toml:"reaper_schedule"` // Cron schedule for the session_reaper job
	PurgeSchedule  string `toml:"purge_schedule"`  // Cron schedule for the history_purge job
}

// RedactionConfig configures log redaction. Rules use the
// trigger::regex::mask form; Policy holds ||-separated inline rules and
// RulesFile points at a file with one rule per line.
type RedactionConfig struct {
	Policy    string `toml:"policy"`
	RulesFile string `toml:"rules_file"`
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in perago.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development", // Default to development mode
		Server: ServerConfig{
			Port: 8998,
			Host: "localhost",
			CORS: true,
		},
		Logging: LoggingConfig{
			Level:      "info", // Info level for production (trace|debug|info|warn|error)
			File:       "",     // Console only unless a file is configured
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
		Storage: StorageConfig{
			Dir:              "./data",
			ResetOnStartup:   false,
			OutputTTL:        24 * time.Hour,     // Outputs live a day; the record keeps the settled state
			HistoryRetention: 7 * 24 * time.Hour, // Dead session history kept a week
		},
		Session: SessionConfig{
			IdleTimeout:      1 * time.Hour,
			MaxSessions:      100,
			MaxPending:       100,
			StatementTimeout: 5 * time.Minute,
			DefinitionsDir:   "./interpreters",
			DefaultKind:      "echo",
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			ReaperSchedule: "*/5 * * * *", // Check for idle sessions every 5 minutes
			PurgeSchedule:  "0 3 * * *",   // Purge old history daily at 3am
		},
		Redaction: RedactionConfig{
			Policy:    "",
			RulesFile: "",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
// Priority system: CLI flags > Environment variables > Config file > Defaults
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority: default -> file1 -> file2 -> ... -> env -> CLI
// Later files override earlier files. Priority system: CLI flags > Environment variables > Last config file > ... > First config file > Defaults
// Example: LoadFromFiles("base.toml", "override.toml") - override.toml settings take precedence over base.toml
func LoadFromFiles(paths ...string) (*Config, error) {
	// Start with defaults
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier files)
	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		// Unmarshal into config (merges with existing values, later values override)
		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	// Apply environment variables (overrides all file configs)
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	// Environment configuration (highest priority: PERAGO_ENV, fallback: GO_ENV)
	if env := os.Getenv("PERAGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("PERAGO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("PERAGO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if cors := os.Getenv("PERAGO_SERVER_CORS"); cors != "" {
		if c, err := strconv.ParseBool(cors); err == nil {
			config.Server.CORS = c
		}
	}

	// Logging configuration
	if level := os.Getenv("PERAGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if file := os.Getenv("PERAGO_LOG_FILE"); file != "" {
		config.Logging.File = file
	}
	if maxSize := os.Getenv("PERAGO_LOG_MAX_SIZE_MB"); maxSize != "" {
		if m, err := strconv.Atoi(maxSize); err == nil {
			config.Logging.MaxSizeMB = m
		}
	}
	if maxBackups := os.Getenv("PERAGO_LOG_MAX_BACKUPS"); maxBackups != "" {
		if m, err := strconv.Atoi(maxBackups); err == nil {
			config.Logging.MaxBackups = m
		}
	}

	// Storage configuration
	if dir := os.Getenv("PERAGO_STORAGE_DIR"); dir != "" {
		config.Storage.Dir = dir
	}
	if reset := os.Getenv("PERAGO_STORAGE_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.ResetOnStartup = r
		}
	}
	if ttl := os.Getenv("PERAGO_STORAGE_OUTPUT_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			config.Storage.OutputTTL = d
		}
	}
	if retention := os.Getenv("PERAGO_STORAGE_HISTORY_RETENTION"); retention != "" {
		if d, err := time.ParseDuration(retention); err == nil {
			config.Storage.HistoryRetention = d
		}
	}

	// Session configuration
	if idle := os.Getenv("PERAGO_SESSION_IDLE_TIMEOUT"); idle != "" {
		if d, err := time.ParseDuration(idle); err == nil {
			config.Session.IdleTimeout = d
		}
	}
	if maxSessions := os.Getenv("PERAGO_SESSION_MAX_SESSIONS"); maxSessions != "" {
		if m, err := strconv.Atoi(maxSessions); err == nil {
			config.Session.MaxSessions = m
		}
	}
	if maxPending := os.Getenv("PERAGO_SESSION_MAX_PENDING"); maxPending != "" {
		if m, err := strconv.Atoi(maxPending); err == nil {
			config.Session.MaxPending = m
		}
	}
	if timeout := os.Getenv("PERAGO_SESSION_STATEMENT_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Session.StatementTimeout = d
		}
	}
	if dir := os.Getenv("PERAGO_SESSION_DEFINITIONS_DIR"); dir != "" {
		config.Session.DefinitionsDir = dir
	}
	if kind := os.Getenv("PERAGO_SESSION_DEFAULT_KIND"); kind != "" {
		config.Session.DefaultKind = kind
	}

	// Scheduler configuration
	if enabled := os.Getenv("PERAGO_SCHEDULER_ENABLED"); enabled != "" {
		if e, err := strconv.ParseBool(enabled); err == nil {
			config.Scheduler.Enabled = e
		}
	}
	if schedule := os.Getenv("PERAGO_SCHEDULER_REAPER_SCHEDULE"); schedule != "" {
		config.Scheduler.ReaperSchedule = schedule
	}
	if schedule := os.Getenv("PERAGO_SCHEDULER_PURGE_SCHEDULE"); schedule != "" {
		config.Scheduler.PurgeSchedule = schedule
	}

	// Redaction configuration
	if policy := os.Getenv("PERAGO_REDACTION_POLICY"); policy != "" {
		config.Redaction.Policy = policy
	}
	if rulesFile := os.Getenv("PERAGO_REDACTION_RULES_FILE"); rulesFile != "" {
		config.Redaction.RulesFile = rulesFile
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, logLevel, storageDir string) {
	// Command-line flags have highest priority
	if port > 0 {
		config.Server.Port = port
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}
	if storageDir != "" {
		config.Storage.Dir = storageDir
	}
}

// Validate checks the configuration for values the server cannot start
// with: malformed schedules, non-positive durations, out-of-range ports.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir must not be empty")
	}
	if c.Storage.OutputTTL < 0 {
		return fmt.Errorf("storage.output_ttl must not be negative")
	}
	if c.Storage.HistoryRetention <= 0 {
		return fmt.Errorf("storage.history_retention must be positive")
	}

	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be positive")
	}
	if c.Session.MaxSessions < 0 {
		return fmt.Errorf("session.max_sessions must not be negative")
	}
	if c.Session.MaxPending < 1 {
		return fmt.Errorf("session.max_pending must be at least 1")
	}
	if c.Session.StatementTimeout <= 0 {
		return fmt.Errorf("session.statement_timeout must be positive")
	}

	if c.Scheduler.Enabled {
		if err := ValidateJobSchedule(c.Scheduler.ReaperSchedule); err != nil {
			return fmt.Errorf("scheduler.reaper_schedule: %w", err)
		}
		if err := ValidateJobSchedule(c.Scheduler.PurgeSchedule); err != nil {
			return fmt.Errorf("scheduler.purge_schedule: %w", err)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ValidateJobSchedule validates a standard 5-field cron schedule expression
func ValidateJobSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	// The 5-field form has minute granularity, which is the finest
	// interval maintenance jobs are allowed to run at
	parts := strings.Fields(schedule)
	if len(parts) != 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields, got %d", len(parts))
	}

	return nil
}

// DeepCloneConfig creates a deep copy of the Config struct
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	// All fields are values; a shallow copy is a full copy
	clone := *c
	return &clone
}
