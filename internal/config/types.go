package config

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Server  ServerConfig  `json:"server"`

	// Scheduler controls the evaluation and maintenance loops.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Scrape holds session defaults; per-source overrides live on the source.
	Scrape ScrapeConfig `json:"scrape"`

	Storage StorageConfig `json:"storage"`

	// Sources maps source id -> portal configuration.
	Sources map[string]SourceConfig `json:"sources"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts controls the eventbus notification sink (best-effort,
// rate-limited, never blocking).
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ServerConfig controls the HTTP API.
//
// All timeouts are Go duration strings (e.g. "10s", "1m").
type ServerConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SchedulerConfig controls the scheduler loops.
//
// Defaults (when fields are omitted/zero):
//   - tick: "60s"
//   - maintenance_interval: "1h"
//   - job_history_size: 1000
//   - job_retention: "24h"
type SchedulerConfig struct {
	Enabled             bool   `json:"enabled"`
	Tick                string `json:"tick,omitempty"`
	MaintenanceInterval string `json:"maintenance_interval,omitempty"`
	JobHistorySize      int    `json:"job_history_size,omitempty"`
	JobRetention        string `json:"job_retention,omitempty"`
}

// ScrapeConfig holds session defaults applied to every source unless the
// source overrides them.
//
// Defaults: 60 requests/minute, "30s" timeout, 3 attempts, "4s" retry base
// capped at "10s".
type ScrapeConfig struct {
	UserAgent         string `json:"user_agent,omitempty"`
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
	MaxAttempts       int    `json:"max_attempts,omitempty"`
	RetryBase         string `json:"retry_base,omitempty"`
	RetryMaxDelay     string `json:"retry_max_delay,omitempty"`
	MaxBodyBytes      int64  `json:"max_body_bytes,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./bidwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourceConfig describes one procurement portal.
type SourceConfig struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Enabled bool   `json:"enabled"`

	// Schedule accepts a Go duration ("2h"), HH:MM shorthand ("02:30"),
	// or a cron expression ("0 */3 * * *").
	Schedule string `json:"schedule"`

	// Optional per-source session overrides.
	RequestsPerMinute int    `json:"requests_per_minute,omitempty"`
	Timeout           string `json:"timeout,omitempty"`
	MaxPages          int    `json:"max_pages,omitempty"`

	Selectors SelectorConfig `json:"selectors"`
}

// SelectorConfig drives listing extraction. Rows is required; every other
// selector is resolved relative to a row and may be empty.
type SelectorConfig struct {
	Rows         string `json:"rows"`
	Title        string `json:"title,omitempty"`
	Link         string `json:"link,omitempty"`
	ExternalID   string `json:"external_id,omitempty"`
	Organization string `json:"organization,omitempty"`
	Location     string `json:"location,omitempty"`
	Category     string `json:"category,omitempty"`
	ClosingDate  string `json:"closing_date,omitempty"`
	Description  string `json:"description,omitempty"`
	NextPage     string `json:"next_page,omitempty"`
}
