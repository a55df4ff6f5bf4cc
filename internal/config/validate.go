package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-string config field. Empty means
// "unset" and parses to zero; negatives are rejected.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for unset
// fields. Every timing knob in the file (tick, timeouts, retention) resolves
// through here.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate performs structural checks that don't need any runtime context.
// Schedule spec strings are validated by the scheduler's parser at wiring
// time, not here.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"scheduler.tick", cfg.Scheduler.Tick},
		{"scheduler.maintenance_interval", cfg.Scheduler.MaintenanceInterval},
		{"scheduler.job_retention", cfg.Scheduler.JobRetention},
		{"scrape.timeout", cfg.Scrape.Timeout},
		{"scrape.retry_base", cfg.Scrape.RetryBase},
		{"scrape.retry_max_delay", cfg.Scrape.RetryMaxDelay},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Scrape.RequestsPerMinute < 0 {
		return fmt.Errorf("scrape.requests_per_minute must be >= 0")
	}
	if cfg.Scheduler.JobHistorySize < 0 {
		return fmt.Errorf("scheduler.job_history_size must be >= 0")
	}

	for id, src := range cfg.Sources {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("sources: empty source id")
		}
		if strings.TrimSpace(src.URL) == "" {
			return fmt.Errorf("sources.%s: url is required", id)
		}
		if strings.TrimSpace(src.Schedule) == "" {
			return fmt.Errorf("sources.%s: schedule is required", id)
		}
		if strings.TrimSpace(src.Selectors.Rows) == "" {
			return fmt.Errorf("sources.%s: selectors.rows is required", id)
		}
		if _, err := ParseDurationField("sources."+id+".timeout", src.Timeout); err != nil {
			return err
		}
		if src.RequestsPerMinute < 0 {
			return fmt.Errorf("sources.%s: requests_per_minute must be >= 0", id)
		}
	}
	return nil
}
