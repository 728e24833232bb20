package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Verification VerificationConfig `json:"verification"`

	// Scheduler controls the background job runner (sweep, autopost, reports).
	Scheduler SchedulerConfig `json:"scheduler"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Storage  *StorageConfig  `json:"storage,omitempty"`
	Report   ReportConfig    `json:"report"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// VerificationConfig tunes the join verification flow.
//
// All durations are Go duration strings (e.g. "30s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - code_ttl: "5m"
//   - max_attempts: 3
//   - sweep_interval: "1m" ("0s" disables the background sweep)
type VerificationConfig struct {
	CodeTTL       string `json:"code_ttl,omitempty"`
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

// SchedulerConfig controls the background job runner.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	Workers int  `json:"workers"`
	// DefaultTimeout is a Go duration string (e.g. "10s", "1m").
	// Use "0s" to disable a global default timeout.
	DefaultTimeout string `json:"default_timeout"`
	HistorySize    int    `json:"history_size"`
	RetryMax       int    `json:"retry_max,omitempty"`

	// Trigger timezone.
	Timezone string `json:"timezone,omitempty"`
}

// NotifierConfig controls the async operator notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	RetryMax        int    `json:"retry_max"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./gatebot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ReportConfig controls activity tracking and the weekly CSV report.
//
// Defaults (when fields are omitted/zero):
//   - weekly_cron: "0 9 * * 1" (Monday 09:00)
//   - window: "168h" (one week)
type ReportConfig struct {
	Enabled    bool   `json:"enabled"`
	WeeklyCron string `json:"weekly_cron,omitempty"`
	Window     string `json:"window,omitempty"`
}

// Validate checks field-level consistency. The telegram token is validated
// separately after environment overrides are applied.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}

	durations := []struct {
		path, raw string
	}{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"verification.code_ttl", c.Verification.CodeTTL},
		{"verification.sweep_interval", c.Verification.SweepInterval},
		{"scheduler.default_timeout", c.Scheduler.DefaultTimeout},
		{"report.window", c.Report.Window},
	}
	if c.Notifier != nil {
		durations = append(durations,
			struct{ path, raw string }{"notifier.retry_base", c.Notifier.RetryBase},
			struct{ path, raw string }{"notifier.retry_max_delay", c.Notifier.RetryMaxDelay},
			struct{ path, raw string }{"notifier.dedup_window", c.Notifier.DedupWindow},
		)
	}
	if c.Storage != nil {
		durations = append(durations,
			struct{ path, raw string }{"storage.busy_timeout", c.Storage.BusyTimeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if c.Verification.MaxAttempts < 0 {
		return errors.New("verification.max_attempts must be >= 0")
	}
	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "memory", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver %q is not supported", c.Storage.Driver)
		}
		if d := strings.ToLower(strings.TrimSpace(c.Storage.Driver)); (d == "file" || d == "sqlite" || d == "sqlite3") &&
			strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for the configured driver")
		}
	}
	return nil
}
