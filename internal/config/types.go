// Package config loads and hot-reloads the daemon configuration. YAML and
// JSON are both accepted; YAML is coerced to JSON so one strict decoder
// (DisallowUnknownFields) covers both.
package config

import (
	"errors"
	"fmt"
	"time"
)

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Dispatch DispatchConfig `json:"dispatch"`
	Notify   NotifyConfig   `json:"notify"`
	Telegram TelegramConfig `json:"telegram,omitempty"`

	// Maintenance controls the background sweeps.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the delayed-job dispatcher.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DispatchConfig struct {
	Enabled             bool    `json:"enabled"`
	QueueSize           int     `json:"queue_size,omitempty"`
	ReminderWorkers     int     `json:"reminder_workers,omitempty"`
	NotificationWorkers int     `json:"notification_workers,omitempty"`
	RetryMax            int     `json:"retry_max,omitempty"`
	RetryBase           string  `json:"retry_base,omitempty"`
	RetryMaxDelay       string  `json:"retry_max_delay,omitempty"`
	RetryJitter         float64 `json:"retry_jitter,omitempty"`

	// Timezone for maintenance cron schedules.
	Timezone string `json:"timezone,omitempty"`
}

// NotifyConfig controls the push pipeline.
type NotifyConfig struct {
	Enabled       bool   `json:"enabled"`
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
}

// TelegramConfig configures the send-only Telegram pusher. Chats maps engine
// user ids to chat ids.
type TelegramConfig struct {
	Enabled bool             `json:"enabled"`
	Token   string           `json:"token,omitempty"`
	Chats   map[string]int64 `json:"chats,omitempty"`
}

// MaintenanceConfig schedules the resync sweep and the expired-reminder
// cleanup. Specs use five-field cron syntax or descriptors like "@hourly".
type MaintenanceConfig struct {
	ResyncSpec  string `json:"resync_spec,omitempty"`  // default "*/15 * * * *"
	CleanupSpec string `json:"cleanup_spec,omitempty"` // default "@daily"
	// Retention is how long expired one-shot reminders are kept (Go
	// duration string, default "168h").
	Retention string `json:"retention,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram.enabled requires telegram.token")
	}
	for _, f := range []struct {
		path string
		raw  string
	}{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"dispatch.retry_base", c.Dispatch.RetryBase},
		{"dispatch.retry_max_delay", c.Dispatch.RetryMaxDelay},
		{"notify.retry_base", c.Notify.RetryBase},
		{"notify.retry_max_delay", c.Notify.RetryMaxDelay},
		{"maintenance.retention", c.Maintenance.Retention},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if tz := c.Dispatch.Timezone; tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("dispatch.timezone: %w", err)
		}
	}
	return nil
}
