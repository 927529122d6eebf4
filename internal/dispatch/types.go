// Package dispatch is the delayed-job layer: jobs are scheduled at an
// absolute instant (delay = fireTime - now, rejected when non-positive),
// held in versioned timers, and executed on per-lane worker pools with
// bounded retry and exponential backoff.
//
// Lanes are independent queues so a backlog of reminder firings cannot
// starve send-now notifications, and vice versa.
package dispatch

import (
	"context"
	"time"
)

// Lane names. Each lane gets its own bounded queue and worker pool.
const (
	LaneReminders     = "reminders"
	LaneNotifications = "notifications"
)

// ImmediateDelay is the designated "send now" delay used by EnqueueSoon
// (task-created/task-assigned/alarm-trigger pushes). It is the one exception
// to the non-positive-delay rejection rule.
const ImmediateDelay = time.Second

// Payload identifies what a job is about. Exactly one of ReminderID or
// NotificationID is set.
type Payload struct {
	ReminderID     string `json:"reminder_id,omitempty"`
	NotificationID string `json:"notification_id,omitempty"`
	UserID         string `json:"user_id"`
	Category       string `json:"category,omitempty"`
}

// Key returns the stable job identity: at most one job per key is pending
// at a time (enqueueing again replaces the previous timer).
func (p Payload) Key() string {
	if p.NotificationID != "" {
		return "notification:" + p.NotificationID + ":" + p.UserID
	}
	return "reminder:" + p.ReminderID + ":" + p.UserID + ":" + p.Category
}

// Handler consumes a fired job. A returned error triggers retry with
// backoff unless wrapped with NoRetry.
type Handler func(ctx context.Context, p Payload) error

// Config controls the dispatcher.
type Config struct {
	Enabled             bool
	QueueSize           int
	ReminderWorkers     int
	NotificationWorkers int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// Timezone for maintenance cron schedules (IANA name; empty = local).
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ReminderWorkers <= 0 {
		c.ReminderWorkers = 2
	}
	if c.NotificationWorkers <= 0 {
		c.NotificationWorkers = 2
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// JobEvent is published on the event bus for job lifecycle events.
type JobEvent struct {
	Key      string        `json:"key"`
	Lane     string        `json:"lane"`
	Type     string        `json:"type"`
	FireAt   time.Time     `json:"fire_at,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Enabled   bool
	Pending   int // delayed jobs waiting on timers
	QueueLen  map[string]int
	QueueCap  int
	Schedules int // registered maintenance cron entries
}
