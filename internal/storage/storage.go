// Package storage is the persistence layer for the scheduling engine: it
// keeps reminders, alarms, one-shot notifications and user notification
// preferences. The task/goal/project entities themselves live elsewhere;
// only the reminder-side records are stored here.
package storage

import (
	"context"
	"errors"
	"time"

	"remindd/internal/alarm"
	"remindd/internal/notify"
	"remindd/internal/reminder"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Store is the persistence API used by the planner, the firing handler and
// the notify pipeline. All mutations are scoped to a single user+correlation
// and use delete-then-recreate rather than partial updates.
type Store interface {
	PutReminder(ctx context.Context, r reminder.Reminder) error
	GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error)
	DeleteReminder(ctx context.Context, id string) error
	DeleteRemindersByCorrelation(ctx context.Context, userID, correlationID string) (int64, error)
	// ListReminders returns every stored reminder; used by the resync sweep.
	ListReminders(ctx context.Context) ([]reminder.Reminder, error)
	// DeleteExpiredOneShots removes one-shot reminders whose fire instant is
	// older than before. Recurring reminders are never touched.
	DeleteExpiredOneShots(ctx context.Context, before time.Time) (int64, error)

	PutAlarm(ctx context.Context, a alarm.Alarm) error
	GetAlarm(ctx context.Context, id string) (alarm.Alarm, bool, error)
	DeleteAlarmsByCorrelation(ctx context.Context, userID, correlationID string) (int64, error)

	PutNotification(ctx context.Context, n notify.Notification) error
	GetNotification(ctx context.Context, id string) (notify.Notification, bool, error)
	MarkNotification(ctx context.Context, id string, status notify.NotificationStatus, sentAt *time.Time) error

	GetPreferences(ctx context.Context, userID string) (notify.Preferences, bool, error)
	PutPreferences(ctx context.Context, p notify.Preferences) error

	Close() error
}
