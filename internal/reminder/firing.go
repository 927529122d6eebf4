package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindd/internal/dispatch"
	"remindd/internal/notify"
	logx "remindd/pkg/logx"
)

// Default retention for expired one-shot reminders before the cleanup job
// removes them. They are kept around briefly for audit.
const DefaultExpiredRetention = 7 * 24 * time.Hour

// Deliverer is the push pipeline slice the firing handler needs.
type Deliverer interface {
	Deliver(ctx context.Context, userID, category string, msg notify.Message) error
}

// Firing consumes reminder.fire jobs and runs the maintenance sweeps.
type Firing struct {
	store    Store
	jobs     Jobs
	deliver  Deliverer
	log      logx.Logger
	now      func() time.Time
	retainer time.Duration
}

func NewFiring(store Store, jobs Jobs, deliver Deliverer, log logx.Logger) *Firing {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Firing{
		store:    store,
		jobs:     jobs,
		deliver:  deliver,
		log:      log,
		now:      time.Now,
		retainer: DefaultExpiredRetention,
	}
}

// SetRetention overrides how long expired one-shot reminders are kept before
// the cleanup sweep removes them. Non-positive values keep the default.
func (f *Firing) SetRetention(d time.Duration) {
	if d > 0 {
		f.retainer = d
	}
}

// HandleFire is the dispatcher handler for JobTypeFire.
//
// Cancellation is lazy: a reminder deleted after its job was enqueued shows
// up here as a missing row and the fire is a silent no-op. Delivery failure
// never fails the job; the recurrence step always runs so a flaky push
// cannot kill the schedule.
func (f *Firing) HandleFire(ctx context.Context, p dispatch.Payload) error {
	r, ok, err := f.store.GetReminder(ctx, p.ReminderID)
	if err != nil {
		return fmt.Errorf("load reminder %s: %w", p.ReminderID, err)
	}
	if !ok {
		f.log.Debug("reminder gone; fire is a no-op", logx.String("id", p.ReminderID))
		return nil
	}

	if f.deliver != nil {
		err := f.deliver.Deliver(ctx, r.UserID, string(r.Category), notify.Message{
			Title: r.Title,
			Body:  r.Note,
			Data:  r.correlationData(),
		})
		switch {
		case err == nil:
		case errors.Is(err, notify.ErrMuted):
			f.log.Debug("reminder muted by preferences",
				logx.String("id", r.ID), logx.String("category", string(r.Category)))
		default:
			f.log.Warn("reminder delivery failed",
				logx.String("id", r.ID), logx.String("user_id", r.UserID), logx.Err(err))
		}
	}

	if !r.Recurring() {
		// One-shot: expired, left in the store until the cleanup sweep.
		return nil
	}
	next, ok := r.Schedule.Next(f.now())
	if !ok {
		f.log.Warn("recurring reminder stopped producing occurrences",
			logx.String("id", r.ID), logx.String("frequency", string(r.Schedule.Frequency)))
		return nil
	}
	if err := f.jobs.EnqueueAt(dispatch.LaneReminders, JobTypeFire, p, next); err != nil {
		if errors.Is(err, dispatch.ErrNonPositiveDelay) {
			return dispatch.NoRetry(fmt.Errorf("re-enqueue %s: %w", r.ID, err))
		}
		return fmt.Errorf("re-enqueue %s: %w", r.ID, err)
	}
	f.log.Debug("reminder re-enqueued", logx.String("id", r.ID), logx.Time("next", next))
	return nil
}

// correlationData flattens the descriptor's correlation keys for client
// deep-linking.
func (r Reminder) correlationData() map[string]string {
	data := map[string]string{"reminderId": r.ID, "category": string(r.Category)}
	if r.TargetID != "" {
		data["targetId"] = r.TargetID
	}
	d := r.Schedule
	for k, v := range map[string]string{
		"routineId":   d.RoutineID,
		"taskId":      d.TaskID,
		"goalId":      d.GoalID,
		"milestoneId": d.MilestoneID,
		"alarmId":     d.AlarmID,
	} {
		if v != "" {
			data[k] = v
		}
	}
	return data
}

// Resync walks the store and re-enqueues every reminder that still has a
// future occurrence. Timers live only in memory, so this runs at startup and
// periodically to recover from restarts and from the crash window between a
// fire and its re-enqueue.
func (f *Firing) Resync(ctx context.Context) error {
	all, err := f.store.ListReminders(ctx)
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}
	now := f.now()
	restored, skipped := 0, 0
	for _, r := range all {
		var at time.Time
		switch {
		case r.Recurring():
			next, ok := r.Schedule.Next(now)
			if !ok {
				skipped++
				continue
			}
			at = next
		case r.Schedule.At != nil && r.Schedule.At.After(now):
			at = *r.Schedule.At
		default:
			skipped++
			continue
		}
		p := dispatch.Payload{ReminderID: r.ID, UserID: r.UserID, Category: string(r.Category)}
		if err := f.jobs.EnqueueAt(dispatch.LaneReminders, JobTypeFire, p, at); err != nil {
			f.log.Warn("resync enqueue failed", logx.String("id", r.ID), logx.Err(err))
			continue
		}
		restored++
	}
	f.log.Info("reminder resync done",
		logx.Int("restored", restored),
		logx.Int("skipped", skipped),
		logx.Int("total", len(all)))
	return nil
}

// CleanupExpired deletes one-shot reminders whose fire instant is older than
// the retention window.
func (f *Firing) CleanupExpired(ctx context.Context) error {
	cutoff := f.now().Add(-f.retainer)
	n, err := f.store.DeleteExpiredOneShots(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("cleanup expired reminders: %w", err)
	}
	if n > 0 {
		f.log.Info("expired reminders removed", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	}
	return nil
}
