package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"remindd/internal/alarm"
	"remindd/internal/notify"
	"remindd/internal/reminder"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Path:        filepath.Join(t.TempDir(), "remindd.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestReminderRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	at := time.Date(2026, 9, 10, 23, 59, 0, 0, time.UTC)
	in := reminder.Reminder{
		ID:            "r1",
		UserID:        "u1",
		TargetType:    reminder.TargetTask,
		TargetID:      "t1",
		CorrelationID: "task:t1",
		Title:         "ship report",
		Note:          "Task due Sep 10 23:59",
		TriggerType:   reminder.TriggerTime,
		Category:      reminder.CategoryDueDate,
		Schedule:      schedule.OneShot(at),
		CreatedAt:     time.Now().UTC(),
	}
	if err := st.PutReminder(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, ok, err := st.GetReminder(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.CorrelationID != "task:t1" || got.Category != reminder.CategoryDueDate {
		t.Fatalf("got %+v", got)
	}
	if got.Schedule.At == nil || !got.Schedule.At.Equal(at) {
		t.Fatalf("schedule did not round-trip: %+v", got.Schedule)
	}

	// Upsert replaces the schedule.
	in.Schedule = schedule.Descriptor{Frequency: schedule.FreqDaily, Time: "09:00", Timezone: "UTC", TaskID: "t1"}
	if err := st.PutReminder(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, _, _ = st.GetReminder(ctx, "r1")
	if !got.Recurring() || got.Schedule.TaskID != "t1" {
		t.Fatalf("upsert lost schedule: %+v", got.Schedule)
	}

	if _, ok, err := st.GetReminder(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing row: ok=%v err=%v", ok, err)
	}
}

func TestDeleteRemindersByCorrelation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	at := time.Now().Add(time.Hour)

	for _, r := range []reminder.Reminder{
		{ID: "a", UserID: "u1", TargetType: reminder.TargetTask, CorrelationID: "task:t1", Category: reminder.CategoryDueDate, Schedule: schedule.OneShot(at)},
		{ID: "b", UserID: "u1", TargetType: reminder.TargetTask, CorrelationID: "task:t1", Category: reminder.CategoryDueDate, Schedule: schedule.OneShot(at)},
		{ID: "c", UserID: "u1", TargetType: reminder.TargetTask, CorrelationID: "task:t2", Category: reminder.CategoryDueDate, Schedule: schedule.OneShot(at)},
		{ID: "d", UserID: "u2", TargetType: reminder.TargetTask, CorrelationID: "task:t1", Category: reminder.CategoryDueDate, Schedule: schedule.OneShot(at)},
	} {
		if err := st.PutReminder(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := st.DeleteRemindersByCorrelation(ctx, "u1", "task:t1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted = %d, want 2", n)
	}
	// Other user and other correlation survive.
	left, err := st.ListReminders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 2 {
		t.Fatalf("remaining = %d, want 2", len(left))
	}

	// Empty correlation never mass-deletes.
	if n, err := st.DeleteRemindersByCorrelation(ctx, "u1", ""); err != nil || n != 0 {
		t.Fatalf("empty correlation: n=%d err=%v", n, err)
	}
}

func TestDeleteExpiredOneShots(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := schedule.OneShot(now.Add(-48 * time.Hour))
	fresh := schedule.OneShot(now.Add(time.Hour))
	recurring := schedule.Descriptor{Frequency: schedule.FreqDaily, Time: "09:00", Timezone: "UTC"}

	for _, r := range []reminder.Reminder{
		{ID: "old", UserID: "u1", TargetType: reminder.TargetTask, CorrelationID: "task:1", Category: reminder.CategoryDueDate, Schedule: old},
		{ID: "fresh", UserID: "u1", TargetType: reminder.TargetTask, CorrelationID: "task:2", Category: reminder.CategoryDueDate, Schedule: fresh},
		{ID: "recurring", UserID: "u1", TargetType: reminder.TargetCustom, CorrelationID: "routine-task:1", Category: reminder.CategoryRoutine, Schedule: recurring},
	} {
		if err := st.PutReminder(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	n, err := st.DeleteExpiredOneShots(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted = %d, want 1", n)
	}
	if _, ok, _ := st.GetReminder(ctx, "recurring"); !ok {
		t.Fatal("recurring reminder must never be cleaned up")
	}
}

func TestAlarmRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	in := alarm.Alarm{
		ID:             "a1",
		UserID:         "u1",
		Title:          "Routine: workout",
		Time:           time.Date(2026, 9, 9, 7, 0, 0, 0, time.UTC),
		Timezone:       "UTC",
		RecurrenceRule: "FREQ=DAILY",
		Enabled:        true,
		SnoozeDuration: alarm.DefaultSnoozeDuration,
		MaxSnoozes:     alarm.DefaultMaxSnoozes,
		CorrelationID:  "routine:r1",
	}
	if err := st.PutAlarm(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetAlarm(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !got.Time.Equal(in.Time) || got.RecurrenceRule != "FREQ=DAILY" || !got.Enabled {
		t.Fatalf("got %+v", got)
	}
	if got.SnoozeDuration != alarm.DefaultSnoozeDuration || got.MaxSnoozes != alarm.DefaultMaxSnoozes {
		t.Fatalf("snooze policy = %v/%d", got.SnoozeDuration, got.MaxSnoozes)
	}

	n, err := st.DeleteAlarmsByCorrelation(ctx, "u1", "routine:r1")
	if err != nil || n != 1 {
		t.Fatalf("delete: n=%d err=%v", n, err)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	in := notify.Notification{
		ID:       "n1",
		UserID:   "u1",
		Category: "TASK_ASSIGNED",
		Message:  notify.Message{Title: "new task", Body: "review PR", Data: map[string]string{"taskId": "t1"}},
	}
	if err := st.PutNotification(ctx, in); err != nil {
		t.Fatal(err)
	}

	got, ok, err := st.GetNotification(ctx, "n1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != notify.StatusPending || got.Message.Data["taskId"] != "t1" {
		t.Fatalf("got %+v", got)
	}

	sentAt := time.Now().UTC()
	if err := st.MarkNotification(ctx, "n1", notify.StatusSent, &sentAt); err != nil {
		t.Fatal(err)
	}
	got, _, _ = st.GetNotification(ctx, "n1")
	if got.Status != notify.StatusSent || got.SentAt == nil {
		t.Fatalf("after mark: %+v", got)
	}
}

func TestCorruptJSONColumnsSurfaceErrors(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	db := st.(*sqliteStore).db

	if err := st.PutNotification(ctx, notify.Notification{ID: "n1", UserID: "u1", Category: "TASK_ASSIGNED"}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE notifications SET data = '{broken' WHERE id = 'n1'`); err != nil {
		t.Fatal(err)
	}
	n, ok, err := st.GetNotification(ctx, "n1")
	if err == nil {
		t.Fatal("corrupt data column must error")
	}
	if ok || n.ID != "" {
		t.Fatalf("corrupt row leaked a value: ok=%v n=%+v", ok, n)
	}

	if err := st.PutPreferences(ctx, notify.Preferences{UserID: "u1", PushEnabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `UPDATE preferences SET categories = '{broken' WHERE user_id = 'u1'`); err != nil {
		t.Fatal(err)
	}
	p, ok, err := st.GetPreferences(ctx, "u1")
	if err == nil {
		t.Fatal("corrupt categories column must error")
	}
	if ok || p.UserID != "" {
		t.Fatalf("corrupt row leaked a value: ok=%v p=%+v", ok, p)
	}
}

func TestPreferencesRoundTrip(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := st.GetPreferences(ctx, "u1"); err != nil || ok {
		t.Fatalf("missing prefs: ok=%v err=%v", ok, err)
	}

	in := notify.Preferences{
		UserID:      "u1",
		PushEnabled: true,
		Categories:  map[string]bool{"GOAL_REMINDER": false},
	}
	if err := st.PutPreferences(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, ok, err := st.GetPreferences(ctx, "u1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Allows("GOAL_REMINDER") || !got.Allows("TASK_REMINDER") {
		t.Fatalf("preference gate wrong: %+v", got)
	}

	// Upsert flips the global switch.
	in.PushEnabled = false
	if err := st.PutPreferences(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, _, _ = st.GetPreferences(ctx, "u1")
	if got.Allows("TASK_REMINDER") {
		t.Fatal("global off must mute everything")
	}
}
