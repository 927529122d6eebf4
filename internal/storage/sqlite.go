package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindd/internal/alarm"
	"remindd/internal/notify"
	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store at cfg.Path, creating the directory and
// running migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Reminders ----

func (s *sqliteStore) PutReminder(ctx context.Context, r reminder.Reminder) error {
	sched, err := json.Marshal(r.Schedule)
	if err != nil {
		return fmt.Errorf("encode schedule: %w", err)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	var oneShotAt any
	if r.Schedule.At != nil {
		oneShotAt = r.Schedule.At.UnixMilli()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders(id, user_id, target_type, target_id, correlation_id, title, note, trigger_type, category, schedule, one_shot_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   target_type=excluded.target_type, target_id=excluded.target_id,
		   correlation_id=excluded.correlation_id, title=excluded.title,
		   note=excluded.note, trigger_type=excluded.trigger_type,
		   category=excluded.category, schedule=excluded.schedule,
		   one_shot_at=excluded.one_shot_at`,
		r.ID, r.UserID, string(r.TargetType), nullStr(r.TargetID), r.CorrelationID,
		r.Title, r.Note, r.TriggerType, string(r.Category), string(sched),
		oneShotAt, r.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (reminder.Reminder, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, target_type, target_id, correlation_id, title, note, trigger_type, category, schedule, created_at
		 FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, false, nil
	}
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) DeleteReminder(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) DeleteRemindersByCorrelation(ctx context.Context, userID, correlationID string) (int64, error) {
	if correlationID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE user_id = ? AND correlation_id = ?`, userID, correlationID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) ListReminders(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, target_type, target_id, correlation_id, title, note, trigger_type, category, schedule, created_at
		 FROM reminders ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteExpiredOneShots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE one_shot_at IS NOT NULL AND one_shot_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (reminder.Reminder, error) {
	var (
		r         reminder.Reminder
		target    sql.NullString
		tt        string
		cat       string
		schedRaw  string
		createdAt string
	)
	if err := row.Scan(&r.ID, &r.UserID, &tt, &target, &r.CorrelationID, &r.Title, &r.Note, &r.TriggerType, &cat, &schedRaw, &createdAt); err != nil {
		return reminder.Reminder{}, err
	}
	r.TargetType = reminder.TargetType(tt)
	r.Category = reminder.Category(cat)
	if target.Valid {
		r.TargetID = target.String
	}
	if err := json.Unmarshal([]byte(schedRaw), &r.Schedule); err != nil {
		return reminder.Reminder{}, fmt.Errorf("decode schedule for %s: %w", r.ID, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		r.CreatedAt = t
	}
	return r, nil
}

// ---- Alarms ----

func (s *sqliteStore) PutAlarm(ctx context.Context, a alarm.Alarm) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms(id, user_id, title, fire_at, timezone, recurrence_rule, enabled, snooze_duration_ms, max_snoozes, snooze_count, correlation_id, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, fire_at=excluded.fire_at, timezone=excluded.timezone,
		   recurrence_rule=excluded.recurrence_rule, enabled=excluded.enabled,
		   snooze_duration_ms=excluded.snooze_duration_ms, max_snoozes=excluded.max_snoozes,
		   snooze_count=excluded.snooze_count, correlation_id=excluded.correlation_id`,
		a.ID, a.UserID, a.Title, a.Time.UnixMilli(), a.Timezone, nullStr(a.RecurrenceRule),
		boolInt(a.Enabled), a.SnoozeDuration.Milliseconds(), a.MaxSnoozes, a.SnoozeCount,
		a.CorrelationID, a.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetAlarm(ctx context.Context, id string) (alarm.Alarm, bool, error) {
	var (
		a         alarm.Alarm
		fireAt    int64
		rule      sql.NullString
		enabled   int
		snoozeMS  int64
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, fire_at, timezone, recurrence_rule, enabled, snooze_duration_ms, max_snoozes, snooze_count, correlation_id, created_at
		 FROM alarms WHERE id = ?`, id).
		Scan(&a.ID, &a.UserID, &a.Title, &fireAt, &a.Timezone, &rule, &enabled, &snoozeMS, &a.MaxSnoozes, &a.SnoozeCount, &a.CorrelationID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return alarm.Alarm{}, false, nil
	}
	if err != nil {
		return alarm.Alarm{}, false, err
	}
	a.Time = time.UnixMilli(fireAt)
	if rule.Valid {
		a.RecurrenceRule = rule.String
	}
	a.Enabled = enabled != 0
	a.SnoozeDuration = time.Duration(snoozeMS) * time.Millisecond
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = t
	}
	return a, true, nil
}

func (s *sqliteStore) DeleteAlarmsByCorrelation(ctx context.Context, userID, correlationID string) (int64, error) {
	if correlationID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM alarms WHERE user_id = ? AND correlation_id = ?`, userID, correlationID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ---- Notifications ----

func (s *sqliteStore) PutNotification(ctx context.Context, n notify.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.Status == "" {
		n.Status = notify.StatusPending
	}
	var data any
	if len(n.Message.Data) > 0 {
		b, err := json.Marshal(n.Message.Data)
		if err != nil {
			return fmt.Errorf("encode data: %w", err)
		}
		data = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, category, title, body, data, status, created_at, sent_at)
		 VALUES(?,?,?,?,?,?,?,?,NULL)
		 ON CONFLICT(id) DO UPDATE SET
		   category=excluded.category, title=excluded.title, body=excluded.body,
		   data=excluded.data, status=excluded.status`,
		n.ID, n.UserID, n.Category, n.Message.Title, n.Message.Body, data,
		string(n.Status), n.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetNotification(ctx context.Context, id string) (notify.Notification, bool, error) {
	var (
		n         notify.Notification
		data      sql.NullString
		status    string
		createdAt string
		sentAt    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, category, title, body, data, status, created_at, sent_at
		 FROM notifications WHERE id = ?`, id).
		Scan(&n.ID, &n.UserID, &n.Category, &n.Message.Title, &n.Message.Body, &data, &status, &createdAt, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Notification{}, false, nil
	}
	if err != nil {
		return notify.Notification{}, false, err
	}
	n.Status = notify.NotificationStatus(status)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &n.Message.Data); err != nil {
			return notify.Notification{}, false, fmt.Errorf("decode data for %s: %w", n.ID, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		n.CreatedAt = t
	}
	if sentAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, sentAt.String); err == nil {
			n.SentAt = &t
		}
	}
	return n, true, nil
}

func (s *sqliteStore) MarkNotification(ctx context.Context, id string, status notify.NotificationStatus, sentAt *time.Time) error {
	var at any
	if sentAt != nil {
		at = sentAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, sent_at = ? WHERE id = ?`, string(status), at, id)
	return err
}

// ---- Preferences ----

func (s *sqliteStore) GetPreferences(ctx context.Context, userID string) (notify.Preferences, bool, error) {
	var (
		p         notify.Preferences
		enabled   int
		cats      sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, push_enabled, categories, updated_at FROM preferences WHERE user_id = ?`, userID).
		Scan(&p.UserID, &enabled, &cats, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return notify.Preferences{}, false, nil
	}
	if err != nil {
		return notify.Preferences{}, false, err
	}
	p.PushEnabled = enabled != 0
	if cats.Valid && cats.String != "" {
		if err := json.Unmarshal([]byte(cats.String), &p.Categories); err != nil {
			return notify.Preferences{}, false, fmt.Errorf("decode categories for %s: %w", userID, err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return p, true, nil
}

func (s *sqliteStore) PutPreferences(ctx context.Context, p notify.Preferences) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	var cats any
	if len(p.Categories) > 0 {
		b, err := json.Marshal(p.Categories)
		if err != nil {
			return fmt.Errorf("encode categories: %w", err)
		}
		cats = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, push_enabled, categories, updated_at)
		 VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   push_enabled=excluded.push_enabled, categories=excluded.categories,
		   updated_at=excluded.updated_at`,
		p.UserID, boolInt(p.PushEnabled), cats, p.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
