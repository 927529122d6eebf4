// Package reminder contains the domain schedulers and the firing handler:
// thin adapters that turn task/goal/routine events into stored reminders
// plus delayed jobs, and consume those jobs when they fire.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"remindd/internal/alarm"
	"remindd/internal/dispatch"
	"remindd/internal/schedule"
	logx "remindd/pkg/logx"
)

// JobTypeFire is the dispatcher job type every reminder fires under.
const JobTypeFire = "reminder.fire"

// Store is the slice of the persistence layer the schedulers need.
// storage.Store satisfies it.
type Store interface {
	PutReminder(ctx context.Context, r Reminder) error
	GetReminder(ctx context.Context, id string) (Reminder, bool, error)
	DeleteReminder(ctx context.Context, id string) error
	DeleteRemindersByCorrelation(ctx context.Context, userID, correlationID string) (int64, error)
	ListReminders(ctx context.Context) ([]Reminder, error)
	DeleteExpiredOneShots(ctx context.Context, before time.Time) (int64, error)

	PutAlarm(ctx context.Context, a alarm.Alarm) error
	DeleteAlarmsByCorrelation(ctx context.Context, userID, correlationID string) (int64, error)
}

// Jobs is the slice of the dispatcher the schedulers need.
type Jobs interface {
	EnqueueAt(lane, jobType string, p dispatch.Payload, at time.Time) error
	Cancel(key string) bool
}

// Planner is the set of domain schedulers. Each method is called from the
// owning entity's CRUD path and is best-effort: it logs failures and never
// expects the caller to roll anything back.
type Planner struct {
	store Store
	jobs  Jobs
	log   logx.Logger
	now   func() time.Time
}

func NewPlanner(store Store, jobs Jobs, log logx.Logger) *Planner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Planner{store: store, jobs: jobs, log: log, now: time.Now}
}

// TaskInput describes a task due-date (re)schedule request.
type TaskInput struct {
	TaskID   string
	UserID   string
	Title    string
	DueDate  string // "2006-01-02"
	DueTime  string // "HH:mm", optional; empty means end of day
	Timezone string // IANA zone, required
}

// GoalInput describes a goal deadline (re)schedule request.
type GoalInput struct {
	GoalID   string
	UserID   string
	Title    string
	Deadline string // "2006-01-02"; deadline instant is end of day
	Timezone string
}

// MilestoneInput describes a goal milestone deadline (re)schedule request.
type MilestoneInput struct {
	MilestoneID string
	GoalID      string
	UserID      string
	Title       string
	DueDate     string // "2006-01-02"; due instant is forced to end of day
	Timezone    string
}

// RoutineInput describes a routine task (re)schedule request.
type RoutineInput struct {
	RoutineID    string
	TaskID       string
	UserID       string
	RoutineTitle string
	TaskTitle    string

	Frequency schedule.Frequency
	Time      string // routine trigger "HH:mm"
	Days      []int  // weekly
	Day       int    // monthly/yearly
	Month     int    // yearly
	Timezone  string

	ReminderTime   string // task-level adjustment: "HH:mm", "-Nmin", "-Nhour"
	ReminderBefore string // routine-level alarm lead: "Nh", "Nd", "Nw"
}

type offset struct {
	label string
	d     time.Duration
}

var (
	taskOffsets      = []offset{{"1 day before", 24 * time.Hour}, {"1 hour before", time.Hour}, {"due", 0}}
	goalOffsets      = []offset{{"1 week before", 7 * 24 * time.Hour}, {"1 day before", 24 * time.Hour}, {"deadline", 0}}
	milestoneOffsets = []offset{{"1 day before", 24 * time.Hour}, {"1 hour before", time.Hour}, {"due", 0}}
)

// ScheduleTaskDueDate replaces all reminders for a task with up to three
// one-shots: one day before, one hour before and at the due instant. Offsets
// that fall in the past or collide with the due instant are skipped, never
// clamped.
func (p *Planner) ScheduleTaskDueDate(ctx context.Context, in TaskInput) error {
	due, err := resolveDue(in.DueDate, in.DueTime, in.Timezone)
	if err != nil {
		return fmt.Errorf("task %s: %w", in.TaskID, err)
	}
	corr := TaskCorrelation(in.TaskID)
	if _, err := p.store.DeleteRemindersByCorrelation(ctx, in.UserID, corr); err != nil {
		return fmt.Errorf("task %s: clear reminders: %w", in.TaskID, err)
	}

	now := p.now()
	if !due.After(now) {
		p.log.Info("task due in the past; no reminders",
			logx.String("task_id", in.TaskID), logx.Time("due", due))
		return nil
	}

	return p.createOneShots(ctx, oneShotPlan{
		userID:     in.UserID,
		targetType: TargetTask,
		targetID:   in.TaskID,
		corr:       corr,
		title:      in.Title,
		note:       "Task due " + due.Format("Jan 2 15:04"),
		category:   CategoryDueDate,
		due:        due,
		offsets:    taskOffsets,
		decorate:   func(d *schedule.Descriptor) { d.TaskID = in.TaskID },
	}, now)
}

// ScheduleGoalDeadline replaces all reminders for a goal with up to three
// one-shots at one week before, one day before and the deadline itself.
func (p *Planner) ScheduleGoalDeadline(ctx context.Context, in GoalInput) error {
	due, err := resolveDue(in.Deadline, "", in.Timezone)
	if err != nil {
		return fmt.Errorf("goal %s: %w", in.GoalID, err)
	}
	corr := GoalCorrelation(in.GoalID)
	if _, err := p.store.DeleteRemindersByCorrelation(ctx, in.UserID, corr); err != nil {
		return fmt.Errorf("goal %s: clear reminders: %w", in.GoalID, err)
	}

	now := p.now()
	if !due.After(now) {
		p.log.Info("goal deadline in the past; no reminders",
			logx.String("goal_id", in.GoalID), logx.Time("deadline", due))
		return nil
	}

	return p.createOneShots(ctx, oneShotPlan{
		userID:     in.UserID,
		targetType: TargetGoal,
		corr:       corr,
		title:      in.Title,
		note:       "Goal deadline " + due.Format("Jan 2"),
		category:   CategoryGoal,
		due:        due,
		offsets:    goalOffsets,
		decorate:   func(d *schedule.Descriptor) { d.GoalID = in.GoalID },
	}, now)
}

// ScheduleMilestoneDeadline replaces all reminders for a milestone with up
// to three one-shots at one day before, one hour before and the due instant
// (always end of day).
func (p *Planner) ScheduleMilestoneDeadline(ctx context.Context, in MilestoneInput) error {
	due, err := resolveDue(in.DueDate, "", in.Timezone)
	if err != nil {
		return fmt.Errorf("milestone %s: %w", in.MilestoneID, err)
	}
	corr := MilestoneCorrelation(in.MilestoneID)
	if _, err := p.store.DeleteRemindersByCorrelation(ctx, in.UserID, corr); err != nil {
		return fmt.Errorf("milestone %s: clear reminders: %w", in.MilestoneID, err)
	}

	now := p.now()
	if !due.After(now) {
		p.log.Info("milestone due in the past; no reminders",
			logx.String("milestone_id", in.MilestoneID), logx.Time("due", due))
		return nil
	}

	return p.createOneShots(ctx, oneShotPlan{
		userID:     in.UserID,
		targetType: TargetGoal,
		corr:       corr,
		title:      in.Title,
		note:       "Milestone due " + due.Format("Jan 2"),
		category:   CategoryGoal,
		due:        due,
		offsets:    milestoneOffsets,
		decorate: func(d *schedule.Descriptor) {
			d.MilestoneID = in.MilestoneID
			d.GoalID = in.GoalID
		},
	}, now)
}

type oneShotPlan struct {
	userID     string
	targetType TargetType
	targetID   string
	corr       string
	title      string
	note       string
	category   Category
	due        time.Time
	offsets    []offset
	decorate   func(*schedule.Descriptor)
}

// createOneShots persists and enqueues one reminder per applicable offset.
// An enqueue failure triggers a compensating delete of that record; sibling
// offsets proceed independently.
func (p *Planner) createOneShots(ctx context.Context, plan oneShotPlan, now time.Time) error {
	var firstErr error
	for _, off := range plan.offsets {
		at := plan.due.Add(-off.d)
		if !at.After(now) {
			continue
		}
		if off.d > 0 && !at.Before(plan.due) {
			continue
		}

		desc := schedule.OneShot(at)
		if plan.decorate != nil {
			plan.decorate(&desc)
		}
		r := Reminder{
			ID:            uuid.NewString(),
			UserID:        plan.userID,
			TargetType:    plan.targetType,
			TargetID:      plan.targetID,
			CorrelationID: plan.corr,
			Title:         plan.title,
			Note:          plan.note,
			TriggerType:   TriggerTime,
			Category:      plan.category,
			Schedule:      desc,
			CreatedAt:     now,
		}
		if err := p.store.PutReminder(ctx, r); err != nil {
			p.log.Error("reminder create failed",
				logx.String("correlation", plan.corr), logx.String("offset", off.label), logx.Err(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		payload := dispatch.Payload{ReminderID: r.ID, UserID: r.UserID, Category: string(r.Category)}
		if err := p.jobs.EnqueueAt(dispatch.LaneReminders, JobTypeFire, payload, at); err != nil {
			// No orphaned unscheduled reminders.
			if derr := p.store.DeleteReminder(ctx, r.ID); derr != nil {
				p.log.Error("compensating delete failed", logx.String("id", r.ID), logx.Err(derr))
			}
			p.log.Warn("reminder enqueue failed; record removed",
				logx.String("correlation", plan.corr),
				logx.String("offset", off.label),
				logx.Time("at", at),
				logx.Err(err))
			if firstErr == nil && !errors.Is(err, dispatch.ErrNonPositiveDelay) {
				firstErr = err
			}
			continue
		}
		p.log.Debug("reminder scheduled",
			logx.String("correlation", plan.corr),
			logx.String("offset", off.label),
			logx.Time("at", at))
	}
	return firstErr
}

// ScheduleRoutineTask replaces a routine task's recurring reminder and the
// routine's derived alarm. The reminder fires at the task's effective
// notification time (routine time adjusted by reminderTime, renormalized
// across midnight); the alarm anchors at the reminderBefore-adjusted instant
// when the routine defines one, else at the same effective time.
func (p *Planner) ScheduleRoutineTask(ctx context.Context, in RoutineInput) error {
	corr := RoutineTaskCorrelation(in.TaskID)
	if _, err := p.store.DeleteRemindersByCorrelation(ctx, in.UserID, corr); err != nil {
		return fmt.Errorf("routine task %s: clear reminders: %w", in.TaskID, err)
	}
	if in.Time == "" {
		p.log.Info("routine has no trigger time; skipping",
			logx.String("routine_id", in.RoutineID), logx.String("task_id", in.TaskID))
		return nil
	}

	rt, err := schedule.ParseReminderTime(in.ReminderTime)
	if err != nil {
		return fmt.Errorf("routine task %s: %w", in.TaskID, err)
	}
	effTime, dayShift, err := rt.EffectiveClock(in.Time)
	if err != nil {
		return fmt.Errorf("routine task %s: %w", in.TaskID, err)
	}

	if dayShift != 0 && in.Frequency != schedule.FreqDaily && in.Frequency != schedule.FreqWeekly {
		// A day-of-month schedule cannot express "the day before day N";
		// keep the configured day and fire late on it instead.
		p.log.Warn("reminder offset crosses midnight on a day-of-month schedule; keeping configured day",
			logx.String("task_id", in.TaskID),
			logx.String("frequency", string(in.Frequency)))
	}

	desc := schedule.Descriptor{
		Frequency: in.Frequency,
		Time:      effTime,
		Days:      schedule.RotateDays(in.Days, dayShift),
		Day:       in.Day,
		Month:     in.Month,
		Timezone:  in.Timezone,
		RoutineID: in.RoutineID,
		TaskID:    in.TaskID,
	}

	now := p.now()
	next, ok := desc.Next(now)
	if !ok {
		p.log.Warn("routine schedule produces no occurrence; skipping",
			logx.String("routine_id", in.RoutineID),
			logx.String("task_id", in.TaskID),
			logx.String("frequency", string(in.Frequency)))
		return nil
	}

	alarmID, err := p.deriveAlarm(ctx, in, next, now)
	if err != nil {
		// Alarm derivation failing must not lose the reminder.
		p.log.Error("derived alarm failed", logx.String("routine_id", in.RoutineID), logx.Err(err))
	}
	desc.AlarmID = alarmID
	desc.ReminderBefore = in.ReminderBefore

	title := in.TaskTitle
	if title == "" {
		title = in.RoutineTitle
	}
	r := Reminder{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		TargetType:    TargetCustom,
		CorrelationID: corr,
		Title:         title,
		Note:          "Routine: " + in.RoutineTitle,
		TriggerType:   TriggerTime,
		Category:      CategoryRoutine,
		Schedule:      desc,
		CreatedAt:     now,
	}
	if err := p.store.PutReminder(ctx, r); err != nil {
		return fmt.Errorf("routine task %s: create reminder: %w", in.TaskID, err)
	}
	payload := dispatch.Payload{ReminderID: r.ID, UserID: r.UserID, Category: string(r.Category)}
	if err := p.jobs.EnqueueAt(dispatch.LaneReminders, JobTypeFire, payload, next); err != nil {
		if derr := p.store.DeleteReminder(ctx, r.ID); derr != nil {
			p.log.Error("compensating delete failed", logx.String("id", r.ID), logx.Err(derr))
		}
		return fmt.Errorf("routine task %s: enqueue: %w", in.TaskID, err)
	}
	p.log.Debug("routine reminder scheduled",
		logx.String("task_id", in.TaskID),
		logx.String("time", effTime),
		logx.Time("next", next))
	return nil
}

// deriveAlarm replaces the routine's alarm and returns the new alarm id.
// effNext is the effective notification time's next occurrence, used as the
// anchor when the routine has no reminderBefore.
func (p *Planner) deriveAlarm(ctx context.Context, in RoutineInput, effNext, now time.Time) (string, error) {
	corr := RoutineCorrelation(in.RoutineID)
	if _, err := p.store.DeleteAlarmsByCorrelation(ctx, in.UserID, corr); err != nil {
		return "", fmt.Errorf("clear alarms: %w", err)
	}

	at := effNext
	if in.ReminderBefore != "" {
		lead, err := schedule.ParseBefore(in.ReminderBefore)
		if err != nil {
			return "", err
		}
		// Subtract the lead from the routine's own next trigger instant and
		// renormalize date+time together: computing Next as of now+lead
		// guarantees the adjusted instant is strictly future.
		base := schedule.Descriptor{
			Frequency: in.Frequency,
			Time:      in.Time,
			Days:      in.Days,
			Day:       in.Day,
			Month:     in.Month,
			Timezone:  in.Timezone,
		}
		trigger, ok := base.Next(now.Add(lead))
		if !ok {
			return "", errors.New("routine schedule produces no alarm anchor")
		}
		at = trigger.Add(-lead)
	}

	loc, err := time.LoadLocation(in.Timezone)
	if err != nil {
		return "", fmt.Errorf("timezone %q: %w", in.Timezone, err)
	}
	local := at.In(loc)

	var days []int
	monthDay := 0
	switch in.Frequency {
	case schedule.FreqWeekly:
		// Anchor weekdays move with the adjusted instant.
		days = schedule.RotateDays(in.Days, weekdayShift(in.Days, local))
	case schedule.FreqMonthly:
		monthDay = local.Day()
		if monthDay != in.Day {
			// The rule pins the day from this first adjusted instant, so
			// uneven month lengths make later occurrences drift.
			p.log.Warn("alarm lead crosses a day boundary on a monthly routine; rule pinned to the adjusted day",
				logx.String("routine_id", in.RoutineID),
				logx.Int("configured_day", in.Day),
				logx.Int("rule_day", monthDay))
		}
	}

	a := alarm.Alarm{
		ID:             uuid.NewString(),
		UserID:         in.UserID,
		Title:          "Routine: " + in.RoutineTitle,
		Time:           at,
		Timezone:       in.Timezone,
		RecurrenceRule: alarm.RuleFor(in.Frequency, days, monthDay),
		Enabled:        true,
		SnoozeDuration: alarm.DefaultSnoozeDuration,
		MaxSnoozes:     alarm.DefaultMaxSnoozes,
		CorrelationID:  corr,
		CreatedAt:      now,
	}
	if err := p.store.PutAlarm(ctx, a); err != nil {
		return "", fmt.Errorf("create alarm: %w", err)
	}
	p.log.Debug("derived alarm scheduled",
		logx.String("routine_id", in.RoutineID),
		logx.Time("at", at),
		logx.String("rule", a.RecurrenceRule))
	return a.ID, nil
}

// weekdayShift finds the rotation that brings the routine's weekday set in
// line with the alarm anchor's weekday. Zero when the set is empty or
// already contains the anchor day.
func weekdayShift(days []int, anchor time.Time) int {
	if len(days) == 0 {
		return 0
	}
	wd := int(anchor.Weekday())
	for _, d := range days {
		if d == wd {
			return 0
		}
	}
	// The anchor moved backwards across a day boundary; rotate the set by
	// the shortest distance that lands a configured day on the anchor day.
	bestDist := 7
	for _, d := range days {
		dist := ((d - wd) % 7 + 7) % 7
		if dist < bestDist {
			bestDist = dist
		}
	}
	return -bestDist
}

// CancelTask removes a task's reminders. Pending jobs fall back to the
// firing handler's load-or-no-op check.
func (p *Planner) CancelTask(ctx context.Context, userID, taskID string) error {
	_, err := p.store.DeleteRemindersByCorrelation(ctx, userID, TaskCorrelation(taskID))
	return err
}

// CancelGoal removes a goal's reminders.
func (p *Planner) CancelGoal(ctx context.Context, userID, goalID string) error {
	_, err := p.store.DeleteRemindersByCorrelation(ctx, userID, GoalCorrelation(goalID))
	return err
}

// CancelRoutineTask removes a routine task's reminder and the routine's
// derived alarm.
func (p *Planner) CancelRoutineTask(ctx context.Context, userID, routineID, taskID string) error {
	if _, err := p.store.DeleteRemindersByCorrelation(ctx, userID, RoutineTaskCorrelation(taskID)); err != nil {
		return err
	}
	_, err := p.store.DeleteAlarmsByCorrelation(ctx, userID, RoutineCorrelation(routineID))
	return err
}

// resolveDue combines a civil date with an optional clock time in the given
// timezone; without a time the instant is the end of that day.
func resolveDue(date, clock, tz string) (time.Time, error) {
	if tz == "" {
		return time.Time{}, errors.New("timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("timezone %q: %w", tz, err)
	}
	d, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: %w", date, err)
	}
	hh, mm := 23, 59
	if clock != "" {
		hh, mm, err = schedule.ParseHHMM(clock)
		if err != nil {
			return time.Time{}, err
		}
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, loc), nil
}
