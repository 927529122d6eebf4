package reminder

import (
	"time"

	"remindd/internal/schedule"
)

// TargetType says what kind of entity a reminder points at. GOAL and CUSTOM
// reminders carry no TargetID (the owning relation cannot express it); their
// correlation lives in CorrelationID and the descriptor's extension fields.
type TargetType string

const (
	TargetTask   TargetType = "TASK"
	TargetGoal   TargetType = "GOAL"
	TargetCustom TargetType = "CUSTOM"
)

// Category keys the per-user notification preference flag and the job type
// a reminder fires under.
type Category string

const (
	CategoryTask    Category = "TASK_REMINDER"
	CategoryGoal    Category = "GOAL_REMINDER"
	CategoryDueDate Category = "DUE_DATE_REMINDER"
	CategoryRoutine Category = "ROUTINE_REMINDER"
)

// TriggerTime is currently the only trigger type.
const TriggerTime = "TIME"

// Reminder is the schedulable unit: a persisted schedule plus message that
// drives one notification job, one-shot or recurring.
type Reminder struct {
	ID            string
	UserID        string
	TargetType    TargetType
	TargetID      string // empty when the relation can't express the target
	CorrelationID string // "task:<id>", "goal:<id>", "milestone:<id>", "routine-task:<id>"
	Title         string
	Note          string
	TriggerType   string
	Category      Category
	Schedule      schedule.Descriptor
	CreatedAt     time.Time
}

// Recurring reports whether the reminder must be re-enqueued after firing.
func (r Reminder) Recurring() bool { return r.Schedule.Recurring() }

// Correlation id helpers. Delete-before-create matches on these instead of
// title/note substrings.

func TaskCorrelation(taskID string) string        { return "task:" + taskID }
func GoalCorrelation(goalID string) string        { return "goal:" + goalID }
func MilestoneCorrelation(msID string) string     { return "milestone:" + msID }
func RoutineTaskCorrelation(taskID string) string { return "routine-task:" + taskID }
func RoutineCorrelation(routineID string) string  { return "routine:" + routineID }
