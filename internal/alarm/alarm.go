// Package alarm holds the user-visible wake-event model and its recurrence
// rule handling. Alarms are distinct from reminders: a reminder drives a
// passive push notification, an alarm rings.
package alarm

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindd/internal/schedule"
)

// Default snooze policy applied to derived alarms.
const (
	DefaultSnoozeDuration = 5 * time.Minute
	DefaultMaxSnoozes     = 3
)

// Alarm is a recurring wake event. Time is the absolute next-fire instant;
// RecurrenceRule (one of the four FREQ=... forms, or empty for one-shot)
// drives rollover after firing.
type Alarm struct {
	ID             string
	UserID         string
	Title          string
	Time           time.Time
	Timezone       string
	RecurrenceRule string
	Enabled        bool
	SnoozeDuration time.Duration
	MaxSnoozes     int
	SnoozeCount    int

	// CorrelationID links a derived alarm back to its routine
	// ("routine:<id>"); empty for user-authored alarms.
	CorrelationID string

	CreatedAt time.Time
}

// ErrPastAlarm is returned by Rollover when a non-recurring alarm's time is
// more than the tolerated clock skew in the past.
var ErrPastAlarm = errors.New("alarm time is in the past")

// skewTolerance is how far in the past a non-recurring alarm may be and
// still get scheduled.
const skewTolerance = time.Second

var byDayNames = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

// RuleFor maps a routine frequency onto an alarm recurrence rule string.
func RuleFor(freq schedule.Frequency, days []int, monthDay int) string {
	switch freq {
	case schedule.FreqDaily:
		return "FREQ=DAILY"
	case schedule.FreqWeekly:
		names := make([]string, 0, len(days))
		for _, d := range days {
			if d >= 0 && d <= 6 {
				names = append(names, byDayNames[d])
			}
		}
		if len(names) == 0 {
			return "FREQ=WEEKLY"
		}
		return "FREQ=WEEKLY;BYDAY=" + strings.Join(names, ",")
	case schedule.FreqMonthly:
		return fmt.Sprintf("FREQ=MONTHLY;BYMONTHDAY=%d", monthDay)
	case schedule.FreqYearly:
		return "FREQ=YEARLY"
	}
	return ""
}

// Rule is the decoded form of a recurrence rule string.
type Rule struct {
	Freq     schedule.Frequency
	Days     []int // weekly only
	MonthDay int   // monthly only
}

// ParseRule decodes the narrow rule subset this system emits. It is not an
// RFC 5545 parser; unknown parts fail.
func ParseRule(raw string) (Rule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Rule{}, errors.New("empty rule")
	}
	var r Rule
	for _, part := range strings.Split(s, ";") {
		k, v, _ := strings.Cut(part, "=")
		switch strings.ToUpper(strings.TrimSpace(k)) {
		case "FREQ":
			switch strings.ToUpper(strings.TrimSpace(v)) {
			case "DAILY":
				r.Freq = schedule.FreqDaily
			case "WEEKLY":
				r.Freq = schedule.FreqWeekly
			case "MONTHLY":
				r.Freq = schedule.FreqMonthly
			case "YEARLY":
				r.Freq = schedule.FreqYearly
			default:
				return Rule{}, fmt.Errorf("unsupported FREQ in %q", raw)
			}
		case "BYDAY":
			for _, name := range strings.Split(v, ",") {
				name = strings.ToUpper(strings.TrimSpace(name))
				found := -1
				for i, n := range byDayNames {
					if n == name {
						found = i
					}
				}
				if found < 0 {
					return Rule{}, fmt.Errorf("unsupported BYDAY in %q", raw)
				}
				r.Days = append(r.Days, found)
			}
		case "BYMONTHDAY":
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 1 || n > 31 {
				return Rule{}, fmt.Errorf("unsupported BYMONTHDAY in %q", raw)
			}
			r.MonthDay = n
		default:
			return Rule{}, fmt.Errorf("unsupported rule part %q", part)
		}
	}
	if r.Freq == "" {
		return Rule{}, fmt.Errorf("rule %q has no FREQ", raw)
	}
	return r, nil
}

// Rollover advances an alarm time past now by whole periods.
//
// For recurring rules the time is advanced by +1 day / +7 days / +1 month /
// +1 year until strictly future (monthly keeps the original day-of-month,
// clamped to short months). Without a rule, up to one second of clock skew
// is tolerated; anything older is refused.
func Rollover(t time.Time, rule string, now time.Time) (time.Time, error) {
	if t.After(now) {
		return t, nil
	}
	if strings.TrimSpace(rule) == "" {
		if now.Sub(t) <= skewTolerance {
			return t, nil
		}
		return time.Time{}, ErrPastAlarm
	}
	r, err := ParseRule(rule)
	if err != nil {
		if now.Sub(t) <= skewTolerance {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("cannot roll over: %w", err)
	}

	switch r.Freq {
	case schedule.FreqDaily:
		for !t.After(now) {
			t = t.AddDate(0, 0, 1)
		}
	case schedule.FreqWeekly:
		for !t.After(now) {
			t = t.AddDate(0, 0, 7)
		}
	case schedule.FreqMonthly:
		t = rollMonths(t, now)
	case schedule.FreqYearly:
		for !t.After(now) {
			t = addYearsClamped(t, 1)
		}
	}
	return t, nil
}

// rollMonths advances t month by month, anchored to t's original day-of-month
// so a day-31 alarm does not drift after passing through a short month.
func rollMonths(t, now time.Time) time.Time {
	day := t.Day()
	y, m := t.Year(), int(t.Month())
	for i := 1; ; i++ {
		mm := m - 1 + i
		yy := y + mm/12
		month := mm%12 + 1
		dd := day
		if last := daysIn(yy, month); dd > last {
			dd = last
		}
		cand := time.Date(yy, time.Month(month), dd, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
		if cand.After(now) {
			return cand
		}
	}
}

func addYearsClamped(t time.Time, n int) time.Time {
	y := t.Year() + n
	dd := t.Day()
	if last := daysIn(y, int(t.Month())); dd > last {
		dd = last
	}
	return time.Date(y, t.Month(), dd, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year, month int) int {
	return time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// Snooze pushes the alarm forward by its snooze duration, bounded by
// MaxSnoozes. Returns false when the snooze budget is exhausted.
func (a *Alarm) Snooze(now time.Time) bool {
	if a.MaxSnoozes > 0 && a.SnoozeCount >= a.MaxSnoozes {
		return false
	}
	d := a.SnoozeDuration
	if d <= 0 {
		d = DefaultSnoozeDuration
	}
	base := a.Time
	if base.Before(now) {
		base = now
	}
	a.Time = base.Add(d)
	a.SnoozeCount++
	return true
}
