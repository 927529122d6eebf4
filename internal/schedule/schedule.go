// Package schedule implements the occurrence calculator: given a stored
// schedule descriptor and "now", compute the next future fire instant.
//
// The calculator is pure and never touches the wall clock; callers pass now
// explicitly. All "today" comparisons happen in the descriptor's declared
// timezone, not the server's local zone.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frequency is the recurrence kind of a descriptor.
type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
)

// Descriptor is the schedulable unit's stored schedule.
//
// It is either one-shot (At set, everything else ignored) or recurring
// (Frequency + Time + Timezone, plus Days for weekly, Day for monthly and
// Month+Day for yearly). The JSON shape is the serialization contract
// between the domain schedulers, persistence and the firing handler; it must
// round-trip unchanged.
type Descriptor struct {
	At        *time.Time `json:"at,omitempty"`
	Frequency Frequency  `json:"frequency,omitempty"`
	Time      string     `json:"time,omitempty"`     // "HH:mm" in Timezone
	Days      []int      `json:"days,omitempty"`     // weekly; 0 = Sunday
	Day       int        `json:"day,omitempty"`      // monthly/yearly; 1..31, clamped to month length
	Month     int        `json:"month,omitempty"`    // yearly; 1..12
	Timezone  string     `json:"timezone,omitempty"` // IANA zone, required for recurring schedules

	// Correlation bookkeeping carried through persistence. These are keys
	// back to the owning entities, not scheduling inputs.
	RoutineID      string `json:"routineId,omitempty"`
	TaskID         string `json:"taskId,omitempty"`
	GoalID         string `json:"goalId,omitempty"`
	MilestoneID    string `json:"milestoneId,omitempty"`
	AlarmID        string `json:"alarmId,omitempty"`
	ReminderBefore string `json:"reminderBefore,omitempty"`
}

// OneShot returns a descriptor that fires once at the given instant and is
// never recomputed.
func OneShot(at time.Time) Descriptor {
	t := at
	return Descriptor{At: &t}
}

// Recurring reports whether the descriptor can produce further occurrences.
func (d Descriptor) Recurring() bool {
	return d.At == nil && d.Frequency != ""
}

// Next returns the next occurrence strictly after now, or ok=false when the
// descriptor produces none: one-shot schedules, malformed/missing fields
// (no time, bad timezone, day out of range) and unknown frequencies all
// decline. Callers treat ok=false as "stop, do not schedule" — never as an
// error.
func (d Descriptor) Next(now time.Time) (time.Time, bool) {
	if d.At != nil || d.Frequency == "" {
		return time.Time{}, false
	}
	hh, mm, err := ParseHHMM(d.Time)
	if err != nil {
		return time.Time{}, false
	}
	loc, err := time.LoadLocation(strings.TrimSpace(d.Timezone))
	if err != nil || strings.TrimSpace(d.Timezone) == "" {
		return time.Time{}, false
	}
	local := now.In(loc)

	switch d.Frequency {
	case FreqDaily:
		cand := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
		if !cand.After(now) {
			cand = cand.AddDate(0, 0, 1)
		}
		return cand, true

	case FreqWeekly:
		days := d.Days
		if len(days) == 0 {
			days = []int{int(local.Weekday())}
		}
		var best time.Time
		for _, wd := range days {
			if wd < 0 || wd > 6 {
				continue
			}
			delta := (wd - int(local.Weekday()) + 7) % 7
			cand := time.Date(local.Year(), local.Month(), local.Day()+delta, hh, mm, 0, 0, loc)
			if !cand.After(now) {
				cand = cand.AddDate(0, 0, 7)
			}
			if best.IsZero() || cand.Before(best) {
				best = cand
			}
		}
		if best.IsZero() {
			return time.Time{}, false
		}
		return best, true

	case FreqMonthly:
		if d.Day < 1 || d.Day > 31 {
			return time.Time{}, false
		}
		// Walk forward month by month; the target day is clamped to the
		// month's length (day=31 in April fires on the 30th, not in May).
		for i := 0; i < 25; i++ {
			y, m := addMonths(local.Year(), int(local.Month()), i)
			dd := clampDay(y, m, d.Day)
			cand := time.Date(y, time.Month(m), dd, hh, mm, 0, 0, loc)
			if cand.After(now) {
				return cand, true
			}
		}
		return time.Time{}, false

	case FreqYearly:
		if d.Month < 1 || d.Month > 12 || d.Day < 1 || d.Day > 31 {
			return time.Time{}, false
		}
		for i := 0; i < 9; i++ {
			y := local.Year() + i
			dd := clampDay(y, d.Month, d.Day)
			cand := time.Date(y, time.Month(d.Month), dd, hh, mm, 0, 0, loc)
			if cand.After(now) {
				return cand, true
			}
		}
		return time.Time{}, false
	}

	return time.Time{}, false
}

// ParseHHMM parses a clock time in "HH:mm" form (00:00 .. 23:59).
func ParseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}

// FormatHHMM renders a clock time back to "HH:mm".
func FormatHHMM(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// addMonths advances (year, month 1..12) by n months.
func addMonths(year, month, n int) (int, int) {
	m := month - 1 + n
	return year + m/12, m%12 + 1
}

// clampDay clamps day to the number of days in (year, month).
func clampDay(year, month, day int) int {
	last := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
