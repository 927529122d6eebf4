package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ReminderTime is a routine task's notification-time adjustment: either an
// absolute clock time that replaces the routine's own trigger time, or a
// relative subtractive offset from it ("-15min", "-2hour").
type ReminderTime struct {
	Absolute string        // "HH:mm"; when set, Offset is ignored
	Offset   time.Duration // subtractive amount (positive value)
}

var reRelative = regexp.MustCompile(`^-(\d+)(min|hour)$`)

// ParseReminderTime parses the reminder-time forms accepted on routine tasks:
//   - "HH:mm"  absolute clock time
//   - "-Nmin"  N minutes before the routine trigger time
//   - "-Nhour" N hours before the routine trigger time
//
// An empty string means "no adjustment" and parses to the zero value.
func ParseReminderTime(raw string) (ReminderTime, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ReminderTime{}, nil
	}
	if m := reRelative.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 0 {
			return ReminderTime{}, fmt.Errorf("invalid reminder time %q", raw)
		}
		unit := time.Minute
		if m[2] == "hour" {
			unit = time.Hour
		}
		return ReminderTime{Offset: time.Duration(n) * unit}, nil
	}
	if _, _, err := ParseHHMM(s); err != nil {
		return ReminderTime{}, fmt.Errorf("invalid reminder time %q: %w", raw, err)
	}
	return ReminderTime{Absolute: s}, nil
}

// EffectiveClock applies the adjustment to the routine's base clock time.
//
// dayShift is 0 in the common case and -1 when a relative subtraction wraps
// past midnight; weekly day sets must then rotate back one day so the
// renormalized date and time stay consistent.
func (rt ReminderTime) EffectiveClock(base string) (hhmm string, dayShift int, err error) {
	if rt.Absolute != "" {
		return rt.Absolute, 0, nil
	}
	h, m, err := ParseHHMM(base)
	if err != nil {
		return "", 0, err
	}
	if rt.Offset <= 0 {
		return FormatHHMM(h, m), 0, nil
	}
	total := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute - rt.Offset
	for total < 0 {
		total += 24 * time.Hour
		dayShift--
	}
	hh := int(total / time.Hour)
	mm := int(total % time.Hour / time.Minute)
	return FormatHHMM(hh, mm), dayShift, nil
}

// RotateDays shifts every weekday in the set by shift days (mod 7).
// Used when a relative offset crosses midnight and the weekly anchor days
// must move with it.
func RotateDays(days []int, shift int) []int {
	if shift == 0 || len(days) == 0 {
		return days
	}
	out := make([]int, 0, len(days))
	for _, d := range days {
		out = append(out, ((d+shift)%7+7)%7)
	}
	return out
}

var reBefore = regexp.MustCompile(`^(\d+)([hdw])$`)

// ParseBefore parses a reminderBefore duration string ("2h", "1d", "1w")
// into the amount of lead time before the routine's trigger instant.
func ParseBefore(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	m := reBefore.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid reminderBefore %q (expected <n>h, <n>d or <n>w)", raw)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid reminderBefore %q", raw)
	}
	switch m[2] {
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "w":
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("invalid reminderBefore %q", raw)
}
