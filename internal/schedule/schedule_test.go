package schedule

import (
	"encoding/json"
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load zone %s: %v", name, err)
	}
	return loc
}

func TestNextDaily(t *testing.T) {
	t.Parallel()
	d := Descriptor{Frequency: FreqDaily, Time: "09:00", Timezone: "UTC"}

	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	got, ok := d.Next(now)
	if !ok {
		t.Fatal("expected occurrence")
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Candidate already passed: roll to tomorrow, never further.
	now = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	got, ok = d.Next(now)
	if !ok || !got.Equal(want.AddDate(0, 0, 1)) {
		t.Fatalf("Next = %v ok=%v, want tomorrow 09:00", got, ok)
	}
	if !got.After(now) {
		t.Fatal("occurrence must be strictly in the future")
	}
}

func TestNextDailyTimezone(t *testing.T) {
	t.Parallel()
	tokyo := mustZone(t, "Asia/Tokyo")
	d := Descriptor{Frequency: FreqDaily, Time: "09:00", Timezone: "Asia/Tokyo"}

	// 01:00 UTC = 10:00 in Tokyo, so today's 09:00 is already gone there.
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)
	got, ok := d.Next(now)
	if !ok {
		t.Fatal("expected occurrence")
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, tokyo)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got.In(tokyo), want)
	}
}

func TestNextWeekly(t *testing.T) {
	t.Parallel()
	// 2026-03-10 is a Tuesday.
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		days []int
		want time.Time
	}{
		{"later today", []int{2}, time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC)},
		{"today passed rolls a week", []int{2}, time.Date(2026, 3, 17, 18, 30, 0, 0, time.UTC)},
		{"soonest of set", []int{0, 4}, time.Date(2026, 3, 12, 18, 30, 0, 0, time.UTC)},
		{"empty set defaults to today weekday", nil, time.Date(2026, 3, 10, 18, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			clock := "18:30"
			if tt.name == "today passed rolls a week" {
				clock = "09:00"
				tt.want = time.Date(2026, 3, 17, 9, 0, 0, 0, time.UTC)
			}
			d := Descriptor{Frequency: FreqWeekly, Time: clock, Days: tt.days, Timezone: "UTC"}
			got, ok := d.Next(now)
			if !ok {
				t.Fatal("expected occurrence")
			}
			if !got.Equal(tt.want) {
				t.Fatalf("Next = %v, want %v", got, tt.want)
			}
			if len(tt.days) > 0 {
				found := false
				for _, wd := range tt.days {
					if int(got.Weekday()) == wd {
						found = true
					}
				}
				if !found {
					t.Fatalf("weekday %v not in %v", got.Weekday(), tt.days)
				}
			}
		})
	}
}

func TestNextMonthlyClamps(t *testing.T) {
	t.Parallel()
	d := Descriptor{Frequency: FreqMonthly, Time: "10:00", Day: 31, Timezone: "UTC"}

	// April has 30 days: clamp, do not roll into May.
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got, ok := d.Next(now)
	if !ok {
		t.Fatal("expected occurrence")
	}
	want := time.Date(2026, 4, 30, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Past this month's day: advance and clamp in February.
	d.Day = 30
	now = time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)
	got, ok = d.Next(now)
	if !ok {
		t.Fatal("expected occurrence")
	}
	want = time.Date(2026, 2, 28, 10, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNextYearly(t *testing.T) {
	t.Parallel()
	d := Descriptor{Frequency: FreqYearly, Time: "08:00", Month: 2, Day: 29, Timezone: "UTC"}

	// 2026 is not a leap year: clamp to Feb 28.
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	got, ok := d.Next(now)
	if !ok {
		t.Fatal("expected occurrence")
	}
	want := time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}

	// Already past this year: next year.
	now = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got, _ = d.Next(now)
	if got.Year() != 2027 {
		t.Fatalf("Next = %v, want 2027", got)
	}
}

func TestNextDeclines(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	at := now.Add(time.Hour)
	tests := []struct {
		name string
		d    Descriptor
	}{
		{"one-shot", OneShot(at)},
		{"no frequency", Descriptor{Time: "09:00", Timezone: "UTC"}},
		{"missing time", Descriptor{Frequency: FreqDaily, Timezone: "UTC"}},
		{"bad time", Descriptor{Frequency: FreqDaily, Time: "25:00", Timezone: "UTC"}},
		{"missing timezone", Descriptor{Frequency: FreqDaily, Time: "09:00"}},
		{"bad timezone", Descriptor{Frequency: FreqDaily, Time: "09:00", Timezone: "Mars/Olympus"}},
		{"monthly day out of range", Descriptor{Frequency: FreqMonthly, Time: "09:00", Day: 0, Timezone: "UTC"}},
		{"yearly missing month", Descriptor{Frequency: FreqYearly, Time: "09:00", Day: 10, Timezone: "UTC"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got, ok := tt.d.Next(now); ok {
				t.Fatalf("expected no occurrence, got %v", got)
			}
		})
	}
}

func TestNextIsPure(t *testing.T) {
	t.Parallel()
	d := Descriptor{Frequency: FreqWeekly, Time: "07:15", Days: []int{1, 3, 5}, Timezone: "Europe/Berlin"}
	now := time.Date(2026, 6, 20, 4, 0, 0, 0, time.UTC)

	a, okA := d.Next(now)
	b, okB := d.Next(now)
	if okA != okB || !a.Equal(b) {
		t.Fatalf("Next not idempotent: %v/%v vs %v/%v", a, okA, b, okB)
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	t.Parallel()
	d := Descriptor{
		Frequency: FreqWeekly,
		Time:      "08:45",
		Days:      []int{1, 5},
		Timezone:  "UTC",
		RoutineID: "r-1",
		TaskID:    "t-1",
		AlarmID:   "a-1",
	}
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Descriptor
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	a, _ := d.Next(now)
	bb, _ := back.Next(now)
	if !a.Equal(bb) {
		t.Fatalf("round-tripped descriptor computes %v, want %v", bb, a)
	}
	if back.RoutineID != "r-1" || back.TaskID != "t-1" || back.AlarmID != "a-1" {
		t.Fatal("correlation fields lost in round trip")
	}
}
