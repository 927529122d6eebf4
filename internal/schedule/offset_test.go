package schedule

import (
	"testing"
	"time"
)

func TestParseReminderTime(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw      string
		absolute string
		offset   time.Duration
		wantErr  bool
	}{
		{raw: "", absolute: "", offset: 0},
		{raw: "08:45", absolute: "08:45"},
		{raw: "-15min", offset: 15 * time.Minute},
		{raw: "-2hour", offset: 2 * time.Hour},
		{raw: "-15m", wantErr: true},
		{raw: "15min", wantErr: true},
		{raw: "25:00", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseReminderTime(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseReminderTime(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseReminderTime(%q): %v", tt.raw, err)
			}
			if got.Absolute != tt.absolute || got.Offset != tt.offset {
				t.Fatalf("got %+v, want absolute=%q offset=%v", got, tt.absolute, tt.offset)
			}
		})
	}
}

func TestEffectiveClock(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		rt       ReminderTime
		base     string
		want     string
		dayShift int
	}{
		{"absolute wins", ReminderTime{Absolute: "07:00", Offset: time.Hour}, "09:00", "07:00", 0},
		{"no adjustment", ReminderTime{}, "09:00", "09:00", 0},
		{"minutes before", ReminderTime{Offset: 15 * time.Minute}, "09:00", "08:45", 0},
		{"hours before", ReminderTime{Offset: 2 * time.Hour}, "01:30", "23:30", -1},
		{"wraps past midnight", ReminderTime{Offset: 30 * time.Minute}, "00:10", "23:40", -1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, shift, err := tt.rt.EffectiveClock(tt.base)
			if err != nil {
				t.Fatalf("EffectiveClock: %v", err)
			}
			if got != tt.want || shift != tt.dayShift {
				t.Fatalf("EffectiveClock = (%q, %d), want (%q, %d)", got, shift, tt.want, tt.dayShift)
			}
		})
	}
}

func TestRotateDays(t *testing.T) {
	t.Parallel()
	got := RotateDays([]int{0, 1, 6}, -1)
	want := []int{6, 0, 5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("RotateDays = %v, want %v", got, want)
		}
	}
}

func TestParseBefore(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "2h", want: 2 * time.Hour},
		{raw: "1d", want: 24 * time.Hour},
		{raw: "1w", want: 7 * 24 * time.Hour},
		{raw: "0d", wantErr: true},
		{raw: "2x", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseBefore(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseBefore(%q): expected error", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseBefore(%q): %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseBefore(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}
