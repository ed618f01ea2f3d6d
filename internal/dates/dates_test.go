package dates

import (
	"testing"
	"time"

	"github.com/chatwoot/crmsync/internal/chat"
)

func TestFormatTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 28, 15, 4, 5, 0, time.UTC) // Wednesday

	tests := []struct {
		name string
		in   time.Time
		want string
	}{
		{"zero", time.Time{}, ""},
		{"today", time.Date(2026, 1, 28, 9, 30, 0, 0, time.UTC), "09:30"},
		{"yesterday", time.Date(2026, 1, 27, 23, 0, 0, 0, time.UTC), "Yesterday"},
		{"this week", time.Date(2026, 1, 24, 8, 0, 0, 0, time.UTC), "Saturday"},
		{"this year", time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC), "Jan 2"},
		{"older", time.Date(2025, 12, 2, 8, 0, 0, 0, time.UTC), "Dec 2, 2025"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatTimestamp(tt.in, now); got != tt.want {
				t.Errorf("FormatTimestamp() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGroupByDaySortsDefensively(t *testing.T) {
	d1 := time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 1, 28, 9, 0, 0, 0, time.UTC)
	msgs := []chat.Message{
		{ID: "c", Timestamp: d2.Add(time.Hour)},
		{ID: "a", Timestamp: d1},
		{ID: "b", Timestamp: d2},
	}

	groups := GroupByDay(msgs, time.UTC)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(groups))
	}
	if groups[0].Messages[0].ID != "a" {
		t.Errorf("first group should start with a, got %s", groups[0].Messages[0].ID)
	}
	if ids := groups[1].Messages[0].ID + groups[1].Messages[1].ID; ids != "bc" {
		t.Errorf("second group order = %s, want bc", ids)
	}
	if msgs[0].ID != "c" {
		t.Error("input slice must not be reordered")
	}
	if GroupByDay(nil, time.UTC) != nil {
		t.Error("expected nil for empty input")
	}
}

func TestHoursSince(t *testing.T) {
	now := time.Date(2026, 1, 28, 12, 0, 0, 0, time.UTC)
	if got := HoursSince(now.Add(-25*time.Hour), now); got != 25 {
		t.Errorf("HoursSince = %v, want 25", got)
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 1, 28, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		input string
		want  time.Time
	}{
		{"2h ago", now.Add(-2 * time.Hour)},
		{"2h", now.Add(-2 * time.Hour)},
		{"1d", now.Add(-24 * time.Hour)},
		{"1mo ago", now.AddDate(0, -1, 0)},
		{"yesterday", time.Date(2026, 1, 27, 0, 0, 0, 0, time.UTC)},
		{"today", time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)},
		{"2026-01-27", time.Date(2026, 1, 27, 0, 0, 0, 0, time.UTC)},
		{"2026-01-27T10:00:00Z", time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, err := ParseSince(tt.input, now)
		if err != nil {
			t.Fatalf("ParseSince(%q): %v", tt.input, err)
		}
		if !got.Equal(tt.want) {
			t.Errorf("ParseSince(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}

	for _, bad := range []string{"", "soon", "0h"} {
		if _, err := ParseSince(bad, now); err == nil {
			t.Errorf("ParseSince(%q) expected error", bad)
		}
	}
}
