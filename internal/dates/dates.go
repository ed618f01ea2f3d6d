// Package dates formats message timestamps, groups timelines by calendar day
// and measures message age.
package dates

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chatwoot/crmsync/internal/chat"
)

// Matches: "2h ago", "30m", "1d", "2w ago", "1mo"
var relativeRegex = regexp.MustCompile(`^(\d+)(mo|w|d|h|m)(\s*ago)?$`)

// FormatTimestamp renders t relative to now the way a timeline shows it:
// clock time for today, "Yesterday", the weekday within the last week,
// month and day within the year, and a full date otherwise.
func FormatTimestamp(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(now.Location())
	day := StartOfDay(t)
	today := StartOfDay(now)
	switch {
	case day.Equal(today):
		return t.Format("15:04")
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case day.After(today.AddDate(0, 0, -7)) && day.Before(today):
		return t.Format("Monday")
	case t.Year() == now.Year():
		return t.Format("Jan 2")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// FormatDayLabel renders the header of a day group.
func FormatDayLabel(day, now time.Time) string {
	day = StartOfDay(day.In(now.Location()))
	today := StartOfDay(now)
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case day.Year() == now.Year():
		return day.Format("Monday, Jan 2")
	default:
		return day.Format("Monday, Jan 2, 2006")
	}
}

// DayGroup is the set of messages sent on one calendar day.
type DayGroup struct {
	Day      time.Time
	Messages []chat.Message
}

// GroupByDay buckets messages by calendar day in loc. The input is sorted
// defensively (stable, by timestamp) because live events are appended in
// arrival order, not re-sorted. The input slice is not modified.
func GroupByDay(messages []chat.Message, loc *time.Location) []DayGroup {
	if len(messages) == 0 {
		return nil
	}
	if loc == nil {
		loc = time.Local
	}
	sorted := append([]chat.Message(nil), messages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var groups []DayGroup
	for _, m := range sorted {
		day := StartOfDay(m.Timestamp.In(loc))
		if n := len(groups); n > 0 && groups[n-1].Day.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{Day: day, Messages: []chat.Message{m}})
	}
	return groups
}

// HoursBetween returns the signed number of hours from a to b.
func HoursBetween(a, b time.Time) float64 {
	return b.Sub(a).Hours()
}

// HoursSince returns how many hours elapsed between t and now.
func HoursSince(t, now time.Time) float64 {
	return HoursBetween(t, now)
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// ParseSince parses a lower time bound for history filters.
// Supports "2h ago" (or just "2h"), "yesterday", "today", YYYY-MM-DD and RFC3339.
func ParseSince(s string, now time.Time) (time.Time, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	input := strings.ToLower(raw)
	switch input {
	case "today":
		return StartOfDay(now), nil
	case "yesterday":
		return StartOfDay(now).AddDate(0, 0, -1), nil
	}

	if matches := relativeRegex.FindStringSubmatch(input); len(matches) >= 3 {
		value, err := strconv.Atoi(matches[1])
		if err != nil || value < 1 {
			return time.Time{}, fmt.Errorf("invalid relative time %q", raw)
		}
		return subtract(now, value, matches[2])
	}

	if t, err := time.ParseInLocation("2006-01-02", raw, now.Location()); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time expression %q", raw)
}

func subtract(now time.Time, value int, unit string) (time.Time, error) {
	switch unit {
	case "mo":
		return now.AddDate(0, -value, 0), nil
	case "w":
		return now.Add(-time.Duration(value) * 7 * 24 * time.Hour), nil
	case "d":
		return now.Add(-time.Duration(value) * 24 * time.Hour), nil
	case "h":
		return now.Add(-time.Duration(value) * time.Hour), nil
	case "m":
		return now.Add(-time.Duration(value) * time.Minute), nil
	default:
		return time.Time{}, fmt.Errorf("invalid relative time unit %q", unit)
	}
}
