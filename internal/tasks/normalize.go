package tasks

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// DueHour is the local hour assigned to due dates given without a time.
const DueHour = 17

// DefaultDueIn is used when no usable due date is given.
const DefaultDueIn = 7 * 24 * time.Hour

// NormalizePriority maps free-form priority text to the three-level enum.
// Unrecognized values become medium.
func NormalizePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "high", "urgent", "asap", "rush", "high priority", "critical":
		return PriorityHigh
	case "medium", "med", "normal":
		return PriorityMedium
	case "low", "minor":
		return PriorityLow
	}
	return PriorityMedium
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
}

var localLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// NormalizeDueDate interprets raw relative to received (in loc):
//   - "YYYY-MM-DD" is that day at DueHour
//   - "today", "tomorrow" and weekday names resolve against received at DueHour;
//     a weekday name means its next occurrence after the received day
//   - RFC 3339 timestamps are taken as-is, zone-less timestamps are read in loc
//
// Anything else yields received plus DefaultDueIn. A zero received time
// falls back to now.
func NormalizeDueDate(raw string, received time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	if received.IsZero() {
		received = time.Now()
	}
	base := received.In(loc)
	at := func(d time.Time) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), DueHour, 0, 0, 0, loc)
	}

	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "":
		return received.Add(DefaultDueIn)
	case "today":
		return at(base)
	case "tomorrow":
		return at(base.AddDate(0, 0, 1))
	}
	if wd, ok := weekdays[strings.TrimPrefix(s, "next ")]; ok {
		days := (int(wd) - int(base.Weekday()) + 7) % 7
		if days == 0 {
			days = 7
		}
		return at(base.AddDate(0, 0, days))
	}

	raw = strings.TrimSpace(raw)
	if d, err := time.ParseInLocation("2006-01-02", raw, loc); err == nil {
		return at(d)
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, raw, loc); err == nil {
			return t
		}
	}
	return received.Add(DefaultDueIn)
}
