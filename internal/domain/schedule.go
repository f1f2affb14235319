package domain

import (
	"strings"
	"time"
)

// Frequency is the repeat interval of a schedule.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// ParseFrequency validates a frequency label.
func ParseFrequency(s string) (Frequency, error) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	switch f {
	case Daily, Weekly, Monthly:
		return f, nil
	}
	return "", &ValidationError{Field: "frequency", Reason: "must be daily, weekly or monthly"}
}

// ScheduleStatus is the state of a recurring schedule.
type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	SchedulePaused    ScheduleStatus = "paused"
	ScheduleCancelled ScheduleStatus = "cancelled"
	ScheduleCompleted ScheduleStatus = "completed"
)

var scheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	ScheduleActive: {SchedulePaused, ScheduleCancelled, ScheduleCompleted},
	SchedulePaused: {ScheduleActive, ScheduleCancelled},
}

// CanChangeSchedule reports whether a schedule may move from one status to another.
func CanChangeSchedule(from, to ScheduleStatus) bool {
	for _, s := range scheduleTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextExecution returns the next due instant after from. Monthly schedules
// advance one calendar month, clamped to the last day of the target month.
func NextExecution(f Frequency, from time.Time) (time.Time, error) {
	switch f {
	case Daily:
		return from.AddDate(0, 0, 1), nil
	case Weekly:
		return from.AddDate(0, 0, 7), nil
	case Monthly:
		return addMonthClamped(from), nil
	}
	return time.Time{}, &ValidationError{Field: "frequency", Reason: "unknown frequency " + string(f)}
}

func addMonthClamped(t time.Time) time.Time {
	y, m, d := t.Date()
	firstOfNext := time.Date(y, m+1, 1, 0, 0, 0, 0, t.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), d,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
