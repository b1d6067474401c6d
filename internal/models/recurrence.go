package models

import (
	"fmt"
	"time"
)

// RecurrencePattern selects how occurrences repeat.
type RecurrencePattern string

const (
	PatternDaily  RecurrencePattern = "daily"
	PatternWeekly RecurrencePattern = "weekly"
	PatternCustom RecurrencePattern = "custom"
)

// RecurrenceRule describes a repeating schedule. Days uses weekday
// indices 0=Sunday..6=Saturday and is required for weekly/custom
// patterns. StartTime is "HH:MM" in UTC. EndDate, when set, is an
// inclusive upper bound on the occurrence date.
type RecurrenceRule struct {
	Pattern   RecurrencePattern `json:"pattern"`
	Days      []int             `json:"days,omitempty"`
	StartTime string            `json:"start_time"`
	EndDate   *time.Time        `json:"end_date,omitempty"`
}

// StartClock parses StartTime into hour and minute.
func (r RecurrenceRule) StartClock() (hour, minute int, err error) {
	t, err := time.Parse("15:04", r.StartTime)
	if err != nil {
		return 0, 0, fmt.Errorf("parse start_time %q: %w", r.StartTime, err)
	}
	return t.Hour(), t.Minute(), nil
}

// Validate checks the rule's shape. Time-relative checks (end date not in
// the past) belong to the scheduler, which knows the current time.
func (r RecurrenceRule) Validate() error {
	switch r.Pattern {
	case PatternDaily:
	case PatternWeekly, PatternCustom:
		if len(r.Days) == 0 {
			return fmt.Errorf("pattern %q requires days: %w", r.Pattern, ErrInvalidRecurrence)
		}
		for _, d := range r.Days {
			if d < 0 || d > 6 {
				return fmt.Errorf("weekday index %d out of range: %w", d, ErrInvalidRecurrence)
			}
		}
	default:
		return fmt.Errorf("unknown pattern %q: %w", r.Pattern, ErrInvalidRecurrence)
	}
	if _, _, err := r.StartClock(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidRecurrence)
	}
	return nil
}
