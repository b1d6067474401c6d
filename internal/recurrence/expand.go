// Package recurrence materializes recurrence rules into concrete due
// times. NextOccurrence is pure so the dispatcher and scheduler can call
// it without coordination.
package recurrence

import (
	"time"

	"postflow/internal/models"
)

// NextOccurrence returns the earliest UTC timestamp strictly after
// `after` satisfying the rule, or ok=false when the rule yields no
// further occurrence (end date exceeded, empty day set, or an unparsable
// rule). Daily rules advance one day from `after`'s date so a rule never
// fires twice on the same date. Weekly and custom rules scan at most a
// week ahead; the day set is bounded by 7, so the linear scan is fine.
func NextOccurrence(rule models.RecurrenceRule, after time.Time) (time.Time, bool) {
	after = after.UTC()
	hour, minute, err := rule.StartClock()
	if err != nil {
		return time.Time{}, false
	}

	switch rule.Pattern {
	case models.PatternDaily:
		cand := atClock(after, hour, minute).AddDate(0, 0, 1)
		if !cand.After(after) {
			cand = cand.AddDate(0, 0, 1)
		}
		return boundByEndDate(rule, cand)

	case models.PatternWeekly, models.PatternCustom:
		if len(rule.Days) == 0 {
			return time.Time{}, false
		}
		days := make(map[time.Weekday]bool, len(rule.Days))
		for _, d := range rule.Days {
			days[time.Weekday(d)] = true
		}
		for i := 0; i <= 7; i++ {
			cand := atClock(after.AddDate(0, 0, i), hour, minute)
			if !cand.After(after) {
				continue
			}
			if days[cand.Weekday()] {
				return boundByEndDate(rule, cand)
			}
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// atClock returns t's date combined with the given time of day, UTC.
func atClock(t time.Time, hour, minute int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, time.UTC)
}

// boundByEndDate rejects candidates whose date falls after the rule's
// inclusive end date.
func boundByEndDate(rule models.RecurrenceRule, cand time.Time) (time.Time, bool) {
	if rule.EndDate == nil {
		return cand, true
	}
	ed := rule.EndDate.UTC()
	endOfDay := time.Date(ed.Year(), ed.Month(), ed.Day(), 23, 59, 59, 0, time.UTC)
	if cand.After(endOfDay) {
		return time.Time{}, false
	}
	return cand, true
}
