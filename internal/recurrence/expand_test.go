package recurrence

import (
	"testing"
	"time"

	"postflow/internal/models"
)

// 2024-01-01 is a Monday.
func date(day, hour, minute int) time.Time {
	return time.Date(2024, 1, day, hour, minute, 0, 0, time.UTC)
}

func TestWeeklyNextListedWeekday(t *testing.T) {
	rule := models.RecurrenceRule{
		Pattern:   models.PatternWeekly,
		Days:      []int{1, 3}, // Monday, Wednesday
		StartTime: "09:00",
	}
	// Tuesday 10:00 -> Wednesday 09:00.
	next, ok := NextOccurrence(rule, date(2, 10, 0))
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if !next.Equal(date(3, 9, 0)) {
		t.Fatalf("expected Wed 09:00, got %s", next)
	}
}

func TestWeeklySameDayTimePassedWrapsAWeek(t *testing.T) {
	rule := models.RecurrenceRule{
		Pattern:   models.PatternWeekly,
		Days:      []int{2}, // Tuesday
		StartTime: "09:00",
	}
	// Tuesday exactly 09:00: never return a timestamp <= after.
	next, ok := NextOccurrence(rule, date(2, 9, 0))
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if !next.Equal(date(9, 9, 0)) {
		t.Fatalf("expected next Tuesday 09:00, got %s", next)
	}
}

func TestWeeklySameDayTimeAhead(t *testing.T) {
	rule := models.RecurrenceRule{
		Pattern:   models.PatternWeekly,
		Days:      []int{2},
		StartTime: "09:00",
	}
	next, ok := NextOccurrence(rule, date(2, 8, 0))
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if !next.Equal(date(2, 9, 0)) {
		t.Fatalf("expected same Tuesday 09:00, got %s", next)
	}
}

func TestDailyAdvancesOneDay(t *testing.T) {
	rule := models.RecurrenceRule{Pattern: models.PatternDaily, StartTime: "09:00"}
	next, ok := NextOccurrence(rule, date(2, 9, 0))
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if !next.Equal(date(3, 9, 0)) {
		t.Fatalf("expected next day 09:00, got %s", next)
	}
}

func TestEndDateExceededYieldsNothing(t *testing.T) {
	end := date(1, 0, 0)
	rule := models.RecurrenceRule{Pattern: models.PatternDaily, StartTime: "09:00", EndDate: &end}
	if _, ok := NextOccurrence(rule, date(2, 0, 0)); ok {
		t.Fatal("expected no occurrence past the end date")
	}
}

func TestEndDateIsInclusive(t *testing.T) {
	end := date(3, 0, 0)
	rule := models.RecurrenceRule{
		Pattern:   models.PatternWeekly,
		Days:      []int{3}, // Wednesday
		StartTime: "09:00",
		EndDate:   &end,
	}
	next, ok := NextOccurrence(rule, date(2, 10, 0))
	if !ok {
		t.Fatal("expected occurrence on the end date itself")
	}
	if !next.Equal(date(3, 9, 0)) {
		t.Fatalf("expected Wed 09:00, got %s", next)
	}
}

func TestEmptyDaySetYieldsNothing(t *testing.T) {
	rule := models.RecurrenceRule{Pattern: models.PatternCustom, StartTime: "09:00"}
	if _, ok := NextOccurrence(rule, date(2, 0, 0)); ok {
		t.Fatal("expected no occurrence for an empty day set")
	}
}

func TestNeverAtOrBeforeAfter(t *testing.T) {
	rule := models.RecurrenceRule{
		Pattern:   models.PatternCustom,
		Days:      []int{0, 1, 2, 3, 4, 5, 6},
		StartTime: "00:00",
	}
	after := date(2, 0, 0)
	for i := 0; i < 14; i++ {
		next, ok := NextOccurrence(rule, after)
		if !ok {
			t.Fatalf("expected an occurrence after %s", after)
		}
		if !next.After(after) {
			t.Fatalf("occurrence %s not after %s", next, after)
		}
		after = next
	}
}
