package models

import (
	"fmt"
	"time"
)

// Status enumerates job lifecycle states persisted in Redis.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaused    Status = "paused"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition leaves the status.
// A done recurring job may still spawn its next occurrence, but that is a
// fresh job; the completed one never changes state again.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Platform is the closed set of publish targets.
type Platform string

const (
	PlatformX           Platform = "x"
	PlatformReddit      Platform = "reddit"
	PlatformProductHunt Platform = "producthunt"
)

// ParsePlatform validates a platform string from an external caller.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformX, PlatformReddit, PlatformProductHunt:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Result is the opaque outcome payload recorded once a job is terminal.
type Result map[string]any

// Job represents a scheduled publication. DueAt is immutable once the job
// exists; rescheduling means a new job.
type Job struct {
	ID         string          `json:"job_id"`
	PostID     int64           `json:"post_id"`
	VariantID  int64           `json:"variant_id"`
	Platform   Platform        `json:"platform"`
	UserID     int64           `json:"user_id"`
	DueAt      time.Time       `json:"due_at"`
	Status     Status          `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	Result     Result          `json:"result,omitempty"`
	Recurrence *RecurrenceRule `json:"recurrence,omitempty"`
	Occurrence int             `json:"occurrence,omitempty"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
}

// DirectJobID is the deterministic id for a one-shot publication.
func DirectJobID(postID, variantID int64) string {
	return fmt.Sprintf("post:%d:variant:%d", postID, variantID)
}

// RecurringJobID derives the id for occurrence n of a recurring schedule.
func RecurringJobID(postID, variantID int64, occurrence int) string {
	return fmt.Sprintf("post:%d:variant:%d:occ:%d", postID, variantID, occurrence)
}
