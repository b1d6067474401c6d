// Package scheduler is the programmatic contract the HTTP layer drives:
// schedule, cancel, bulk-cancel, pause/resume, recurring schedules, and
// job listing. All mutations go through the job store's atomic
// transitions and the delay queue's atomic insert/remove, so the service
// is safe to run concurrently with the dispatch loop.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"postflow/internal/content"
	"postflow/internal/models"
	"postflow/internal/queue"
	"postflow/internal/recurrence"
	"postflow/internal/store"
	"postflow/internal/telemetry"
)

// ContentStore is the slice of the posts collaborator the scheduler
// needs for validation.
type ContentStore interface {
	GetPost(ctx context.Context, id int64) (content.Post, error)
	GetVariant(ctx context.Context, id, postID int64) (content.Variant, error)
	MarkScheduled(ctx context.Context, postID int64) error
}

// Executor runs a claimed job synchronously. The dispatcher provides the
// real implementation; the immediate-publish fallback goes through it.
type Executor interface {
	Execute(ctx context.Context, job models.Job) models.Job
}

// Service implements the scheduling API.
type Service struct {
	store   *store.JobStore
	queue   *queue.DelayQueue
	content ContentStore
	exec    Executor
	log     zerolog.Logger
	now     func() time.Time
}

// New wires the service. The clock is a field so tests can pin it.
func New(st *store.JobStore, q *queue.DelayQueue, cs ContentStore, exec Executor, log zerolog.Logger) *Service {
	return &Service{
		store:   st,
		queue:   q,
		content: cs,
		exec:    exec,
		log:     log.With().Str("component", "scheduler").Logger(),
		now:     time.Now,
	}
}

// Receipt statuses returned by Schedule.
const (
	ReceiptScheduled            = "scheduled"
	ReceiptPublishedImmediately = "published_immediately"
)

// Receipt reports how a scheduling request was handled.
type Receipt struct {
	Status string        `json:"status"`
	JobID  string        `json:"job_id"`
	DueAt  time.Time     `json:"due_at"`
	Result models.Result `json:"result,omitempty"`
}

// Outcome is one item of a bulk operation's per-id report.
type Outcome struct {
	JobID string `json:"job_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Schedule creates a publication job for the given due time. A due time
// that has already passed triggers the immediate-publish fallback: the
// job is executed synchronously and never enters the delay queue.
func (s *Service) Schedule(ctx context.Context, userID, postID, variantID int64, dueAt time.Time) (Receipt, error) {
	post, err := s.verifyOwnership(ctx, userID, postID, variantID)
	if err != nil {
		return Receipt{}, err
	}

	now := s.now().UTC()
	dueAt = dueAt.UTC()
	job := models.Job{
		ID:        models.DirectJobID(postID, variantID),
		PostID:    postID,
		VariantID: variantID,
		Platform:  post.Platform,
		UserID:    userID,
		DueAt:     dueAt,
		Status:    models.StatusPending,
		CreatedAt: now,
	}
	if err := s.store.Put(ctx, job); err != nil {
		return Receipt{}, err
	}
	if err := s.content.MarkScheduled(ctx, postID); err != nil {
		s.log.Warn().Err(err).Int64("post_id", postID).Msg("mark post scheduled")
	}
	telemetry.Scheduled.Inc()

	if !dueAt.After(now) {
		if _, err := s.store.Transition(ctx, job.ID, models.StatusPending, models.StatusRunning, nil); err != nil {
			return Receipt{}, fmt.Errorf("claim immediate job: %w", err)
		}
		job.Status = models.StatusRunning
		finished := s.exec.Execute(ctx, job)
		s.log.Info().Str("job_id", job.ID).Str("status", string(finished.Status)).Msg("published immediately")
		return Receipt{Status: ReceiptPublishedImmediately, JobID: job.ID, DueAt: dueAt, Result: finished.Result}, nil
	}

	if err := s.queue.Insert(ctx, job.ID, dueAt); err != nil {
		return Receipt{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	s.log.Info().Str("job_id", job.ID).Time("due_at", dueAt).Msg("job scheduled")
	return Receipt{Status: ReceiptScheduled, JobID: job.ID, DueAt: dueAt}, nil
}

// Cancel removes a pending or paused job. A job owned by another user is
// reported as absent rather than forbidden so ids cannot be probed.
func (s *Service) Cancel(ctx context.Context, jobID string, userID int64) error {
	job, err := s.ownedJob(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() || job.Status == models.StatusRunning {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidState)
	}
	if err := s.queue.Remove(ctx, jobID); err != nil {
		return err
	}
	if _, err := s.store.Transition(ctx, jobID, job.Status, models.StatusCancelled, models.Result{"cancelled": true}); err != nil {
		return err
	}
	telemetry.Cancelled.Inc()
	s.log.Info().Str("job_id", jobID).Msg("job cancelled")
	return nil
}

// BulkCancel cancels each id independently; one failure never aborts the
// rest.
func (s *Service) BulkCancel(ctx context.Context, jobIDs []string, userID int64) []Outcome {
	out := make([]Outcome, 0, len(jobIDs))
	for _, id := range jobIDs {
		if err := s.Cancel(ctx, id, userID); err != nil {
			out = append(out, Outcome{JobID: id, OK: false, Error: err.Error()})
			continue
		}
		out = append(out, Outcome{JobID: id, OK: true})
	}
	return out
}

// PauseAll moves every pending job owned by the user to paused and takes
// it out of the delay queue so it cannot be popped. Returns how many jobs
// were paused.
func (s *Service) PauseAll(ctx context.Context, userID int64) (int, error) {
	jobs, err := s.store.List(ctx, store.Filter{UserID: userID, Status: models.StatusPending})
	if err != nil {
		return 0, err
	}
	paused := 0
	for _, job := range jobs {
		// Transition first so a concurrent pop cannot claim the job
		// between the queue removal and the status change.
		if _, err := s.store.Transition(ctx, job.ID, models.StatusPending, models.StatusPaused, nil); err != nil {
			s.log.Debug().Err(err).Str("job_id", job.ID).Msg("job moved before pause")
			continue
		}
		if err := s.queue.Remove(ctx, job.ID); err != nil {
			s.log.Error().Err(err).Str("job_id", job.ID).Msg("remove paused job from queue")
		}
		paused++
	}
	s.log.Info().Int64("user_id", userID).Int("count", paused).Msg("jobs paused")
	return paused, nil
}

// Resume moves named paused jobs back to pending and re-inserts them at
// their original due time; a due time already in the past makes the job
// immediately due.
func (s *Service) Resume(ctx context.Context, jobIDs []string, userID int64) []Outcome {
	out := make([]Outcome, 0, len(jobIDs))
	for _, id := range jobIDs {
		if err := s.resumeOne(ctx, id, userID); err != nil {
			out = append(out, Outcome{JobID: id, OK: false, Error: err.Error()})
			continue
		}
		out = append(out, Outcome{JobID: id, OK: true})
	}
	return out
}

func (s *Service) resumeOne(ctx context.Context, jobID string, userID int64) error {
	job, err := s.ownedJob(ctx, jobID, userID)
	if err != nil {
		return err
	}
	if job.Status != models.StatusPaused {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, models.ErrInvalidState)
	}
	if _, err := s.store.Transition(ctx, jobID, models.StatusPaused, models.StatusPending, nil); err != nil {
		return err
	}
	if err := s.queue.Insert(ctx, jobID, job.DueAt); err != nil {
		return err
	}
	s.log.Info().Str("job_id", jobID).Time("due_at", job.DueAt).Msg("job resumed")
	return nil
}

// CreateRecurring validates the rule, computes the first occurrence, and
// creates the first job with the rule attached. A rule with no occurrence
// before its end date never produces a job.
func (s *Service) CreateRecurring(ctx context.Context, userID, postID, variantID int64, rule models.RecurrenceRule) (Receipt, error) {
	if err := rule.Validate(); err != nil {
		return Receipt{}, err
	}
	now := s.now().UTC()
	if rule.EndDate != nil {
		ed := rule.EndDate.UTC()
		endOfDay := time.Date(ed.Year(), ed.Month(), ed.Day(), 23, 59, 59, 0, time.UTC)
		if endOfDay.Before(now) {
			return Receipt{}, fmt.Errorf("end_date %s is in the past: %w", ed.Format("2006-01-02"), models.ErrInvalidRecurrence)
		}
	}
	post, err := s.verifyOwnership(ctx, userID, postID, variantID)
	if err != nil {
		return Receipt{}, err
	}

	first, ok := recurrence.NextOccurrence(rule, now)
	if !ok {
		return Receipt{}, fmt.Errorf("rule yields no occurrence: %w", models.ErrInvalidRecurrence)
	}

	job := models.Job{
		ID:         models.RecurringJobID(postID, variantID, 0),
		PostID:     postID,
		VariantID:  variantID,
		Platform:   post.Platform,
		UserID:     userID,
		DueAt:      first,
		Status:     models.StatusPending,
		CreatedAt:  now,
		Recurrence: &rule,
		Occurrence: 0,
	}
	if err := s.store.Put(ctx, job); err != nil {
		return Receipt{}, err
	}
	if err := s.content.MarkScheduled(ctx, postID); err != nil {
		s.log.Warn().Err(err).Int64("post_id", postID).Msg("mark post scheduled")
	}
	if err := s.queue.Insert(ctx, job.ID, first); err != nil {
		return Receipt{}, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	telemetry.Scheduled.Inc()
	s.log.Info().Str("job_id", job.ID).Time("first_due", first).Msg("recurring schedule created")
	return Receipt{Status: ReceiptScheduled, JobID: job.ID, DueAt: first}, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Platform models.Platform
	Status   models.Status
	Limit    int
	Offset   int
}

// List returns the user's jobs, newest first.
func (s *Service) List(ctx context.Context, userID int64, f ListFilter) ([]models.Job, error) {
	return s.store.List(ctx, store.Filter{
		Platform: f.Platform,
		Status:   f.Status,
		UserID:   userID,
		Limit:    f.Limit,
		Offset:   f.Offset,
	})
}

// Get returns one of the user's jobs by id.
func (s *Service) Get(ctx context.Context, jobID string, userID int64) (models.Job, error) {
	return s.ownedJob(ctx, jobID, userID)
}

func (s *Service) ownedJob(ctx context.Context, jobID string, userID int64) (models.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return models.Job{}, err
	}
	if job.UserID != userID {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job, nil
}

func (s *Service) verifyOwnership(ctx context.Context, userID, postID, variantID int64) (content.Post, error) {
	post, err := s.content.GetPost(ctx, postID)
	if err != nil {
		return content.Post{}, err
	}
	if post.UserID != userID {
		return content.Post{}, fmt.Errorf("post %d: %w", postID, models.ErrForbidden)
	}
	if _, err := s.content.GetVariant(ctx, variantID, postID); err != nil {
		return content.Post{}, err
	}
	return post, nil
}
