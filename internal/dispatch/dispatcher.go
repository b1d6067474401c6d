package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/content"
	"postflow/internal/models"
	"postflow/internal/publish"
	"postflow/internal/queue"
	"postflow/internal/recurrence"
	"postflow/internal/store"
	"postflow/internal/telemetry"
)

// ContentReader is the slice of the posts collaborator the dispatcher
// needs at publish time.
type ContentReader interface {
	GetVariant(ctx context.Context, id, postID int64) (content.Variant, error)
	MarkPublished(ctx context.Context, postID int64) error
}

// Dispatcher drains due jobs from the delay queue and publishes them.
// Replicas coordinate only through the queue's atomic pop and the store's
// status transitions, so several instances can run side by side.
type Dispatcher struct {
	id        string
	queue     *queue.DelayQueue
	store     *store.JobStore
	content   ContentReader
	publisher publish.Publisher
	poll      time.Duration
	timeout   time.Duration
	batch     int64
	log       zerolog.Logger
}

// New constructs a dispatcher with a unique instance id.
func New(cfg config.Config, q *queue.DelayQueue, st *store.JobStore, cr ContentReader, pub publish.Publisher, log zerolog.Logger) *Dispatcher {
	id := uuid.NewString()
	return &Dispatcher{
		id:        id,
		queue:     q,
		store:     st,
		content:   cr,
		publisher: pub,
		poll:      cfg.PollInterval,
		timeout:   cfg.PublishTimeout,
		batch:     int64(cfg.DispatchBatchSize),
		log:       log.With().Str("component", "dispatcher").Str("dispatcher_id", id).Logger(),
	}
}

// Run polls until the context is cancelled. A single job's failure never
// stops the loop; when nothing is due it sleeps for the poll interval
// instead of spinning.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().Dur("poll_interval", d.poll).Dur("publish_timeout", d.timeout).Msg("dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ids, err := d.queue.PopDue(ctx, time.Now().UTC(), d.batch)
		if err != nil {
			d.log.Error().Err(err).Msg("pop due jobs")
			if !d.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if depth, err := d.queue.Len(ctx); err == nil {
			telemetry.QueueDepth.Set(float64(depth))
		}

		for _, id := range ids {
			d.dispatchOne(ctx, id)
		}
		if len(ids) == 0 {
			if !d.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context) bool {
	timer := time.NewTimer(d.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// dispatchOne claims and executes a single due job. Malformed entries are
// skipped so the rest of the batch proceeds, and a panic is contained to
// the one job.
func (d *Dispatcher) dispatchOne(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("job_id", id).Interface("panic", r).Msg("job dispatch panicked")
		}
	}()

	job, err := d.store.Get(ctx, id)
	if err != nil {
		d.log.Warn().Err(err).Str("job_id", id).Msg("skipping unreadable queue entry")
		return
	}

	// Mark running before touching the platform so a crash mid-publish is
	// observable as stuck-running rather than silently lost.
	prev, err := d.store.Transition(ctx, id, models.StatusPending, models.StatusRunning, nil)
	if err != nil {
		if errors.Is(err, models.ErrInvalidState) && prev == models.StatusCancelled {
			// Cancelled the instant it became due; nothing to do.
			d.log.Debug().Str("job_id", id).Msg("due job was cancelled before claim")
			return
		}
		d.log.Warn().Err(err).Str("job_id", id).Msg("could not claim due job")
		return
	}
	if err := d.store.SetClaimedBy(ctx, id, d.id); err != nil {
		d.log.Warn().Err(err).Str("job_id", id).Msg("record claim owner")
	}
	job.Status = models.StatusRunning
	d.Execute(ctx, job)
}

// Execute publishes an already-claimed (running) job and records the
// outcome. The scheduler's immediate-publish fallback calls this
// directly. The returned job carries the final status and result.
func (d *Dispatcher) Execute(ctx context.Context, job models.Job) models.Job {
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	variant, err := d.content.GetVariant(ctx, job.VariantID, job.PostID)
	if err != nil {
		telemetry.PublishFailures.Inc()
		return d.finish(ctx, job, models.StatusFailed, models.Result{
			"error": fmt.Sprintf("load variant: %v", err),
		})
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := d.publisher.Publish(pubCtx, job.Platform, variant.Content)
	if err != nil {
		result := models.Result{"error": err.Error()}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(pubCtx.Err(), context.DeadlineExceeded) {
			result["timeout"] = true
			telemetry.PublishTimeouts.Inc()
		}
		telemetry.PublishFailures.Inc()
		// No automatic retry: a second attempt could double-post on the
		// platform. Retry policy is the caller's call.
		return d.finish(ctx, job, models.StatusFailed, result)
	}

	if err := d.content.MarkPublished(ctx, job.PostID); err != nil {
		d.log.Warn().Err(err).Str("job_id", job.ID).Msg("mark post published")
	}
	telemetry.Published.Inc()
	job = d.finish(ctx, job, models.StatusDone, models.Result{
		"id":       resp.ID,
		"text":     resp.Text,
		"platform": resp.Platform,
	})

	if job.Status == models.StatusDone && job.Recurrence != nil {
		d.respawn(ctx, job)
	}
	return job
}

// finish records the terminal outcome of a running job.
func (d *Dispatcher) finish(ctx context.Context, job models.Job, to models.Status, result models.Result) models.Job {
	if _, err := d.store.Transition(ctx, job.ID, models.StatusRunning, to, result); err != nil {
		d.log.Error().Err(err).Str("job_id", job.ID).Str("to", string(to)).Msg("record job outcome")
		return job
	}
	job.Status = to
	job.Result = result
	event := d.log.Info().Str("job_id", job.ID).Str("platform", string(job.Platform)).Str("status", string(to))
	if errMsg, ok := result["error"].(string); ok {
		event = event.Str("error", errMsg)
	}
	event.Msg("job finished")
	return job
}

// respawn creates the next occurrence of a completed recurring job.
func (d *Dispatcher) respawn(ctx context.Context, job models.Job) {
	next, ok := recurrence.NextOccurrence(*job.Recurrence, job.DueAt)
	if !ok {
		d.log.Info().Str("job_id", job.ID).Msg("recurrence exhausted")
		return
	}
	child := models.Job{
		ID:         models.RecurringJobID(job.PostID, job.VariantID, job.Occurrence+1),
		PostID:     job.PostID,
		VariantID:  job.VariantID,
		Platform:   job.Platform,
		UserID:     job.UserID,
		DueAt:      next,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().UTC(),
		Recurrence: job.Recurrence,
		Occurrence: job.Occurrence + 1,
	}
	if err := d.store.Put(ctx, child); err != nil {
		if errors.Is(err, models.ErrDuplicateID) {
			// Another replica already spawned it.
			d.log.Debug().Str("job_id", child.ID).Msg("next occurrence already exists")
			return
		}
		d.log.Error().Err(err).Str("job_id", child.ID).Msg("create next occurrence")
		return
	}
	if err := d.queue.Insert(ctx, child.ID, child.DueAt); err != nil {
		d.log.Error().Err(err).Str("job_id", child.ID).Msg("enqueue next occurrence")
		return
	}
	telemetry.RecurrencesSpawned.Inc()
	d.log.Info().Str("job_id", child.ID).Time("due_at", child.DueAt).Msg("next occurrence scheduled")
}
