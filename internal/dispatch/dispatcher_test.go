package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"postflow/internal/config"
	"postflow/internal/content"
	"postflow/internal/models"
	"postflow/internal/publish"
	"postflow/internal/queue"
	"postflow/internal/store"
)

type fakeContent struct {
	variants  map[int64]content.Variant
	published []int64
}

func (f *fakeContent) GetVariant(_ context.Context, id, postID int64) (content.Variant, error) {
	v, ok := f.variants[id]
	if !ok || v.PostID != postID {
		return content.Variant{}, fmt.Errorf("variant %d of post %d: %w", id, postID, models.ErrNotFound)
	}
	return v, nil
}

func (f *fakeContent) MarkPublished(_ context.Context, postID int64) error {
	f.published = append(f.published, postID)
	return nil
}

type fakePublisher struct {
	calls int
	fn    func(ctx context.Context, platform models.Platform, text string) (publish.Response, error)
}

func (f *fakePublisher) Publish(ctx context.Context, platform models.Platform, text string) (publish.Response, error) {
	f.calls++
	if f.fn != nil {
		return f.fn(ctx, platform, text)
	}
	return publish.Response{ID: "sns-1", Text: text, Platform: string(platform)}, nil
}

type fixture struct {
	d   *Dispatcher
	q   *queue.DelayQueue
	st  *store.JobStore
	fc  *fakeContent
	fp  *fakePublisher
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fc := &fakeContent{variants: map[int64]content.Variant{
		5: {ID: 5, PostID: 1, Content: "launch day!"},
	}}
	fp := &fakePublisher{}
	cfg := config.Config{
		PollInterval:      10 * time.Millisecond,
		PublishTimeout:    200 * time.Millisecond,
		DispatchBatchSize: 100,
	}
	q := queue.New(client)
	st := store.New(client, zerolog.Nop())
	return &fixture{
		d:   New(cfg, q, st, fc, fp, zerolog.Nop()),
		q:   q,
		st:  st,
		fc:  fc,
		fp:  fp,
		now: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), // a Tuesday
	}
}

func (f *fixture) put(t *testing.T, job models.Job) {
	t.Helper()
	if err := f.st.Put(context.Background(), job); err != nil {
		t.Fatalf("put %s: %v", job.ID, err)
	}
}

func (f *fixture) pendingJob(due time.Time) models.Job {
	return models.Job{
		ID:        models.DirectJobID(1, 5),
		PostID:    1,
		VariantID: 5,
		Platform:  models.PlatformX,
		UserID:    7,
		DueAt:     due,
		Status:    models.StatusPending,
		CreatedAt: due.Add(-time.Hour),
	}
}

func TestDispatchDueJobPublishesAndRecordsResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.pendingJob(f.now.Add(-time.Minute))
	f.put(t, job)
	if err := f.q.Insert(ctx, job.ID, job.DueAt); err != nil {
		t.Fatalf("insert: %v", err)
	}

	ids, err := f.q.PopDue(ctx, f.now, 100)
	if err != nil || len(ids) != 1 {
		t.Fatalf("pop due: ids=%v err=%v", ids, err)
	}
	f.d.dispatchOne(ctx, ids[0])

	got, err := f.st.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
	if got.Result["id"] != "sns-1" || got.Result["platform"] != "x" {
		t.Fatalf("result not recorded: %+v", got.Result)
	}
	if got.ClaimedBy == "" {
		t.Fatal("expected claimed_by to be set")
	}
	if len(f.fc.published) != 1 || f.fc.published[0] != 1 {
		t.Fatalf("post not marked published: %v", f.fc.published)
	}
}

func TestPublishFailureMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fp.fn = func(context.Context, models.Platform, string) (publish.Response, error) {
		return publish.Response{}, fmt.Errorf("platform rejected the post")
	}
	job := f.pendingJob(f.now.Add(-time.Minute))
	f.put(t, job)
	if _, err := f.st.Transition(ctx, job.ID, models.StatusPending, models.StatusRunning, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	job.Status = models.StatusRunning

	finished := f.d.Execute(ctx, job)
	if finished.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", finished.Status)
	}
	got, _ := f.st.Get(ctx, job.ID)
	if got.Status != models.StatusFailed {
		t.Fatalf("store status: %s", got.Status)
	}
	if got.Result["error"] == "" {
		t.Fatalf("error detail missing: %+v", got.Result)
	}
	// Failed publishes are terminal; the job must not be re-queued.
	if ids, _ := f.q.PopDue(ctx, f.now.Add(24*time.Hour), 100); len(ids) != 0 {
		t.Fatalf("failed job re-queued: %v", ids)
	}
}

func TestPublishTimeoutFlagsTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fp.fn = func(ctx context.Context, _ models.Platform, _ string) (publish.Response, error) {
		<-ctx.Done()
		return publish.Response{}, ctx.Err()
	}
	job := f.pendingJob(f.now.Add(-time.Minute))
	f.put(t, job)
	if _, err := f.st.Transition(ctx, job.ID, models.StatusPending, models.StatusRunning, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	job.Status = models.StatusRunning

	finished := f.d.Execute(ctx, job)
	if finished.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", finished.Status)
	}
	if finished.Result["timeout"] != true {
		t.Fatalf("timeout indicator missing: %+v", finished.Result)
	}
}

func TestCancelledAfterPopIsSkippedSilently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.pendingJob(f.now.Add(-time.Minute))
	f.put(t, job)
	if _, err := f.st.Transition(ctx, job.ID, models.StatusPending, models.StatusCancelled, models.Result{"cancelled": true}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	f.d.dispatchOne(ctx, job.ID)

	if f.fp.calls != 0 {
		t.Fatalf("publisher called for a cancelled job")
	}
	got, _ := f.st.Get(ctx, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("cancelled job mutated: %s", got.Status)
	}
}

func TestMissingVariantMarksJobFailed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	job := f.pendingJob(f.now.Add(-time.Minute))
	job.VariantID = 99 // not in the fake content store
	f.put(t, job)
	if _, err := f.st.Transition(ctx, job.ID, models.StatusPending, models.StatusRunning, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	job.Status = models.StatusRunning

	finished := f.d.Execute(ctx, job)
	if finished.Status != models.StatusFailed {
		t.Fatalf("expected failed, got %s", finished.Status)
	}
	if f.fp.calls != 0 {
		t.Fatal("publisher called without content")
	}
}

func TestUnreadableQueueEntryDoesNotBlockBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	good := f.pendingJob(f.now.Add(-time.Minute))
	f.put(t, good)

	// "ghost" has a queue entry but no job record.
	f.d.dispatchOne(ctx, "ghost")
	f.d.dispatchOne(ctx, good.ID)

	got, _ := f.st.Get(ctx, good.ID)
	if got.Status != models.StatusDone {
		t.Fatalf("good job not dispatched after bad entry: %s", got.Status)
	}
}

func TestRecurringJobRespawnsNextOccurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rule := models.RecurrenceRule{
		Pattern:   models.PatternWeekly,
		Days:      []int{1, 3}, // Monday, Wednesday
		StartTime: "09:00",
	}
	job := models.Job{
		ID:         models.RecurringJobID(1, 5, 0),
		PostID:     1,
		VariantID:  5,
		Platform:   models.PlatformX,
		UserID:     7,
		DueAt:      time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC), // Wednesday
		Status:     models.StatusPending,
		CreatedAt:  f.now,
		Recurrence: &rule,
		Occurrence: 0,
	}
	f.put(t, job)
	if _, err := f.st.Transition(ctx, job.ID, models.StatusPending, models.StatusRunning, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	job.Status = models.StatusRunning

	finished := f.d.Execute(ctx, job)
	if finished.Status != models.StatusDone {
		t.Fatalf("expected done, got %s", finished.Status)
	}

	childID := models.RecurringJobID(1, 5, 1)
	child, err := f.st.Get(ctx, childID)
	if err != nil {
		t.Fatalf("next occurrence not created: %v", err)
	}
	wantDue := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC) // next Monday
	if !child.DueAt.Equal(wantDue) {
		t.Fatalf("expected due %s, got %s", wantDue, child.DueAt)
	}
	if child.Status != models.StatusPending || child.Occurrence != 1 || child.Recurrence == nil {
		t.Fatalf("child fields wrong: %+v", child)
	}

	ids, err := f.q.PopDue(ctx, wantDue, 100)
	if err != nil || len(ids) != 1 || ids[0] != childID {
		t.Fatalf("child not queued at its due time: ids=%v err=%v", ids, err)
	}
}

func TestRecurringRespawnStopsAtEndDate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	end := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	rule := models.RecurrenceRule{
		Pattern:   models.PatternWeekly,
		Days:      []int{3},
		StartTime: "09:00",
		EndDate:   &end,
	}
	job := models.Job{
		ID:         models.RecurringJobID(1, 5, 2),
		PostID:     1,
		VariantID:  5,
		Platform:   models.PlatformX,
		UserID:     7,
		DueAt:      time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC),
		Status:     models.StatusPending,
		CreatedAt:  f.now,
		Recurrence: &rule,
		Occurrence: 2,
	}
	f.put(t, job)
	if _, err := f.st.Transition(ctx, job.ID, models.StatusPending, models.StatusRunning, nil); err != nil {
		t.Fatalf("claim: %v", err)
	}
	job.Status = models.StatusRunning

	f.d.Execute(ctx, job)

	if _, err := f.st.Get(ctx, models.RecurringJobID(1, 5, 3)); err == nil {
		t.Fatal("occurrence created past the end date")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected context error")
		}
	case <-time.After(time.Second):
		t.Fatal("dispatch loop did not stop")
	}
}
