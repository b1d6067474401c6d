package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"postflow/internal/models"
)

const (
	jobKeyPrefix   = "job:"
	auditKeyPrefix = "audit:"
	createdIndex   = "jobs:created"
)

// JobStore persists job records as Redis hashes, with a created-at sorted
// set for listing and an append-only audit list per job. Records survive
// process restarts as long as Redis persistence is configured.
type JobStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// New builds a job store on the shared Redis client.
func New(client *redis.Client, log zerolog.Logger) *JobStore {
	return &JobStore{client: client, log: log.With().Str("component", "jobstore").Logger()}
}

// AuditEntry records one terminal status transition. Entries are appended
// and never mutated.
type AuditEntry struct {
	JobID string        `json:"job_id"`
	From  models.Status `json:"from"`
	To    models.Status `json:"to"`
	At    time.Time     `json:"at"`
}

// Filter narrows List results. Zero values match everything; Limit <= 0
// means no page bound.
type Filter struct {
	Platform models.Platform
	Status   models.Status
	UserID   int64
	Limit    int
	Offset   int
}

func jobKey(id string) string   { return jobKeyPrefix + id }
func auditKey(id string) string { return auditKeyPrefix + id }

// Put creates a job record, failing if the id already exists. Creation
// and index registration happen in one script execution.
func (s *JobStore) Put(ctx context.Context, job models.Job) error {
	fields, err := encodeJob(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	argv := make([]interface{}, 0, 2+len(fields)*2)
	argv = append(argv, strconv.FormatInt(job.CreatedAt.UTC().UnixMilli(), 10), job.ID)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		argv = append(argv, k, fields[k])
	}
	res, err := putScript.Run(ctx, s.client, []string{jobKey(job.ID), createdIndex}, argv...).Result()
	if err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	if created, ok := res.(int64); !ok || created != 1 {
		return fmt.Errorf("job %s: %w", job.ID, models.ErrDuplicateID)
	}
	return nil
}

// Get fetches a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	job, err := decodeJob(fields)
	if err != nil {
		return models.Job{}, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, nil
}

// Transition atomically moves a job from one status to another, storing
// the result payload in the same step. It returns the status observed
// before the call; on mismatch the job is untouched and the error wraps
// ErrInvalidState so the caller can inspect what actually happened.
// Terminal transitions always carry their result and append an audit
// entry.
func (s *JobStore) Transition(ctx context.Context, id string, from, to models.Status, result models.Result) (models.Status, error) {
	resJSON := ""
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("marshal result for %s: %w", id, err)
		}
		resJSON = string(b)
	}
	res, err := casScript.Run(ctx, s.client, []string{jobKey(id)}, string(from), string(to), resJSON).Result()
	if err != nil {
		return "", fmt.Errorf("transition job %s: %w", id, err)
	}
	switch v := res.(type) {
	case int64:
		if to.Terminal() {
			s.appendAudit(ctx, id, from, to)
		}
		return from, nil
	case string:
		if v == "" {
			return "", fmt.Errorf("job %s: %w", id, models.ErrNotFound)
		}
		return models.Status(v), fmt.Errorf("job %s is %s, not %s: %w", id, v, from, models.ErrInvalidState)
	default:
		return "", fmt.Errorf("unexpected type from transition script: %T", res)
	}
}

// SetClaimedBy records which dispatcher instance claimed the job. Purely
// informational; stuck-running diagnosis reads it.
func (s *JobStore) SetClaimedBy(ctx context.Context, id, claimedBy string) error {
	return s.client.HSet(ctx, jobKey(id), "claimed_by", claimedBy).Err()
}

// Audit returns the append-only transition log for a job, oldest first.
func (s *JobStore) Audit(ctx context.Context, id string) ([]AuditEntry, error) {
	raw, err := s.client.LRange(ctx, auditKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("audit for %s: %w", id, err)
	}
	entries := make([]AuditEntry, 0, len(raw))
	for _, r := range raw {
		var e AuditEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry for %s: %w", id, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// List returns jobs matching the filter, newest created first.
func (s *JobStore) List(ctx context.Context, f Filter) ([]models.Job, error) {
	ids, err := s.client.ZRevRange(ctx, createdIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	matched := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if err != nil {
			// Index entries for records deleted out-of-band are skipped.
			s.log.Warn().Err(err).Str("job_id", id).Msg("skipping unreadable job in listing")
			continue
		}
		if f.Platform != "" && job.Platform != f.Platform {
			continue
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.UserID != 0 && job.UserID != f.UserID {
			continue
		}
		matched = append(matched, job)
	}
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			return []models.Job{}, nil
		}
		matched = matched[f.Offset:]
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *JobStore) appendAudit(ctx context.Context, id string, from, to models.Status) {
	entry := AuditEntry{JobID: id, From: from, To: to, At: time.Now().UTC()}
	b, err := json.Marshal(entry)
	if err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("marshal audit entry")
		return
	}
	if err := s.client.RPush(ctx, auditKey(id), b).Err(); err != nil {
		s.log.Error().Err(err).Str("job_id", id).Msg("append audit entry")
		return
	}
	s.log.Info().Str("job_id", id).Str("from", string(from)).Str("to", string(to)).Msg("job reached terminal status")
}

func encodeJob(job models.Job) (map[string]string, error) {
	fields := map[string]string{
		"id":         job.ID,
		"post_id":    strconv.FormatInt(job.PostID, 10),
		"variant_id": strconv.FormatInt(job.VariantID, 10),
		"platform":   string(job.Platform),
		"user_id":    strconv.FormatInt(job.UserID, 10),
		"due_at":     job.DueAt.UTC().Format(time.RFC3339Nano),
		"status":     string(job.Status),
		"created_at": job.CreatedAt.UTC().Format(time.RFC3339Nano),
		"occurrence": strconv.Itoa(job.Occurrence),
	}
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return nil, err
		}
		fields["result"] = string(b)
	}
	if job.Recurrence != nil {
		b, err := json.Marshal(job.Recurrence)
		if err != nil {
			return nil, err
		}
		fields["recurrence"] = string(b)
	}
	if job.ClaimedBy != "" {
		fields["claimed_by"] = job.ClaimedBy
	}
	return fields, nil
}

func decodeJob(fields map[string]string) (models.Job, error) {
	var job models.Job
	var err error
	job.ID = fields["id"]
	if job.ID == "" {
		return models.Job{}, fmt.Errorf("missing id field")
	}
	if job.PostID, err = strconv.ParseInt(fields["post_id"], 10, 64); err != nil {
		return models.Job{}, fmt.Errorf("post_id: %w", err)
	}
	if job.VariantID, err = strconv.ParseInt(fields["variant_id"], 10, 64); err != nil {
		return models.Job{}, fmt.Errorf("variant_id: %w", err)
	}
	if job.UserID, err = strconv.ParseInt(fields["user_id"], 10, 64); err != nil {
		return models.Job{}, fmt.Errorf("user_id: %w", err)
	}
	job.Platform = models.Platform(fields["platform"])
	job.Status = models.Status(fields["status"])
	job.ClaimedBy = fields["claimed_by"]
	if job.DueAt, err = time.Parse(time.RFC3339Nano, fields["due_at"]); err != nil {
		return models.Job{}, fmt.Errorf("due_at: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return models.Job{}, fmt.Errorf("created_at: %w", err)
	}
	if v := fields["occurrence"]; v != "" {
		if job.Occurrence, err = strconv.Atoi(v); err != nil {
			return models.Job{}, fmt.Errorf("occurrence: %w", err)
		}
	}
	if v := fields["result"]; v != "" {
		if err := json.Unmarshal([]byte(v), &job.Result); err != nil {
			return models.Job{}, fmt.Errorf("result: %w", err)
		}
	}
	if v := fields["recurrence"]; v != "" {
		job.Recurrence = &models.RecurrenceRule{}
		if err := json.Unmarshal([]byte(v), job.Recurrence); err != nil {
			return models.Job{}, fmt.Errorf("recurrence: %w", err)
		}
	}
	return job, nil
}

var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return ''
end
if cur ~= ARGV[1] then
  return cur
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[1], 'result', ARGV[3])
end
return 1
`)
