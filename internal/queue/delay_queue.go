package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingKey = "schedule:pending"

// DelayQueue orders pending jobs by due time in a Redis sorted set. The
// score is the due time in unix milliseconds; Redis breaks score ties
// lexicographically by member, which gives the deterministic job-id
// tie-break. The client is injected so tests can point it at miniredis.
type DelayQueue struct {
	client *redis.Client
	key    string
}

// New builds a delay queue on the shared Redis client.
func New(client *redis.Client) *DelayQueue {
	return &DelayQueue{client: client, key: pendingKey}
}

// Insert adds or repositions a job. Re-inserting an existing id updates
// its score: last insert wins for due time.
func (q *DelayQueue) Insert(ctx context.Context, jobID string, dueAt time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(dueAt.UTC().UnixMilli()),
		Member: jobID,
	}).Err()
	if err != nil {
		return fmt.Errorf("insert %s: %w", jobID, err)
	}
	return nil
}

// Remove deletes a job's queue entry. Removing an absent id is a no-op:
// cancelling a job that was already dispatched must not fail.
func (q *DelayQueue) Remove(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("remove %s: %w", jobID, err)
	}
	return nil
}

// PopDue atomically removes and returns every entry due at or before now,
// ordered by due time then job id. The single script execution guarantees
// concurrent pollers never receive the same entry twice.
func (q *DelayQueue) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = -1
	}
	res, err := popDueScript.Run(ctx, q.client, []string{q.key},
		strconv.FormatInt(now.UTC().UnixMilli(), 10), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("pop due: %w", err)
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from pop script: %T", res)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected member type from pop script: %T", v)
		}
		ids = append(ids, s)
	}
	return ids, nil
}

// Len reports the number of queued entries, for the depth gauge.
func (q *DelayQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

var popDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for i = 1, #due do
  redis.call('ZREM', KEYS[1], due[i])
end
return due
`)
