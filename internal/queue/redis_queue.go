package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"payroll-batch-processor/internal/models"
)

// priorityWeight separates priority bands in the ready set; within a band jobs
// run in enqueue order.
const (
	priorityWeight = 1e13
	maxPriority    = 100
)

var (
	// ErrUnknownJob is returned when a dequeued id has no stored payload.
	ErrUnknownJob = errors.New("job payload not found")
	// ErrLeaseLost is returned when a job is no longer leased to the caller.
	ErrLeaseLost = errors.New("job lease lost")
)

// Delivery is one leased payroll run handed to a worker.
type Delivery struct {
	JobID   string
	Request models.PayrollRunRequest
	Attempt int
}

// Counts is a snapshot of broker-side job totals.
type Counts struct {
	Waiting   int64
	Active    int64
	Delayed   int64
	Completed int64
	Failed    int64
}

// RedisQueue coordinates ready, in-flight, and delayed payroll runs in Redis.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue over client. Keys are namespaced by prefix.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "payroll"
	}
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		prefix:        prefix,
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey() string     { return q.prefix + ":queue:ready" }
func (q *RedisQueue) inflightKey() string  { return q.prefix + ":queue:inflight" }
func (q *RedisQueue) delayedKey() string   { return q.prefix + ":queue:delayed" }
func (q *RedisQueue) dlqKey() string       { return q.prefix + ":queue:dlq" }
func (q *RedisQueue) completedKey() string { return q.prefix + ":stats:completed" }
func (q *RedisQueue) failedKey() string    { return q.prefix + ":stats:failed" }

func (q *RedisQueue) jobKey(jobID string) string {
	return q.prefix + ":job:" + jobID
}

func readyScore(priority int, at time.Time) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > maxPriority {
		priority = maxPriority
	}
	return float64(priority)*priorityWeight + float64(at.UnixMilli())
}

// Enqueue stores the request and makes it ready. Lower priority values are dequeued first.
func (q *RedisQueue) Enqueue(ctx context.Context, req models.PayrollRunRequest) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	jobID := uuid.NewString()
	now := time.Now()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(jobID), map[string]any{
		"request":     string(raw),
		"priority":    req.Priority,
		"attempt":     1,
		"enqueued_at": now.UnixMilli(),
	})
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: readyScore(req.Priority, now), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue payroll run: %w", err)
	}
	return jobID, nil
}

// Dequeue leases the highest-priority ready job. ok is false when nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, bool, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey(), q.inflightKey()}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, err
	}
	jobID, ok := res.(string)
	if !ok {
		return Delivery{}, false, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if fields["request"] == "" {
		_ = q.client.ZRem(ctx, q.inflightKey(), jobID).Err()
		return Delivery{JobID: jobID}, false, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	var req models.PayrollRunRequest
	if err := json.Unmarshal([]byte(fields["request"]), &req); err != nil {
		return Delivery{JobID: jobID}, false, fmt.Errorf("decode request %s: %w", jobID, err)
	}
	attempt, _ := strconv.Atoi(fields["attempt"])
	if attempt < 1 {
		attempt = 1
	}
	return Delivery{JobID: jobID, Request: req, Attempt: attempt}, true, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job. It
// returns ErrLeaseLost once the lease has expired and the job was requeued.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.ack(ctx, extendScript, jobID, []string{q.inflightKey()}, time.Now().Add(extension).UnixMilli())
}

// Complete acknowledges a successful job and drops its payload.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	return q.ack(ctx, completeScript, jobID, []string{q.inflightKey(), q.jobKey(jobID), q.completedKey()})
}

// Retry moves an in-flight job to the delayed set, to be promoted at runAt as the given attempt.
func (q *RedisQueue) Retry(ctx context.Context, jobID string, attempt int, lastErr string, runAt time.Time) error {
	return q.ack(ctx, retryScript, jobID, []string{q.inflightKey(), q.jobKey(jobID), q.delayedKey()},
		attempt, lastErr, runAt.UnixMilli())
}

// Fail dead-letters an in-flight job whose attempts are exhausted.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, lastErr string) error {
	return q.ack(ctx, failScript, jobID, []string{q.inflightKey(), q.jobKey(jobID), q.dlqKey(), q.failedKey()}, lastErr)
}

// ack runs a lifecycle script that only acts while jobID still holds its lease.
func (q *RedisQueue) ack(ctx context.Context, script *redis.Script, jobID string, keys []string, args ...any) error {
	owned, err := script.Run(ctx, q.client, keys, append([]any{jobID}, args...)...).Int()
	if err != nil {
		return err
	}
	if owned == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, jobID)
	}
	return nil
}

// PromoteDelayed moves due delayed jobs into the ready set. It returns how many were promoted.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error) {
	return q.move(ctx, q.delayedKey(), now, limit)
}

// RequeueExpired reclaims leases that timed out, making their jobs ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.due(ctx, q.inflightKey(), now, limit)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	return q.promote(ctx, q.inflightKey(), ids, now)
}

func (q *RedisQueue) move(ctx context.Context, from string, now time.Time, limit int64) (int, error) {
	ids, err := q.due(ctx, from, now, limit)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	moved, err := q.promote(ctx, from, ids, now)
	return len(moved), err
}

func (q *RedisQueue) due(ctx context.Context, key string, now time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.UnixMilli(), 10),
		Offset: 0,
		Count:  limit,
	}).Result()
}

// promote moves ids from one set to the ready set. An id that left the source
// set in the meantime, e.g. because its worker acked it, is skipped.
func (q *RedisQueue) promote(ctx context.Context, from string, ids []string, now time.Time) ([]string, error) {
	var moved []string
	for _, id := range ids {
		priority, err := q.client.HGet(ctx, q.jobKey(id), "priority").Int()
		if err != nil {
			priority = 0
		}
		score := strconv.FormatFloat(readyScore(priority, now), 'f', -1, 64)
		ok, err := promoteScript.Run(ctx, q.client, []string{from, q.readyKey()}, id, score).Int()
		if err != nil {
			return moved, err
		}
		if ok == 1 {
			moved = append(moved, id)
		}
	}
	return moved, nil
}

// DeadLetters reads up to count dead-lettered job ids, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(), 0, count-1).Result()
}

// Counts returns waiting, active, delayed, completed and failed totals.
func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.ZCard(ctx, q.readyKey())
	active := pipe.ZCard(ctx, q.inflightKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	completed := pipe.Get(ctx, q.completedKey())
	failed := pipe.Get(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, err
	}
	c := Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	c.Completed, _ = completed.Int64()
	c.Failed, _ = failed.Int64()
	return c, nil
}

var dequeueScript = redis.NewScript(`
local popped = redis.call('ZPOPMIN', KEYS[1], 1)
if #popped == 0 then
  return nil
end
local job = popped[1]
redis.call('ZADD', KEYS[2], ARGV[1], job)
return job
`)

// KEYS: source set, ready set. ARGV: job id, ready score.
var promoteScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
return 1
`)

// KEYS: inflight. ARGV: job id, new deadline (ms).
var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// KEYS: inflight, job hash, completed counter. ARGV: job id.
var completeScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('DEL', KEYS[2])
redis.call('INCR', KEYS[3])
return 1
`)

// KEYS: inflight, job hash, delayed. ARGV: job id, attempt, last error, run at (ms).
var retryScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'attempt', ARGV[2], 'last_error', ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: inflight, job hash, dlq, failed counter. ARGV: job id, last error.
var failScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'last_error', ARGV[2])
redis.call('RPUSH', KEYS[3], ARGV[1])
redis.call('INCR', KEYS[4])
return 1
`)
