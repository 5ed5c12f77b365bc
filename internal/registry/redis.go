package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"payroll-batch-processor/internal/models"
)

// RedisMirror stores one hash per job, merged server-side so that concurrent
// writers keep progress monotonic and terminal states sticky.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisMirror builds a mirror under "<prefix>:status:<job id>" keys expiring after ttl.
func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if prefix == "" {
		prefix = "payroll"
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) key(jobID string) string {
	return fmt.Sprintf("%s:status:%s", m.prefix, jobID)
}

// Merge applies u to the stored hash.
func (m *RedisMirror) Merge(ctx context.Context, jobID string, u models.StatusUpdate) error {
	progress := -1
	if u.Progress != nil {
		progress = *u.Progress
	}
	if u.Status == models.StatusCompleted {
		progress = 100
	}
	args := []any{int64(m.ttl / time.Second), time.Now().UTC().Format(time.RFC3339Nano), progress}
	if u.Status != "" {
		args = append(args, "status", u.Status)
	}
	if u.Mode != "" {
		args = append(args, "mode", u.Mode)
	}
	if u.Attempt > 0 {
		args = append(args, "attempt", u.Attempt)
	}
	if u.Status == models.StatusCompleted && u.Result != nil {
		raw, err := json.Marshal(u.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		args = append(args, "result", string(raw))
	}
	if u.Status == models.StatusFailed && u.Error != "" {
		args = append(args, "error", u.Error)
	}
	return mergeScript.Run(ctx, m.client, []string{m.key(jobID)}, args...).Err()
}

// Fetch reads the stored record; found is false when the job is unknown to the broker.
func (m *RedisMirror) Fetch(ctx context.Context, jobID string) (models.JobStatusRecord, bool, error) {
	fields, err := m.client.HGetAll(ctx, m.key(jobID)).Result()
	if err != nil {
		return models.JobStatusRecord{}, false, err
	}
	if len(fields) == 0 || fields["status"] == "" {
		return models.JobStatusRecord{}, false, nil
	}
	rec := models.JobStatusRecord{
		JobID:  jobID,
		Status: fields["status"],
		Mode:   fields["mode"],
		Error:  fields["error"],
	}
	rec.Progress, _ = strconv.Atoi(fields["progress"])
	rec.Attempt, _ = strconv.Atoi(fields["attempt"])
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])
	if raw := fields["result"]; raw != "" && rec.Status == models.StatusCompleted {
		var res models.JobResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return models.JobStatusRecord{}, false, fmt.Errorf("decode result for %s: %w", jobID, err)
		}
		rec.Result = &res
	}
	return rec, true, nil
}

var mergeScript = redis.NewScript(`
local key = KEYS[1]
local ttl = tonumber(ARGV[1])
local now = ARGV[2]
local progress = tonumber(ARGV[3])

local cur = redis.call('HGET', key, 'status')
if cur == 'completed' or cur == 'failed' then
  return 0
end

redis.call('HSETNX', key, 'created_at', now)
redis.call('HSETNX', key, 'progress', 0)
redis.call('HSET', key, 'updated_at', now)
if progress >= 0 then
  if progress > 100 then progress = 100 end
  local prev = tonumber(redis.call('HGET', key, 'progress'))
  if progress > prev then
    redis.call('HSET', key, 'progress', progress)
  end
end
local incoming = {}
for i = 4, #ARGV, 2 do
  incoming[ARGV[i]] = ARGV[i + 1]
end
if incoming['status'] == 'queued' and cur == 'processing' then
  local stored = tonumber(redis.call('HGET', key, 'attempt')) or 0
  if (tonumber(incoming['attempt']) or 0) <= stored then
    incoming['status'] = nil
  end
end
for field, value in pairs(incoming) do
  redis.call('HSET', key, field, value)
end
if ttl > 0 then
  redis.call('EXPIRE', key, ttl)
end
return 1
`)
