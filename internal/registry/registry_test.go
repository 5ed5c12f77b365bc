package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payroll-batch-processor/internal/models"
)

type fakeBroker struct {
	up atomic.Bool
}

func (b *fakeBroker) Usable() bool { return b.up.Load() }

func TestGetUnknownJobIsNotFound(t *testing.T) {
	r, err := New(10)
	require.NoError(t, err)

	rec := r.Get(context.Background(), "nope")
	assert.Equal(t, models.StatusNotFound, rec.Status)
	assert.Equal(t, "nope", rec.JobID)
}

func TestSetMergesFields(t *testing.T) {
	ctx := context.Background()
	r, err := New(10)
	require.NoError(t, err)

	r.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusQueued, Mode: models.ModeAsync})
	r.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusProcessing, Attempt: 1})
	r.Set(ctx, "job-1", models.StatusUpdate{Progress: models.Progress(40)})

	rec := r.Get(ctx, "job-1")
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, models.ModeAsync, rec.Mode)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, 40, rec.Progress)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Nil(t, rec.Result)
}

func TestProgressNeverDecreases(t *testing.T) {
	ctx := context.Background()
	r, err := New(10)
	require.NoError(t, err)

	r.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusProcessing, Progress: models.Progress(60)})
	rec := r.Set(ctx, "job-1", models.StatusUpdate{Progress: models.Progress(20)})
	assert.Equal(t, 60, rec.Progress)
}

func TestTerminalStateIsSticky(t *testing.T) {
	ctx := context.Background()
	r, err := New(10)
	require.NoError(t, err)

	result := &models.JobResult{Total: 2, Processed: 2, Month: "March", Year: 2026}
	r.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusCompleted, Result: result})
	r.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusFailed, Error: "late failure"})

	rec := r.Get(ctx, "job-1")
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.Result)
	assert.Equal(t, 2, rec.Result.Processed)
	assert.Empty(t, rec.Error)
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	r, err := New(2)
	require.NoError(t, err)

	r.Set(ctx, "a", models.StatusUpdate{Status: models.StatusQueued})
	r.Set(ctx, "b", models.StatusUpdate{Status: models.StatusQueued})
	r.Get(ctx, "a")
	r.Set(ctx, "c", models.StatusUpdate{Status: models.StatusQueued})

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, models.StatusQueued, r.Get(ctx, "a").Status)
	assert.Equal(t, models.StatusNotFound, r.Get(ctx, "b").Status)
	assert.Equal(t, models.StatusQueued, r.Get(ctx, "c").Status)
}

func TestMirrorSharesStateAcrossRegistries(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	broker := &fakeBroker{}
	broker.up.Store(true)
	mirror := NewRedisMirror(client, "test", time.Hour)

	api, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)
	worker, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)

	api.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusQueued, Mode: models.ModeAsync})
	worker.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusProcessing, Attempt: 1, Progress: models.Progress(50)})
	worker.Set(ctx, "job-1", models.StatusUpdate{Progress: models.Progress(30)})

	rec := api.Get(ctx, "job-1")
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, models.ModeAsync, rec.Mode)
	assert.Equal(t, 50, rec.Progress)

	result := &models.JobResult{Total: 3, Processed: 3, Created: 3, Month: "March", Year: 2026}
	worker.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusCompleted, Result: result})
	worker.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusFailed, Error: "ignored"})

	rec = api.Get(ctx, "job-1")
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.Result)
	assert.Equal(t, *result, *rec.Result)
	assert.Empty(t, rec.Error)

	assert.True(t, mr.TTL("test:status:job-1") > 0)
}

func TestMirrorSkippedWhileBrokerDown(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	broker := &fakeBroker{}
	r, err := New(10, WithMirror(NewRedisMirror(client, "test", time.Hour), broker))
	require.NoError(t, err)

	r.Set(ctx, "sync-1", models.StatusUpdate{Status: models.StatusProcessing, Mode: models.ModeSync})
	assert.False(t, mr.Exists("test:status:sync-1"))

	// Once the broker returns, unknown-to-broker jobs still resolve locally.
	broker.up.Store(true)
	assert.Equal(t, models.StatusProcessing, r.Get(ctx, "sync-1").Status)
}

func TestLocalTerminalRecordWinsOverStaleMirror(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	broker := &fakeBroker{}
	broker.up.Store(true)
	mirror := NewRedisMirror(client, "test", time.Hour)
	r, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)

	r.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusProcessing, Mode: models.ModeAsync, Attempt: 1, Progress: models.Progress(50)})

	broker.up.Store(false)
	result := &models.JobResult{Total: 2, Processed: 2, Month: "March", Year: 2026}
	r.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusCompleted, Result: result})
	assert.Equal(t, models.StatusCompleted, r.Get(ctx, "job-1").Status)

	broker.up.Store(true)
	rec := r.Get(ctx, "job-1")
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 100, rec.Progress)

	// The mirror was repaired, so other processes see the terminal record too.
	other, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)
	rec = other.Get(ctx, "job-1")
	assert.Equal(t, models.StatusCompleted, rec.Status)
	require.NotNil(t, rec.Result)
	assert.Equal(t, *result, *rec.Result)
}

func TestMirrorAheadOfLocalWins(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	broker := &fakeBroker{}
	broker.up.Store(true)
	mirror := NewRedisMirror(client, "test", time.Hour)
	api, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)
	worker, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)

	api.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusQueued, Mode: models.ModeAsync, Progress: models.Progress(0)})
	worker.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusProcessing, Attempt: 1, Progress: models.Progress(40)})

	rec := api.Get(ctx, "job-1")
	assert.Equal(t, models.StatusProcessing, rec.Status)
	assert.Equal(t, 40, rec.Progress)
}

func TestLateQueuedWriteDoesNotRewindProcessing(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	broker := &fakeBroker{}
	broker.up.Store(true)
	mirror := NewRedisMirror(client, "test", time.Hour)
	api, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)
	worker, err := New(10, WithMirror(mirror, broker))
	require.NoError(t, err)

	// The worker picks the run up before the gateway records it as queued.
	worker.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusProcessing, Mode: models.ModeAsync, Attempt: 1})
	api.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusQueued, Mode: models.ModeAsync, Progress: models.Progress(0)})

	assert.Equal(t, models.StatusProcessing, mr.HGet("test:status:job-1", "status"))
	assert.Equal(t, models.StatusProcessing, worker.Get(ctx, "job-1").Status)

	// A retry names the next attempt and is applied.
	worker.Set(ctx, "job-1", models.StatusUpdate{Status: models.StatusQueued, Attempt: 2})
	rec := worker.Get(ctx, "job-1")
	assert.Equal(t, models.StatusQueued, rec.Status)
	assert.Equal(t, 2, rec.Attempt)
}
