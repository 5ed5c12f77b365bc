package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payroll-batch-processor/internal/config"
	"payroll-batch-processor/internal/models"
	"payroll-batch-processor/internal/payroll"
	"payroll-batch-processor/internal/queue"
	"payroll-batch-processor/internal/registry"
	"payroll-batch-processor/internal/store"
)

type upBroker struct{}

func (upBroker) Usable() bool { return true }

type harness struct {
	client   *redis.Client
	queue    *queue.RedisQueue
	registry *registry.Registry
	cfg      config.Config
}

func newHarness(t *testing.T) harness {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg, err := registry.New(100, registry.WithMirror(registry.NewRedisMirror(client, "test", time.Hour), upBroker{}))
	require.NoError(t, err)
	return harness{
		client:   client,
		queue:    queue.NewRedisQueue(client, "test", time.Minute),
		registry: reg,
		cfg: config.Config{
			WorkerConcurrency:  2,
			WorkerPollInterval: 5 * time.Millisecond,
			MaxAttempts:        3,
			BackoffInitial:     10 * time.Millisecond,
			BackoffMax:         50 * time.Millisecond,
			DelayedBatchSize:   10,
		},
	}
}

// start runs p until the test ends.
func start(t *testing.T, p *Processor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h harness) enqueue(t *testing.T, tenant string) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), models.PayrollRunRequest{TenantID: tenant, Month: "March", Year: 2026})
	require.NoError(t, err)
	h.registry.Set(context.Background(), id, models.StatusUpdate{Status: models.StatusQueued, Mode: models.ModeAsync, Progress: models.Progress(0)})
	return id
}

func (h harness) waitFor(t *testing.T, id, status string) models.JobStatusRecord {
	t.Helper()
	var rec models.JobStatusRecord
	require.Eventually(t, func() bool {
		rec = h.registry.Get(context.Background(), id)
		return rec.Status == status
	}, 3*time.Second, 10*time.Millisecond)
	return rec
}

func gross(v float64) *float64 { return &v }

func TestProcessorCompletesQueuedRun(t *testing.T) {
	h := newHarness(t)
	mem := store.NewMemory()
	mem.AddEmployee("T", "a", "EMP-A", gross(50000), true)
	mem.AddEmployee("T", "b", "EMP-B", gross(80000), true)
	mem.AddEmployee("T", "d", "EMP-D", nil, true)

	start(t, NewProcessor(h.cfg, h.queue, h.registry, payroll.NewWorker(mem, mem, mem)))
	id := h.enqueue(t, "T")

	rec := h.waitFor(t, id, models.StatusCompleted)
	assert.Equal(t, models.ModeAsync, rec.Mode)
	assert.Equal(t, 100, rec.Progress)
	assert.Equal(t, 1, rec.Attempt)
	require.NotNil(t, rec.Result)
	assert.Equal(t, 3, rec.Result.Total)
	assert.Equal(t, 2, rec.Result.Processed)
	assert.Equal(t, 1, rec.Result.Errors)
	assert.Len(t, mem.Records(), 2)

	require.Eventually(t, func() bool {
		c, err := h.queue.Counts(context.Background())
		return err == nil && c.Completed == 1 && c.Active == 0
	}, time.Second, 10*time.Millisecond)
}

type flakyRunner struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyRunner) Run(_ context.Context, req models.PayrollRunRequest, onProgress payroll.ProgressFunc) (models.JobResult, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return models.JobResult{}, errors.New("employee lookup: connection refused")
	}
	if onProgress != nil {
		onProgress(100)
	}
	return models.JobResult{Month: req.Month, Year: req.Year}, nil
}

func TestProcessorRetriesTransientFailure(t *testing.T) {
	h := newHarness(t)
	runner := &flakyRunner{failures: 2}
	start(t, NewProcessor(h.cfg, h.queue, h.registry, runner))
	id := h.enqueue(t, "T")

	rec := h.waitFor(t, id, models.StatusCompleted)
	assert.Equal(t, 3, rec.Attempt)
	assert.Equal(t, int32(3), runner.calls.Load())
	assert.Empty(t, rec.Error)
}

func TestProcessorDeadLettersAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	runner := &flakyRunner{failures: 100}
	start(t, NewProcessor(h.cfg, h.queue, h.registry, runner))
	id := h.enqueue(t, "T")

	rec := h.waitFor(t, id, models.StatusFailed)
	assert.Contains(t, rec.Error, "connection refused")
	assert.Nil(t, rec.Result)

	require.Eventually(t, func() bool {
		dead, err := h.queue.DeadLetters(context.Background(), 10)
		return err == nil && len(dead) == 1 && dead[0] == id
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(3), runner.calls.Load())
}

type panickyRunner struct{}

func (panickyRunner) Run(context.Context, models.PayrollRunRequest, payroll.ProgressFunc) (models.JobResult, error) {
	panic("nil employee map")
}

func TestProcessorSurvivesRunnerPanic(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxAttempts = 1
	start(t, NewProcessor(h.cfg, h.queue, h.registry, panickyRunner{}))
	id := h.enqueue(t, "T")

	rec := h.waitFor(t, id, models.StatusFailed)
	assert.Contains(t, rec.Error, "panicked")
}

type recordingArchiver struct {
	mu   sync.Mutex
	jobs []string
}

func (a *recordingArchiver) Archive(_ context.Context, _ models.PayrollRunRequest, rec models.JobStatusRecord) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, rec.JobID+":"+rec.Status)
	return "", nil
}

func (a *recordingArchiver) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.jobs...)
}

func TestProcessorArchivesTerminalRuns(t *testing.T) {
	h := newHarness(t)
	arch := &recordingArchiver{}
	start(t, NewProcessor(h.cfg, h.queue, h.registry, &flakyRunner{}, WithArchiver(arch), WithWorkerID("w-1")))

	first := h.enqueue(t, "T1")
	second := h.enqueue(t, "T2")
	h.waitFor(t, first, models.StatusCompleted)
	h.waitFor(t, second, models.StatusCompleted)

	require.Eventually(t, func() bool { return len(arch.snapshot()) == 2 }, time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{first + ":completed", second + ":completed"}, arch.snapshot())
}

type slowRunner struct {
	delay time.Duration
	calls atomic.Int32
}

func (s *slowRunner) Run(ctx context.Context, req models.PayrollRunRequest, _ payroll.ProgressFunc) (models.JobResult, error) {
	s.calls.Add(1)
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return models.JobResult{}, ctx.Err()
	}
	return models.JobResult{Month: req.Month, Year: req.Year}, nil
}

func TestProcessorHoldsLeaseForLongRuns(t *testing.T) {
	h := newHarness(t)
	h.cfg.VisibilityTimeout = 80 * time.Millisecond
	h.queue = queue.NewRedisQueue(h.client, "test", h.cfg.VisibilityTimeout)
	runner := &slowRunner{delay: 400 * time.Millisecond}
	start(t, NewProcessor(h.cfg, h.queue, h.registry, runner))
	id := h.enqueue(t, "T")

	h.waitFor(t, id, models.StatusCompleted)
	require.Eventually(t, func() bool {
		c, err := h.queue.Counts(context.Background())
		return err == nil && c.Completed == 1 && c.Active == 0 && c.Waiting == 0
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), runner.calls.Load(), "run outlived the visibility timeout without being redelivered")
	c, err := h.queue.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.Completed)
}
