package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payroll-batch-processor/internal/config"
	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/models"
	"payroll-batch-processor/internal/payroll"
	"payroll-batch-processor/internal/queue"
	"payroll-batch-processor/internal/registry"
	"payroll-batch-processor/internal/supervisor"
	"payroll-batch-processor/internal/telemetry"
)

// Queue is the broker surface used by the processor.
type Queue interface {
	Dequeue(ctx context.Context) (queue.Delivery, bool, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Complete(ctx context.Context, jobID string) error
	Retry(ctx context.Context, jobID string, attempt int, lastErr string, runAt time.Time) error
	Fail(ctx context.Context, jobID string, lastErr string) error
	PromoteDelayed(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// Runner executes one payroll run.
type Runner interface {
	Run(ctx context.Context, req models.PayrollRunRequest, onProgress payroll.ProgressFunc) (models.JobResult, error)
}

// Archiver stores terminal job records. May be nil.
type Archiver interface {
	Archive(ctx context.Context, req models.PayrollRunRequest, rec models.JobStatusRecord) (string, error)
}

// Processor drives a fixed pool of workers pulling payroll runs off the broker.
type Processor struct {
	queue        Queue
	registry     *registry.Registry
	runner       Runner
	policy       supervisor.Policy
	archiver     Archiver
	log          *zap.Logger
	workerID     string
	concurrency  int
	pollInterval time.Duration
	visibility   time.Duration
	batchSize    int64
}

// Option configures a Processor.
type Option func(*Processor)

// WithArchiver archives runs once they reach a terminal state.
func WithArchiver(a Archiver) Option {
	return func(p *Processor) { p.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Processor) { p.log = logging.OrNop(l) }
}

// WithWorkerID tags log lines with a worker identity.
func WithWorkerID(id string) Option {
	return func(p *Processor) { p.workerID = id }
}

// NewProcessor builds a processor using cfg for pool size, polling and retry policy.
func NewProcessor(cfg config.Config, q Queue, reg *registry.Registry, runner Runner, opts ...Option) *Processor {
	p := &Processor{
		queue:    q,
		registry: reg,
		runner:   runner,
		policy: supervisor.Policy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffInitial,
			MaxDelay:    cfg.BackoffMax,
		},
		log:          zap.NewNop(),
		concurrency:  cfg.WorkerConcurrency,
		pollInterval: cfg.WorkerPollInterval,
		visibility:   cfg.VisibilityTimeout,
		batchSize:    int64(cfg.DelayedBatchSize),
	}
	if p.concurrency <= 0 {
		p.concurrency = 3
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.batchSize <= 0 {
		p.batchSize = 100
	}
	if p.visibility <= 0 {
		p.visibility = 10 * time.Minute
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the worker pool and the delayed/lease maintenance loop, and blocks
// until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("payroll worker pool started",
		zap.String("worker_id", p.workerID),
		zap.Int("concurrency", p.concurrency),
		zap.Int("max_attempts", p.policy.MaxAttempts),
		zap.Duration("backoff_initial", p.policy.BaseDelay),
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(gctx) })
	for slot := 0; slot < p.concurrency; slot++ {
		g.Go(func() error { return p.loop(gctx, slot) })
	}
	return g.Wait()
}

func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		now := time.Now()
		if n, err := p.queue.PromoteDelayed(ctx, now, p.batchSize); err != nil {
			p.log.Debug("promote delayed runs", zap.Error(err))
		} else if n > 0 {
			p.log.Debug("promoted delayed runs", zap.Int("count", n))
		}
		if ids, err := p.queue.RequeueExpired(ctx, now, p.batchSize); err != nil {
			p.log.Debug("requeue expired leases", zap.Error(err))
		} else if len(ids) > 0 {
			p.log.Warn("requeued runs with expired leases", zap.Strings("job_ids", ids))
		}
	}
}

func (p *Processor) loop(ctx context.Context, slot int) error {
	log := p.log.With(zap.Int("slot", slot))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d, ok, err := p.queue.Dequeue(ctx)
		if errors.Is(err, queue.ErrUnknownJob) {
			log.Warn("dropping run without payload", zap.String("job_id", d.JobID))
			continue
		}
		if err != nil || !ok {
			if err != nil && ctx.Err() == nil {
				log.Debug("dequeue", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollInterval):
			}
			continue
		}
		p.handle(ctx, log, d)
	}
}

// handle runs one attempt of a delivery and applies the supervisor's decision.
func (p *Processor) handle(ctx context.Context, log *zap.Logger, d queue.Delivery) {
	ctx, span := otel.Tracer("payroll-batch-processor/worker").Start(ctx, "payroll.attempt")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", d.JobID), attribute.Int("job.attempt", d.Attempt))

	attempt := supervisor.Attempt{JobID: d.JobID, Number: d.Attempt}
	log = log.With(zap.String("job_id", d.JobID), zap.Int("attempt", attempt.Number))

	p.registry.Set(ctx, d.JobID, models.StatusUpdate{
		Status:  models.StatusProcessing,
		Mode:    models.ModeAsync,
		Attempt: attempt.Number,
	})
	telemetry.ActiveGauge.Inc()
	stopHeartbeat := p.heartbeat(ctx, log, d.JobID)
	result, err := p.runAttempt(ctx, d)
	stopHeartbeat()
	telemetry.ActiveGauge.Dec()

	if ctx.Err() != nil {
		// Shutting down: the lease expires and another worker picks the run up.
		log.Warn("run interrupted by shutdown")
		return
	}

	out := p.policy.Evaluate(attempt, err)
	switch out.State {
	case supervisor.Succeeded:
		rec := p.registry.Set(ctx, d.JobID, models.StatusUpdate{Status: models.StatusCompleted, Result: &result})
		if !p.acked(log, "ack completed run", p.queue.Complete(ctx, d.JobID)) {
			return
		}
		telemetry.RunsCompleted.WithLabelValues(models.ModeAsync).Inc()
		log.Info("payroll run completed",
			zap.Int("total", result.Total),
			zap.Int("processed", result.Processed),
			zap.Int("errors", result.Errors),
		)
		p.archive(ctx, log, d.Request, rec)

	case supervisor.Pending:
		runAt := time.Now().Add(out.Delay)
		if !p.acked(log, "schedule retry", p.queue.Retry(ctx, d.JobID, out.Next.Number, out.Next.LastError, runAt)) {
			return
		}
		// A redelivery that already reported processing for this attempt keeps its status.
		p.registry.Set(ctx, d.JobID, models.StatusUpdate{Status: models.StatusQueued, Attempt: out.Next.Number})
		telemetry.RunRetries.Inc()
		log.Warn("payroll run attempt failed, retry scheduled",
			zap.Duration("delay", out.Delay),
			zap.Int("next_attempt", out.Next.Number),
			zap.Error(err),
		)

	case supervisor.Failed:
		span.RecordError(err)
		if !p.acked(log, "dead-letter failed run", p.queue.Fail(ctx, d.JobID, err.Error())) {
			return
		}
		rec := p.registry.Set(ctx, d.JobID, models.StatusUpdate{Status: models.StatusFailed, Error: err.Error()})
		telemetry.RunsFailed.WithLabelValues(models.ModeAsync).Inc()
		log.Error("payroll run failed", zap.Error(err))
		p.archive(ctx, log, d.Request, rec)
	}
}

// heartbeat keeps the delivery's lease alive until the returned stop func is called.
func (p *Processor) heartbeat(ctx context.Context, log *zap.Logger, jobID string) (stop func()) {
	hctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.visibility / 2)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
			}
			err := p.queue.ExtendLease(hctx, jobID, p.visibility)
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("lease lost while running, another worker may pick the run up")
				return
			}
			if err != nil && hctx.Err() == nil {
				log.Debug("extend lease", zap.Error(err))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// acked reports whether an ack went through. A lost lease means another
// delivery of the same run owns the outcome.
func (p *Processor) acked(log *zap.Logger, action string, err error) bool {
	switch {
	case err == nil:
		return true
	case errors.Is(err, queue.ErrLeaseLost):
		log.Warn(action + ": lease no longer held, leaving the outcome to the current delivery")
		return false
	default:
		log.Warn(action, zap.Error(err))
		return true
	}
}

func (p *Processor) runAttempt(ctx context.Context, d queue.Delivery) (res models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payroll run panicked: %v", r)
		}
	}()
	return p.runner.Run(ctx, d.Request, func(pct int) {
		p.registry.Set(ctx, d.JobID, models.StatusUpdate{Progress: models.Progress(pct)})
	})
}

func (p *Processor) archive(ctx context.Context, log *zap.Logger, req models.PayrollRunRequest, rec models.JobStatusRecord) {
	if p.archiver == nil {
		return
	}
	if _, err := p.archiver.Archive(ctx, req, rec); err != nil {
		log.Warn("archive payroll run", zap.Error(err))
	}
}
