// Package gateway accepts payroll run submissions and routes them either to the
// job broker or, when the broker is unusable, to an inline synchronous run.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/models"
	"payroll-batch-processor/internal/payroll"
	"payroll-batch-processor/internal/registry"
	"payroll-batch-processor/internal/telemetry"
)

// ErrInvalidRequest is the only error Submit returns.
var ErrInvalidRequest = models.ErrInvalidRequest

// Broker enqueues async runs.
type Broker interface {
	Enqueue(ctx context.Context, req models.PayrollRunRequest) (string, error)
}

// Availability is the degradation signal consulted on every submission.
type Availability interface {
	Usable() bool
	MarkDown(err error)
}

// Runner executes a payroll run inline.
type Runner interface {
	Run(ctx context.Context, req models.PayrollRunRequest, onProgress payroll.ProgressFunc) (models.JobResult, error)
}

// Archiver stores terminal job records. May be nil.
type Archiver interface {
	Archive(ctx context.Context, req models.PayrollRunRequest, rec models.JobStatusRecord) (string, error)
}

// SubmitResult is returned to submitters. Result and Error are only set for sync runs.
type SubmitResult struct {
	JobID  string            `json:"job_id"`
	Mode   string            `json:"mode"`
	Result *models.JobResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Gateway is the entry point for payroll runs.
type Gateway struct {
	broker   Broker
	avail    Availability
	registry *registry.Registry
	runner   Runner
	archiver Archiver
	log      *zap.Logger
	now      func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithArchiver archives sync runs once they finish.
func WithArchiver(a Archiver) Option {
	return func(g *Gateway) { g.archiver = a }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.log = logging.OrNop(l) }
}

// WithClock overrides the source of sync job ids.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

func New(broker Broker, avail Availability, reg *registry.Registry, runner Runner, opts ...Option) *Gateway {
	g := &Gateway{
		broker:   broker,
		avail:    avail,
		registry: reg,
		runner:   runner,
		log:      zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Submit schedules req. When the broker is usable it returns immediately with
// mode async; otherwise it runs the batch inline, blocking until it finishes,
// and returns mode sync with the terminal outcome. Either way the job can be
// polled through Status afterwards.
func (g *Gateway) Submit(ctx context.Context, req models.PayrollRunRequest) (SubmitResult, error) {
	req, err := req.Normalize()
	if err != nil {
		return SubmitResult{}, err
	}

	if g.broker != nil && g.avail.Usable() {
		jobID, err := g.broker.Enqueue(ctx, req)
		if err == nil {
			g.registry.Set(ctx, jobID, models.StatusUpdate{
				Status:   models.StatusQueued,
				Mode:     models.ModeAsync,
				Progress: models.Progress(0),
			})
			telemetry.RunsSubmitted.WithLabelValues(models.ModeAsync).Inc()
			g.log.Info("payroll run queued",
				zap.String("job_id", jobID),
				zap.String("tenant_id", req.TenantID),
				zap.String("period", fmt.Sprintf("%s-%d", req.Month, req.Year)),
				zap.Int("priority", req.Priority),
			)
			return SubmitResult{JobID: jobID, Mode: models.ModeAsync}, nil
		}
		g.avail.MarkDown(err)
		g.log.Warn("enqueue failed, running payroll synchronously", zap.String("tenant_id", req.TenantID), zap.Error(err))
	}

	return g.runSync(ctx, req), nil
}

func (g *Gateway) runSync(ctx context.Context, req models.PayrollRunRequest) SubmitResult {
	jobID := fmt.Sprintf("sync-%d-%s", g.now().UnixNano(), uuid.NewString()[:8])
	g.registry.Set(ctx, jobID, models.StatusUpdate{
		Status:   models.StatusProcessing,
		Mode:     models.ModeSync,
		Progress: models.Progress(0),
		Attempt:  1,
	})
	telemetry.RunsSubmitted.WithLabelValues(models.ModeSync).Inc()

	result, err := g.runInline(ctx, req, jobID)
	out := SubmitResult{JobID: jobID, Mode: models.ModeSync}
	var rec models.JobStatusRecord
	if err != nil {
		rec = g.registry.Set(ctx, jobID, models.StatusUpdate{Status: models.StatusFailed, Error: err.Error()})
		telemetry.RunsFailed.WithLabelValues(models.ModeSync).Inc()
		g.log.Error("synchronous payroll run failed", zap.String("job_id", jobID), zap.Error(err))
		out.Error = err.Error()
	} else {
		rec = g.registry.Set(ctx, jobID, models.StatusUpdate{Status: models.StatusCompleted, Result: &result})
		telemetry.RunsCompleted.WithLabelValues(models.ModeSync).Inc()
		g.log.Info("synchronous payroll run completed",
			zap.String("job_id", jobID),
			zap.Int("total", result.Total),
			zap.Int("processed", result.Processed),
			zap.Int("errors", result.Errors),
		)
		out.Result = &result
	}
	g.archive(ctx, req, rec)
	return out
}

// runInline converts a runner panic into a failed job rather than a failed submission.
func (g *Gateway) runInline(ctx context.Context, req models.PayrollRunRequest, jobID string) (res models.JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payroll run panicked: %v", r)
		}
	}()
	return g.runner.Run(ctx, req, func(p int) {
		g.registry.Set(ctx, jobID, models.StatusUpdate{Progress: models.Progress(p)})
	})
}

func (g *Gateway) archive(ctx context.Context, req models.PayrollRunRequest, rec models.JobStatusRecord) {
	if g.archiver == nil {
		return
	}
	if _, err := g.archiver.Archive(ctx, req, rec); err != nil {
		g.log.Warn("archive payroll run", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

// Status returns the polled record for jobID, or a not_found record.
func (g *Gateway) Status(ctx context.Context, jobID string) models.JobStatusRecord {
	return g.registry.Get(ctx, jobID)
}

// IsInvalid reports whether err came from request validation.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}
