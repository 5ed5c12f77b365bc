// Package payroll computes payroll records for a batch of employees.
package payroll

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/models"
	"payroll-batch-processor/internal/telemetry"
)

// EmployeeSource lists the employees in scope of a run.
type EmployeeSource interface {
	ListActiveEmployees(ctx context.Context, tenantID string, ids []string) ([]models.EmployeeSalarySnapshot, error)
}

// RecordStore persists payroll records keyed by tenant, employee and period.
type RecordStore interface {
	PayrollExists(ctx context.Context, key models.PayrollKey) (bool, error)
	CreatePayroll(ctx context.Context, rec models.PayrollRecord) (bool, error)
}

// AuditLogger appends audit entries. Failures are logged and never fail a run.
type AuditLogger interface {
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// ProgressFunc receives a percentage in [0, 100].
type ProgressFunc func(percent int)

// Worker runs payroll batches. It is safe to call Run concurrently and to run the
// same request twice: existing records are counted and skipped.
type Worker struct {
	employees     EmployeeSource
	records       RecordStore
	audit         AuditLogger
	log           *zap.Logger
	parallelism   int
	progressEvery int
	now           func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithParallelism bounds how many employees are computed at once.
func WithParallelism(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.parallelism = n
		}
	}
}

// WithProgressEvery sets how many handled employees separate progress reports.
func WithProgressEvery(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.progressEvery = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.log = logging.OrNop(l) }
}

// WithClock overrides processedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

func NewWorker(employees EmployeeSource, records RecordStore, audit AuditLogger, opts ...Option) *Worker {
	w := &Worker{
		employees:     employees,
		records:       records,
		audit:         audit,
		log:           zap.NewNop(),
		parallelism:   4,
		progressEvery: 10,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

type outcome int

const (
	outcomeCreated outcome = iota + 1
	outcomeSkipped
	outcomeError
)

// Run computes one payroll record per employee in scope of req. Per-employee
// failures are collected in the result; the returned error is reserved for
// failures that make the whole batch impossible, such as the employee lookup.
func (w *Worker) Run(ctx context.Context, req models.PayrollRunRequest, onProgress ProgressFunc) (models.JobResult, error) {
	ctx, span := otel.Tracer("payroll-batch-processor/payroll").Start(ctx, "payroll.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("payroll.tenant_id", req.TenantID),
		attribute.String("payroll.month", req.Month),
		attribute.Int("payroll.year", req.Year),
	)

	result := models.JobResult{Month: req.Month, Year: req.Year, ErrorList: []string{}}

	emps, err := w.employees.ListActiveEmployees(ctx, req.TenantID, req.EmployeeIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list employees")
		return result, fmt.Errorf("list employees for tenant %s: %w", req.TenantID, err)
	}
	result.Total = len(emps)

	outcomes := make([]outcome, len(emps))
	messages := make([]string, len(emps))
	report := w.progressReporter(len(emps), onProgress)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for i, emp := range emps {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out, err := w.processEmployee(gctx, req, emp)
			outcomes[i] = out
			if err != nil {
				messages[i] = fmt.Sprintf("%s: %s", emp.Label(), err.Error())
			}
			report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return result, err
	}

	for i, out := range outcomes {
		switch out {
		case outcomeCreated:
			result.Processed++
			result.Created++
		case outcomeSkipped:
			result.Processed++
			result.Skipped++
		case outcomeError:
			result.Errors++
			result.ErrorList = append(result.ErrorList, messages[i])
		}
	}
	telemetry.RecordsCreated.Add(float64(result.Created))
	telemetry.EmployeeErrors.Add(float64(result.Errors))
	span.SetAttributes(
		attribute.Int("payroll.total", result.Total),
		attribute.Int("payroll.processed", result.Processed),
		attribute.Int("payroll.errors", result.Errors),
	)

	w.writeAudit(ctx, req, result)
	return result, nil
}

// processEmployee handles one employee; panics are converted into errors so a
// single bad record never takes down the batch.
func (w *Worker) processEmployee(ctx context.Context, req models.PayrollRunRequest, emp models.EmployeeSalarySnapshot) (out outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = outcomeError, fmt.Errorf("panic: %v", r)
		}
	}()

	key := models.PayrollKey{TenantID: req.TenantID, EmployeeID: emp.ID, Month: req.Month, Year: req.Year}
	exists, err := w.records.PayrollExists(ctx, key)
	if err != nil {
		return outcomeError, err
	}
	if exists {
		return outcomeSkipped, nil
	}

	breakdown, err := Compute(emp.GrossSalary)
	if err != nil {
		return outcomeError, err
	}

	created, err := w.records.CreatePayroll(ctx, models.PayrollRecord{
		TenantID:     req.TenantID,
		EmployeeID:   emp.ID,
		EmployeeCode: emp.Code,
		Month:        req.Month,
		Year:         req.Year,
		Breakdown:    breakdown,
		Status:       models.PayrollStatusDraft,
		ProcessedBy:  req.InitiatedBy,
		ProcessedAt:  w.now().UTC(),
	})
	if err != nil {
		return outcomeError, err
	}
	if !created {
		// A concurrent run for the same period wrote it first.
		return outcomeSkipped, nil
	}
	return outcomeCreated, nil
}

// progressReporter returns a func to call once per handled employee. Reports are
// serialised so observers see non-decreasing values.
func (w *Worker) progressReporter(total int, onProgress ProgressFunc) func() {
	if onProgress == nil || total == 0 {
		return func() {}
	}
	var mu sync.Mutex
	done := 0
	return func() {
		mu.Lock()
		defer mu.Unlock()
		done++
		if done%w.progressEvery == 0 || done == total {
			onProgress(int(math.Round(float64(done) / float64(total) * 100)))
		}
	}
}

func (w *Worker) writeAudit(ctx context.Context, req models.PayrollRunRequest, result models.JobResult) {
	if w.audit == nil {
		return
	}
	detail, _ := json.Marshal(map[string]any{
		"month":     result.Month,
		"year":      result.Year,
		"total":     result.Total,
		"processed": result.Processed,
		"errors":    result.Errors,
	})
	err := w.audit.AppendAudit(ctx, models.AuditEntry{
		TenantID:   req.TenantID,
		Actor:      req.InitiatedBy,
		Action:     "payroll.run",
		Resource:   fmt.Sprintf("%s-%d", req.Month, req.Year),
		Detail:     string(detail),
		RecordedAt: w.now().UTC(),
	})
	if err != nil {
		w.log.Warn("append payroll audit entry", zap.String("tenant_id", req.TenantID), zap.Error(err))
	}
}
