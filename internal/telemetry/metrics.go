package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RunsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payroll_runs_submitted_total", Help: "Payroll runs accepted, by execution mode"}, []string{"mode"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "payroll_rate_limit_rejects_total", Help: "Submissions rejected by the tenant rate limiter"})
	RunsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payroll_runs_completed_total", Help: "Payroll runs completed, by execution mode"}, []string{"mode"})
	RunsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "payroll_runs_failed_total", Help: "Payroll runs that reached the failed state, by execution mode"}, []string{"mode"})
	RunRetries       = prometheus.NewCounter(prometheus.CounterOpts{Name: "payroll_run_retries_total", Help: "Job attempts that failed and were rescheduled"})
	EmployeeErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "payroll_employee_errors_total", Help: "Per-employee computation errors recorded in results"})
	RecordsCreated   = prometheus.NewCounter(prometheus.CounterOpts{Name: "payroll_records_created_total", Help: "Payroll records written"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "payroll_queue_waiting", Help: "Payroll runs waiting in the broker"})
	InflightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "payroll_queue_inflight", Help: "Payroll runs leased by any worker, as last read from the broker"})
	ActiveGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "payroll_worker_active_runs", Help: "Payroll runs executing in this worker process"})
	BrokerAvailable  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "payroll_broker_available", Help: "1 when the job broker is usable, 0 when runs execute synchronously"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RunsSubmitted,
			RateLimitRejects,
			RunsCompleted,
			RunsFailed,
			RunRetries,
			EmployeeErrors,
			RecordsCreated,
			QueueDepthGauge,
			InflightGauge,
			ActiveGauge,
			BrokerAvailable,
		)
	})
	return promhttp.Handler()
}
