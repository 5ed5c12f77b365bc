// Package stats reports queue totals for operational visibility.
package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/queue"
	"payroll-batch-processor/internal/telemetry"
)

const (
	ModeAsynchronous = "asynchronous"
	ModeSynchronous  = "synchronous"
)

// Availability is the broker usability signal.
type Availability interface {
	Usable() bool
}

// CountSource reads broker-side totals.
type CountSource interface {
	Counts(ctx context.Context) (queue.Counts, error)
}

// Tracker exposes how many job records are retained locally.
type Tracker interface {
	Len() int
}

// Stats is the queue snapshot. Only Available and Mode are set while the broker is unusable.
type Stats struct {
	Available bool   `json:"available"`
	Mode      string `json:"mode"`
	Waiting   *int64 `json:"waiting,omitempty"`
	Active    *int64 `json:"active,omitempty"`
	Completed *int64 `json:"completed,omitempty"`
	Failed    *int64 `json:"failed,omitempty"`
	Delayed   *int64 `json:"delayed,omitempty"`
	Tracked   *int   `json:"tracked,omitempty"`
}

// Reporter aggregates broker counts with the local registry size.
type Reporter struct {
	avail   Availability
	source  CountSource
	tracker Tracker
	timeout time.Duration
	log     *zap.Logger
}

func NewReporter(avail Availability, source CountSource, tracker Tracker, timeout time.Duration, log *zap.Logger) *Reporter {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Reporter{avail: avail, source: source, tracker: tracker, timeout: timeout, log: logging.OrNop(log)}
}

func unavailable() Stats {
	return Stats{Available: false, Mode: ModeSynchronous}
}

// Stats never calls the broker while it is marked unusable.
func (r *Reporter) Stats(ctx context.Context) Stats {
	if r.source == nil || !r.avail.Usable() {
		return unavailable()
	}
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	c, err := r.source.Counts(cctx)
	if err != nil {
		r.log.Warn("read queue counts", zap.Error(err))
		return unavailable()
	}

	telemetry.QueueDepthGauge.Set(float64(c.Waiting))
	telemetry.InflightGauge.Set(float64(c.Active))

	s := Stats{
		Available: true,
		Mode:      ModeAsynchronous,
		Waiting:   &c.Waiting,
		Active:    &c.Active,
		Completed: &c.Completed,
		Failed:    &c.Failed,
		Delayed:   &c.Delayed,
	}
	if r.tracker != nil {
		n := r.tracker.Len()
		s.Tracked = &n
	}
	return s
}
