// Package registry tracks the lifecycle and progress of payroll jobs.
//
// Records live in a fixed-capacity LRU in process memory; when the broker is
// usable every write is mirrored to Redis so that the api and worker processes
// share one polling view.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/models"
)

// Availability reports whether the broker-backed mirror may be used.
type Availability interface {
	Usable() bool
}

// Mirror is a shared store holding the broker-side copy of job records.
type Mirror interface {
	Merge(ctx context.Context, jobID string, u models.StatusUpdate) error
	Fetch(ctx context.Context, jobID string) (models.JobStatusRecord, bool, error)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu            sync.Mutex
	cache         *lru.Cache[string, models.JobStatusRecord]
	mirror        Mirror
	broker        Availability
	lookupTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMirror mirrors writes to m and prefers it for reads while broker is usable.
func WithMirror(m Mirror, broker Availability) Option {
	return func(r *Registry) {
		r.mirror = m
		r.broker = broker
	}
}

// WithLookupTimeout bounds each mirror read or write.
func WithLookupTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lookupTimeout = d
		}
	}
}

// WithLogger sets the logger used for mirror failures.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.log = logging.OrNop(l) }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New builds a registry retaining at most capacity records.
func New(capacity int, opts ...Option) (*Registry, error) {
	if capacity <= 0 {
		capacity = 1000
	}
	cache, err := lru.New[string, models.JobStatusRecord](capacity)
	if err != nil {
		return nil, fmt.Errorf("create status cache: %w", err)
	}
	r := &Registry{
		cache:         cache,
		lookupTimeout: 250 * time.Millisecond,
		log:           zap.NewNop(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Set merges u into the record for jobID, creating it if absent, and returns the merged record.
func (r *Registry) Set(ctx context.Context, jobID string, u models.StatusUpdate) models.JobStatusRecord {
	now := r.now().UTC()

	r.mu.Lock()
	cur, ok := r.cache.Get(jobID)
	if !ok {
		cur = models.JobStatusRecord{JobID: jobID}
	}
	merged := cur.Apply(u, now)
	r.cache.Add(jobID, merged)
	r.mu.Unlock()

	if r.mirrored() {
		mctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
		if err := r.mirror.Merge(mctx, jobID, u); err != nil {
			r.log.Warn("mirror job status", zap.String("job_id", jobID), zap.Error(err))
		}
		cancel()
	}
	return merged
}

// Get returns the current record for jobID or a not_found sentinel. When both
// the mirror and the local cache know the job, the more advanced record wins and
// a local record that got ahead while the broker was down is written back.
func (r *Registry) Get(ctx context.Context, jobID string) models.JobStatusRecord {
	r.mu.Lock()
	local, haveLocal := r.cache.Get(jobID)
	r.mu.Unlock()

	if r.mirrored() {
		mctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
		remote, found, err := r.mirror.Fetch(mctx, jobID)
		cancel()
		switch {
		case err != nil:
			r.log.Debug("mirror lookup failed, using local record", zap.String("job_id", jobID), zap.Error(err))
		case found && haveLocal && ahead(local, remote):
			r.repair(ctx, local)
			return local
		case found:
			return remote
		}
	}

	if haveLocal {
		return local
	}
	return models.NotFound(jobID)
}

// ahead reports whether a has progressed past b: a terminal record beats a
// live one, otherwise the higher progress wins.
func ahead(a, b models.JobStatusRecord) bool {
	at, bt := models.IsTerminal(a.Status), models.IsTerminal(b.Status)
	if at != bt {
		return at
	}
	if at {
		return false
	}
	return a.Progress > b.Progress
}

func (r *Registry) repair(ctx context.Context, rec models.JobStatusRecord) {
	mctx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	u := models.StatusUpdate{
		Status:   rec.Status,
		Mode:     rec.Mode,
		Progress: models.Progress(rec.Progress),
		Attempt:  rec.Attempt,
		Result:   rec.Result,
		Error:    rec.Error,
	}
	if err := r.mirror.Merge(mctx, rec.JobID, u); err != nil {
		r.log.Warn("repair mirrored job status", zap.String("job_id", rec.JobID), zap.Error(err))
	}
}

// Len is the number of records retained locally.
func (r *Registry) Len() int {
	return r.cache.Len()
}

func (r *Registry) mirrored() bool {
	return r.mirror != nil && r.broker != nil && r.broker.Usable()
}
