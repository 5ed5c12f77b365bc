// Package availability tracks whether the job broker can be used for dispatch.
//
// The Controller holds one flag. It is flipped by the outcome of real broker
// traffic (via Hook) and by explicit probes; readers only ever load it.
package availability

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/telemetry"
)

// Pinger is the subset of the redis client used for probing.
type Pinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Controller exposes the "broker usable" signal that gates dispatch.
type Controller struct {
	usable atomic.Bool
	log    *zap.Logger
}

// New returns a controller that starts unusable until a probe or successful command.
func New(log *zap.Logger) *Controller {
	c := &Controller{log: logging.OrNop(log)}
	telemetry.BrokerAvailable.Set(0)
	return c
}

// Usable reports the current broker state. It never blocks.
func (c *Controller) Usable() bool {
	if c == nil {
		return false
	}
	return c.usable.Load()
}

// MarkUp records a successful broker interaction.
func (c *Controller) MarkUp() {
	if c.usable.CompareAndSwap(false, true) {
		telemetry.BrokerAvailable.Set(1)
		c.log.Info("job broker available, dispatching asynchronously")
	}
}

// MarkDown records a broker failure. Runs fall back to synchronous execution until MarkUp.
func (c *Controller) MarkDown(err error) {
	if c.usable.CompareAndSwap(true, false) {
		telemetry.BrokerAvailable.Set(0)
		c.log.Warn("job broker unavailable, falling back to synchronous runs", zap.Error(err))
	}
}

// Probe pings the broker once and updates the flag.
func (c *Controller) Probe(ctx context.Context, p Pinger) bool {
	if err := p.Ping(ctx).Err(); err != nil {
		c.MarkDown(err)
		return false
	}
	c.MarkUp()
	return true
}

// Watch re-probes on every interval tick while the broker is marked down.
// While it is up, the command hook keeps the flag current and Watch stays idle.
func (c *Controller) Watch(ctx context.Context, p Pinger, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.Usable() {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		c.Probe(probeCtx, p)
		cancel()
	}
}

// IsBrokerFault reports whether err means the broker itself is unreachable, as
// opposed to a missing key or an error reply from a healthy server.
func IsBrokerFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var reply redis.Error
	if errors.As(err, &reply) {
		return false
	}
	return true
}
