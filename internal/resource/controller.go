package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the process-wide limits.
type Config struct {
	// CommitBudget caps committed bytes across all tiers. Zero tracks
	// without limiting.
	CommitBudget int64
	// Workers bounds concurrent background jobs. Zero means one.
	Workers int64
	// IOBytesPerSec throttles telemetry output. Zero is unthrottled.
	IOBytesPerSec int64
}

// Controller charges committed pages against a budget and gates background
// jobs and their output.
type Controller struct {
	cfg Config

	budget  *semaphore.Weighted // nil when CommitBudget is zero
	charged atomic.Int64
	peak    atomic.Int64
	denied  atomic.Uint64

	jobs *semaphore.Weighted
	io   *rate.Limiter
}

// NewController creates a controller for cfg.
func NewController(cfg Config) *Controller {
	cfg.Workers = max(cfg.Workers, 1)
	c := &Controller{cfg: cfg, jobs: semaphore.NewWeighted(cfg.Workers)}
	if cfg.CommitBudget > 0 {
		c.budget = semaphore.NewWeighted(cfg.CommitBudget)
	}
	if cfg.IOBytesPerSec > 0 {
		c.io = rate.NewLimiter(rate.Limit(cfg.IOBytesPerSec), int(cfg.IOBytesPerSec))
	}
	return c
}

// Charge takes n bytes from the commit budget. It never waits: a refused
// charge is counted and reported as false so the caller can fall through to
// another tier.
func (c *Controller) Charge(n int64) bool {
	if c == nil || n <= 0 {
		return true
	}
	if c.budget != nil && !c.budget.TryAcquire(n) {
		c.denied.Add(1)
		return false
	}
	now := c.charged.Add(n)
	for peak := c.peak.Load(); now > peak; peak = c.peak.Load() {
		if c.peak.CompareAndSwap(peak, now) {
			break
		}
	}
	return true
}

// Refund returns n bytes to the commit budget.
func (c *Controller) Refund(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.charged.Add(-n)
	if c.budget != nil {
		c.budget.Release(n)
	}
}

// Charged returns the bytes currently charged.
func (c *Controller) Charged() int64 {
	if c == nil {
		return 0
	}
	return c.charged.Load()
}

// Peak returns the high-water mark of Charged.
func (c *Controller) Peak() int64 {
	if c == nil {
		return 0
	}
	return c.peak.Load()
}

// Denied returns the number of refused charges.
func (c *Controller) Denied() uint64 {
	if c == nil {
		return 0
	}
	return c.denied.Load()
}

// Budget returns the configured commit budget, zero if unlimited.
func (c *Controller) Budget() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.CommitBudget
}

// Remaining returns the uncharged part of the budget, or -1 when there is
// no budget.
func (c *Controller) Remaining() int64 {
	if c == nil || c.budget == nil {
		return -1
	}
	return c.cfg.CommitBudget - c.charged.Load()
}

// BeginJob waits for a background job slot.
func (c *Controller) BeginJob(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.jobs.Acquire(ctx, 1)
}

// EndJob returns a slot taken by BeginJob.
func (c *Controller) EndJob() {
	if c == nil {
		return
	}
	c.jobs.Release(1)
}

// WaitIO blocks until n bytes of output are allowed. Writes larger than the
// limiter burst are admitted one burst at a time.
func (c *Controller) WaitIO(ctx context.Context, n int) error {
	if c == nil || c.io == nil {
		return nil
	}
	for burst := c.io.Burst(); n > 0; n -= burst {
		if err := c.io.WaitN(ctx, min(n, burst)); err != nil {
			return err
		}
	}
	return nil
}
