package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/overdrive/internal/resource"
)

// SnapshotFunc returns the current metrics. It must return the same names
// in the same order on every call.
type SnapshotFunc func() []Metric

// Reporter writes a snapshot to a Writer every period.
type Reporter struct {
	w      *Writer
	period time.Duration
	snap   SnapshotFunc
	rc     *resource.Controller

	mu     sync.Mutex
	cancel context.CancelFunc
	g      *errgroup.Group
	closed bool
}

// NewReporter creates a stopped reporter. rc may be nil; otherwise each
// snapshot holds one of its background slots while it is written.
func NewReporter(w *Writer, period time.Duration, snap SnapshotFunc, rc *resource.Controller) *Reporter {
	return &Reporter{w: w, period: period, snap: snap, rc: rc}
}

// Start runs the reporting loop until ctx is cancelled or Close is called.
// Starting twice is a no-op.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.g != nil || r.closed {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.g, ctx = errgroup.WithContext(ctx)
	r.g.Go(func() error { return r.loop(ctx) })
}

func (r *Reporter) loop(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.report(ctx); err != nil {
				return err
			}
		}
	}
}

func (r *Reporter) report(ctx context.Context) error {
	if err := r.rc.BeginJob(ctx); err != nil {
		return nil //nolint:nilerr // cancelled while waiting for a slot
	}
	defer r.rc.EndJob()
	return r.w.Write(time.Now(), r.snap())
}

// Close stops the loop, writes a final snapshot and closes the writer.
// It returns the error that stopped the loop, if any.
func (r *Reporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, g := r.cancel, r.g
	r.mu.Unlock()

	var loopErr error
	if g != nil {
		cancel()
		loopErr = g.Wait()
	}

	var finalErr error
	if loopErr == nil {
		finalErr = r.w.Write(time.Now(), r.snap())
	}
	return errors.Join(loopErr, finalErr, r.w.Close())
}
