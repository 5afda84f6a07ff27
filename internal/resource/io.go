package resource

import (
	"context"
	"io"
	"sync/atomic"
)

// ThrottledWriter paces writes to an underlying writer through a
// Controller's IO limit and counts what got through.
type ThrottledWriter struct {
	ctx     context.Context
	dst     io.Writer
	rc      *Controller
	written atomic.Int64
}

// Throttle wraps dst. Writes block on rc until allowed or ctx is done.
func Throttle(ctx context.Context, dst io.Writer, rc *Controller) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, dst: dst, rc: rc}
}

// Write implements io.Writer.
func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if err := t.rc.WaitIO(t.ctx, len(p)); err != nil {
		return 0, err
	}
	n, err := t.dst.Write(p)
	t.written.Add(int64(n))
	return n, err
}

// Written returns the bytes passed to the underlying writer.
func (t *ThrottledWriter) Written() int64 { return t.written.Load() }
