package telemetry

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/hupe1980/overdrive/internal/fs"
	"github.com/hupe1980/overdrive/internal/resource"
)

var (
	// ErrClosed is returned by a closed writer.
	ErrClosed = errors.New("telemetry: writer closed")
	// ErrColumnsChanged is returned when a snapshot's metric names differ
	// from the journal's header.
	ErrColumnsChanged = errors.New("telemetry: metric columns changed")
)

// Metric is one named value of a snapshot.
type Metric struct {
	Name  string
	Value int64
}

// Writer appends snapshots to a CSV journal.
type Writer struct {
	mu      sync.Mutex
	csv     *csv.Writer
	comp    flushWriter // nil without compression
	file    fs.File     // nil unless the writer owns the sink
	columns []string
	rows    uint64
	closed  bool
}

// NewWriter writes a journal to w.
func NewWriter(w io.Writer, c Compression) (*Writer, error) {
	comp, err := newCompressor(w, c)
	if err != nil {
		return nil, err
	}
	jw := &Writer{comp: comp}
	if comp != nil {
		jw.csv = csv.NewWriter(comp)
	} else {
		jw.csv = csv.NewWriter(w)
	}
	return jw, nil
}

// Create opens path on fsys for a new journal. Writes go through rc's IO
// limit; ctx bounds how long a throttled write may wait.
func Create(ctx context.Context, fsys fs.FileSystem, path string, c Compression, rc *resource.Controller) (*Writer, error) {
	f, err := fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create %s: %w", path, err)
	}
	jw, err := NewWriter(resource.Throttle(ctx, f, rc), c)
	if err != nil {
		_ = f.Close()
		_ = fsys.Remove(path)
		return nil, err
	}
	jw.file = f
	return jw, nil
}

// Write appends one row. The first row fixes the columns and emits the
// header.
func (w *Writer) Write(at time.Time, metrics []Metric) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	names := make([]string, len(metrics))
	for i, m := range metrics {
		names[i] = m.Name
	}
	if w.columns == nil {
		w.columns = names
		if err := w.csv.Write(append([]string{"time"}, names...)); err != nil {
			return fmt.Errorf("telemetry: header: %w", err)
		}
	} else if !slices.Equal(w.columns, names) {
		return ErrColumnsChanged
	}

	row := make([]string, 0, len(metrics)+1)
	row = append(row, at.UTC().Format(time.RFC3339Nano))
	for _, m := range metrics {
		row = append(row, strconv.FormatInt(m.Value, 10))
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("telemetry: row: %w", err)
	}
	w.rows++
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("telemetry: flush: %w", err)
	}
	if w.comp != nil {
		if err := w.comp.Flush(); err != nil {
			return fmt.Errorf("telemetry: flush: %w", err)
		}
	}
	return nil
}

// Rows returns the number of rows written, excluding the header.
func (w *Writer) Rows() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Close flushes the journal, ends the compressed frame and closes the file
// if the writer opened it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	w.csv.Flush()
	errs = append(errs, w.csv.Error())
	if w.comp != nil {
		errs = append(errs, w.comp.Close())
	}
	if w.file != nil {
		errs = append(errs, w.file.Sync(), w.file.Close())
	}
	return errors.Join(errs...)
}
