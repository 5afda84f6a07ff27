package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/overdrive/internal/fs"
	"github.com/hupe1980/overdrive/internal/resource"
)

func readAll(t *testing.T, r io.Reader, c Compression) [][]string {
	t.Helper()
	dr, err := NewReader(r, c)
	require.NoError(t, err)
	records, err := csv.NewReader(dr).ReadAll()
	require.NoError(t, err)
	return records
}

func TestParseCompression(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		got, err := ParseCompression(c.String())
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	got, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, got)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
	assert.Equal(t, ".zst", CompressionZSTD.Ext())
}

func TestWriter(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			var buf bytes.Buffer
			w, err := NewWriter(&buf, c)
			require.NoError(t, err)

			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			require.NoError(t, w.Write(at, []Metric{{"allocs", 10}, {"frees", 4}}))
			require.NoError(t, w.Write(at.Add(time.Second), []Metric{{"allocs", 12}, {"frees", 9}}))
			assert.Equal(t, uint64(2), w.Rows())
			require.NoError(t, w.Close())

			records := readAll(t, &buf, c)
			require.Len(t, records, 3)
			assert.Equal(t, []string{"time", "allocs", "frees"}, records[0])
			assert.Equal(t, []string{"2026-01-02T03:04:05Z", "10", "4"}, records[1])
			assert.Equal(t, []string{"12", "9"}, records[2][1:])
		})
	}
}

func TestWriter_ColumnsChanged(t *testing.T) {
	w, err := NewWriter(io.Discard, CompressionNone)
	require.NoError(t, err)

	require.NoError(t, w.Write(time.Now(), []Metric{{"a", 1}}))
	assert.ErrorIs(t, w.Write(time.Now(), []Metric{{"b", 1}}), ErrColumnsChanged)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write(time.Now(), []Metric{{"a", 1}}), ErrClosed)
	assert.NoError(t, w.Close())
}

func TestCreate_RateLimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.csv.lz4")
	rc := resource.NewController(resource.Config{IOBytesPerSec: 1 << 20})

	w, err := Create(context.Background(), fs.Default, path, CompressionLZ4, rc)
	require.NoError(t, err)
	require.NoError(t, w.Write(time.Now(), []Metric{{"used", 128000}}))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	records := readAll(t, f, CompressionLZ4)
	require.Len(t, records, 2)
	assert.Equal(t, "128000", records[1][1])
}

func TestReporter(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, CompressionNone)
	require.NoError(t, err)

	var n atomic.Int64
	snap := func() []Metric { return []Metric{{"tick", n.Add(1)}} }

	rc := resource.NewController(resource.Config{})
	r := NewReporter(w, 5*time.Millisecond, snap, rc)
	r.Start(context.Background())
	r.Start(context.Background())

	require.Eventually(t, func() bool { return w.Rows() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	records := readAll(t, &buf, CompressionNone)
	assert.GreaterOrEqual(t, len(records), 4, "header, two ticks and the final snapshot")
	assert.Equal(t, []string{"time", "tick"}, records[0])
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, rc.BeginJob(ctx), "background slot returned")
}

func TestReporter_CloseWithoutStart(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, CompressionNone)
	require.NoError(t, err)

	r := NewReporter(w, time.Hour, func() []Metric { return []Metric{{"x", 1}} }, nil)
	require.NoError(t, r.Close())
	assert.Equal(t, uint64(1), w.Rows())
}

func TestWriter_SinkFaults(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("metrics", fs.Fault{FailAfterBytes: 40, FailOnClose: true})

	w, err := Create(context.Background(), ffs, filepath.Join(t.TempDir(), "metrics.csv"), CompressionNone, nil)
	require.NoError(t, err)

	// 7 header bytes plus 23 per row.
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, w.Write(at, []Metric{{"a", 1}}))
	assert.ErrorIs(t, w.Write(at, []Metric{{"a", 2}}), fs.ErrInjected)
	assert.ErrorIs(t, w.Close(), fs.ErrInjected)
}
