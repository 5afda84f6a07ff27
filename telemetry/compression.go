package telemetry

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the journal's framing.
type Compression uint8

const (
	// CompressionNone writes plain CSV.
	CompressionNone Compression = iota
	// CompressionLZ4 writes an LZ4 frame (fast).
	CompressionLZ4
	// CompressionZSTD writes a ZSTD frame (better ratio).
	CompressionZSTD
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("Compression(%d)", uint8(c))
	}
}

// Ext returns the file suffix conventionally added for c.
func (c Compression) Ext() string {
	switch c {
	case CompressionLZ4:
		return ".lz4"
	case CompressionZSTD:
		return ".zst"
	default:
		return ""
	}
}

// ParseCompression parses none, lz4 or zstd. The empty string is none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("telemetry: unknown compression %q", s)
	}
}

// flushWriter is a compressor stream.
type flushWriter interface {
	io.WriteCloser
	Flush() error
}

func newCompressor(w io.Writer, c Compression) (flushWriter, error) {
	switch c {
	case CompressionNone:
		return nil, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionZSTD:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("telemetry: zstd: %w", err)
		}
		return enc, nil
	default:
		return nil, fmt.Errorf("telemetry: unknown compression %d", c)
	}
}

// NewReader returns a reader that undoes c over r.
func NewReader(r io.Reader, c Compression) (io.Reader, error) {
	switch c {
	case CompressionNone:
		return r, nil
	case CompressionLZ4:
		return lz4.NewReader(r), nil
	case CompressionZSTD:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("telemetry: zstd: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("telemetry: unknown compression %d", c)
	}
}
