package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	kib = 1 << 10
	mib = 1 << 20
)

// ErrInvalidConfig reports a parameter outside its allowed range.
type ErrInvalidConfig struct {
	Field  string
	Reason string
	cause  error
}

func (e *ErrInvalidConfig) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func (e *ErrInvalidConfig) Unwrap() error { return e.cause }

func invalid(field, format string, args ...any) error {
	return &ErrInvalidConfig{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// General holds process-wide switches.
type General struct {
	// UseSystemHeap routes every request straight to the fallback heap.
	UseSystemHeap bool `ini:"UseSystemHeap"`
	// CommitBudgetMB caps committed memory across all tiers; 0 is unlimited.
	CommitBudgetMB uint64 `ini:"CommitBudgetMB"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `ini:"LogLevel"`
}

// AddressSpace configures the high arena.
type AddressSpace struct {
	EnableArena bool   `ini:"EnableArena"`
	ArenaMB     uint64 `ini:"ArenaMB"`
	// TopDown asks for high placements for reservations made outside the arena.
	TopDown bool `ini:"TopDown"`
}

// Pools configures the bump pool tier. A pool with size 0 is not created.
type Pools struct {
	Enabled     bool   `ini:"Enabled"`
	TextureMB   uint64 `ini:"TextureMB"`
	SecondaryMB uint64 `ini:"SecondaryMB"`
	PrimaryMB   uint64 `ini:"PrimaryMB"`
	// Alignment of every block, a power of two of at least 16.
	Alignment uint64 `ini:"Alignment"`
	// CeilingKB is the largest request offered to the pools.
	CeilingKB       uint64 `ini:"CeilingKB"`
	InitialCommitKB uint64 `ini:"InitialCommitKB"`
	CommitStepKB    uint64 `ini:"CommitStepKB"`
}

// Heap configures the segment heap.
type Heap struct {
	Enabled        bool   `ini:"Enabled"`
	SegmentKB      uint64 `ini:"SegmentKB"`
	SliceKB        uint64 `ini:"SliceKB"`
	MaxSegments    int    `ini:"MaxSegments"`
	SplitThreshold uint64 `ini:"SplitThreshold"`
	// SmallObjectThreshold is the largest request offered to the heap.
	SmallObjectThreshold uint64 `ini:"SmallObjectThreshold"`
}

// RecycleCache configures the recycle cache.
type RecycleCache struct {
	Enabled  bool   `ini:"Enabled"`
	Capacity int    `ini:"Capacity"`
	MinSize  uint64 `ini:"MinSize"`
	MaxSize  uint64 `ini:"MaxSize"`
}

// Telemetry configures the metrics journal.
type Telemetry struct {
	Enabled bool          `ini:"Enabled"`
	Period  time.Duration `ini:"Period"`
	Output  string        `ini:"Output"`
	// Compression is one of none, lz4, zstd.
	Compression string `ini:"Compression"`
	// IOLimitBytesPerSec throttles journal writes; 0 is unlimited.
	IOLimitBytesPerSec int `ini:"IOLimitBytesPerSec"`
}

// Config is the full parameter set.
type Config struct {
	General      General      `ini:"General"`
	AddressSpace AddressSpace `ini:"AddressSpace"`
	Pools        Pools        `ini:"Pools"`
	Heap         Heap         `ini:"Heap"`
	RecycleCache RecycleCache `ini:"RecycleCache"`
	Telemetry    Telemetry    `ini:"Telemetry"`
}

// Default returns the standard configuration.
func Default() *Config {
	return &Config{
		General: General{
			LogLevel: "info",
		},
		AddressSpace: AddressSpace{
			EnableArena: true,
			ArenaMB:     1024,
			TopDown:     true,
		},
		Pools: Pools{
			Enabled:         true,
			TextureMB:       512,
			SecondaryMB:     256,
			PrimaryMB:       1024,
			Alignment:       16,
			CeilingKB:       8 * 1024,
			InitialCommitKB: 4 * 1024,
			CommitStepKB:    4 * 1024,
		},
		Heap: Heap{
			Enabled:              true,
			SegmentKB:            1024,
			SliceKB:              32,
			MaxSegments:          64,
			SplitThreshold:       64,
			SmallObjectThreshold: 1024,
		},
		RecycleCache: RecycleCache{
			Enabled:  true,
			Capacity: 128,
			MinSize:  64,
			MaxSize:  2048,
		},
		Telemetry: Telemetry{
			Period:      5 * time.Second,
			Output:      "overdrive-metrics.csv",
			Compression: "none",
		},
	}
}

// Load reads an INI file over the defaults.
func Load(path string) (*Config, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return fromFile(f)
}

// Parse reads INI data over the defaults.
func Parse(data []byte) (*Config, error) {
	f, err := ini.Load(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	c := Default()
	if err := f.MapTo(c); err != nil {
		return nil, fmt.Errorf("config: map: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save writes c as an INI file.
func (c *Config) Save(path string) error {
	f := ini.Empty()
	if err := ini.ReflectFrom(f, c); err != nil {
		return fmt.Errorf("config: reflect: %w", err)
	}
	if err := f.SaveTo(path); err != nil {
		return fmt.Errorf("config: save %s: %w", path, err)
	}
	return nil
}

// WriteTo writes c in INI form.
func (c *Config) WriteTo(w io.Writer) (int64, error) {
	f := ini.Empty()
	if err := ini.ReflectFrom(f, c); err != nil {
		return 0, fmt.Errorf("config: reflect: %w", err)
	}
	return f.WriteTo(w)
}

// Validate checks every parameter.
func (c *Config) Validate() error {
	switch strings.ToLower(c.General.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return invalid("General.LogLevel", "unknown level %q", c.General.LogLevel)
	}

	if c.AddressSpace.EnableArena && c.AddressSpace.ArenaMB == 0 {
		return invalid("AddressSpace.ArenaMB", "must be positive when the arena is enabled")
	}

	p := c.Pools
	if p.Alignment < 16 || p.Alignment&(p.Alignment-1) != 0 {
		return invalid("Pools.Alignment", "%d is not a power of two >= 16", p.Alignment)
	}
	if p.Enabled && p.TextureMB+p.SecondaryMB+p.PrimaryMB == 0 {
		return invalid("Pools", "enabled without any pool size")
	}
	if p.CommitStepKB == 0 {
		return invalid("Pools.CommitStepKB", "must be positive")
	}

	h := c.Heap
	if h.SmallObjectThreshold == 0 || h.SmallObjectThreshold > 1024 {
		return invalid("Heap.SmallObjectThreshold", "%d is outside 1..1024", h.SmallObjectThreshold)
	}
	if h.Enabled {
		if h.SliceKB < 2 || h.SegmentKB < h.SliceKB || h.SegmentKB%h.SliceKB != 0 {
			return invalid("Heap.SegmentKB", "segment %d KiB must be a multiple of slice %d KiB (>= 2)", h.SegmentKB, h.SliceKB)
		}
		if h.MaxSegments <= 0 {
			return invalid("Heap.MaxSegments", "must be positive")
		}
		if h.SplitThreshold < 32 || h.SplitThreshold%16 != 0 {
			return invalid("Heap.SplitThreshold", "%d is not a multiple of 16 >= 32", h.SplitThreshold)
		}
	}

	r := c.RecycleCache
	if r.Enabled {
		if r.Capacity <= 0 {
			return invalid("RecycleCache.Capacity", "must be positive")
		}
		if r.MinSize == 0 || r.MinSize > r.MaxSize {
			return invalid("RecycleCache.MinSize", "band %d..%d is empty", r.MinSize, r.MaxSize)
		}
	}

	t := c.Telemetry
	if t.Enabled {
		if t.Period <= 0 {
			return invalid("Telemetry.Period", "must be positive")
		}
		if t.Output == "" {
			return invalid("Telemetry.Output", "must not be empty")
		}
	}
	switch strings.ToLower(t.Compression) {
	case "", "none", "lz4", "zstd":
	default:
		return invalid("Telemetry.Compression", "unknown codec %q", t.Compression)
	}
	if t.IOLimitBytesPerSec < 0 {
		return invalid("Telemetry.IOLimitBytesPerSec", "must not be negative")
	}
	return nil
}

// Byte-size accessors.

func (a AddressSpace) ArenaBytes() uintptr { return uintptr(a.ArenaMB) * mib }

func (p Pools) CeilingBytes() uintptr       { return uintptr(p.CeilingKB) * kib }
func (p Pools) InitialCommitBytes() uintptr { return uintptr(p.InitialCommitKB) * kib }
func (p Pools) CommitStepBytes() uintptr    { return uintptr(p.CommitStepKB) * kib }

func (h Heap) SegmentBytes() uintptr { return uintptr(h.SegmentKB) * kib }
func (h Heap) SliceBytes() uintptr   { return uintptr(h.SliceKB) * kib }

func (g General) CommitBudgetBytes() int64 { return int64(g.CommitBudgetMB) * mib } //nolint:gosec // configured in MiB
