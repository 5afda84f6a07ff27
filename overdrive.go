package overdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/hupe1980/overdrive/config"
	"github.com/hupe1980/overdrive/internal/arena"
	"github.com/hupe1980/overdrive/internal/bump"
	"github.com/hupe1980/overdrive/internal/fs"
	"github.com/hupe1980/overdrive/internal/recycle"
	"github.com/hupe1980/overdrive/internal/resource"
	"github.com/hupe1980/overdrive/internal/segheap"
	"github.com/hupe1980/overdrive/internal/sysheap"
	"github.com/hupe1980/overdrive/telemetry"
	"github.com/hupe1980/overdrive/vm"
)

type counters struct {
	allocs       atomic.Uint64
	frees        atomic.Uint64
	resizes      atomic.Uint64
	failed       atomic.Uint64
	foreign      atomic.Uint64
	corrupt      atomic.Uint64
	overflows    atomic.Uint64
	fallbacks    atomic.Uint64
	cacheReturns atomic.Uint64
	byTier       [numTiers]atomic.Uint64
}

// Allocator is the tier dispatcher. All methods are safe for concurrent use.
// Close must not race with other calls.
type Allocator struct {
	cfg     *config.Config
	logger  *Logger
	metrics MetricsCollector

	provider vm.Provider
	budget   *vm.BudgetedProvider // nil without a commit budget
	rc       *resource.Controller
	arena    *arena.Arena // nil when disabled or not reserved
	direct   *vm.DirectSpace
	space    vm.Space

	pools *bump.Tier     // nil when disabled
	heap  *segheap.Heap  // nil when disabled
	cache *recycle.Cache // nil when disabled
	sys   *sysheap.Heap

	poolCeiling uintptr
	smallLimit  uintptr

	reporter *telemetry.Reporter
	warn     *rate.Limiter

	closeOnce sync.Once
	closed    atomic.Bool
	c         counters
}

// New builds an allocator from cfg, which may be nil for the defaults.
//
// Reservation failures are not errors: the affected tier stays inactive and
// requests route around it. New fails only for an invalid configuration or
// a telemetry sink that cannot be opened.
func New(cfg *config.Config, optFns ...Option) (*Allocator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := applyOptions(optFns)
	if o.logger == nil {
		o.logger = NewTextLogger(os.Stderr, parseLevel(cfg.General.LogLevel))
	}
	if o.provider == nil {
		p, err := vm.NewOS()
		if err != nil {
			return nil, fmt.Errorf("overdrive: vm provider: %w", err)
		}
		o.provider = p
	}

	ctx := context.Background()
	a := &Allocator{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  o.metricsCollector,
		provider: o.provider,
		rc: resource.NewController(resource.Config{
			CommitBudget:  cfg.General.CommitBudgetBytes(),
			IOBytesPerSec: int64(cfg.Telemetry.IOLimitBytesPerSec),
		}),
		poolCeiling: cfg.Pools.CeilingBytes(),
		smallLimit:  uintptr(cfg.Heap.SmallObjectThreshold),
		warn:        rate.NewLimiter(rate.Every(time.Second), 8),
	}

	p := o.provider
	if cfg.General.CommitBudgetMB > 0 {
		a.budget = vm.Budgeted(p, a.rc)
		p = a.budget
	}
	a.direct = vm.Direct(p, cfg.AddressSpace.TopDown)

	var primary vm.Space
	if cfg.AddressSpace.EnableArena {
		ar := arena.New(p)
		err := ar.Init(cfg.AddressSpace.ArenaBytes())
		a.logger.LogTierInit(ctx, "arena", ar.Base(), ar.Size(), err)
		if err == nil {
			a.arena = ar
			primary = ar
		}
	}
	a.space = vm.Chain(primary, a.direct)

	if !cfg.General.UseSystemHeap {
		if err := a.initTiers(ctx); err != nil {
			_ = a.release()
			return nil, err
		}
	}
	a.sys = sysheap.New(a.direct)

	if cfg.Telemetry.Enabled {
		if err := a.startTelemetry(ctx, o.telemetryOutput); err != nil {
			_ = a.release()
			return nil, err
		}
	}
	return a, nil
}

func (a *Allocator) initTiers(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Pools.Enabled {
		t, err := bump.New(a.space, bump.Config{
			Pools:         poolConfigs(cfg.Pools),
			Alignment:     uintptr(cfg.Pools.Alignment),
			InitialCommit: cfg.Pools.InitialCommitBytes(),
			CommitStep:    cfg.Pools.CommitStepBytes(),
		})
		if err != nil {
			return &ErrTierInit{Tier: TierPool, cause: err}
		}
		for _, p := range t.Pools() {
			st := p.Stats()
			a.logger.LogTierInit(ctx, "pool/"+st.Name, st.Base, st.Size, p.Err())
		}
		if t.Active() {
			a.pools = t
		}
	}

	if cfg.Heap.Enabled {
		h, err := segheap.New(a.space, segheap.Config{
			SegmentSize:    cfg.Heap.SegmentBytes(),
			SliceSize:      cfg.Heap.SliceBytes(),
			MaxSegments:    cfg.Heap.MaxSegments,
			SplitThreshold: uint32(cfg.Heap.SplitThreshold), //nolint:gosec // validated
		})
		if err != nil {
			return &ErrTierInit{Tier: TierSegment, cause: err}
		}
		a.heap = h
	}

	if cfg.RecycleCache.Enabled && (a.pools != nil || a.heap != nil) {
		a.cache = recycle.New(recycle.Config{
			Capacity: cfg.RecycleCache.Capacity,
			MinSize:  uintptr(cfg.RecycleCache.MinSize),
			MaxSize:  uintptr(cfg.RecycleCache.MaxSize),
		})
	}
	return nil
}

func poolConfigs(p config.Pools) []bump.PoolConfig {
	const mib = 1 << 20

	var out []bump.PoolConfig
	for _, pc := range bump.DefaultPools() {
		var n uint64
		switch pc.Name {
		case "texture":
			n = p.TextureMB
		case "secondary":
			n = p.SecondaryMB
		case "primary":
			n = p.PrimaryMB
		}
		if n == 0 {
			continue
		}
		pc.Size = uintptr(n) * mib
		out = append(out, pc)
	}
	return out
}

func (a *Allocator) startTelemetry(ctx context.Context, out io.Writer) error {
	t := a.cfg.Telemetry
	comp, err := telemetry.ParseCompression(t.Compression)
	if err != nil {
		return err
	}

	var w *telemetry.Writer
	if out != nil {
		w, err = telemetry.NewWriter(resource.Throttle(ctx, out, a.rc), comp)
	} else {
		w, err = telemetry.Create(ctx, fs.Default, t.Output, comp, a.rc)
	}
	if err != nil {
		return fmt.Errorf("overdrive: telemetry: %w", err)
	}

	a.reporter = telemetry.NewReporter(w, t.Period, a.snapshot, a.rc)
	a.reporter.Start(ctx)
	return nil
}

// Close stops telemetry and releases every reservation. The arena goes
// last. Pointers handed out earlier become invalid; later calls allocate
// nothing.
func (a *Allocator) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		st := a.Stats()
		err = a.release()
		a.logger.LogShutdown(context.Background(), st, err)
	})
	return err
}

func (a *Allocator) release() error {
	var errs []error
	if a.reporter != nil {
		errs = append(errs, a.reporter.Close())
	}
	if a.cache != nil {
		a.cache.Drain()
	}
	if a.pools != nil {
		errs = append(errs, a.pools.Close())
	}
	if a.heap != nil {
		errs = append(errs, a.heap.Close())
	}
	if a.sys != nil {
		errs = append(errs, a.sys.Close())
	}
	errs = append(errs, a.direct.ReleaseAll())
	if a.arena != nil {
		errs = append(errs, a.arena.Destroy())
	}
	return errors.Join(errs...)
}
