package bump

import (
	"errors"
	"fmt"

	"github.com/hupe1980/overdrive/internal/header"
	"github.com/hupe1980/overdrive/vm"
)

const (
	// DefaultAlignment is the block alignment.
	DefaultAlignment = 16
	// DefaultInitialCommit is committed when a pool is created.
	DefaultInitialCommit = 4 << 20
	// DefaultCommitStep is the commit growth unit.
	DefaultCommitStep = 4 << 20
	// DefaultRetryStep shrinks a failed pool reservation.
	DefaultRetryStep = 128 << 20
	// DefaultMinReserve is the smallest pool reservation attempted.
	DefaultMinReserve = 64 << 20
)

// PoolConfig describes one pool.
type PoolConfig struct {
	Name   string
	Size   uintptr
	Prefer Band
}

// Config configures the pool tier.
type Config struct {
	Pools         []PoolConfig
	Alignment     uintptr
	InitialCommit uintptr
	CommitStep    uintptr
	RetryStep     uintptr
	MinReserve    uintptr
}

// DefaultPools returns the standard pool layout: a texture pool preferring
// 256 KiB to 4 MiB, a secondary pool preferring anything above 1 MiB and a
// primary pool taking everything else.
func DefaultPools() []PoolConfig {
	return []PoolConfig{
		{Name: "texture", Size: 512 << 20, Prefer: Band{Min: 256 << 10, Max: 4 << 20}},
		{Name: "secondary", Size: 256 << 20, Prefer: Band{Min: 1<<20 + 1}},
		{Name: "primary", Size: 1 << 30},
	}
}

func (c *Config) withDefaults() {
	if c.Alignment == 0 {
		c.Alignment = DefaultAlignment
	}
	if c.InitialCommit == 0 {
		c.InitialCommit = DefaultInitialCommit
	}
	if c.CommitStep == 0 {
		c.CommitStep = DefaultCommitStep
	}
	if c.MinReserve == 0 {
		c.MinReserve = DefaultMinReserve
	}
}

// Tier is the set of pools.
type Tier struct {
	space vm.Space
	pools []*Pool
}

// New reserves every configured pool. Pools that cannot be reserved stay
// inactive; the tier is usable as long as any pool is active.
func New(space vm.Space, cfg Config) (*Tier, error) {
	cfg.withDefaults()
	if cfg.Alignment < header.Size || cfg.Alignment&(cfg.Alignment-1) != 0 {
		return nil, fmt.Errorf("bump: alignment %d must be a power of two >= %d", cfg.Alignment, header.Size)
	}
	if len(cfg.Pools) > 0xFFFD {
		return nil, fmt.Errorf("bump: too many pools (%d)", len(cfg.Pools))
	}

	t := &Tier{space: space}
	for i, pc := range cfg.Pools {
		p := &Pool{
			id:     uint16(i + 1), //nolint:gosec // bounded above
			name:   pc.Name,
			prefer: pc.Prefer,
			align:  cfg.Alignment,
			step:   cfg.CommitStep,
			space:  space,
		}
		if pc.Size == 0 {
			p.err = fmt.Errorf("pool %q: zero size", pc.Name)
		} else {
			p.err = p.reserve(pc.Size, cfg.MinReserve, cfg.RetryStep, cfg.InitialCommit)
		}
		t.pools = append(t.pools, p)
	}
	return t, nil
}

// Pools returns the pools in configured order.
func (t *Tier) Pools() []*Pool { return t.pools }

// Active reports whether any pool can serve requests.
func (t *Tier) Active() bool {
	for _, p := range t.pools {
		if p.active.Load() {
			return true
		}
	}
	return false
}

func (t *Tier) preferred(size uintptr) int {
	for i, p := range t.pools {
		if p.active.Load() && p.prefer.Contains(size) {
			return i
		}
	}
	return -1
}

// Allocate serves size from the preferred pool, overflowing to the others in
// configured order.
func (t *Tier) Allocate(size uintptr) (vm.Addr, error) {
	pref := t.preferred(size)
	if pref >= 0 {
		addr, err := t.pools[pref].Allocate(size)
		if err == nil {
			return addr, nil
		}
		if errors.Is(err, ErrTooLarge) {
			return 0, err
		}
	}

	for i, p := range t.pools {
		if i == pref || !p.active.Load() {
			continue
		}
		if addr, err := p.Allocate(size); err == nil {
			if pref >= 0 {
				t.pools[pref].stats.Overflows.Add(1)
			}
			return addr, nil
		}
	}
	return 0, ErrExhausted
}

func (t *Tier) owner(addr vm.Addr) *Pool {
	for _, p := range t.pools {
		if p.Contains(addr) {
			return p
		}
	}
	return nil
}

// Contains reports whether addr lies in the used part of any pool.
func (t *Tier) Contains(addr vm.Addr) bool { return t.owner(addr) != nil }

// Lookup validates the header behind a user address.
func (t *Tier) Lookup(addr vm.Addr) (header.Header, bool) {
	p := t.owner(addr)
	if p == nil {
		return header.Header{}, false
	}
	return p.Lookup(addr)
}

// Free validates and counts a release. Pool memory is never reclaimed.
func (t *Tier) Free(addr vm.Addr) bool {
	p := t.owner(addr)
	if p == nil {
		return false
	}
	if _, ok := p.Lookup(addr); !ok {
		return false
	}
	p.stats.Frees.Add(1)
	return true
}

// Stats returns per-pool statistics in configured order.
func (t *Tier) Stats() []PoolStats {
	out := make([]PoolStats, len(t.pools))
	for i, p := range t.pools {
		out[i] = p.Stats()
	}
	return out
}

// Close releases every pool reservation.
func (t *Tier) Close() error {
	var errs []error
	for _, p := range t.pools {
		if !p.active.Load() {
			continue
		}
		p.active.Store(false)
		if err := t.space.Release(p.base); err != nil {
			errs = append(errs, fmt.Errorf("release pool %q: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}
