package overdrive

import (
	"bytes"
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/overdrive/config"
	"github.com/hupe1980/overdrive/internal/header"
	"github.com/hupe1980/overdrive/vm"
)

func testConfig() *config.Config {
	c := config.Default()
	c.AddressSpace.ArenaMB = 64
	c.Pools.TextureMB = 0
	c.Pools.SecondaryMB = 0
	c.Pools.PrimaryMB = 8
	c.Pools.InitialCommitKB = 256
	c.Pools.CommitStepKB = 256
	c.Heap.MaxSegments = 8
	return c
}

func newTestAllocator(t testing.TB, edit func(*config.Config), opts ...Option) *Allocator {
	t.Helper()
	c := testConfig()
	if edit != nil {
		edit(c)
	}
	opts = append([]Option{WithProvider(vm.NewSimulated()), WithLogger(NoopLogger())}, opts...)
	a, err := New(c, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestEndToEnd_PoolThenFallback(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.Pools.PrimaryMB = 1
	})

	seen := make(map[vm.Addr]struct{}, 1000)
	for range 1000 {
		p := a.Allocate(100)
		require.NotZero(t, p)
		require.Equal(t, TierPool, a.Owner(p))
		seen[p] = struct{}{}
	}
	assert.Len(t, seen, 1000)

	st := a.Stats()
	require.Len(t, st.Pools, 1)
	assert.Equal(t, uintptr(1000*128), st.Pools[0].Used)

	big := a.Allocate(1 << 20)
	require.NotZero(t, big, "a full pool falls through instead of failing")
	assert.Equal(t, TierSystem, a.Owner(big))
	assert.GreaterOrEqual(t, a.UsableSize(big), 1<<20)

	st = a.Stats()
	assert.Equal(t, uint64(1000), st.ByTier[TierPool])
	assert.Equal(t, uint64(1), st.ByTier[TierSystem])
	assert.Equal(t, uintptr(1000*128), st.Pools[0].Used, "failed request does not move the offset")
	assert.True(t, st.Arena.Active)
}

func TestAllocate_ZeroFilledAndUsable(t *testing.T) {
	a := newTestAllocator(t, nil)

	p := a.Allocate(100)
	require.NotZero(t, p)
	assert.Equal(t, 112, a.UsableSize(p))

	b := a.Bytes(p)
	require.Len(t, b, 112)
	assert.Equal(t, make([]byte, 112), b)

	z1, z2 := a.Allocate(0), a.Allocate(0)
	assert.NotZero(t, z1)
	assert.NotEqual(t, z1, z2, "size 0 still yields unique addresses")

	assert.Zero(t, a.Allocate(-1))
}

func TestAllocateArray(t *testing.T) {
	a := newTestAllocator(t, nil)

	p := a.AllocateArray(10, 8)
	require.NotZero(t, p)
	assert.GreaterOrEqual(t, a.UsableSize(p), 80)

	assert.Zero(t, a.AllocateArray(math.MaxInt, 2))
	assert.Zero(t, a.AllocateArray(-1, 8))
	assert.Equal(t, uint64(2), a.Stats().Overflows)
}

func TestSegmentTier_RecycledBlockIsZeroed(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.Pools.Enabled = false
		c.RecycleCache.Enabled = false
	})

	p := a.Allocate(100)
	require.Equal(t, TierSegment, a.Owner(p))
	b := a.Bytes(p)
	for i := range b {
		b[i] = 0xFF
	}
	a.Free(p)

	q := a.Allocate(100)
	require.NotZero(t, q)
	assert.Equal(t, make([]byte, len(a.Bytes(q))), a.Bytes(q))
	require.NoError(t, a.heap.Verify())
}

func TestRecycleCache_RoundTrip(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.Pools.Enabled = false
	})

	p := a.Allocate(100)
	copy(a.Bytes(p), "payload")
	a.Free(p)
	assert.Equal(t, 1, a.Stats().Cache.Entries)

	q := a.Allocate(100)
	assert.Equal(t, p, q, "same-size request is served from the cache")
	assert.Equal(t, make([]byte, len(a.Bytes(q))), a.Bytes(q))

	st := a.Stats()
	assert.Equal(t, uint64(1), st.ByTier[TierCache])
	assert.Zero(t, st.Cache.Entries)

	h, ok := a.heap.Lookup(q)
	require.True(t, ok, "header revived")
	assert.Equal(t, uint32(100), h.RequestedSize)
}

func TestRecycleCache_UnreadableEntryReturnsToOwner(t *testing.T) {
	p := vm.NewSimulated()
	a := newTestAllocator(t, nil, WithProvider(p))

	// The second block's header ends just before a page boundary its
	// payload crosses.
	first := a.Allocate(4000)
	require.Equal(t, TierPool, a.Owner(first))
	block := first - header.Size
	second := a.Allocate(200)
	require.Equal(t, block+4016+header.Size, second)

	a.Free(second)
	require.Equal(t, 1, a.Stats().Cache.Entries)
	require.NoError(t, p.Decommit(block+vm.DefaultPageSize, vm.DefaultPageSize))

	q := a.Allocate(200)
	require.NotZero(t, q)
	assert.NotEqual(t, second, q)

	st := a.Stats()
	assert.Zero(t, st.Cache.Entries)
	assert.Equal(t, uint64(1), st.CacheReturns)
	assert.Zero(t, st.ByTier[TierCache])

	a.Free(second)
	assert.Equal(t, uint64(1), a.Stats().InvalidFrees, "returned pool block no longer validates")
}

func TestRecycleCache_EvictionReturnsToOwner(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.Pools.Enabled = false
		c.RecycleCache.Capacity = 2
	})

	ptrs := []vm.Addr{a.Allocate(100), a.Allocate(100), a.Allocate(100)}
	for _, p := range ptrs {
		a.Free(p)
	}

	st := a.Stats()
	assert.Equal(t, 2, st.Cache.Entries)
	assert.Equal(t, uint64(1), st.CacheReturns)
	assert.Equal(t, uint64(1), st.Heap.Frees, "evicted block went back to its segment")
	assert.Equal(t, uint64(3), st.Frees)
	require.NoError(t, a.heap.Verify())
}

func TestFree_DoubleFreeRejected(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(*config.Config)
	}{
		{"cached", func(c *config.Config) { c.Pools.Enabled = false }},
		{"segment", func(c *config.Config) { c.Pools.Enabled = false; c.RecycleCache.Enabled = false }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			a := newTestAllocator(t, tc.edit)
			p := a.Allocate(100)
			a.Free(p)
			a.Free(p)

			st := a.Stats()
			assert.Equal(t, uint64(1), st.Frees)
			assert.Equal(t, uint64(1), st.InvalidFrees)
			require.NoError(t, a.heap.Verify())
		})
	}
}

func TestFree_CorruptionContained(t *testing.T) {
	a := newTestAllocator(t, nil)

	victim := a.Allocate(200)
	neighbour := a.Allocate(200)
	copy(a.Bytes(neighbour), "intact")

	hb, err := a.space.Bytes(victim-header.Size, header.Size)
	require.NoError(t, err)
	header.SetTag(hb, 0xBADBAD00)

	require.NotPanics(t, func() { a.Free(victim) })

	st := a.Stats()
	assert.Equal(t, uint64(1), st.InvalidFrees)
	assert.Zero(t, st.Frees)

	h, ok := a.pools.Lookup(neighbour)
	require.True(t, ok)
	assert.Equal(t, uint32(200), h.RequestedSize)
	assert.True(t, bytes.HasPrefix(a.Bytes(neighbour), []byte("intact")))
	assert.Zero(t, a.UsableSize(victim))
}

func TestFree_ForeignPointer(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	a := newTestAllocator(t, nil, WithMetricsCollector(metrics))

	require.NotPanics(t, func() {
		a.Free(0x1234)
		a.Free(0)
	})
	assert.Equal(t, uint64(1), a.Stats().ForeignFrees)
	assert.Equal(t, int64(1), metrics.GetStats().ForeignFrees)
	assert.Equal(t, TierNone, a.Owner(0x1234))
	assert.Nil(t, a.Bytes(0x1234))
	assert.Zero(t, a.UsableSize(0x1234))
}

func TestResize(t *testing.T) {
	a := newTestAllocator(t, nil)

	p := a.Allocate(50)
	b := a.Bytes(p)
	for i := range 50 {
		b[i] = byte(i + 1)
	}

	q := a.Resize(p, 3000)
	require.NotZero(t, q)
	nb := a.Bytes(q)
	require.GreaterOrEqual(t, len(nb), 3000)
	for i := range 50 {
		require.Equal(t, byte(i+1), nb[i])
	}
	assert.Equal(t, make([]byte, 3000-50), nb[50:3000])

	r := a.Resize(q, 10)
	require.NotZero(t, r)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, a.Bytes(r)[:10])

	s := a.Resize(0, 64)
	assert.NotZero(t, s)
	assert.Zero(t, a.Resize(s, 0))
	assert.Equal(t, uint64(2), a.Stats().Resizes)
}

func TestResize_SystemTier(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.General.UseSystemHeap = true
	})

	p := a.Allocate(10)
	require.Equal(t, TierSystem, a.Owner(p))
	copy(a.Bytes(p), "sys")

	q := a.Resize(p, 100_000)
	require.NotZero(t, q)
	assert.Equal(t, TierSystem, a.Owner(q))
	assert.Equal(t, "sys", string(a.Bytes(q)[:3]))
	assert.Equal(t, TierNone, a.Owner(p))
}

func TestResize_SystemTierCopiesRequestedOnly(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.General.UseSystemHeap = true
	})

	p := a.Allocate(10)
	require.NotZero(t, p)
	b := a.Bytes(p)
	require.Greater(t, len(b), 10)
	copy(b, "0123456789")
	b[10], b[len(b)-1] = 0xAA, 0xBB

	q := a.Resize(p, 100_000)
	require.NotZero(t, q)
	nb := a.Bytes(q)
	assert.Equal(t, "0123456789", string(nb[:10]))
	assert.Zero(t, nb[10], "slack past the requested size is not copied")
	assert.Zero(t, nb[len(b)-1])
}

func TestConcurrent_Disjoint(t *testing.T) {
	a := newTestAllocator(t, nil)

	type span struct{ lo, hi vm.Addr }
	const workers = 8

	live := make([][]span, workers)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), 42))
			for range 500 {
				n := 1 + r.IntN(4096)
				p := a.Allocate(n)
				if !assert.NotZero(t, p) {
					return
				}
				if r.IntN(3) == 0 {
					a.Free(p)
					continue
				}
				live[w] = append(live[w], span{p, p + vm.Addr(a.UsableSize(p))})
			}
		}()
	}
	wg.Wait()

	var all []span
	for _, l := range live {
		all = append(all, l...)
	}
	slices.SortFunc(all, func(x, y span) int { return cmp.Compare(x.lo, y.lo) })
	for i := 1; i < len(all); i++ {
		require.LessOrEqual(t, all[i-1].hi, all[i].lo, "live blocks overlap")
	}
	require.NoError(t, a.heap.Verify())
}

func TestArenaDisabled(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.AddressSpace.EnableArena = false
	})
	assert.Nil(t, a.arena)

	p := a.Allocate(100)
	assert.Equal(t, TierPool, a.Owner(p))
	assert.False(t, a.Stats().Arena.Active)
}

func TestCommitBudget(t *testing.T) {
	a := newTestAllocator(t, func(c *config.Config) {
		c.General.CommitBudgetMB = 1
		c.Pools.Enabled = false
	})

	assert.NotZero(t, a.Allocate(100))
	assert.Zero(t, a.Allocate(2<<20), "commit over budget fails every tier")

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Failed)
	assert.Positive(t, st.CommitCharged)
	assert.LessOrEqual(t, st.CommitCharged, int64(1<<20))
	assert.Positive(t, st.CommitDenied)
	assert.Equal(t, int64(1<<20), st.CommitBudget)
	assert.Equal(t, st.CommitBudget-st.CommitCharged, st.CommitLeft)
}

func TestNew_InvalidConfig(t *testing.T) {
	c := config.Default()
	c.Pools.Alignment = 3

	_, err := New(c, WithProvider(vm.NewSimulated()), WithLogger(NoopLogger()))
	var ic *ErrInvalidConfig
	require.ErrorAs(t, err, &ic)
	assert.Equal(t, "Pools.Alignment", ic.Field)
}

func TestClose(t *testing.T) {
	p := vm.NewSimulated()
	a, err := New(testConfig(), WithProvider(p), WithLogger(NoopLogger()))
	require.NoError(t, err)

	a.Allocate(100)
	a.Allocate(1 << 20)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	assert.Zero(t, p.Reservations())
	assert.Zero(t, p.Committed())
	assert.Zero(t, a.Allocate(100))
	assert.NotPanics(t, func() { a.Free(0x1000) })
}

func TestTelemetry(t *testing.T) {
	var buf bytes.Buffer
	a := newTestAllocator(t, func(c *config.Config) {
		c.Telemetry.Enabled = true
		c.Telemetry.Period = 5 * time.Millisecond
	}, WithTelemetryOutput(&buf))

	a.Allocate(100)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "time,allocs,frees,"))
	assert.GreaterOrEqual(t, strings.Count(out, "\n"), 2)
}

func TestMetricsCollector(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	a := newTestAllocator(t, nil, WithMetricsCollector(metrics))

	p := a.Allocate(100)
	a.Free(p)
	a.Allocate(1 << 20 * 9)

	s := metrics.GetStats()
	assert.Equal(t, int64(1), s.Allocs[TierPool])
	assert.Equal(t, int64(1), s.Allocs[TierSystem])
	assert.Equal(t, int64(1), s.Frees[TierPool])
}

func BenchmarkAllocateFree(b *testing.B) {
	a := newTestAllocator(b, func(c *config.Config) {
		c.Pools.Enabled = false
	})

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		p := a.Allocate(128)
		a.Free(p)
	}
}
