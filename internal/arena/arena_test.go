package arena

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/overdrive/vm"
)

const gran = vm.DefaultGranularity

func newArena(t *testing.T, size uintptr, opts ...vm.SimulatedOption) (*Arena, *vm.Simulated) {
	t.Helper()
	p := vm.NewSimulated(opts...)
	a := New(p)
	require.NoError(t, a.Init(size))
	t.Cleanup(func() { _ = a.Destroy() })
	return a, p
}

func TestArena_Init(t *testing.T) {
	t.Run("top-down", func(t *testing.T) {
		a, _ := newArena(t, 64<<20)
		assert.True(t, a.Active())
		assert.Equal(t, PlacementTopDown, a.Stats().Placement)
		assert.Equal(t, vm.Addr(0x7FFF0000-64<<20), a.Base())
		assert.Equal(t, uintptr(64<<20), a.Size())
		assert.Equal(t, []Segment{{Start: 0, Units: (64 << 20) / gran}}, a.FreeSegments())
	})

	t.Run("rounds to granularity", func(t *testing.T) {
		a, _ := newArena(t, gran+1)
		assert.Equal(t, uintptr(2*gran), a.Size())
	})

	t.Run("scan skips occupied top", func(t *testing.T) {
		p := vm.NewSimulated(vm.WithoutTopDown())
		blocker, err := p.Reserve(0x7FF00000, 0xF0000, false)
		require.NoError(t, err)

		a := New(p)
		require.NoError(t, a.Init(16<<20))
		defer func() { _ = a.Destroy() }()

		st := a.Stats()
		assert.Equal(t, PlacementScan, st.Placement)
		assert.Equal(t, blocker-16<<20, a.Base())
	})

	t.Run("scan failure is soft", func(t *testing.T) {
		p := vm.NewSimulated(vm.WithoutTopDown(), vm.WithAddressRange(0x10000, 0xFFFFF))
		a := New(p)
		err := a.Init(16 << 20)
		assert.ErrorIs(t, err, ErrReserveFailed)
		assert.False(t, a.Active())

		_, err = a.Reserve(gran)
		assert.ErrorIs(t, err, ErrInactive)
		assert.ErrorIs(t, a.Commit(0x10000, gran, vm.ProtReadWrite), ErrInactive)
		assert.ErrorIs(t, a.Release(0x10000), ErrInactive)
		assert.False(t, a.Contains(0x10000))
	})

	t.Run("double init", func(t *testing.T) {
		a, _ := newArena(t, gran)
		assert.ErrorIs(t, a.Init(gran), ErrAlreadyActive)
	})
}

func TestArena_FirstFitAndMerge(t *testing.T) {
	a, _ := newArena(t, 16*gran)

	x, err := a.Reserve(2 * gran)
	require.NoError(t, err)
	y, err := a.Reserve(1)
	require.NoError(t, err)
	z, err := a.Reserve(3 * gran)
	require.NoError(t, err)

	assert.Equal(t, a.Base(), x)
	assert.Equal(t, x+2*gran, y)
	assert.Equal(t, y+gran, z)
	assert.Equal(t, []Segment{{Start: 6, Units: 10}}, a.FreeSegments())

	require.NoError(t, a.Release(x))
	assert.Equal(t, []Segment{{0, 2}, {6, 10}}, a.FreeSegments())

	// First fit: one unit comes from the lowest run.
	w, err := a.Reserve(gran)
	require.NoError(t, err)
	assert.Equal(t, x, w)
	assert.Equal(t, []Segment{{1, 1}, {6, 10}}, a.FreeSegments())

	require.NoError(t, a.Release(z))
	assert.Equal(t, []Segment{{1, 1}, {3, 13}}, a.FreeSegments())

	require.NoError(t, a.Release(y))
	assert.Equal(t, []Segment{{1, 15}}, a.FreeSegments())

	require.NoError(t, a.Release(w))
	assert.Equal(t, []Segment{{0, 16}}, a.FreeSegments())
	require.NoError(t, a.Verify())

	assert.ErrorIs(t, a.Release(w), ErrUnknownReservation)
}

func TestArena_Exhaustion(t *testing.T) {
	a, _ := newArena(t, 4*gran)

	_, err := a.Reserve(4 * gran)
	require.NoError(t, err)
	_, err = a.Reserve(1)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, uint64(1), a.Stats().Failures)
}

func TestArena_CommitBounds(t *testing.T) {
	a, p := newArena(t, 4*gran)

	addr, err := a.Alloc(100, vm.ProtReadWrite)
	require.NoError(t, err)
	b, err := a.Bytes(addr, 100)
	require.NoError(t, err)
	b[0] = 1

	assert.ErrorIs(t, a.Commit(a.Base()-gran, gran, vm.ProtReadWrite), ErrOutOfBounds)
	assert.ErrorIs(t, a.Commit(a.Base()+3*gran, 2*gran, vm.ProtReadWrite), ErrOutOfBounds)
	_, err = a.Bytes(a.Base()+4*gran, 1)
	assert.ErrorIs(t, err, ErrOutOfBounds)

	require.NoError(t, a.Release(addr))
	assert.Zero(t, p.Committed(), "release decommits")

	require.NoError(t, a.Commit(addr, 100, vm.ProtReadWrite))
	b, err = a.Bytes(addr, 100)
	require.NoError(t, err)
	assert.Zero(t, b[0])
}

func TestArena_AllocRollsBack(t *testing.T) {
	a, _ := newArena(t, 4*gran, vm.WithCommitLimit(4096))

	_, err := a.Alloc(2*gran, vm.ProtReadWrite)
	assert.ErrorIs(t, err, vm.ErrCommitLimit)
	assert.Equal(t, []Segment{{0, 4}}, a.FreeSegments())
	assert.Zero(t, a.Stats().Reservations)
}

func TestArena_Destroy(t *testing.T) {
	p := vm.NewSimulated()
	a := New(p)
	require.NoError(t, a.Init(gran))
	require.Equal(t, 1, p.Reservations())

	require.NoError(t, a.Destroy())
	assert.False(t, a.Active())
	assert.Zero(t, p.Reservations())
	assert.Zero(t, a.Base())
	require.NoError(t, a.Destroy())
}

func TestArena_RandomizedInvariants(t *testing.T) {
	a, _ := newArena(t, 256*gran)
	rng := rand.New(rand.NewPCG(1, 2))

	var live []vm.Addr
	for range 2000 {
		if len(live) > 0 && rng.IntN(2) == 0 {
			i := rng.IntN(len(live))
			require.NoError(t, a.Release(live[i]))
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		} else if addr, err := a.Reserve(uintptr(1+rng.IntN(8)) * gran); err == nil {
			assert.True(t, a.Contains(addr))
			live = append(live, addr)
		}
		require.NoError(t, a.Verify())
	}
}

func TestArena_Concurrent(t *testing.T) {
	a, _ := newArena(t, 1024*gran)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		live = make(map[vm.Addr]bool)
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []vm.Addr
			for i := range 200 {
				addr, err := a.Alloc(gran, vm.ProtReadWrite)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if live[addr] {
					t.Errorf("live address %#x handed out twice", addr)
				}
				live[addr] = true
				mu.Unlock()

				if i%2 == 0 {
					mine = append(mine, addr)
					continue
				}
				mu.Lock()
				delete(live, addr)
				mu.Unlock()
				if err := a.Release(addr); err != nil {
					t.Error(err)
				}
			}
			for _, addr := range mine[:50] {
				mu.Lock()
				delete(live, addr)
				mu.Unlock()
				if err := a.Release(addr); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	require.NoError(t, a.Verify())
	assert.Equal(t, 8*50, a.Stats().Reservations)
	assert.Len(t, live, 8*50)
}

func BenchmarkArena_ReserveRelease(b *testing.B) {
	a := New(vm.NewSimulated())
	if err := a.Init(64 << 20); err != nil {
		b.Fatal(err)
	}
	defer func() { _ = a.Destroy() }()

	b.ReportAllocs()
	for b.Loop() {
		addr, err := a.Reserve(gran)
		if err != nil {
			b.Fatal(err)
		}
		_ = a.Release(addr)
	}
}
