package vm

import (
	"fmt"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

// Budget is a memory allowance committed pages are charged against.
// *resource.Controller satisfies it.
type Budget interface {
	Charge(n int64) bool
	Refund(n int64)
}

// BudgetedProvider charges every newly committed page against a Budget.
// A commit that does not fit fails with ErrCommitLimit.
type BudgetedProvider struct {
	Provider

	mu     sync.Mutex
	budget Budget
	pages  *roaring64.Bitmap // absolute page numbers currently charged
	sizes  map[Addr]uintptr
}

// Budgeted wraps p so its commits are charged against b.
func Budgeted(p Provider, b Budget) *BudgetedProvider {
	return &BudgetedProvider{
		Provider: p,
		budget:   b,
		pages:    roaring64.New(),
		sizes:    make(map[Addr]uintptr),
	}
}

func (b *BudgetedProvider) span(addr Addr, size uintptr) (first, last uint64) {
	ps := uint64(b.Info().PageSize)
	first = uint64(addr) / ps
	last = (uint64(addr) + uint64(size) + ps - 1) / ps
	return first, last
}

func (b *BudgetedProvider) chargedIn(first, last uint64) uint64 {
	if last == 0 {
		return 0
	}
	n := b.pages.Rank(last - 1)
	if first > 0 {
		n -= b.pages.Rank(first - 1)
	}
	return n
}

// Reserve implements Provider.
func (b *BudgetedProvider) Reserve(hint Addr, size uintptr, topDown bool) (Addr, error) {
	addr, err := b.Provider.Reserve(hint, size, topDown)
	if err != nil {
		return 0, err
	}
	g := b.Info().Granularity
	b.mu.Lock()
	b.sizes[addr] = (size + g - 1) &^ (g - 1)
	b.mu.Unlock()
	return addr, nil
}

// Commit implements Provider.
func (b *BudgetedProvider) Commit(addr Addr, size uintptr, prot Protection) error {
	if size == 0 {
		return ErrInvalidSize
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	first, last := b.span(addr, size)
	fresh := int64((last - first) - b.chargedIn(first, last)) * int64(b.Info().PageSize) //nolint:gosec // bounded by reservation size
	if fresh > 0 && !b.budget.Charge(fresh) {
		return fmt.Errorf("commit %#x+%d: %w", addr, size, ErrCommitLimit)
	}
	if err := b.Provider.Commit(addr, size, prot); err != nil {
		if fresh > 0 {
			b.budget.Refund(fresh)
		}
		return err
	}
	b.pages.AddRange(first, last)
	return nil
}

// Decommit implements Provider.
func (b *BudgetedProvider) Decommit(addr Addr, size uintptr) error {
	if err := b.Provider.Decommit(addr, size); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refundLocked(b.span(addr, size))
	return nil
}

// Release implements Provider.
func (b *BudgetedProvider) Release(addr Addr) error {
	if err := b.Provider.Release(addr); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if size, ok := b.sizes[addr]; ok {
		delete(b.sizes, addr)
		b.refundLocked(b.span(addr, size))
	}
	return nil
}

func (b *BudgetedProvider) refundLocked(first, last uint64) {
	n := b.chargedIn(first, last)
	if n == 0 {
		return
	}
	b.pages.RemoveRange(first, last)
	b.budget.Refund(int64(n) * int64(b.Info().PageSize)) //nolint:gosec // bounded by reservation size
}

// Charged returns the bytes currently charged against the budget.
func (b *BudgetedProvider) Charged() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(b.pages.GetCardinality()) * int64(b.Info().PageSize) //nolint:gosec // bounded by address space
}
