package overdrive

// Tier names the component that owns a block.
type Tier uint8

const (
	// TierNone marks an address no tier owns.
	TierNone Tier = iota
	// TierCache is the recycle cache. It never owns memory; a block served
	// from it belongs to the pool or segment tier.
	TierCache
	// TierPool is the bump pool tier.
	TierPool
	// TierSegment is the size-classed segment heap.
	TierSegment
	// TierSystem is the page-granular fallback heap.
	TierSystem
)

const numTiers = int(TierSystem) + 1

func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierCache:
		return "cache"
	case TierPool:
		return "pool"
	case TierSegment:
		return "segment"
	case TierSystem:
		return "system"
	default:
		return "unknown"
	}
}
