package overdrive

import (
	"errors"
	"fmt"

	"github.com/hupe1980/overdrive/config"
)

var (
	// ErrClosed is returned when a closed allocator is used.
	ErrClosed = errors.New("overdrive: allocator closed")
)

// ErrInvalidConfig indicates a configuration parameter outside its range.
type ErrInvalidConfig = config.ErrInvalidConfig

// ErrTierInit indicates a tier could not be constructed from its
// configuration. Unlike a failed reservation, which only leaves the tier
// inactive, this aborts New.
//
// The underlying error is available through errors.Unwrap.
type ErrTierInit struct {
	Tier  Tier
	cause error
}

func (e *ErrTierInit) Error() string {
	return fmt.Sprintf("init %s tier: %v", e.Tier, e.cause)
}

func (e *ErrTierInit) Unwrap() error { return e.cause }
