package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var ErrStalePrice = errors.New("stale price update")

// PriceSequenceValidator orders oracle price updates per token. Gaps are
// tolerated; an update at or below the last applied sequence is stale.
// Not thread-safe; the engine mutex serializes access.
type PriceSequenceValidator struct {
	last map[common.Address]int64
	gaps map[common.Address]int64
}

func NewPriceSequenceValidator() *PriceSequenceValidator {
	return &PriceSequenceValidator{
		last: make(map[common.Address]int64),
		gaps: make(map[common.Address]int64),
	}
}

// Validate checks seq against the last applied sequence for token and
// reports whether it skipped ahead.
func (sv *PriceSequenceValidator) Validate(token common.Address, seq int64) (gap bool, err error) {
	last, seen := sv.last[token]
	if seen && seq <= last {
		return false, fmt.Errorf("token %s sequence %d <= %d: %w", token.Hex(), seq, last, ErrStalePrice)
	}
	if seen && seq > last+1 {
		sv.gaps[token]++
		gap = true
	}
	return gap, nil
}

// Advance records seq as applied.
func (sv *PriceSequenceValidator) Advance(token common.Address, seq int64) {
	sv.last[token] = seq
}

func (sv *PriceSequenceValidator) Last(token common.Address) (int64, bool) {
	s, ok := sv.last[token]
	return s, ok
}

func (sv *PriceSequenceValidator) Gaps(token common.Address) int64 {
	return sv.gaps[token]
}
