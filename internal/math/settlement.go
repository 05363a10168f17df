package math

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

// Value returns wei*price in 1e36 numeraire units.
func Value(wei, price *uint256.Int) (*uint256.Int, error) {
	return Mul(wei, price)
}

// IsUndercollateralized reports supplyValue < borrowValue*minRatio, compared
// as supply*Den < borrow*Num so no precision is lost.
func IsUndercollateralized(supplyValue, borrowValue *uint256.Int, minRatio Ratio) (bool, error) {
	if err := minRatio.Validate(); err != nil {
		return false, err
	}
	if borrowValue.IsZero() {
		return false, nil
	}
	lhs, err := Mul(supplyValue, uint256.NewInt(minRatio.Den))
	if err != nil {
		return false, err
	}
	rhs, err := Mul(borrowValue, uint256.NewInt(minRatio.Num))
	if err != nil {
		return false, err
	}
	return lhs.Lt(rhs), nil
}

// HeldWithReward is the amount of held collateral seized for repaying
// owedWei: owedWei*owedPrice*spread/heldPrice, rounded down.
func HeldWithReward(owedWei, owedPrice, heldPrice *uint256.Int, spread Ratio) (*uint256.Int, error) {
	if heldPrice.IsZero() {
		return nil, fmt.Errorf("held price: %w", ErrDivisionByZero)
	}
	owedValue, err := Value(owedWei, owedPrice)
	if err != nil {
		return nil, err
	}
	rewarded, err := spread.Apply(owedValue, RoundDown)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(rewarded, heldPrice), nil
}

// OwedForHeld inverts HeldWithReward for the case where the held balance
// caps the settlement: heldWei*heldPrice/(owedPrice*spread), rounded down.
func OwedForHeld(heldWei, heldPrice, owedPrice *uint256.Int, spread Ratio) (*uint256.Int, error) {
	if err := spread.Validate(); err != nil {
		return nil, err
	}
	if owedPrice.IsZero() || spread.Num == 0 {
		return nil, fmt.Errorf("owed price with spread: %w", ErrDivisionByZero)
	}
	heldValue, err := Value(heldWei, heldPrice)
	if err != nil {
		return nil, err
	}
	denom, err := Mul(owedPrice, uint256.NewInt(spread.Num))
	if err != nil {
		return nil, err
	}
	return MulDiv(heldValue, uint256.NewInt(spread.Den), denom, RoundDown)
}

// RampedSpread scales the premium of maxSpread linearly from zero at the
// moment of expiry to its full value once rampTime has elapsed. The result
// is a multiplier (1 + premium) expressed as an exact fraction.
func RampedSpread(maxSpread Ratio, elapsed, rampTime time.Duration) (Ratio, error) {
	premium, err := maxSpread.Premium()
	if err != nil {
		return Ratio{}, err
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if rampTime <= 0 || elapsed >= rampTime {
		return maxSpread, nil
	}

	ramp := uint64(rampTime / time.Second)
	if ramp == 0 {
		return maxSpread, nil
	}
	secs := uint64(elapsed / time.Second)

	// (Den*ramp + premium*secs) / (Den*ramp)
	den := new(uint256.Int).Mul(uint256.NewInt(premium.Den), uint256.NewInt(ramp))
	num := new(uint256.Int).Mul(uint256.NewInt(premium.Num), uint256.NewInt(secs))
	num.Add(num, den)
	if !num.IsUint64() || !den.IsUint64() {
		return Ratio{}, fmt.Errorf("ramped spread %s over %s: %w", maxSpread, rampTime, ErrOverflow)
	}
	return Ratio{Num: num.Uint64(), Den: den.Uint64()}, nil
}

// SpreadAdjustedPrice returns price*spread, rounded down.
func SpreadAdjustedPrice(price *uint256.Int, spread Ratio) (*uint256.Int, error) {
	return spread.Apply(price, RoundDown)
}
