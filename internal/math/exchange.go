package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// RateSource identifies which branch of the pool exchange rate applies.
type RateSource int

const (
	// RateFromPool uses totalValue/totalShares.
	RateFromPool RateSource = iota
	// RateNoSupply is the 1:1 passthrough for a pool with no shares outstanding.
	RateNoSupply
	// RateNoValue is the 1:1 passthrough for a pool whose assets are worth zero.
	RateNoValue
)

func (s RateSource) String() string {
	switch s {
	case RateFromPool:
		return "pool"
	case RateNoSupply:
		return "no_supply"
	case RateNoValue:
		return "no_value"
	default:
		return "unknown"
	}
}

// ExchangeRateSource classifies the pool state. Supply is checked first.
func ExchangeRateSource(totalValue, totalShares *uint256.Int) RateSource {
	if totalShares.IsZero() {
		return RateNoSupply
	}
	if totalValue.IsZero() {
		return RateNoValue
	}
	return RateFromPool
}

// FeeAmount returns amount*feeBps/10000, rounded down.
func FeeAmount(amount *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if feeBps > BpsDenominator {
		return nil, fmt.Errorf("fee %d bps: %w", feeBps, ErrInvalidFee)
	}
	return MulDiv(amount, uint256.NewInt(feeBps), uint256.NewInt(BpsDenominator), RoundDown)
}

// ApplyFee returns amount - amount*feeBps/10000.
func ApplyFee(amount *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	fee, err := FeeAmount(amount, feeBps)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Sub(amount, fee), nil
}

// SharesToValue converts pool shares into asset units.
func SharesToValue(shares, totalValue, totalShares *uint256.Int) (*uint256.Int, error) {
	switch ExchangeRateSource(totalValue, totalShares) {
	case RateNoSupply:
		return shares.Clone(), nil
	case RateNoValue:
		return shares.Clone(), nil
	}
	return MulDiv(shares, totalValue, totalShares, RoundDown)
}

// ValueToShares converts asset units into pool shares.
func ValueToShares(value, totalValue, totalShares *uint256.Int) (*uint256.Int, error) {
	switch ExchangeRateSource(totalValue, totalShares) {
	case RateNoSupply:
		return value.Clone(), nil
	case RateNoValue:
		return value.Clone(), nil
	}
	return MulDiv(value, totalShares, totalValue, RoundDown)
}

// RedeemOutput is the asset amount paid for burning shares: the shares are
// valued at the pool rate and the redemption fee is taken from that value.
func RedeemOutput(shares, totalValue, totalShares *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if shares.IsZero() {
		return nil, ErrZeroAmount
	}
	value, err := SharesToValue(shares, totalValue, totalShares)
	if err != nil {
		return nil, err
	}
	return ApplyFee(value, feeBps)
}

// MintOutput is the share amount minted for depositing assets: the mint fee
// is taken from the deposit and the remainder is priced at the pool rate.
func MintOutput(amount, totalValue, totalShares *uint256.Int, feeBps uint64) (*uint256.Int, error) {
	if amount.IsZero() {
		return nil, ErrZeroAmount
	}
	effective, err := ApplyFee(amount, feeBps)
	if err != nil {
		return nil, err
	}
	return ValueToShares(effective, totalValue, totalShares)
}

// SharePrice prices one share in oracle units given the asset price. The
// result is discounted by maxFeeBps so a share is never valued above what a
// redemption at the highest fee would pay out.
func SharePrice(assetPrice, totalValue, totalShares *uint256.Int, maxFeeBps uint64) (*uint256.Int, error) {
	var price *uint256.Int
	switch ExchangeRateSource(totalValue, totalShares) {
	case RateNoSupply, RateNoValue:
		price = assetPrice.Clone()
	default:
		p, err := MulDiv(assetPrice, totalValue, totalShares, RoundDown)
		if err != nil {
			return nil, err
		}
		price = p
	}
	return ApplyFee(price, maxFeeBps)
}
