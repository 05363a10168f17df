package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// BpsDenominator is the basis-point scale used by every fee in the system.
const BpsDenominator = 10_000

// PriceDecimals is the fixed-point base of oracle prices. A token with d
// decimals is quoted with 36-d decimals so wei*price is always expressed
// in 1e36 units of the numeraire.
const PriceDecimals = 36

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrOverflow       = errors.New("uint256 overflow")
	ErrUnderflow      = errors.New("uint256 underflow")
	ErrZeroAmount     = errors.New("zero amount")
	ErrInvalidFee     = errors.New("fee exceeds 100%")
	ErrInvalidRatio   = errors.New("invalid ratio")
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

var one = uint256.NewInt(1)

// MulDiv computes x*y/d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, fmt.Errorf("muldiv %s*%s/%s: %w", x.Dec(), y.Dec(), d.Dec(), ErrOverflow)
	}
	if mode == RoundDown {
		return q, nil
	}

	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return q, nil
	}

	roundUp := false
	switch mode {
	case RoundUp:
		roundUp = true
	case RoundHalfEven:
		// rem is compared against d-rem so that 2*rem never overflows
		other := new(uint256.Int).Sub(d, rem)
		switch rem.Cmp(other) {
		case 1:
			roundUp = true
		case 0:
			roundUp = q.Uint64()&1 == 1
		}
	}

	if roundUp {
		if _, overflow := q.AddOverflow(q, one); overflow {
			return nil, ErrOverflow
		}
	}
	return q, nil
}

// Mul returns x*y or ErrOverflow.
func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("mul %s*%s: %w", x.Dec(), y.Dec(), ErrOverflow)
	}
	return z, nil
}

// Add returns x+y or ErrOverflow.
func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, fmt.Errorf("add %s+%s: %w", x.Dec(), y.Dec(), ErrOverflow)
	}
	return z, nil
}

// Sub returns x-y or ErrUnderflow when y > x.
func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, fmt.Errorf("sub %s-%s: %w", x.Dec(), y.Dec(), ErrUnderflow)
	}
	return z, nil
}

// Min returns a copy of the smaller operand.
func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// Ratio is an exact fraction used for margin and spread parameters,
// e.g. 115/100 for a 115% minimum collateralization.
type Ratio struct {
	Num uint64
	Den uint64
}

func (r Ratio) Validate() error {
	if r.Den == 0 {
		return fmt.Errorf("ratio %s: %w", r, ErrInvalidRatio)
	}
	return nil
}

// Apply returns x*Num/Den.
func (r Ratio) Apply(x *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return MulDiv(x, uint256.NewInt(r.Num), uint256.NewInt(r.Den), mode)
}

// Premium returns the part of a multiplier above one, e.g. 105/100 -> 5/100.
func (r Ratio) Premium() (Ratio, error) {
	if err := r.Validate(); err != nil {
		return Ratio{}, err
	}
	if r.Num < r.Den {
		return Ratio{}, fmt.Errorf("ratio %s below one: %w", r, ErrInvalidRatio)
	}
	return Ratio{Num: r.Num - r.Den, Den: r.Den}, nil
}

func (r Ratio) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}
