package ledger

import (
	"errors"

	"github.com/holiman/uint256"
)

var ErrWeiOverflow = errors.New("wei overflow")

// Wei is a signed balance in token base units. Sign is true for positive
// (supplied) balances; zero is always positive.
type Wei struct {
	Sign  bool
	Value uint256.Int
}

func PositiveWei(v *uint256.Int) Wei {
	return Wei{Sign: true, Value: *v}
}

func NegativeWei(v *uint256.Int) Wei {
	if v.IsZero() {
		return Wei{Sign: true}
	}
	return Wei{Sign: false, Value: *v}
}

func ZeroWei() Wei {
	return Wei{Sign: true}
}

func (w Wei) IsZero() bool {
	return w.Value.IsZero()
}

func (w Wei) IsPositive() bool {
	return w.Sign && !w.Value.IsZero()
}

func (w Wei) IsNegative() bool {
	return !w.Sign && !w.Value.IsZero()
}

// Magnitude returns a copy of the absolute value.
func (w Wei) Magnitude() *uint256.Int {
	return w.Value.Clone()
}

func (w Wei) Neg() Wei {
	if w.Value.IsZero() {
		return ZeroWei()
	}
	return Wei{Sign: !w.Sign, Value: w.Value}
}

// AddChecked returns w+o, or ErrWeiOverflow when the magnitude no longer
// fits in 256 bits.
func (w Wei) AddChecked(o Wei) (Wei, error) {
	var r Wei
	switch {
	case w.Sign == o.Sign:
		r.Sign = w.Sign
		if _, overflow := r.Value.AddOverflow(&w.Value, &o.Value); overflow {
			return Wei{}, ErrWeiOverflow
		}
	case !w.Value.Lt(&o.Value):
		r.Sign = w.Sign
		r.Value.Sub(&w.Value, &o.Value)
	default:
		r.Sign = o.Sign
		r.Value.Sub(&o.Value, &w.Value)
	}
	if r.Value.IsZero() {
		r.Sign = true
	}
	return r, nil
}

func (w Wei) SubChecked(o Wei) (Wei, error) {
	return w.AddChecked(o.Neg())
}

// Cmp returns -1, 0 or +1.
func (w Wei) Cmp(o Wei) int {
	if w.Sign != o.Sign {
		if w.Sign {
			return 1
		}
		return -1
	}
	c := w.Value.Cmp(&o.Value)
	if !w.Sign {
		return -c
	}
	return c
}

func (w Wei) String() string {
	if w.IsNegative() {
		return "-" + w.Value.Dec()
	}
	return w.Value.Dec()
}
