package ledger

import (
	"errors"
	"fmt"
	"time"

	fpmath "IsoLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrExpiryNotSet   = errors.New("expiry not set")
	ErrExpiryMismatch = errors.New("expiry mismatch")
	ErrNotExpired     = errors.New("borrow not yet expired")
)

// SetExpiry registers the time after which account's debt in market may be
// closed out by anyone. A zero time clears the expiry. Timestamps have
// second resolution.
func (l *Ledger) SetExpiry(caller common.Address, account AccountInfo, market MarketID, expiry time.Time) error {
	if !l.IsOperator(account.Owner, caller) {
		return fmt.Errorf("set expiry on %s by %s: %w", account, caller.Hex(), ErrNotOperator)
	}
	if _, err := l.Market(market); err != nil {
		return err
	}
	key := AccountKey{Account: account, Market: market}
	if expiry.IsZero() {
		l.setExpiry(key, time.Time{})
		return nil
	}
	if !l.balances.GetBalance(account, market).IsNegative() {
		return fmt.Errorf("set expiry on %s market %d: %w", account, market, ErrNoDebt)
	}
	l.setExpiry(key, time.Unix(expiry.Unix(), 0).UTC())
	return nil
}

// GetExpiry returns the registered expiry, or the zero time.
func (l *Ledger) GetExpiry(account AccountInfo, market MarketID) time.Time {
	return l.expiries[AccountKey{Account: account, Market: market}]
}

// GetSpreadAdjustedPrices returns the held price and the owed price marked
// up by the expiry spread. The spread ramps linearly from nothing at expiry
// to the full liquidation spread once the ramp time has elapsed.
func (l *Ledger) GetSpreadAdjustedPrices(heldMarket, owedMarket MarketID, expiry time.Time) (heldPrice, owedPrice *uint256.Int, err error) {
	heldPrice, err = l.GetMarketPrice(heldMarket)
	if err != nil {
		return nil, nil, err
	}
	owedPrice, err = l.GetMarketPrice(owedMarket)
	if err != nil {
		return nil, nil, err
	}
	spread, err := fpmath.RampedSpread(l.liquidationSpread, l.now().Sub(expiry), l.expiryRampTime)
	if err != nil {
		return nil, nil, err
	}
	owedPrice, err = fpmath.SpreadAdjustedPrice(owedPrice, spread)
	if err != nil {
		return nil, nil, err
	}
	return heldPrice, owedPrice, nil
}

func (l *Ledger) setExpiry(key AccountKey, expiry time.Time) {
	prev, existed := l.expiries[key]
	if expiry.IsZero() {
		delete(l.expiries, key)
	} else {
		l.expiries[key] = expiry
	}
	l.journal.Record(func() {
		if existed {
			l.expiries[key] = prev
		} else {
			delete(l.expiries, key)
		}
	})
}
