package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrUndercollateralized  = errors.New("account is undercollateralized")
	ErrIsolatedCustody      = errors.New("isolated asset held outside its vault")
	ErrIsolatedDebt         = errors.New("isolated asset cannot be borrowed")
	ErrCollateralNotAllowed = errors.New("market not allowed as vault collateral")
	ErrDebtNotAllowed       = errors.New("market not allowed as vault debt")
	ErrCustodyMismatch      = errors.New("ledger custody below net supplied balance")
)

// verify checks the final state of every account the operation touched.
func (op *operation) verify() error {
	for _, account := range op.accounts {
		if err := op.l.ValidateIsolation(account); err != nil {
			return err
		}
	}
	for id := range op.primary {
		if op.liquidated[id] {
			continue
		}
		account := op.accounts[id]
		under, err := op.l.IsUndercollateralized(account)
		if err != nil {
			return err
		}
		if under {
			return fmt.Errorf("%s: %w", account, ErrUndercollateralized)
		}
	}
	return op.l.ValidateCustody()
}

// ValidateIsolation enforces that isolated balances live only in the owning
// factory's vaults, are never negative, and that vault accounts respect the
// factory's allowable collateral and debt lists.
func (l *Ledger) ValidateIsolation(account AccountInfo) error {
	markets := l.balances.Markets(account)

	var home *Market
	for _, id := range markets {
		m := l.markets[id]
		if !m.IsIsolated() {
			continue
		}
		if l.balances.GetBalance(account, id).IsNegative() {
			return fmt.Errorf("%s market %d: %w", account, id, ErrIsolatedDebt)
		}
		if !m.Isolation.IsVault(account.Owner) {
			return fmt.Errorf("%s market %d: %w", account, id, ErrIsolatedCustody)
		}
	}
	for _, m := range l.markets {
		if m.IsIsolated() && m.Isolation.IsVault(account.Owner) {
			home = m
			break
		}
	}
	if home == nil {
		return nil
	}

	collateral := home.Isolation.AllowableCollateralMarketIDs()
	debt := home.Isolation.AllowableDebtMarketIDs()
	for _, id := range markets {
		if id == home.ID {
			continue
		}
		w := l.balances.GetBalance(account, id)
		if w.IsPositive() && len(collateral) > 0 && !containsMarket(collateral, id) {
			return fmt.Errorf("%s market %d: %w", account, id, ErrCollateralNotAllowed)
		}
		if w.IsNegative() && len(debt) > 0 && !containsMarket(debt, id) {
			return fmt.Errorf("%s market %d: %w", account, id, ErrDebtNotAllowed)
		}
	}
	return nil
}

// ValidateCustody verifies that for every market the ledger holds at least
// the net supplied amount of the token.
func (l *Ledger) ValidateCustody() error {
	totals, err := l.balances.ComputeMarketTotals()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCustodyMismatch, err)
	}
	for id, total := range totals {
		m := l.markets[id]
		held := l.bank.BalanceOf(m.Token, l.address)
		if total.IsNegative() || held.Lt(&total.Value) {
			return fmt.Errorf("market %d (%s): net %s, custody %s: %w",
				id, l.bank.Symbol(m.Token), total, held.Dec(), ErrCustodyMismatch)
		}
	}
	return nil
}

func containsMarket(ids []MarketID, id MarketID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
