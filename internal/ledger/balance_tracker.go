package ledger

import (
	"bytes"
	"fmt"
	"sort"

	"IsoLedger/internal/state"
)

// BalanceTracker maintains in-memory signed balances per (account, market).
// Every write is recorded in the shared journal.
type BalanceTracker struct {
	journal  *state.Journal
	accounts map[AccountInfo]map[MarketID]Wei
}

func NewBalanceTracker(journal *state.Journal) *BalanceTracker {
	return &BalanceTracker{
		journal:  journal,
		accounts: make(map[AccountInfo]map[MarketID]Wei),
	}
}

// GetBalance returns the current balance for an account in one market
func (bt *BalanceTracker) GetBalance(account AccountInfo, market MarketID) Wei {
	if m, ok := bt.accounts[account]; ok {
		if w, ok := m[market]; ok {
			return w
		}
	}
	return ZeroWei()
}

// SetBalance overwrites a balance. Zero balances are dropped from the map.
func (bt *BalanceTracker) SetBalance(account AccountInfo, market MarketID, w Wei) {
	prev, existed := bt.lookup(account, market)
	bt.write(account, market, w)
	bt.journal.Record(func() {
		if existed {
			bt.write(account, market, prev)
		} else {
			bt.write(account, market, ZeroWei())
		}
	})
}

// Apply adds delta to a balance and returns the new value. An overflowing
// delta leaves the balance untouched.
func (bt *BalanceTracker) Apply(account AccountInfo, market MarketID, delta Wei) (Wei, error) {
	next, err := bt.GetBalance(account, market).AddChecked(delta)
	if err != nil {
		return Wei{}, err
	}
	bt.SetBalance(account, market, next)
	return next, nil
}

// Markets lists the markets in which account has a non-zero balance, ascending.
func (bt *BalanceTracker) Markets(account AccountInfo) []MarketID {
	m := bt.accounts[account]
	out := make([]MarketID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ComputeMarketTotals sums all signed balances per market.
func (bt *BalanceTracker) ComputeMarketTotals() (map[MarketID]Wei, error) {
	totals := make(map[MarketID]Wei)
	for _, m := range bt.accounts {
		for id, w := range m {
			sum, err := totals[id].AddChecked(w)
			if err != nil {
				return nil, fmt.Errorf("market %d total: %w", id, err)
			}
			totals[id] = sum
		}
	}
	return totals, nil
}

// BalanceEntry is one non-zero balance in a snapshot.
type BalanceEntry struct {
	Account AccountInfo
	Market  MarketID
	Balance Wei
}

// Snapshot returns all non-zero balances in a stable order (for state hashing)
func (bt *BalanceTracker) Snapshot() []BalanceEntry {
	out := make([]BalanceEntry, 0, len(bt.accounts))
	for acct, m := range bt.accounts {
		for id, w := range m {
			out = append(out, BalanceEntry{Account: acct, Market: id, Balance: w})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if c := bytes.Compare(a.Account.Owner.Bytes(), b.Account.Owner.Bytes()); c != 0 {
			return c < 0
		}
		if a.Account.Number != b.Account.Number {
			return a.Account.Number < b.Account.Number
		}
		return a.Market < b.Market
	})
	return out
}

func (bt *BalanceTracker) lookup(account AccountInfo, market MarketID) (Wei, bool) {
	m, ok := bt.accounts[account]
	if !ok {
		return Wei{}, false
	}
	w, ok := m[market]
	return w, ok
}

func (bt *BalanceTracker) write(account AccountInfo, market MarketID, w Wei) {
	if w.IsZero() {
		if m, ok := bt.accounts[account]; ok {
			delete(m, market)
			if len(m) == 0 {
				delete(bt.accounts, account)
			}
		}
		return
	}
	m, ok := bt.accounts[account]
	if !ok {
		m = make(map[MarketID]Wei)
		bt.accounts[account] = m
	}
	m[market] = w
}
