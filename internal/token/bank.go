package token

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"IsoLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrUnknownToken        = errors.New("unknown token")
	ErrTokenExists         = errors.New("token already registered")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrZeroAddress         = errors.New("zero address")
)

// TransferHook observes a completed transfer. A non-nil error fails the
// transfer and, through the journal, everything that led to it.
type TransferHook func(token, from, to common.Address, amount *uint256.Int) error

// Info describes a registered token.
type Info struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

type tokenState struct {
	info     Info
	supply   uint256.Int
	balances map[common.Address]uint256.Int
}

// Bank is an in-memory multi-token balance sheet. Every mutation is recorded
// in the shared journal.
type Bank struct {
	journal *state.Journal
	tokens  map[common.Address]*tokenState
	hooks   []TransferHook
}

func NewBank(journal *state.Journal) *Bank {
	return &Bank{
		journal: journal,
		tokens:  make(map[common.Address]*tokenState),
	}
}

// Register lists a new token with zero supply.
func (b *Bank) Register(addr common.Address, symbol string, decimals uint8) error {
	if addr == (common.Address{}) {
		return fmt.Errorf("register %s: %w", symbol, ErrZeroAddress)
	}
	if _, ok := b.tokens[addr]; ok {
		return fmt.Errorf("register %s at %s: %w", symbol, addr.Hex(), ErrTokenExists)
	}
	b.tokens[addr] = &tokenState{
		info:     Info{Address: addr, Symbol: symbol, Decimals: decimals},
		balances: make(map[common.Address]uint256.Int),
	}
	b.journal.Record(func() { delete(b.tokens, addr) })
	return nil
}

// OnTransfer installs a hook invoked after every transfer.
func (b *Bank) OnTransfer(hook TransferHook) {
	b.hooks = append(b.hooks, hook)
}

func (b *Bank) Info(addr common.Address) (Info, bool) {
	t, ok := b.tokens[addr]
	if !ok {
		return Info{}, false
	}
	return t.info, true
}

// Symbol returns the token symbol, or its hex address when unknown.
func (b *Bank) Symbol(addr common.Address) string {
	if t, ok := b.tokens[addr]; ok {
		return t.info.Symbol
	}
	return addr.Hex()
}

func (b *Bank) BalanceOf(tok, owner common.Address) *uint256.Int {
	t, ok := b.tokens[tok]
	if !ok {
		return new(uint256.Int)
	}
	bal := t.balances[owner]
	return bal.Clone()
}

func (b *Bank) TotalSupply(tok common.Address) *uint256.Int {
	t, ok := b.tokens[tok]
	if !ok {
		return new(uint256.Int)
	}
	return t.supply.Clone()
}

// Transfer moves amount of tok from one holder to another. A failing hook
// undoes the balance change even when no caller scope is open.
func (b *Bank) Transfer(tok, from, to common.Address, amount *uint256.Int) error {
	t, err := b.token(tok)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("transfer %s to zero address: %w", t.info.Symbol, ErrZeroAddress)
	}

	fromBal := t.balances[from]
	if fromBal.Lt(amount) {
		return fmt.Errorf("transfer %s %s from %s (balance %s): %w",
			amount.Dec(), t.info.Symbol, from.Hex(), fromBal.Dec(), ErrInsufficientBalance)
	}

	return b.journal.Atomic(func() error {
		if from != to {
			var newFrom uint256.Int
			newFrom.Sub(&fromBal, amount)
			b.setBalance(t, from, newFrom)

			toBal := t.balances[to]
			var newTo uint256.Int
			newTo.Add(&toBal, amount)
			b.setBalance(t, to, newTo)
		}

		for _, hook := range b.hooks {
			if err := hook(tok, from, to, amount); err != nil {
				return fmt.Errorf("transfer %s %s hook: %w", amount.Dec(), t.info.Symbol, err)
			}
		}
		return nil
	})
}

// Mint creates amount of tok for to.
func (b *Bank) Mint(tok, to common.Address, amount *uint256.Int) error {
	t, err := b.token(tok)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return fmt.Errorf("mint %s to zero address: %w", t.info.Symbol, ErrZeroAddress)
	}

	var supply uint256.Int
	if _, overflow := supply.AddOverflow(&t.supply, amount); overflow {
		return fmt.Errorf("mint %s %s: supply overflow", amount.Dec(), t.info.Symbol)
	}
	b.setSupply(t, supply)

	bal := t.balances[to]
	var newBal uint256.Int
	newBal.Add(&bal, amount)
	b.setBalance(t, to, newBal)
	return nil
}

// Burn destroys amount of tok held by from.
func (b *Bank) Burn(tok, from common.Address, amount *uint256.Int) error {
	t, err := b.token(tok)
	if err != nil {
		return err
	}

	bal := t.balances[from]
	if bal.Lt(amount) {
		return fmt.Errorf("burn %s %s from %s (balance %s): %w",
			amount.Dec(), t.info.Symbol, from.Hex(), bal.Dec(), ErrInsufficientBalance)
	}

	var newBal uint256.Int
	newBal.Sub(&bal, amount)
	b.setBalance(t, from, newBal)

	var supply uint256.Int
	supply.Sub(&t.supply, amount)
	b.setSupply(t, supply)
	return nil
}

// Holding is one non-zero balance.
type Holding struct {
	Token   common.Address
	Owner   common.Address
	Balance uint256.Int
}

// Snapshot lists every non-zero balance ordered by token, then owner.
func (b *Bank) Snapshot() []Holding {
	tokens := make([]common.Address, 0, len(b.tokens))
	for addr := range b.tokens {
		tokens = append(tokens, addr)
	}
	sort.Slice(tokens, func(i, j int) bool { return bytes.Compare(tokens[i][:], tokens[j][:]) < 0 })

	var out []Holding
	for _, tok := range tokens {
		t := b.tokens[tok]
		start := len(out)
		for owner, bal := range t.balances {
			out = append(out, Holding{Token: tok, Owner: owner, Balance: bal})
		}
		held := out[start:]
		sort.Slice(held, func(i, j int) bool { return bytes.Compare(held[i].Owner[:], held[j].Owner[:]) < 0 })
	}
	return out
}

func (b *Bank) token(addr common.Address) (*tokenState, error) {
	t, ok := b.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("token %s: %w", addr.Hex(), ErrUnknownToken)
	}
	return t, nil
}

func (b *Bank) setBalance(t *tokenState, owner common.Address, v uint256.Int) {
	prev, existed := t.balances[owner]
	b.journal.Record(func() {
		if existed {
			t.balances[owner] = prev
		} else {
			delete(t.balances, owner)
		}
	})
	if v.IsZero() {
		delete(t.balances, owner)
		return
	}
	t.balances[owner] = v
}

func (b *Bank) setSupply(t *tokenState, v uint256.Int) {
	prev := t.supply
	b.journal.Record(func() { t.supply = prev })
	t.supply = v
}
