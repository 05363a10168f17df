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
	ErrReentrantOperate    = errors.New("reentrant operate")
	ErrNoActions           = errors.New("no actions")
	ErrInvalidAccountIndex = errors.New("invalid account index")
	ErrDuplicateAccount    = errors.New("duplicate account")
	ErrNotOperator         = errors.New("caller is not an operator of account")
	ErrInvalidDepositor    = errors.New("deposit source must be caller or account owner")
	ErrZeroAmount          = errors.New("zero amount")
	ErrSameMarket          = errors.New("held and owed markets must differ")
	ErrNotLiquidatable     = errors.New("account is not undercollateralized")
	ErrNoDebt              = errors.New("account has no debt in market")
	ErrNoCollateral        = errors.New("account holds no collateral in market")
	ErrSettlementTooSmall  = errors.New("settlement rounds to zero")
)

// Settlement records one Liquidate or Expire action.
type Settlement struct {
	Type       ActionType
	Solid      AccountInfo
	Liquid     AccountInfo
	OwedMarket MarketID
	HeldMarket MarketID
	OwedRepaid *uint256.Int
	HeldSeized *uint256.Int
	OwedPrice  *uint256.Int
	HeldPrice  *uint256.Int
	Spread     fpmath.Ratio
	Expiry     time.Time
}

// BalanceDelta is the net change of one balance over an Operate call.
type BalanceDelta struct {
	Account AccountInfo
	Market  MarketID
	Before  Wei
	After   Wei
}

type Receipt struct {
	Settlements []Settlement
	Deltas      []BalanceDelta
}

type operation struct {
	l          *Ledger
	caller     common.Address
	accounts   []AccountInfo
	primary    map[int]bool
	liquidated map[int]bool
	before     map[AccountKey]Wei
	order      []AccountKey
	receipt    *Receipt
	err        error // first balance overflow
}

// Operate executes actions in order as one atomic unit. Any failing action
// or final-state check reverts every mutation made by the call, including
// token movements and state changed by counterparties.
func (l *Ledger) Operate(caller common.Address, accounts []AccountInfo, actions []Action) (*Receipt, error) {
	if l.operating {
		return nil, ErrReentrantOperate
	}
	l.operating = true
	defer func() { l.operating = false }()

	op, err := l.preprocess(caller, accounts, actions)
	if err != nil {
		return nil, err
	}

	err = l.journal.Atomic(func() error {
		for i, a := range actions {
			err := op.run(a)
			if err == nil {
				err = op.err
			}
			if err != nil {
				return fmt.Errorf("action %d (%s): %w", i, a.Type, err)
			}
		}
		return op.verify()
	})
	if err != nil {
		l.logger.Warn().
			Err(err).
			Str("caller", caller.Hex()).
			Int("actions", len(actions)).
			Msg("operate reverted")
		return nil, err
	}

	for _, key := range op.order {
		op.receipt.Deltas = append(op.receipt.Deltas, BalanceDelta{
			Account: key.Account,
			Market:  key.Market,
			Before:  op.before[key],
			After:   l.balances.GetBalance(key.Account, key.Market),
		})
	}
	l.logger.Debug().
		Str("caller", caller.Hex()).
		Int("actions", len(actions)).
		Int("settlements", len(op.receipt.Settlements)).
		Msg("operate committed")
	return op.receipt, nil
}

func (l *Ledger) preprocess(caller common.Address, accounts []AccountInfo, actions []Action) (*operation, error) {
	if len(actions) == 0 {
		return nil, ErrNoActions
	}
	seen := make(map[AccountInfo]struct{}, len(accounts))
	for _, a := range accounts {
		if _, dup := seen[a]; dup {
			return nil, fmt.Errorf("account %s: %w", a, ErrDuplicateAccount)
		}
		seen[a] = struct{}{}
	}

	op := &operation{
		l:          l,
		caller:     caller,
		accounts:   accounts,
		primary:    make(map[int]bool),
		liquidated: make(map[int]bool),
		before:     make(map[AccountKey]Wei),
		receipt:    &Receipt{},
	}
	inRange := func(i int) bool { return i >= 0 && i < len(accounts) }

	for i, a := range actions {
		if !inRange(a.AccountID) {
			return nil, fmt.Errorf("action %d: account id %d: %w", i, a.AccountID, ErrInvalidAccountIndex)
		}
		op.primary[a.AccountID] = true
		switch a.Type {
		case ActionTransfer:
			if !inRange(a.OtherAccountID) || a.OtherAccountID == a.AccountID {
				return nil, fmt.Errorf("action %d: other account id %d: %w", i, a.OtherAccountID, ErrInvalidAccountIndex)
			}
			op.primary[a.OtherAccountID] = true
		case ActionLiquidate, ActionExpire:
			if !inRange(a.OtherAccountID) || a.OtherAccountID == a.AccountID {
				return nil, fmt.Errorf("action %d: other account id %d: %w", i, a.OtherAccountID, ErrInvalidAccountIndex)
			}
			op.liquidated[a.OtherAccountID] = true
		}
	}

	for id := range op.primary {
		owner := accounts[id].Owner
		if !l.IsOperator(owner, caller) {
			return nil, fmt.Errorf("account %s caller %s: %w", accounts[id], caller.Hex(), ErrNotOperator)
		}
	}
	return op, nil
}

func (op *operation) run(a Action) error {
	switch a.Type {
	case ActionDeposit:
		return op.deposit(a)
	case ActionWithdraw:
		return op.withdraw(a)
	case ActionTransfer:
		return op.transfer(a)
	case ActionSell:
		return op.sell(a)
	case ActionLiquidate:
		return op.settle(a, false)
	case ActionExpire:
		return op.settle(a, true)
	case ActionCall:
		return op.call(a)
	default:
		return fmt.Errorf("unsupported action type %d", a.Type)
	}
}

// apply records the pre-operation balance the first time a key is touched.
func (op *operation) apply(account AccountInfo, market MarketID, delta Wei) Wei {
	key := AccountKey{Account: account, Market: market}
	if _, ok := op.before[key]; !ok {
		op.before[key] = op.l.balances.GetBalance(account, market)
		op.order = append(op.order, key)
	}
	next, err := op.l.balances.Apply(account, market, delta)
	if err != nil && op.err == nil {
		op.err = fmt.Errorf("%s market %d: %w", account, market, err)
	}
	return next
}

func requireAmount(a Action) error {
	if a.Amount == nil || a.Amount.IsZero() {
		return ErrZeroAmount
	}
	return nil
}

func (op *operation) deposit(a Action) error {
	if err := requireAmount(a); err != nil {
		return err
	}
	m, err := op.l.Market(a.PrimaryMarketID)
	if err != nil {
		return err
	}
	account := op.accounts[a.AccountID]
	if a.OtherAddress != op.caller && a.OtherAddress != account.Owner {
		return fmt.Errorf("deposit from %s: %w", a.OtherAddress.Hex(), ErrInvalidDepositor)
	}
	if err := op.l.bank.Transfer(m.Token, a.OtherAddress, op.l.address, a.Amount); err != nil {
		return err
	}
	op.apply(account, m.ID, PositiveWei(a.Amount))
	return nil
}

func (op *operation) withdraw(a Action) error {
	if err := requireAmount(a); err != nil {
		return err
	}
	m, err := op.l.Market(a.PrimaryMarketID)
	if err != nil {
		return err
	}
	op.apply(op.accounts[a.AccountID], m.ID, NegativeWei(a.Amount))
	return op.l.bank.Transfer(m.Token, op.l.address, a.OtherAddress, a.Amount)
}

func (op *operation) transfer(a Action) error {
	if err := requireAmount(a); err != nil {
		return err
	}
	m, err := op.l.Market(a.PrimaryMarketID)
	if err != nil {
		return err
	}
	op.apply(op.accounts[a.AccountID], m.ID, NegativeWei(a.Amount))
	op.apply(op.accounts[a.OtherAccountID], m.ID, PositiveWei(a.Amount))
	return nil
}

func (op *operation) sell(a Action) error {
	if err := requireAmount(a); err != nil {
		return err
	}
	taker, err := op.l.Market(a.PrimaryMarketID)
	if err != nil {
		return err
	}
	maker, err := op.l.Market(a.SecondaryMarketID)
	if err != nil {
		return err
	}
	w, ok := op.l.wrappers[a.OtherAddress]
	if !ok {
		return fmt.Errorf("%s: %w", a.OtherAddress.Hex(), ErrUnknownWrapper)
	}
	account := op.accounts[a.AccountID]

	op.apply(account, taker.ID, NegativeWei(a.Amount))
	if err := op.l.bank.Transfer(taker.Token, op.l.address, w.Address(), a.Amount); err != nil {
		return err
	}
	out, err := w.Exchange(op.l.address, account.Owner, op.l.address, maker.Token, taker.Token, a.Amount, a.Data)
	if err != nil {
		return fmt.Errorf("exchange via %s: %w", w.Address().Hex(), err)
	}
	if err := op.l.bank.Transfer(maker.Token, w.Address(), op.l.address, out); err != nil {
		return fmt.Errorf("collect exchange output: %w", err)
	}
	op.apply(account, maker.ID, PositiveWei(out))
	return nil
}

func (op *operation) call(a Action) error {
	c, ok := op.l.callees[a.OtherAddress]
	if !ok {
		return fmt.Errorf("%s: %w", a.OtherAddress.Hex(), ErrUnknownCallee)
	}
	return c.CallFunction(op.l.address, op.caller, op.accounts[a.AccountID], a.Data)
}

func (op *operation) settle(a Action, expire bool) error {
	l := op.l
	solid, liquid := op.accounts[a.AccountID], op.accounts[a.OtherAccountID]
	owedID, heldID := a.PrimaryMarketID, a.SecondaryMarketID
	if owedID == heldID {
		return ErrSameMarket
	}
	if _, err := l.Market(owedID); err != nil {
		return err
	}
	if _, err := l.Market(heldID); err != nil {
		return err
	}

	owedBal := l.balances.GetBalance(liquid, owedID)
	if !owedBal.IsNegative() {
		return fmt.Errorf("%s market %d: %w", liquid, owedID, ErrNoDebt)
	}
	heldBal := l.balances.GetBalance(liquid, heldID)
	if !heldBal.IsPositive() {
		return fmt.Errorf("%s market %d: %w", liquid, heldID, ErrNoCollateral)
	}

	var (
		owedPrice, heldPrice *uint256.Int
		spread               fpmath.Ratio
		expiry               time.Time
		err                  error
	)
	if expire {
		expiry, err = op.checkExpiry(a, liquid, owedID)
		if err != nil {
			return err
		}
		heldPrice, owedPrice, err = l.GetSpreadAdjustedPrices(heldID, owedID, expiry)
		if err != nil {
			return err
		}
		spread = fpmath.Ratio{Num: 1, Den: 1}
	} else {
		under, err := l.IsUndercollateralized(liquid)
		if err != nil {
			return err
		}
		if !under {
			return fmt.Errorf("%s: %w", liquid, ErrNotLiquidatable)
		}
		if owedPrice, err = l.GetMarketPrice(owedID); err != nil {
			return err
		}
		if heldPrice, err = l.GetMarketPrice(heldID); err != nil {
			return err
		}
		spread = l.liquidationSpread
	}

	debt := owedBal.Magnitude()
	if a.Amount != nil {
		if a.Amount.IsZero() {
			return ErrZeroAmount
		}
		debt = fpmath.Min(debt, a.Amount)
	}
	repaid, seized, err := SettlementAmounts(debt, heldBal.Magnitude(), owedPrice, heldPrice, spread)
	if err != nil {
		return err
	}
	if repaid.IsZero() || seized.IsZero() {
		return fmt.Errorf("repay %s for %s: %w", repaid.Dec(), seized.Dec(), ErrSettlementTooSmall)
	}

	remaining := op.apply(liquid, owedID, PositiveWei(repaid))
	op.apply(solid, owedID, NegativeWei(repaid))
	op.apply(liquid, heldID, NegativeWei(seized))
	op.apply(solid, heldID, PositiveWei(seized))

	if expire && remaining.IsZero() {
		l.setExpiry(AccountKey{Account: liquid, Market: owedID}, time.Time{})
	}

	typ := ActionLiquidate
	if expire {
		typ = ActionExpire
	}
	op.receipt.Settlements = append(op.receipt.Settlements, Settlement{
		Type:       typ,
		Solid:      solid,
		Liquid:     liquid,
		OwedMarket: owedID,
		HeldMarket: heldID,
		OwedRepaid: repaid,
		HeldSeized: seized,
		OwedPrice:  owedPrice,
		HeldPrice:  heldPrice,
		Spread:     spread,
		Expiry:     expiry,
	})

	l.logger.Info().
		Str("type", typ.String()).
		Str("solid", solid.String()).
		Str("liquid", liquid.String()).
		Uint32("owed_market", uint32(owedID)).
		Uint32("held_market", uint32(heldID)).
		Str("owed_repaid", repaid.Dec()).
		Str("held_seized", seized.Dec()).
		Msg("position settled")
	return nil
}

func (op *operation) checkExpiry(a Action, liquid AccountInfo, owed MarketID) (time.Time, error) {
	want, err := DecodeExpireData(a.Data)
	if err != nil {
		return time.Time{}, err
	}
	registered, ok := op.l.expiries[AccountKey{Account: liquid, Market: owed}]
	if !ok {
		return time.Time{}, fmt.Errorf("%s market %d: %w", liquid, owed, ErrExpiryNotSet)
	}
	if registered.Unix() != want.Unix() {
		return time.Time{}, fmt.Errorf("registered %s, action %s: %w",
			registered.Format(time.RFC3339), want.Format(time.RFC3339), ErrExpiryMismatch)
	}
	if op.l.now().Before(registered) {
		return time.Time{}, fmt.Errorf("%s expires %s: %w", liquid, registered.Format(time.RFC3339), ErrNotExpired)
	}
	return registered, nil
}
