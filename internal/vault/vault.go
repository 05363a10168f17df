package vault

import (
	"errors"
	"fmt"

	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrReentrantCall           = errors.New("reentrant call")
	ErrOnlyOwner               = errors.New("only owner can call")
	ErrOnlyFactory             = errors.New("only factory can call")
	ErrOnlyOwnerOrFactory      = errors.New("only owner or factory can call")
	ErrInvalidSender           = errors.New("invalid sender")
	ErrAlreadyAcceptedTransfer = errors.New("cannot accept full account transfer twice")
	ErrInsufficientUnderlying  = errors.New("insufficient underlying balance")
	ErrIsolatedMarket          = errors.New("market is isolated")
	ErrZeroAmount              = errors.New("zero amount")
)

// UnwindPolicy selects how an active vesting schedule is cancelled when a
// withdrawal needs the vesting pair back.
type UnwindPolicy uint8

const (
	// UnwindForfeit burns the accrued vesting rewards.
	UnwindForfeit UnwindPolicy = iota
	// UnwindComplete keeps them as claimable rewards.
	UnwindComplete
)

func (p UnwindPolicy) String() string {
	if p == UnwindComplete {
		return "complete"
	}
	return "forfeit"
}

// Trader performs a swap for a ledger account. Vaults cannot borrow the
// isolated asset, so conversions into it go through a trader.
type Trader interface {
	Swap(caller common.Address, account ledger.AccountInfo, inputMarket, outputMarket ledger.MarketID, amount, minOut *uint256.Int) (*uint256.Int, error)
}

// Vault custodies one owner's underlying tokens. The tokens sit idle in the
// vault or in the staking router as staked or vesting shares; all three count
// toward the underlying balance backing the vault's ledger accounts.
type Vault struct {
	address common.Address
	owner   common.Address
	factory *Factory

	entered          bool
	acceptedTransfer bool
}

func (v *Vault) Address() common.Address { return v.address }
func (v *Vault) Owner() common.Address   { return v.owner }

// Account returns the vault's ledger account with the given number.
func (v *Vault) Account(number uint64) ledger.AccountInfo {
	return ledger.AccountInfo{Owner: v.address, Number: number}
}

func (v *Vault) IdleBalance() *uint256.Int {
	return v.factory.bank.BalanceOf(v.factory.underlying, v.address)
}

func (v *Vault) StakedBalance() *uint256.Int {
	return v.factory.staking.StakedBalance(v.address)
}

func (v *Vault) VestingBalance() *uint256.Int {
	return v.factory.staking.VestingBalance(v.address)
}

// UnderlyingBalanceOf returns idle + staked + vesting.
func (v *Vault) UnderlyingBalanceOf() *uint256.Int {
	total := v.IdleBalance()
	total.Add(total, v.StakedBalance())
	total.Add(total, v.VestingBalance())
	return total
}

func (v *Vault) HasAcceptedFullAccountTransfer() bool {
	return v.acceptedTransfer
}

// guarded rejects re-entry before checking auth, then runs fn atomically.
func (v *Vault) guarded(op string, auth func() error, fn func() error) error {
	if v.entered {
		return fmt.Errorf("%s on vault %s: %w", op, v.address.Hex(), ErrReentrantCall)
	}
	if err := auth(); err != nil {
		return fmt.Errorf("%s on vault %s: %w", op, v.address.Hex(), err)
	}
	v.entered = true
	defer func() { v.entered = false }()
	return v.factory.journal.Atomic(fn)
}

func (v *Vault) onlyOwner(caller common.Address) func() error {
	return func() error {
		if caller != v.owner {
			return fmt.Errorf("%s: %w", caller.Hex(), ErrOnlyOwner)
		}
		return nil
	}
}

func (v *Vault) onlyFactory(caller common.Address) error {
	if caller != v.factory.address {
		return fmt.Errorf("%s: %w", caller.Hex(), ErrOnlyFactory)
	}
	return nil
}

// === Owner entry points ===

// DepositIntoVaultForLedger pulls amount of the underlying from the owner and
// credits it to the vault's ledger account.
func (v *Vault) DepositIntoVaultForLedger(caller common.Address, toAccountNumber uint64, amount *uint256.Int) error {
	return v.guarded("deposit", v.onlyOwner(caller), func() error {
		return v.factory.depositIntoLedger(v, toAccountNumber, amount)
	})
}

// WithdrawFromVaultForLedger debits the vault's ledger account and returns
// the underlying to the owner, unwinding staked and vesting shares if needed.
func (v *Vault) WithdrawFromVaultForLedger(caller common.Address, fromAccountNumber uint64, amount *uint256.Int, policy UnwindPolicy) error {
	return v.guarded("withdraw", v.onlyOwner(caller), func() error {
		return v.factory.withdrawFromLedger(v, fromAccountNumber, amount, policy)
	})
}

func (v *Vault) Stake(caller common.Address, amount *uint256.Int) error {
	return v.guarded("stake", v.onlyOwner(caller), func() error {
		return v.factory.staking.Stake(v.address, amount)
	})
}

func (v *Vault) Unstake(caller common.Address, amount *uint256.Int) error {
	return v.guarded("unstake", v.onlyOwner(caller), func() error {
		return v.factory.staking.Unstake(v.address, amount, v.address)
	})
}

func (v *Vault) Vest(caller common.Address, amount *uint256.Int) error {
	return v.guarded("vest", v.onlyOwner(caller), func() error {
		return v.factory.staking.Vest(v.address, amount)
	})
}

func (v *Vault) Unvest(caller common.Address, policy UnwindPolicy) error {
	return v.guarded("unvest", v.onlyOwner(caller), func() error {
		return v.factory.staking.Unvest(v.address, policy == UnwindForfeit)
	})
}

// ClaimRewards pays the vault's claimable staking rewards to the owner.
func (v *Vault) ClaimRewards(caller common.Address) (*uint256.Int, error) {
	var claimed *uint256.Int
	err := v.guarded("claim rewards", v.onlyOwner(caller), func() error {
		var err error
		claimed, err = v.factory.staking.Claim(v.address, v.owner)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// DepositOtherToken moves a non-isolated token from the owner into one of the
// vault's ledger accounts.
func (v *Vault) DepositOtherToken(caller common.Address, toAccountNumber uint64, market ledger.MarketID, amount *uint256.Int) error {
	return v.guarded("deposit other token", v.onlyOwner(caller), func() error {
		m, err := v.plainMarket(market)
		if err != nil {
			return err
		}
		if err := v.factory.bank.Transfer(m.Token, v.owner, v.address, amount); err != nil {
			return err
		}
		_, err = v.factory.ledger.Operate(v.address, []ledger.AccountInfo{v.Account(toAccountNumber)}, []ledger.Action{{
			Type: ledger.ActionDeposit, PrimaryMarketID: market, Amount: amount, OtherAddress: v.address,
		}})
		return err
	})
}

// WithdrawOtherToken sends a non-isolated token from one of the vault's
// ledger accounts to the owner. Withdrawing past zero borrows.
func (v *Vault) WithdrawOtherToken(caller common.Address, fromAccountNumber uint64, market ledger.MarketID, amount *uint256.Int) error {
	return v.guarded("withdraw other token", v.onlyOwner(caller), func() error {
		if _, err := v.plainMarket(market); err != nil {
			return err
		}
		_, err := v.factory.ledger.Operate(v.address, []ledger.AccountInfo{v.Account(fromAccountNumber)}, []ledger.Action{{
			Type: ledger.ActionWithdraw, PrimaryMarketID: market, Amount: amount, OtherAddress: v.owner,
		}})
		return err
	})
}

// SwapExactInputForOutput trades inside one of the vault's ledger accounts.
func (v *Vault) SwapExactInputForOutput(
	caller common.Address,
	trader Trader,
	accountNumber uint64,
	inputMarket, outputMarket ledger.MarketID,
	amount, minOut *uint256.Int,
) (*uint256.Int, error) {
	var out *uint256.Int
	err := v.guarded("swap", v.onlyOwner(caller), func() error {
		var err error
		out, err = trader.Swap(v.address, v.Account(accountNumber), inputMarket, outputMarket, amount, minOut)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptFullAccountTransfer takes over sender's whole staking position and
// credits it to ledger account 0. It can succeed only once per vault.
func (v *Vault) AcceptFullAccountTransfer(caller, sender common.Address) error {
	auth := func() error {
		if caller != v.owner && caller != v.factory.address {
			return fmt.Errorf("%s: %w", caller.Hex(), ErrOnlyOwnerOrFactory)
		}
		return nil
	}
	return v.guarded("accept full account transfer", auth, func() error {
		if sender == (common.Address{}) {
			return ErrInvalidSender
		}
		if v.acceptedTransfer {
			return ErrAlreadyAcceptedTransfer
		}
		moved, err := v.factory.staking.AcceptTransfer(v.address, sender)
		if err != nil {
			return err
		}
		v.acceptedTransfer = true
		v.factory.journal.Record(func() { v.acceptedTransfer = false })

		amount := new(uint256.Int).Add(&moved.Staked, &moved.Vesting)
		if amount.IsZero() {
			return nil
		}
		return v.factory.depositIntoLedgerFromVault(v, 0, amount)
	})
}

// === Factory entry points ===

// ExecuteDepositIntoVault pulls amount of the underlying from from.
func (v *Vault) ExecuteDepositIntoVault(caller, from common.Address, amount *uint256.Int) error {
	if err := v.onlyFactory(caller); err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	return v.factory.bank.Transfer(v.factory.underlying, from, v.address, amount)
}

// ExecuteWithdrawalFromVault sends amount of the underlying to to. When the
// idle balance falls short, staked shares are unstaked first, then the
// vesting schedule is cancelled per policy and its pair unstaked.
func (v *Vault) ExecuteWithdrawalFromVault(caller, to common.Address, amount *uint256.Int, policy UnwindPolicy) error {
	if err := v.onlyFactory(caller); err != nil {
		return err
	}
	if amount.IsZero() {
		return ErrZeroAmount
	}
	return v.factory.journal.Atomic(func() error {
		if err := v.unwind(amount, policy); err != nil {
			return err
		}
		return v.factory.bank.Transfer(v.factory.underlying, v.address, to, amount)
	})
}

func (v *Vault) unwind(amount *uint256.Int, policy UnwindPolicy) error {
	idle := v.IdleBalance()
	if !idle.Lt(amount) {
		return nil
	}
	if total := v.UnderlyingBalanceOf(); total.Lt(amount) {
		return fmt.Errorf("vault %s needs %s, holds %s: %w",
			v.address.Hex(), amount.Dec(), total.Dec(), ErrInsufficientUnderlying)
	}
	staking := v.factory.staking
	shortfall := new(uint256.Int).Sub(amount, idle)

	if staked := staking.StakedBalance(v.address); !staked.IsZero() {
		step := fpmath.Min(staked, shortfall)
		if err := staking.Unstake(v.address, step, v.address); err != nil {
			return err
		}
		shortfall.Sub(shortfall, step)
	}
	if shortfall.IsZero() {
		return nil
	}

	if err := staking.Unvest(v.address, policy == UnwindForfeit); err != nil {
		return err
	}
	return staking.Unstake(v.address, shortfall, v.address)
}

func (v *Vault) plainMarket(id ledger.MarketID) (*ledger.Market, error) {
	m, err := v.factory.ledger.Market(id)
	if err != nil {
		return nil, err
	}
	if m.IsIsolated() {
		return nil, fmt.Errorf("market %d: %w", id, ErrIsolatedMarket)
	}
	return m, nil
}
