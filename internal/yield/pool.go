package yield

import (
	"errors"
	"fmt"

	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/state"
	"IsoLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientLiquidity = errors.New("insufficient pool liquidity")
	ErrInsufficientOutput    = errors.New("insufficient output amount")
	ErrInvalidFeeConfig      = errors.New("invalid fee configuration")
)

// PoolConfig describes a single-asset share pool: depositors mint shares
// against the asset and redeem shares for a pro-rata slice of it.
type PoolConfig struct {
	Address      common.Address
	Asset        common.Address
	Share        common.Address
	MintFeeBps   uint64
	RedeemFeeBps uint64
	MaxFeeBps    uint64
}

// Pool is the external minting/redemption mechanism behind an isolated
// collateral token. Its value is the asset balance it custodies and its
// supply is the share token's total supply.
type Pool struct {
	cfg      PoolConfig
	bank     *token.Bank
	journal  *state.Journal
	reserved uint256.Int
}

// NewPool validates the fee schedule. The redeem fee must be at least
// MaxFeeBps²/10000: the oracle discounts by (1-max) while a redemption
// discounts by (1-redeem), and (1-redeem)/(1-max) <= 1+max only holds when
// redeem >= max².
func NewPool(cfg PoolConfig, bank *token.Bank, journal *state.Journal) (*Pool, error) {
	if cfg.MaxFeeBps > fpmath.BpsDenominator ||
		cfg.MintFeeBps > cfg.MaxFeeBps || cfg.RedeemFeeBps > cfg.MaxFeeBps ||
		cfg.RedeemFeeBps*fpmath.BpsDenominator < cfg.MaxFeeBps*cfg.MaxFeeBps {
		return nil, fmt.Errorf("pool %s fees mint=%d redeem=%d max=%d: %w",
			cfg.Address.Hex(), cfg.MintFeeBps, cfg.RedeemFeeBps, cfg.MaxFeeBps, ErrInvalidFeeConfig)
	}
	return &Pool{cfg: cfg, bank: bank, journal: journal}, nil
}

func (p *Pool) Address() common.Address { return p.cfg.Address }
func (p *Pool) Asset() common.Address   { return p.cfg.Asset }
func (p *Pool) Share() common.Address   { return p.cfg.Share }
func (p *Pool) MintFeeBps() uint64      { return p.cfg.MintFeeBps }
func (p *Pool) RedeemFeeBps() uint64    { return p.cfg.RedeemFeeBps }
func (p *Pool) MaxFeeBps() uint64       { return p.cfg.MaxFeeBps }

// TotalValue is the asset balance held by the pool.
func (p *Pool) TotalValue() *uint256.Int {
	return p.bank.BalanceOf(p.cfg.Asset, p.cfg.Address)
}

// TotalShares is the outstanding share supply.
func (p *Pool) TotalShares() *uint256.Int {
	return p.bank.TotalSupply(p.cfg.Share)
}

// AvailableLiquidity is the part of TotalValue that can be paid out.
func (p *Pool) AvailableLiquidity() *uint256.Int {
	value := p.TotalValue()
	if value.Lt(&p.reserved) {
		return new(uint256.Int)
	}
	return value.Sub(value, &p.reserved)
}

func (p *Pool) Reserved() *uint256.Int { return p.reserved.Clone() }

// SetReserved earmarks pool assets that back obligations elsewhere and so
// cannot be redeemed.
func (p *Pool) SetReserved(amount *uint256.Int) {
	prev := p.reserved
	p.journal.Record(func() { p.reserved = prev })
	p.reserved = *amount
}

// QuoteRedeem returns the asset amount Redeem would pay for shares at the
// current pool state.
func (p *Pool) QuoteRedeem(shares *uint256.Int) (*uint256.Int, error) {
	return fpmath.RedeemOutput(shares, p.TotalValue(), p.TotalShares(), p.cfg.RedeemFeeBps)
}

// QuoteMint returns the share amount Mint would issue for amount at the
// current pool state.
func (p *Pool) QuoteMint(amount *uint256.Int) (*uint256.Int, error) {
	return fpmath.MintOutput(amount, p.TotalValue(), p.TotalShares(), p.cfg.MintFeeBps)
}

// Redeem burns shares held by account and pays the asset to receiver.
func (p *Pool) Redeem(account common.Address, shares, minOut *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := p.journal.Atomic(func() error {
		quoted, err := p.QuoteRedeem(shares)
		if err != nil {
			return fmt.Errorf("redeem %s shares: %w", shares.Dec(), err)
		}
		if quoted.Lt(minOut) {
			return fmt.Errorf("redeem %s shares: got %s, want at least %s: %w",
				shares.Dec(), quoted.Dec(), minOut.Dec(), ErrInsufficientOutput)
		}
		if available := p.AvailableLiquidity(); available.Lt(quoted) {
			return fmt.Errorf("redeem %s shares for %s: available %s: %w",
				shares.Dec(), quoted.Dec(), available.Dec(), ErrInsufficientLiquidity)
		}
		if err := p.bank.Burn(p.cfg.Share, account, shares); err != nil {
			return err
		}
		if err := p.bank.Transfer(p.cfg.Asset, p.cfg.Address, receiver, quoted); err != nil {
			return err
		}
		out = quoted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Mint pulls amount of the asset from account and issues shares to receiver.
func (p *Pool) Mint(account common.Address, amount, minShares *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := p.journal.Atomic(func() error {
		quoted, err := p.QuoteMint(amount)
		if err != nil {
			return fmt.Errorf("mint with %s: %w", amount.Dec(), err)
		}
		if quoted.Lt(minShares) {
			return fmt.Errorf("mint with %s: got %s shares, want at least %s: %w",
				amount.Dec(), quoted.Dec(), minShares.Dec(), ErrInsufficientOutput)
		}
		if err := p.bank.Transfer(p.cfg.Asset, account, p.cfg.Address, amount); err != nil {
			return err
		}
		if err := p.bank.Mint(p.cfg.Share, receiver, quoted); err != nil {
			return err
		}
		out = quoted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
