package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	fpmath "IsoLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrInvalidRatio   = errors.New("invalid ratio")
	ErrUnknownRef     = errors.New("unknown reference")
	ErrDuplicateName  = errors.New("duplicate name")
)

// World describes the markets, pools, factories and converters the engine
// starts with. Token amounts and prices are human-readable decimals.
type World struct {
	Governance string            `yaml:"governance"`
	Ledger     LedgerConfig      `yaml:"ledger"`
	Liquidator LiquidatorConfig  `yaml:"liquidator"`
	Tokens     []TokenConfig     `yaml:"tokens"`
	Pools      []PoolConfig      `yaml:"pools"`
	Staking    []StakingConfig   `yaml:"staking"`
	Factories  []FactoryConfig   `yaml:"factories"`
	Converters []ConverterConfig `yaml:"converters"`
	Genesis    []BalanceConfig   `yaml:"genesis"`
}

type LedgerConfig struct {
	Address              string        `yaml:"address"`
	MinCollateralization string        `yaml:"min_collateralization"`
	LiquidationSpread    string        `yaml:"liquidation_spread"`
	ExpiryRampTime       time.Duration `yaml:"expiry_ramp_time"`
}

type LiquidatorConfig struct {
	Address string `yaml:"address"`
	// DustWei is an integer amount in the converter output token's base units.
	DustWei string `yaml:"dust_wei"`
}

type TokenConfig struct {
	Symbol   string `yaml:"symbol"`
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
	// Price in USD. Empty for tokens priced by a pool.
	Price string `yaml:"price"`
}

type PoolConfig struct {
	Name      string `yaml:"name"`
	Address   string `yaml:"address"`
	Asset     string `yaml:"asset"`
	Share     string `yaml:"share"`
	MintFee   string `yaml:"mint_fee"`
	RedeemFee string `yaml:"redeem_fee"`
	MaxFee    string `yaml:"max_fee"`
}

type StakingConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Share   string `yaml:"share"`
	Reward  string `yaml:"reward"`
}

type FactoryConfig struct {
	Symbol              string   `yaml:"symbol"`
	Address             string   `yaml:"address"`
	Underlying          string   `yaml:"underlying"`
	Pool                string   `yaml:"pool"`
	Staking             string   `yaml:"staking"`
	Implementation      string   `yaml:"implementation"`
	AllowableCollateral []string `yaml:"allowable_collateral"`
	AllowableDebt       []string `yaml:"allowable_debt"`
}

type ConverterConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	Address string `yaml:"address"`
	Factory string `yaml:"factory"`
	Policy  string `yaml:"policy"`
	Trusted bool   `yaml:"trusted"`
}

// BalanceConfig mints a genesis balance. With LedgerAccount set the minted
// amount is deposited into that ledger account of the holder.
type BalanceConfig struct {
	Token         string  `yaml:"token"`
	Holder        string  `yaml:"holder"`
	Amount        string  `yaml:"amount"`
	LedgerAccount *uint64 `yaml:"ledger_account"`
}

func LoadWorld(path string) (*World, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read world file: %w", err)
	}
	return ParseWorld(data)
}

func ParseWorld(data []byte) (*World, error) {
	var w World
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse world: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks names are unique and every cross reference resolves.
// Numeric fields are checked when the world is built.
func (w *World) Validate() error {
	markets := make(map[string]bool)
	for _, t := range w.Tokens {
		if markets[t.Symbol] {
			return fmt.Errorf("token %q: %w", t.Symbol, ErrDuplicateName)
		}
		markets[t.Symbol] = true
	}
	pools := make(map[string]bool)
	for _, p := range w.Pools {
		if pools[p.Name] {
			return fmt.Errorf("pool %q: %w", p.Name, ErrDuplicateName)
		}
		if !markets[p.Asset] || !markets[p.Share] {
			return fmt.Errorf("pool %q tokens %s/%s: %w", p.Name, p.Asset, p.Share, ErrUnknownRef)
		}
		pools[p.Name] = true
	}
	stakings := make(map[string]bool)
	for _, s := range w.Staking {
		if stakings[s.Name] {
			return fmt.Errorf("staking %q: %w", s.Name, ErrDuplicateName)
		}
		if !markets[s.Share] || !markets[s.Reward] {
			return fmt.Errorf("staking %q tokens %s/%s: %w", s.Name, s.Share, s.Reward, ErrUnknownRef)
		}
		stakings[s.Name] = true
	}
	factories := make(map[string]bool)
	for _, f := range w.Factories {
		if markets[f.Symbol] {
			return fmt.Errorf("factory %q: %w", f.Symbol, ErrDuplicateName)
		}
		if !markets[f.Underlying] {
			return fmt.Errorf("factory %q underlying %s: %w", f.Symbol, f.Underlying, ErrUnknownRef)
		}
		if !pools[f.Pool] {
			return fmt.Errorf("factory %q pool %s: %w", f.Symbol, f.Pool, ErrUnknownRef)
		}
		if !stakings[f.Staking] {
			return fmt.Errorf("factory %q staking %s: %w", f.Symbol, f.Staking, ErrUnknownRef)
		}
		markets[f.Symbol] = true
		factories[f.Symbol] = true
	}
	for _, f := range w.Factories {
		for _, m := range append(append([]string{}, f.AllowableCollateral...), f.AllowableDebt...) {
			if !markets[m] {
				return fmt.Errorf("factory %q allowable market %s: %w", f.Symbol, m, ErrUnknownRef)
			}
		}
	}
	converters := make(map[string]bool)
	for _, c := range w.Converters {
		if converters[c.Name] {
			return fmt.Errorf("converter %q: %w", c.Name, ErrDuplicateName)
		}
		if !factories[c.Factory] {
			return fmt.Errorf("converter %q factory %s: %w", c.Name, c.Factory, ErrUnknownRef)
		}
		converters[c.Name] = true
	}
	for _, b := range w.Genesis {
		if !markets[b.Token] || factories[b.Token] {
			return fmt.Errorf("genesis balance token %s: %w", b.Token, ErrUnknownRef)
		}
	}
	return nil
}

// Token looks up a token by symbol.
func (w *World) Token(symbol string) (TokenConfig, bool) {
	for _, t := range w.Tokens {
		if t.Symbol == symbol {
			return t, true
		}
	}
	return TokenConfig{}, false
}

func ParseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%q: %w", s, ErrInvalidAddress)
	}
	return common.HexToAddress(s), nil
}

// ParseAmount converts a decimal string into base units of a token with the
// given decimals. Fractions finer than the token's precision are rejected.
func ParseAmount(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", s, ErrInvalidAmount)
	}
	return toBaseUnits(d, int32(decimals))
}

// ParsePrice converts a USD price into the ledger's price scale, where
// value = wei * price carries 36 decimals.
func ParsePrice(s string, decimals uint8) (*uint256.Int, error) {
	if decimals > fpmath.PriceDecimals {
		return nil, fmt.Errorf("decimals %d: %w", decimals, ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("price %q: %w", s, ErrInvalidAmount)
	}
	return toBaseUnits(d, int32(fpmath.PriceDecimals)-int32(decimals))
}

func toBaseUnits(d decimal.Decimal, shift int32) (*uint256.Int, error) {
	scaled := d.Shift(shift)
	if scaled.IsNegative() || !scaled.IsInteger() {
		return nil, fmt.Errorf("%s at %d decimals: %w", d, shift, ErrInvalidAmount)
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%s overflows: %w", d, ErrInvalidAmount)
	}
	return v, nil
}

// FormatAmount renders base units as a decimal string.
func FormatAmount(v *uint256.Int, decimals uint8) string {
	return decimal.NewFromBigInt(v.ToBig(), -int32(decimals)).String()
}

// ParseRatio turns a decimal such as "1.15" into the exact fraction 115/100.
func ParseRatio(s string) (fpmath.Ratio, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return fpmath.Ratio{}, fmt.Errorf("%q: %w", s, ErrInvalidRatio)
	}
	exp := d.Exponent()
	if exp >= 0 {
		if !d.BigInt().IsUint64() {
			return fpmath.Ratio{}, fmt.Errorf("%q: %w", s, ErrInvalidRatio)
		}
		return fpmath.Ratio{Num: d.BigInt().Uint64(), Den: 1}, nil
	}
	coef := d.Coefficient()
	if -exp > 18 || !coef.IsUint64() {
		return fpmath.Ratio{}, fmt.Errorf("%q too precise: %w", s, ErrInvalidRatio)
	}
	den := decimal.New(1, -exp).BigInt().Uint64()
	return fpmath.Ratio{Num: coef.Uint64(), Den: den}, nil
}

// ParseBps turns a fee fraction such as "0.003" into basis points.
func ParseBps(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("fee %q: %w", s, ErrInvalidRatio)
	}
	bps := d.Shift(4)
	if bps.IsNegative() || !bps.IsInteger() || bps.GreaterThan(decimal.NewFromInt(fpmath.BpsDenominator)) {
		return 0, fmt.Errorf("fee %q: %w", s, ErrInvalidRatio)
	}
	return bps.BigInt().Uint64(), nil
}
