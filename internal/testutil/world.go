package testutil

import (
	"testing"
	"time"

	"IsoLedger/internal/config"
	"IsoLedger/internal/converter"
	"IsoLedger/internal/core"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/yield"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var (
	Governance  = common.HexToAddress("0x0000000000000000000000000000000000000600")
	LedgerAddr  = common.HexToAddress("0x0000000000000000000000000000000000001ed9")
	Liquidator  = common.HexToAddress("0x000000000000000000000000000000000000b07a")
	DAI         = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	WETH        = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	GLP         = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	PoolAddr    = common.HexToAddress("0x0000000000000000000000000000000000000f01")
	StakingAddr = common.HexToAddress("0x0000000000000000000000000000000000000f02")
	FactoryAddr = common.HexToAddress("0x0000000000000000000000000000000000000f03")
	Unwrapper   = common.HexToAddress("0x0000000000000000000000000000000000000f04")
	Wrapper     = common.HexToAddress("0x0000000000000000000000000000000000000f05")
	Seed        = common.HexToAddress("0x0000000000000000000000000000000000005eed")
	Lender      = common.HexToAddress("0x0000000000000000000000000000000000001e4d")
	Alice       = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	Bob         = common.HexToAddress("0x0000000000000000000000000000000000000b0b")

	// Genesis is the fixture's starting clock.
	Genesis = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

// WorldConfig is a GLP-style market: a 100M DAI pool with 90M shares
// outstanding, a 10M DAI lender in the ledger, and an isolated dGLP token
// with trusted unwrapper and wrapper converters.
func WorldConfig() *config.World {
	lenderAccount := uint64(0)
	return &config.World{
		Governance: Governance.Hex(),
		Ledger: config.LedgerConfig{
			Address:              LedgerAddr.Hex(),
			MinCollateralization: "1.15",
			LiquidationSpread:    "1.05",
			ExpiryRampTime:       time.Hour,
		},
		Liquidator: config.LiquidatorConfig{Address: Liquidator.Hex(), DustWei: "1000"},
		Tokens: []config.TokenConfig{
			{Symbol: "DAI", Address: DAI.Hex(), Decimals: 18, Price: "1"},
			{Symbol: "WETH", Address: WETH.Hex(), Decimals: 18, Price: "2000"},
			{Symbol: "GLP", Address: GLP.Hex(), Decimals: 18},
		},
		Pools: []config.PoolConfig{{
			Name: "glp", Address: PoolAddr.Hex(), Asset: "DAI", Share: "GLP",
			MintFee: "0.0025", RedeemFee: "0.003", MaxFee: "0.0075",
		}},
		Staking: []config.StakingConfig{{
			Name: "rewards", Address: StakingAddr.Hex(), Share: "GLP", Reward: "WETH",
		}},
		Factories: []config.FactoryConfig{{
			Symbol:         "dGLP",
			Address:        FactoryAddr.Hex(),
			Underlying:     "GLP",
			Pool:           "glp",
			Staking:        "rewards",
			Implementation: "0x363d3d373d3d3d363d73",
			AllowableDebt:  []string{"DAI"},
		}},
		Converters: []config.ConverterConfig{
			{Name: "unwrap", Kind: "unwrapper", Address: Unwrapper.Hex(), Factory: "dGLP", Policy: "forfeit", Trusted: true},
			{Name: "wrap", Kind: "wrapper", Address: Wrapper.Hex(), Factory: "dGLP", Trusted: true},
		},
		Genesis: []config.BalanceConfig{
			{Token: "DAI", Holder: PoolAddr.Hex(), Amount: "100000000"},
			{Token: "GLP", Holder: Seed.Hex(), Amount: "90000000"},
			{Token: "DAI", Holder: Lender.Hex(), Amount: "10000000", LedgerAccount: &lenderAccount},
		},
	}
}

// World is a built WorldConfig with its parts unpacked.
type World struct {
	*core.World
	T *testing.T

	Factory   *vault.Factory
	Pool      *yield.Pool
	Staking   *yield.Staking
	Unwrapper converter.Converter
	Wrapper   converter.Converter

	MarketDAI  ledger.MarketID
	MarketWETH ledger.MarketID
	MarketGLP  ledger.MarketID
	MarketISO  ledger.MarketID
}

func NewWorld(t *testing.T) *World {
	t.Helper()
	return NewWorldFrom(t, WorldConfig())
}

func NewWorldFrom(t *testing.T, cfg *config.World) *World {
	t.Helper()
	cw, err := core.BuildWorld(cfg, zerolog.Nop())
	require.NoError(t, err)
	cw.Clock.Advance(Genesis)

	w := &World{
		World:   cw,
		T:       t,
		Factory: cw.Factories[0],
		Pool:    cw.Pools["glp"],
		Staking: cw.Staking["rewards"],
	}
	for _, c := range cw.Converters {
		if c.Kind() == converter.KindUnwrapper {
			w.Unwrapper = c
		} else {
			w.Wrapper = c
		}
	}
	w.MarketDAI = w.market(DAI)
	w.MarketWETH = w.market(WETH)
	w.MarketGLP = w.market(GLP)
	w.MarketISO = w.Factory.MarketID()
	return w
}

func (w *World) market(tok common.Address) ledger.MarketID {
	id, err := w.Ledger.MarketIDByToken(tok)
	require.NoError(w.T, err)
	return id
}

// Ether returns n whole 18-decimal tokens.
func Ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

// Mint credits amount of tok to holder outside any ledger flow.
func (w *World) Mint(tok, holder common.Address, amount *uint256.Int) {
	w.T.Helper()
	require.NoError(w.T, w.Bank.Mint(tok, holder, amount))
}

// After moves the clock d past its current time.
func (w *World) After(d time.Duration) {
	w.Clock.Advance(w.Clock.Now().Add(d))
}

// CreateVault creates owner's vault.
func (w *World) CreateVault(owner common.Address) *vault.Vault {
	w.T.Helper()
	v, err := w.Factory.CreateVault(owner)
	require.NoError(w.T, err)
	return v
}

// FundVault mints GLP to owner and deposits it into ledger account n of
// owner's vault, creating the vault if needed.
func (w *World) FundVault(owner common.Address, n uint64, glp *uint256.Int) *vault.Vault {
	w.T.Helper()
	v := w.Factory.Vault(owner)
	if v == nil {
		v = w.CreateVault(owner)
	}
	w.Mint(GLP, owner, glp)
	require.NoError(w.T, v.DepositIntoVaultForLedger(owner, n, glp))
	return v
}

// Borrower is the standard liquidation scenario: owner's vault account 0
// holds 1000 dGLP against 700 DAI of debt.
func (w *World) Borrower(owner common.Address) *vault.Vault {
	w.T.Helper()
	v := w.FundVault(owner, 0, Ether(1000))
	require.NoError(w.T, v.WithdrawOtherToken(owner, 0, w.MarketDAI, Ether(700)))
	return v
}

// DrainPool removes pct percent of the pool's backing, as a loss of AUM.
func (w *World) DrainPool(pct uint64) {
	w.T.Helper()
	loss := new(uint256.Int).Mul(w.Pool.TotalValue(), uint256.NewInt(pct))
	loss.Div(loss, uint256.NewInt(100))
	require.NoError(w.T, w.Bank.Burn(DAI, PoolAddr, loss))
}

// Balance returns acct's ledger balance in market.
func (w *World) Balance(acct ledger.AccountInfo, market ledger.MarketID) ledger.Wei {
	return w.Ledger.GetAccountWei(acct, market)
}
