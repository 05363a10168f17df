package config_test

import (
	"testing"
	"time"

	"IsoLedger/internal/config"
	fpmath "IsoLedger/internal/math"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const worldYAML = `
governance: "0x5aA3393e361C2EB342408BBB3A3e1D9C4EEc7A2C"
ledger:
  address: "0x6Bd780E7fDf01D77e4d475c821f1e7AE05409072"
  min_collateralization: "1.15"
  liquidation_spread: "1.05"
  expiry_ramp_time: 1h
tokens:
  - {symbol: DAI, address: "0x00000000000000000000000000000000000000d1", decimals: 18, price: "1"}
  - {symbol: GLP, address: "0x00000000000000000000000000000000000000a1", decimals: 18}
  - {symbol: WETH, address: "0x00000000000000000000000000000000000000e1", decimals: 18, price: "2000"}
pools:
  - {name: glp, address: "0x0000000000000000000000000000000000000f01", asset: DAI, share: GLP, max_fee: "0.0075"}
staking:
  - {name: rewards, address: "0x0000000000000000000000000000000000000f02", share: GLP, reward: WETH}
factories:
  - symbol: dGLP
    address: "0x0000000000000000000000000000000000000f03"
    underlying: GLP
    pool: glp
    staking: rewards
    allowable_debt: [DAI]
converters:
  - {name: unwrap, kind: unwrapper, address: "0x0000000000000000000000000000000000000f04", factory: dGLP, trusted: true}
genesis:
  - {token: DAI, holder: "0x0000000000000000000000000000000000000f01", amount: "100", ledger_account: 3}
`

// ============================================================================
// Test: World file
// ============================================================================

func TestParseWorld(t *testing.T) {
	w, err := config.ParseWorld([]byte(worldYAML))
	require.NoError(t, err)

	assert.Equal(t, time.Hour, w.Ledger.ExpiryRampTime)
	assert.Len(t, w.Tokens, 3)
	require.Len(t, w.Factories, 1)
	assert.Equal(t, []string{"DAI"}, w.Factories[0].AllowableDebt)
	assert.True(t, w.Converters[0].Trusted)
	require.NotNil(t, w.Genesis[0].LedgerAccount)
	assert.Equal(t, uint64(3), *w.Genesis[0].LedgerAccount)

	tok, ok := w.Token("WETH")
	require.True(t, ok)
	assert.Equal(t, "2000", tok.Price)
}

func TestParseWorld_UnknownReference(t *testing.T) {
	w, err := config.ParseWorld([]byte(worldYAML))
	require.NoError(t, err)

	w.Converters[0].Factory = "nope"
	assert.ErrorIs(t, w.Validate(), config.ErrUnknownRef)
}

func TestParseWorld_FactoryShadowsToken(t *testing.T) {
	w, err := config.ParseWorld([]byte(worldYAML))
	require.NoError(t, err)

	w.Factories[0].Symbol = "DAI"
	assert.ErrorIs(t, w.Validate(), config.ErrDuplicateName)
}

func TestParseWorld_GenesisCannotMintIsolatedToken(t *testing.T) {
	w, err := config.ParseWorld([]byte(worldYAML))
	require.NoError(t, err)

	w.Genesis[0].Token = "dGLP"
	assert.ErrorIs(t, w.Validate(), config.ErrUnknownRef)
}

// ============================================================================
// Test: Numeric parsing
// ============================================================================

func TestParseRatio(t *testing.T) {
	cases := map[string]fpmath.Ratio{
		"1.15": {Num: 115, Den: 100},
		"1.05": {Num: 105, Den: 100},
		"2":    {Num: 2, Den: 1},
		"0.5":  {Num: 5, Den: 10},
	}
	for in, want := range cases {
		got, err := config.ParseRatio(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "abc", "0", "-1.1"} {
		_, err := config.ParseRatio(bad)
		assert.ErrorIs(t, err, config.ErrInvalidRatio, bad)
	}
}

func TestParseAmount(t *testing.T) {
	v, err := config.ParseAmount("1.5", 18)
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", v.Dec())

	v, err = config.ParseAmount("100", 6)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt(100_000_000), v)

	_, err = config.ParseAmount("0.0000001", 6)
	assert.ErrorIs(t, err, config.ErrInvalidAmount)

	_, err = config.ParseAmount("-1", 18)
	assert.ErrorIs(t, err, config.ErrInvalidAmount)
}

func TestParsePrice(t *testing.T) {
	// $1 for an 18-decimal token: one whole token (1e18 wei) is worth 1e36.
	v, err := config.ParsePrice("1", 18)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.Dec())

	// $1 for a 6-decimal token.
	v, err = config.ParsePrice("1", 6)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000000000000000", v.Dec())
}

func TestParseBps(t *testing.T) {
	bps, err := config.ParseBps("0.0075")
	require.NoError(t, err)
	assert.Equal(t, uint64(75), bps)

	bps, err = config.ParseBps("")
	require.NoError(t, err)
	assert.Zero(t, bps)

	_, err = config.ParseBps("0.00001")
	assert.ErrorIs(t, err, config.ErrInvalidRatio)

	_, err = config.ParseBps("1.5")
	assert.ErrorIs(t, err, config.ErrInvalidRatio)
}

func TestFormatAmount(t *testing.T) {
	v, err := config.ParseAmount("1234.5", 18)
	require.NoError(t, err)
	assert.Equal(t, "1234.5", config.FormatAmount(v, 18))
}
