package converter_test

import (
	"math/rand"
	"testing"

	"IsoLedger/internal/converter"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/yield"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = testutil.Alice
	ether = testutil.Ether
)

// randomAmount returns between 1 and 1000 whole tokens plus a random wei
// remainder.
func randomAmount(r *rand.Rand) *uint256.Int {
	amount := ether(1 + r.Uint64()%1000)
	return amount.Add(amount, uint256.NewInt(r.Uint64()%1e18))
}

// ============================================================================
// Test: Quote/Settle Equivalence
// ============================================================================

func TestUnwrapper_QuoteMatchesSettlement(t *testing.T) {
	w := testutil.NewWorld(t)
	v := w.FundVault(alice, 0, ether(100_000))
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 10; i++ {
		amount := randomAmount(r)
		quoted, err := w.Unwrapper.GetExchangeCost(testutil.FactoryAddr, testutil.DAI, amount, nil)
		require.NoError(t, err)

		out, err := v.SwapExactInputForOutput(alice, w.Liquidator, 0, w.MarketISO, w.MarketDAI, amount, quoted)
		require.NoError(t, err, "amount %s", amount.Dec())
		assert.Equal(t, quoted, out, "amount %s", amount.Dec())
	}

	assert.True(t, w.Bank.BalanceOf(testutil.FactoryAddr, testutil.Unwrapper).IsZero())
	assert.True(t, w.Bank.BalanceOf(testutil.DAI, testutil.Unwrapper).IsZero())
	assert.True(t, w.Bank.BalanceOf(testutil.GLP, testutil.Unwrapper).IsZero())
	_, pending := w.Factory.PendingTransfer(testutil.Unwrapper)
	assert.False(t, pending)
	require.NoError(t, w.CheckInvariants())
}

func TestWrapper_QuoteMatchesSettlement(t *testing.T) {
	w := testutil.NewWorld(t)
	v := w.CreateVault(alice)
	w.Mint(testutil.DAI, alice, ether(20_000))
	require.NoError(t, v.DepositOtherToken(alice, 1, w.MarketDAI, ether(20_000)))
	r := rand.New(rand.NewSource(11))

	for i := 0; i < 10; i++ {
		amount := randomAmount(r)
		quoted, err := w.Wrapper.GetExchangeCost(testutil.DAI, testutil.FactoryAddr, amount, nil)
		require.NoError(t, err)

		before := v.UnderlyingBalanceOf()
		out, err := v.SwapExactInputForOutput(alice, w.Liquidator, 1, w.MarketDAI, w.MarketISO, amount, quoted)
		require.NoError(t, err, "amount %s", amount.Dec())
		assert.Equal(t, quoted, out, "amount %s", amount.Dec())
		assert.Equal(t, before.Add(before, quoted), v.UnderlyingBalanceOf())
	}

	assert.True(t, w.Bank.BalanceOf(testutil.FactoryAddr, testutil.Wrapper).IsZero())
	assert.True(t, w.Bank.BalanceOf(testutil.GLP, testutil.Wrapper).IsZero())
	require.NoError(t, w.CheckInvariants())
}

// ============================================================================
// Test: Pricing
// ============================================================================

func TestUnwrapper_PremiumOverOracleIsBounded(t *testing.T) {
	w := testutil.NewWorld(t)
	amount := ether(9_000_000) // ~$10M of GLP

	quoted, err := w.Unwrapper.GetExchangeCost(testutil.FactoryAddr, testutil.DAI, amount, nil)
	require.NoError(t, err)
	isoPrice, err := w.Ledger.GetMarketPrice(w.MarketISO)
	require.NoError(t, err)
	daiPrice, err := w.Ledger.GetMarketPrice(w.MarketDAI)
	require.NoError(t, err)

	fair := new(uint256.Int).Mul(amount, isoPrice)
	got := new(uint256.Int).Mul(quoted, daiPrice)
	assert.False(t, got.Lt(fair), "quote %s below oracle value", quoted.Dec())

	ceiling := new(uint256.Int).Mul(fair, uint256.NewInt(10_000+w.Pool.MaxFeeBps()))
	scaled := new(uint256.Int).Mul(got, uint256.NewInt(10_000))
	assert.False(t, scaled.Gt(ceiling), "quote %s above oracle value plus max fee", quoted.Dec())
}

func TestConverter_GetExchangeCostValidatesPair(t *testing.T) {
	w := testutil.NewWorld(t)

	_, err := w.Unwrapper.GetExchangeCost(testutil.DAI, testutil.FactoryAddr, ether(1), nil)
	assert.ErrorIs(t, err, converter.ErrInvalidInputToken)
	_, err = w.Unwrapper.GetExchangeCost(testutil.FactoryAddr, testutil.WETH, ether(1), nil)
	assert.ErrorIs(t, err, converter.ErrInvalidOutputToken)
	_, err = w.Wrapper.GetExchangeCost(testutil.DAI, testutil.FactoryAddr, new(uint256.Int), nil)
	assert.ErrorIs(t, err, converter.ErrInvalidInputAmount)
}

func TestConverter_CreateActionsValidatesMarkets(t *testing.T) {
	w := testutil.NewWorld(t)

	_, err := w.Unwrapper.CreateActions(converter.ActionParams{
		InputMarketID: w.MarketDAI, OutputMarketID: w.MarketISO, InputAmount: ether(1),
	})
	assert.ErrorIs(t, err, converter.ErrInvalidInputMarket)

	actions, err := w.Wrapper.CreateActions(converter.ActionParams{
		PrimaryAccountID: 1, OtherAccountID: 0,
		InputMarketID: w.MarketDAI, OutputMarketID: w.MarketISO, InputAmount: ether(1),
	})
	require.NoError(t, err)
	require.Len(t, actions, w.Wrapper.ActionsLength())
	assert.Equal(t, ledger.ActionCall, actions[0].Type)
	assert.Equal(t, 1, actions[0].AccountID)
	assert.Equal(t, ledger.ActionSell, actions[1].Type)
	assert.Equal(t, testutil.Wrapper, actions[1].OtherAddress)
}

// ============================================================================
// Test: Access Control
// ============================================================================

func TestConverter_OnlyLedgerMayDriveExchange(t *testing.T) {
	w := testutil.NewWorld(t)
	v := w.FundVault(alice, 0, ether(10))
	data, err := ledger.EncodeCallAmount(ether(1))
	require.NoError(t, err)

	err = w.Unwrapper.CallFunction(alice, alice, v.Account(0), data)
	assert.ErrorIs(t, err, converter.ErrOnlyLedger)

	_, err = w.Wrapper.Exchange(alice, alice, alice, testutil.FactoryAddr, testutil.DAI, ether(1), nil)
	assert.ErrorIs(t, err, converter.ErrOnlyLedger)
}

func TestConverter_CallRejectsNonVaultAccount(t *testing.T) {
	w := testutil.NewWorld(t)
	data, err := ledger.EncodeCallAmount(ether(1))
	require.NoError(t, err)

	err = w.Unwrapper.CallFunction(testutil.LedgerAddr, alice, ledger.AccountInfo{Owner: alice}, data)
	assert.ErrorIs(t, err, converter.ErrNotVault)
	err = w.Wrapper.CallFunction(testutil.LedgerAddr, alice, ledger.AccountInfo{Owner: alice}, nil)
	assert.ErrorIs(t, err, converter.ErrNotVault)
}

// ============================================================================
// Test: Failed Conversions Revert
// ============================================================================

func TestUnwrapper_UntrustedConverterReverts(t *testing.T) {
	w := testutil.NewWorld(t)
	v := w.FundVault(alice, 0, ether(100))
	require.NoError(t, w.Factory.OwnerSetIsTokenConverterTrusted(testutil.Governance, testutil.Unwrapper, false))

	_, err := v.SwapExactInputForOutput(alice, w.Liquidator, 0, w.MarketISO, w.MarketDAI, ether(10), nil)
	assert.ErrorIs(t, err, vault.ErrUntrustedConverter)

	assert.Equal(t, ether(100), v.IdleBalance())
	assert.Equal(t, "100000000000000000000", w.Balance(v.Account(0), w.MarketISO).String())
	assert.True(t, w.Balance(v.Account(0), w.MarketDAI).IsZero())
	require.NoError(t, w.CheckInvariants())
}

func TestUnwrapper_InsufficientLiquidityReverts(t *testing.T) {
	w := testutil.NewWorld(t)
	v := w.FundVault(alice, 0, ether(100))
	w.Pool.SetReserved(w.Pool.TotalValue())
	poolDAI := w.Pool.TotalValue()

	_, err := v.SwapExactInputForOutput(alice, w.Liquidator, 0, w.MarketISO, w.MarketDAI, ether(10), nil)
	assert.ErrorIs(t, err, yield.ErrInsufficientLiquidity)

	assert.Equal(t, ether(100), v.IdleBalance())
	assert.Equal(t, poolDAI, w.Pool.TotalValue())
	_, pending := w.Factory.PendingTransfer(testutil.Unwrapper)
	assert.False(t, pending)
	require.NoError(t, w.CheckInvariants())
}

func TestUnwrapper_MinOutputEnforced(t *testing.T) {
	w := testutil.NewWorld(t)
	v := w.FundVault(alice, 0, ether(100))

	quoted, err := w.Unwrapper.GetExchangeCost(testutil.FactoryAddr, testutil.DAI, ether(10), nil)
	require.NoError(t, err)
	tooHigh := new(uint256.Int).AddUint64(quoted, 1)

	_, err = v.SwapExactInputForOutput(alice, w.Liquidator, 0, w.MarketISO, w.MarketDAI, ether(10), tooHigh)
	assert.ErrorIs(t, err, yield.ErrInsufficientOutput)
	assert.Equal(t, ether(100), v.IdleBalance())
}

func TestUnwrapper_UnwindsStakedUnderlying(t *testing.T) {
	w := testutil.NewWorld(t)
	v := w.FundVault(alice, 0, ether(100))
	require.NoError(t, v.Stake(alice, ether(100)))
	require.NoError(t, v.Vest(alice, ether(50)))

	_, err := v.SwapExactInputForOutput(alice, w.Liquidator, 0, w.MarketISO, w.MarketDAI, ether(80), nil)
	require.NoError(t, err)

	assert.Equal(t, ether(20), v.UnderlyingBalanceOf())
	assert.True(t, v.VestingBalance().IsZero())
	require.NoError(t, w.CheckInvariants())
}
