package ledger_test

import (
	"errors"
	"testing"
	"time"

	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/state"
	"IsoLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ledgerAdr = common.HexToAddress("0x0000000000000000000000000000000000001ed6")
	gov       = common.HexToAddress("0x0000000000000000000000000000000000000900")
	tokA      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokB      = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	tokIso    = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	vaultAdr  = common.HexToAddress("0x000000000000000000000000000000000000fa17")
	swapper   = common.HexToAddress("0x0000000000000000000000000000000000005a11")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

func price(s string) *uint256.Int {
	return uint256.MustFromDecimal(s)
}

type fixture struct {
	journal *state.Journal
	bank    *token.Bank
	oracle  *ledger.FixedPriceOracle
	ledger  *ledger.Ledger
	iso     *isoRegistry
	now     time.Time

	mA, mB, mIso ledger.MarketID
}

type isoRegistry struct {
	vaults     map[common.Address]bool
	collateral []ledger.MarketID
	debt       []ledger.MarketID
}

func (r *isoRegistry) IsVault(a common.Address) bool                   { return r.vaults[a] }
func (r *isoRegistry) AllowableCollateralMarketIDs() []ledger.MarketID { return r.collateral }
func (r *isoRegistry) AllowableDebtMarketIDs() []ledger.MarketID       { return r.debt }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		journal: state.NewJournal(),
		oracle:  ledger.NewFixedPriceOracle(),
		iso:     &isoRegistry{vaults: map[common.Address]bool{vaultAdr: true}},
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.bank = token.NewBank(f.journal)
	require.NoError(t, f.bank.Register(tokA, "AAA", 18))
	require.NoError(t, f.bank.Register(tokB, "BBB", 18))
	require.NoError(t, f.bank.Register(tokIso, "ISO", 18))
	f.oracle.SetPrice(tokA, price("1000000000000000000"))
	f.oracle.SetPrice(tokB, price("1000000000000000000"))
	f.oracle.SetPrice(tokIso, price("1000000000000000000"))

	l, err := ledger.NewLedger(ledgerAdr, gov, f.bank, f.journal,
		ledger.WithClock(func() time.Time { return f.now }),
		ledger.WithExpiryRampTime(time.Hour),
	)
	require.NoError(t, err)
	f.ledger = l

	f.mA, err = l.AddMarket(gov, tokA, f.oracle, nil)
	require.NoError(t, err)
	f.mB, err = l.AddMarket(gov, tokB, f.oracle, nil)
	require.NoError(t, err)
	f.mIso, err = l.AddMarket(gov, tokIso, f.oracle, f.iso)
	require.NoError(t, err)

	for _, who := range []common.Address{alice, bob, vaultAdr} {
		require.NoError(t, f.bank.Mint(tokA, who, ether(1_000)))
		require.NoError(t, f.bank.Mint(tokB, who, ether(1_000)))
	}
	require.NoError(t, f.bank.Mint(tokIso, vaultAdr, ether(1_000)))
	require.NoError(t, f.bank.Mint(tokIso, alice, ether(1_000)))
	return f
}

func acct(owner common.Address) ledger.AccountInfo {
	return ledger.AccountInfo{Owner: owner, Number: 0}
}

func (f *fixture) deposit(t *testing.T, owner common.Address, m ledger.MarketID, amount *uint256.Int) {
	t.Helper()
	_, err := f.ledger.Operate(owner, []ledger.AccountInfo{acct(owner)}, []ledger.Action{{
		Type: ledger.ActionDeposit, PrimaryMarketID: m, Amount: amount, OtherAddress: owner,
	}})
	require.NoError(t, err)
}

func (f *fixture) withdraw(owner common.Address, m ledger.MarketID, amount *uint256.Int) error {
	_, err := f.ledger.Operate(owner, []ledger.AccountInfo{acct(owner)}, []ledger.Action{{
		Type: ledger.ActionWithdraw, PrimaryMarketID: m, Amount: amount, OtherAddress: owner,
	}})
	return err
}

// setupBorrower gives alice 100 B of collateral and 80 A of debt, with bob
// supplying the A liquidity.
func (f *fixture) setupBorrower(t *testing.T) {
	t.Helper()
	f.deposit(t, bob, f.mA, ether(100))
	f.deposit(t, alice, f.mB, ether(100))
	require.NoError(t, f.withdraw(alice, f.mA, ether(80)))
}

// ============================================================================
// Test: Wei
// ============================================================================

func TestWei_AddAcrossSign(t *testing.T) {
	pos := ledger.PositiveWei(uint256.NewInt(30))
	neg := ledger.NegativeWei(uint256.NewInt(50))

	sum, err := pos.AddChecked(neg)
	require.NoError(t, err)
	assert.True(t, sum.IsNegative())
	assert.Equal(t, "-20", sum.String())

	zero, err := sum.AddChecked(ledger.PositiveWei(uint256.NewInt(20)))
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
	assert.True(t, zero.Sign, "zero is normalized to positive")
	assert.Equal(t, 0, zero.Cmp(ledger.ZeroWei()))
	assert.Equal(t, -1, neg.Cmp(pos))
}

func TestWei_AddCheckedOverflow(t *testing.T) {
	top := ledger.PositiveWei(new(uint256.Int).SetAllOne())
	one := ledger.PositiveWei(uint256.NewInt(1))

	_, err := top.AddChecked(one)
	assert.ErrorIs(t, err, ledger.ErrWeiOverflow)
	_, err = top.Neg().SubChecked(one)
	assert.ErrorIs(t, err, ledger.ErrWeiOverflow)

	// opposite signs never overflow
	back, err := top.SubChecked(one)
	require.NoError(t, err)
	assert.Equal(t, -1, back.Cmp(top))
}

func TestBalanceTracker_OverflowLeavesBalance(t *testing.T) {
	bt := ledger.NewBalanceTracker(state.NewJournal())
	acct := ledger.AccountInfo{Owner: alice}
	top := ledger.PositiveWei(new(uint256.Int).SetAllOne())
	bt.SetBalance(acct, 1, top)

	_, err := bt.Apply(acct, 1, ledger.PositiveWei(uint256.NewInt(1)))
	require.ErrorIs(t, err, ledger.ErrWeiOverflow)
	assert.Equal(t, 0, bt.GetBalance(acct, 1).Cmp(top))

	bt.SetBalance(ledger.AccountInfo{Owner: bob}, 1, top)
	_, err = bt.ComputeMarketTotals()
	assert.ErrorIs(t, err, ledger.ErrWeiOverflow)
}

// ============================================================================
// Test: Deposits, Withdrawals, Transfers
// ============================================================================

func TestOperate_DepositWithdrawMovesCustody(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, f.mA, ether(10))

	assert.Equal(t, ether(10), f.bank.BalanceOf(tokA, ledgerAdr))
	assert.Equal(t, "10000000000000000000", f.ledger.GetAccountWei(acct(alice), f.mA).String())

	require.NoError(t, f.withdraw(alice, f.mA, ether(4)))
	assert.Equal(t, ether(6), f.bank.BalanceOf(tokA, ledgerAdr))
	assert.Equal(t, ether(994), f.bank.BalanceOf(tokA, alice))
	require.NoError(t, f.ledger.ValidateCustody())
}

func TestOperate_DepositSourceMustBeCallerOrOwner(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Operate(alice, []ledger.AccountInfo{acct(alice)}, []ledger.Action{{
		Type: ledger.ActionDeposit, PrimaryMarketID: f.mA, Amount: ether(1), OtherAddress: bob,
	}})
	assert.ErrorIs(t, err, ledger.ErrInvalidDepositor)
}

func TestOperate_TransferBetweenOwnAccounts(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, f.mA, ether(10))

	sub := ledger.AccountInfo{Owner: alice, Number: 7}
	receipt, err := f.ledger.Operate(alice, []ledger.AccountInfo{acct(alice), sub}, []ledger.Action{{
		Type: ledger.ActionTransfer, AccountID: 0, OtherAccountID: 1, PrimaryMarketID: f.mA, Amount: ether(3),
	}})
	require.NoError(t, err)
	assert.Len(t, receipt.Deltas, 2)
	assert.Equal(t, "3000000000000000000", f.ledger.GetAccountWei(sub, f.mA).String())
	assert.Equal(t, "7000000000000000000", f.ledger.GetAccountWei(acct(alice), f.mA).String())
}

func TestOperate_RejectsDuplicateAccounts(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Operate(alice, []ledger.AccountInfo{acct(alice), acct(alice)}, []ledger.Action{{
		Type: ledger.ActionTransfer, AccountID: 0, OtherAccountID: 1, PrimaryMarketID: f.mA, Amount: ether(1),
	}})
	assert.ErrorIs(t, err, ledger.ErrDuplicateAccount)
}

func TestOperate_OperatorRequired(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, f.mA, ether(10))

	_, err := f.ledger.Operate(bob, []ledger.AccountInfo{acct(alice)}, []ledger.Action{{
		Type: ledger.ActionWithdraw, PrimaryMarketID: f.mA, Amount: ether(1), OtherAddress: bob,
	}})
	assert.ErrorIs(t, err, ledger.ErrNotOperator)

	f.ledger.SetOperator(alice, bob, true)
	_, err = f.ledger.Operate(bob, []ledger.AccountInfo{acct(alice)}, []ledger.Action{{
		Type: ledger.ActionWithdraw, PrimaryMarketID: f.mA, Amount: ether(1), OtherAddress: bob,
	}})
	require.NoError(t, err)
	assert.Equal(t, ether(1001), f.bank.BalanceOf(tokA, bob))
}

func TestOperate_UndercollateralizedBorrowReverts(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, bob, f.mA, ether(100))
	f.deposit(t, alice, f.mB, ether(100))

	// 100 / 90 < 1.15
	err := f.withdraw(alice, f.mA, ether(90))
	assert.ErrorIs(t, err, ledger.ErrUndercollateralized)

	assert.True(t, f.ledger.GetAccountWei(acct(alice), f.mA).IsZero())
	assert.Equal(t, ether(1000), f.bank.BalanceOf(tokA, alice))
	assert.Equal(t, ether(100), f.bank.BalanceOf(tokA, ledgerAdr))
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidate_RejectsHealthyAccount(t *testing.T) {
	f := newFixture(t)
	f.setupBorrower(t)
	f.deposit(t, bob, f.mB, ether(1))

	_, err := f.ledger.Operate(bob, []ledger.AccountInfo{acct(bob), acct(alice)}, []ledger.Action{{
		Type: ledger.ActionLiquidate, AccountID: 0, OtherAccountID: 1,
		PrimaryMarketID: f.mA, SecondaryMarketID: f.mB,
	}})
	assert.ErrorIs(t, err, ledger.ErrNotLiquidatable)
}

func TestLiquidate_SeizesCollateralWithSpread(t *testing.T) {
	f := newFixture(t)
	f.setupBorrower(t)
	f.oracle.SetPrice(tokB, price("900000000000000000"))

	receipt, err := f.ledger.Operate(bob, []ledger.AccountInfo{acct(bob), acct(alice)}, []ledger.Action{{
		Type: ledger.ActionLiquidate, AccountID: 0, OtherAccountID: 1,
		PrimaryMarketID: f.mA, SecondaryMarketID: f.mB,
	}})
	require.NoError(t, err)
	require.Len(t, receipt.Settlements, 1)

	s := receipt.Settlements[0]
	assert.Equal(t, ether(80), s.OwedRepaid)
	// 80 * 1.05 / 0.9
	assert.Equal(t, "93333333333333333333", s.HeldSeized.Dec())

	assert.True(t, f.ledger.GetAccountWei(acct(alice), f.mA).IsZero())
	assert.Equal(t, "6666666666666666667", f.ledger.GetAccountWei(acct(alice), f.mB).String())
	assert.Equal(t, "20000000000000000000", f.ledger.GetAccountWei(acct(bob), f.mA).String())
	assert.Equal(t, "93333333333333333333", f.ledger.GetAccountWei(acct(bob), f.mB).String())
}

func TestLiquidate_CappedByHeldBalance(t *testing.T) {
	f := newFixture(t)
	f.setupBorrower(t)
	f.oracle.SetPrice(tokB, price("500000000000000000"))

	receipt, err := f.ledger.Operate(bob, []ledger.AccountInfo{acct(bob), acct(alice)}, []ledger.Action{{
		Type: ledger.ActionLiquidate, AccountID: 0, OtherAccountID: 1,
		PrimaryMarketID: f.mA, SecondaryMarketID: f.mB,
	}})
	require.NoError(t, err)

	s := receipt.Settlements[0]
	assert.Equal(t, ether(100), s.HeldSeized)
	// 100 * 0.5 / 1.05
	assert.Equal(t, "47619047619047619047", s.OwedRepaid.Dec())
	assert.Equal(t, "-32380952380952380953", f.ledger.GetAccountWei(acct(alice), f.mA).String())
	assert.True(t, f.ledger.GetAccountWei(acct(alice), f.mB).IsZero())
}

func TestSettlementAmounts_MatchesOperate(t *testing.T) {
	repaid, seized, err := ledger.SettlementAmounts(ether(80), ether(100),
		price("1000000000000000000"), price("900000000000000000"), fpmath.Ratio{Num: 105, Den: 100})
	require.NoError(t, err)
	assert.Equal(t, ether(80), repaid)
	assert.Equal(t, "93333333333333333333", seized.Dec())
}

// ============================================================================
// Test: Expiry
// ============================================================================

func expireAction(t *testing.T, expiry time.Time) ledger.Action {
	t.Helper()
	data, err := ledger.EncodeExpireData(expiry)
	require.NoError(t, err)
	return ledger.Action{
		Type: ledger.ActionExpire, AccountID: 0, OtherAccountID: 1,
		PrimaryMarketID: 0, SecondaryMarketID: 1, Data: data,
	}
}

func TestExpire_RampsSpreadAndClearsExpiry(t *testing.T) {
	f := newFixture(t)
	f.setupBorrower(t)

	expiry := f.now.Add(-30 * time.Minute)
	require.NoError(t, f.ledger.SetExpiry(alice, acct(alice), f.mA, expiry))

	held, owed, err := f.ledger.GetSpreadAdjustedPrices(f.mB, f.mA, expiry)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", held.Dec())
	assert.Equal(t, "1025000000000000000", owed.Dec())

	receipt, err := f.ledger.Operate(bob, []ledger.AccountInfo{acct(bob), acct(alice)},
		[]ledger.Action{expireAction(t, expiry)})
	require.NoError(t, err)
	assert.Equal(t, ether(82), receipt.Settlements[0].HeldSeized)
	assert.True(t, f.ledger.GetExpiry(acct(alice), f.mA).IsZero())
}

func TestExpire_Preconditions(t *testing.T) {
	f := newFixture(t)
	f.setupBorrower(t)
	accounts := []ledger.AccountInfo{acct(bob), acct(alice)}

	_, err := f.ledger.Operate(bob, accounts, []ledger.Action{expireAction(t, f.now)})
	assert.ErrorIs(t, err, ledger.ErrExpiryNotSet)

	expiry := f.now.Add(time.Hour)
	require.NoError(t, f.ledger.SetExpiry(alice, acct(alice), f.mA, expiry))

	_, err = f.ledger.Operate(bob, accounts, []ledger.Action{expireAction(t, expiry.Add(time.Second))})
	assert.ErrorIs(t, err, ledger.ErrExpiryMismatch)

	_, err = f.ledger.Operate(bob, accounts, []ledger.Action{expireAction(t, expiry)})
	assert.ErrorIs(t, err, ledger.ErrNotExpired)

	err = f.ledger.SetExpiry(bob, acct(alice), f.mA, expiry)
	assert.ErrorIs(t, err, ledger.ErrNotOperator)
}

// ============================================================================
// Test: Sell and Call
// ============================================================================

type doublingWrapper struct {
	bank *token.Bank
}

func (w *doublingWrapper) Address() common.Address { return swapper }

func (w *doublingWrapper) Exchange(caller, _, _, maker, _ common.Address, amount *uint256.Int, data []byte) (*uint256.Int, error) {
	if caller != ledgerAdr {
		return nil, errors.New("only ledger")
	}
	minOut, _, err := ledger.DecodeSellData(data)
	if err != nil {
		return nil, err
	}
	out := new(uint256.Int).Mul(amount, uint256.NewInt(2))
	if out.Lt(minOut) {
		return nil, errors.New("insufficient output")
	}
	return out, w.bank.Mint(maker, swapper, out)
}

func TestSell_CreditsWrapperOutput(t *testing.T) {
	f := newFixture(t)
	f.ledger.RegisterExchangeWrapper(&doublingWrapper{bank: f.bank})
	f.deposit(t, alice, f.mA, ether(10))

	data, err := ledger.EncodeSellData(ether(8), nil)
	require.NoError(t, err)
	_, err = f.ledger.Operate(alice, []ledger.AccountInfo{acct(alice)}, []ledger.Action{{
		Type: ledger.ActionSell, PrimaryMarketID: f.mA, SecondaryMarketID: f.mB,
		Amount: ether(4), OtherAddress: swapper, Data: data,
	}})
	require.NoError(t, err)

	assert.Equal(t, "6000000000000000000", f.ledger.GetAccountWei(acct(alice), f.mA).String())
	assert.Equal(t, "8000000000000000000", f.ledger.GetAccountWei(acct(alice), f.mB).String())
	assert.True(t, f.bank.BalanceOf(tokB, swapper).IsZero())
	require.NoError(t, f.ledger.ValidateCustody())
}

func TestSell_FailedExchangeRevertsEverything(t *testing.T) {
	f := newFixture(t)
	f.ledger.RegisterExchangeWrapper(&doublingWrapper{bank: f.bank})
	f.deposit(t, alice, f.mA, ether(10))

	data, err := ledger.EncodeSellData(ether(9), nil)
	require.NoError(t, err)
	_, err = f.ledger.Operate(alice, []ledger.AccountInfo{acct(alice)}, []ledger.Action{{
		Type: ledger.ActionSell, PrimaryMarketID: f.mA, SecondaryMarketID: f.mB,
		Amount: ether(4), OtherAddress: swapper, Data: data,
	}})
	require.Error(t, err)

	assert.Equal(t, "10000000000000000000", f.ledger.GetAccountWei(acct(alice), f.mA).String())
	assert.True(t, f.bank.BalanceOf(tokA, swapper).IsZero())
	assert.Equal(t, ether(10), f.bank.BalanceOf(tokA, ledgerAdr))
}

type reentrantCallee struct {
	l *ledger.Ledger
}

func (c *reentrantCallee) Address() common.Address { return bob }

func (c *reentrantCallee) CallFunction(_, sender common.Address, account ledger.AccountInfo, _ []byte) error {
	_, err := c.l.Operate(sender, []ledger.AccountInfo{account}, []ledger.Action{{
		Type: ledger.ActionWithdraw, PrimaryMarketID: 0, Amount: uint256.NewInt(1), OtherAddress: sender,
	}})
	return err
}

func TestCall_ReentrantOperateRejected(t *testing.T) {
	f := newFixture(t)
	f.ledger.RegisterCallee(&reentrantCallee{l: f.ledger})
	f.deposit(t, alice, f.mA, ether(1))

	_, err := f.ledger.Operate(alice, []ledger.AccountInfo{acct(alice)}, []ledger.Action{{
		Type: ledger.ActionCall, OtherAddress: bob,
	}})
	assert.ErrorIs(t, err, ledger.ErrReentrantOperate)
}

// ============================================================================
// Test: Isolation
// ============================================================================

func TestIsolation_AssetOnlyInsideVault(t *testing.T) {
	f := newFixture(t)

	_, err := f.ledger.Operate(alice, []ledger.AccountInfo{acct(alice)}, []ledger.Action{{
		Type: ledger.ActionDeposit, PrimaryMarketID: f.mIso, Amount: ether(5), OtherAddress: alice,
	}})
	assert.ErrorIs(t, err, ledger.ErrIsolatedCustody)
	assert.Equal(t, ether(1000), f.bank.BalanceOf(tokIso, alice))

	f.deposit(t, vaultAdr, f.mIso, ether(5))
	assert.Equal(t, ether(5), f.bank.BalanceOf(tokIso, ledgerAdr))
}

func TestIsolation_VaultDebtRestricted(t *testing.T) {
	f := newFixture(t)
	f.iso.debt = []ledger.MarketID{f.mA}
	f.deposit(t, bob, f.mA, ether(100))
	f.deposit(t, bob, f.mB, ether(100))
	f.deposit(t, vaultAdr, f.mIso, ether(100))

	assert.ErrorIs(t, f.withdraw(vaultAdr, f.mB, ether(10)), ledger.ErrDebtNotAllowed)
	require.NoError(t, f.withdraw(vaultAdr, f.mA, ether(10)))

	sub := ledger.AccountInfo{Owner: vaultAdr, Number: 1}
	_, err := f.ledger.Operate(vaultAdr, []ledger.AccountInfo{sub, acct(vaultAdr)}, []ledger.Action{{
		Type: ledger.ActionTransfer, AccountID: 0, OtherAccountID: 1, PrimaryMarketID: f.mIso, Amount: ether(1),
	}})
	assert.ErrorIs(t, err, ledger.ErrIsolatedDebt)
}

func TestIsolation_VaultCollateralRestricted(t *testing.T) {
	f := newFixture(t)
	f.iso.collateral = []ledger.MarketID{f.mIso, f.mA}

	f.deposit(t, vaultAdr, f.mA, ether(1))
	_, err := f.ledger.Operate(vaultAdr, []ledger.AccountInfo{acct(vaultAdr)}, []ledger.Action{{
		Type: ledger.ActionDeposit, PrimaryMarketID: f.mB, Amount: ether(1), OtherAddress: vaultAdr,
	}})
	assert.ErrorIs(t, err, ledger.ErrCollateralNotAllowed)
}

// ============================================================================
// Test: Governance
// ============================================================================

func TestAddMarket_GovernanceOnly(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bank.Register(common.HexToAddress("0xdd"), "DDD", 18))

	_, err := f.ledger.AddMarket(alice, common.HexToAddress("0xdd"), f.oracle, nil)
	assert.ErrorIs(t, err, ledger.ErrOnlyGovernance)

	_, err = f.ledger.AddMarket(gov, tokA, f.oracle, nil)
	assert.ErrorIs(t, err, ledger.ErrMarketExists)

	assert.ErrorIs(t, f.ledger.SetGlobalOperator(alice, bob, true), ledger.ErrOnlyGovernance)
}
