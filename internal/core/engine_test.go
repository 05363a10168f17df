package core_test

import (
	"context"
	"testing"
	"time"

	"IsoLedger/internal/core"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/testutil"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/yield"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	ether = testutil.Ether
	seed  = testutil.Seed
	ctx   = context.Background()
)

// --- Test helpers ---

func newTestEngine(t *testing.T) (*testutil.World, *core.Engine, chan core.CoreOutput) {
	t.Helper()
	w := testutil.NewWorld(t)
	persist := make(chan core.CoreOutput, 1024)
	e := core.NewEngine(w.World, core.EngineConfig{
		PersistChan: persist,
		Logger:      zerolog.Nop(),
	})
	return w, e, persist
}

func at(seconds int) time.Time {
	return testutil.Genesis.Add(time.Duration(seconds) * time.Second)
}

func createVault(owner common.Address, ts time.Time) *event.VaultCreate {
	return &event.VaultCreate{
		RequestID: uuid.New(),
		Factory:   testutil.FactoryAddr,
		Owner:     owner,
		Timestamp: ts,
	}
}

func deposit(owner common.Address, amount *uint256.Int, ts time.Time) *event.VaultDeposit {
	return &event.VaultDeposit{
		RequestID: uuid.New(),
		Factory:   testutil.FactoryAddr,
		Owner:     owner,
		Amount:    amount,
		Timestamp: ts,
	}
}

func vaultOp(owner common.Address, kind event.VaultOpKind, amount *uint256.Int, ts time.Time) *event.VaultOperation {
	return &event.VaultOperation{
		RequestID: uuid.New(),
		Factory:   testutil.FactoryAddr,
		Owner:     owner,
		Kind:      kind,
		Amount:    amount,
		Timestamp: ts,
	}
}

func price(tok common.Address, usd uint64, seq int64, ts time.Time) *event.PriceUpdate {
	p := new(uint256.Int).Mul(uint256.NewInt(usd), uint256.NewInt(1e18))
	return &event.PriceUpdate{Token: tok, Price: p, PriceSequence: seq, Timestamp: ts}
}

func apply(t *testing.T, e *core.Engine, evt event.Event) *core.CoreOutput {
	t.Helper()
	out, err := e.ProcessEvent(ctx, evt)
	require.NoError(t, err, "%s", evt.EventType())
	return out
}

// expiryScenario is a command-only history: Seed opens a vault, borrows 700
// DAI against 1000 dGLP, stakes half, and is settled by expiry half way
// through the spread ramp.
func expiryScenario(w *testutil.World) []event.Event {
	vaultAddr := w.Factory.CalculateVaultByAccount(seed)
	borrow := vaultOp(seed, event.VaultOpWithdrawOther, ether(700), at(2))
	borrow.MarketID = uint32(w.MarketDAI)
	return []event.Event{
		createVault(seed, at(0)),
		deposit(seed, ether(1000), at(1)),
		borrow,
		vaultOp(seed, event.VaultOpStake, ether(500), at(3)),
		&event.ExpirySet{
			RequestID: uuid.New(),
			Caller:    testutil.Liquidator,
			Account:   event.Account{Owner: vaultAddr},
			MarketID:  uint32(w.MarketDAI),
			Expiry:    at(10),
			Timestamp: at(4),
		},
		price(testutil.WETH, 2100, 1, at(5)),
		&event.LiquidationRequest{
			RequestID:    uuid.New(),
			Caller:       testutil.Liquidator,
			Solid:        event.Account{Owner: testutil.Liquidator},
			Liquid:       event.Account{Owner: vaultAddr},
			OwedMarketID: uint32(w.MarketDAI),
			HeldMarketID: uint32(w.MarketISO),
			Expiry:       at(10),
			Timestamp:    at(10).Add(30 * time.Minute),
		},
	}
}

// ============================================================================
// Test: Basic Processing
// ============================================================================

func TestEngine_VaultCreateEmitsRecordAndEnvelope(t *testing.T) {
	w, e, persist := newTestEngine(t)

	out := apply(t, e, createVault(seed, at(0)))

	require.Len(t, out.Vaults, 1)
	assert.Equal(t, seed, out.Vaults[0].Owner)
	assert.Equal(t, w.Factory.CalculateVaultByAccount(seed), out.Vaults[0].Vault)
	assert.False(t, out.Vaults[0].AcceptedTransfer)

	assert.Equal(t, int64(0), out.Envelope.Sequence)
	assert.Equal(t, event.EventTypeVaultCreate, out.Envelope.EventType)
	assert.NotEqual(t, [32]byte{}, out.Envelope.StateHash)
	assert.Equal(t, int64(1), e.GetSequence())
	assert.Equal(t, out.Envelope.StateHash, e.GetStateHash())

	require.Len(t, persist, 1)
	persisted := <-persist
	assert.Equal(t, out.Envelope.Sequence, persisted.Envelope.Sequence)
}

func TestEngine_HashChainLinksEnvelopes(t *testing.T) {
	_, e, _ := newTestEngine(t)

	first := apply(t, e, createVault(seed, at(0)))
	second := apply(t, e, deposit(seed, ether(10), at(1)))

	assert.Equal(t, first.Envelope.StateHash, second.Envelope.PrevHash)
	assert.NotEqual(t, first.Envelope.StateHash, second.Envelope.StateHash)
	assert.Equal(t, int64(1), second.Envelope.Sequence)
}

func TestEngine_DepositCreditsVaultAccount(t *testing.T) {
	w, e, _ := newTestEngine(t)

	apply(t, e, createVault(seed, at(0)))
	apply(t, e, deposit(seed, ether(250), at(1)))

	v := w.Factory.Vault(seed)
	require.NotNil(t, v)
	assert.Equal(t, ether(250), v.UnderlyingBalanceOf())
	assert.Equal(t, "250000000000000000000", w.Balance(v.Account(0), w.MarketISO).String())
	assert.Equal(t, at(1), w.Clock.Now())
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestEngine_DuplicateRejected(t *testing.T) {
	_, e, persist := newTestEngine(t)

	cmd := createVault(seed, at(0))
	apply(t, e, cmd)

	_, err := e.ProcessEvent(ctx, cmd)
	assert.ErrorIs(t, err, core.ErrDuplicate)
	assert.Equal(t, int64(1), e.GetSequence())
	assert.Len(t, persist, 1)
}

type stubDB struct{ keys map[string]bool }

func (s *stubDB) IsDuplicate(eventType, key string) (bool, error) {
	return s.keys[eventType+":"+key], nil
}

func TestEngine_DuplicateFoundInEventLog(t *testing.T) {
	w := testutil.NewWorld(t)
	cmd := createVault(seed, at(0))
	db := &stubDB{keys: map[string]bool{"VaultCreate:" + cmd.IdempotencyKey(): true}}
	e := core.NewEngine(w.World, core.EngineConfig{DBChecker: db, Logger: zerolog.Nop()})

	_, err := e.ProcessEvent(ctx, cmd)
	assert.ErrorIs(t, err, core.ErrDuplicate)
	assert.Nil(t, w.Factory.Vault(seed))
}

func TestEngine_WarmLRU(t *testing.T) {
	_, e, _ := newTestEngine(t)
	cmd := createVault(seed, at(0))
	e.WarmLRU([]string{"VaultCreate:" + cmd.IdempotencyKey()})

	_, err := e.ProcessEvent(ctx, cmd)
	assert.ErrorIs(t, err, core.ErrDuplicate)
}

// ============================================================================
// Test: Rejection
// ============================================================================

func TestEngine_RejectedCommandChangesNothing(t *testing.T) {
	w, e, persist := newTestEngine(t)
	alice := testutil.Alice

	apply(t, e, createVault(alice, at(0)))
	hash := e.GetStateHash()

	// alice holds no GLP yet
	cmd := deposit(alice, ether(5), at(60))
	_, err := e.ProcessEvent(ctx, cmd)
	require.Error(t, err)

	assert.Equal(t, int64(1), e.GetSequence())
	assert.Equal(t, hash, e.GetStateHash())
	assert.Equal(t, at(0), w.Clock.Now(), "clock rewound")
	assert.True(t, w.Factory.Vault(alice).UnderlyingBalanceOf().IsZero())
	assert.Len(t, persist, 1)

	// the key was not consumed
	w.Mint(testutil.GLP, alice, ether(5))
	apply(t, e, cmd)
	assert.Equal(t, ether(5), w.Factory.Vault(alice).UnderlyingBalanceOf())
}

func TestEngine_UnknownFactoryAndVault(t *testing.T) {
	_, e, _ := newTestEngine(t)

	cmd := createVault(seed, at(0))
	cmd.Factory = common.HexToAddress("0xdead")
	_, err := e.ProcessEvent(ctx, cmd)
	assert.ErrorIs(t, err, core.ErrUnknownFactory)

	_, err = e.ProcessEvent(ctx, deposit(seed, ether(1), at(1)))
	assert.ErrorIs(t, err, core.ErrNoVault)
}

func TestEngine_BrokenBackingRejectsNextCommand(t *testing.T) {
	w, e, _ := newTestEngine(t)

	apply(t, e, createVault(seed, at(0)))
	apply(t, e, deposit(seed, ether(10), at(1)))
	v := w.Factory.Vault(seed)
	require.NoError(t, w.Bank.Burn(testutil.GLP, v.Address(), ether(1)))

	_, err := e.ProcessEvent(ctx, deposit(seed, ether(1), at(2)))
	assert.ErrorIs(t, err, core.ErrInvariantBroken)
	assert.ErrorIs(t, err, vault.ErrUnderBacked)
	assert.Equal(t, ether(9), v.UnderlyingBalanceOf())
}

// ============================================================================
// Test: Prices
// ============================================================================

func TestEngine_PriceSequencing(t *testing.T) {
	w, e, _ := newTestEngine(t)

	apply(t, e, price(testutil.DAI, 1, 5, at(0)))

	_, err := e.ProcessEvent(ctx, price(testutil.DAI, 2, 4, at(1)))
	assert.ErrorIs(t, err, core.ErrStalePrice)
	_, err = e.ProcessEvent(ctx, price(testutil.DAI, 2, 5, at(1)))
	assert.ErrorIs(t, err, core.ErrDuplicate)

	apply(t, e, price(testutil.DAI, 2, 9, at(2)))
	got, err := w.Ledger.GetMarketPrice(w.MarketDAI)
	require.NoError(t, err)
	assert.Equal(t, ether(2), got)

	// sequences are per token
	apply(t, e, price(testutil.WETH, 2500, 1, at(3)))
}

func TestEngine_PoolPricedTokensCannotBeSet(t *testing.T) {
	_, e, _ := newTestEngine(t)

	_, err := e.ProcessEvent(ctx, price(testutil.GLP, 1, 1, at(0)))
	assert.ErrorIs(t, err, core.ErrNotPricedToken)
	_, err = e.ProcessEvent(ctx, price(testutil.FactoryAddr, 1, 1, at(0)))
	assert.ErrorIs(t, err, core.ErrNotPricedToken)
	assert.Equal(t, int64(0), e.GetSequence())
}

// ============================================================================
// Test: Vault Operations
// ============================================================================

func TestEngine_VaultOperations(t *testing.T) {
	w, e, _ := newTestEngine(t)

	apply(t, e, createVault(seed, at(0)))
	apply(t, e, deposit(seed, ether(100), at(1)))
	apply(t, e, vaultOp(seed, event.VaultOpStake, ether(60), at(2)))
	apply(t, e, vaultOp(seed, event.VaultOpVest, ether(20), at(3)))

	v := w.Factory.Vault(seed)
	assert.Equal(t, ether(40), v.IdleBalance())
	assert.Equal(t, ether(100), v.UnderlyingBalanceOf())

	unvest := vaultOp(seed, event.VaultOpUnvest, nil, at(4))
	unvest.Forfeit = true
	apply(t, e, unvest)
	assert.True(t, v.VestingBalance().IsZero())

	borrow := vaultOp(seed, event.VaultOpWithdrawOther, ether(50), at(5))
	borrow.MarketID = uint32(w.MarketDAI)
	apply(t, e, borrow)
	assert.Equal(t, "-50000000000000000000", w.Balance(v.Account(0), w.MarketDAI).String())
	assert.Equal(t, ether(50), w.Bank.BalanceOf(testutil.DAI, seed))
}

func TestEngine_VaultOperationValidation(t *testing.T) {
	_, e, _ := newTestEngine(t)
	apply(t, e, createVault(seed, at(0)))

	_, err := e.ProcessEvent(ctx, vaultOp(seed, event.VaultOpStake, nil, at(1)))
	assert.ErrorIs(t, err, core.ErrMissingAmount)
	_, err = e.ProcessEvent(ctx, vaultOp(seed, "rebalance", ether(1), at(1)))
	assert.ErrorIs(t, err, core.ErrUnknownVaultOp)
}

func TestEngine_VaultOperationSwap(t *testing.T) {
	w, e, _ := newTestEngine(t)
	apply(t, e, createVault(seed, at(0)))
	apply(t, e, deposit(seed, ether(100), at(1)))

	swap := vaultOp(seed, event.VaultOpSwap, ether(10), at(2))
	swap.MarketID = uint32(w.MarketISO)
	swap.OutputMarketID = uint32(w.MarketDAI)
	apply(t, e, swap)

	v := w.Factory.Vault(seed)
	assert.Equal(t, ether(90), v.UnderlyingBalanceOf())
	assert.True(t, w.Balance(v.Account(0), w.MarketDAI).IsPositive())
}

// ============================================================================
// Test: Staking and Pool Commands
// ============================================================================

func stakingOp(account common.Address, kind event.StakingOpKind, amount *uint256.Int, ts time.Time) *event.StakingOperation {
	return &event.StakingOperation{
		RequestID: uuid.New(),
		Staking:   testutil.StakingAddr,
		Kind:      kind,
		Account:   account,
		Amount:    amount,
		Timestamp: ts,
	}
}

func TestEngine_VaultCreateAcceptsSignaledTransfer(t *testing.T) {
	w, e, _ := newTestEngine(t)
	target := w.Factory.CalculateVaultByAccount(testutil.Alice)

	apply(t, e, stakingOp(seed, event.StakingOpStake, ether(1000), at(0)))
	apply(t, e, stakingOp(seed, event.StakingOpStake, ether(500), at(1)))

	accrue := stakingOp(seed, event.StakingOpAccrueRewards, ether(5), at(2))
	accrue.Caller = testutil.Governance
	apply(t, e, accrue)

	signal := stakingOp(seed, event.StakingOpSignalTransfer, nil, at(3))
	signal.Receiver = target
	apply(t, e, signal)

	create := createVault(testutil.Alice, at(4))
	create.TransferFrom = seed
	out := apply(t, e, create)

	require.Len(t, out.Vaults, 1)
	assert.True(t, out.Vaults[0].AcceptedTransfer)
	assert.Equal(t, target, out.Vaults[0].Vault)

	v := w.Factory.Vault(testutil.Alice)
	require.NotNil(t, v)
	assert.Equal(t, ether(1500), v.StakedBalance())
	assert.Equal(t, "1500000000000000000000", w.Balance(v.Account(0), w.MarketISO).String())
	assert.True(t, w.Staking.Position(seed).IsEmpty())

	apply(t, e, vaultOp(testutil.Alice, event.VaultOpClaimRewards, nil, at(5)))
	assert.Equal(t, ether(5), w.Bank.BalanceOf(testutil.WETH, testutil.Alice))
}

func TestEngine_VaultCreateWithoutSignalRejected(t *testing.T) {
	w, e, _ := newTestEngine(t)
	apply(t, e, stakingOp(seed, event.StakingOpStake, ether(10), at(0)))

	create := createVault(testutil.Alice, at(1))
	create.TransferFrom = seed
	_, err := e.ProcessEvent(ctx, create)
	require.ErrorIs(t, err, yield.ErrTransferNotSignaled)

	assert.Nil(t, w.Factory.Vault(testutil.Alice))
	assert.Equal(t, ether(10), w.Staking.StakedBalance(seed))
}

func TestEngine_StakingOperationValidation(t *testing.T) {
	w, e, _ := newTestEngine(t)
	apply(t, e, createVault(seed, at(0)))

	_, err := e.ProcessEvent(ctx, stakingOp(seed, event.StakingOpStake, nil, at(1)))
	assert.ErrorIs(t, err, core.ErrMissingAmount)

	_, err = e.ProcessEvent(ctx, stakingOp(seed, "compound", ether(1), at(1)))
	assert.ErrorIs(t, err, core.ErrUnknownYieldOp)

	// rewards are minted by governance only
	_, err = e.ProcessEvent(ctx, stakingOp(seed, event.StakingOpAccrueRewards, ether(1), at(1)))
	assert.ErrorIs(t, err, ledger.ErrOnlyGovernance)

	vaultAddr := w.Factory.CalculateVaultByAccount(seed)
	_, err = e.ProcessEvent(ctx, stakingOp(vaultAddr, event.StakingOpStake, ether(1), at(1)))
	assert.ErrorIs(t, err, core.ErrVaultAccount)

	unknown := stakingOp(seed, event.StakingOpStake, ether(1), at(1))
	unknown.Staking = testutil.PoolAddr
	_, err = e.ProcessEvent(ctx, unknown)
	assert.ErrorIs(t, err, core.ErrUnknownStaking)
}

func TestEngine_PoolOperations(t *testing.T) {
	w, e, _ := newTestEngine(t)
	require.NoError(t, w.Bank.Mint(testutil.DAI, testutil.Bob, ether(1_000)))

	apply(t, e, &event.PoolOperation{
		RequestID: uuid.New(), Pool: testutil.PoolAddr, Kind: event.PoolOpMint,
		Account: testutil.Bob, Amount: ether(1_000), Timestamp: at(0),
	})
	shares := w.Bank.BalanceOf(testutil.GLP, testutil.Bob)
	require.False(t, shares.IsZero())

	reserve := &event.PoolOperation{
		RequestID: uuid.New(), Pool: testutil.PoolAddr, Kind: event.PoolOpSetReserved,
		Account: testutil.Bob, Amount: w.Pool.TotalValue(), Timestamp: at(1),
	}
	_, err := e.ProcessEvent(ctx, reserve)
	assert.ErrorIs(t, err, ledger.ErrOnlyGovernance)

	reserve.RequestID = uuid.New()
	reserve.Account = testutil.Governance
	apply(t, e, reserve)
	assert.True(t, w.Pool.AvailableLiquidity().IsZero())

	_, err = e.ProcessEvent(ctx, &event.PoolOperation{
		RequestID: uuid.New(), Pool: testutil.PoolAddr, Kind: event.PoolOpRedeem,
		Account: testutil.Bob, Amount: shares, Timestamp: at(2),
	})
	assert.ErrorIs(t, err, yield.ErrInsufficientLiquidity)
	assert.Equal(t, shares, w.Bank.BalanceOf(testutil.GLP, testutil.Bob))
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestEngine_ExpirationProducesSettlement(t *testing.T) {
	w, e, _ := newTestEngine(t)

	var last *core.CoreOutput
	for _, cmd := range expiryScenario(w) {
		last = apply(t, e, cmd)
	}

	require.Len(t, last.Settlements, 1)
	s := last.Settlements[0]
	assert.Equal(t, event.SettlementExpiration, s.Kind)
	assert.Equal(t, ether(700), s.OwedRepaid)
	assert.False(t, s.HeldSeized.Lt(ether(650)), "seized %s", s.HeldSeized.Dec())
	assert.True(t, s.HeldSeized.Lt(ether(651)), "seized %s", s.HeldSeized.Dec())
	assert.Equal(t, testutil.Unwrapper, s.Converter)
	assert.Equal(t, event.SettlementID(s.RequestID), s.ID)

	v := w.Factory.Vault(seed)
	assert.True(t, w.Balance(v.Account(0), w.MarketDAI).IsZero())
	assert.True(t, w.Ledger.GetExpiry(v.Account(0), w.MarketDAI).IsZero())
	require.NoError(t, w.CheckInvariants())
}

func TestEngine_HealthyLiquidationRejected(t *testing.T) {
	w, e, _ := newTestEngine(t)
	cmds := expiryScenario(w)
	for _, cmd := range cmds[:3] {
		apply(t, e, cmd)
	}

	req := cmds[len(cmds)-1].(*event.LiquidationRequest)
	req.Expiry = time.Time{}
	_, err := e.ProcessEvent(ctx, req)
	assert.ErrorIs(t, err, ledger.ErrNotLiquidatable)
	assert.Equal(t, int64(3), e.GetSequence())
}

// ============================================================================
// Test: State Hash
// ============================================================================

// Two worlds that differ only outside the ledger must not seal the same
// command with the same hash.
func TestEngine_StateHashCoversYieldState(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(w *testutil.World) error
	}{
		{"staked shares", func(w *testutil.World) error {
			return w.Staking.Stake(seed, ether(1))
		}},
		{"vesting pair", func(w *testutil.World) error {
			if err := w.Staking.Stake(seed, ether(2)); err != nil {
				return err
			}
			return w.Staking.Vest(seed, ether(1))
		}},
		{"accrued rewards", func(w *testutil.World) error {
			return w.Staking.AccrueRewards(seed, ether(1), false)
		}},
		{"pending transfer", func(w *testutil.World) error {
			return w.Staking.SignalTransfer(seed, testutil.Bob)
		}},
		{"pool reserve", func(w *testutil.World) error {
			w.Pool.SetReserved(ether(1))
			return nil
		}},
		{"token balance", func(w *testutil.World) error {
			return w.Bank.Transfer(testutil.GLP, seed, testutil.Bob, ether(1))
		}},
	}

	cmd := price(testutil.WETH, 2100, 1, at(1))
	_, base, _ := newTestEngine(t)
	want := apply(t, base, cmd).Envelope.StateHash

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, e, _ := newTestEngine(t)
			require.NoError(t, tc.mutate(w))
			got := apply(t, e, cmd).Envelope.StateHash
			assert.NotEqual(t, want, got)
		})
	}
}

func TestEngine_StakingCommandChangesStateDigest(t *testing.T) {
	_, e, _ := newTestEngine(t)
	before := apply(t, e, price(testutil.WETH, 2100, 1, at(0)))

	out := apply(t, e, stakingOp(seed, event.StakingOpStake, ether(1), at(1)))
	assert.Equal(t, before.Envelope.StateHash, out.Envelope.PrevHash)
	assert.NotEqual(t, before.StateDelta, out.StateDelta)
}

// ============================================================================
// Test: Replay
// ============================================================================

func TestReplay_ReproducesStateHash(t *testing.T) {
	w, e, persist := newTestEngine(t)
	for _, cmd := range expiryScenario(w) {
		apply(t, e, cmd)
	}
	close(persist)

	fresh := testutil.NewWorld(t)
	replayer := core.NewEngine(fresh.World, core.EngineConfig{Logger: zerolog.Nop()})
	var envelopes []*event.EventEnvelope
	for out := range persist {
		envelopes = append(envelopes, out.Envelope)
		require.NoError(t, replayer.Replay(out.Envelope), "sequence %d", out.Envelope.Sequence)
	}

	assert.Equal(t, e.GetSequence(), replayer.GetSequence())
	assert.Equal(t, e.GetStateHash(), replayer.GetStateHash())
	assert.Equal(t, w.Clock.Now(), fresh.Clock.Now())

	// replayed keys are known to the replaying engine
	_, err := replayer.ProcessEvent(ctx, price(testutil.WETH, 2200, 2, at(4000)))
	require.NoError(t, err)
	first, err := event.Decode(envelopes[0].EventType, envelopes[0].Payload)
	require.NoError(t, err)
	_, err = replayer.ProcessEvent(ctx, first)
	assert.ErrorIs(t, err, core.ErrDuplicate)
}

func TestReplay_DetectsTamperedHash(t *testing.T) {
	_, e, _ := newTestEngine(t)
	out := apply(t, e, createVault(seed, at(0)))

	env := *out.Envelope
	env.StateHash[0] ^= 0xff

	replayer := core.NewEngine(testutil.NewWorld(t).World, core.EngineConfig{Logger: zerolog.Nop()})
	assert.ErrorIs(t, replayer.Replay(&env), core.ErrReplayMismatch)
}

func TestReplay_RejectsOutOfOrder(t *testing.T) {
	_, e, _ := newTestEngine(t)
	apply(t, e, createVault(seed, at(0)))
	out := apply(t, e, deposit(seed, ether(1), at(1)))

	replayer := core.NewEngine(testutil.NewWorld(t).World, core.EngineConfig{Logger: zerolog.Nop()})
	assert.ErrorIs(t, replayer.Replay(out.Envelope), core.ErrReplayOutOfOrder)
}

// ============================================================================
// Test: Output Channels
// ============================================================================

func TestEngine_FullPublishChannelDrops(t *testing.T) {
	w := testutil.NewWorld(t)
	reg := prometheus.NewRegistry()
	persist := make(chan core.CoreOutput, 8)
	publish := make(chan core.CoreOutput, 1)
	e := core.NewEngine(w.World, core.EngineConfig{
		PersistChan: persist,
		PublishChan: publish,
		Metrics:     observability.NewMetricsWith(reg),
		Logger:      zerolog.Nop(),
	})

	apply(t, e, createVault(seed, at(0)))
	apply(t, e, deposit(seed, ether(1), at(1)))
	apply(t, e, deposit(seed, ether(1), at(2)))

	assert.Len(t, persist, 3)
	assert.Len(t, publish, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	var drops float64
	for _, mf := range families {
		if mf.GetName() == "iso_publish_drops_total" {
			drops = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 2.0, drops)
}
