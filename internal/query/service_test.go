package query_test

import (
	"context"
	"testing"
	"time"

	"IsoLedger/internal/core"
	"IsoLedger/internal/event"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/persistence"
	"IsoLedger/internal/query"
	"IsoLedger/internal/testutil"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
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

type stubVaults map[common.Address]common.Address

func (s stubVaults) VaultByOwner(_ context.Context, _, owner common.Address) (common.Address, error) {
	if v, ok := s[owner]; ok {
		return v, nil
	}
	return common.Address{}, persistence.ErrNotFound
}

type stubSettlements struct {
	records   []event.SettlementRecord
	lastLimit int
	breaks    []int64
}

func (s *stubSettlements) Settlements(_ context.Context, _ common.Address, limit int) ([]event.SettlementRecord, error) {
	s.lastLimit = limit
	return s.records, nil
}

func (s *stubSettlements) HashChainBreaks(context.Context, int) ([]int64, error) {
	return s.breaks, nil
}

// borrowedVault opens Seed's vault with 1000 dGLP and borrows 700 DAI
// against it.
func borrowedVault(t *testing.T) (*testutil.World, *core.Engine) {
	t.Helper()
	w := testutil.NewWorld(t)
	e := core.NewEngine(w.World, core.EngineConfig{Logger: zerolog.Nop()})
	ts := testutil.Genesis
	for i, evt := range []event.Event{
		&event.VaultCreate{RequestID: uuid.New(), Factory: testutil.FactoryAddr, Owner: seed, Timestamp: ts},
		&event.VaultDeposit{RequestID: uuid.New(), Factory: testutil.FactoryAddr, Owner: seed, Amount: ether(1000), Timestamp: ts.Add(time.Second)},
		&event.VaultOperation{
			RequestID: uuid.New(), Factory: testutil.FactoryAddr, Owner: seed,
			Kind: event.VaultOpWithdrawOther, MarketID: uint32(w.MarketDAI), Amount: ether(700),
			Timestamp: ts.Add(2 * time.Second),
		},
	} {
		_, err := e.ProcessEvent(ctx, evt)
		require.NoError(t, err, "command %d", i)
	}
	return w, e
}

// ============================================================================
// Test: Live State Queries
// ============================================================================

func TestService_GetVault(t *testing.T) {
	w, e := borrowedVault(t)
	vaultAddr := w.Factory.CalculateVaultByAccount(seed)
	svc := query.NewService(e, stubVaults{seed: vaultAddr}, nil, nil)

	resp, err := svc.GetVault(ctx, testutil.FactoryAddr, seed)
	require.NoError(t, err)
	assert.Equal(t, vaultAddr, resp.Vault)
	assert.Equal(t, ether(1000), resp.Underlying)
	assert.Equal(t, ether(1000), resp.Idle)
	assert.True(t, resp.Staked.IsZero())
	assert.Equal(t, "1000", resp.UnderlyingDisplay)
	assert.True(t, resp.Persisted)
	assert.Equal(t, int64(3), resp.AsOfSequence)

	_, err = svc.GetVault(ctx, testutil.FactoryAddr, testutil.Alice)
	assert.ErrorIs(t, err, query.ErrNotFound)
	assert.ErrorIs(t, err, core.ErrNoVault)
	_, err = svc.GetVault(ctx, testutil.DAI, seed)
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestService_GetVault_NotYetPersisted(t *testing.T) {
	_, e := borrowedVault(t)
	svc := query.NewService(e, stubVaults{}, nil, nil)

	resp, err := svc.GetVault(ctx, testutil.FactoryAddr, seed)
	require.NoError(t, err)
	assert.False(t, resp.Persisted)
}

func TestService_GetAccount(t *testing.T) {
	w, e := borrowedVault(t)
	svc := query.NewService(e, nil, nil, nil)

	resp, err := svc.GetAccount(ctx, w.Factory.CalculateVaultByAccount(seed), 0)
	require.NoError(t, err)
	require.Len(t, resp.Balances, 2)

	bySymbol := make(map[string]query.BalanceEntry)
	for _, b := range resp.Balances {
		bySymbol[b.Symbol] = b
	}
	assert.Equal(t, "-700000000000000000000", bySymbol["DAI"].Wei)
	assert.Equal(t, "-700", bySymbol["DAI"].Display)
	assert.Equal(t, "1000", bySymbol["dGLP"].Display)
	assert.Nil(t, bySymbol["DAI"].Expiry)
	assert.False(t, resp.Undercollateralized)
	assert.True(t, resp.SupplyValue.Gt(resp.BorrowValue))

	empty, err := svc.GetAccount(ctx, testutil.Bob, 3)
	require.NoError(t, err)
	assert.Empty(t, empty.Balances)
}

func TestService_GetMarkets(t *testing.T) {
	w, e := borrowedVault(t)
	svc := query.NewService(e, nil, nil, nil)

	markets, err := svc.GetMarkets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, w.Ledger.NumMarkets())

	byID := make(map[uint32]query.MarketResponse)
	for _, m := range markets {
		byID[m.MarketID] = m
	}
	assert.Equal(t, "2000", byID[uint32(w.MarketWETH)].PriceUSD)
	assert.Equal(t, "1", byID[uint32(w.MarketDAI)].PriceUSD)
	assert.True(t, byID[uint32(w.MarketISO)].Isolated)
	assert.False(t, byID[uint32(w.MarketDAI)].Isolated)
}

func TestService_GetQuote(t *testing.T) {
	w, e := borrowedVault(t)
	svc := query.NewService(e, nil, nil, nil)

	want, err := w.Unwrapper.GetExchangeCost(testutil.FactoryAddr, testutil.DAI, ether(10), nil)
	require.NoError(t, err)

	resp, err := svc.GetQuote(ctx, testutil.Unwrapper, ether(10))
	require.NoError(t, err)
	assert.Equal(t, want, resp.OutputAmount)
	assert.Equal(t, testutil.FactoryAddr, resp.InputToken)
	assert.Equal(t, testutil.DAI, resp.OutputToken)

	_, err = svc.GetQuote(ctx, testutil.Unwrapper, new(uint256.Int))
	assert.ErrorIs(t, err, query.ErrInvalidArgument)
	_, err = svc.GetQuote(ctx, testutil.Bob, ether(1))
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestService_GetTrustedConverters(t *testing.T) {
	_, e := borrowedVault(t)
	svc := query.NewService(e, nil, nil, nil)

	resp, err := svc.GetTrustedConverters(ctx, testutil.FactoryAddr)
	require.NoError(t, err)
	assert.ElementsMatch(t, []common.Address{testutil.Unwrapper, testutil.Wrapper}, resp.Trusted)

	_, err = svc.GetTrustedConverters(ctx, testutil.DAI)
	assert.ErrorIs(t, err, query.ErrNotFound)
}

func TestService_GetState(t *testing.T) {
	_, e := borrowedVault(t)
	svc := query.NewService(e, nil, nil, nil)

	resp, err := svc.GetState(ctx)
	require.NoError(t, err)
	hash := e.GetStateHash()
	assert.Equal(t, int64(3), resp.Sequence)
	assert.Len(t, resp.StateHash, 64)
	assert.Equal(t, common.Bytes2Hex(hash[:]), resp.StateHash)
	assert.Equal(t, testutil.Genesis.Add(2*time.Second), resp.Clock)
}

// ============================================================================
// Test: Persisted Queries
// ============================================================================

func TestService_GetSettlements(t *testing.T) {
	_, e := borrowedVault(t)
	src := &stubSettlements{records: []event.SettlementRecord{{
		ID:         uuid.New(),
		Kind:       event.SettlementExpiration,
		Liquid:     event.Account{Owner: seed},
		HeldSeized: ether(650),
		Expiry:     testutil.Genesis,
	}}}
	svc := query.NewService(e, nil, src, nil)

	resp, err := svc.GetSettlements(ctx, seed, 0)
	require.NoError(t, err)
	require.Len(t, resp, 1)
	assert.Equal(t, "expiration", resp[0].Kind)
	require.NotNil(t, resp[0].Expiry)
	assert.Equal(t, 50, src.lastLimit)

	_, err = svc.GetSettlements(ctx, seed, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 500, src.lastLimit)

	_, err = query.NewService(e, nil, nil, nil).GetSettlements(ctx, seed, 1)
	assert.ErrorIs(t, err, query.ErrUnavailable)
}

func TestService_VerifyIntegrity(t *testing.T) {
	_, e := borrowedVault(t)
	src := &stubSettlements{}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	svc := query.NewService(e, nil, src, metrics)

	report, err := svc.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)

	src.breaks = []int64{7}
	report, err = svc.VerifyIntegrity(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{7}, report.HashChainBreaks)

	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.QueryRequests.WithLabelValues("VerifyIntegrity")))
}
