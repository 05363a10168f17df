package query

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"IsoLedger/internal/config"
	"IsoLedger/internal/core"
	"IsoLedger/internal/event"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/observability"
	"IsoLedger/internal/persistence"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("store not configured")
)

const (
	defaultSettlementLimit = 50
	maxSettlementLimit     = 500
)

// SettlementSource reads the persisted settlement log.
type SettlementSource interface {
	Settlements(ctx context.Context, liquidOwner common.Address, limit int) ([]event.SettlementRecord, error)
	HashChainBreaks(ctx context.Context, limit int) ([]int64, error)
}

// Service answers read queries. Live state comes from the engine between
// commands; the settlement history and the vault registry come from
// Postgres, which may trail the engine by the persistence batch window.
// Every response carries as_of_sequence.
type Service struct {
	engine      *core.Engine
	vaults      persistence.VaultLookup
	settlements SettlementSource
	metrics     *observability.Metrics
}

// NewService builds a query service. vaults and settlements may be nil;
// the queries that need them then fail with ErrUnavailable.
func NewService(engine *core.Engine, vaults persistence.VaultLookup, settlements SettlementSource, metrics *observability.Metrics) *Service {
	return &Service{
		engine:      engine,
		vaults:      vaults,
		settlements: settlements,
		metrics:     metrics,
	}
}

func (s *Service) GetState(ctx context.Context) (resp *StateResponse, err error) {
	defer func(start time.Time) { s.observe("GetState", start, err) }(time.Now())

	resp = &StateResponse{}
	err = s.engine.View(func(w *core.World) error {
		resp.Clock = w.Clock.Now()
		return nil
	})
	hash := s.engine.GetStateHash()
	resp.Sequence = s.engine.GetSequence()
	resp.StateHash = hex.EncodeToString(hash[:])
	return resp, err
}

// GetMarkets lists every ledger market with its current oracle price.
func (s *Service) GetMarkets(ctx context.Context) (resp []MarketResponse, err error) {
	defer func(start time.Time) { s.observe("GetMarkets", start, err) }(time.Now())

	err = s.engine.View(func(w *core.World) error {
		for i := 0; i < w.Ledger.NumMarkets(); i++ {
			m, err := w.Ledger.Market(ledger.MarketID(i))
			if err != nil {
				return err
			}
			price, err := w.Ledger.GetMarketPrice(m.ID)
			if err != nil {
				return err
			}
			info, _ := w.Bank.Info(m.Token)
			resp = append(resp, MarketResponse{
				MarketID: uint32(m.ID),
				Token:    m.Token,
				Symbol:   info.Symbol,
				Isolated: m.IsIsolated(),
				Price:    price,
				PriceUSD: config.FormatAmount(price, fpmath.PriceDecimals-info.Decimals),
			})
		}
		return nil
	})
	return resp, err
}

// GetVault returns owner's vault at factory.
func (s *Service) GetVault(ctx context.Context, factory, owner common.Address) (resp *VaultResponse, err error) {
	defer func(start time.Time) { s.observe("GetVault", start, err) }(time.Now())

	err = s.engine.View(func(w *core.World) error {
		v, err := w.Vault(factory, owner)
		if err != nil {
			return notFound(err)
		}
		f, _ := w.Factory(factory)
		info, _ := w.Bank.Info(f.Underlying())
		underlying := v.UnderlyingBalanceOf()
		resp = &VaultResponse{
			Factory:           factory,
			Owner:             owner,
			Vault:             v.Address(),
			AcceptedTransfer:  v.HasAcceptedFullAccountTransfer(),
			Idle:              v.IdleBalance(),
			Staked:            v.StakedBalance(),
			Vesting:           v.VestingBalance(),
			Underlying:        underlying,
			UnderlyingDisplay: config.FormatAmount(underlying, info.Decimals),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = s.engine.GetSequence()

	// The registry lookup runs outside View so a slow store never holds
	// the core.
	if s.vaults != nil {
		addr, lookupErr := s.vaults.VaultByOwner(ctx, factory, owner)
		switch {
		case lookupErr == nil:
			resp.Persisted = addr == resp.Vault
		case errors.Is(lookupErr, persistence.ErrNotFound):
		default:
			return nil, lookupErr
		}
	}
	return resp, nil
}

// GetAccount returns every non-zero balance of a ledger account.
func (s *Service) GetAccount(ctx context.Context, owner common.Address, number uint64) (resp *AccountResponse, err error) {
	defer func(start time.Time) { s.observe("GetAccount", start, err) }(time.Now())

	acct := ledger.AccountInfo{Owner: owner, Number: number}
	err = s.engine.View(func(w *core.World) error {
		resp = &AccountResponse{Owner: owner, Number: number, Balances: []BalanceEntry{}}
		for _, id := range w.Ledger.Balances().Markets(acct) {
			m, err := w.Ledger.Market(id)
			if err != nil {
				return err
			}
			info, _ := w.Bank.Info(m.Token)
			wei := w.Ledger.GetAccountWei(acct, id)
			display := config.FormatAmount(wei.Magnitude(), info.Decimals)
			if wei.IsNegative() {
				display = "-" + display
			}
			entry := BalanceEntry{
				MarketID: uint32(id),
				Symbol:   info.Symbol,
				Wei:      wei.String(),
				Display:  display,
			}
			if exp := w.Ledger.GetExpiry(acct, id); !exp.IsZero() {
				entry.Expiry = &exp
			}
			resp.Balances = append(resp.Balances, entry)
		}

		supply, borrow, err := w.Ledger.GetAccountValues(acct)
		if err != nil {
			return err
		}
		resp.SupplyValue, resp.BorrowValue = supply, borrow
		resp.Undercollateralized, err = w.Ledger.IsUndercollateralized(acct)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = s.engine.GetSequence()
	return resp, nil
}

// GetQuote prices amount through the converter at addr.
func (s *Service) GetQuote(ctx context.Context, addr common.Address, amount *uint256.Int) (resp *QuoteResponse, err error) {
	defer func(start time.Time) { s.observe("GetQuote", start, err) }(time.Now())

	if amount == nil || amount.IsZero() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	err = s.engine.View(func(w *core.World) error {
		for _, c := range w.Converters {
			if c.Address() != addr {
				continue
			}
			out, err := c.GetExchangeCost(c.InputToken(), c.OutputToken(), amount, nil)
			if err != nil {
				return err
			}
			resp = &QuoteResponse{
				Converter:    addr,
				InputToken:   c.InputToken(),
				OutputToken:  c.OutputToken(),
				InputAmount:  amount,
				OutputAmount: out,
			}
			return nil
		}
		return fmt.Errorf("%w: converter %s", ErrNotFound, addr.Hex())
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = s.engine.GetSequence()
	return resp, nil
}

// GetTrustedConverters lists the converters factory trusts. Genesis trust
// from the world file never reaches the event log, so this reads the live
// world rather than Postgres.
func (s *Service) GetTrustedConverters(ctx context.Context, factory common.Address) (resp *ConvertersResponse, err error) {
	defer func(start time.Time) { s.observe("GetTrustedConverters", start, err) }(time.Now())

	err = s.engine.View(func(w *core.World) error {
		f, err := w.Factory(factory)
		if err != nil {
			return notFound(err)
		}
		resp = &ConvertersResponse{Factory: factory, Trusted: f.TrustedConverters()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	resp.AsOfSequence = s.engine.GetSequence()
	return resp, nil
}

// GetSettlements lists persisted settlements against liquidOwner, newest
// first.
func (s *Service) GetSettlements(ctx context.Context, liquidOwner common.Address, limit int) (resp []SettlementResponse, err error) {
	defer func(start time.Time) { s.observe("GetSettlements", start, err) }(time.Now())

	if s.settlements == nil {
		return nil, ErrUnavailable
	}
	switch {
	case limit <= 0:
		limit = defaultSettlementLimit
	case limit > maxSettlementLimit:
		limit = maxSettlementLimit
	}
	records, err := s.settlements.Settlements(ctx, liquidOwner, limit)
	if err != nil {
		return nil, err
	}
	resp = make([]SettlementResponse, 0, len(records))
	for _, r := range records {
		resp = append(resp, toSettlementResponse(r))
	}
	return resp, nil
}

// VerifyIntegrity checks the persisted hash chain and the live invariants.
func (s *Service) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { s.observe("VerifyIntegrity", start, err) }(time.Now())

	report = &IntegrityReport{}
	if s.settlements != nil {
		report.HashChainBreaks, err = s.settlements.HashChainBreaks(ctx, 10)
		if err != nil {
			return nil, fmt.Errorf("hash chain: %w", err)
		}
	}
	_ = s.engine.View(func(w *core.World) error {
		if err := w.CheckInvariants(); err != nil {
			report.InvariantError = err.Error()
		}
		return nil
	})
	report.AsOfSequence = s.engine.GetSequence()
	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.InvariantError == ""
	return report, nil
}

func toSettlementResponse(r event.SettlementRecord) SettlementResponse {
	resp := SettlementResponse{
		SettlementID: r.ID,
		RequestID:    r.RequestID,
		Kind:         string(r.Kind),
		SolidOwner:   r.Solid.Owner,
		SolidNumber:  r.Solid.Number,
		LiquidOwner:  r.Liquid.Owner,
		LiquidNumber: r.Liquid.Number,
		OwedMarketID: r.OwedMarketID,
		HeldMarketID: r.HeldMarketID,
		OwedRepaid:   r.OwedRepaid,
		HeldSeized:   r.HeldSeized,
		QuotedOutput: r.QuotedOutput,
		SolidProfit:  r.SolidProfit,
		Converter:    r.Converter,
		Timestamp:    r.Timestamp,
	}
	if !r.Expiry.IsZero() {
		exp := r.Expiry
		resp.Expiry = &exp
	}
	return resp
}

func notFound(err error) error {
	if errors.Is(err, core.ErrNoVault) || errors.Is(err, core.ErrUnknownFactory) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func (s *Service) observe(method string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(method).Inc()
	s.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.QueryErrors.WithLabelValues(method, errorCode(err)).Inc()
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
