package ledger

import (
	"errors"
	"fmt"
	"time"

	fpmath "IsoLedger/internal/math"
	"IsoLedger/internal/state"
	"IsoLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrOnlyGovernance  = errors.New("only governance")
	ErrUnknownMarket   = errors.New("unknown market")
	ErrMarketExists    = errors.New("token already listed")
	ErrUnknownWrapper  = errors.New("unknown exchange wrapper")
	ErrUnknownCallee   = errors.New("unknown callee")
	ErrZeroAddress     = errors.New("zero address")
	ErrInvalidSettings = errors.New("invalid risk settings")
)

// Ledger is the margin accounting core: signed balances per account and
// market, an operator model, and a multi-action executor (Operate).
type Ledger struct {
	address    common.Address
	governance common.Address
	bank       *token.Bank
	journal    *state.Journal
	balances   *BalanceTracker

	markets      []*Market
	tokenMarkets map[common.Address]MarketID

	globalOperators map[common.Address]bool
	operators       map[common.Address]map[common.Address]bool

	wrappers map[common.Address]ExchangeWrapper
	callees  map[common.Address]Callee

	expiries       map[AccountKey]time.Time
	expiryRampTime time.Duration

	minCollateralization fpmath.Ratio
	liquidationSpread    fpmath.Ratio

	now       func() time.Time
	operating bool
	logger    zerolog.Logger
}

type Option func(*Ledger)

// WithMinCollateralization sets the supply/borrow ratio below which an
// account is liquidatable.
func WithMinCollateralization(r fpmath.Ratio) Option {
	return func(l *Ledger) { l.minCollateralization = r }
}

// WithLiquidationSpread sets the liquidator reward multiplier.
func WithLiquidationSpread(r fpmath.Ratio) Option {
	return func(l *Ledger) { l.liquidationSpread = r }
}

func WithExpiryRampTime(d time.Duration) Option {
	return func(l *Ledger) { l.expiryRampTime = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

func NewLedger(address, governance common.Address, bank *token.Bank, journal *state.Journal, opts ...Option) (*Ledger, error) {
	if address == (common.Address{}) || governance == (common.Address{}) {
		return nil, fmt.Errorf("new ledger: %w", ErrZeroAddress)
	}
	l := &Ledger{
		address:              address,
		governance:           governance,
		bank:                 bank,
		journal:              journal,
		balances:             NewBalanceTracker(journal),
		tokenMarkets:         make(map[common.Address]MarketID),
		globalOperators:      make(map[common.Address]bool),
		operators:            make(map[common.Address]map[common.Address]bool),
		wrappers:             make(map[common.Address]ExchangeWrapper),
		callees:              make(map[common.Address]Callee),
		expiries:             make(map[AccountKey]time.Time),
		expiryRampTime:       time.Hour,
		minCollateralization: fpmath.Ratio{Num: 115, Den: 100},
		liquidationSpread:    fpmath.Ratio{Num: 105, Den: 100},
		now:                  time.Now,
		logger:               zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.minCollateralization.Validate(); err != nil {
		return nil, fmt.Errorf("min collateralization %s: %w", l.minCollateralization, ErrInvalidSettings)
	}
	if _, err := l.liquidationSpread.Premium(); err != nil {
		return nil, fmt.Errorf("liquidation spread %s: %w", l.liquidationSpread, ErrInvalidSettings)
	}
	return l, nil
}

func (l *Ledger) Address() common.Address            { return l.address }
func (l *Ledger) Governance() common.Address         { return l.governance }
func (l *Ledger) Bank() *token.Bank                  { return l.bank }
func (l *Ledger) Journal() *state.Journal            { return l.journal }
func (l *Ledger) Balances() *BalanceTracker          { return l.balances }
func (l *Ledger) LiquidationSpread() fpmath.Ratio    { return l.liquidationSpread }
func (l *Ledger) MinCollateralization() fpmath.Ratio { return l.minCollateralization }
func (l *Ledger) ExpiryRampTime() time.Duration      { return l.expiryRampTime }
func (l *Ledger) Now() time.Time                     { return l.now() }

// === Markets ===

// AddMarket lists token under the next market id. A non-nil isolation
// registry marks the market as isolated.
func (l *Ledger) AddMarket(caller, tok common.Address, oracle PriceOracle, isolation IsolationRegistry) (MarketID, error) {
	if caller != l.governance {
		return 0, fmt.Errorf("add market %s: %w", tok.Hex(), ErrOnlyGovernance)
	}
	if _, ok := l.bank.Info(tok); !ok {
		return 0, fmt.Errorf("add market %s: %w", tok.Hex(), token.ErrUnknownToken)
	}
	if _, ok := l.tokenMarkets[tok]; ok {
		return 0, fmt.Errorf("add market %s: %w", tok.Hex(), ErrMarketExists)
	}
	id := MarketID(len(l.markets))
	l.markets = append(l.markets, &Market{ID: id, Token: tok, Oracle: oracle, Isolation: isolation})
	l.tokenMarkets[tok] = id
	l.journal.Record(func() {
		l.markets = l.markets[:id]
		delete(l.tokenMarkets, tok)
	})

	l.logger.Info().
		Uint32("market_id", uint32(id)).
		Str("token", l.bank.Symbol(tok)).
		Bool("isolated", isolation != nil).
		Msg("market added")
	return id, nil
}

func (l *Ledger) Market(id MarketID) (*Market, error) {
	if int(id) >= len(l.markets) {
		return nil, fmt.Errorf("market %d: %w", id, ErrUnknownMarket)
	}
	return l.markets[id], nil
}

func (l *Ledger) MarketIDByToken(tok common.Address) (MarketID, error) {
	id, ok := l.tokenMarkets[tok]
	if !ok {
		return 0, fmt.Errorf("token %s: %w", tok.Hex(), ErrUnknownMarket)
	}
	return id, nil
}

func (l *Ledger) NumMarkets() int {
	return len(l.markets)
}

func (l *Ledger) GetMarketPrice(id MarketID) (*uint256.Int, error) {
	m, err := l.Market(id)
	if err != nil {
		return nil, err
	}
	if m.Oracle == nil {
		return nil, fmt.Errorf("market %d: %w", id, ErrNoPrice)
	}
	price, err := m.Oracle.GetPrice(m.Token)
	if err != nil {
		return nil, fmt.Errorf("market %d price: %w", id, err)
	}
	return price, nil
}

// === Operators ===

// SetGlobalOperator grants or revokes the right to operate every account.
func (l *Ledger) SetGlobalOperator(caller, operator common.Address, approved bool) error {
	if caller != l.governance {
		return fmt.Errorf("set global operator %s: %w", operator.Hex(), ErrOnlyGovernance)
	}
	prev := l.globalOperators[operator]
	l.globalOperators[operator] = approved
	l.journal.Record(func() { l.globalOperators[operator] = prev })
	return nil
}

func (l *Ledger) IsGlobalOperator(operator common.Address) bool {
	return l.globalOperators[operator]
}

// SetOperator lets owner delegate control of all its accounts.
func (l *Ledger) SetOperator(owner, operator common.Address, approved bool) {
	ops, ok := l.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		l.operators[owner] = ops
	}
	prev := ops[operator]
	ops[operator] = approved
	l.journal.Record(func() { ops[operator] = prev })
}

// IsOperator reports whether operator may act for owner's accounts.
func (l *Ledger) IsOperator(owner, operator common.Address) bool {
	if owner == operator || l.globalOperators[operator] {
		return true
	}
	return l.operators[owner][operator]
}

// === Counterparties ===

func (l *Ledger) RegisterExchangeWrapper(w ExchangeWrapper) {
	l.wrappers[w.Address()] = w
}

func (l *Ledger) RegisterCallee(c Callee) {
	l.callees[c.Address()] = c
}

// === Account queries ===

func (l *Ledger) GetAccountWei(account AccountInfo, market MarketID) Wei {
	return l.balances.GetBalance(account, market)
}

// GetAccountValues returns the oracle value of everything account supplies
// and borrows, in 1e36 numeraire units.
func (l *Ledger) GetAccountValues(account AccountInfo) (supply, borrow *uint256.Int, err error) {
	supply, borrow = new(uint256.Int), new(uint256.Int)
	for _, id := range l.balances.Markets(account) {
		w := l.balances.GetBalance(account, id)
		price, err := l.GetMarketPrice(id)
		if err != nil {
			return nil, nil, err
		}
		v, err := fpmath.Value(&w.Value, price)
		if err != nil {
			return nil, nil, fmt.Errorf("value of %s in market %d: %w", account, id, err)
		}
		if w.IsNegative() {
			borrow, err = fpmath.Add(borrow, v)
		} else {
			supply, err = fpmath.Add(supply, v)
		}
		if err != nil {
			return nil, nil, err
		}
	}
	return supply, borrow, nil
}

func (l *Ledger) IsUndercollateralized(account AccountInfo) (bool, error) {
	supply, borrow, err := l.GetAccountValues(account)
	if err != nil {
		return false, err
	}
	return fpmath.IsUndercollateralized(supply, borrow, l.minCollateralization)
}

// SettlementAmounts prices a liquidation or expiry of up to owedWei debt
// against a held balance of heldBalance. When the rewarded collateral would
// exceed the balance, the whole balance is seized and the repaid debt is
// reduced to match.
func SettlementAmounts(owedWei, heldBalance, owedPrice, heldPrice *uint256.Int, spread fpmath.Ratio) (owedRepaid, heldSeized *uint256.Int, err error) {
	heldSeized, err = fpmath.HeldWithReward(owedWei, owedPrice, heldPrice, spread)
	if err != nil {
		return nil, nil, err
	}
	if !heldBalance.Lt(heldSeized) {
		return owedWei.Clone(), heldSeized, nil
	}
	owedRepaid, err = fpmath.OwedForHeld(heldBalance, heldPrice, owedPrice, spread)
	if err != nil {
		return nil, nil, err
	}
	return owedRepaid, heldBalance.Clone(), nil
}
