package core

import (
	"errors"
	"fmt"
	"time"

	"IsoLedger/internal/config"
	"IsoLedger/internal/converter"
	"IsoLedger/internal/ledger"
	"IsoLedger/internal/liquidation"
	"IsoLedger/internal/state"
	"IsoLedger/internal/token"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/yield"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownFactory  = errors.New("unknown factory")
	ErrNoVault         = errors.New("owner has no vault")
	ErrNoPriceSource   = errors.New("token has no price source")
	ErrNotPricedToken  = errors.New("token is not priced by the fixed oracle")
	ErrUnknownKind     = errors.New("unknown converter kind")
	ErrUnknownPolicy   = errors.New("unknown unwind policy")
	ErrInvariantBroken = errors.New("invariant violated")
	ErrUnknownPool     = errors.New("unknown pool")
	ErrUnknownStaking  = errors.New("unknown staking router")
	ErrVaultAccount    = errors.New("account is a vault")
)

// Clock is the ledger's notion of now. The engine advances it to each
// command's timestamp; it never reads the wall clock.
type Clock struct {
	now time.Time
}

func (c *Clock) Now() time.Time { return c.now }

// Advance moves the clock forward to t. Earlier timestamps leave it alone.
func (c *Clock) Advance(t time.Time) {
	if t.After(c.now) {
		c.now = t.UTC()
	}
}

// rewind undoes an Advance made for a command that was rejected.
func (c *Clock) rewind(t time.Time) {
	c.now = t
}

// World is the complete in-memory state the engine operates on.
type World struct {
	Journal    *state.Journal
	Bank       *token.Bank
	Oracle     *ledger.FixedPriceOracle
	Ledger     *ledger.Ledger
	Clock      *Clock
	Governance common.Address

	Tokens     map[string]common.Address
	Pools      map[string]*yield.Pool
	Staking    map[string]*yield.Staking
	Factories  []*vault.Factory
	Converters []converter.Converter
	Liquidator *liquidation.Engine

	factoryByAddr map[common.Address]*vault.Factory
	fixedPriced   map[common.Address]bool
}

// BuildWorld instantiates everything cfg describes and mints its genesis
// balances.
func BuildWorld(cfg *config.World, logger zerolog.Logger) (*World, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	gov, err := config.ParseAddress(cfg.Governance)
	if err != nil {
		return nil, fmt.Errorf("governance: %w", err)
	}

	journal := state.NewJournal()
	w := &World{
		Journal:       journal,
		Bank:          token.NewBank(journal),
		Oracle:        ledger.NewFixedPriceOracle(),
		Clock:         &Clock{},
		Governance:    gov,
		Tokens:        make(map[string]common.Address),
		Pools:         make(map[string]*yield.Pool),
		Staking:       make(map[string]*yield.Staking),
		factoryByAddr: make(map[common.Address]*vault.Factory),
		fixedPriced:   make(map[common.Address]bool),
	}

	if err := w.buildLedger(cfg, logger); err != nil {
		return nil, err
	}
	decimals := make(map[string]uint8)
	for _, t := range cfg.Tokens {
		addr, err := config.ParseAddress(t.Address)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		if err := w.Bank.Register(addr, t.Symbol, t.Decimals); err != nil {
			return nil, err
		}
		w.Tokens[t.Symbol] = addr
		decimals[t.Symbol] = t.Decimals
		if t.Price == "" {
			continue
		}
		price, err := config.ParsePrice(t.Price, t.Decimals)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", t.Symbol, err)
		}
		w.Oracle.SetPrice(addr, price)
		w.fixedPriced[addr] = true
	}

	shareOracles := make(map[string]*yield.SharePriceOracle)
	poolByShare := make(map[string]*yield.Pool)
	for _, p := range cfg.Pools {
		pool, err := buildPool(p, w)
		if err != nil {
			return nil, err
		}
		w.Pools[p.Name] = pool
		poolByShare[p.Share] = pool
		shareOracles[p.Name] = yield.NewSharePriceOracle(pool, w.Oracle)
	}

	// plain markets, in file order
	for _, t := range cfg.Tokens {
		addr := w.Tokens[t.Symbol]
		var oracle ledger.PriceOracle = w.Oracle
		if !w.fixedPriced[addr] {
			pool, ok := poolByShare[t.Symbol]
			if !ok {
				return nil, fmt.Errorf("token %s: %w", t.Symbol, ErrNoPriceSource)
			}
			oracle = yield.NewSharePriceOracle(pool, w.Oracle)
		}
		if _, err := w.Ledger.AddMarket(gov, addr, oracle, nil); err != nil {
			return nil, err
		}
	}

	for _, s := range cfg.Staking {
		addr, err := config.ParseAddress(s.Address)
		if err != nil {
			return nil, fmt.Errorf("staking %s: %w", s.Name, err)
		}
		w.Staking[s.Name] = yield.NewStaking(addr, w.Tokens[s.Share], w.Tokens[s.Reward], w.Bank, journal)
	}

	for _, fc := range cfg.Factories {
		addr, err := config.ParseAddress(fc.Address)
		if err != nil {
			return nil, fmt.Errorf("factory %s: %w", fc.Symbol, err)
		}
		f, err := vault.NewFactory(vault.FactoryConfig{
			Address:        addr,
			Symbol:         fc.Symbol,
			Governance:     gov,
			Underlying:     w.Tokens[fc.Underlying],
			Implementation: common.FromHex(fc.Implementation),
			Ledger:         w.Ledger,
			Staking:        w.Staking[fc.Staking],
			Oracle:         shareOracles[fc.Pool],
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		w.Factories = append(w.Factories, f)
		w.factoryByAddr[addr] = f
		w.Tokens[fc.Symbol] = addr
	}
	for i, fc := range cfg.Factories {
		if err := w.setAllowableMarkets(w.Factories[i], fc); err != nil {
			return nil, err
		}
	}

	if err := w.buildLiquidator(cfg, logger); err != nil {
		return nil, err
	}
	for _, cc := range cfg.Converters {
		if err := w.buildConverter(cc, cfg, logger); err != nil {
			return nil, err
		}
	}

	for _, b := range cfg.Genesis {
		if err := w.mintGenesis(b, decimals[b.Token]); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *World) buildLedger(cfg *config.World, logger zerolog.Logger) error {
	addr, err := config.ParseAddress(cfg.Ledger.Address)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	opts := []ledger.Option{
		ledger.WithClock(w.Clock.Now),
		ledger.WithLogger(logger.With().Str("component", "ledger").Logger()),
	}
	if cfg.Ledger.MinCollateralization != "" {
		r, err := config.ParseRatio(cfg.Ledger.MinCollateralization)
		if err != nil {
			return fmt.Errorf("min collateralization: %w", err)
		}
		opts = append(opts, ledger.WithMinCollateralization(r))
	}
	if cfg.Ledger.LiquidationSpread != "" {
		r, err := config.ParseRatio(cfg.Ledger.LiquidationSpread)
		if err != nil {
			return fmt.Errorf("liquidation spread: %w", err)
		}
		opts = append(opts, ledger.WithLiquidationSpread(r))
	}
	if cfg.Ledger.ExpiryRampTime > 0 {
		opts = append(opts, ledger.WithExpiryRampTime(cfg.Ledger.ExpiryRampTime))
	}
	w.Ledger, err = ledger.NewLedger(addr, w.Governance, w.Bank, w.Journal, opts...)
	return err
}

func buildPool(p config.PoolConfig, w *World) (*yield.Pool, error) {
	addr, err := config.ParseAddress(p.Address)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.Name, err)
	}
	mint, err := config.ParseBps(p.MintFee)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.Name, err)
	}
	redeem, err := config.ParseBps(p.RedeemFee)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.Name, err)
	}
	maxFee, err := config.ParseBps(p.MaxFee)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", p.Name, err)
	}
	return yield.NewPool(yield.PoolConfig{
		Address:      addr,
		Asset:        w.Tokens[p.Asset],
		Share:        w.Tokens[p.Share],
		MintFeeBps:   mint,
		RedeemFeeBps: redeem,
		MaxFeeBps:    maxFee,
	}, w.Bank, w.Journal)
}

func (w *World) marketIDs(symbols []string) ([]ledger.MarketID, error) {
	ids := make([]ledger.MarketID, 0, len(symbols))
	for _, s := range symbols {
		id, err := w.Ledger.MarketIDByToken(w.Tokens[s])
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (w *World) setAllowableMarkets(f *vault.Factory, fc config.FactoryConfig) error {
	collateral, err := w.marketIDs(fc.AllowableCollateral)
	if err != nil {
		return err
	}
	if err := f.OwnerSetAllowableCollateralMarketIDs(w.Governance, collateral); err != nil {
		return err
	}
	debt, err := w.marketIDs(fc.AllowableDebt)
	if err != nil {
		return err
	}
	return f.OwnerSetAllowableDebtMarketIDs(w.Governance, debt)
}

func (w *World) buildLiquidator(cfg *config.World, logger zerolog.Logger) error {
	addr, err := config.ParseAddress(cfg.Liquidator.Address)
	if err != nil {
		return fmt.Errorf("liquidator: %w", err)
	}
	opts := []liquidation.Option{liquidation.WithLogger(logger.With().Str("component", "liquidation").Logger())}
	if cfg.Liquidator.DustWei != "" {
		dust, err := uint256.FromDecimal(cfg.Liquidator.DustWei)
		if err != nil {
			return fmt.Errorf("liquidator dust %q: %w", cfg.Liquidator.DustWei, err)
		}
		opts = append(opts, liquidation.WithDust(dust))
	}
	w.Liquidator = liquidation.NewEngine(addr, w.Ledger, opts...)
	return w.Ledger.SetGlobalOperator(w.Governance, addr, true)
}

func (w *World) buildConverter(cc config.ConverterConfig, cfg *config.World, logger zerolog.Logger) error {
	addr, err := config.ParseAddress(cc.Address)
	if err != nil {
		return fmt.Errorf("converter %s: %w", cc.Name, err)
	}
	var kind converter.Kind
	switch cc.Kind {
	case "unwrapper":
		kind = converter.KindUnwrapper
	case "wrapper":
		kind = converter.KindWrapper
	default:
		return fmt.Errorf("converter %s kind %q: %w", cc.Name, cc.Kind, ErrUnknownKind)
	}
	policy, err := parsePolicy(cc.Policy)
	if err != nil {
		return fmt.Errorf("converter %s: %w", cc.Name, err)
	}

	f := w.factoryByAddr[w.Tokens[cc.Factory]]
	var pool *yield.Pool
	for _, fc := range cfg.Factories {
		if fc.Symbol == cc.Factory {
			pool = w.Pools[fc.Pool]
		}
	}
	c, err := converter.New(converter.Config{
		Kind:    kind,
		Address: addr,
		Factory: f,
		Pool:    pool,
		Policy:  policy,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("converter %s: %w", cc.Name, err)
	}
	w.Liquidator.RegisterConverter(c)
	w.Converters = append(w.Converters, c)
	if cc.Trusted {
		return f.OwnerSetIsTokenConverterTrusted(w.Governance, addr, true)
	}
	return nil
}

func parsePolicy(s string) (vault.UnwindPolicy, error) {
	switch s {
	case "", "forfeit":
		return vault.UnwindForfeit, nil
	case "complete":
		return vault.UnwindComplete, nil
	default:
		return 0, fmt.Errorf("policy %q: %w", s, ErrUnknownPolicy)
	}
}

func (w *World) mintGenesis(b config.BalanceConfig, decimals uint8) error {
	holder, err := config.ParseAddress(b.Holder)
	if err != nil {
		return fmt.Errorf("genesis holder: %w", err)
	}
	amount, err := config.ParseAmount(b.Amount, decimals)
	if err != nil {
		return fmt.Errorf("genesis %s: %w", b.Token, err)
	}
	tok := w.Tokens[b.Token]
	if err := w.Bank.Mint(tok, holder, amount); err != nil {
		return err
	}
	if b.LedgerAccount == nil {
		return nil
	}
	market, err := w.Ledger.MarketIDByToken(tok)
	if err != nil {
		return err
	}
	_, err = w.Ledger.Operate(holder, []ledger.AccountInfo{{Owner: holder, Number: *b.LedgerAccount}}, []ledger.Action{{
		Type: ledger.ActionDeposit, PrimaryMarketID: market, Amount: amount, OtherAddress: holder,
	}})
	return err
}

// Factory returns the factory deployed at addr.
func (w *World) Factory(addr common.Address) (*vault.Factory, error) {
	f, ok := w.factoryByAddr[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrUnknownFactory)
	}
	return f, nil
}

// PoolAt returns the pool deployed at addr.
func (w *World) PoolAt(addr common.Address) (*yield.Pool, error) {
	for _, p := range w.Pools {
		if p.Address() == addr {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrUnknownPool)
}

// StakingAt returns the staking router deployed at addr.
func (w *World) StakingAt(addr common.Address) (*yield.Staking, error) {
	for _, s := range w.Staking {
		if s.Address() == addr {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrUnknownStaking)
}

// IsVault reports whether addr is a vault of any factory. Vault balances
// only move through the vault's own operations.
func (w *World) IsVault(addr common.Address) bool {
	for _, f := range w.Factories {
		if f.IsVault(addr) {
			return true
		}
	}
	return false
}

// Vault returns owner's vault at the factory deployed at factory.
func (w *World) Vault(factory, owner common.Address) (*vault.Vault, error) {
	f, err := w.Factory(factory)
	if err != nil {
		return nil, err
	}
	v := f.Vault(owner)
	if v == nil {
		return nil, fmt.Errorf("owner %s at %s: %w", owner.Hex(), factory.Hex(), ErrNoVault)
	}
	return v, nil
}

// SetPrice updates a token priced by the fixed oracle. Pool shares and
// isolated tokens are priced from pool state and cannot be set.
func (w *World) SetPrice(tok common.Address, price *uint256.Int) error {
	if !w.fixedPriced[tok] {
		return fmt.Errorf("%s: %w", tok.Hex(), ErrNotPricedToken)
	}
	prev, err := w.Oracle.GetPrice(tok)
	if err != nil {
		return err
	}
	w.Oracle.SetPrice(tok, price)
	w.Journal.Record(func() { w.Oracle.SetPrice(tok, prev) })
	return nil
}

// CheckInvariants verifies ledger custody and every factory's backing.
func (w *World) CheckInvariants() error {
	if err := w.Ledger.ValidateCustody(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvariantBroken, err)
	}
	for _, f := range w.Factories {
		if err := f.ValidateBacking(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvariantBroken, err)
		}
	}
	return nil
}
