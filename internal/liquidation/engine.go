package liquidation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"IsoLedger/internal/converter"
	"IsoLedger/internal/ledger"
	fpmath "IsoLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrNotSolidOperator     = errors.New("caller is not an operator of the solid account")
	ErrNoConverter          = errors.New("no converter for market pair")
	ErrOutputMarketMismatch = errors.New("converter output is not the owed market")
	ErrInsufficientOutput   = errors.New("conversion output does not cover the debt")
	ErrPostCheckHeld        = errors.New("liquid collateral not reduced by the seized amount")
	ErrPostCheckDebt        = errors.New("liquid debt not reduced by the repaid amount")
	ErrPostCheckSolid       = errors.New("solid account credited less than quote minus repayment")
	ErrPostCheckDust        = errors.New("converter left holding tokens")
)

// Request identifies the position to settle. A zero Expiry selects ordinary
// liquidation; otherwise the debt is closed out at its registered expiry.
type Request struct {
	Solid        ledger.AccountInfo
	Liquid       ledger.AccountInfo
	OwedMarketID ledger.MarketID
	HeldMarketID ledger.MarketID
	Expiry       time.Time
	ExtraData    []byte
}

func (r Request) IsExpiry() bool {
	return !r.Expiry.IsZero()
}

// Result reports what a settlement moved.
type Result struct {
	OwedRepaid   *uint256.Int
	HeldSeized   *uint256.Int
	QuotedOutput *uint256.Int
	// SolidProfit is the owed-market surplus credited to the liquidator.
	SolidProfit *uint256.Int
	Converter   common.Address
	Settlement  ledger.Settlement
}

type pair struct {
	in, out ledger.MarketID
}

// Engine settles undercollateralized or expired positions holding isolated
// collateral by seizing it, converting it through a trusted converter and
// repaying the debt, all in one ledger operation. It must be a global
// operator of the ledger.
type Engine struct {
	address    common.Address
	ledger     *ledger.Ledger
	converters map[pair]converter.Converter
	dust       *uint256.Int
	logger     zerolog.Logger
}

type Option func(*Engine)

// WithDust sets the largest balance a converter may keep after a settlement.
func WithDust(d *uint256.Int) Option {
	return func(e *Engine) { e.dust = d.Clone() }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

func NewEngine(address common.Address, l *ledger.Ledger, opts ...Option) *Engine {
	e := &Engine{
		address:    address,
		ledger:     l,
		converters: make(map[pair]converter.Converter),
		dust:       new(uint256.Int),
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Address() common.Address { return e.address }

// RegisterConverter makes c available for its market pair and to the ledger.
func (e *Engine) RegisterConverter(c converter.Converter) {
	e.converters[pair{c.InputMarketID(), c.OutputMarketID()}] = c
	e.ledger.RegisterExchangeWrapper(c)
	e.ledger.RegisterCallee(c)
}

// Converter returns the converter from input to output.
func (e *Engine) Converter(input, output ledger.MarketID) (converter.Converter, error) {
	if c, ok := e.converters[pair{input, output}]; ok {
		return c, nil
	}
	for p := range e.converters {
		if p.in == input {
			return nil, fmt.Errorf("market %d -> %d: %w", input, output, ErrOutputMarketMismatch)
		}
	}
	return nil, fmt.Errorf("market %d -> %d: %w", input, output, ErrNoConverter)
}

type quote struct {
	owedRepaid *uint256.Int
	heldSeized *uint256.Int
	output     *uint256.Int
	expireData []byte
}

// Liquidate settles req on behalf of caller, who must operate the solid
// account. It fails without side effects if the position is healthy and
// unexpired, or if the conversion cannot cover the debt.
func (e *Engine) Liquidate(ctx context.Context, caller common.Address, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.IsExpiry() {
		req.Expiry = time.Unix(req.Expiry.Unix(), 0).UTC()
	}
	if !e.ledger.IsOperator(req.Solid.Owner, caller) {
		return nil, fmt.Errorf("%s on %s: %w", caller.Hex(), req.Solid, ErrNotSolidOperator)
	}
	c, err := e.Converter(req.HeldMarketID, req.OwedMarketID)
	if err != nil {
		return nil, err
	}
	if err := e.validate(req); err != nil {
		return nil, err
	}
	q, err := e.quote(req, c)
	if err != nil {
		return nil, err
	}

	accounts := []ledger.AccountInfo{req.Solid, req.Liquid}
	settle := ledger.Action{
		Type:              ledger.ActionLiquidate,
		AccountID:         0,
		OtherAccountID:    1,
		PrimaryMarketID:   req.OwedMarketID,
		SecondaryMarketID: req.HeldMarketID,
	}
	if req.IsExpiry() {
		settle.Type = ledger.ActionExpire
		settle.Data = q.expireData
	}
	convert, err := c.CreateActions(converter.ActionParams{
		PrimaryAccountID:    0,
		OtherAccountID:      1,
		PrimaryAccountOwner: req.Solid.Owner,
		OtherAccountOwner:   req.Liquid.Owner,
		OutputMarketID:      req.OwedMarketID,
		InputMarketID:       req.HeldMarketID,
		MinOutputAmount:     q.owedRepaid,
		InputAmount:         q.heldSeized,
		OrderData:           req.ExtraData,
	})
	if err != nil {
		return nil, err
	}
	actions := append([]ledger.Action{settle}, convert...)

	before := e.snapshot(req, c)
	var result *Result
	err = e.ledger.Journal().Atomic(func() error {
		receipt, err := e.ledger.Operate(e.address, accounts, actions)
		if err != nil {
			return err
		}
		if len(receipt.Settlements) != 1 {
			return fmt.Errorf("expected one settlement, got %d", len(receipt.Settlements))
		}
		if err := e.postCheck(req, c, q, before); err != nil {
			return err
		}
		profit := new(uint256.Int).Sub(q.output, q.owedRepaid)
		result = &Result{
			OwedRepaid:   q.owedRepaid,
			HeldSeized:   q.heldSeized,
			QuotedOutput: q.output,
			SolidProfit:  profit,
			Converter:    c.Address(),
			Settlement:   receipt.Settlements[0],
		}
		return nil
	})
	if err != nil {
		e.logger.Warn().
			Err(err).
			Str("liquid", req.Liquid.String()).
			Bool("expiry", req.IsExpiry()).
			Msg("settlement failed")
		return nil, err
	}

	e.logger.Info().
		Str("solid", req.Solid.String()).
		Str("liquid", req.Liquid.String()).
		Str("owed_repaid", result.OwedRepaid.Dec()).
		Str("held_seized", result.HeldSeized.Dec()).
		Str("output", result.QuotedOutput.Dec()).
		Bool("expiry", req.IsExpiry()).
		Msg("position settled")
	return result, nil
}

// validate fails loudly on positions that are not eligible for settlement.
func (e *Engine) validate(req Request) error {
	if !req.IsExpiry() {
		under, err := e.ledger.IsUndercollateralized(req.Liquid)
		if err != nil {
			return err
		}
		if !under {
			return fmt.Errorf("%s: %w", req.Liquid, ledger.ErrNotLiquidatable)
		}
		return nil
	}
	registered := e.ledger.GetExpiry(req.Liquid, req.OwedMarketID)
	switch {
	case registered.IsZero():
		return fmt.Errorf("%s market %d: %w", req.Liquid, req.OwedMarketID, ledger.ErrExpiryNotSet)
	case registered.Unix() != req.Expiry.Unix():
		return fmt.Errorf("%s market %d: %w", req.Liquid, req.OwedMarketID, ledger.ErrExpiryMismatch)
	case e.ledger.Now().Before(registered):
		return fmt.Errorf("%s market %d: %w", req.Liquid, req.OwedMarketID, ledger.ErrNotExpired)
	}
	return nil
}

func (e *Engine) quote(req Request, c converter.Converter) (*quote, error) {
	owedBal := e.ledger.GetAccountWei(req.Liquid, req.OwedMarketID)
	if !owedBal.IsNegative() {
		return nil, fmt.Errorf("%s market %d: %w", req.Liquid, req.OwedMarketID, ledger.ErrNoDebt)
	}
	heldBal := e.ledger.GetAccountWei(req.Liquid, req.HeldMarketID)
	if !heldBal.IsPositive() {
		return nil, fmt.Errorf("%s market %d: %w", req.Liquid, req.HeldMarketID, ledger.ErrNoCollateral)
	}

	var (
		owedPrice, heldPrice *uint256.Int
		spread               fpmath.Ratio
		q                    = &quote{}
		err                  error
	)
	if req.IsExpiry() {
		heldPrice, owedPrice, err = e.ledger.GetSpreadAdjustedPrices(req.HeldMarketID, req.OwedMarketID, req.Expiry)
		if err != nil {
			return nil, err
		}
		spread = fpmath.Ratio{Num: 1, Den: 1}
		if q.expireData, err = ledger.EncodeExpireData(req.Expiry); err != nil {
			return nil, err
		}
	} else {
		if owedPrice, err = e.ledger.GetMarketPrice(req.OwedMarketID); err != nil {
			return nil, err
		}
		if heldPrice, err = e.ledger.GetMarketPrice(req.HeldMarketID); err != nil {
			return nil, err
		}
		spread = e.ledger.LiquidationSpread()
	}

	q.owedRepaid, q.heldSeized, err = ledger.SettlementAmounts(owedBal.Magnitude(), heldBal.Magnitude(), owedPrice, heldPrice, spread)
	if err != nil {
		return nil, err
	}
	q.output, err = c.GetExchangeCost(c.InputToken(), c.OutputToken(), q.heldSeized, req.ExtraData)
	if err != nil {
		return nil, err
	}
	if q.output.Lt(q.owedRepaid) {
		return nil, fmt.Errorf("quote %s for %s seized, debt %s: %w",
			q.output.Dec(), q.heldSeized.Dec(), q.owedRepaid.Dec(), ErrInsufficientOutput)
	}
	return q, nil
}

type balances struct {
	liquidHeld, liquidOwed, solidOwed, solidHeld ledger.Wei
	converterIn, converterOut                    *uint256.Int
}

func (e *Engine) snapshot(req Request, c converter.Converter) balances {
	bank := e.ledger.Bank()
	return balances{
		liquidHeld:   e.ledger.GetAccountWei(req.Liquid, req.HeldMarketID),
		liquidOwed:   e.ledger.GetAccountWei(req.Liquid, req.OwedMarketID),
		solidOwed:    e.ledger.GetAccountWei(req.Solid, req.OwedMarketID),
		solidHeld:    e.ledger.GetAccountWei(req.Solid, req.HeldMarketID),
		converterIn:  bank.BalanceOf(c.InputToken(), c.Address()),
		converterOut: bank.BalanceOf(c.OutputToken(), c.Address()),
	}
}

func (e *Engine) postCheck(req Request, c converter.Converter, q *quote, before balances) error {
	after := e.snapshot(req, c)

	if got, err := before.liquidHeld.SubChecked(after.liquidHeld); err != nil {
		return fmt.Errorf("liquid held: %w", err)
	} else if got.Cmp(ledger.PositiveWei(q.heldSeized)) != 0 {
		return fmt.Errorf("reduced by %s, want %s: %w", got, q.heldSeized.Dec(), ErrPostCheckHeld)
	}
	if got, err := after.liquidOwed.SubChecked(before.liquidOwed); err != nil {
		return fmt.Errorf("liquid owed: %w", err)
	} else if got.Cmp(ledger.PositiveWei(q.owedRepaid)) != 0 {
		return fmt.Errorf("reduced by %s, want %s: %w", got, q.owedRepaid.Dec(), ErrPostCheckDebt)
	}
	profit := new(uint256.Int).Sub(q.output, q.owedRepaid)
	if got, err := after.solidOwed.SubChecked(before.solidOwed); err != nil {
		return fmt.Errorf("solid owed: %w", err)
	} else if got.Cmp(ledger.PositiveWei(profit)) < 0 {
		return fmt.Errorf("credited %s, want at least %s: %w", got, profit.Dec(), ErrPostCheckSolid)
	}
	if after.solidHeld.Cmp(before.solidHeld) != 0 {
		return fmt.Errorf("solid held %s, was %s: %w", after.solidHeld, before.solidHeld, ErrPostCheckSolid)
	}
	for _, bal := range []*uint256.Int{after.converterIn, after.converterOut} {
		if bal.Gt(e.dust) {
			return fmt.Errorf("%s holds %s: %w", c.Address().Hex(), bal.Dec(), ErrPostCheckDust)
		}
	}
	return nil
}
