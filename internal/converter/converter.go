package converter

import (
	"errors"
	"fmt"

	"IsoLedger/internal/ledger"
	"IsoLedger/internal/vault"
	"IsoLedger/internal/yield"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidInputToken        = errors.New("invalid input token")
	ErrInvalidOutputToken       = errors.New("invalid output token")
	ErrInvalidInputAmount       = errors.New("invalid input amount")
	ErrInvalidInputMarket       = errors.New("invalid input market")
	ErrInvalidOutputMarket      = errors.New("invalid output market")
	ErrOnlyLedger               = errors.New("only ledger can call")
	ErrNotVault                 = errors.New("account owner is not a vault")
	ErrInsufficientVaultBalance = errors.New("insufficient balance in vault")
	ErrReentrantCall            = errors.New("reentrant converter call")
	ErrUnknownKind              = errors.New("unknown converter kind")
)

// actionsLength is the number of actions every converter contributes: a
// Call that queues the vault movement, then the Sell that runs Exchange.
const actionsLength = 2

type Kind uint8

const (
	// KindUnwrapper redeems the isolated token into the pool asset.
	KindUnwrapper Kind = iota
	// KindWrapper mints the isolated token from the pool asset.
	KindWrapper
)

func (k Kind) String() string {
	switch k {
	case KindUnwrapper:
		return "unwrapper"
	case KindWrapper:
		return "wrapper"
	default:
		return "unknown"
	}
}

// ActionParams positions a converter's actions inside a larger operation.
type ActionParams struct {
	PrimaryAccountID    int
	OtherAccountID      int
	PrimaryAccountOwner common.Address
	OtherAccountOwner   common.Address
	OutputMarketID      ledger.MarketID
	InputMarketID       ledger.MarketID
	MinOutputAmount     *uint256.Int
	InputAmount         *uint256.Int
	OrderData           []byte
}

// Converter prices and executes one direction of the isolated token <-> pool
// asset conversion as a step of a ledger operation.
type Converter interface {
	ledger.ExchangeWrapper
	ledger.Callee

	Kind() Kind
	// Token is the isolated token, whichever direction the converter runs.
	Token() common.Address
	InputToken() common.Address
	OutputToken() common.Address
	InputMarketID() ledger.MarketID
	OutputMarketID() ledger.MarketID
	ActionsLength() int

	// GetExchangeCost quotes the output Exchange would realize for
	// desiredInputAmount at the current pool state.
	GetExchangeCost(inputToken, outputToken common.Address, desiredInputAmount *uint256.Int, extraData []byte) (*uint256.Int, error)
	// CreateActions returns the Call and Sell actions, in that order.
	CreateActions(p ActionParams) ([]ledger.Action, error)
}

type Config struct {
	Kind    Kind
	Address common.Address
	Factory *vault.Factory
	Pool    *yield.Pool
	// Policy is how an unwrapper cancels vesting when a vault's idle and
	// staked balance cannot cover a conversion.
	Policy vault.UnwindPolicy
	Logger zerolog.Logger
}

// New builds the converter variant selected by cfg.Kind.
func New(cfg Config) (Converter, error) {
	l := cfg.Factory.Ledger()
	if cfg.Pool.Share() != cfg.Factory.Underlying() {
		return nil, fmt.Errorf("pool share %s is not factory underlying %s", cfg.Pool.Share().Hex(), cfg.Factory.Underlying().Hex())
	}
	assetMarket, err := l.MarketIDByToken(cfg.Pool.Asset())
	if err != nil {
		return nil, fmt.Errorf("pool asset: %w", err)
	}

	b := base{
		address:    cfg.Address,
		factory:    cfg.Factory,
		ledger:     l,
		pool:       cfg.Pool,
		isoToken:   cfg.Factory.Address(),
		isoMarket:  cfg.Factory.MarketID(),
		assetToken: cfg.Pool.Asset(),
		assetMkt:   assetMarket,
		logger:     cfg.Logger.With().Str("converter", cfg.Kind.String()).Str("address", cfg.Address.Hex()).Logger(),
	}

	switch cfg.Kind {
	case KindUnwrapper:
		return &Unwrapper{base: b, policy: cfg.Policy}, nil
	case KindWrapper:
		return &Wrapper{base: b}, nil
	default:
		return nil, fmt.Errorf("kind %d: %w", cfg.Kind, ErrUnknownKind)
	}
}

type base struct {
	address    common.Address
	factory    *vault.Factory
	ledger     *ledger.Ledger
	pool       *yield.Pool
	isoToken   common.Address
	isoMarket  ledger.MarketID
	assetToken common.Address
	assetMkt   ledger.MarketID
	entered    bool
	logger     zerolog.Logger
}

func (b *base) Address() common.Address { return b.address }
func (b *base) Token() common.Address   { return b.isoToken }
func (b *base) ActionsLength() int      { return actionsLength }

func (b *base) onlyLedger(caller common.Address) error {
	if caller != b.ledger.Address() {
		return fmt.Errorf("%s: %w", caller.Hex(), ErrOnlyLedger)
	}
	return nil
}

// enter guards against a counterparty re-entering the converter.
func (b *base) enter() (func(), error) {
	if b.entered {
		return nil, fmt.Errorf("converter %s: %w", b.address.Hex(), ErrReentrantCall)
	}
	b.entered = true
	return func() { b.entered = false }, nil
}

func validatePair(in, out, wantIn, wantOut common.Address, amount *uint256.Int) error {
	if in != wantIn {
		return fmt.Errorf("%s: %w", in.Hex(), ErrInvalidInputToken)
	}
	if out != wantOut {
		return fmt.Errorf("%s: %w", out.Hex(), ErrInvalidOutputToken)
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidInputAmount
	}
	return nil
}

func validateMarkets(p ActionParams, wantIn, wantOut ledger.MarketID) error {
	if p.InputMarketID != wantIn {
		return fmt.Errorf("market %d: %w", p.InputMarketID, ErrInvalidInputMarket)
	}
	if p.OutputMarketID != wantOut {
		return fmt.Errorf("market %d: %w", p.OutputMarketID, ErrInvalidOutputMarket)
	}
	if p.InputAmount == nil || p.InputAmount.IsZero() {
		return ErrInvalidInputAmount
	}
	return nil
}

func (b *base) actions(callAccountID int, p ActionParams) ([]ledger.Action, error) {
	callData, err := ledger.EncodeCallAmount(p.InputAmount)
	if err != nil {
		return nil, err
	}
	minOut := p.MinOutputAmount
	if minOut == nil {
		minOut = new(uint256.Int)
	}
	sellData, err := ledger.EncodeSellData(minOut, p.OrderData)
	if err != nil {
		return nil, err
	}
	return []ledger.Action{
		{
			Type:         ledger.ActionCall,
			AccountID:    callAccountID,
			OtherAddress: b.address,
			Data:         callData,
		},
		{
			Type:              ledger.ActionSell,
			AccountID:         p.PrimaryAccountID,
			PrimaryMarketID:   p.InputMarketID,
			SecondaryMarketID: p.OutputMarketID,
			Amount:            p.InputAmount.Clone(),
			OtherAddress:      b.address,
			Data:              sellData,
		},
	}, nil
}
