package ledger

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var ErrNoPrice = errors.New("no price for token")

// PriceOracle returns a token price with 36-d decimals, where d is the
// token's own decimals.
type PriceOracle interface {
	GetPrice(token common.Address) (*uint256.Int, error)
}

// IsolationRegistry is implemented by the factory behind an isolated market.
// Empty allowable lists mean no restriction beyond the global rules.
type IsolationRegistry interface {
	IsVault(addr common.Address) bool
	AllowableCollateralMarketIDs() []MarketID
	AllowableDebtMarketIDs() []MarketID
}

// ExchangeWrapper converts takerToken sent to it by the ledger into
// makerToken and returns the amount it made available for the ledger to pull.
type ExchangeWrapper interface {
	Address() common.Address
	Exchange(
		caller, tradeOriginator, receiver, makerToken, takerToken common.Address,
		requestedFillAmount *uint256.Int,
		orderData []byte,
	) (*uint256.Int, error)
}

// Callee receives Call actions.
type Callee interface {
	Address() common.Address
	CallFunction(caller, sender common.Address, account AccountInfo, data []byte) error
}

// Market is a listed asset.
type Market struct {
	ID        MarketID
	Token     common.Address
	Oracle    PriceOracle
	Isolation IsolationRegistry
}

func (m *Market) IsIsolated() bool {
	return m.Isolation != nil
}

// FixedPriceOracle serves prices set by an operator.
type FixedPriceOracle struct {
	prices map[common.Address]uint256.Int
}

func NewFixedPriceOracle() *FixedPriceOracle {
	return &FixedPriceOracle{prices: make(map[common.Address]uint256.Int)}
}

func (o *FixedPriceOracle) SetPrice(token common.Address, price *uint256.Int) {
	o.prices[token] = *price
}

func (o *FixedPriceOracle) GetPrice(token common.Address) (*uint256.Int, error) {
	p, ok := o.prices[token]
	if !ok {
		return nil, fmt.Errorf("%s: %w", token.Hex(), ErrNoPrice)
	}
	return p.Clone(), nil
}
