package query

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Amounts are wei as decimal strings. *Display fields are the same amount
// scaled by the token's decimals.

// StateResponse is the core's position in the event log.
type StateResponse struct {
	Sequence  int64     `json:"sequence"`
	StateHash string    `json:"state_hash"`
	Clock     time.Time `json:"clock"`
}

// MarketResponse describes one ledger market.
type MarketResponse struct {
	MarketID uint32         `json:"market_id"`
	Token    common.Address `json:"token"`
	Symbol   string         `json:"symbol"`
	Isolated bool           `json:"isolated"`
	Price    *uint256.Int   `json:"price"`
	PriceUSD string         `json:"price_usd"`
}

// VaultResponse is an isolated vault and its underlying positions.
type VaultResponse struct {
	Factory           common.Address `json:"factory"`
	Owner             common.Address `json:"owner"`
	Vault             common.Address `json:"vault"`
	AcceptedTransfer  bool           `json:"accepted_transfer"`
	Idle              *uint256.Int   `json:"idle"`
	Staked            *uint256.Int   `json:"staked"`
	Vesting           *uint256.Int   `json:"vesting"`
	Underlying        *uint256.Int   `json:"underlying"`
	UnderlyingDisplay string         `json:"underlying_display"`

	// Persisted reports whether the registry row has been committed.
	Persisted    bool  `json:"persisted"`
	AsOfSequence int64 `json:"as_of_sequence"`
}

// BalanceEntry is one market balance of a ledger account.
type BalanceEntry struct {
	MarketID uint32     `json:"market_id"`
	Symbol   string     `json:"symbol"`
	Wei      string     `json:"wei"` // signed
	Display  string     `json:"display"`
	Expiry   *time.Time `json:"expiry,omitempty"`
}

// AccountResponse lists a ledger account's balances and their oracle value.
type AccountResponse struct {
	Owner               common.Address `json:"owner"`
	Number              uint64         `json:"number"`
	Balances            []BalanceEntry `json:"balances"`
	SupplyValue         *uint256.Int   `json:"supply_value"`
	BorrowValue         *uint256.Int   `json:"borrow_value"`
	Undercollateralized bool           `json:"undercollateralized"`
	AsOfSequence        int64          `json:"as_of_sequence"`
}

// QuoteResponse is a converter's exchange cost at current pool state.
type QuoteResponse struct {
	Converter    common.Address `json:"converter"`
	InputToken   common.Address `json:"input_token"`
	OutputToken  common.Address `json:"output_token"`
	InputAmount  *uint256.Int   `json:"input_amount"`
	OutputAmount *uint256.Int   `json:"output_amount"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// ConvertersResponse lists the converters a factory trusts.
type ConvertersResponse struct {
	Factory      common.Address   `json:"factory"`
	Trusted      []common.Address `json:"trusted"`
	AsOfSequence int64            `json:"as_of_sequence"`
}

// SettlementResponse is one persisted liquidation or expiration.
type SettlementResponse struct {
	SettlementID uuid.UUID      `json:"settlement_id"`
	RequestID    uuid.UUID      `json:"request_id"`
	Kind         string         `json:"kind"`
	SolidOwner   common.Address `json:"solid_owner"`
	SolidNumber  uint64         `json:"solid_number"`
	LiquidOwner  common.Address `json:"liquid_owner"`
	LiquidNumber uint64         `json:"liquid_number"`
	OwedMarketID uint32         `json:"owed_market_id"`
	HeldMarketID uint32         `json:"held_market_id"`
	OwedRepaid   *uint256.Int   `json:"owed_repaid"`
	HeldSeized   *uint256.Int   `json:"held_seized"`
	QuotedOutput *uint256.Int   `json:"quoted_output"`
	SolidProfit  *uint256.Int   `json:"solid_profit"`
	Converter    common.Address `json:"converter"`
	Expiry       *time.Time     `json:"expiry,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	InvariantError  string  `json:"invariant_error,omitempty"`
	AsOfSequence    int64   `json:"as_of_sequence"`
}
