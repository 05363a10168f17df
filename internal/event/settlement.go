package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Account names a ledger account on the wire.
type Account struct {
	Owner  common.Address
	Number uint64
}

// ExpirySet registers, or with a zero Expiry clears, the time a borrow
// must be repaid by.
type ExpirySet struct {
	RequestID uuid.UUID
	Caller    common.Address
	Account   Account
	MarketID  uint32
	Expiry    time.Time
	Timestamp time.Time
}

func (e *ExpirySet) IdempotencyKey() string { return e.RequestID.String() }
func (e *ExpirySet) EventType() EventType   { return EventTypeExpirySet }
func (e *ExpirySet) OccurredAt() time.Time  { return e.Timestamp }
func (e *ExpirySet) SourceSequence() int64  { return 0 }

// LiquidationRequest asks the liquidation engine to settle Liquid's debt in
// OwedMarketID by seizing its HeldMarketID collateral into Solid. A
// non-zero Expiry settles an expired borrow instead.
type LiquidationRequest struct {
	RequestID    uuid.UUID
	Caller       common.Address
	Solid        Account
	Liquid       Account
	OwedMarketID uint32
	HeldMarketID uint32
	Expiry       time.Time
	ExtraData    []byte
	Timestamp    time.Time
}

func (l *LiquidationRequest) IdempotencyKey() string { return l.RequestID.String() }
func (l *LiquidationRequest) EventType() EventType   { return EventTypeLiquidation }
func (l *LiquidationRequest) OccurredAt() time.Time  { return l.Timestamp }
func (l *LiquidationRequest) SourceSequence() int64  { return 0 }
