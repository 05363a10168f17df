package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// VaultRecord is one row of a factory's owner <-> vault registry.
type VaultRecord struct {
	Factory          common.Address
	Owner            common.Address
	Vault            common.Address
	AcceptedTransfer bool
}

// ConverterRecord is a change to a factory's trusted converter set.
type ConverterRecord struct {
	Factory   common.Address
	Converter common.Address
	Trusted   bool
}

type SettlementKind string

const (
	SettlementLiquidation SettlementKind = "liquidation"
	SettlementExpiration  SettlementKind = "expiration"
)

// SettlementRecord is one entry of the settlement log.
type SettlementRecord struct {
	ID           uuid.UUID
	RequestID    uuid.UUID
	Kind         SettlementKind
	Solid        Account
	Liquid       Account
	OwedMarketID uint32
	HeldMarketID uint32
	OwedRepaid   *uint256.Int
	HeldSeized   *uint256.Int
	QuotedOutput *uint256.Int
	SolidProfit  *uint256.Int
	Converter    common.Address
	Expiry       time.Time
	Timestamp    time.Time
}

var settlementNamespace = uuid.MustParse("8f3c1a52-6a0e-4b8e-9d3e-4c2f7b1e5a90")

// SettlementID derives a settlement's id from the request that produced it,
// so replaying the event log yields the same ids.
func SettlementID(requestID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(settlementNamespace, requestID[:])
}
