package event

import (
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeVaultCreate
	EventTypeVaultDeposit
	EventTypeVaultWithdrawal
	EventTypeConverterTrustUpdate
	EventTypePriceUpdate
	EventTypeExpirySet
	EventTypeLiquidation
	EventTypeVaultOperation
	EventTypeStakingOperation
	EventTypePoolOperation
)

// EventEnvelope wraps every applied event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation, 0 when unordered
	SourceSequence int64

	// JSON-encoded event
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all commands fed to the core implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// OccurredAt is the command's versioned timestamp. The core's clock
	// reads it while the command is applied.
	OccurredAt() time.Time

	// SourceSequence returns upstream ordering key
	SourceSequence() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypeVaultCreate:
		return "VaultCreate"
	case EventTypeVaultDeposit:
		return "VaultDeposit"
	case EventTypeVaultWithdrawal:
		return "VaultWithdrawal"
	case EventTypeConverterTrustUpdate:
		return "ConverterTrustUpdate"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeExpirySet:
		return "ExpirySet"
	case EventTypeLiquidation:
		return "Liquidation"
	case EventTypeVaultOperation:
		return "VaultOperation"
	case EventTypeStakingOperation:
		return "StakingOperation"
	case EventTypePoolOperation:
		return "PoolOperation"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) EventType {
	for et := EventTypeVaultCreate; et <= EventTypePoolOperation; et++ {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}
