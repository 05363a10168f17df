package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownEventType = errors.New("unknown event type")

// Encode serializes evt for the event log.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode is the inverse of Encode.
func Decode(et EventType, data []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeVaultCreate:
		evt = &VaultCreate{}
	case EventTypeVaultDeposit:
		evt = &VaultDeposit{}
	case EventTypeVaultWithdrawal:
		evt = &VaultWithdrawal{}
	case EventTypeConverterTrustUpdate:
		evt = &ConverterTrustUpdate{}
	case EventTypePriceUpdate:
		evt = &PriceUpdate{}
	case EventTypeExpirySet:
		evt = &ExpirySet{}
	case EventTypeLiquidation:
		evt = &LiquidationRequest{}
	case EventTypeVaultOperation:
		evt = &VaultOperation{}
	case EventTypeStakingOperation:
		evt = &StakingOperation{}
	case EventTypePoolOperation:
		evt = &PoolOperation{}
	default:
		return nil, fmt.Errorf("%d: %w", et, ErrUnknownEventType)
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
