package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// PriceUpdate sets the oracle price of a plain token. Price is in the
// ledger's 36-decimal scale.
type PriceUpdate struct {
	Token         common.Address
	Price         *uint256.Int
	PriceSequence int64 // Monotonic per token
	Timestamp     time.Time
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.Token.Hex(), p.PriceSequence)
}

func (p *PriceUpdate) EventType() EventType  { return EventTypePriceUpdate }
func (p *PriceUpdate) OccurredAt() time.Time { return p.Timestamp }
func (p *PriceUpdate) SourceSequence() int64 { return p.PriceSequence }
