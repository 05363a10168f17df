package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// StakingOpKind selects what a StakingOperation does on the staking router.
type StakingOpKind string

const (
	StakingOpStake          StakingOpKind = "stake"
	StakingOpUnstake        StakingOpKind = "unstake"
	StakingOpSignalTransfer StakingOpKind = "signal_transfer"
	StakingOpAccrueRewards  StakingOpKind = "accrue_rewards"
)

// StakingOperation is a direct call on a staking router by an account that
// holds pool shares outside any vault.
//
// Account signs stake, unstake and signal_transfer. For accrue_rewards
// Caller must be governance and Account is credited. Receiver is the
// unstake recipient (Account when zero) or the signal_transfer target.
type StakingOperation struct {
	RequestID uuid.UUID
	Staking   common.Address
	Kind      StakingOpKind
	Caller    common.Address
	Account   common.Address
	Receiver  common.Address
	Amount    *uint256.Int
	Vesting   bool
	Timestamp time.Time
}

func (s *StakingOperation) IdempotencyKey() string { return s.RequestID.String() }
func (s *StakingOperation) EventType() EventType   { return EventTypeStakingOperation }
func (s *StakingOperation) OccurredAt() time.Time  { return s.Timestamp }
func (s *StakingOperation) SourceSequence() int64  { return 0 }

// PoolOpKind selects what a PoolOperation does.
type PoolOpKind string

const (
	PoolOpMint        PoolOpKind = "mint"
	PoolOpRedeem      PoolOpKind = "redeem"
	PoolOpSetReserved PoolOpKind = "set_reserved"
)

// PoolOperation mints or redeems pool shares for Account, or (governance
// only) sets the asset amount the pool holds back from redemptions.
type PoolOperation struct {
	RequestID uuid.UUID
	Pool      common.Address
	Kind      PoolOpKind
	Account   common.Address
	Receiver  common.Address
	Amount    *uint256.Int
	MinOutput *uint256.Int
	Timestamp time.Time
}

func (p *PoolOperation) IdempotencyKey() string { return p.RequestID.String() }
func (p *PoolOperation) EventType() EventType   { return EventTypePoolOperation }
func (p *PoolOperation) OccurredAt() time.Time  { return p.Timestamp }
func (p *PoolOperation) SourceSequence() int64  { return 0 }
