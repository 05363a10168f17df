package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// VaultCreate asks a factory for a new vault. A non-zero TransferFrom also
// pulls that account's whole staking position into the vault.
type VaultCreate struct {
	RequestID    uuid.UUID
	Factory      common.Address
	Owner        common.Address
	TransferFrom common.Address
	Timestamp    time.Time
}

func (v *VaultCreate) IdempotencyKey() string { return v.RequestID.String() }
func (v *VaultCreate) EventType() EventType   { return EventTypeVaultCreate }
func (v *VaultCreate) OccurredAt() time.Time  { return v.Timestamp }
func (v *VaultCreate) SourceSequence() int64  { return 0 }

// WithTransfer reports whether the command also accepts a full account
// transfer.
func (v *VaultCreate) WithTransfer() bool {
	return v.TransferFrom != (common.Address{})
}

// VaultDeposit moves the owner's underlying into their vault and credits the
// isolated token to a ledger sub-account of the vault.
type VaultDeposit struct {
	RequestID     uuid.UUID
	Factory       common.Address
	Owner         common.Address
	AccountNumber uint64
	Amount        *uint256.Int
	Timestamp     time.Time
}

func (v *VaultDeposit) IdempotencyKey() string { return v.RequestID.String() }
func (v *VaultDeposit) EventType() EventType   { return EventTypeVaultDeposit }
func (v *VaultDeposit) OccurredAt() time.Time  { return v.Timestamp }
func (v *VaultDeposit) SourceSequence() int64  { return 0 }

// VaultWithdrawal is the reverse of VaultDeposit. Forfeit selects how
// vesting is cancelled if the vault has to unwind.
type VaultWithdrawal struct {
	RequestID     uuid.UUID
	Factory       common.Address
	Owner         common.Address
	AccountNumber uint64
	Amount        *uint256.Int
	Forfeit       bool
	Timestamp     time.Time
}

func (v *VaultWithdrawal) IdempotencyKey() string { return v.RequestID.String() }
func (v *VaultWithdrawal) EventType() EventType   { return EventTypeVaultWithdrawal }
func (v *VaultWithdrawal) OccurredAt() time.Time  { return v.Timestamp }
func (v *VaultWithdrawal) SourceSequence() int64  { return 0 }

// ConverterTrustUpdate is a governance change to a factory's trust list.
type ConverterTrustUpdate struct {
	RequestID uuid.UUID
	Factory   common.Address
	Caller    common.Address
	Converter common.Address
	Trusted   bool
	Timestamp time.Time
}

func (c *ConverterTrustUpdate) IdempotencyKey() string { return c.RequestID.String() }
func (c *ConverterTrustUpdate) EventType() EventType   { return EventTypeConverterTrustUpdate }
func (c *ConverterTrustUpdate) OccurredAt() time.Time  { return c.Timestamp }
func (c *ConverterTrustUpdate) SourceSequence() int64  { return 0 }

// VaultOpKind selects the owner operation a VaultOperation performs.
type VaultOpKind string

const (
	VaultOpStake         VaultOpKind = "stake"
	VaultOpUnstake       VaultOpKind = "unstake"
	VaultOpVest          VaultOpKind = "vest"
	VaultOpUnvest        VaultOpKind = "unvest"
	VaultOpClaimRewards  VaultOpKind = "claim_rewards"
	VaultOpDepositOther  VaultOpKind = "deposit_other"
	VaultOpWithdrawOther VaultOpKind = "withdraw_other"
	VaultOpSwap          VaultOpKind = "swap"
)

// VaultOperation is any other owner call on an existing vault.
//
// MarketID is the plain market for deposit_other and withdraw_other and the
// input market for swap. Forfeit applies to unvest.
type VaultOperation struct {
	RequestID      uuid.UUID
	Factory        common.Address
	Owner          common.Address
	Kind           VaultOpKind
	AccountNumber  uint64
	MarketID       uint32
	OutputMarketID uint32
	Amount         *uint256.Int
	MinOutput      *uint256.Int
	Forfeit        bool
	Timestamp      time.Time
}

func (v *VaultOperation) IdempotencyKey() string { return v.RequestID.String() }
func (v *VaultOperation) EventType() EventType   { return EventTypeVaultOperation }
func (v *VaultOperation) OccurredAt() time.Time  { return v.Timestamp }
func (v *VaultOperation) SourceSequence() int64  { return 0 }
