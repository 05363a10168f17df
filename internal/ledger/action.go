package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type ActionType uint8

const (
	ActionDeposit ActionType = iota
	ActionWithdraw
	ActionTransfer
	ActionSell
	ActionLiquidate
	ActionExpire
	ActionCall
)

func (t ActionType) String() string {
	switch t {
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	case ActionTransfer:
		return "transfer"
	case ActionSell:
		return "sell"
	case ActionLiquidate:
		return "liquidate"
	case ActionExpire:
		return "expire"
	case ActionCall:
		return "call"
	default:
		return "unknown"
	}
}

// Action is one step of an Operate call. Account ids index into the
// accounts slice passed to Operate.
//
//	Deposit   AccountID += Amount of PrimaryMarketID, pulled from OtherAddress
//	Withdraw  AccountID -= Amount of PrimaryMarketID, sent to OtherAddress
//	Transfer  AccountID -> OtherAccountID, Amount of PrimaryMarketID
//	Sell      Amount of PrimaryMarketID (taker) through wrapper OtherAddress
//	          into SecondaryMarketID (maker); Data is the order data
//	Liquidate AccountID (solid) repays OtherAccountID's (liquid) debt in
//	          PrimaryMarketID for SecondaryMarketID collateral. A nil Amount
//	          repays the whole debt
//	Expire    as Liquidate, gated on the registered expiry encoded in Data
//	Call      invokes callee OtherAddress for AccountID with Data
type Action struct {
	Type              ActionType
	AccountID         int
	OtherAccountID    int
	PrimaryMarketID   MarketID
	SecondaryMarketID MarketID
	Amount            *uint256.Int
	OtherAddress      common.Address
	Data              []byte
}
