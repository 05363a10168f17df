package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// MarketID identifies a listed asset.
type MarketID uint32

// AccountInfo identifies one sub-position of an owner. Accounts are created
// implicitly on first use and are never destroyed.
type AccountInfo struct {
	Owner  common.Address
	Number uint64
}

func (a AccountInfo) String() string {
	return fmt.Sprintf("%s/%d", a.Owner.Hex(), a.Number)
}

// AccountPath returns the string representation for storage/logging.
func (a AccountInfo) AccountPath() string {
	return fmt.Sprintf("account:%s:%d", a.Owner.Hex(), a.Number)
}

// AccountKey addresses one balance: an account in one market.
type AccountKey struct {
	Account AccountInfo
	Market  MarketID
}

func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:market:%d", k.Account.AccountPath(), k.Market)
}
