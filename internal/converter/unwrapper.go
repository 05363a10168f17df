package converter

import (
	"fmt"

	"IsoLedger/internal/ledger"
	"IsoLedger/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Unwrapper converts the isolated token into the pool asset by redeeming
// the vault's underlying shares.
type Unwrapper struct {
	base
	policy vault.UnwindPolicy
}

func (u *Unwrapper) Kind() Kind                      { return KindUnwrapper }
func (u *Unwrapper) InputToken() common.Address      { return u.isoToken }
func (u *Unwrapper) OutputToken() common.Address     { return u.assetToken }
func (u *Unwrapper) InputMarketID() ledger.MarketID  { return u.isoMarket }
func (u *Unwrapper) OutputMarketID() ledger.MarketID { return u.assetMkt }

func (u *Unwrapper) GetExchangeCost(inputToken, outputToken common.Address, desiredInputAmount *uint256.Int, _ []byte) (*uint256.Int, error) {
	if err := validatePair(inputToken, outputToken, u.isoToken, u.assetToken, desiredInputAmount); err != nil {
		return nil, err
	}
	return u.pool.QuoteRedeem(desiredInputAmount)
}

// CreateActions queues the vault release on the account holding the vault
// (OtherAccountID) and sells from the primary account.
func (u *Unwrapper) CreateActions(p ActionParams) ([]ledger.Action, error) {
	if err := validateMarkets(p, u.isoMarket, u.assetMkt); err != nil {
		return nil, err
	}
	return u.actions(p.OtherAccountID, p)
}

func (u *Unwrapper) CallFunction(caller, _ common.Address, account ledger.AccountInfo, data []byte) error {
	if err := u.onlyLedger(caller); err != nil {
		return err
	}
	leave, err := u.enter()
	if err != nil {
		return err
	}
	defer leave()

	v := u.factory.VaultAt(account.Owner)
	if v == nil {
		return fmt.Errorf("%s: %w", account.Owner.Hex(), ErrNotVault)
	}
	amount, err := ledger.DecodeCallAmount(data)
	if err != nil {
		return err
	}
	if bal := v.UnderlyingBalanceOf(); bal.Lt(amount) {
		return fmt.Errorf("vault %s holds %s, need %s: %w",
			v.Address().Hex(), bal.Dec(), amount.Dec(), ErrInsufficientVaultBalance)
	}
	return u.factory.EnqueueTransferFromLedger(u.address, v.Address(), amount, u.policy)
}

// Exchange redeems the underlying released by the queued vault and leaves
// the output on the converter for the ledger to collect.
func (u *Unwrapper) Exchange(
	caller, _, _, makerToken, takerToken common.Address,
	amount *uint256.Int,
	orderData []byte,
) (*uint256.Int, error) {
	if err := u.onlyLedger(caller); err != nil {
		return nil, err
	}
	if err := validatePair(takerToken, makerToken, u.isoToken, u.assetToken, amount); err != nil {
		return nil, err
	}
	leave, err := u.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	minOut, _, err := ledger.DecodeSellData(orderData)
	if err != nil {
		return nil, err
	}
	if err := u.factory.ConsumeTransferFromLedger(u.address, amount); err != nil {
		return nil, err
	}
	out, err := u.pool.Redeem(u.address, amount, minOut, u.address)
	if err != nil {
		return nil, err
	}

	u.logger.Debug().
		Str("input", amount.Dec()).
		Str("output", out.Dec()).
		Msg("unwrapped")
	return out, nil
}
