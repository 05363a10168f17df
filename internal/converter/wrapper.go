package converter

import (
	"fmt"

	"IsoLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Wrapper converts the pool asset into the isolated token by minting pool
// shares into the vault that owns the account.
type Wrapper struct {
	base
}

func (w *Wrapper) Kind() Kind                      { return KindWrapper }
func (w *Wrapper) InputToken() common.Address      { return w.assetToken }
func (w *Wrapper) OutputToken() common.Address     { return w.isoToken }
func (w *Wrapper) InputMarketID() ledger.MarketID  { return w.assetMkt }
func (w *Wrapper) OutputMarketID() ledger.MarketID { return w.isoMarket }

func (w *Wrapper) GetExchangeCost(inputToken, outputToken common.Address, desiredInputAmount *uint256.Int, _ []byte) (*uint256.Int, error) {
	if err := validatePair(inputToken, outputToken, w.assetToken, w.isoToken, desiredInputAmount); err != nil {
		return nil, err
	}
	return w.pool.QuoteMint(desiredInputAmount)
}

// CreateActions queues the vault deposit and sells, both on the primary
// account, which must belong to a vault.
func (w *Wrapper) CreateActions(p ActionParams) ([]ledger.Action, error) {
	if err := validateMarkets(p, w.assetMkt, w.isoMarket); err != nil {
		return nil, err
	}
	return w.actions(p.PrimaryAccountID, p)
}

func (w *Wrapper) CallFunction(caller, _ common.Address, account ledger.AccountInfo, _ []byte) error {
	if err := w.onlyLedger(caller); err != nil {
		return err
	}
	leave, err := w.enter()
	if err != nil {
		return err
	}
	defer leave()

	if !w.factory.IsVault(account.Owner) {
		return fmt.Errorf("%s: %w", account.Owner.Hex(), ErrNotVault)
	}
	return w.factory.EnqueueTransferIntoLedger(w.address, account.Owner)
}

// Exchange mints shares with the asset the ledger sent, moves them into the
// queued vault and leaves the matching isolated tokens for the ledger.
func (w *Wrapper) Exchange(
	caller, _, _, makerToken, takerToken common.Address,
	amount *uint256.Int,
	orderData []byte,
) (*uint256.Int, error) {
	if err := w.onlyLedger(caller); err != nil {
		return nil, err
	}
	if err := validatePair(takerToken, makerToken, w.assetToken, w.isoToken, amount); err != nil {
		return nil, err
	}
	leave, err := w.enter()
	if err != nil {
		return nil, err
	}
	defer leave()

	minOut, _, err := ledger.DecodeSellData(orderData)
	if err != nil {
		return nil, err
	}
	shares, err := w.pool.Mint(w.address, amount, minOut, w.address)
	if err != nil {
		return nil, err
	}
	if err := w.factory.ConsumeTransferIntoLedger(w.address, shares); err != nil {
		return nil, err
	}

	w.logger.Debug().
		Str("input", amount.Dec()).
		Str("output", shares.Dec()).
		Msg("wrapped")
	return shares, nil
}
