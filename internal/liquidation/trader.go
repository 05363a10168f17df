package liquidation

import (
	"fmt"

	"IsoLedger/internal/converter"
	"IsoLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Swap converts amount of input into output inside account through the
// registered converter. The caller must operate the account; vaults call
// this for their own accounts.
func (e *Engine) Swap(caller common.Address, account ledger.AccountInfo, input, output ledger.MarketID, amount, minOut *uint256.Int) (*uint256.Int, error) {
	if !e.ledger.IsOperator(account.Owner, caller) {
		return nil, fmt.Errorf("%s on %s: %w", caller.Hex(), account, ledger.ErrNotOperator)
	}
	c, err := e.Converter(input, output)
	if err != nil {
		return nil, err
	}
	actions, err := c.CreateActions(converter.ActionParams{
		PrimaryAccountOwner: account.Owner,
		OtherAccountOwner:   account.Owner,
		OutputMarketID:      output,
		InputMarketID:       input,
		MinOutputAmount:     minOut,
		InputAmount:         amount,
	})
	if err != nil {
		return nil, err
	}

	before := e.ledger.GetAccountWei(account, output)
	if _, err := e.ledger.Operate(e.address, []ledger.AccountInfo{account}, actions); err != nil {
		return nil, err
	}
	gained, err := e.ledger.GetAccountWei(account, output).SubChecked(before)
	if err != nil {
		return nil, err
	}
	return gained.Magnitude(), nil
}
