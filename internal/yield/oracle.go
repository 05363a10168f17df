package yield

import (
	"fmt"

	fpmath "IsoLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetPricer prices a plain token.
type AssetPricer interface {
	GetPrice(token common.Address) (*uint256.Int, error)
}

// SharePriceOracle prices pool shares, and any token wrapping them 1:1, from
// the pool's backing and the asset price. The price is discounted by the
// pool's maximum fee so collateral is never valued above what a redemption
// would realize in the worst case.
type SharePriceOracle struct {
	pool   *Pool
	assets AssetPricer
}

func NewSharePriceOracle(pool *Pool, assets AssetPricer) *SharePriceOracle {
	return &SharePriceOracle{pool: pool, assets: assets}
}

func (o *SharePriceOracle) GetPrice(tok common.Address) (*uint256.Int, error) {
	assetPrice, err := o.assets.GetPrice(o.pool.Asset())
	if err != nil {
		return nil, fmt.Errorf("share price for %s: %w", tok.Hex(), err)
	}
	return fpmath.SharePrice(assetPrice, o.pool.TotalValue(), o.pool.TotalShares(), o.pool.MaxFeeBps())
}
