package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/holiman/uint256"
)

var ErrMalformedData = errors.New("malformed action data")

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	uint64Type, _  = abi.NewType("uint64", "", nil)
	bytesType, _   = abi.NewType("bytes", "", nil)

	sellDataArgs = abi.Arguments{{Name: "minOutputAmount", Type: uint256Type}, {Name: "extraData", Type: bytesType}}
	amountArgs   = abi.Arguments{{Name: "amount", Type: uint256Type}}
	expiryArgs   = abi.Arguments{{Name: "expiry", Type: uint64Type}}
)

// EncodeSellData packs the order data carried by a Sell action.
func EncodeSellData(minOutputAmount *uint256.Int, extraData []byte) ([]byte, error) {
	if extraData == nil {
		extraData = []byte{}
	}
	return sellDataArgs.Pack(minOutputAmount.ToBig(), extraData)
}

func DecodeSellData(data []byte) (*uint256.Int, []byte, error) {
	vals, err := sellDataArgs.Unpack(data)
	if err != nil {
		return nil, nil, fmt.Errorf("sell data: %w: %v", ErrMalformedData, err)
	}
	minOut, err := toUint256(vals[0])
	if err != nil {
		return nil, nil, fmt.Errorf("sell data min output: %w", err)
	}
	extra, ok := vals[1].([]byte)
	if !ok {
		return nil, nil, fmt.Errorf("sell data extra: %w", ErrMalformedData)
	}
	return minOut, extra, nil
}

// EncodeCallAmount packs the transfer amount of a converter Call action.
func EncodeCallAmount(amount *uint256.Int) ([]byte, error) {
	return amountArgs.Pack(amount.ToBig())
}

func DecodeCallAmount(data []byte) (*uint256.Int, error) {
	vals, err := amountArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("call amount: %w: %v", ErrMalformedData, err)
	}
	return toUint256(vals[0])
}

// EncodeExpireData packs the expiry an Expire action is expected to match.
func EncodeExpireData(expiry time.Time) ([]byte, error) {
	return expiryArgs.Pack(uint64(expiry.Unix()))
}

func DecodeExpireData(data []byte) (time.Time, error) {
	vals, err := expiryArgs.Unpack(data)
	if err != nil {
		return time.Time{}, fmt.Errorf("expire data: %w: %v", ErrMalformedData, err)
	}
	secs, ok := vals[0].(uint64)
	if !ok {
		return time.Time{}, fmt.Errorf("expire data: %w", ErrMalformedData)
	}
	return time.Unix(int64(secs), 0).UTC(), nil
}

func toUint256(v interface{}) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, ErrMalformedData
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, ErrMalformedData
	}
	return u, nil
}
