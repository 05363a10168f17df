package vault

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

func sortVaults(vs []*Vault) {
	sort.Slice(vs, func(i, j int) bool {
		return bytes.Compare(vs[i].address.Bytes(), vs[j].address.Bytes()) < 0
	})
}

func sortAddresses(as []common.Address) {
	sort.Slice(as, func(i, j int) bool {
		return bytes.Compare(as[i].Bytes(), as[j].Bytes()) < 0
	})
}
