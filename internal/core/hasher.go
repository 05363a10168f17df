package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"IsoLedger/internal/yield"

	"github.com/holiman/uint256"
)

const GenesisHashSeed = "IsoLedger:genesis:v1"

// StateHasher chains state hashes across applied events
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// computeStateDigest serializes the world in a canonical order: ledger
// balances, token balances, pool totals, staking positions, then each
// factory's vault registry and trust list.
//
//	balance:   owner(20) | number(8 LE) | market(4 LE) | sign(1) | value(32 BE)
//	holding:   token(20) | owner(20) | value(32 BE)
//	pool:      pool(20) | value(32 BE) | shares(32 BE) | reserved(32 BE)
//	stake:     router(20) | account(20) | staked | vesting | rewards | vesting rewards (32 BE each) | pending(20)
//	vault:     factory(20) | owner(20) | vault(20) | accepted(1)
//	converter: factory(20) | converter(20)
func computeStateDigest(w *World) []byte {
	entries := w.Ledger.Balances().Snapshot()
	holdings := w.Bank.Snapshot()
	digest := make([]byte, 0, len(entries)*65+len(holdings)*72)

	for _, e := range entries {
		digest = append(digest, e.Account.Owner.Bytes()...)
		digest = binary.LittleEndian.AppendUint64(digest, e.Account.Number)
		digest = binary.LittleEndian.AppendUint32(digest, uint32(e.Market))
		if e.Balance.Sign {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
		digest = appendWord(digest, &e.Balance.Value)
	}

	for _, h := range holdings {
		digest = append(digest, h.Token.Bytes()...)
		digest = append(digest, h.Owner.Bytes()...)
		digest = appendWord(digest, &h.Balance)
	}

	pools := make([]*yield.Pool, 0, len(w.Pools))
	for _, p := range w.Pools {
		pools = append(pools, p)
	}
	sort.Slice(pools, func(i, j int) bool {
		return bytes.Compare(pools[i].Address().Bytes(), pools[j].Address().Bytes()) < 0
	})
	for _, p := range pools {
		digest = append(digest, p.Address().Bytes()...)
		digest = appendWord(digest, p.TotalValue())
		digest = appendWord(digest, p.TotalShares())
		digest = appendWord(digest, p.Reserved())
	}

	routers := make([]*yield.Staking, 0, len(w.Staking))
	for _, s := range w.Staking {
		routers = append(routers, s)
	}
	sort.Slice(routers, func(i, j int) bool {
		return bytes.Compare(routers[i].Address().Bytes(), routers[j].Address().Bytes()) < 0
	})
	for _, s := range routers {
		for _, e := range s.Snapshot() {
			digest = append(digest, s.Address().Bytes()...)
			digest = append(digest, e.Account.Bytes()...)
			digest = appendWord(digest, &e.Position.Staked)
			digest = appendWord(digest, &e.Position.Vesting)
			digest = appendWord(digest, &e.Position.Rewards)
			digest = appendWord(digest, &e.Position.VestingRewards)
			digest = append(digest, e.PendingReceiver.Bytes()...)
		}
	}

	for _, f := range w.Factories {
		for _, v := range f.Vaults() {
			digest = append(digest, f.Address().Bytes()...)
			digest = append(digest, v.Owner().Bytes()...)
			digest = append(digest, v.Address().Bytes()...)
			if v.HasAcceptedFullAccountTransfer() {
				digest = append(digest, 1)
			} else {
				digest = append(digest, 0)
			}
		}
		for _, c := range f.TrustedConverters() {
			digest = append(digest, f.Address().Bytes()...)
			digest = append(digest, c.Bytes()...)
		}
	}

	return digest
}

func appendWord(digest []byte, v *uint256.Int) []byte {
	word := v.Bytes32()
	return append(digest, word[:]...)
}
