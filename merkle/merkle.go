// Package merkle builds the duplicate-last binary Merkle tree used for both
// the per-block transaction root and the account/validator state root.
// Grounded on frederikgramkortegaard-august/blockchain/crypto.go's
// MerkleTransactions (the same duplicate-last pairing algorithm), adapted
// from a fixed transaction-hashing helper into a generic leaf-hash reducer
// so it can also serve the state root.
package merkle

import (
	"budlum/common"
	"budlum/internal/xcrypto"
)

// Root computes the Merkle root over an ordered list of leaf hashes. An
// empty list returns the all-zero constant. Odd levels duplicate their last
// element before pairing.
func Root(leaves []common.Hash) common.Hash {
	if len(leaves) == 0 {
		return common.ZeroHash
	}
	level := make([]common.Hash, len(leaves))
	copy(level, leaves)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]common.Hash, len(level)/2)
		for i := 0; i < len(next); i++ {
			next[i] = xcrypto.H(level[2*i].Bytes(), level[2*i+1].Bytes())
		}
		level = next
	}
	return level[0]
}
