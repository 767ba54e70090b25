// Copyright 2018 The xfsgo Authors
// This file is part of the xfsgo library.
//
// The xfsgo library is free software: you can redistribute it and/or modify
// it under the terms of the MIT Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The xfsgo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// MIT Lesser General Public License for more details.
//
// You should have received a copy of the MIT Lesser General Public License
// along with the xfsgo library. If not, see <https://mit-license.org/>.

// Package consensus defines the capability set every consensus regime
// (PoW, PoS, PoA) implements. Trimmed from xfsgo's consensus.Engine
// (Author/Coinbase/VerifyHeader/VerifyHeaders/VerifySeal/Prepare/Finalize/
// Seal/APIs) down to the three verbs spec section 4.5 actually names —
// this module has no uncle handling, no async header-batch verification,
// and no RPC surface baked into the engine itself.
package consensus

import (
	"math/big"

	"budlum"
	"budlum/common"
)

// Chain is the read-only slice of chain state an engine needs to prepare
// or validate a block, kept minimal so engines never reach for locks the
// chain manager already holds.
type Chain interface {
	HeaderByHash(hash common.Hash) *budlum.BlockHeader
	HeaderByIndex(index uint64) *budlum.BlockHeader
	Tip() *budlum.BlockHeader
}

// Ancestors walks tip's own PreviousHash chain back to and including
// genesis, via HeaderByHash rather than HeaderByIndex. HeaderByIndex only
// ever answers with the chain's current canonical header at that height,
// which is wrong for a side branch under evaluation: an engine scoring a
// candidate tip that hasn't overtaken the canonical chain yet must walk
// that candidate's own history, not the header already sitting at each
// height in the canonical index.
func Ancestors(chain Chain, tip *budlum.BlockHeader) []*budlum.BlockHeader {
	headers := []*budlum.BlockHeader{tip}
	cur := tip
	for cur.Index > 0 {
		parent := chain.HeaderByHash(cur.PreviousHash)
		if parent == nil {
			break
		}
		headers = append(headers, parent)
		cur = parent
	}
	return headers
}

// Signer abstracts the producer's signing key so engines never need the
// concrete key type — Ed25519 for header signatures, BLS for stake proofs.
type Signer interface {
	Sign(digest common.Hash) []byte
	PubKey() common.PubKey
}

// Engine is the pluggable-consensus capability set: prepare, validate,
// score. The chain manager is parametric over one Engine instance;
// variants hold their own engine-local state (spec section 9,
// "capability set, not inheritance").
type Engine interface {
	// PrepareBlock finalizes producer-side fields on a draft block: PoW
	// solves the nonce, PoS checks the producer was elected, attaches any
	// pending slashing evidence and signs (no stake proof is attached), PoA
	// verifies the producer's turn and signs.
	PrepareBlock(chain Chain, state *budlum.AccountState, draft *budlum.Block, priv Signer) error

	// ValidateBlock checks every invariant this regime imposes beyond the
	// data-model and state-machine invariants budlum.AccountState.ApplyBlock
	// already enforces. state is the pre-state the block is about to apply
	// against — PoS needs it to check the producer was the elected leader;
	// PoW and PoA ignore it.
	ValidateBlock(chain Chain, state *budlum.AccountState, block *budlum.Block) error

	// ForkChoiceScore is a monotone chain-quality metric; the node follows
	// the highest-scoring tip that respects the finalized floor.
	ForkChoiceScore(chain Chain, tip *budlum.BlockHeader) *big.Int
}
