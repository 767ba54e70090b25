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

// Package pow implements the proof-of-work consensus regime: a difficulty
// target derived from a scalar difficulty counter, a nonce-increment
// mining loop, and periodic retargeting. Grounded on
// consensus/xfshash/consensus.go's Prepare/VerifySeal/CalcDifficulty
// trio, generalized from ethash's byte-mask compact difficulty encoding
// to the plain integer difficulty spec 4.5.1 defines (this chain's block
// header carries no difficulty field of its own — every node recomputes
// it deterministically from block timestamps, the same way it recomputes
// state_root).
package pow

import (
	"errors"
	"math/big"
	"sync"

	"budlum"
	"budlum/common"
	"budlum/consensus"

	"github.com/holiman/uint256"
)

var (
	ErrTargetNotMet = errors.New("pow: block hash does not meet difficulty target")
	// maxTarget is 2^256-1: a hash is exactly 32 bytes, so the target
	// comparison fits a fixed-width 256-bit integer rather than
	// arbitrary-precision math/big, the same type the teacher reaches for
	// in common/uint256.go for other 256-bit quantities.
	maxTarget = new(uint256.Int).Not(new(uint256.Int))
)

// Target returns the maximum hash value (as a big-endian 256-bit integer)
// that satisfies difficulty d: each unit of difficulty halves the space of
// acceptable hashes.
func Target(difficulty uint32) *uint256.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	return new(uint256.Int).Rsh(maxTarget, uint(difficulty))
}

func meetsTarget(hash common.Hash, difficulty uint32) bool {
	value := new(uint256.Int).SetBytes32(hash.Bytes())
	return value.Cmp(Target(difficulty)) <= 0
}

// Engine is the PoW consensus.Engine implementation. Abort, when non-nil,
// is polled between nonce attempts so a long mining loop can be cancelled
// without blocking the transport loop (spec section 5).
type Engine struct {
	mu    sync.Mutex
	cfg   *common.ChainConfig
	Abort <-chan struct{}
}

func New(cfg *common.ChainConfig) *Engine {
	return &Engine{cfg: cfg}
}

// ExpectedDifficulty recomputes the difficulty in force at index by
// walking back to the last retarget boundary and applying spec 4.5.1's
// rule: span < expected/2 → +1, span > expected*2 → max(1, -1), else
// unchanged. expected is adjustment_interval slots at slot_duration_ms.
func (e *Engine) ExpectedDifficulty(chain consensus.Chain, index uint64) uint32 {
	interval := e.cfg.AdjustmentInterval
	if interval == 0 {
		interval = 100
	}
	if index < interval {
		return e.cfg.InitialDifficulty
	}
	boundary := (index / interval) * interval
	if index != boundary {
		return e.ExpectedDifficulty(chain, boundary)
	}

	windowStart := chain.HeaderByIndex(index - interval)
	windowEnd := chain.HeaderByIndex(index - 1)
	prev := e.ExpectedDifficulty(chain, index-interval)
	if windowStart == nil || windowEnd == nil || windowEnd.Timestamp < windowStart.Timestamp {
		return prev
	}

	span := windowEnd.Timestamp - windowStart.Timestamp
	expected := e.cfg.SlotDurationMs * interval

	switch {
	case span < expected/2:
		return prev + 1
	case span > expected*2:
		if prev <= 1 {
			return 1
		}
		return prev - 1
	default:
		return prev
	}
}

// PrepareBlock mines: increment nonce, recompute hash, until it meets the
// target for this height's expected difficulty.
func (e *Engine) PrepareBlock(chain consensus.Chain, state *budlum.AccountState, draft *budlum.Block, signer consensus.Signer) error {
	e.mu.Lock()
	difficulty := e.ExpectedDifficulty(chain, draft.Header.Index)
	e.mu.Unlock()

	draft.Header.Producer = signer.PubKey()
	for nonce := uint64(0); ; nonce++ {
		select {
		case <-e.Abort:
			return errors.New("pow: mining aborted")
		default:
		}
		draft.Header.Nonce = nonce
		hash := draft.Hash()
		if meetsTarget(hash, difficulty) {
			draft.Signature = signer.Sign(hash)
			return nil
		}
	}
}

// ValidateBlock checks the block's hash against the difficulty this
// height's retarget schedule demands, then the producer's signature over
// that hash. PoW has no notion of an elected producer, so the pre-state is
// unused — but whoever mined the block still has to have signed it.
func (e *Engine) ValidateBlock(chain consensus.Chain, _ *budlum.AccountState, block *budlum.Block) error {
	difficulty := e.ExpectedDifficulty(chain, block.Header.Index)
	if !meetsTarget(block.Hash(), difficulty) {
		return ErrTargetNotMet
	}
	if !block.VerifySignature() {
		return budlum.ErrInvalidSignature
	}
	return nil
}

// ForkChoiceScore is cumulative work: the sum of 2^difficulty over every
// block on tip's own branch, back to genesis (spec 4.5.1), not chain
// length. It walks tip's ancestry directly rather than the canonical
// height index, so a side branch is scored over its own blocks. The
// difficulty counted for each block still comes from ExpectedDifficulty,
// whose retarget windows read timestamps from the canonical height index.
func (e *Engine) ForkChoiceScore(chain consensus.Chain, tip *budlum.BlockHeader) *big.Int {
	total := new(big.Int)
	for _, h := range consensus.Ancestors(chain, tip) {
		d := e.ExpectedDifficulty(chain, h.Index)
		total.Add(total, new(big.Int).Lsh(big.NewInt(1), uint(d)))
	}
	return total
}
