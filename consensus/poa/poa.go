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

// Package poa implements the proof-of-authority consensus regime: a fixed
// authority set takes turns in round-robin order, one per block index.
// xfsgo has no PoA engine of its own — grounded on
// consensus/dpos/epoch_context.go's lookupValidator, which picks a
// producer by taking a time offset modulo the validator count; this
// engine drops the time-slicing (there is no fixed slot clock in scope
// here) and keys directly off the block index instead (spec 4.5.3).
package poa

import (
	"errors"
	"math/big"

	"budlum"
	"budlum/common"
	"budlum/consensus"
	"budlum/internal/xcrypto"
)

var (
	ErrEmptyAuthoritySet = errors.New("poa: chain config carries no authorities")
	ErrNotAuthorized     = errors.New("poa: producer is not an authority")
	ErrWrongTurn         = errors.New("poa: producer is not authorized for this index")
)

// Engine is the PoA consensus.Engine implementation. It carries no mutable
// state of its own — turn order is a pure function of cfg.Authorities and
// the block index.
type Engine struct {
	cfg *common.ChainConfig
}

func New(cfg *common.ChainConfig) *Engine {
	return &Engine{cfg: cfg}
}

// turnHolder returns the authority whose turn it is at index, and its
// position in the configured set.
func (e *Engine) turnHolder(index uint64) (common.Address, int, error) {
	set := e.cfg.Authorities
	if len(set) == 0 {
		return common.Address{}, 0, ErrEmptyAuthoritySet
	}
	pos := int(index % uint64(len(set)))
	return set[pos], pos, nil
}

func position(set []common.Address, addr common.Address) int {
	for i, a := range set {
		if a == addr {
			return i
		}
	}
	return -1
}

// PrepareBlock signs draft if and only if signer's derived address holds
// this index's turn.
func (e *Engine) PrepareBlock(chain consensus.Chain, state *budlum.AccountState, draft *budlum.Block, signer consensus.Signer) error {
	holder, _, err := e.turnHolder(draft.Header.Index)
	if err != nil {
		return err
	}
	myAddr := xcrypto.DefaultPubKeyToAddr(signer.PubKey().Bytes())
	if myAddr != holder {
		return ErrWrongTurn
	}

	draft.Header.Producer = signer.PubKey()
	draft.Signature = signer.Sign(draft.Hash())
	return nil
}

// ValidateBlock checks the producer is a configured authority and holds
// this index's turn: index mod |set| == position(producer) (spec 4.5.3).
func (e *Engine) ValidateBlock(chain consensus.Chain, state *budlum.AccountState, block *budlum.Block) error {
	if !block.VerifySignature() {
		return budlum.ErrInvalidSignature
	}
	set := e.cfg.Authorities
	if len(set) == 0 {
		return ErrEmptyAuthoritySet
	}
	addr := xcrypto.DefaultPubKeyToAddr(block.Header.Producer.Bytes())
	pos := position(set, addr)
	if pos < 0 {
		return ErrNotAuthorized
	}
	if uint64(pos) != block.Header.Index%uint64(len(set)) {
		return ErrWrongTurn
	}
	return nil
}

// ForkChoiceScore is chain length: index+1 blocks (spec 4.5.3).
func (e *Engine) ForkChoiceScore(chain consensus.Chain, tip *budlum.BlockHeader) *big.Int {
	return new(big.Int).SetUint64(tip.Index + 1)
}

var _ consensus.Engine = (*Engine)(nil)
