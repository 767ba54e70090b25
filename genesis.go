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

package budlum

import (
	"budlum/common"
	"budlum/merkle"
)

// GenesisAlloc credits an address with an opening balance, replacing
// xfsgo's Genesis.Accounts map[b58string]balanceString with a typed list —
// this module carries no textual balance parsing (see DESIGN.md).
type GenesisAlloc struct {
	Address common.Address `json:"address"`
	PubKey  common.PubKey  `json:"pub_key"`
	Balance uint64         `json:"balance"`
}

// GenesisValidator seeds the initial validator set for PoS/PoA chains, in
// place of xfsgo's Genesis.Config.Dpos.Validators.
type GenesisValidator struct {
	Address common.Address `json:"address"`
	Stake   uint64         `json:"stake"`
}

// GenesisTimestampMs is fixed and network-known, matching spec section 3's
// "genesis block has ... a fixed timestamp" — the teacher instead parses a
// configurable Genesis.Timestamp string; this chain pins one value so every
// node derives the identical genesis hash without reading any config.
const GenesisTimestampMs uint64 = 1_700_000_000_000

// BuildGenesis constructs the height-0 block and the state it produces.
// Index=0, previous_hash=zero, no transactions, no producer signature:
// every node computes the identical hash from cfg and the allocation
// lists, so genesis is "network-known" without ever being signed or
// broadcast, mirroring the teacher's WriteGenesisBlockN computing a
// deterministic state root and header up front.
func BuildGenesis(cfg *common.ChainConfig, allocs []GenesisAlloc, validators []GenesisValidator) (*Block, *AccountState) {
	state := NewAccountState()
	for _, a := range allocs {
		state.accounts[a.Address] = &Account{PublicKey: a.PubKey, Balance: a.Balance}
	}
	for _, v := range validators {
		state.validators[v.Address] = &Validator{Address: v.Address, Stake: v.Stake, Active: true}
	}

	header := &BlockHeader{
		Index:        0,
		Timestamp:    GenesisTimestampMs,
		PreviousHash: common.ZeroHash,
		ChainID:      cfg.ChainId,
		TxRoot:       merkle.Root(nil),
		StateRoot:    state.StateRoot(),
	}
	block := &Block{Header: header}
	return block, state
}
