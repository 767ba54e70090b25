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

package rpcserver

import (
	"strconv"
	"time"

	"budlum"
	"budlum/chain"
	"budlum/common"
	"budlum/internal/reputation"
	"budlum/mempool"
)

// HeaderJSON mirrors the wire fields of a block header for RPC responses.
type HeaderJSON struct {
	Index        uint64      `json:"index"`
	Hash         common.Hash `json:"hash"`
	PreviousHash common.Hash `json:"previous_hash"`
	Timestamp    uint64      `json:"timestamp"`
}

func headerJSON(h *budlum.BlockHeader) HeaderJSON {
	return HeaderJSON{Index: h.Index, Hash: h.Hash(), PreviousHash: h.PreviousHash, Timestamp: h.Timestamp}
}

// ChainAPIHandler serves read-only chain-tip and finality diagnostics,
// grounded on the teacher's api.ChainAPIHandler shape (an Args struct plus
// one method per query) though with a far smaller surface: the core
// exposes tip/height/finality, not full block/tx explorer endpoints.
type ChainAPIHandler struct {
	Chain *chain.ChainManager
}

type NoArgs struct{}

type TipReply struct {
	Found  bool       `json:"found"`
	Header HeaderJSON `json:"header"`
}

// Tip returns the current canonical tip.
func (h *ChainAPIHandler) Tip(_ NoArgs, reply *TipReply) error {
	tip := h.Chain.Tip()
	if tip == nil {
		return nil
	}
	reply.Found = true
	reply.Header = headerJSON(tip)
	return nil
}

type FinalizedHeightReply struct {
	Height uint64 `json:"height"`
}

// FinalizedHeight returns the highest height covered by a finality
// certificate (or, for engines with no notion of finality, 0).
func (h *ChainAPIHandler) FinalizedHeight(_ NoArgs, reply *FinalizedHeightReply) error {
	reply.Height = h.Chain.FinalizedHeight()
	return nil
}

type GetHeaderByIndexArgs struct {
	Index string `json:"index"`
}

// HeaderByIndex looks a header up by height.
func (h *ChainAPIHandler) HeaderByIndex(args GetHeaderByIndexArgs, reply *TipReply) error {
	idx, err := strconv.ParseUint(args.Index, 10, 64)
	if err != nil {
		return NewRPCErrorCause(-32602, err)
	}
	hdr := h.Chain.HeaderByIndex(idx)
	if hdr == nil {
		return nil
	}
	reply.Found = true
	reply.Header = headerJSON(hdr)
	return nil
}

type GetHeaderByHashArgs struct {
	Hash string `json:"hash"`
}

// HeaderByHash looks a header up by its hash.
func (h *ChainAPIHandler) HeaderByHash(args GetHeaderByHashArgs, reply *TipReply) error {
	hdr := h.Chain.HeaderByHash(common.Hex2Hash(args.Hash))
	if hdr == nil {
		return nil
	}
	reply.Found = true
	reply.Header = headerJSON(hdr)
	return nil
}

// MempoolAPIHandler exposes read-only mempool diagnostics.
type MempoolAPIHandler struct {
	Mempool *mempool.Mempool
}

// MempoolLenReply reports pending transaction count.
type MempoolLenReply struct {
	Len int `json:"len"`
}

// Len returns the number of transactions currently pending.
func (h *MempoolAPIHandler) Len(_ NoArgs, reply *MempoolLenReply) error {
	reply.Len = h.Mempool.Len()
	return nil
}

// NetAPIHandler exposes read-only peer-reputation diagnostics, grounded
// on the teacher's api.NetAPIHandler (which reports p2p.Server peer
// counts) generalized to the reputation registry's score/ban bookkeeping.
type NetAPIHandler struct {
	Peers *reputation.Registry
}

type PeerScoreArgs struct {
	Peer string `json:"peer"`
}

type PeerScoreReply struct {
	Score  int32 `json:"score"`
	Banned bool  `json:"banned"`
}

// PeerScore reports a peer's current reputation score and ban state.
func (h *NetAPIHandler) PeerScore(args PeerScoreArgs, reply *PeerScoreReply) error {
	now := time.Now()
	reply.Score = h.Peers.Score(args.Peer)
	reply.Banned = h.Peers.IsBanned(args.Peer, now)
	return nil
}
