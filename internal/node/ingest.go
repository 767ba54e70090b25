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

package node

import (
	"encoding/json"
	"errors"
	"time"

	"budlum"
	"budlum/common"
	"budlum/internal/reputation"
	"budlum/internal/transport"
	"budlum/mempool"
)

// HandshakeMessage is the payload transport.TopicHandshake carries — spec
// 4.7's gate: a peer must present a matching chain_id and validator_set_hash
// before any other frame from it is accepted.
type HandshakeMessage struct {
	Version          uint32      `json:"version"`
	ChainID          uint64      `json:"chain_id"`
	BestHeight       uint64      `json:"best_height"`
	ValidatorSetHash common.Hash `json:"validator_set_hash"`
	SupportedSchemes []string    `json:"supported_schemes"`
}

// classify maps a wire topic onto the token bucket that gates it. Votes and
// QC frames share the vote class and sync request/response frames use the
// blob class, so a peer flooding one can't starve the other two (spec
// 4.7's generic/vote/blob split).
func classify(topic transport.Topic) reputation.Class {
	switch topic {
	case transport.TopicVotes, transport.TopicQC:
		return reputation.ClassVote
	case transport.TopicSyncRequest, transport.TopicSyncResponse:
		return reputation.ClassBlob
	default:
		return reputation.ClassGeneric
	}
}

// Ingest runs t's event loop until its Events channel closes, feeding every
// inbound frame through the reputation gate (spec 4.7) before dispatching
// blocks to the chain manager and transactions to the mempool. Nothing in
// Start/Stop touches the network — this is the one entry point that plugs a
// concrete transport.Transport into the running node.
func (n *Node) Ingest(t transport.Transport) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for ev := range t.Events() {
			n.handleEvent(t, ev)
		}
	}()
}

func (n *Node) handleEvent(t transport.Transport, ev transport.Event) {
	now := time.Now()

	if err := transport.SanityCheckFrame(ev.Data); err != nil {
		n.logger.Debugf("node: dropping oversized frame from %s: %v", ev.PeerID, err)
		_ = t.Disconnect(ev.PeerID)
		return
	}

	n.Reputation.OnConnect(ev.PeerID, now)

	if n.Reputation.IsBanned(ev.PeerID, now) {
		_ = t.Disconnect(ev.PeerID)
		return
	}

	if ev.Topic == transport.TopicHandshake {
		n.handleHandshake(ev, now)
		return
	}

	if !n.Reputation.IsHandshaked(ev.PeerID) {
		n.logger.Debugf("node: dropping pre-handshake frame from %s on topic %s", ev.PeerID, ev.Topic)
		return
	}

	if !n.Reputation.CheckRate(ev.PeerID, classify(ev.Topic), now) {
		return
	}

	switch ev.Topic {
	case transport.TopicBlocks:
		n.dispatchBlock(ev, now)
	case transport.TopicTransactions:
		n.dispatchTransaction(ev, now)
	default:
		n.logger.Debugf("node: no dispatcher wired for topic %s", ev.Topic)
	}
}

// handleHandshake admits peer into the handshaked set only once its
// declared chain_id and validator_set_hash match this node's own tip state
// (spec 4.7). A mismatch is left unhandshaked rather than banned outright —
// a peer on a lagging validator set may still catch up.
func (n *Node) handleHandshake(ev transport.Event, now time.Time) {
	var hs HandshakeMessage
	if err := json.Unmarshal(ev.Data, &hs); err != nil {
		n.logger.Debugf("node: malformed handshake from %s: %v", ev.PeerID, err)
		return
	}

	tip := n.Chain.Tip()
	tipState, ok := n.Chain.StateAt(tip.Hash())
	if !ok {
		return
	}
	wantHash := budlum.ValidatorSetHash(tipState.SortedValidatorAddresses(), tipState)

	if hs.ChainID != n.cfg.ChainId || hs.ValidatorSetHash != wantHash {
		n.logger.Debugf("node: rejecting handshake from %s: chain_id or validator_set_hash mismatch", ev.PeerID)
		return
	}
	n.Reputation.Handshake(ev.PeerID, now)
}

func (n *Node) dispatchBlock(ev transport.Event, now time.Time) {
	var block budlum.Block
	if err := json.Unmarshal(ev.Data, &block); err != nil {
		n.Reputation.ReportInvalidBlock(ev.PeerID, now)
		return
	}
	if err := n.Chain.ValidateAndAddBlock(&block, ev.PeerID); err != nil {
		n.logger.Debugf("node: block from %s rejected: %v", ev.PeerID, err)
	}
}

// dispatchTransaction admits tx into the mempool, only penalizing the peer
// when Admit's error indicates the transaction itself is invalid — pool-
// state rejections (duplicate, full, quota, underpriced RBF) are ordinary
// gossip noise, not evidence of a malicious peer.
func (n *Node) dispatchTransaction(ev transport.Event, now time.Time) {
	var tx budlum.Transaction
	if err := json.Unmarshal(ev.Data, &tx); err != nil {
		n.Reputation.ReportInvalidTx(ev.PeerID, now)
		return
	}

	switch err := n.Mempool.Admit(&tx, now); {
	case err == nil:
		n.Reputation.ReportGood(ev.PeerID, now)
	case isBenignRejection(err):
	default:
		n.Reputation.ReportInvalidTx(ev.PeerID, now)
	}
}

func isBenignRejection(err error) bool {
	return errors.Is(err, mempool.ErrDuplicate) ||
		errors.Is(err, mempool.ErrPoolFull) ||
		errors.Is(err, mempool.ErrSenderQuotaExceeded) ||
		errors.Is(err, mempool.ErrReplaceUnderpriced) ||
		errors.Is(err, mempool.ErrFeeTooLow)
}
