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

// Package transport names the boundary the consensus core talks across to
// reach the network, without implementing it: gossip, peer discovery, and
// wire framing are an external collaborator's job (spec section 6), the
// same separation the teacher draws between xfsgo core and its p2p.Server
// — this module only pins down the shape a transport must expose for the
// chain manager and mempool to drive it.
package transport

import "errors"

// Topic names the logical channel a message travels on.
type Topic string

const (
	TopicHandshake    Topic = "handshake"
	TopicBlocks       Topic = "blocks"
	TopicTransactions Topic = "transactions"
	TopicVotes        Topic = "votes"
	TopicQC           Topic = "qc"
	TopicSyncRequest  Topic = "sync/req"
	TopicSyncResponse Topic = "sync/resp"
)

// MaxFrameBytes is a consensus rule, not a transport tuning knob: frames
// larger than this are rejected at the core regardless of what the
// transport itself is willing to carry (spec section 6).
const MaxFrameBytes = 1 << 20

// ErrFrameTooLarge is returned by SanityCheckFrame.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// Event is a single inbound message, tagged with the peer and topic it
// arrived on.
type Event struct {
	PeerID string
	Topic  Topic
	Data   []byte
}

// Transport is the capability set the chain manager and mempool need from
// whatever gossip/sync layer a node embeds them in. The core ships no
// implementation of this interface — only PeerID-based bookkeeping
// (internal/reputation) and the frame-size ceiling above are its concern.
type Transport interface {
	// Publish broadcasts data on topic to every connected peer.
	Publish(topic Topic, data []byte) error

	// Events returns a channel of inbound (peer_id, topic, bytes) messages.
	// Closing the returned channel signals the transport has shut down.
	Events() <-chan Event

	// Disconnect drops the named peer, e.g. after a ban.
	Disconnect(peerID string) error
}

// SanityCheckFrame is the one behavior the core does own regardless of
// which Transport a node plugs in: frames over MaxFrameBytes are a
// protocol violation, not a transport-layer concern.
func SanityCheckFrame(data []byte) error {
	if len(data) > MaxFrameBytes {
		return ErrFrameTooLarge
	}
	return nil
}
