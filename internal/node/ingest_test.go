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
	"testing"
	"time"

	"budlum"
	"budlum/common"
	"budlum/internal/config"
	"budlum/internal/transport"
	"budlum/internal/xcrypto"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	events       chan transport.Event
	disconnected []string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event, 8)}
}

func (f *fakeTransport) Publish(topic transport.Topic, data []byte) error { return nil }
func (f *fakeTransport) Events() <-chan transport.Event                  { return f.events }
func (f *fakeTransport) Disconnect(peerID string) error {
	f.disconnected = append(f.disconnected, peerID)
	return nil
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	cfg := common.DefaultChainConfig()
	cfg.ChainId = 7
	cfg.Consensus = "poa"
	genesis, genesisState := budlum.BuildGenesis(cfg, nil, nil)
	n, err := New(cfg, &config.NodeParams{DBPath: ""}, genesis, genesisState)
	require.NoError(t, err)
	return n
}

func signedTestTx(t *testing.T, chainID uint64, fee uint64) *budlum.Transaction {
	t.Helper()
	fromPub, fromPriv, err := xcrypto.GenerateKey()
	require.NoError(t, err)
	toPub, _, err := xcrypto.GenerateKey()
	require.NoError(t, err)
	tx := &budlum.Transaction{
		From:      common.Bytes2PubKey(fromPub),
		To:        common.Bytes2PubKey(toPub),
		Amount:    1,
		Fee:       fee,
		Nonce:     0,
		ChainID:   chainID,
		Type:      budlum.Transfer,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	tx.Sign(fromPriv)
	return tx
}

func TestIngestDropsTrafficBeforeHandshake(t *testing.T) {
	n := newTestNode(t)
	ft := newFakeTransport()
	n.Ingest(ft)
	defer close(ft.events)

	tx := signedTestTx(t, n.cfg.ChainId, 5)
	body, err := json.Marshal(tx)
	require.NoError(t, err)

	ft.events <- transport.Event{PeerID: "peer1", Topic: transport.TopicTransactions, Data: body}

	require.Never(t, func() bool { return n.Mempool.Len() != 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.False(t, n.Reputation.IsHandshaked("peer1"))
}

func TestIngestAdmitsTransactionAfterHandshake(t *testing.T) {
	n := newTestNode(t)
	ft := newFakeTransport()
	n.Ingest(ft)
	defer close(ft.events)

	tip := n.Chain.Tip()
	tipState, ok := n.Chain.StateAt(tip.Hash())
	require.True(t, ok)
	setHash := budlum.ValidatorSetHash(tipState.SortedValidatorAddresses(), tipState)

	hs := HandshakeMessage{ChainID: n.cfg.ChainId, ValidatorSetHash: setHash}
	hsBody, err := json.Marshal(hs)
	require.NoError(t, err)
	ft.events <- transport.Event{PeerID: "peer1", Topic: transport.TopicHandshake, Data: hsBody}
	require.Eventually(t, func() bool { return n.Reputation.IsHandshaked("peer1") }, time.Second, time.Millisecond)

	tx := signedTestTx(t, n.cfg.ChainId, 5)
	// Fund the sender so Admit's balance check (amount + fee) passes.
	tipState.Account(tx.FromAddr(), tx.From, true).Balance = 100
	body, err := json.Marshal(tx)
	require.NoError(t, err)
	ft.events <- transport.Event{PeerID: "peer1", Topic: transport.TopicTransactions, Data: body}

	require.Eventually(t, func() bool { return n.Mempool.Len() == 1 }, time.Second, time.Millisecond)
}

func TestIngestRejectsHandshakeWithWrongChainID(t *testing.T) {
	n := newTestNode(t)
	ft := newFakeTransport()
	n.Ingest(ft)
	defer close(ft.events)

	hs := HandshakeMessage{ChainID: n.cfg.ChainId + 1}
	body, err := json.Marshal(hs)
	require.NoError(t, err)
	ft.events <- transport.Event{PeerID: "peer1", Topic: transport.TopicHandshake, Data: body}

	require.Never(t, func() bool { return n.Reputation.IsHandshaked("peer1") }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestIngestDisconnectsOversizedFrame(t *testing.T) {
	n := newTestNode(t)
	ft := newFakeTransport()
	n.Ingest(ft)
	defer close(ft.events)

	ft.events <- transport.Event{PeerID: "peer1", Topic: transport.TopicTransactions, Data: make([]byte, transport.MaxFrameBytes+1)}

	require.Eventually(t, func() bool { return len(ft.disconnected) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "peer1", ft.disconnected[0])
}
