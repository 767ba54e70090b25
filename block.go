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
	"crypto/ed25519"

	"budlum/common"
	"budlum/internal/xcrypto"
	"budlum/merkle"
)

// SlashingEvidence records two conflicting artifacts signed by the same
// producer/validator: either two block headers at the same index (a
// double-sign) or two finality votes for the same phase and epoch but
// different checkpoints (a double-vote), per spec 4.5.2. Index carries
// the block index for a double-sign and the checkpoint height for a
// double-vote; Hash1/Hash2 carry the two conflicting header or checkpoint
// hashes accordingly.
type SlashingEvidence struct {
	Producer   common.PubKey `json:"producer"`
	Index      uint64        `json:"index"`
	Hash1      common.Hash   `json:"hash1"`
	Hash2      common.Hash   `json:"hash2"`
	Signature1 []byte        `json:"signature1"`
	Signature2 []byte        `json:"signature2"`
	// Full marks double-vote evidence, which spec 4.5.2 slashes at 100%
	// stake regardless of the network's configured slash ratio; a
	// double-sign burns the configured slash_ratio_milli instead.
	Full bool `json:"full,omitempty"`
}

func (e *SlashingEvidence) encode(enc *xcrypto.Encoder) {
	enc.WriteRaw(e.Producer.Bytes())
	enc.WriteUint64(e.Index)
	enc.WriteByte(boolByte(e.Full))
	enc.WriteRaw(e.Hash1.Bytes())
	enc.WriteRaw(e.Hash2.Bytes())
	enc.WriteBytes(e.Signature1)
	enc.WriteBytes(e.Signature2)
}

// BlockHeader carries every field the block hash and consensus rules bind
// to. Shape follows xfsgo's BlockHeader (block.go), fields replaced with
// the ones spec section 3 names.
type BlockHeader struct {
	Index            uint64             `json:"index"`
	Timestamp        uint64             `json:"timestamp"`
	PreviousHash     common.Hash        `json:"previous_hash"`
	Producer         common.PubKey      `json:"producer"`
	ChainID          uint64             `json:"chain_id"`
	StateRoot        common.Hash        `json:"state_root"`
	TxRoot           common.Hash        `json:"tx_root"`
	SlashingEvidence []SlashingEvidence `json:"slashing_evidence,omitempty"`
	Nonce            uint64             `json:"nonce"`
}

// Hash is H("BDLM_BLOCK_V2" ‖ index_le ‖ timestamp_le ‖ previous_hash ‖
// tx_root ‖ state_root ‖ producer_bytes ‖ chain_id_le ‖ nonce_le ‖
// encoded_evidence).
func (h *BlockHeader) Hash() common.Hash {
	enc := xcrypto.NewEncoder().
		WriteUint64(h.Index).
		WriteUint64(h.Timestamp).
		WriteRaw(h.PreviousHash.Bytes()).
		WriteRaw(h.TxRoot.Bytes()).
		WriteRaw(h.StateRoot.Bytes()).
		WriteRaw(h.Producer.Bytes()).
		WriteUint64(h.ChainID).
		WriteUint64(h.Nonce)
	enc.WriteUint32(uint32(len(h.SlashingEvidence)))
	for i := range h.SlashingEvidence {
		h.SlashingEvidence[i].encode(enc)
	}
	return enc.Hash(xcrypto.DomainBlock)
}

// Block pairs a header with its body. Structure mirrors xfsgo's Block
// (Header + Transactions + a producer seal), dropping the receipts list —
// there is no VM here to emit receipts (see DESIGN.md, vm/ dropped).
type Block struct {
	Header       *BlockHeader   `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Signature    []byte         `json:"signature"`
	StakeProof   []byte         `json:"stake_proof,omitempty"`
}

// NewBlockDraft assembles an unsealed block: header fields the caller has
// already chosen, tx_root computed from txs. state_root is left to the
// caller once apply_block has run against the pre-state, matching xfsgo's
// NewBlock computing TransactionsRoot up front but leaving state-dependent
// fields to be filled by the caller.
func NewBlockDraft(header *BlockHeader, txs []*Transaction) *Block {
	header.TxRoot = merkle.Root(Transactions(txs).Hashes())
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

func (b *Block) Hash() common.Hash {
	return b.Header.Hash()
}

func (b *Block) Height() uint64 {
	return b.Header.Index
}

func (b *Block) Producer() common.PubKey {
	return b.Header.Producer
}

// SignHeader signs the header hash under priv, matching spec 3's "producer
// signature (Ed25519 over header hash)".
func (b *Block) SignHeader(priv ed25519.PrivateKey) {
	b.Signature = xcrypto.Sign(priv, b.Hash())
}

func (b *Block) VerifySignature() bool {
	if b.Header.Producer.IsZero() {
		return false
	}
	return xcrypto.Verify(ed25519.PublicKey(b.Header.Producer.Bytes()), b.Hash(), b.Signature)
}

// MaxNonceBySender returns, for each sender present in the block, the
// highest tx.Nonce it contributed — used by mempool.RemoveApplied to also
// drop now-stale lower-nonce entries left behind by the same sender.
func (b *Block) MaxNonceBySender() map[common.Address]uint64 {
	out := make(map[common.Address]uint64)
	for _, tx := range b.Transactions {
		addr := tx.FromAddr()
		if cur, ok := out[addr]; !ok || tx.Nonce > cur {
			out[addr] = tx.Nonce
		}
	}
	return out
}
