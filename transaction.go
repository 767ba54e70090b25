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
	"container/heap"
	"crypto/ed25519"
	"sort"

	"budlum/common"
	"budlum/internal/xcrypto"
)

// TxType mirrors xfsgo's TxType enum shape (transaction.go), renamed from
// the account-management variants (Binary/LoginCandidate/...) to the ones
// this state machine actually dispatches on.
type TxType uint8

const (
	Transfer TxType = iota
	Stake
	Unstake
	Vote
)

func (t TxType) String() string {
	switch t {
	case Transfer:
		return "transfer"
	case Stake:
		return "stake"
	case Unstake:
		return "unstake"
	case Vote:
		return "vote"
	default:
		return "unknown"
	}
}

// Transaction is the wire and hashed representation of a single state
// transition request. Field set and hashing discipline follow spec section
// 3 exactly; struct shape follows xfsgo's Transaction (transaction.go).
type Transaction struct {
	From      common.PubKey  `json:"from"`
	To        common.PubKey  `json:"to"`
	Amount    uint64         `json:"amount"`
	Fee       uint64         `json:"fee"`
	Nonce     uint64         `json:"nonce"`
	Data      []byte         `json:"data"`
	Timestamp uint64         `json:"timestamp"`
	ChainID   uint64         `json:"chain_id"`
	Type      TxType         `json:"tx_type"`
	Signature []byte         `json:"signature"`
}

// SignHash returns the signing digest: H("BDLM_TX_V1" ‖ from ‖ to ‖
// amount_le ‖ fee_le ‖ nonce_le ‖ data ‖ chain_id_le).
func (t *Transaction) SignHash() common.Hash {
	enc := xcrypto.NewEncoder().
		WriteRaw(t.From.Bytes()).
		WriteRaw(t.To.Bytes()).
		WriteUint64(t.Amount).
		WriteUint64(t.Fee).
		WriteUint64(t.Nonce).
		WriteBytes(t.Data).
		WriteUint64(t.ChainID)
	return enc.Hash(xcrypto.DomainTx)
}

// Hash is H of the full canonical encoding including the signature —
// distinct from SignHash, which is what gets signed.
func (t *Transaction) Hash() common.Hash {
	enc := xcrypto.NewEncoder().
		WriteRaw(t.From.Bytes()).
		WriteRaw(t.To.Bytes()).
		WriteUint64(t.Amount).
		WriteUint64(t.Fee).
		WriteUint64(t.Nonce).
		WriteBytes(t.Data).
		WriteUint64(t.ChainID).
		WriteByte(byte(t.Type)).
		WriteUint64(t.Timestamp).
		WriteBytes(t.Signature)
	return enc.Hash(xcrypto.DomainTx)
}

// Sign fills in Signature using priv, which must correspond to t.From.
func (t *Transaction) Sign(priv ed25519.PrivateKey) {
	digest := t.SignHash()
	t.Signature = xcrypto.Sign(priv, digest)
}

// VerifySignature checks Signature against From over SignHash.
func (t *Transaction) VerifySignature() bool {
	if t.From.IsZero() {
		return false
	}
	digest := t.SignHash()
	return xcrypto.Verify(ed25519.PublicKey(t.From.Bytes()), digest, t.Signature)
}

// FromAddr derives the account-table key for the sender.
func (t *Transaction) FromAddr() common.Address {
	return xcrypto.DefaultPubKeyToAddr(ed25519.PublicKey(t.From.Bytes()))
}

// ToAddr derives the account-table key for the recipient.
func (t *Transaction) ToAddr() common.Address {
	return xcrypto.DefaultPubKeyToAddr(ed25519.PublicKey(t.To.Bytes()))
}

// Cost is the total the sender's balance must cover: amount plus fee.
func (t *Transaction) Cost() uint64 {
	return t.Amount + t.Fee
}

// Validate checks the structural invariants spec section 3 requires
// independent of chain state (nonce/balance checks happen in apply_tx).
func (t *Transaction) Validate(chainID uint64, nowMs uint64, admitWindowMs uint64) error {
	if !t.VerifySignature() {
		return ErrInvalidSignature
	}
	if t.ChainID != chainID {
		return ErrWrongChain
	}
	if t.Type == Transfer {
		if t.Amount == 0 {
			return ErrZeroAmount
		}
		if t.To.IsZero() {
			return ErrEmptyRecipient
		}
	}
	var delta uint64
	if nowMs >= t.Timestamp {
		delta = nowMs - t.Timestamp
	} else {
		delta = t.Timestamp - nowMs
	}
	if delta > admitWindowMs {
		return ErrStaleTimestamp
	}
	return nil
}

type Transactions []*Transaction

func (s Transactions) Hashes() []common.Hash {
	out := make([]common.Hash, len(s))
	for i, tx := range s {
		out[i] = tx.Hash()
	}
	return out
}

// TxByNonce sorts a single sender's transactions ascending by nonce,
// grounded on xfsgo's TxByNonce.
type TxByNonce Transactions

func (s TxByNonce) Len() int           { return len(s) }
func (s TxByNonce) Less(i, j int) bool { return s[i].Nonce < s[j].Nonce }
func (s TxByNonce) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// TxByFee implements heap.Interface, highest fee first, grounded on
// xfsgo's TxByPrice.
type TxByFee Transactions

func (s TxByFee) Len() int           { return len(s) }
func (s TxByFee) Less(i, j int) bool { return s[i].Fee > s[j].Fee }
func (s TxByFee) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s *TxByFee) Push(x interface{}) {
	*s = append(*s, x.(*Transaction))
}
func (s *TxByFee) Pop() interface{} {
	old := *s
	n := len(old)
	x := old[n-1]
	*s = old[:n-1]
	return x
}

// SortByFeeAndNonce merges per-sender nonce-ordered runs into a single
// fee-descending order, the same heap-merge xfsgo's SortByPriceAndNonce
// uses for block assembly.
func SortByFeeAndNonce(txs []*Transaction) []*Transaction {
	byNonce := make(map[common.Address][]*Transaction)
	for _, tx := range txs {
		addr := tx.FromAddr()
		byNonce[addr] = append(byNonce[addr], tx)
	}
	for addr, accTxs := range byNonce {
		cpy := make([]*Transaction, len(accTxs))
		copy(cpy, accTxs)
		sort.Sort(TxByNonce(cpy))
		byNonce[addr] = cpy
	}
	byFee := make(TxByFee, 0, len(byNonce))
	for addr, accTxs := range byNonce {
		byFee = append(byFee, accTxs[0])
		byNonce[addr] = accTxs[1:]
	}
	heap.Init(&byFee)

	out := make([]*Transaction, 0, len(txs))
	for len(byFee) > 0 {
		best := heap.Pop(&byFee).(*Transaction)
		addr := best.FromAddr()
		if rest, ok := byNonce[addr]; ok && len(rest) > 0 {
			heap.Push(&byFee, rest[0])
			byNonce[addr] = rest[1:]
		}
		out = append(out, best)
	}
	return out
}
