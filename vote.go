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
	"budlum/internal/xcrypto"
)

// VotePhase names one round of the BLS finality gadget (spec 4.5.2). xfsgo
// has no analogue — there is no finality gadget in an ethash chain — so
// this is grounded on the vote digest formula spec section 4.5.2 states
// directly rather than on any teacher file.
type VotePhase string

const (
	PhasePrevote   VotePhase = "prevote"
	PhasePrecommit VotePhase = "precommit"
)

// VoteDigest is the message every validator's BLS signature covers:
// H("BDLM_VOTE_V1" ‖ phase ‖ epoch_le ‖ checkpoint_height_le ‖
// checkpoint_hash).
func VoteDigest(phase VotePhase, epoch, checkpointHeight uint64, checkpointHash common.Hash) common.Hash {
	return xcrypto.NewEncoder().
		WriteRaw([]byte(phase)).
		WriteUint64(epoch).
		WriteUint64(checkpointHeight).
		WriteRaw(checkpointHash.Bytes()).
		Hash(xcrypto.DomainVote)
}

// FinalityCert is the artifact the precommit phase emits once its
// aggregate signature covers at least two thirds of active stake: proof
// that checkpoint_hash at checkpoint_height can never be reorganized away.
type FinalityCert struct {
	Epoch            uint64      `json:"epoch"`
	CheckpointHeight uint64      `json:"checkpoint_height"`
	CheckpointHash   common.Hash `json:"checkpoint_hash"`
	AggSigBLS        []byte      `json:"agg_sig_bls"`
	// Bitmap has one bit per validator in the signing set's deterministic
	// (sorted-address) order; bit i set means validator i's signature is
	// folded into AggSigBLS.
	Bitmap []byte `json:"bitmap"`
	// SetHash identifies the exact validator set (and BLS keys) the
	// bitmap indexes into, so a verifier without live chain state can
	// still check the certificate against a known set.
	SetHash common.Hash `json:"set_hash"`
}

// BitmapSet sets bit i in bitmap, growing it as needed, and returns it.
func BitmapSet(bitmap []byte, i int) []byte {
	byteIdx := i / 8
	for len(bitmap) <= byteIdx {
		bitmap = append(bitmap, 0)
	}
	bitmap[byteIdx] |= 1 << uint(i%8)
	return bitmap
}

// BitmapIsSet reports whether bit i is set in bitmap.
func BitmapIsSet(bitmap []byte, i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(i%8)) != 0
}

// ValidatorSetHash is the domain-tagged hash over a deterministically
// ordered validator set's addresses and BLS keys, used to bind a
// FinalityCert.SetHash to the exact signing set a bitmap indexes into.
func ValidatorSetHash(addrs []common.Address, s *AccountState) common.Hash {
	enc := xcrypto.NewEncoder()
	for _, addr := range addrs {
		v, _ := s.Validator(addr)
		enc.WriteRaw(addr.Bytes())
		if v != nil {
			enc.WriteBytes(v.BLSPubKey)
		} else {
			enc.WriteBytes(nil)
		}
	}
	return enc.Hash(xcrypto.DomainEvidence)
}
