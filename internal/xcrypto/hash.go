// Package xcrypto provides the domain-tagged hashing and signature
// primitives every other package builds hash identities and votes on top
// of. Grounded on xfsgo's crypto package (Keccak256/Keccak256Hash wrap a
// sha3 state and Write fields in order); Budlum Core swaps Keccak for real
// SHA3-256 since the spec calls the hash function H and mandates SHA3-256,
// not Keccak.
package xcrypto

import (
	"bytes"

	"budlum/common"

	"golang.org/x/crypto/sha3"
)

// Domain tags. Every hash consumer prepends one of these so a preimage
// computed for one role can never be reinterpreted under another.
const (
	DomainTx       = "BDLM_TX_V1"
	DomainBlock    = "BDLM_BLOCK_V2"
	DomainState    = "BDLM_STATE_V1"
	DomainVote     = "BDLM_VOTE_V1"
	DomainEvidence = "BDLM_EVIDENCE_V1"
)

// H returns the 32-byte SHA3-256 digest of the concatenation of parts.
func H(parts ...[]byte) common.Hash {
	d := sha3.New256()
	for _, p := range parts {
		d.Write(p)
	}
	var h common.Hash
	d.Sum(h[:0])
	return h
}

// HashBytes is H but returns a plain slice, for callers building up nested
// digests (e.g. merkle parents) that never touch common.Hash directly.
func HashBytes(parts ...[]byte) []byte {
	h := H(parts...)
	return h.Bytes()
}

// Encoder accumulates length-delimited, little-endian fields the way every
// hashed artifact in this codebase must be built — never from a host
// textual format. Grounded on the teacher's BytesMixed/ReadMixedBytes
// length-prefixing idiom (common/util.go), generalized into a builder.
type Encoder struct {
	buf bytes.Buffer
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) WriteBytes(b []byte) *Encoder {
	_ = common.PutBytesMixed(&e.buf, b)
	return e
}

func (e *Encoder) WriteRaw(b []byte) *Encoder {
	e.buf.Write(b)
	return e
}

func (e *Encoder) WriteUint64(v uint64) *Encoder {
	common.PutUint64LE(&e.buf, v)
	return e
}

func (e *Encoder) WriteUint32(v uint32) *Encoder {
	common.PutUint32LE(&e.buf, v)
	return e
}

func (e *Encoder) WriteByte(b byte) *Encoder {
	e.buf.WriteByte(b)
	return e
}

func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Encoder) Hash(domain string) common.Hash {
	return H([]byte(domain), e.buf.Bytes())
}
