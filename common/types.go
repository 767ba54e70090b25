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

package common

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// AddrLen is a version byte plus a 20-byte hash of an Ed25519 public key
// plus a 4-byte checksum, following the same payload+checksum shape the
// original address scheme used for secp256k1 keys.
const (
	AddrLen               = 25
	HashLen               = 32
	PubKeyLen             = 32
	DefaultAddressVersion = 1
)

type (
	Hash    [HashLen]byte
	Address [AddrLen]byte
	// PubKey is a raw 32-byte Ed25519 public key. Transactions carry these
	// directly (spec: "from"/"to" are hex public keys) rather than derived
	// addresses, since Ed25519 signatures cannot be recovered from a
	// signature the way secp256k1's can — the verifier needs the key
	// itself. Addresses (above) are used only as the account-table index.
	PubKey [PubKeyLen]byte
)

var (
	ZeroHash        = Hash{}
	ZeroAddr        = Address{}
	AddrCheckSumLen = 4
)

func Hex2bytes(s string) []byte {
	if len(s) > 1 {
		if s[0:2] == "0x" {
			s = s[2:]
		}
		if len(s)%2 == 1 {
			s = "0" + s
		}
		bs, err := hex.DecodeString(s)
		if err != nil {
			return nil
		}
		return bs
	}
	return nil
}

func Bytes2Hash(b []byte) Hash {
	var h Hash
	h.SetBytes(b)
	return h
}

func Hex2Hash(s string) Hash {
	return Bytes2Hash(Hex2bytes(s))
}

func (h *Hash) SetBytes(other []byte) {
	if len(other) > len(h) {
		other = other[len(other)-HashLen:]
	}
	copy(h[HashLen-len(other):], other)
}

func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return h[:]
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

// Less orders hashes lexicographically, used to break fork-choice ties on
// the smallest tip hash.
func (h Hash) Less(o Hash) bool {
	return bytes.Compare(h[:], o[:]) < 0
}

func Bytes2Address(b []byte) Address {
	var a Address
	a.SetBytes(b)
	return a
}

func Hex2Address(s string) Address {
	return Bytes2Address(Hex2bytes(s))
}

func (a *Address) SetBytes(b []byte) {
	if len(b) > len(a) {
		b = b[len(b)-AddrLen:]
	}
	copy(a[AddrLen-len(b):], b)
}

func (a Address) Hex() string {
	if a == ZeroAddr {
		return ""
	}
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) Bytes() []byte {
	return a[:]
}

func (a Address) String() string {
	return a.Hex()
}

func (a Address) Version() uint8 {
	return a[0]
}

func (a Address) PubKeyHash() []byte {
	return a[1 : AddrLen-AddrCheckSumLen]
}

func (a Address) Payload() []byte {
	return a[:AddrLen-AddrCheckSumLen]
}

func (a Address) Checksum() []byte {
	return a[AddrLen-AddrCheckSumLen:]
}

func (a Address) IsZero() bool {
	return a == ZeroAddr
}

func (a Address) Less(o Address) bool {
	return bytes.Compare(a[:], o[:]) < 0
}

func Bytes2PubKey(b []byte) PubKey {
	var p PubKey
	copy(p[:], b)
	return p
}

func Hex2PubKey(s string) PubKey {
	return Bytes2PubKey(Hex2bytes(s))
}

func (p PubKey) Bytes() []byte {
	return p[:]
}

func (p PubKey) Hex() string {
	return "0x" + hex.EncodeToString(p[:])
}

func (p PubKey) String() string {
	return p.Hex()
}

func (p PubKey) IsZero() bool {
	return p == PubKey{}
}

func (p PubKey) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", p.Hex())), nil
}

func (p *PubKey) UnmarshalJSON(data []byte) error {
	if data == nil || len(data) < 2 {
		return nil
	}
	*p = Hex2PubKey(string(data[1 : len(data)-1]))
	return nil
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", h.Hex())), nil
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	if data == nil || len(data) < HashLen {
		return nil
	}
	hash := Hex2Hash(string(data[1 : len(data)-1]))
	h.SetBytes(hash.Bytes())
	return nil
}

func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("\"%s\"", a.Hex())), nil
}

func (a *Address) UnmarshalJSON(data []byte) error {
	if data == nil || len(data) < 2 {
		return nil
	}
	addr := Hex2Address(string(data[1 : len(data)-1]))
	a.SetBytes(addr.Bytes())
	return nil
}

func AddrCalibrator(val string) error {
	addr := Hex2bytes(val)
	if len(addr) != AddrLen {
		return errors.New("parameter byte length rule failed")
	}
	return nil
}

func HashCalibrator(val string) error {
	hash := Hex2bytes(val)
	if len(hash) != HashLen {
		return errors.New("parameter byte length rule failed")
	}
	return nil
}

// SortAddresses returns a freshly sorted copy in ascending order, used
// wherever the state root or a snapshot needs a deterministic account walk.
func SortAddresses(addrs []Address) []Address {
	out := make([]Address, len(addrs))
	copy(out, addrs)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
