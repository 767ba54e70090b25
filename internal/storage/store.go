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

// Package storage persists the canonical chain to a key/value backend
// behind the KV interface, keyspace-partitioning by byte-string prefix
// the way chaindb.go/extradb.go do (blockHashPre "bh:", blockHeightPre
// "bn:", txPre "tx:") — generalized to the prefixes spec section 6 names
// and to a caller-supplied KV rather than a single hardcoded badger
// wrapper, so a test can swap in an in-memory KV without touching Store.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"budlum"
	"budlum/common"
)

var ErrNotFound = errors.New("storage: key not found")

// KV is the durability boundary spec section 6's "Storage backend" trait
// names: put/get/delete/flush, plus a prefix scan PruneBelow needs to find
// everything below a height without keeping a secondary index in memory.
type KV interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error) // ErrNotFound if absent
	Delete(key []byte) error
	Sync() error
	// Iterate calls fn once per key under prefix, in key order. fn's
	// value slice is only valid for the duration of the call.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
}

const (
	blockPrefix    = "BLOCK:"
	heightPrefix   = "HEIGHT:"
	txPrefix       = "TX:"
	snapshotPrefix = "SNAPSHOT:"
	lastKey        = "LAST"
	finalKey       = "FINAL"
)

// heightBytes encodes index big-endian so lexicographic key order matches
// numeric height order — PruneBelow's prefix scan depends on this; the
// teacher's own blockHeightHashPre key used the same big-endian choice
// for the same reason, even though its sibling blockHeightPre key did
// not (chaindb.go never range-scanned by that key, so the mismatch there
// was harmless).
func heightBytes(index uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], index)
	return b[:]
}

func blockKey(hash common.Hash) []byte    { return append([]byte(blockPrefix), hash.Bytes()...) }
func heightKey(index uint64) []byte       { return append([]byte(heightPrefix), heightBytes(index)...) }
func txKey(hash common.Hash) []byte       { return append([]byte(txPrefix), hash.Bytes()...) }
func snapshotKey(index uint64) []byte     { return append([]byte(snapshotPrefix), heightBytes(index)...) }
func heightFromKey(key []byte) uint64     { return binary.BigEndian.Uint64(key[len(heightPrefix):]) }

// Store adapts a KV into the block/height/tx/last/final/snapshot record
// shape the chain manager persists through (chain.Storage).
type Store struct {
	kv KV
}

func New(kv KV) *Store {
	return &Store{kv: kv}
}

func (s *Store) PutBlock(hash common.Hash, block *budlum.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return err
	}
	if err := s.kv.Set(blockKey(hash), data); err != nil {
		return err
	}
	for _, tx := range block.Transactions {
		txData, err := json.Marshal(tx)
		if err != nil {
			return err
		}
		if err := s.kv.Set(txKey(tx.Hash()), txData); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) GetBlock(hash common.Hash) (*budlum.Block, error) {
	data, err := s.kv.Get(blockKey(hash))
	if err != nil {
		return nil, err
	}
	block := &budlum.Block{}
	if err := json.Unmarshal(data, block); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *Store) PutHeight(index uint64, hash common.Hash) error {
	return s.kv.Set(heightKey(index), hash.Bytes())
}

func (s *Store) GetHeight(index uint64) (common.Hash, error) {
	data, err := s.kv.Get(heightKey(index))
	if err != nil {
		return common.Hash{}, err
	}
	return common.Bytes2Hash(data), nil
}

func (s *Store) PutLast(hash common.Hash) error {
	return s.kv.Set([]byte(lastKey), hash.Bytes())
}

func (s *Store) GetLast() (common.Hash, error) {
	data, err := s.kv.Get([]byte(lastKey))
	if err != nil {
		return common.Hash{}, err
	}
	return common.Bytes2Hash(data), nil
}

func (s *Store) PutFinal(hash common.Hash) error {
	return s.kv.Set([]byte(finalKey), hash.Bytes())
}

func (s *Store) GetFinal() (common.Hash, error) {
	data, err := s.kv.Get([]byte(finalKey))
	if err != nil {
		return common.Hash{}, err
	}
	return common.Bytes2Hash(data), nil
}

func (s *Store) Flush() error {
	return s.kv.Sync()
}

// snapshotRecord is the on-disk shape of a SNAPSHOT: entry. Spec section 6
// names state_root, chain_id, finalized_height, and finalized_hash as part
// of the snapshot layout alongside the account state itself. The record
// also carries the snapshotted block's hash, so it can be used for fast
// sync without cross-referencing other keys; its height is stored only in
// the key.
type snapshotRecord struct {
	BlockHash       common.Hash          `json:"block_hash"`
	ChainID         uint64               `json:"chain_id"`
	StateRoot       common.Hash          `json:"state_root"`
	FinalizedHeight uint64               `json:"finalized_height"`
	FinalizedHash   common.Hash          `json:"finalized_hash"`
	State           *budlum.AccountState `json:"state"`
}

func (s *Store) SaveSnapshot(height uint64, blockHash common.Hash, chainID uint64, finalizedHeight uint64, finalizedHash common.Hash, state *budlum.AccountState) error {
	rec := snapshotRecord{
		BlockHash:       blockHash,
		ChainID:         chainID,
		StateRoot:       state.StateRoot(),
		FinalizedHeight: finalizedHeight,
		FinalizedHash:   finalizedHash,
		State:           state,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kv.Set(snapshotKey(height), data)
}

func (s *Store) LoadSnapshot(height uint64) (*budlum.AccountState, error) {
	data, err := s.kv.Get(snapshotKey(height))
	if err != nil {
		return nil, err
	}
	rec := snapshotRecord{State: budlum.NewAccountState()}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return rec.State, nil
}

// PruneBelow drops every BLOCK and HEIGHT record whose height is strictly
// below height, keeping the finalized tail slim (spec 4.6's prune-on-
// finality step). Height 0 (genesis) is never pruned regardless of the
// argument, since the genesis block is the chain's own root of trust and
// every fresh sync needs it.
func (s *Store) PruneBelow(height uint64) error {
	var hashes []common.Hash
	var keys [][]byte
	err := s.kv.Iterate([]byte(heightPrefix), func(key, value []byte) error {
		idx := heightFromKey(key)
		if idx == 0 || idx >= height {
			return nil
		}
		hashes = append(hashes, common.Bytes2Hash(value))
		keys = append(keys, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		return err
	}
	for i, key := range keys {
		if err := s.kv.Delete(key); err != nil {
			return err
		}
		if err := s.kv.Delete(blockKey(hashes[i])); err != nil {
			return err
		}
	}
	return nil
}
