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

// Package pos implements the proof-of-stake consensus regime: a RANDAO
// seed rolled forward one block at a time, stake-weighted leader
// election, double-sign detection, and a BLS-aggregated prevote/precommit
// finality gadget. xfsgo carries no proof-of-stake engine at all — the
// shuffle-and-elect shape here is grounded on
// consensus/dpos/epoch_context.go's lookupValidator (a deterministic,
// time-sliced walk over an ordered validator list), generalized from
// delegated vote weight to raw active stake, and the finality gadget is
// grounded on internal/xcrypto/bls.go's aggregate-signature primitives.
package pos

import (
	"encoding/binary"
	"errors"
	"math/big"
	"sync"

	"budlum"
	"budlum/common"
	"budlum/consensus"
	"budlum/internal/xcrypto"
)

var (
	ErrNoActiveStake     = errors.New("pos: no active stake to elect a leader from")
	ErrNotElectedLeader  = errors.New("pos: producer was not the elected leader for this slot")
	ErrDoubleSign        = errors.New("pos: producer already signed a different block at this index")
	ErrUnknownValidator  = errors.New("pos: vote from an address with no registered stake")
	ErrNoBLSKey          = errors.New("pos: validator has not registered a bls key")
	ErrBadVoteSignature  = errors.New("pos: bls signature does not verify")
)

type seenKey struct {
	Producer common.PubKey
	Index    uint64
}

type voteSetKey struct {
	Phase            budlum.VotePhase
	Epoch            uint64
	CheckpointHeight uint64
}

type voteRecordKey struct {
	Validator common.Address
	Phase     budlum.VotePhase
	Epoch     uint64
}

// Engine is the PoS consensus.Engine implementation.
type Engine struct {
	mu  sync.Mutex
	cfg *common.ChainConfig

	seenBlocks map[seenKey]*budlum.Block
	evidence   []budlum.SlashingEvidence

	liveSeed     [32]byte
	snapshotSeed [32]byte
	epochIndex   uint64

	stakeAtBlock map[common.Hash]uint64
	lastStake    uint64

	prevotes   map[voteSetKey]map[common.Address][]byte
	precommits map[voteSetKey]map[common.Address][]byte
	voteRecord map[voteRecordKey]common.Hash

	certs []*budlum.FinalityCert
}

func New(cfg *common.ChainConfig) *Engine {
	return &Engine{
		cfg:          cfg,
		seenBlocks:   make(map[seenKey]*budlum.Block),
		stakeAtBlock: make(map[common.Hash]uint64),
		prevotes:     make(map[voteSetKey]map[common.Address][]byte),
		precommits:   make(map[voteSetKey]map[common.Address][]byte),
		voteRecord:   make(map[voteRecordKey]common.Hash),
	}
}

func (e *Engine) epochAndSlot(index uint64) (epoch, slot uint64) {
	length := e.cfg.EpochLength
	if length == 0 {
		length = 100
	}
	return index / length, index % length
}

// electLeader draws slot s within epoch e's leader from state's active
// validator set: draw = H(seed ‖ s_le) mod total_active_stake, then walk
// validators in ascending-address order accumulating effective_stake
// until the running sum exceeds the draw (spec 4.5.2).
func electLeader(state *budlum.AccountState, seed [32]byte, slot uint64) (common.Address, error) {
	total := state.TotalActiveStake()
	if total == 0 {
		return common.Address{}, ErrNoActiveStake
	}
	var slotLE [8]byte
	binary.LittleEndian.PutUint64(slotLE[:], slot)
	draw := new(big.Int).Mod(
		new(big.Int).SetBytes(xcrypto.HashBytes(seed[:], slotLE[:])),
		new(big.Int).SetUint64(total),
	)

	var running uint64
	for _, addr := range state.SortedValidatorAddresses() {
		v, ok := state.Validator(addr)
		if !ok {
			continue
		}
		eff := v.EffectiveStake()
		if eff == 0 {
			continue
		}
		running += eff
		if draw.Cmp(new(big.Int).SetUint64(running)) < 0 {
			return addr, nil
		}
	}
	return common.Address{}, ErrNoActiveStake
}

// PrepareBlock elects this slot's leader against the epoch's snapshotted
// seed, refuses to sign if the local producer wasn't drawn, and drains any
// pending slashing evidence into the draft — spec 4.5.2's "the next local
// producer includes it in a block."
func (e *Engine) PrepareBlock(chain consensus.Chain, state *budlum.AccountState, draft *budlum.Block, signer consensus.Signer) error {
	e.mu.Lock()
	_, slot := e.epochAndSlot(draft.Header.Index)
	seed := e.snapshotSeed
	pending := e.evidence
	e.evidence = nil
	e.mu.Unlock()

	leader, err := electLeader(state, seed, slot)
	if err != nil {
		return err
	}
	myAddr := xcrypto.DefaultPubKeyToAddr(signer.PubKey().Bytes())
	if leader != myAddr {
		return ErrNotElectedLeader
	}

	draft.Header.Producer = signer.PubKey()
	if len(pending) > 0 {
		draft.Header.SlashingEvidence = append(draft.Header.SlashingEvidence, pending...)
	}
	// No VRF upgrade wired in: the draw above is a pure function of
	// public chain state, so any observer can recompute the same leader
	// without a proof. stake_proof stays empty until a VRF key is added
	// to Validator.
	draft.Signature = signer.Sign(draft.Hash())
	return nil
}

// ValidateBlock checks the producer was the epoch's elected leader for
// this slot and records the header for double-sign detection. state is
// the pre-state the block is about to apply against.
func (e *Engine) ValidateBlock(chain consensus.Chain, state *budlum.AccountState, block *budlum.Block) error {
	if !block.VerifySignature() {
		return budlum.ErrInvalidSignature
	}

	_, slot := e.epochAndSlot(block.Header.Index)
	e.mu.Lock()
	seed := e.snapshotSeed
	e.mu.Unlock()

	if state != nil {
		leader, err := electLeader(state, seed, slot)
		if err != nil {
			return err
		}
		if leader != xcrypto.DefaultPubKeyToAddr(block.Header.Producer.Bytes()) {
			return ErrNotElectedLeader
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	key := seenKey{Producer: block.Header.Producer, Index: block.Header.Index}
	prior, ok := e.seenBlocks[key]
	if ok && prior.Hash() != block.Hash() {
		e.evidence = append(e.evidence, budlum.SlashingEvidence{
			Producer:   block.Header.Producer,
			Index:      block.Header.Index,
			Hash1:      prior.Hash(),
			Hash2:      block.Hash(),
			Signature1: prior.Signature,
			Signature2: block.Signature,
		})
		return ErrDoubleSign
	}
	e.seenBlocks[key] = block
	return nil
}

// OnBlockAccepted rolls the RANDAO seed forward and records the
// post-state's active stake total for ForkChoiceScore's cumulative sum.
// Called by the chain manager for every block that passes validation and
// ApplyBlock, canonical or side-branch, before it is stored — spec
// 4.5.2's "on each accepted block, contribution = H(block.hash);
// epoch_seed ← epoch_seed ⊕ contribution", with the per-epoch snapshot
// rule ("live mutations affect only the next epoch") applied at the
// following block's epoch boundary.
func (e *Engine) OnBlockAccepted(block *budlum.Block, poststate *budlum.AccountState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	contribution := xcrypto.H(block.Hash().Bytes())
	for i := range e.liveSeed {
		e.liveSeed[i] ^= contribution[i]
	}

	nextEpoch, _ := e.epochAndSlot(block.Header.Index + 1)
	if nextEpoch != e.epochIndex {
		e.epochIndex = nextEpoch
		e.snapshotSeed = e.liveSeed
	}

	total := poststate.TotalActiveStake()
	e.lastStake = total
	e.stakeAtBlock[block.Hash()] = total
}

// ForkChoiceScore is the cumulative active stake recorded at every block on
// tip's own branch, back to genesis (spec 4.5.2). It walks tip's ancestry
// directly (consensus.Ancestors) rather than the canonical height index, so
// a side branch under evaluation is scored on the stake its own blocks
// recorded rather than whatever happens to be canonical at each height —
// two branches sharing a height would otherwise collide in a single
// per-height slot. Blocks this engine never saw OnBlockAccepted for (a
// foreign branch it hasn't validated yet) fall back to the last known
// total rather than zero, since a branch's stake distribution never drops
// to nothing mid-chain in practice; lexicographic tip-hash tie-breaking is
// the chain manager's responsibility (common.Hash.Less), not something a
// single scalar score can express.
func (e *Engine) ForkChoiceScore(chain consensus.Chain, tip *budlum.BlockHeader) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := new(big.Int)
	for _, h := range consensus.Ancestors(chain, tip) {
		stake, ok := e.stakeAtBlock[h.Hash()]
		if !ok {
			stake = e.lastStake
		}
		total.Add(total, new(big.Int).SetUint64(stake))
	}
	return total
}

// Prevote submits validator's BLS-signed prevote for a checkpoint and
// reports whether the phase now covers at least two thirds of state's
// active stake. Double-vote slashing evidence (Full: true, per spec
// 4.5.2) is queued automatically if validator already voted this
// phase/epoch for a different checkpoint.
func (e *Engine) Prevote(state *budlum.AccountState, epoch, checkpointHeight uint64, checkpointHash common.Hash, validator common.Address, sig []byte) (bool, error) {
	return e.vote(budlum.PhasePrevote, e.prevotes, state, epoch, checkpointHeight, checkpointHash, validator, sig)
}

// Precommit is Prevote's counterpart; once it reaches quorum the caller
// should call Certificate to build the FinalityCert.
func (e *Engine) Precommit(state *budlum.AccountState, epoch, checkpointHeight uint64, checkpointHash common.Hash, validator common.Address, sig []byte) (bool, error) {
	return e.vote(budlum.PhasePrecommit, e.precommits, state, epoch, checkpointHeight, checkpointHash, validator, sig)
}

func (e *Engine) vote(phase budlum.VotePhase, into map[voteSetKey]map[common.Address][]byte, state *budlum.AccountState, epoch, checkpointHeight uint64, checkpointHash common.Hash, validator common.Address, sig []byte) (bool, error) {
	v, ok := state.Validator(validator)
	if !ok || v.EffectiveStake() == 0 {
		return false, ErrUnknownValidator
	}
	if len(v.BLSPubKey) == 0 {
		return false, ErrNoBLSKey
	}
	digest := budlum.VoteDigest(phase, epoch, checkpointHeight, checkpointHash)
	if !xcrypto.BLSVerify(v.BLSPubKey, digest.Bytes(), sig) {
		return false, ErrBadVoteSignature
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	recKey := voteRecordKey{Validator: validator, Phase: phase, Epoch: epoch}
	if prior, ok := e.voteRecord[recKey]; ok && prior != checkpointHash {
		acc := state.Account(validator, common.PubKey{}, false)
		e.evidence = append(e.evidence, budlum.SlashingEvidence{
			Producer: acc.PublicKey,
			Index:    checkpointHeight,
			Hash1:    prior,
			Hash2:    checkpointHash,
			Full:     true,
		})
	}

	setKey := voteSetKey{Phase: phase, Epoch: epoch, CheckpointHeight: checkpointHeight}
	set, ok := into[setKey]
	if !ok {
		set = make(map[common.Address][]byte)
		into[setKey] = set
	}
	set[validator] = sig
	e.voteRecord[recKey] = checkpointHash

	var signed uint64
	for addr := range set {
		if sv, ok := state.Validator(addr); ok {
			signed += sv.EffectiveStake()
		}
	}
	total := state.TotalActiveStake()
	if total == 0 {
		return false, nil
	}
	return new(big.Int).Mul(big.NewInt(3), new(big.Int).SetUint64(signed)).Cmp(
		new(big.Int).Mul(big.NewInt(2), new(big.Int).SetUint64(total)),
	) >= 0, nil
}

// Certificate aggregates every collected precommit signature for
// (epoch, checkpointHeight, checkpointHash) into a FinalityCert, once the
// caller has confirmed Precommit returned quorum==true.
func (e *Engine) Certificate(state *budlum.AccountState, epoch, checkpointHeight uint64, checkpointHash common.Hash) (*budlum.FinalityCert, error) {
	e.mu.Lock()
	set, ok := e.precommits[voteSetKey{Phase: budlum.PhasePrecommit, Epoch: epoch, CheckpointHeight: checkpointHeight}]
	e.mu.Unlock()
	if !ok || len(set) == 0 {
		return nil, budlum.ErrInvalidSignature
	}

	addrs := state.SortedValidatorAddresses()
	var bitmap []byte
	var sigs [][]byte
	for i, addr := range addrs {
		sig, ok := set[addr]
		if !ok {
			continue
		}
		bitmap = budlum.BitmapSet(bitmap, i)
		sigs = append(sigs, sig)
	}
	agg, err := xcrypto.BLSAggregate(sigs)
	if err != nil {
		return nil, err
	}

	cert := &budlum.FinalityCert{
		Epoch:            epoch,
		CheckpointHeight: checkpointHeight,
		CheckpointHash:   checkpointHash,
		AggSigBLS:        agg,
		Bitmap:           bitmap,
		SetHash:          budlum.ValidatorSetHash(addrs, state),
	}
	e.mu.Lock()
	e.certs = append(e.certs, cert)
	e.mu.Unlock()
	return cert, nil
}

// VerifyCertificate checks cert's aggregate signature against the
// validator set addrs (whose SetHash must match) covers at least two
// thirds of that set's stake — the chain manager's on_finality_cert step
// (spec 4.6).
func VerifyCertificate(cert *budlum.FinalityCert, state *budlum.AccountState, addrs []common.Address) bool {
	if budlum.ValidatorSetHash(addrs, state) != cert.SetHash {
		return false
	}
	digest := budlum.VoteDigest(budlum.PhasePrecommit, cert.Epoch, cert.CheckpointHeight, cert.CheckpointHash)
	var pubkeys [][]byte
	var signed uint64
	for i, addr := range addrs {
		if !budlum.BitmapIsSet(cert.Bitmap, i) {
			continue
		}
		v, ok := state.Validator(addr)
		if !ok || len(v.BLSPubKey) == 0 {
			return false
		}
		pubkeys = append(pubkeys, v.BLSPubKey)
		signed += v.EffectiveStake()
	}
	total := state.TotalActiveStake()
	if total == 0 || new(big.Int).Mul(big.NewInt(3), new(big.Int).SetUint64(signed)).Cmp(
		new(big.Int).Mul(big.NewInt(2), new(big.Int).SetUint64(total)),
	) < 0 {
		return false
	}
	return xcrypto.BLSFastAggregateVerify(pubkeys, digest.Bytes(), cert.AggSigBLS)
}

// VerifyFinalityCert satisfies chain.finalityVerifier: PoS is the only
// consensus regime with a BLS finality gadget, so this is the only engine
// the chain manager's on_finality_cert step can dispatch to.
func (e *Engine) VerifyFinalityCert(cert *budlum.FinalityCert, state *budlum.AccountState, addrs []common.Address) bool {
	return VerifyCertificate(cert, state, addrs)
}

// PendingEvidence returns and clears any slashing evidence collected
// outside of PrepareBlock's own draining pass (used by a node that isn't
// currently the epoch's producer but still wants to gossip evidence).
func (e *Engine) PendingEvidence() []budlum.SlashingEvidence {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.evidence
	e.evidence = nil
	return out
}

var _ consensus.Engine = (*Engine)(nil)
