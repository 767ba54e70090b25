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

// Package chain implements the canonical-chain bookkeeping: block
// admission, orphan buffering, reorg, and finality-certificate tracking.
// Grounded on block_chain.go's BlockChain almost wholesale — InsertChain's
// duplicate/orphan/sanity/accept sequence, addOrphanBlock/processOrphans'
// bounded, dual-indexed orphan pool, reorg's walk-back-to-common-ancestor
// shape, and the bc.mu/bc.chainmu lock-ordering idiom (spec 4.6, spec
// section 5's "chain -> state -> mempool" acquisition order).
package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"budlum"
	"budlum/common"
	"budlum/consensus"
	"budlum/internal/blog"
	"budlum/internal/reputation"
	"budlum/mempool"

	"github.com/sirupsen/logrus"
)

const (
	maxOrphanBlocks = 100
	orphanTTL       = time.Hour
)

var (
	ErrBlockIgnored    = errors.New("chain: block already known")
	ErrOrphan          = errors.New("chain: parent not found, block buffered")
	ErrBadHeader       = errors.New("chain: header sanity check failed")
	ErrBelowFinality   = errors.New("chain: block index at or below finalized height")
	ErrReorgTooDeep    = errors.New("chain: reorg exceeds max_reorg_depth")
	ErrBelowSafetyLine = errors.New("chain: common ancestor is below finalized height")
	ErrNoFinality      = errors.New("chain: consensus engine does not support finality certificates")
	ErrBadFinalityCert = errors.New("chain: finality certificate failed verification")
)

// Storage is the durability boundary the chain manager writes through —
// spec 4.6's "flush must be durable before the chain advances" and its
// snapshot/prune policy interface, kept as a capability slice so a
// concrete implementation (internal/storage's badger-backed store) never
// needs this package to depend on it, the same way consensus.Chain lets
// engines depend on a slice instead of the concrete ChainManager type.
type Storage interface {
	PutBlock(hash common.Hash, block *budlum.Block) error
	PutHeight(index uint64, hash common.Hash) error
	PutLast(hash common.Hash) error
	PutFinal(hash common.Hash) error
	Flush() error
	SaveSnapshot(height uint64, blockHash common.Hash, chainID uint64, finalizedHeight uint64, finalizedHash common.Hash, state *budlum.AccountState) error
	PruneBelow(height uint64) error
}

// finalityVerifier is implemented by consensus engines that support a
// BLS-aggregated finality gadget (pos.Engine). PoW/PoA engines don't
// implement it, so on_finality_cert reports ErrNoFinality for them.
type finalityVerifier interface {
	VerifyFinalityCert(cert *budlum.FinalityCert, state *budlum.AccountState, addrs []common.Address) bool
}

// blockAcceptedNotifiee is implemented by engines that fold accepted
// blocks into their own local state (pos.Engine's RANDAO seed and stake
// ledger). Engines that don't implement it (PoW, PoA) are simply skipped.
type blockAcceptedNotifiee interface {
	OnBlockAccepted(block *budlum.Block, poststate *budlum.AccountState)
}

type orphanBlock struct {
	block  *budlum.Block
	expire time.Time
}

// ChainManager owns the canonical chain, the tip's post-state, the
// orphan buffer, and the finality pointer. It is the single writer for
// all four. It never calls into the mempool while holding mu, because the
// mempool's StateReader may call back into Nonce/Balance, which take mu;
// chainmu stays held across those mempool calls.
type ChainManager struct {
	cfg     *common.ChainConfig
	engine  consensus.Engine
	pool    *mempool.Mempool
	rep     *reputation.Registry
	storage Storage
	log     blog.Logger

	chainmu sync.Mutex // serializes ValidateAndAddBlock end to end

	mu          sync.RWMutex
	headers     map[common.Hash]*budlum.BlockHeader
	blocks      map[common.Hash]*budlum.Block
	states      map[common.Hash]*budlum.AccountState
	heightIndex map[uint64]common.Hash

	tip      *budlum.BlockHeader
	tipState *budlum.AccountState

	finalizedHeight uint64
	finalizedHash   common.Hash

	orphanMu     sync.Mutex
	orphans      map[common.Hash]*orphanBlock
	prevOrphans  map[common.Hash][]*orphanBlock
	oldestOrphan *orphanBlock
}

// New seeds the manager with a genesis block and the state it produces
// (budlum.BuildGenesis's output). engine and pool must not be nil; rep
// and storage may be nil for a chain that runs without peer scoring or
// durable persistence (e.g. a unit test harness).
func New(cfg *common.ChainConfig, engine consensus.Engine, pool *mempool.Mempool, rep *reputation.Registry, storage Storage, genesis *budlum.Block, genesisState *budlum.AccountState) *ChainManager {
	hash := genesis.Hash()
	cm := &ChainManager{
		cfg:         cfg,
		engine:      engine,
		pool:        pool,
		rep:         rep,
		storage:     storage,
		log:         blog.Default(),
		headers:     map[common.Hash]*budlum.BlockHeader{hash: genesis.Header},
		blocks:      map[common.Hash]*budlum.Block{hash: genesis},
		states:      map[common.Hash]*budlum.AccountState{hash: genesisState},
		heightIndex: map[uint64]common.Hash{0: hash},
		tip:         genesis.Header,
		tipState:    genesisState,
		orphans:     make(map[common.Hash]*orphanBlock),
		prevOrphans: make(map[common.Hash][]*orphanBlock),
	}
	return cm
}

// --- consensus.Chain ---

func (cm *ChainManager) HeaderByHash(hash common.Hash) *budlum.BlockHeader {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.headers[hash]
}

func (cm *ChainManager) HeaderByIndex(index uint64) *budlum.BlockHeader {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	hash, ok := cm.heightIndex[index]
	if !ok {
		return nil
	}
	return cm.headers[hash]
}

func (cm *ChainManager) Tip() *budlum.BlockHeader {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.tip
}

var _ consensus.Chain = (*ChainManager)(nil)

// --- mempool.StateReader (backed by the live tip state) ---

func (cm *ChainManager) Nonce(addr common.Address) uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.tipState.Nonce(addr)
}

func (cm *ChainManager) Balance(addr common.Address) uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.tipState.Balance(addr)
}

var _ mempool.StateReader = (*ChainManager)(nil)

// --- read accessors ---

func (cm *ChainManager) BlockByHash(hash common.Hash) (*budlum.Block, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	b, ok := cm.blocks[hash]
	return b, ok
}

func (cm *ChainManager) StateAt(hash common.Hash) (*budlum.AccountState, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	s, ok := cm.states[hash]
	return s, ok
}

func (cm *ChainManager) TipState() *budlum.AccountState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.tipState
}

func (cm *ChainManager) FinalizedHeight() uint64 {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.finalizedHeight
}

// ValidateAndAddBlock is spec 4.6's validate_and_add_block. peer is the
// gossip source for reputation feedback, empty for a locally produced
// block. chainmu is held for the whole call, including any orphans this
// block's acceptance cascades into — processOrphans calls tryInsert
// directly rather than re-entering here, since sync.Mutex isn't
// reentrant (grounded on InsertChain holding bc.chainmu across its own
// call to processOrphans, which itself calls maybeAcceptBlock directly).
func (cm *ChainManager) ValidateAndAddBlock(block *budlum.Block, peer string) error {
	cm.chainmu.Lock()
	defer cm.chainmu.Unlock()

	if err := cm.tryInsert(block, peer); err != nil {
		return err
	}
	return cm.processOrphans(block.Hash())
}

// tryInsert runs the duplicate/orphan/sanity/validate/apply sequence for
// a single block. Callers must hold chainmu.
func (cm *ChainManager) tryInsert(block *budlum.Block, peer string) error {
	hash := block.Hash()

	cm.mu.RLock()
	_, known := cm.blocks[hash]
	finalizedHeight := cm.finalizedHeight
	canonAtIndex, hasCanon := cm.heightIndex[block.Header.Index]
	cm.mu.RUnlock()

	// Step 1: below-finality blocks are only accepted as an idempotent
	// re-delivery of the block already canonical at that height.
	if block.Header.Index <= finalizedHeight {
		if hasCanon && canonAtIndex == hash {
			return nil
		}
		return ErrBelowFinality
	}
	if known {
		return ErrBlockIgnored
	}
	if cm.orphaned(hash) {
		return ErrBlockIgnored
	}

	cm.mu.RLock()
	parentHeader, hasParent := cm.headers[block.Header.PreviousHash]
	parentState := cm.states[block.Header.PreviousHash]
	cm.mu.RUnlock()
	if !hasParent {
		cm.addOrphanBlock(block)
		return ErrOrphan
	}

	if err := checkHeaderSanity(cm.cfg, parentHeader, block.Header); err != nil {
		cm.reportInvalid(peer, block)
		return err
	}

	if err := cm.engine.ValidateBlock(cm, parentState, block); err != nil {
		cm.reportInvalid(peer, block)
		return err
	}

	poststate, err := parentState.ApplyBlock(block, cm.cfg)
	if err != nil {
		cm.reportInvalid(peer, block)
		return err
	}

	if notifiee, ok := cm.engine.(blockAcceptedNotifiee); ok {
		notifiee.OnBlockAccepted(block, poststate)
	}

	cm.mu.Lock()
	cm.headers[hash] = block.Header
	cm.blocks[hash] = block
	cm.states[hash] = poststate
	extendsTip := block.Header.PreviousHash == cm.tip.Hash()
	cm.mu.Unlock()

	if extendsTip {
		if err := cm.acceptExtend(block, poststate); err != nil {
			return err
		}
	} else {
		cm.mu.RLock()
		curTip := cm.tip
		cm.mu.RUnlock()
		newScore := cm.engine.ForkChoiceScore(cm, block.Header)
		curScore := cm.engine.ForkChoiceScore(cm, curTip)
		switch newScore.Cmp(curScore) {
		case 1:
			if err := cm.reorg(block.Header, poststate); err != nil {
				return err
			}
		case 0:
			if hash.Less(curTip.Hash()) {
				if err := cm.reorg(block.Header, poststate); err != nil {
					return err
				}
			}
		}
		// A side branch that doesn't overtake the tip is still kept in
		// cm.blocks/cm.states so a later block extending it can be
		// evaluated without re-downloading the branch.
	}

	if cm.rep != nil && peer != "" {
		cm.rep.ReportGood(peer, time.Now())
	}
	return nil
}

func (cm *ChainManager) reportInvalid(peer string, block *budlum.Block) {
	cm.log.Errorf("chain: rejecting block index=%d hash=%s", block.Header.Index, block.Hash().Hex())
	if cm.rep != nil && peer != "" {
		cm.rep.ReportInvalidBlock(peer, time.Now())
	}
}

// acceptExtend runs the fast path: block directly extends the current
// tip. Persists, advances the tip, prunes the mempool, and snapshots on
// the configured interval (spec 4.6 step 2).
func (cm *ChainManager) acceptExtend(block *budlum.Block, poststate *budlum.AccountState) error {
	hash := block.Hash()
	cm.persist(hash, block, poststate)

	cm.mu.Lock()
	cm.heightIndex[block.Header.Index] = hash
	cm.tip = block.Header
	cm.tipState = poststate
	cm.mu.Unlock()

	cm.pool.RemoveApplied(block)
	return nil
}

// persist writes through Storage if configured. A write or flush failure
// is treated as fatal corruption per spec 7 — the process logs and exits
// non-zero (exit code 2, "corruption detected", spec section 6) rather
// than let the in-memory and on-disk views diverge.
func (cm *ChainManager) persist(hash common.Hash, block *budlum.Block, poststate *budlum.AccountState) {
	if cm.storage == nil {
		return
	}
	if err := cm.storage.PutBlock(hash, block); err != nil {
		fatalCorruption(cm.log, "put block", err)
	}
	if err := cm.storage.PutHeight(block.Header.Index, hash); err != nil {
		fatalCorruption(cm.log, "put height index", err)
	}
	if err := cm.storage.PutLast(hash); err != nil {
		fatalCorruption(cm.log, "put last", err)
	}
	if err := cm.storage.Flush(); err != nil {
		fatalCorruption(cm.log, "flush", err)
	}
	if cm.cfg.SnapshotInterval > 0 && block.Header.Index%cm.cfg.SnapshotInterval == 0 {
		if err := cm.storage.SaveSnapshot(block.Header.Index, hash, cm.cfg.ChainId, cm.finalizedHeight, cm.finalizedHash, poststate); err != nil {
			cm.log.Errorf("chain: snapshot at height %d failed: %v", block.Header.Index, err)
		}
	}
}

func fatalCorruption(log blog.Logger, op string, err error) {
	log.Errorf("chain: fatal storage error during %s: %v", op, err)
	logrus.Exit(2)
}

// reorg rewinds the canonical chain to the common ancestor with newTip's
// branch and replays newTip's branch over it — spec 4.6 step 4. The
// common ancestor must sit at or above finalized_height (the safety
// floor) and the rewind depth must not exceed max_reorg_depth.
func (cm *ChainManager) reorg(newTip *budlum.BlockHeader, newTipState *budlum.AccountState) error {
	cm.mu.Lock()

	newChain := []*budlum.BlockHeader{newTip}
	cursor := newTip
	for {
		parent, ok := cm.headers[cursor.PreviousHash]
		if !ok {
			cm.mu.Unlock()
			return fmt.Errorf("chain: reorg: missing ancestor %s", cursor.PreviousHash.Hex())
		}
		if canon, ok := cm.heightIndex[parent.Index]; ok && canon == parent.Hash() {
			cursor = parent
			break
		}
		newChain = append(newChain, parent)
		cursor = parent
	}
	ancestor := cursor

	if ancestor.Index < cm.finalizedHeight {
		cm.mu.Unlock()
		return ErrBelowSafetyLine
	}
	depth := cm.tip.Index - ancestor.Index
	if cm.cfg.MaxReorgDepth > 0 && depth > cm.cfg.MaxReorgDepth {
		cm.mu.Unlock()
		return ErrReorgTooDeep
	}

	oldTipIndex := cm.tip.Index
	var displaced []*budlum.Transaction
	for h := ancestor.Index + 1; h <= oldTipIndex; h++ {
		oldHash, ok := cm.heightIndex[h]
		if !ok {
			continue
		}
		if old, ok := cm.blocks[oldHash]; ok {
			displaced = append(displaced, old.Transactions...)
		}
	}

	added := make(map[common.Hash]bool)
	for i := len(newChain) - 1; i >= 0; i-- {
		h := newChain[i]
		cm.heightIndex[h.Index] = h.Hash()
		if b, ok := cm.blocks[h.Hash()]; ok {
			for _, tx := range b.Transactions {
				added[tx.Hash()] = true
			}
		}
	}
	// The new branch may be shorter than the one it replaces (a PoS
	// reorg is scored by cumulative stake, not length) — drop any
	// heightIndex entries above the new tip so a stale, no-longer-
	// canonical block doesn't keep answering HeaderByIndex.
	for h := newTip.Index + 1; h <= oldTipIndex; h++ {
		delete(cm.heightIndex, h)
	}

	if tipBlock, ok := cm.blocks[newTip.Hash()]; ok {
		cm.persist(newTip.Hash(), tipBlock, newTipState)
	}
	cm.tip = newTip
	cm.tipState = newTipState
	cm.mu.Unlock()

	// Displaced transactions are re-admitted only after mu is released:
	// Admit reads nonces and balances through a StateReader, which in a
	// running node is this manager's own Nonce/Balance (both take mu).
	for _, tx := range displaced {
		if added[tx.Hash()] {
			continue
		}
		if err := cm.pool.Admit(tx, time.Now()); err != nil {
			cm.log.Debugf("chain: reorg: displaced tx %s not re-admitted: %v", tx.Hash().Hex(), err)
		}
	}
	return nil
}

// OnFinalityCert is spec 4.6's on_finality_cert: verify the aggregate
// signature against the validator set at the checkpoint, require it
// covers at least two thirds of that set's stake, and if it strengthens
// the finality pointer, advance it and prune conflicting side branches.
func (cm *ChainManager) OnFinalityCert(cert *budlum.FinalityCert) error {
	fv, ok := cm.engine.(finalityVerifier)
	if !ok {
		return ErrNoFinality
	}

	cm.mu.RLock()
	checkpointHash, ok := cm.heightIndex[cert.CheckpointHeight]
	var state *budlum.AccountState
	if ok {
		state = cm.states[checkpointHash]
	}
	curFinalized := cm.finalizedHeight
	cm.mu.RUnlock()
	if !ok || state == nil || checkpointHash != cert.CheckpointHash {
		return ErrBadFinalityCert
	}

	addrs := state.SortedValidatorAddresses()
	if !fv.VerifyFinalityCert(cert, state, addrs) {
		return ErrBadFinalityCert
	}

	if cert.CheckpointHeight <= curFinalized {
		return nil
	}

	cm.mu.Lock()
	cm.finalizedHeight = cert.CheckpointHeight
	cm.finalizedHash = cert.CheckpointHash
	cm.pruneConflictingLocked(cert.CheckpointHeight)
	cm.mu.Unlock()

	if cm.storage != nil {
		if err := cm.storage.PutFinal(cert.CheckpointHash); err != nil {
			fatalCorruption(cm.log, "put final", err)
		}
		if err := cm.storage.PruneBelow(cert.CheckpointHeight); err != nil {
			cm.log.Errorf("chain: prune below %d failed: %v", cert.CheckpointHeight, err)
		}
	}
	return nil
}

// pruneConflictingLocked drops any stored block/header/state at or below
// finalizedHeight that isn't on the canonical chain — a side branch the
// new finality pointer has ruled out permanently. mu must be held.
func (cm *ChainManager) pruneConflictingLocked(finalizedHeight uint64) {
	for hash, header := range cm.headers {
		if header.Index > finalizedHeight {
			continue
		}
		if canon, ok := cm.heightIndex[header.Index]; !ok || canon != hash {
			delete(cm.headers, hash)
			delete(cm.blocks, hash)
			delete(cm.states, hash)
		}
	}
}

// checkHeaderSanity mirrors checkBlockHeaderSanity: index continuity,
// previous-hash linkage, chain id, and a non-decreasing timestamp.
func checkHeaderSanity(cfg *common.ChainConfig, parent, header *budlum.BlockHeader) error {
	if header.Index != parent.Index+1 {
		return ErrBadHeader
	}
	if header.PreviousHash != parent.Hash() {
		return ErrBadHeader
	}
	if header.ChainID != cfg.ChainId {
		return budlum.ErrWrongChain
	}
	if header.Timestamp < parent.Timestamp {
		return ErrBadHeader
	}
	return nil
}

// --- orphan buffer, grounded on addOrphanBlock/removeOrphanBlock/processOrphans ---

func (cm *ChainManager) orphaned(hash common.Hash) bool {
	cm.orphanMu.Lock()
	defer cm.orphanMu.Unlock()
	_, ok := cm.orphans[hash]
	return ok
}

func (cm *ChainManager) addOrphanBlock(block *budlum.Block) {
	cm.orphanMu.Lock()
	defer cm.orphanMu.Unlock()

	now := time.Now()
	for _, o := range cm.orphans {
		if now.After(o.expire) {
			cm.removeOrphanBlockLocked(o)
			continue
		}
		if cm.oldestOrphan == nil || o.expire.Before(cm.oldestOrphan.expire) {
			cm.oldestOrphan = o
		}
	}
	if len(cm.orphans)+1 > maxOrphanBlocks {
		cm.removeOrphanBlockLocked(cm.oldestOrphan)
		cm.oldestOrphan = nil
	}

	hash := block.Hash()
	o := &orphanBlock{block: block, expire: now.Add(orphanTTL)}
	cm.orphans[hash] = o
	prev := block.Header.PreviousHash
	cm.prevOrphans[prev] = append(cm.prevOrphans[prev], o)
}

func (cm *ChainManager) removeOrphanBlockLocked(orphan *orphanBlock) {
	if orphan == nil {
		return
	}
	hash := orphan.block.Hash()
	delete(cm.orphans, hash)

	prev := orphan.block.Header.PreviousHash
	siblings := cm.prevOrphans[prev]
	for i := 0; i < len(siblings); i++ {
		if siblings[i].block.Hash() == hash {
			siblings = append(siblings[:i], siblings[i+1:]...)
			i--
		}
	}
	if len(siblings) == 0 {
		delete(cm.prevOrphans, prev)
	} else {
		cm.prevOrphans[prev] = siblings
	}
}

// processOrphans walks the dependency index breadth-first, re-attempting
// every orphan whose parent just became known.
func (cm *ChainManager) processOrphans(hash common.Hash) error {
	queue := []common.Hash{hash}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		cm.orphanMu.Lock()
		children := append([]*orphanBlock(nil), cm.prevOrphans[cur]...)
		cm.orphanMu.Unlock()

		for _, child := range children {
			cm.orphanMu.Lock()
			cm.removeOrphanBlockLocked(child)
			cm.orphanMu.Unlock()

			if err := cm.tryInsert(child.block, ""); err != nil {
				cm.log.Debugf("chain: dependent orphan %s rejected: %v", child.block.Hash().Hex(), err)
				continue
			}
			queue = append(queue, child.block.Hash())
		}
	}
	return nil
}
