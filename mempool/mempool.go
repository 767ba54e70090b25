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

// Package mempool holds pending, not-yet-included transactions. Shape
// follows the teacher's transaction_pool.go TxPool (pending map plus a
// per-sender queue, an expiration goroutine, a price-bump replace check),
// generalized from gas-price bumping to the fee/nonce/TTL rules spec
// section 4.3 spells out.
package mempool

import (
	"errors"
	"sync"
	"time"

	"budlum"
	"budlum/common"

	"github.com/sirupsen/logrus"
)

var (
	ErrDuplicate           = errors.New("mempool: duplicate transaction")
	ErrFeeTooLow           = errors.New("mempool: fee below pool minimum")
	ErrSenderQuotaExceeded = errors.New("mempool: sender pending quota exceeded")
	ErrPoolFull            = errors.New("mempool: pool full")
	ErrReplaceUnderpriced  = errors.New("mempool: replacement fee bump too small")
)

// StateReader is the read-only slice of AccountState the mempool needs
// for admission and selection checks — kept as an interface so the
// mempool does not depend on the chain package. The chain manager's own
// implementation takes its read lock on every call.
type StateReader interface {
	Nonce(addr common.Address) uint64
	Balance(addr common.Address) uint64
}

// Config carries the pool's tunables. RBFBumpMilli 1100 means a
// replacement must offer more than 1.10x the fee it displaces (spec 4.3).
type Config struct {
	ChainID       uint64
	AdmitWindowMs uint64
	TTL           time.Duration
	MaxPerSender  int
	MaxPoolSize   int
	RBFBumpMilli  uint64
	MinFee        uint64
}

func DefaultConfig(chainID uint64) Config {
	return Config{
		ChainID:       chainID,
		AdmitWindowMs: 15_000,
		TTL:           3 * time.Hour,
		MaxPerSender:  16,
		MaxPoolSize:   4096,
		RBFBumpMilli:  1100,
		MinFee:        1,
	}
}

// Entry is spec section 3's MempoolEntry.
type Entry struct {
	Tx         *budlum.Transaction
	ReceivedAt time.Time
	Size       int
}

// Mempool implements admit/select/remove_applied/gc (spec 4.3). A single
// mutex guards both indices, matching the teacher's TxPool.mu — the
// pool is small enough that fine-grained locking would only add
// complexity without measurable benefit.
type Mempool struct {
	mu            sync.RWMutex
	cfg           Config
	state         StateReader
	byHash        map[common.Hash]*Entry
	bySenderNonce map[common.Address]map[uint64]*Entry

	quit chan struct{}
	wg   sync.WaitGroup
}

func New(cfg Config, state StateReader) *Mempool {
	return &Mempool{
		cfg:           cfg,
		state:         state,
		byHash:        make(map[common.Hash]*Entry),
		bySenderNonce: make(map[common.Address]map[uint64]*Entry),
		quit:          make(chan struct{}),
	}
}

// Start launches the background 30 s gc tick (spec 4.3).
func (p *Mempool) Start() {
	p.wg.Add(1)
	go p.gcLoop()
}

func (p *Mempool) Stop() {
	close(p.quit)
	p.wg.Wait()
}

func (p *Mempool) gcLoop() {
	defer p.wg.Done()
	tick := time.NewTicker(30 * time.Second)
	defer tick.Stop()
	for {
		select {
		case now := <-tick.C:
			p.GC(now)
		case <-p.quit:
			return
		}
	}
}

// Admit validates tx and inserts it, matching spec 4.3's admit error set.
func (p *Mempool) Admit(tx *budlum.Transaction, now time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	hash := tx.Hash()
	if _, ok := p.byHash[hash]; ok {
		return ErrDuplicate
	}
	if err := tx.Validate(p.cfg.ChainID, uint64(now.UnixMilli()), p.cfg.AdmitWindowMs); err != nil {
		return err
	}
	if tx.Fee < p.cfg.MinFee {
		return ErrFeeTooLow
	}

	addr := tx.FromAddr()
	if tx.Nonce < p.state.Nonce(addr) {
		return budlum.ErrBadNonce
	}
	if p.state.Balance(addr) < tx.Cost() {
		return budlum.ErrInsufficientFunds
	}

	senderTxs, hasSender := p.bySenderNonce[addr]
	if existing, ok := senderTxs[tx.Nonce]; ok {
		threshold := existing.Tx.Fee * p.cfg.RBFBumpMilli / 1000
		if tx.Fee <= threshold {
			return ErrReplaceUnderpriced
		}
		delete(p.byHash, existing.Tx.Hash())
		p.insertLocked(addr, hasSender, tx, now)
		return nil
	}

	if hasSender && len(senderTxs) >= p.cfg.MaxPerSender {
		return ErrSenderQuotaExceeded
	}

	if len(p.byHash) >= p.cfg.MaxPoolSize {
		lowest, lowestHash := p.lowestFeeLocked()
		if lowest == nil || tx.Fee <= lowest.Fee {
			return ErrPoolFull
		}
		p.deleteLocked(lowestHash)
	}

	p.insertLocked(addr, hasSender, tx, now)
	return nil
}

func (p *Mempool) insertLocked(addr common.Address, hasSender bool, tx *budlum.Transaction, now time.Time) {
	entry := &Entry{Tx: tx, ReceivedAt: now, Size: estimateSize(tx)}
	p.byHash[tx.Hash()] = entry
	if !hasSender {
		p.bySenderNonce[addr] = make(map[uint64]*Entry)
	}
	p.bySenderNonce[addr][tx.Nonce] = entry
}

func (p *Mempool) deleteLocked(hash common.Hash) {
	entry, ok := p.byHash[hash]
	if !ok {
		return
	}
	delete(p.byHash, hash)
	addr := entry.Tx.FromAddr()
	if m, ok := p.bySenderNonce[addr]; ok {
		delete(m, entry.Tx.Nonce)
		if len(m) == 0 {
			delete(p.bySenderNonce, addr)
		}
	}
}

func (p *Mempool) lowestFeeLocked() (*budlum.Transaction, common.Hash) {
	var lowest *budlum.Transaction
	var lowestHash common.Hash
	for hash, e := range p.byHash {
		if lowest == nil || e.Tx.Fee < lowest.Fee {
			lowest = e.Tx
			lowestHash = hash
		}
	}
	return lowest, lowestHash
}

// Select walks the pool in descending-fee order, skipping any sender
// whose next transaction would create a nonce gap, overrun its pending
// quota or push the total past max_bytes, and stops once max_count is
// reached — the three-way bound the spec's open question (section 9)
// calls for.
func (p *Mempool) Select(maxCount, maxBytes int) []*budlum.Transaction {
	p.mu.RLock()
	txs := make([]*budlum.Transaction, 0, len(p.byHash))
	for _, e := range p.byHash {
		txs = append(txs, e.Tx)
	}
	p.mu.RUnlock()

	ordered := budlum.SortByFeeAndNonce(txs)

	expected := make(map[common.Address]uint64)
	blocked := make(map[common.Address]bool)
	perSender := make(map[common.Address]int)
	out := make([]*budlum.Transaction, 0, maxCount)
	var bytesUsed int

	for _, tx := range ordered {
		if len(out) >= maxCount {
			break
		}
		addr := tx.FromAddr()
		if blocked[addr] {
			continue
		}
		exp, ok := expected[addr]
		if !ok {
			exp = p.state.Nonce(addr)
		}
		if tx.Nonce != exp {
			blocked[addr] = true
			continue
		}
		if perSender[addr] >= p.cfg.MaxPerSender {
			blocked[addr] = true
			continue
		}
		size := estimateSize(tx)
		if bytesUsed+size > maxBytes {
			blocked[addr] = true
			continue
		}
		out = append(out, tx)
		bytesUsed += size
		expected[addr] = tx.Nonce + 1
		perSender[addr]++
	}
	return out
}

// RemoveApplied drops every entry a block consumed, plus any lower-nonce
// leftovers from the same senders (spec 4.3).
func (p *Mempool) RemoveApplied(block *budlum.Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, tx := range block.Transactions {
		p.deleteLocked(tx.Hash())
	}
	for addr, maxNonce := range block.MaxNonceBySender() {
		senderTxs, ok := p.bySenderNonce[addr]
		if !ok {
			continue
		}
		for nonce, e := range senderTxs {
			if nonce <= maxNonce {
				delete(p.byHash, e.Tx.Hash())
				delete(senderTxs, nonce)
			}
		}
		if len(senderTxs) == 0 {
			delete(p.bySenderNonce, addr)
		}
	}
}

// GC evicts entries whose TTL has elapsed. Infallible per spec 4.3.
func (p *Mempool) GC(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for hash, e := range p.byHash {
		if now.Sub(e.ReceivedAt) > p.cfg.TTL {
			logrus.WithField("hash", hash.Hex()).Debug("mempool: evicting expired transaction")
			p.deleteLocked(hash)
		}
	}
}

func (p *Mempool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.byHash)
}

// estimateSize approximates the wire size of tx for the block-size bound;
// exact framing is the wire codec's concern (out of core scope).
func estimateSize(tx *budlum.Transaction) int {
	const fixedFields = 32 + 32 + 8 + 8 + 8 + 8 + 1 + 8 // from,to,amount,fee,nonce,chain_id,type,timestamp
	return fixedFields + len(tx.Data) + len(tx.Signature)
}
