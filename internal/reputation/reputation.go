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

// Package reputation scores remote peers and rate-limits their gossip
// traffic. Grounded on backend/peer.go's peer struct (per-peer locked
// state, knownBlocks/knownTxs sets each behind their own lock) generalized
// to score/ban bookkeeping, and on gaspool.go's subtract-until-empty,
// refill-on-demand resource accounting for the token buckets (spec 4.7).
package reputation

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Class names the traffic category a token bucket gates.
type Class int

const (
	ClassGeneric Class = iota
	ClassVote
	ClassBlob
)

const (
	BanThreshold int32 = -100
	InvalidBlock int32 = -20
	InvalidTx    int32 = -5
	Good         int32 = 1
	BanDuration        = time.Hour

	genericCapacity   = 20
	genericRefillRate = 5 // tokens per second
)

type bucket struct {
	tokens     float64
	lastRefill time.Time
	capacity   float64
	refillRate float64
}

func newBucket(capacity, refillRate float64, now time.Time) *bucket {
	return &bucket{tokens: capacity, lastRefill: now, capacity: capacity, refillRate: refillRate}
}

// take refills by elapsed*refillRate clamped to capacity, then consumes
// one token if available (spec 4.7's check_rate).
func (b *bucket) take(now time.Time) bool {
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * b.refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

type peerState struct {
	mu            sync.Mutex
	score         int32
	bannedUntil   time.Time
	invalidBlocks int
	invalidTxs    int
	handshaked    bool
	buckets       map[Class]*bucket
}

// Registry tracks reputation state for every peer this node has heard
// from. A single map lock guards peer creation/lookup; each peer's own
// counters are behind its own mutex so scoring one peer never blocks
// scoring another, matching backend/peer.go's per-peer lock granularity.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peerState

	quit chan struct{}
	wg   sync.WaitGroup
}

func New() *Registry {
	return &Registry{
		peers: make(map[string]*peerState),
		quit:  make(chan struct{}),
	}
}

// Start launches the 60 s expired-ban sweep (spec 4.7).
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.cleanupLoop()
}

func (r *Registry) Stop() {
	close(r.quit)
	r.wg.Wait()
}

func (r *Registry) cleanupLoop() {
	defer r.wg.Done()
	tick := time.NewTicker(60 * time.Second)
	defer tick.Stop()
	for {
		select {
		case now := <-tick.C:
			r.CleanupExpiredBans(now)
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) getOrCreate(peer string, now time.Time) *peerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peer]
	if !ok {
		p = &peerState{
			buckets: map[Class]*bucket{
				ClassGeneric: newBucket(genericCapacity, genericRefillRate, now),
				ClassVote:    newBucket(genericCapacity, genericRefillRate, now),
				ClassBlob:    newBucket(genericCapacity, genericRefillRate, now),
			},
		}
		r.peers[peer] = p
	}
	return p
}

// OnConnect registers peer as unhandshaked; the transport layer must drop
// every non-handshake frame from it until Handshake is called.
func (r *Registry) OnConnect(peer string, now time.Time) {
	r.getOrCreate(peer, now)
}

// Handshake marks peer as having completed a valid Handshake exchange. The
// caller (internal/node's handleHandshake) checks chain_id and
// validator_set_hash before calling this; supported_schemes is not compared.
func (r *Registry) Handshake(peer string, now time.Time) {
	p := r.getOrCreate(peer, now)
	p.mu.Lock()
	p.handshaked = true
	p.mu.Unlock()
}

func (r *Registry) IsHandshaked(peer string) bool {
	r.mu.RLock()
	p, ok := r.peers[peer]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handshaked
}

// IsBanned reports whether peer's ban is still in force at now.
func (r *Registry) IsBanned(peer string, now time.Time) bool {
	r.mu.RLock()
	p, ok := r.peers[peer]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.bannedUntil)
}

// CheckRate refills class's bucket for peer and consumes one token if
// available; exhaustion penalizes the peer the same as any other
// infraction (spec 4.7).
func (r *Registry) CheckRate(peer string, class Class, now time.Time) bool {
	p := r.getOrCreate(peer, now)
	p.mu.Lock()
	b, ok := p.buckets[class]
	if !ok {
		b = newBucket(genericCapacity, genericRefillRate, now)
		p.buckets[class] = b
	}
	allowed := b.take(now)
	p.mu.Unlock()
	if !allowed {
		r.adjustScore(peer, now, -1, "rate limit exceeded")
	}
	return allowed
}

func (r *Registry) adjustScore(peer string, now time.Time, delta int32, reason string) {
	p := r.getOrCreate(peer, now)
	p.mu.Lock()
	p.score += delta
	switch {
	case p.score < -100:
		p.score = -100
	case p.score > 100:
		p.score = 100
	}
	banned := p.score <= BanThreshold
	if banned {
		p.bannedUntil = now.Add(BanDuration)
	}
	score := p.score
	p.mu.Unlock()

	if banned {
		logrus.WithField("peer", peer).WithField("reason", reason).WithField("score", score).Warn("reputation: peer banned")
	}
}

// ReportInvalidBlock penalizes peer for gossiping a block that failed
// validation; five in a row is enough to cross BanThreshold from zero.
func (r *Registry) ReportInvalidBlock(peer string, now time.Time) {
	p := r.getOrCreate(peer, now)
	p.mu.Lock()
	p.invalidBlocks++
	p.mu.Unlock()
	r.adjustScore(peer, now, InvalidBlock, "invalid block")
}

func (r *Registry) ReportInvalidTx(peer string, now time.Time) {
	p := r.getOrCreate(peer, now)
	p.mu.Lock()
	p.invalidTxs++
	p.mu.Unlock()
	r.adjustScore(peer, now, InvalidTx, "invalid transaction")
}

// ReportGood credits a peer for one cooperative message; earning back
// trust from a low score takes on the order of a hundred of these.
func (r *Registry) ReportGood(peer string, now time.Time) {
	r.adjustScore(peer, now, Good, "")
}

// Score returns peer's current reputation score, 0 for an unknown peer.
func (r *Registry) Score(peer string) int32 {
	r.mu.RLock()
	p, ok := r.peers[peer]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.score
}

// CleanupExpiredBans drops peer entries whose ban has elapsed (spec 4.7's
// every-60s sweep). A peer that reconnects afterward starts fresh at
// score 0, same as one this node has never seen.
func (r *Registry) CleanupExpiredBans(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for peer, p := range r.peers {
		p.mu.Lock()
		expired := !p.bannedUntil.IsZero() && !now.Before(p.bannedUntil)
		p.mu.Unlock()
		if expired {
			delete(r.peers, peer)
		}
	}
}
