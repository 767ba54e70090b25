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

// Package node wires the standalone pieces (chain manager, mempool,
// consensus engine, peer reputation, storage) into one process, the same
// role the teacher's node.Node plays for xfsgo's BlockChain/TxPool/miner
// trio — minus the p2p.Server and wallet/miner registration the teacher
// bakes in, since transport is an external collaborator here (spec
// section 6) and there is no wallet in this module's scope.
package node

import (
	"fmt"
	"sync"

	"budlum"
	"budlum/chain"
	"budlum/common"
	"budlum/consensus"
	"budlum/consensus/poa"
	"budlum/consensus/pos"
	"budlum/consensus/pow"
	"budlum/internal/blog"
	"budlum/internal/config"
	"budlum/internal/reputation"
	"budlum/internal/rpcserver"
	"budlum/internal/storage"
	"budlum/internal/storage/badgerkv"
	"budlum/mempool"
)

// tipStateReader breaks the construction cycle between mempool.New (which
// wants a live StateReader) and chain.New (which wants the already-built
// *mempool.Mempool): it starts out pointing at nothing and is bound to the
// chain manager once that exists, the same two-phase-init trick the
// teacher's backend.NewBackend uses when wiring TxPool against a
// BlockChain that doesn't exist until after the pool does.
type tipStateReader struct {
	chain *chain.ChainManager
}

func (r *tipStateReader) Nonce(addr common.Address) uint64 {
	if r.chain == nil {
		return 0
	}
	return r.chain.Nonce(addr)
}

func (r *tipStateReader) Balance(addr common.Address) uint64 {
	if r.chain == nil {
		return 0
	}
	return r.chain.Balance(addr)
}

var _ mempool.StateReader = (*tipStateReader)(nil)

// Node bundles the chain manager, mempool, peer registry, and diagnostic
// RPC server for a single running process.
type Node struct {
	Chain      *chain.ChainManager
	Mempool    *mempool.Mempool
	Reputation *reputation.Registry
	Engine     consensus.Engine
	Storage    *storage.Store
	cfg        *common.ChainConfig
	db         *badgerkv.DB
	rpc        *rpcserver.Server
	logger     blog.Logger

	wg sync.WaitGroup
}

func buildEngine(cfg *common.ChainConfig) (consensus.Engine, error) {
	switch cfg.Consensus {
	case "pow":
		return pow.New(cfg), nil
	case "pos":
		return pos.New(cfg), nil
	case "poa":
		return poa.New(cfg), nil
	default:
		return nil, config.ErrInvalidConsensus
	}
}

// New opens the node's storage, builds the consensus engine named by
// cfg.Consensus, and wires the chain manager and mempool around it. genesis
// and genesisState are typically the output of budlum.BuildGenesis.
func New(cfg *common.ChainConfig, params *config.NodeParams, genesis *budlum.Block, genesisState *budlum.AccountState) (*Node, error) {
	logger := blog.Default()

	db, err := badgerkv.Open(params.DBPath)
	if err != nil {
		return nil, fmt.Errorf("node: open storage: %w", err)
	}
	store := storage.New(db)

	engine, err := buildEngine(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	rep := reputation.New()

	proxy := &tipStateReader{}
	pool := mempool.New(mempool.DefaultConfig(cfg.ChainId), proxy)

	cm := chain.New(cfg, engine, pool, rep, store, genesis, genesisState)
	proxy.chain = cm

	n := &Node{
		Chain:      cm,
		Mempool:    pool,
		Reputation: rep,
		Engine:     engine,
		Storage:    store,
		cfg:        cfg,
		db:         db,
		logger:     logger,
	}

	if params.ListenAddr != "" {
		n.rpc = rpcserver.New(&rpcserver.Config{ListenAddr: params.ListenAddr, Logger: logger})
		_ = n.rpc.RegisterName("Chain", &rpcserver.ChainAPIHandler{Chain: cm})
		_ = n.rpc.RegisterName("Mempool", &rpcserver.MempoolAPIHandler{Mempool: pool})
		_ = n.rpc.RegisterName("Net", &rpcserver.NetAPIHandler{Peers: rep})
	}

	return n, nil
}

// Start begins the mempool's expiration loop, the reputation registry's
// ban-cleanup loop, and (if configured) the diagnostic RPC server. The RPC
// listener is bound synchronously so a bind failure surfaces to the
// caller immediately (cmd/budlumd maps it to exit code 3); once bound,
// serving runs in its own goroutine so a slow diagnostic client can never
// stall block or transaction processing, matching the teacher's
// node.Node.Start starting its RPC server after the p2p server.
func (n *Node) Start() error {
	n.Mempool.Start()
	n.Reputation.Start()
	if n.rpc != nil {
		ln, err := n.rpc.Listen()
		if err != nil {
			return fmt.Errorf("node: rpc bind: %w", err)
		}
		go func() {
			if err := n.rpc.Serve(ln); err != nil {
				n.logger.Errorf("node: rpc server stopped: %v", err)
			}
		}()
	}
	return nil
}

// Stop drains background loops and closes storage. An error closing the
// database is logged; Stop itself does not exit the process.
func (n *Node) Stop() {
	n.Mempool.Stop()
	n.Reputation.Stop()
	n.wg.Wait()
	if err := n.db.Close(); err != nil {
		n.logger.Errorf("node: close storage: %v", err)
	}
}
