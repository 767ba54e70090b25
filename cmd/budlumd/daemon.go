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

package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"budlum"
	"budlum/internal/config"
	"budlum/internal/node"

	"github.com/spf13/cobra"
)

var daemonFlags config.Flags

var daemonCmd = &cobra.Command{
	Use:                   "daemon [options]",
	DisableFlagsInUseLine: true,
	SilenceUsage:          true,
	Short:                 "Start a budlumd daemon process",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func init() {
	flags := daemonCmd.Flags()
	flags.StringVar(&daemonFlags.Consensus, "consensus", "", "Consensus engine: pow, pos, or poa")
	flags.Uint64Var(&daemonFlags.ChainID, "chain-id", 0, "Chain identifier")
	flags.StringVar(&daemonFlags.Port, "port", "", "RPC listen address")
	flags.StringVar(&daemonFlags.DBPath, "db-path", "", "Storage directory")
	flags.Uint32Var(&daemonFlags.Difficulty, "difficulty", 0, "Initial PoW difficulty")
	flags.Uint64Var(&daemonFlags.MinStake, "min-stake", 0, "Minimum PoS validator stake")
	flags.StringVar(&daemonFlags.ValidatorAddress, "validator-address", "", "This node's validator address")
	flags.StringArrayVar(&daemonFlags.Bootstrap, "bootstrap", nil, "Bootstrap peer multiaddr (repeatable)")
	flags.StringVar(&daemonFlags.ValidatorsFile, "validators-file", "", "PoA authority set file (read only with --consensus=poa)")
}

// runDaemon parses configuration, builds the genesis block, wires up the
// node, and blocks until a shutdown signal arrives. Exit codes match spec
// section 6: the caller (main.go) turns the returned error into 1 unless
// it recognizes a bind failure, in which case it exits 3. Corruption
// (exit 2) is not returned as an error at all — chain.fatalCorruption
// calls logrus.Exit(2) directly, since by that point continuing even long
// enough to unwind this call stack risks writing more corrupted state.
func runDaemon() error {
	daemonFlags.ConfigFile = cfgFile
	chainCfg, nodeParams, err := config.Load(daemonFlags)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	genesis, genesisState := budlum.BuildGenesis(chainCfg, nil, nil)

	n, err := node.New(chainCfg, nodeParams, genesis, genesisState)
	if err != nil {
		return err
	}

	if err := n.Start(); err != nil {
		if isBindError(err) {
			return bindError{err}
		}
		return err
	}
	defer n.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	return nil
}

// bindError marks an error as a network bind failure so main.go can map
// it to exit code 3 instead of the generic config-error exit code 1.
type bindError struct{ err error }

func (b bindError) Error() string { return b.err.Error() }
func (b bindError) Unwrap() error { return b.err }

func isBindError(err error) bool {
	var netErr *net.OpError
	for e := err; e != nil; e = unwrapOnce(e) {
		if oe, ok := e.(*net.OpError); ok {
			netErr = oe
			break
		}
	}
	return netErr != nil
}

func unwrapOnce(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}
