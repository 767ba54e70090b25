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

// Package config parses the daemon's on-disk config file plus CLI flag
// overrides into a common.ChainConfig and a set of node-level settings,
// the same two-step viper-then-flag-override shape as the teacher's
// cmd/xfsgo/sub/config.go (parseConfigXxxParams reading a *viper.Viper,
// with CLI flags always taking precedence over the config file).
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"budlum/common"

	"github.com/spf13/viper"
)

const (
	defaultConfigFile   = "./config.yml"
	defaultStorageDir   = ".budlum"
	defaultLoggerLevel  = "INFO"
	defaultPort         = "0.0.0.0:9011"
	defaultChainID      = uint64(1337)
	defaultConsensus    = "poa"
)

// ErrInvalidConsensus is returned when --consensus names an engine this
// node doesn't implement.
var ErrInvalidConsensus = errors.New("config: consensus must be one of pow, pos, poa")

// NodeParams carries the settings that sit outside common.ChainConfig:
// where the node listens, where it persists state, who its validator
// identity is, and which peers to dial at startup.
type NodeParams struct {
	LoggerLevel      string
	DataDir          string
	DBPath           string
	ListenAddr       string
	Bootstraps       []string
	ValidatorAddress string
	ValidatorsFile   string
}

// Flags mirrors the CLI surface named in spec section 6. Zero values mean
// "not set on the command line" and fall through to the config file, then
// to hardcoded defaults, exactly the precedence order
// cmd/xfsgo/sub/daemon.go's resetConfig applies.
type Flags struct {
	ConfigFile       string
	Consensus        string
	ChainID          uint64
	Port             string
	DBPath           string
	Difficulty       uint32
	MinStake         uint64
	ValidatorAddress string
	Bootstrap        []string
	ValidatorsFile   string
}

func readFromConfigPath(v *viper.Viper, customFile string) error {
	filename := filepath.Base(defaultConfigFile)
	ext := filepath.Ext(defaultConfigFile)
	configPath := filepath.Dir(defaultConfigFile)
	v.AddConfigPath("$HOME/.budlum")
	v.AddConfigPath("/etc/budlum")
	v.AddConfigPath(configPath)
	v.SetConfigType(strings.TrimPrefix(ext, "."))
	v.SetConfigName(strings.TrimSuffix(filename, ext))
	if customFile != "" {
		v.SetConfigFile(customFile)
	}
	return v.ReadInConfig()
}

// Load reads the config file named by flags.ConfigFile (if any exist on
// disk; a missing file is not an error, matching the teacher's daemon.go
// which swallows readFromConfigPath's error and proceeds with defaults),
// applies flag overrides, and returns the resulting chain config and node
// params.
func Load(flags Flags) (*common.ChainConfig, *NodeParams, error) {
	v := viper.New()
	_ = readFromConfigPath(v, flags.ConfigFile)

	chain := common.DefaultChainConfig()

	consensus := firstNonEmpty(flags.Consensus, v.GetString("consensus"), defaultConsensus)
	if consensus != "pow" && consensus != "pos" && consensus != "poa" {
		return nil, nil, ErrInvalidConsensus
	}
	chain.Consensus = consensus

	chain.ChainId = firstNonZeroU64(flags.ChainID, v.GetUint64("chain-id"), defaultChainID)

	if flags.Difficulty != 0 {
		chain.InitialDifficulty = flags.Difficulty
	} else if d := v.GetUint32("difficulty"); d != 0 {
		chain.InitialDifficulty = d
	}

	if flags.MinStake != 0 {
		chain.MinStake = flags.MinStake
	} else if m := v.GetUint64("min-stake"); m != 0 {
		chain.MinStake = m
	}

	if consensus == "poa" {
		validatorsFile := firstNonEmpty(flags.ValidatorsFile, v.GetString("validators-file"))
		if validatorsFile != "" {
			authorities, err := loadAuthoritiesFile(validatorsFile)
			if err != nil {
				return nil, nil, err
			}
			chain.Authorities = authorities
		}
	}

	node := &NodeParams{
		LoggerLevel:      firstNonEmpty(v.GetString("logger.level"), defaultLoggerLevel),
		DBPath:           firstNonEmpty(flags.DBPath, v.GetString("db-path")),
		ListenAddr:       firstNonEmpty(flags.Port, v.GetString("port"), defaultPort),
		Bootstraps:       nonEmptyStrings(flags.Bootstrap, v.GetStringSlice("bootstrap")),
		ValidatorAddress: firstNonEmpty(flags.ValidatorAddress, v.GetString("validator-address")),
		ValidatorsFile:   firstNonEmpty(flags.ValidatorsFile, v.GetString("validators-file")),
	}
	if node.DBPath == "" {
		home := os.Getenv("HOME")
		node.DataDir = filepath.Join(home, defaultStorageDir)
		node.DBPath = filepath.Join(node.DataDir, "chain")
	}

	return chain, node, nil
}

// loadAuthoritiesFile reads a newline-delimited list of hex-encoded
// PoA authority addresses, one per line, blank lines and lines starting
// with '#' ignored.
func loadAuthoritiesFile(path string) ([]common.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []common.Address
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, common.Hex2Address(line))
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZeroU64(vals ...uint64) uint64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func nonEmptyStrings(preferred, fallback []string) []string {
	if len(preferred) > 0 {
		return preferred
	}
	return fallback
}
