package common

import "fmt"

// ChainConfig carries the network-wide constants a running node must agree
// on with its peers. It generalizes the teacher's fork-activation-block
// config into the parameters the three consensus regimes need.
type ChainConfig struct {
	ChainId uint64 `json:"chain_id"`

	// Consensus selects which engine this chain runs: "pow", "pos" or "poa".
	Consensus string `json:"consensus"`

	// PoW
	InitialDifficulty  uint32 `json:"initial_difficulty"`
	AdjustmentInterval uint64 `json:"adjustment_interval"` // default 100

	// PoS
	MinStake         uint64 `json:"min_stake"`
	SlashRatioMilli  uint64 `json:"slash_ratio_milli"` // slash ratio in thousandths, e.g. 100 == 10%
	JailPeriod       uint64 `json:"jail_period"`
	EpochLength      uint64 `json:"epoch_length"`      // slots per epoch, default 100
	FinalityInterval uint64 `json:"finality_interval"` // default 100
	SlotDurationMs   uint64 `json:"slot_duration_ms"`

	// PoA
	Authorities []Address `json:"authorities,omitempty"`

	// Shared
	BlockReward     uint64 `json:"block_reward"`
	MaxReorgDepth   uint64 `json:"max_reorg_depth"`   // default 100
	SnapshotInterval uint64 `json:"snapshot_interval"`
	SafetyMargin    uint64 `json:"safety_margin"`
	MaxBlockBytes   uint64 `json:"max_block_bytes"`
}

func DefaultChainConfig() *ChainConfig {
	return &ChainConfig{
		ChainId:            1337,
		Consensus:          "poa",
		InitialDifficulty:  1,
		AdjustmentInterval: 100,
		MinStake:           1000,
		SlashRatioMilli:    100,
		JailPeriod:         100,
		EpochLength:        100,
		FinalityInterval:   100,
		SlotDurationMs:     3000,
		BlockReward:        50,
		MaxReorgDepth:      100,
		SnapshotInterval:   1000,
		SafetyMargin:       10,
		MaxBlockBytes:      1 << 20,
	}
}

// String implements fmt.Stringer, mirroring the teacher's diagnostic dump.
func (c *ChainConfig) String() string {
	return fmt.Sprintf("{ChainID: %d Consensus: %s MinStake: %d}", c.ChainId, c.Consensus, c.MinStake)
}
