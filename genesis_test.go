package budlum

import (
	"testing"

	"budlum/common"
	"budlum/internal/xcrypto"

	"github.com/stretchr/testify/require"
)

func TestBuildGenesisInvariants(t *testing.T) {
	pub, _ := ed25519GenAddr(t)
	addr := xcrypto.DefaultPubKeyToAddr(pub.Bytes())
	cfg := common.DefaultChainConfig()

	block, state := BuildGenesis(cfg, []GenesisAlloc{{Address: addr, PubKey: pub, Balance: 100}}, nil)

	require.Equal(t, uint64(0), block.Header.Index)
	require.Equal(t, common.ZeroHash, block.Header.PreviousHash)
	require.Equal(t, GenesisTimestampMs, block.Header.Timestamp)
	require.Equal(t, state.StateRoot(), block.Header.StateRoot)
	require.Equal(t, uint64(100), state.Balance(addr))
}

func TestBuildGenesisDeterministicHash(t *testing.T) {
	cfg := common.DefaultChainConfig()
	b1, _ := BuildGenesis(cfg, nil, nil)
	b2, _ := BuildGenesis(cfg, nil, nil)
	require.Equal(t, b1.Hash(), b2.Hash())
}
