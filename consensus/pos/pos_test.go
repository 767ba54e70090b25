package pos

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"budlum"
	"budlum/common"
	"budlum/consensus"
	"budlum/internal/xcrypto"

	"github.com/stretchr/testify/require"
)

func addrOf(t *testing.T) (common.PubKey, common.Address) {
	t.Helper()
	pub, _, err := xcrypto.GenerateKey()
	require.NoError(t, err)
	return common.Bytes2PubKey(pub), xcrypto.DefaultPubKeyToAddr(pub)
}

func producerKey(t *testing.T) (common.PubKey, common.Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := xcrypto.GenerateKey()
	require.NoError(t, err)
	return common.Bytes2PubKey(pub), xcrypto.DefaultPubKeyToAddr(pub), priv
}

func blsKey(t *testing.T) (pubkey, secret []byte) {
	t.Helper()
	ikm := make([]byte, 32)
	_, err := rand.Read(ikm)
	require.NoError(t, err)
	pub, sk, err := xcrypto.BLSKeyGen(ikm)
	require.NoError(t, err)
	return pub, sk
}

func TestElectLeaderSoleValidatorAlwaysWins(t *testing.T) {
	_, valAddr := addrOf(t)
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{{Address: valAddr, Stake: cfg.MinStake}})

	leader, err := electLeader(state, [32]byte{}, 7)
	require.NoError(t, err)
	require.Equal(t, valAddr, leader)
}

func TestElectLeaderNoActiveStake(t *testing.T) {
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, nil)

	_, err := electLeader(state, [32]byte{}, 0)
	require.ErrorIs(t, err, ErrNoActiveStake)
}

func TestElectLeaderDeterministicAcrossCalls(t *testing.T) {
	_, addrA := addrOf(t)
	_, addrB := addrOf(t)
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{
		{Address: addrA, Stake: 400},
		{Address: addrB, Stake: 600},
	})

	seed := [32]byte{9, 9, 9}
	first, err := electLeader(state, seed, 3)
	require.NoError(t, err)
	second, err := electLeader(state, seed, 3)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

type fakeChain struct {
	byHash map[common.Hash]*budlum.BlockHeader
}

func (c fakeChain) HeaderByHash(hash common.Hash) *budlum.BlockHeader { return c.byHash[hash] }
func (fakeChain) HeaderByIndex(index uint64) *budlum.BlockHeader     { return nil }
func (fakeChain) Tip() *budlum.BlockHeader                           { return nil }

func TestPrepareBlockRejectsNonElectedProducer(t *testing.T) {
	_, electedAddr := addrOf(t)
	otherPub, _ := addrOf(t)

	cfg := common.DefaultChainConfig()
	cfg.EpochLength = 10
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{{Address: electedAddr, Stake: cfg.MinStake}})

	engine := New(cfg)
	draft := &budlum.Block{Header: &budlum.BlockHeader{Index: 1, ChainID: cfg.ChainId}}

	err := engine.PrepareBlock(fakeChain{}, state, draft, stubSigner{pub: otherPub})
	require.ErrorIs(t, err, ErrNotElectedLeader)
}

type stubSigner struct {
	pub common.PubKey
}

func (s stubSigner) Sign(digest common.Hash) []byte { return nil }
func (s stubSigner) PubKey() common.PubKey          { return s.pub }

var _ consensus.Signer = stubSigner{}

func TestValidateBlockDetectsDoubleSign(t *testing.T) {
	producerPub, producerAddr, producerPriv := producerKey(t)
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{{Address: producerAddr, Stake: cfg.MinStake}})

	engine := New(cfg)

	header1 := &budlum.BlockHeader{Index: 5, ChainID: cfg.ChainId, Producer: producerPub, Timestamp: 1}
	block1 := budlum.NewBlockDraft(header1, nil)
	block1.SignHeader(producerPriv)

	header2 := &budlum.BlockHeader{Index: 5, ChainID: cfg.ChainId, Producer: producerPub, Timestamp: 2}
	block2 := budlum.NewBlockDraft(header2, nil)
	block2.SignHeader(producerPriv)

	require.NoError(t, engine.ValidateBlock(fakeChain{}, state, block1))
	err := engine.ValidateBlock(fakeChain{}, state, block2)
	require.ErrorIs(t, err, ErrDoubleSign)

	evidence := engine.PendingEvidence()
	require.Len(t, evidence, 1)
	require.Equal(t, uint64(5), evidence[0].Index)
	require.False(t, evidence[0].Full)
}

func TestOnBlockAcceptedRotatesSeedAtEpochBoundary(t *testing.T) {
	_, valAddr := addrOf(t)
	cfg := common.DefaultChainConfig()
	cfg.EpochLength = 2
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{{Address: valAddr, Stake: 100}})

	engine := New(cfg)
	require.Equal(t, [32]byte{}, engine.snapshotSeed)

	b0 := budlum.NewBlockDraft(&budlum.BlockHeader{Index: 0}, nil)
	engine.OnBlockAccepted(b0, state)
	require.Equal(t, [32]byte{}, engine.snapshotSeed) // still epoch 0, boundary is at index 2

	b1 := budlum.NewBlockDraft(&budlum.BlockHeader{Index: 1}, nil)
	engine.OnBlockAccepted(b1, state)
	require.NotEqual(t, [32]byte{}, engine.snapshotSeed) // index+1 == 2 crosses into epoch 1
	require.Equal(t, engine.liveSeed, engine.snapshotSeed)
}

func TestForkChoiceScoreCumulativeStake(t *testing.T) {
	_, valAddr := addrOf(t)
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{{Address: valAddr, Stake: 30}})

	engine := New(cfg)
	byHash := make(map[common.Hash]*budlum.BlockHeader)
	var tip *budlum.Block
	var prevHash common.Hash
	for i := uint64(0); i < 3; i++ {
		b := budlum.NewBlockDraft(&budlum.BlockHeader{Index: i, PreviousHash: prevHash}, nil)
		engine.OnBlockAccepted(b, state)
		byHash[b.Hash()] = b.Header
		prevHash = b.Hash()
		tip = b
	}

	score := engine.ForkChoiceScore(fakeChain{byHash: byHash}, tip.Header)
	require.Equal(t, int64(90), score.Int64()) // 30 stake recorded at each of tip's own 3 ancestors
}

// TestForkChoiceScoreScoresCandidateBranchNotCanonical guards against
// conflating two branches that share a height in the same per-block map:
// a side branch's own stake, not the canonical branch's, must be summed.
func TestForkChoiceScoreScoresCandidateBranchNotCanonical(t *testing.T) {
	_, valAddr := addrOf(t)
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{{Address: valAddr, Stake: 30}})

	engine := New(cfg)
	genesis := budlum.NewBlockDraft(&budlum.BlockHeader{Index: 0}, nil)
	engine.OnBlockAccepted(genesis, state)

	canonH1 := budlum.NewBlockDraft(&budlum.BlockHeader{Index: 1, PreviousHash: genesis.Hash(), Timestamp: 1}, nil)
	engine.OnBlockAccepted(canonH1, state)

	sideH1 := budlum.NewBlockDraft(&budlum.BlockHeader{Index: 1, PreviousHash: genesis.Hash(), Timestamp: 2}, nil)
	engine.OnBlockAccepted(sideH1, state)

	byHash := map[common.Hash]*budlum.BlockHeader{
		genesis.Hash(): genesis.Header,
		canonH1.Hash(): canonH1.Header,
		sideH1.Hash():  sideH1.Header,
	}

	score := engine.ForkChoiceScore(fakeChain{byHash: byHash}, sideH1.Header)
	require.Equal(t, int64(60), score.Int64()) // genesis + sideH1, not canonH1
}

func TestPrevotePrecommitQuorumAndCertificate(t *testing.T) {
	_, addrA := addrOf(t)
	_, addrB := addrOf(t)
	_, addrC := addrOf(t)
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{
		{Address: addrA, Stake: 40},
		{Address: addrB, Stake: 35},
		{Address: addrC, Stake: 25},
	})

	pubA, skA := blsKey(t)
	pubB, skB := blsKey(t)
	va, _ := state.Validator(addrA)
	va.BLSPubKey = pubA
	vb, _ := state.Validator(addrB)
	vb.BLSPubKey = pubB

	engine := New(cfg)
	checkpointHash := common.Hash{0xaa}

	digest := budlum.VoteDigest(budlum.PhasePrecommit, 1, 100, checkpointHash)
	sigA, err := xcrypto.BLSSign(skA, digest.Bytes())
	require.NoError(t, err)
	sigB, err := xcrypto.BLSSign(skB, digest.Bytes())
	require.NoError(t, err)

	quorum, err := engine.Precommit(state, 1, 100, checkpointHash, addrA, sigA)
	require.NoError(t, err)
	require.False(t, quorum) // 40/100 stake, below two thirds

	quorum, err = engine.Precommit(state, 1, 100, checkpointHash, addrB, sigB)
	require.NoError(t, err)
	require.True(t, quorum) // 75/100 stake, at least two thirds

	cert, err := engine.Certificate(state, 1, 100, checkpointHash)
	require.NoError(t, err)
	require.True(t, budlum.BitmapIsSet(cert.Bitmap, 0) || budlum.BitmapIsSet(cert.Bitmap, 1))

	addrs := state.SortedValidatorAddresses()
	require.True(t, VerifyCertificate(cert, state, addrs))
}

func TestDoubleVoteProducesFullSlashEvidence(t *testing.T) {
	_, addrA := addrOf(t)
	cfg := common.DefaultChainConfig()
	_, state := budlum.BuildGenesis(cfg, nil, []budlum.GenesisValidator{{Address: addrA, Stake: 100}})

	pubA, skA := blsKey(t)
	va, _ := state.Validator(addrA)
	va.BLSPubKey = pubA

	engine := New(cfg)
	hash1 := common.Hash{1}
	hash2 := common.Hash{2}

	digest1 := budlum.VoteDigest(budlum.PhasePrevote, 1, 50, hash1)
	sig1, err := xcrypto.BLSSign(skA, digest1.Bytes())
	require.NoError(t, err)
	_, err = engine.Prevote(state, 1, 50, hash1, addrA, sig1)
	require.NoError(t, err)

	digest2 := budlum.VoteDigest(budlum.PhasePrevote, 1, 50, hash2)
	sig2, err := xcrypto.BLSSign(skA, digest2.Bytes())
	require.NoError(t, err)
	_, err = engine.Prevote(state, 1, 50, hash2, addrA, sig2)
	require.NoError(t, err)

	evidence := engine.PendingEvidence()
	require.Len(t, evidence, 1)
	require.True(t, evidence[0].Full)
	require.Equal(t, uint64(50), evidence[0].Index)
}

var _ consensus.Engine = (*Engine)(nil)
