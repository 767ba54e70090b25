package mempool

import (
	"crypto/ed25519"
	"testing"
	"time"

	"budlum"
	"budlum/common"
	"budlum/internal/xcrypto"

	"github.com/stretchr/testify/require"
)

type fakeState struct {
	nonces   map[common.Address]uint64
	balances map[common.Address]uint64
}

func newFakeState() *fakeState {
	return &fakeState{nonces: make(map[common.Address]uint64), balances: make(map[common.Address]uint64)}
}

func (s *fakeState) Nonce(addr common.Address) uint64   { return s.nonces[addr] }
func (s *fakeState) Balance(addr common.Address) uint64 { return s.balances[addr] }

func genKey(t *testing.T) (common.PubKey, common.Address, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := xcrypto.GenerateKey()
	require.NoError(t, err)
	addr := xcrypto.DefaultPubKeyToAddr(pub)
	return common.Bytes2PubKey(pub), addr, priv
}

func signedTx(from common.PubKey, priv ed25519.PrivateKey, to common.PubKey, amount, fee, nonce, chainID uint64, now time.Time) *budlum.Transaction {
	tx := &budlum.Transaction{
		From: from, To: to, Amount: amount, Fee: fee, Nonce: nonce,
		ChainID: chainID, Type: budlum.Transfer, Timestamp: uint64(now.UnixMilli()),
	}
	tx.Sign(priv)
	return tx
}

func TestAdmitHappyPath(t *testing.T) {
	state := newFakeState()
	from, fromAddr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.balances[fromAddr] = 100

	pool := New(DefaultConfig(1), state)
	now := time.Now()
	tx := signedTx(from, priv, to, 10, 1, 0, 1, now)
	require.NoError(t, pool.Admit(tx, now))
	require.Equal(t, 1, pool.Len())
}

func TestAdmitRejectsDuplicate(t *testing.T) {
	state := newFakeState()
	from, fromAddr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.balances[fromAddr] = 100

	pool := New(DefaultConfig(1), state)
	now := time.Now()
	tx := signedTx(from, priv, to, 10, 1, 0, 1, now)
	require.NoError(t, pool.Admit(tx, now))
	require.ErrorIs(t, pool.Admit(tx, now), ErrDuplicate)
}

func TestAdmitRejectsFeeBelowPoolMinimum(t *testing.T) {
	state := newFakeState()
	from, fromAddr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.balances[fromAddr] = 100

	cfg := DefaultConfig(1)
	cfg.MinFee = 5
	pool := New(cfg, state)
	now := time.Now()

	tx := signedTx(from, priv, to, 10, 4, 0, 1, now)
	require.ErrorIs(t, pool.Admit(tx, now), ErrFeeTooLow)
}

func TestAdmitRejectsBadNonceAndInsufficientBalance(t *testing.T) {
	state := newFakeState()
	from, fromAddr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.nonces[fromAddr] = 3
	state.balances[fromAddr] = 1

	pool := New(DefaultConfig(1), state)
	now := time.Now()

	low := signedTx(from, priv, to, 10, 1, 0, 1, now)
	require.ErrorIs(t, pool.Admit(low, now), budlum.ErrBadNonce)

	poor := signedTx(from, priv, to, 10, 1, 3, 1, now)
	require.ErrorIs(t, pool.Admit(poor, now), budlum.ErrInsufficientFunds)
}

func TestAdmitReplaceByFee(t *testing.T) {
	state := newFakeState()
	from, fromAddr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.balances[fromAddr] = 1000

	pool := New(DefaultConfig(1), state)
	now := time.Now()

	tx1 := signedTx(from, priv, to, 1, 10, 5, 1, now)
	require.NoError(t, pool.Admit(tx1, now))

	tx2 := signedTx(from, priv, to, 1, 11, 5, 1, now)
	require.ErrorIs(t, pool.Admit(tx2, now), ErrReplaceUnderpriced)

	tx3 := signedTx(from, priv, to, 1, 12, 5, 1, now)
	require.NoError(t, pool.Admit(tx3, now))
	require.Equal(t, 1, pool.Len())

	selected := pool.Select(10, 1<<20)
	require.Len(t, selected, 0) // nonce 5 creates a gap against state nonce 0
}

func TestSenderQuotaExceeded(t *testing.T) {
	state := newFakeState()
	from, fromAddr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.balances[fromAddr] = 100_000

	cfg := DefaultConfig(1)
	cfg.MaxPerSender = 2
	pool := New(cfg, state)
	now := time.Now()

	require.NoError(t, pool.Admit(signedTx(from, priv, to, 1, 1, 0, 1, now), now))
	require.NoError(t, pool.Admit(signedTx(from, priv, to, 1, 1, 1, 1, now), now))
	require.ErrorIs(t, pool.Admit(signedTx(from, priv, to, 1, 1, 2, 1, now), now), ErrSenderQuotaExceeded)
}

func TestPoolFullEvictsLowestFee(t *testing.T) {
	state := newFakeState()
	cfg := DefaultConfig(1)
	cfg.MaxPoolSize = 2
	pool := New(cfg, state)
	now := time.Now()

	var addrs []common.Address
	for i := 0; i < 3; i++ {
		from, addr, priv := genKey(t)
		to, _, _ := genKey(t)
		state.balances[addr] = 1000
		addrs = append(addrs, addr)
		tx := signedTx(from, priv, to, 1, uint64(i+1), 0, 1, now)
		err := pool.Admit(tx, now)
		if i < 2 {
			require.NoError(t, err)
		} else {
			// fee 3 beats the lowest (fee 1), so it evicts and is admitted.
			require.NoError(t, err)
		}
	}
	require.Equal(t, 2, pool.Len())
}

func TestSelectOrdersByFeeAndSkipsGaps(t *testing.T) {
	state := newFakeState()
	fromA, addrA, privA := genKey(t)
	fromB, addrB, privB := genKey(t)
	to, _, _ := genKey(t)
	state.balances[addrA] = 1000
	state.balances[addrB] = 1000

	pool := New(DefaultConfig(1), state)
	now := time.Now()

	a0 := signedTx(fromA, privA, to, 1, 5, 0, 1, now)
	a1 := signedTx(fromA, privA, to, 1, 50, 1, 1, now)
	b0 := signedTx(fromB, privB, to, 1, 10, 0, 1, now)
	require.NoError(t, pool.Admit(a0, now))
	require.NoError(t, pool.Admit(a1, now))
	require.NoError(t, pool.Admit(b0, now))

	selected := pool.Select(10, 1<<20)
	require.Len(t, selected, 3)
	require.Equal(t, b0.Hash(), selected[0].Hash())
}

func TestRemoveAppliedDropsIncludedAndStale(t *testing.T) {
	state := newFakeState()
	from, addr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.balances[addr] = 1000

	pool := New(DefaultConfig(1), state)
	now := time.Now()
	tx0 := signedTx(from, priv, to, 1, 1, 0, 1, now)
	tx1 := signedTx(from, priv, to, 1, 1, 1, 1, now)
	require.NoError(t, pool.Admit(tx0, now))
	require.NoError(t, pool.Admit(tx1, now))

	block := &budlum.Block{Header: &budlum.BlockHeader{Index: 1}, Transactions: []*budlum.Transaction{tx1}}
	pool.RemoveApplied(block)
	require.Equal(t, 0, pool.Len())
}

func TestGCEvictsExpired(t *testing.T) {
	state := newFakeState()
	from, addr, priv := genKey(t)
	to, _, _ := genKey(t)
	state.balances[addr] = 1000

	cfg := DefaultConfig(1)
	cfg.TTL = time.Millisecond
	pool := New(cfg, state)
	now := time.Now()
	require.NoError(t, pool.Admit(signedTx(from, priv, to, 1, 1, 0, 1, now), now))
	pool.GC(now.Add(time.Second))
	require.Equal(t, 0, pool.Len())
}
