package merkle

import (
	"testing"

	"budlum/common"
	"budlum/internal/xcrypto"

	"github.com/stretchr/testify/require"
)

func leaf(b byte) common.Hash {
	return xcrypto.H([]byte{b})
}

func TestRootEmpty(t *testing.T) {
	require.Equal(t, common.ZeroHash, Root(nil))
}

func TestRootSingle(t *testing.T) {
	l := leaf(1)
	require.Equal(t, l, Root([]common.Hash{l}))
}

func TestRootDuplicatesOddLevel(t *testing.T) {
	a, b, c := leaf(1), leaf(2), leaf(3)
	got := Root([]common.Hash{a, b, c})
	// three leaves: (a,b) and (c,c) pair, then their parents pair.
	p1 := xcrypto.H(a.Bytes(), b.Bytes())
	p2 := xcrypto.H(c.Bytes(), c.Bytes())
	want := xcrypto.H(p1.Bytes(), p2.Bytes())
	require.Equal(t, want, got)
}

func TestRootDeterministic(t *testing.T) {
	leaves := []common.Hash{leaf(1), leaf(2), leaf(3), leaf(4)}
	require.Equal(t, Root(leaves), Root(leaves))
}

func TestRootOrderSensitive(t *testing.T) {
	a, b := leaf(1), leaf(2)
	require.NotEqual(t, Root([]common.Hash{a, b}), Root([]common.Hash{b, a}))
}
