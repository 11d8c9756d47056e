package merkle

import (
	"encoding/binary"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func testLeaves(n int) []common.Hash {
	out := make([]common.Hash, n)
	for i := range out {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(i))
		out[i] = crypto.Keccak256Hash([]byte("leaf"), buf[:])
	}
	return out
}

func TestEmptyAndSingleLeaf(t *testing.T) {
	require.Equal(t, ZeroHash, Build(nil).Root())
	require.Equal(t, ZeroHash, NewFrontier().Root())

	leaf := testLeaves(1)[0]
	f := NewFrontier()
	root, proof := f.Append(leaf)
	require.Equal(t, leaf, root)
	require.Empty(t, proof)
	require.Equal(t, Build([]common.Hash{leaf}).Root(), root)
	require.True(t, VerifyProof(leaf, 0, proof, root))
}

func assertPrefixEquivalence(t *testing.T, leaves []common.Hash, check func(i int) bool) {
	t.Helper()
	f := NewFrontier()
	for i, leaf := range leaves {
		root, proof := f.Append(leaf)
		if !check(i) {
			continue
		}
		full := Build(leaves[:i+1])
		require.Equal(t, full.Root(), root, "root after %d appends", i+1)
		expected, err := full.Proof(uint64(i))
		require.NoError(t, err)
		require.Equal(t, expected, proof, "proof of leaf %d", i)
		require.True(t, VerifyProof(leaf, uint64(i), proof, root))
	}
	require.Equal(t, Build(leaves).Root(), f.Root())
	require.EqualValues(t, len(leaves), f.Size())
}

func TestIncrementalMatchesFullBuildSmall(t *testing.T) {
	for n := 0; n <= 33; n++ {
		assertPrefixEquivalence(t, testLeaves(n), func(int) bool { return true })
	}
}

func TestIncrementalMatchesFullBuildLarge(t *testing.T) {
	leaves := testLeaves(3001)
	assertPrefixEquivalence(t, leaves, func(i int) bool {
		return i < 130 || i%61 == 0 || i >= 2990
	})

	full := Build(leaves)
	for _, idx := range []uint64{0, 1, 1023, 1024, 2047, 2048, 3000} {
		proof, err := full.Proof(idx)
		require.NoError(t, err)
		require.True(t, VerifyProof(leaves[idx], idx, proof, full.Root()))
		require.False(t, VerifyProof(leaves[idx], idx^1, proof, full.Root()))
	}
}

func TestFrontierEncodeRoundTripResumesAppends(t *testing.T) {
	leaves := testLeaves(11)
	f := NewFrontier()
	for _, leaf := range leaves[:7] {
		f.Append(leaf)
	}
	hashCache, heightCache := f.Encode()
	require.Equal(t, "2,1,0", heightCache)
	require.Len(t, hashCache, 3*64)

	restored, err := DecodeFrontier(hashCache, heightCache)
	require.NoError(t, err)
	for _, leaf := range leaves[7:] {
		restored.Append(leaf)
	}
	require.Equal(t, Build(leaves).Root(), restored.Root())

	_, err = DecodeFrontier(hashCache, "1,2,0")
	require.ErrorIs(t, err, ErrMalformedCache)
	_, err = DecodeFrontier(hashCache[:10], heightCache)
	require.ErrorIs(t, err, ErrMalformedCache)
}

func TestHeightIsBoundIntoNodes(t *testing.T) {
	a, b := testLeaves(2)[0], testLeaves(2)[1]
	require.NotEqual(t, NodeHash(1, a, b), NodeHash(2, a, b))
	require.NotEqual(t, ZeroHash, zeroSubtree(1))
}
