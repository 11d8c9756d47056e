package merkle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"commitchain/core/types"
)

func allotments(amounts ...int64) []IntervalLeaf {
	leaves := make([]IntervalLeaf, len(amounts))
	cursor := types.NewAmount(0)
	for i, amt := range amounts {
		right := cursor.Add(types.NewAmount(amt))
		leaves[i] = IntervalLeaf{Left: cursor, Right: right, Content: crypto.Keccak256Hash([]byte{byte(i)})}
		cursor = right
	}
	return leaves
}

func TestIntervalProofsAreExclusive(t *testing.T) {
	leaves := allotments(70, 30, 0, 5, 12)
	tree, err := BuildInterval(leaves)
	require.NoError(t, err)
	require.Equal(t, "117", tree.UpperBound().String())
	require.Equal(t, 5, tree.Len())

	for i, leaf := range leaves {
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		require.Len(t, proof.Hashes, 3)
		require.True(t, CheckAllotment(leaf, proof, tree.Root(), tree.UpperBound()), "leaf %d", i)

		stretched := leaf
		stretched.Right = leaf.Right.Add(types.NewAmount(1))
		require.False(t, CheckAllotment(stretched, proof, tree.Root(), tree.UpperBound()))
	}
}

func TestIntervalRejectsExtraTrailBits(t *testing.T) {
	leaves := allotments(70, 30, 5)
	tree, err := BuildInterval(leaves)
	require.NoError(t, err)
	proof, err := tree.Proof(1)
	require.NoError(t, err)
	require.True(t, CheckAllotment(leaves[1], proof, tree.Root(), tree.UpperBound()))

	proof.Trail |= 1 << uint(len(proof.Hashes))
	_, _, _, err = VerifyInterval(leaves[1], proof)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	require.False(t, CheckAllotment(leaves[1], proof, tree.Root(), tree.UpperBound()))
}

func TestIntervalRejectsGapsAndOverlaps(t *testing.T) {
	leaves := allotments(10, 10)
	leaves[1].Left = types.NewAmount(11)
	_, err := BuildInterval(leaves)
	require.ErrorIs(t, err, ErrNonContiguous)

	leaves = allotments(10, 10)
	leaves[1].Left = types.NewAmount(9)
	_, err = BuildInterval(leaves)
	require.ErrorIs(t, err, ErrNonContiguous)

	leaves = allotments(10)
	leaves[0].Right = types.NewAmount(-1)
	_, err = BuildInterval(leaves)
	require.ErrorIs(t, err, ErrNonContiguous)
}

func TestIntervalSingleLeafAndEmpty(t *testing.T) {
	empty, err := BuildInterval(nil)
	require.NoError(t, err)
	require.Equal(t, ZeroHash, empty.Root())

	leaves := allotments(100)
	tree, err := BuildInterval(leaves)
	require.NoError(t, err)
	proof, err := tree.Proof(0)
	require.NoError(t, err)
	require.Empty(t, proof.Hashes)
	require.True(t, CheckAllotment(leaves[0], proof, tree.Root(), types.NewAmount(100)))
}

func TestTokenTree(t *testing.T) {
	entries := []TokenEntry{
		{Trail: 0, Token: common.HexToAddress("0x01"), Root: crypto.Keccak256Hash([]byte("a")), UpperBound: types.NewAmount(100)},
		{Trail: 1, Token: common.HexToAddress("0x02"), Root: crypto.Keccak256Hash([]byte("b")), UpperBound: types.NewAmount(7)},
		{Trail: 2, Token: common.HexToAddress("0x03"), Root: ZeroHash, UpperBound: types.NewAmount(0)},
	}
	tree, err := BuildTokenTree(entries)
	require.NoError(t, err)
	require.Equal(t, "3", tree.UpperBound().String())
	for i, entry := range entries {
		leaf, err := TokenLeaf(entry)
		require.NoError(t, err)
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		require.True(t, CheckAllotment(leaf, proof, tree.Root(), tree.UpperBound()))
	}

	entries[1].Trail = 5
	_, err = BuildTokenTree(entries)
	require.ErrorIs(t, err, ErrNonContiguous)
}

func TestValueEncoding(t *testing.T) {
	values := []types.Amount{types.NewAmount(0), types.MustAmount("115792089237316195423570985008687907853269984665640564039457584007913129639935")}
	decoded, err := DecodeValues(EncodeValues(values))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	require.True(t, decoded[1].Equal(values[1]))

	hashes := []common.Hash{crypto.Keccak256Hash([]byte("x"))}
	back, err := DecodeHashes(EncodeHashes(hashes))
	require.NoError(t, err)
	require.Equal(t, hashes, back)
}
