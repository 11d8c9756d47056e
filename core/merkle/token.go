package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"commitchain/core/types"
)

// TokenEntry is one token's per-eon commitment, placed at its trail.
type TokenEntry struct {
	Trail      uint64
	Token      common.Address
	Root       common.Hash
	UpperBound types.Amount
}

// TokenContent is the content hash of a token-level leaf.
func TokenContent(token common.Address, root common.Hash, upper types.Amount) (common.Hash, error) {
	u, err := word(upper)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(token[:], root[:], u), nil
}

// TokenLeaf converts an entry into its unit interval [trail, trail+1).
func TokenLeaf(entry TokenEntry) (IntervalLeaf, error) {
	content, err := TokenContent(entry.Token, entry.Root, entry.UpperBound)
	if err != nil {
		return IntervalLeaf{}, err
	}
	left := types.AmountFromUint64(entry.Trail)
	return IntervalLeaf{Left: left, Right: left.Add(types.NewAmount(1)), Content: content}, nil
}

// BuildTokenTree combines token commitments, ordered by trail, into the
// root commitment tree. Trails must be dense from zero.
func BuildTokenTree(entries []TokenEntry) (*IntervalTree, error) {
	leaves := make([]IntervalLeaf, len(entries))
	for i, entry := range entries {
		if entry.Trail != uint64(i) {
			return nil, fmt.Errorf("%w: token trail %d at position %d", ErrNonContiguous, entry.Trail, i)
		}
		leaf, err := TokenLeaf(entry)
		if err != nil {
			return nil, err
		}
		leaves[i] = leaf
	}
	return BuildInterval(leaves)
}
