package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Tree is a fully materialised append-only tree over an ordered leaf list,
// padded with ZeroHash to the next power of two.
type Tree struct {
	size   uint64
	levels [][]common.Hash
}

// Build hashes every level of the tree in O(n).
func Build(leaves []common.Hash) *Tree {
	n := uint64(len(leaves))
	if n == 0 {
		return &Tree{}
	}
	width := uint64(1) << depthFor(n)
	base := make([]common.Hash, width)
	copy(base, leaves)
	levels := [][]common.Hash{base}
	for height := uint64(1); uint64(len(levels[height-1])) > 1; height++ {
		below := levels[height-1]
		level := make([]common.Hash, len(below)/2)
		for i := range level {
			level[i] = NodeHash(height, below[2*i], below[2*i+1])
		}
		levels = append(levels, level)
	}
	return &Tree{size: n, levels: levels}
}

// Size is the number of real (non-padding) leaves.
func (t *Tree) Size() uint64 { return t.size }

// Root returns the tree root, ZeroHash when empty.
func (t *Tree) Root() common.Hash {
	if t == nil || t.size == 0 {
		return ZeroHash
	}
	return t.levels[len(t.levels)-1][0]
}

// Leaf returns the leaf hash stored at index.
func (t *Tree) Leaf(index uint64) (common.Hash, error) {
	if t == nil || index >= t.size {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return t.levels[0][index], nil
}

// Proof returns the sibling chain of leaf index, bottom-up.
func (t *Tree) Proof(index uint64) ([]common.Hash, error) {
	if t == nil || index >= t.size {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	proof := make([]common.Hash, 0, len(t.levels)-1)
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		proof = append(proof, level[pos^1])
		pos >>= 1
	}
	return proof, nil
}

// ComputeRoot folds a membership proof for leaf at index.
func ComputeRoot(leaf common.Hash, index uint64, proof []common.Hash) common.Hash {
	acc := leaf
	for k, sibling := range proof {
		height := uint64(k + 1)
		if index>>uint(k)&1 == 1 {
			acc = NodeHash(height, sibling, acc)
		} else {
			acc = NodeHash(height, acc, sibling)
		}
	}
	return acc
}

// VerifyProof reports whether proof places leaf at index under root.
func VerifyProof(leaf common.Hash, index uint64, proof []common.Hash, root common.Hash) bool {
	if len(proof) < 64 && index>>uint(len(proof)) != 0 {
		return false
	}
	return ComputeRoot(leaf, index, proof) == root
}
