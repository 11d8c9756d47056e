package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"commitchain/core/types"
)

// IntervalLeaf is one half-open range [Left, Right) bound to a content hash.
type IntervalLeaf struct {
	Left    types.Amount
	Right   types.Amount
	Content common.Hash
}

// IntervalProof is an exclusive-allotment proof: sibling hashes, the outer
// boundary of every sibling, and the leaf position bits.
type IntervalProof struct {
	Hashes []common.Hash
	Values []types.Amount
	Trail  uint64
}

type intervalNode struct {
	left  types.Amount
	right types.Amount
	hash  common.Hash
}

// IntervalTree is the augmented tree whose leaves tile [0, UpperBound).
type IntervalTree struct {
	size   int
	upper  types.Amount
	levels [][]intervalNode
}

func word(a types.Amount) ([]byte, error) {
	w, err := a.Bytes32()
	if err != nil {
		return nil, err
	}
	return w[:], nil
}

// IntervalLeafHash hashes a leaf as keccak(left ‖ content ‖ right).
func IntervalLeafHash(left, right types.Amount, content common.Hash) (common.Hash, error) {
	l, err := word(left)
	if err != nil {
		return common.Hash{}, err
	}
	r, err := word(right)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(l, content[:], r), nil
}

// IntervalNodeHash hashes an inner node, binding its height and the three
// boundaries of its children.
func IntervalNodeHash(height uint64, left types.Amount, lhash common.Hash, mid types.Amount, rhash common.Hash, right types.Amount) (common.Hash, error) {
	l, err := word(left)
	if err != nil {
		return common.Hash{}, err
	}
	m, err := word(mid)
	if err != nil {
		return common.Hash{}, err
	}
	r, err := word(right)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(heightWord(height), l, lhash[:], m, rhash[:], r), nil
}

// BuildInterval builds the augmented tree. Leaves must be non-empty-or-zero
// ranges that tile [0, upper) in order; padding leaves are [upper, upper)
// with zero content.
func BuildInterval(leaves []IntervalLeaf) (*IntervalTree, error) {
	if len(leaves) == 0 {
		return &IntervalTree{}, nil
	}
	cursor := types.NewAmount(0)
	for i, leaf := range leaves {
		if !leaf.Left.Equal(cursor) || leaf.Right.Cmp(leaf.Left) < 0 {
			return nil, fmt.Errorf("%w: leaf %d [%s,%s) after %s", ErrNonContiguous, i, leaf.Left, leaf.Right, cursor)
		}
		cursor = leaf.Right
	}
	upper := cursor

	width := 1 << depthFor(uint64(len(leaves)))
	base := make([]intervalNode, width)
	for i := 0; i < width; i++ {
		leaf := IntervalLeaf{Left: upper, Right: upper}
		if i < len(leaves) {
			leaf = leaves[i]
		}
		h, err := IntervalLeafHash(leaf.Left, leaf.Right, leaf.Content)
		if err != nil {
			return nil, err
		}
		base[i] = intervalNode{left: leaf.Left, right: leaf.Right, hash: h}
	}
	levels := [][]intervalNode{base}
	for height := uint64(1); len(levels[height-1]) > 1; height++ {
		below := levels[height-1]
		level := make([]intervalNode, len(below)/2)
		for i := range level {
			l, r := below[2*i], below[2*i+1]
			h, err := IntervalNodeHash(height, l.left, l.hash, l.right, r.hash, r.right)
			if err != nil {
				return nil, err
			}
			level[i] = intervalNode{left: l.left, right: r.right, hash: h}
		}
		levels = append(levels, level)
	}
	return &IntervalTree{size: len(leaves), upper: upper, levels: levels}, nil
}

// Root returns the root hash, ZeroHash when empty.
func (t *IntervalTree) Root() common.Hash {
	if t == nil || t.size == 0 {
		return ZeroHash
	}
	return t.levels[len(t.levels)-1][0].hash
}

// UpperBound is the exclusive end of the covered range.
func (t *IntervalTree) UpperBound() types.Amount {
	if t == nil {
		return types.Amount{}
	}
	return t.upper
}

// Len is the number of real leaves.
func (t *IntervalTree) Len() int {
	if t == nil {
		return 0
	}
	return t.size
}

// Proof returns the exclusive-allotment proof of leaf index.
func (t *IntervalTree) Proof(index int) (IntervalProof, error) {
	if t == nil || index < 0 || index >= t.size {
		return IntervalProof{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	proof := IntervalProof{Trail: uint64(index)}
	pos := index
	for _, level := range t.levels[:len(t.levels)-1] {
		sibling := level[pos^1]
		proof.Hashes = append(proof.Hashes, sibling.hash)
		if pos&1 == 1 {
			proof.Values = append(proof.Values, sibling.left)
		} else {
			proof.Values = append(proof.Values, sibling.right)
		}
		pos >>= 1
	}
	return proof, nil
}

// VerifyInterval recomputes the root from a leaf and its proof, returning the
// root and the covered range. A proof is accepted when the range is
// [0, upper) and the root matches the commitment.
func VerifyInterval(leaf IntervalLeaf, proof IntervalProof) (common.Hash, types.Amount, types.Amount, error) {
	if len(proof.Hashes) != len(proof.Values) {
		return common.Hash{}, types.Amount{}, types.Amount{}, fmt.Errorf("%w: %d hashes vs %d values", ErrMalformedCache, len(proof.Hashes), len(proof.Values))
	}
	if len(proof.Hashes) < 64 && proof.Trail>>uint(len(proof.Hashes)) != 0 {
		return common.Hash{}, types.Amount{}, types.Amount{}, fmt.Errorf("%w: trail %d for depth %d", ErrIndexOutOfRange, proof.Trail, len(proof.Hashes))
	}
	acc, err := IntervalLeafHash(leaf.Left, leaf.Right, leaf.Content)
	if err != nil {
		return common.Hash{}, types.Amount{}, types.Amount{}, err
	}
	left, right := leaf.Left, leaf.Right
	for k, sibling := range proof.Hashes {
		height := uint64(k + 1)
		outer := proof.Values[k]
		if proof.Trail>>uint(k)&1 == 1 {
			if outer.Cmp(left) > 0 {
				return common.Hash{}, types.Amount{}, types.Amount{}, ErrNonContiguous
			}
			acc, err = IntervalNodeHash(height, outer, sibling, left, acc, right)
			left = outer
		} else {
			if outer.Cmp(right) < 0 {
				return common.Hash{}, types.Amount{}, types.Amount{}, ErrNonContiguous
			}
			acc, err = IntervalNodeHash(height, left, acc, right, sibling, outer)
			right = outer
		}
		if err != nil {
			return common.Hash{}, types.Amount{}, types.Amount{}, err
		}
	}
	return acc, left, right, nil
}

// CheckAllotment reports whether leaf is exclusively allotted under root with
// total range [0, upper).
func CheckAllotment(leaf IntervalLeaf, proof IntervalProof, root common.Hash, upper types.Amount) bool {
	got, left, right, err := VerifyInterval(leaf, proof)
	if err != nil {
		return false
	}
	return got == root && left.IsZero() && right.Equal(upper)
}
