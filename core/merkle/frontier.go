package merkle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Peak is one perfect subtree of the mountain range.
type Peak struct {
	Hash   common.Hash
	Height uint64
}

// Frontier is the incremental form of the append-only tree. It keeps only the
// peaks (strictly decreasing heights), which is enough to append a leaf, emit
// its inclusion proof and recompute the padded root in O(log n).
type Frontier struct {
	peaks []Peak
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{}
}

// Clone returns an independent copy.
func (f *Frontier) Clone() *Frontier {
	if f == nil {
		return NewFrontier()
	}
	return &Frontier{peaks: append([]Peak(nil), f.peaks...)}
}

// Peaks exposes a copy of the current peaks, highest first.
func (f *Frontier) Peaks() []Peak {
	return append([]Peak(nil), f.peaks...)
}

// Size returns the number of leaves appended so far.
func (f *Frontier) Size() uint64 {
	var n uint64
	for _, p := range f.peaks {
		n += uint64(1) << p.Height
	}
	return n
}

// Append adds leaf as the next element and returns the new root together with
// the inclusion proof of the appended leaf. The result is identical to
// Build(all leaves).Proof(last) and Build(all leaves).Root().
func (f *Frontier) Append(leaf common.Hash) (common.Hash, []common.Hash) {
	index := f.Size()
	depth := depthFor(index + 1)

	byHeight := make(map[uint64]common.Hash, len(f.peaks))
	for _, p := range f.peaks {
		byHeight[p.Height] = p.Hash
	}
	proof := make([]common.Hash, 0, depth)
	for k := uint64(0); k < depth; k++ {
		if index>>k&1 == 1 {
			proof = append(proof, byHeight[k])
		} else {
			proof = append(proof, zeroSubtree(k))
		}
	}

	f.peaks = append(f.peaks, Peak{Hash: leaf})
	for len(f.peaks) > 1 {
		last := f.peaks[len(f.peaks)-1]
		prev := f.peaks[len(f.peaks)-2]
		if prev.Height != last.Height {
			break
		}
		merged := Peak{Hash: NodeHash(last.Height+1, prev.Hash, last.Hash), Height: last.Height + 1}
		f.peaks = append(f.peaks[:len(f.peaks)-2], merged)
	}
	return f.Root(), proof
}

// Root folds the peaks right to left, padding with zero subtrees up to the
// height of the power-of-two tree.
func (f *Frontier) Root() common.Hash {
	if f == nil || len(f.peaks) == 0 {
		return ZeroHash
	}
	depth := depthFor(f.Size())
	smallest := f.peaks[len(f.peaks)-1]
	acc, height := smallest.Hash, smallest.Height
	for i := len(f.peaks) - 2; i >= 0; i-- {
		peak := f.peaks[i]
		for height < peak.Height {
			acc = NodeHash(height+1, acc, zeroSubtree(height))
			height++
		}
		acc = NodeHash(height+1, peak.Hash, acc)
		height++
	}
	for height < depth {
		acc = NodeHash(height+1, acc, zeroSubtree(height))
		height++
	}
	return acc
}

// Encode serialises the frontier into the persisted hash and height caches.
func (f *Frontier) Encode() (hashCache, heightCache string) {
	if f == nil {
		return "", ""
	}
	hashes := make([]common.Hash, len(f.peaks))
	heights := make([]uint64, len(f.peaks))
	for i, p := range f.peaks {
		hashes[i] = p.Hash
		heights[i] = p.Height
	}
	return EncodeHashes(hashes), encodeHeights(heights)
}

// DecodeFrontier restores a frontier written by Encode.
func DecodeFrontier(hashCache, heightCache string) (*Frontier, error) {
	hashes, err := DecodeHashes(hashCache)
	if err != nil {
		return nil, err
	}
	heights, err := decodeHeights(heightCache)
	if err != nil {
		return nil, err
	}
	if len(hashes) != len(heights) {
		return nil, fmt.Errorf("%w: %d hashes vs %d heights", ErrMalformedCache, len(hashes), len(heights))
	}
	peaks := make([]Peak, len(hashes))
	for i := range hashes {
		if i > 0 && heights[i] >= heights[i-1] {
			return nil, fmt.Errorf("%w: peak heights not decreasing", ErrMalformedCache)
		}
		peaks[i] = Peak{Hash: hashes[i], Height: heights[i]}
	}
	return &Frontier{peaks: peaks}, nil
}
