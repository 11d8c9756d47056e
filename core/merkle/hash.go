// Package merkle builds and proves the hub's commitment trees: the append-only
// authorized-transfer tree (full and incremental), and the augmented interval
// tree used for balance allotments, passive delivery and token commitments.
package merkle

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"commitchain/core/types"
)

var (
	ErrIndexOutOfRange = errors.New("merkle: index out of range")
	ErrNonContiguous   = errors.New("merkle: intervals do not tile the address space")
	ErrMalformedCache  = errors.New("merkle: malformed cache encoding")
)

// ZeroHash is the padding leaf of the append-only tree and the root of an
// empty tree.
var ZeroHash common.Hash

func heightWord(height uint64) []byte {
	word := uint256.NewInt(height).Bytes32()
	return word[:]
}

// NodeHash hashes an append-only internal node. Binding the height keeps a
// leaf from being reinterpreted as an inner node.
func NodeHash(height uint64, left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(heightWord(height), left[:], right[:])
}

var zeroSubtrees = func() []common.Hash {
	out := make([]common.Hash, 65)
	for k := 1; k < len(out); k++ {
		out[k] = NodeHash(uint64(k), out[k-1], out[k-1])
	}
	return out
}()

// zeroSubtree returns the root of a fully padded subtree of the given height.
func zeroSubtree(height uint64) common.Hash {
	return zeroSubtrees[height]
}

// depthFor returns ceil(log2(n)), the height of a tree padded to hold n leaves.
func depthFor(n uint64) uint64 {
	var depth uint64
	for (uint64(1) << depth) < n {
		depth++
	}
	return depth
}

// EncodeHashes concatenates 32-byte hashes as fixed-width lowercase hex.
func EncodeHashes(hashes []common.Hash) string {
	var b strings.Builder
	b.Grow(len(hashes) * 64)
	for _, h := range hashes {
		b.WriteString(hex.EncodeToString(h[:]))
	}
	return b.String()
}

// DecodeHashes parses the fixed-width hex produced by EncodeHashes.
func DecodeHashes(raw string) ([]common.Hash, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if len(raw)%64 != 0 {
		return nil, fmt.Errorf("%w: hash chain length %d", ErrMalformedCache, len(raw))
	}
	out := make([]common.Hash, 0, len(raw)/64)
	for i := 0; i < len(raw); i += 64 {
		decoded, err := hex.DecodeString(raw[i : i+64])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCache, err)
		}
		out = append(out, common.BytesToHash(decoded))
	}
	return out, nil
}

// EncodeValues renders amounts as a comma-separated decimal list.
func EncodeValues(values []types.Amount) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}

// DecodeValues parses the list produced by EncodeValues.
func DecodeValues(raw string) ([]types.Amount, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]types.Amount, len(parts))
	for i, part := range parts {
		v, err := types.ParseAmount(part)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCache, err)
		}
		out[i] = v
	}
	return out, nil
}

func encodeHeights(heights []uint64) string {
	parts := make([]string, len(heights))
	for i, h := range heights {
		parts[i] = strconv.FormatUint(h, 10)
	}
	return strings.Join(parts, ",")
}

func decodeHeights(raw string) ([]uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]uint64, len(parts))
	for i, part := range parts {
		h, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: height %q", ErrMalformedCache, part)
		}
		out[i] = h
	}
	return out, nil
}
