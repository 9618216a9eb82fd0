// Package merkle implements the two Merkle tree flavors the archival
// pipeline needs: a balanced hashed tree over a power-of-two leaf count
// that can produce per-leaf inclusion proofs, and an unbalanced tree used
// only where a root commitment is needed without proofs.
//
// Both operate on 32-byte BLAKE3 digests and combine children with
// hashing.Pair: root = pairwise BLAKE3 of concatenated children,
// log2(N)-long inclusion proofs.
package merkle

import (
	"errors"
	"fmt"

	"github.com/autonomys-go/subspace-node/hashing"
)

// ErrNotPowerOfTwo is returned when BalancedTree is constructed with a
// leaf count that isn't a power of two.
var ErrNotPowerOfTwo = errors.New("merkle: leaf count must be a power of two")

// ErrIndexRange is returned when a leaf index is out of bounds.
var ErrIndexRange = errors.New("merkle: leaf index out of range")

// BalancedTree is a complete binary Merkle tree over a power-of-two number
// of leaves.
type BalancedTree struct {
	levels [][]hashing.Hash32 // levels[0] = leaves, levels[len-1] = [root]
}

// NewBalancedTree builds a balanced Merkle tree over leaves. len(leaves)
// must be a power of two (1 is allowed: a single-leaf tree whose root is
// the leaf itself and whose proofs are empty).
func NewBalancedTree(leaves []hashing.Hash32) (*BalancedTree, error) {
	n := len(leaves)
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: got %d", ErrNotPowerOfTwo, n)
	}

	levels := make([][]hashing.Hash32, 0, log2(n)+1)
	cur := make([]hashing.Hash32, n)
	copy(cur, leaves)
	levels = append(levels, cur)

	for len(cur) > 1 {
		next := make([]hashing.Hash32, len(cur)/2)
		for i := range next {
			next[i] = hashing.Pair(cur[2*i], cur[2*i+1])
		}
		levels = append(levels, next)
		cur = next
	}

	return &BalancedTree{levels: levels}, nil
}

// Root returns the tree's root digest.
func (t *BalancedTree) Root() hashing.Hash32 {
	top := t.levels[len(t.levels)-1]
	return top[0]
}

// ComputeRoot hashes leaves into a root without retaining intermediate
// levels, for callers (such as the archiver's per-record chunk roots) that
// need only the root and not proofs.
func ComputeRoot(leaves []hashing.Hash32) (hashing.Hash32, error) {
	t, err := NewBalancedTree(leaves)
	if err != nil {
		return hashing.Hash32{}, err
	}
	return t.Root(), nil
}

// Proof returns the authentication path for the leaf at index: one sibling
// digest per tree level, from the leaf level up to (but excluding) the
// root.
func (t *BalancedTree) Proof(index int) ([]hashing.Hash32, error) {
	if index < 0 || index >= len(t.levels[0]) {
		return nil, ErrIndexRange
	}
	proof := make([]hashing.Hash32, 0, len(t.levels)-1)
	idx := index
	for level := 0; level < len(t.levels)-1; level++ {
		siblingIdx := idx ^ 1
		proof = append(proof, t.levels[level][siblingIdx])
		idx /= 2
	}
	return proof, nil
}

// AllProofs returns the authentication path for every leaf, in leaf order.
// Used by the archiver to write a proof into every piece of a segment in
// one pass.
func (t *BalancedTree) AllProofs() [][]hashing.Hash32 {
	n := len(t.levels[0])
	proofs := make([][]hashing.Hash32, n)
	for i := 0; i < n; i++ {
		// Error is impossible: i is always in range.
		proofs[i], _ = t.Proof(i)
	}
	return proofs
}

// VerifyProof checks that leaf sits at index under root, given its
// authentication path.
func VerifyProof(root hashing.Hash32, leaf hashing.Hash32, index int, proof []hashing.Hash32) (bool, error) {
	numLeaves := 1 << len(proof)
	if index < 0 || index >= numLeaves {
		return false, ErrIndexRange
	}

	cur := leaf
	idx := index
	for _, sibling := range proof {
		if idx&1 == 0 {
			cur = hashing.Pair(cur, sibling)
		} else {
			cur = hashing.Pair(sibling, cur)
		}
		idx /= 2
	}
	return cur == root, nil
}

// UnbalancedRoot computes a root commitment over an arbitrary (non-power-
// of-two) number of leaves, used where only a commitment is required and
// no inclusion proof will ever be requested (e.g. a per-block headers
// collection). It folds leaves pairwise,
// carrying an odd leaf forward unmodified to the next level, rather than
// padding with a fixed value — this keeps the commitment a pure function
// of the leaves actually supplied.
func UnbalancedRoot(leaves []hashing.Hash32) hashing.Hash32 {
	if len(leaves) == 0 {
		return hashing.Hash32{}
	}
	cur := make([]hashing.Hash32, len(leaves))
	copy(cur, leaves)
	for len(cur) > 1 {
		next := make([]hashing.Hash32, 0, (len(cur)+1)/2)
		i := 0
		for ; i+1 < len(cur); i += 2 {
			next = append(next, hashing.Pair(cur[i], cur[i+1]))
		}
		if i < len(cur) {
			next = append(next, cur[i])
		}
		cur = next
	}
	return cur[0]
}

func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
