package merkle

import (
	"testing"

	"github.com/autonomys-go/subspace-node/hashing"
)

func leaves(n int) []hashing.Hash32 {
	out := make([]hashing.Hash32, n)
	for i := range out {
		out[i] = hashing.Sum([]byte{byte(i)})
	}
	return out
}

func TestBalancedTreeRootDeterministic(t *testing.T) {
	l := leaves(8)
	t1, err := NewBalancedTree(l)
	if err != nil {
		t.Fatalf("NewBalancedTree: %v", err)
	}
	t2, err := NewBalancedTree(l)
	if err != nil {
		t.Fatalf("NewBalancedTree: %v", err)
	}
	if t1.Root() != t2.Root() {
		t.Fatalf("root not deterministic")
	}
}

func TestBalancedTreeRejectsNonPowerOfTwo(t *testing.T) {
	if _, err := NewBalancedTree(leaves(3)); err == nil {
		t.Fatalf("expected error for non-power-of-two leaf count")
	}
}

func TestProofRoundTrip(t *testing.T) {
	l := leaves(16)
	tree, err := NewBalancedTree(l)
	if err != nil {
		t.Fatalf("NewBalancedTree: %v", err)
	}
	root := tree.Root()

	for i := range l {
		proof, err := tree.Proof(i)
		if err != nil {
			t.Fatalf("Proof(%d): %v", i, err)
		}
		if len(proof) != 4 {
			t.Fatalf("proof length = %d, want 4", len(proof))
		}
		ok, err := VerifyProof(root, l[i], i, proof)
		if err != nil {
			t.Fatalf("VerifyProof(%d): %v", i, err)
		}
		if !ok {
			t.Fatalf("VerifyProof(%d) = false, want true", i)
		}
	}
}

func TestProofRejectsWrongLeaf(t *testing.T) {
	l := leaves(8)
	tree, _ := NewBalancedTree(l)
	proof, _ := tree.Proof(0)
	ok, err := VerifyProof(tree.Root(), l[1], 0, proof)
	if err != nil {
		t.Fatalf("VerifyProof: %v", err)
	}
	if ok {
		t.Fatalf("VerifyProof accepted mismatched leaf")
	}
}

func TestSingleLeafTree(t *testing.T) {
	l := leaves(1)
	tree, err := NewBalancedTree(l)
	if err != nil {
		t.Fatalf("NewBalancedTree: %v", err)
	}
	if tree.Root() != l[0] {
		t.Fatalf("single-leaf root should equal the leaf")
	}
	proof, err := tree.Proof(0)
	if err != nil {
		t.Fatalf("Proof: %v", err)
	}
	if len(proof) != 0 {
		t.Fatalf("single-leaf proof should be empty, got %d", len(proof))
	}
}

func TestUnbalancedRootOddCount(t *testing.T) {
	l := leaves(5)
	root := UnbalancedRoot(l)
	if root == (hashing.Hash32{}) {
		t.Fatalf("unbalanced root should not be zero")
	}
	// Deterministic across calls.
	if UnbalancedRoot(l) != root {
		t.Fatalf("unbalanced root not deterministic")
	}
}

func TestAllProofsMatchesIndividual(t *testing.T) {
	l := leaves(8)
	tree, _ := NewBalancedTree(l)
	all := tree.AllProofs()
	for i := range l {
		single, _ := tree.Proof(i)
		if len(all[i]) != len(single) {
			t.Fatalf("proof %d length mismatch", i)
		}
		for j := range single {
			if all[i][j] != single[j] {
				t.Fatalf("proof %d mismatch at %d", i, j)
			}
		}
	}
}
