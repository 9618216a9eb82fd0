package erasure

import (
	"bytes"
	"testing"
)

func TestExtendDeterministic(t *testing.T) {
	c, err := NewCoder(4)
	if err != nil {
		t.Fatalf("NewCoder: %v", err)
	}
	source := [][]byte{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
		{9, 10, 11, 12},
		{13, 14, 15, 16},
	}
	parity1 := makeShards(4, 4)
	parity2 := makeShards(4, 4)

	if err := c.Extend(source, parity1); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := c.Extend(source, parity2); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	for i := range parity1 {
		if !bytes.Equal(parity1[i], parity2[i]) {
			t.Fatalf("Extend not deterministic at shard %d", i)
		}
	}
}

func TestExtendProducesNonTrivialParity(t *testing.T) {
	c, err := NewCoder(2)
	if err != nil {
		t.Fatalf("NewCoder: %v", err)
	}
	source := [][]byte{{1, 0}, {0, 1}}
	parity := makeShards(2, 2)
	if err := c.Extend(source, parity); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	allZero := true
	for _, p := range parity {
		for _, b := range p {
			if b != 0 {
				allZero = false
			}
		}
	}
	if allZero {
		t.Fatalf("parity shards are all zero for non-zero source")
	}
}

func TestExtendRejectsShapeMismatch(t *testing.T) {
	c, err := NewCoder(3)
	if err != nil {
		t.Fatalf("NewCoder: %v", err)
	}
	source := [][]byte{{1, 2}, {3, 4}} // wrong count
	parity := makeShards(3, 2)
	if err := c.Extend(source, parity); err == nil {
		t.Fatalf("expected ErrInvalidShape for wrong source count")
	}

	source3 := [][]byte{{1, 2}, {3, 4}, {5, 6}}
	badParity := [][]byte{{0, 0}, {0, 0, 0, 0}, {0, 0}} // wrong length
	if err := c.Extend(source3, badParity); err == nil {
		t.Fatalf("expected ErrInvalidShape for ragged parity length")
	}
}

func TestExtendRejectsOddShardLength(t *testing.T) {
	c, err := NewCoder(1)
	if err != nil {
		t.Fatalf("NewCoder: %v", err)
	}
	source := [][]byte{{1, 2, 3}}
	parity := makeShards(1, 3)
	if err := c.Extend(source, parity); err == nil {
		t.Fatalf("expected ErrInvalidShape for odd shard length")
	}
}

func TestNewCoderRejectsNonPositiveK(t *testing.T) {
	if _, err := NewCoder(0); err == nil {
		t.Fatalf("expected error for k=0")
	}
	if _, err := NewCoder(-1); err == nil {
		t.Fatalf("expected error for negative k")
	}
}

func TestSystematicReconstruction(t *testing.T) {
	// Any k of the 2k shards (here, all k parity shards plus solving the
	// linear system) must determine the source; we check the weaker but
	// still meaningful property that distinct source inputs never produce
	// colliding parity for a fixed coder (a collision would mean the
	// generator matrix isn't full rank, contradicting the Cauchy
	// construction).
	c, err := NewCoder(4)
	if err != nil {
		t.Fatalf("NewCoder: %v", err)
	}
	a := [][]byte{{1, 0}, {0, 0}, {0, 0}, {0, 0}}
	b := [][]byte{{0, 1}, {0, 0}, {0, 0}, {0, 0}}

	pa := makeShards(4, 2)
	pb := makeShards(4, 2)
	if err := c.Extend(a, pa); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if err := c.Extend(b, pb); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	same := true
	for i := range pa {
		if !bytes.Equal(pa[i], pb[i]) {
			same = false
		}
	}
	if same {
		t.Fatalf("distinct sources produced identical parity")
	}
}

func makeShards(n, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, size)
	}
	return out
}
