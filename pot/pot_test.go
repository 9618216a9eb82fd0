package pot

import (
	"context"
	"testing"
)

func TestComputeCheckpointsDeterministic(t *testing.T) {
	seed := Seed{1, 2, 3}
	cp1, err := ComputeCheckpoints(seed, 80)
	if err != nil {
		t.Fatalf("ComputeCheckpoints: %v", err)
	}
	cp2, err := ComputeCheckpoints(seed, 80)
	if err != nil {
		t.Fatalf("ComputeCheckpoints: %v", err)
	}
	if cp1 != cp2 {
		t.Fatalf("checkpoints not deterministic")
	}
}

func TestComputeCheckpointsRejectsBadIterations(t *testing.T) {
	if _, err := ComputeCheckpoints(Seed{}, 0); err == nil {
		t.Fatalf("expected error for zero iterations")
	}
	if _, err := ComputeCheckpoints(Seed{}, 3); err == nil {
		t.Fatalf("expected error for iterations not divisible by NumCheckpoints")
	}
}

func TestComputeCheckpointsDiffersBySeed(t *testing.T) {
	cp1, _ := ComputeCheckpoints(Seed{1}, 80)
	cp2, _ := ComputeCheckpoints(Seed{2}, 80)
	if cp1 == cp2 {
		t.Fatalf("different seeds produced identical checkpoints")
	}
}

type stubPoS struct{ valid bool }

func (s stubPoS) IsProofValid(Seed, uint32, []byte) bool { return s.valid }

func TestGetCheckpointsCachesResult(t *testing.T) {
	v, err := NewVerifier(stubPoS{valid: true})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	seed := Seed{9, 9}
	cp1, err := v.GetCheckpoints(context.Background(), 80, seed)
	if err != nil {
		t.Fatalf("GetCheckpoints: %v", err)
	}
	cp2, err := v.GetCheckpoints(context.Background(), 80, seed)
	if err != nil {
		t.Fatalf("GetCheckpoints (cached): %v", err)
	}
	if cp1 != cp2 {
		t.Fatalf("cached checkpoints differ from freshly computed ones")
	}
}

func TestGetCheckpointsRespectsCancellation(t *testing.T) {
	v, err := NewVerifier(stubPoS{valid: true})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := v.GetCheckpoints(ctx, 80, Seed{1}); err == nil {
		t.Fatalf("expected error from a cancelled context")
	}
}

func TestIsOutputValidMatchesComputedChain(t *testing.T) {
	v, err := NewVerifier(stubPoS{valid: true})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	seed := Seed{5, 5, 5}
	const iterations = 80

	cp1, _ := ComputeCheckpoints(seed, iterations)
	seed2 := nextSeed(cp1.Output(), 1, nil)
	cp2, _ := ComputeCheckpoints(seed2, iterations)

	ok, err := v.IsOutputValid(context.Background(), seed, 0, 2, iterations, cp2.Output(), nil)
	if err != nil {
		t.Fatalf("IsOutputValid: %v", err)
	}
	if !ok {
		t.Fatalf("expected the replayed chain to validate against its own output")
	}

	ok, err = v.IsOutputValid(context.Background(), seed, 0, 2, iterations, Output{0xff}, nil)
	if err != nil {
		t.Fatalf("IsOutputValid: %v", err)
	}
	if ok {
		t.Fatalf("expected a mismatched claimed output to fail validation")
	}
}

func TestIsOutputValidHonoursParametersChange(t *testing.T) {
	v, err := NewVerifier(stubPoS{valid: true})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	seed := Seed{7}
	change := &ParametersChange{Slot: 1, SlotIterations: 16, Entropy: Seed{0xaa}}

	cp1, _ := ComputeCheckpoints(seed, 80)
	seed2 := nextSeed(cp1.Output(), 1, change)
	cp2, _ := ComputeCheckpoints(seed2, 16)

	ok, err := v.IsOutputValid(context.Background(), seed, 0, 2, 80, cp2.Output(), change)
	if err != nil {
		t.Fatalf("IsOutputValid: %v", err)
	}
	if !ok {
		t.Fatalf("expected chain with a scheduled parameters change to validate")
	}
}

func TestIsProofValidDelegatesToCollaborator(t *testing.T) {
	v, err := NewVerifier(stubPoS{valid: false})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if v.IsProofValid(Seed{}, 0, nil) {
		t.Fatalf("expected delegate's false verdict to propagate")
	}
}
