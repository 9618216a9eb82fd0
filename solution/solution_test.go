package solution

import (
	"testing"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/merkle"
)

type stubPos struct{ valid bool }

func (s stubPos) IsProofValid(hashing.Hash32, uint32, []byte) bool { return s.valid }

const (
	testCommitmentLeaves = 16
	testSBuckets         = 16
)

// buildValidSolution assembles a Solution and matching Params that Verify
// accepts, by running the same derivation functions Verify uses and then
// building Merkle trees whose proofs satisfy them. It returns the
// assembled solution plus the exact distance Verify will compute, so
// callers can choose a SolutionRange that passes or fails deliberately.
func buildValidSolution(t *testing.T) (Solution, Params, uint64) {
	t.Helper()

	publicKeyHash := hashing.Sum([]byte("farmer-1"))
	globalChallenge := hashing.Sum([]byte("slot-42"))
	entropy := hashing.Sum([]byte("entropy"))
	historySize := uint64(1000)

	commitmentLeaves := make([]hashing.Hash32, testCommitmentLeaves)
	for i := range commitmentLeaves {
		commitmentLeaves[i] = hashing.Sum([]byte{byte(i)}, []byte("commitment-leaf"))
	}
	commitmentTree, err := merkle.NewBalancedTree(commitmentLeaves)
	if err != nil {
		t.Fatalf("NewBalancedTree(commitment): %v", err)
	}
	commitmentRoot := commitmentTree.Root()

	_, commitmentIndexRaw := resolveShard(publicKeyHash, commitmentRoot, entropy, historySize, 1000)
	commitmentIndex := int(commitmentIndexRaw) % testCommitmentLeaves
	commitmentProof, err := commitmentTree.Proof(commitmentIndex)
	if err != nil {
		t.Fatalf("Proof(commitment): %v", err)
	}

	sectorIndex := uint64(7)
	sectorID := deriveSectorID(publicKeyHash, sectorIndex)
	sectorSlotChallenge := deriveSectorSlotChallenge(sectorID, globalChallenge)
	sBucketAuditIndex := deriveSBucketAuditIndex(sectorSlotChallenge, testSBuckets)

	chunkLeaves := make([]hashing.Hash32, testSBuckets)
	for i := range chunkLeaves {
		chunkLeaves[i] = hashing.Sum([]byte{byte(i)}, []byte("chunk-leaf"))
	}
	chunkTree, err := merkle.NewBalancedTree(chunkLeaves)
	if err != nil {
		t.Fatalf("NewBalancedTree(chunk): %v", err)
	}
	recordRoot := chunkTree.Root()
	chunk := chunkLeaves[sBucketAuditIndex]
	chunkProof, err := chunkTree.Proof(int(sBucketAuditIndex))
	if err != nil {
		t.Fatalf("Proof(chunk): %v", err)
	}

	proofOfSpace := []byte("proof-of-space-bytes")
	masked := maskChunk(chunk, proofOfSpace)
	distance := calculateDistance(globalChallenge, masked, sectorSlotChallenge)

	s := Solution{
		PublicKeyHash: publicKeyHash,
		ShardCommitment: ShardCommitment{
			Root:  commitmentRoot,
			Proof: commitmentProof,
			Leaf:  commitmentLeaves[commitmentIndex],
		},
		RecordRoot:   recordRoot,
		RecordProof:  nil,
		Chunk:        chunk,
		ChunkProof:   chunkProof,
		ProofOfSpace: proofOfSpace,
		HistorySize:  historySize,
		SectorIndex:  sectorIndex,
		PieceOffset:  0,
	}

	p := Params{
		GlobalChallenge: globalChallenge,
		ShardKind:       ShardBeacon,
		NumShards:       1000,
		Entropy:         entropy,
		Pos:             stubPos{valid: true},
	}
	return s, p, distance
}

func TestVerifyAcceptsWellFormedSolution(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	p.SolutionRange = 2*distance + 10

	if err := Verify(s, p); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsOutsideSolutionRange(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	if distance == 0 {
		t.Skip("degenerate distance of exactly 0 cannot be pushed out of range")
	}
	p.SolutionRange = 0 // effectiveRange/2 == 0, so any positive distance fails

	err := Verify(s, p)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != KindOutsideSolutionRange {
		t.Fatalf("Verify error = %v, want KindOutsideSolutionRange", err)
	}
}

func TestVerifyRejectsBadShardCommitment(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	p.SolutionRange = 2*distance + 10
	s.ShardCommitment.Leaf = hashing.Sum([]byte("tampered"))

	err := Verify(s, p)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != KindInvalidShardCommitment {
		t.Fatalf("Verify error = %v, want KindInvalidShardCommitment", err)
	}
}

func TestVerifyRejectsBadChunkProof(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	p.SolutionRange = 2*distance + 10
	s.Chunk = hashing.Sum([]byte("tampered chunk"))

	err := Verify(s, p)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != KindInvalidChunkProof {
		t.Fatalf("Verify error = %v, want KindInvalidChunkProof", err)
	}
}

func TestVerifyRejectsInvalidProofOfSpace(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	p.SolutionRange = 2*distance + 10
	p.Pos = stubPos{valid: false}

	err := Verify(s, p)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != KindInvalidProofOfSpace {
		t.Fatalf("Verify error = %v, want KindInvalidProofOfSpace", err)
	}
}

func TestVerifyRequiresPosVerifier(t *testing.T) {
	s, p, _ := buildValidSolution(t)
	p.Pos = nil
	if err := Verify(s, p); err != ErrNoPosVerifier {
		t.Fatalf("Verify error = %v, want ErrNoPosVerifier", err)
	}
}

func TestVerifyEnforcesLeafShardMembership(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	p.SolutionRange = 2*distance + 10
	p.ShardKind = ShardLeaf
	p.VerifierShard = ShardIndex(999999) // almost certainly not the solution's resolved shard

	err := Verify(s, p)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != KindShardMismatch {
		t.Fatalf("Verify error = %v, want KindShardMismatch", err)
	}
}

func TestShardIndexParent(t *testing.T) {
	if got := ShardIndex(9).Parent(4); got != 2 {
		t.Fatalf("Parent(9, branching=4) = %d, want 2", got)
	}
}

func TestVerifyPieceCheckCatchesFutureHistorySize(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	p.SolutionRange = 2*distance + 10
	p.PieceCheck = &PieceCheckParams{
		CurrentHistorySize: s.HistorySize - 1,
		MaxPiecesInSector:  100,
		MinSectorLifetime:  10,
	}

	err := Verify(s, p)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != KindFutureHistorySize {
		t.Fatalf("Verify error = %v, want KindFutureHistorySize", err)
	}
}

func TestVerifyPieceCheckCatchesPieceOffsetOutOfRange(t *testing.T) {
	s, p, distance := buildValidSolution(t)
	p.SolutionRange = 2*distance + 10
	s.PieceOffset = 50
	p.PieceCheck = &PieceCheckParams{
		CurrentHistorySize: s.HistorySize,
		MaxPiecesInSector:  10,
		MinSectorLifetime:  10,
	}

	err := Verify(s, p)
	ve, ok := err.(*VerifyError)
	if !ok || ve.Kind != KindPieceOffsetOutOfRange {
		t.Fatalf("Verify error = %v, want KindPieceOffsetOutOfRange", err)
	}
}
