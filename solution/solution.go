// Package solution implements the Solution Verifier: it checks a
// farmer's Solution against a slot's PoT challenge, the node's shard
// assignment and solution range, and the solution's own proof-of-space,
// chunk-inclusion, and (optionally) piece-inclusion proofs. Every failure
// mode is a distinct, inspectable error variant; none are recovered
// locally — the caller (slot worker, block import) decides what to do.
package solution

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/merkle"
	"github.com/autonomys-go/subspace-node/pieces"
)

// ShardKind classifies which tier of the shard tree a verifier instance
// occupies.
type ShardKind int

const (
	ShardBeacon ShardKind = iota
	ShardIntermediate
	ShardLeaf
)

// ShardIndex addresses one shard within the tree. Parent steps one level
// toward the beacon-chain root by dividing by the tree's branching factor.
type ShardIndex uint64

// Parent returns the shard that owns s one level up the shard tree.
func (s ShardIndex) Parent(branchingFactor uint64) ShardIndex {
	return ShardIndex(uint64(s) / branchingFactor)
}

// ShardCommitment is a solution's Merkle proof that its shard assignment
// was correctly derived at the solution's claimed historySize.
type ShardCommitment struct {
	Root  hashing.Hash32
	Proof []hashing.Hash32
	Leaf  hashing.Hash32
}

// Solution is a farmer's claim to have found an eligible chunk within a
// plotted sector, along with every proof needed to check that claim
// without trusting the farmer.
type Solution struct {
	PublicKeyHash   hashing.Hash32
	ShardCommitment ShardCommitment
	RecordRoot      hashing.Hash32
	RecordProof     []hashing.Hash32
	Chunk           hashing.Hash32
	ChunkProof      []hashing.Hash32
	ProofOfSpace    []byte
	HistorySize     uint64
	SectorIndex     uint64
	PieceOffset     uint32
}

// PosVerifier is the proof-of-space collaborator step 5 delegates to.
type PosVerifier interface {
	IsProofValid(evaluationSeed hashing.Hash32, sBucketAuditIndex uint32, proofOfSpace []byte) bool
}

// PieceCheckParams carries the optional piece-inclusion check (step 8):
// supplied only when the caller wants the solution's sector lifetime and
// segment-membership validated, not just its chunk-level proofs.
type PieceCheckParams struct {
	CurrentHistorySize               uint64
	MaxPiecesInSector                uint32
	MinSectorLifetime                uint64
	SectorExpirationCheckSegmentRoot hashing.Hash32
	SegmentRoot                      hashing.Hash32
}

// Params bundles everything verification needs beyond the Solution itself.
type Params struct {
	Slot                 uint64
	GlobalChallenge      hashing.Hash32
	VerifierShard        ShardIndex
	ShardKind            ShardKind
	NumShards            uint64
	ShardBranchingFactor uint64
	SolutionRange        uint64
	Entropy              hashing.Hash32
	Pos                  PosVerifier
	PieceCheck           *PieceCheckParams // nil disables step 8
}

// VerifyError is the taxonomy of rejection reasons step 2-8 can return.
// Every VerifyError is a "reject and continue" failure per the error
// handling design: callers log it and move to the next solution.
type VerifyError struct {
	Kind    string
	Details string
}

func (e *VerifyError) Error() string {
	if e.Details == "" {
		return "solution: " + e.Kind
	}
	return fmt.Sprintf("solution: %s: %s", e.Kind, e.Details)
}

func newVerifyError(kind, format string, args ...any) *VerifyError {
	return &VerifyError{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

// Error kinds, one per named solution-verification failure mode.
const (
	KindShardMismatch          = "ShardMismatch"
	KindInvalidShardCommitment = "InvalidShardCommitment"
	KindInvalidProofOfSpace    = "InvalidProofOfSpace"
	KindOutsideSolutionRange   = "OutsideSolutionRange"
	KindInvalidChunkProof      = "InvalidChunkProof"
	KindFutureHistorySize      = "FutureHistorySize"
	KindPieceOffsetOutOfRange  = "PieceOffsetOutOfRange"
	KindSectorExpired          = "SectorExpired"
	KindInvalidPieceInclusion  = "InvalidPieceInclusion"
)

// ErrNoPosVerifier guards against misconfiguration: Verify always needs a
// proof-of-space collaborator, unlike the optional piece check.
var ErrNoPosVerifier = errors.New("solution: Params.Pos must not be nil")

// resolveShard reduces (publicKeyHash, shardCommitmentRoot, entropy) at
// historySize to a (solutionShardIndex, shardCommitmentIndex) pair. Both
// components are taken from independent halves
// of a single digest so that changing historySize alone (the only
// quantity that legitimately changes across a node's lifetime for a fixed
// plot) reshuffles both outputs.
func resolveShard(publicKeyHash, shardCommitmentRoot hashing.Hash32, entropy hashing.Hash32, historySize, numShards uint64) (ShardIndex, uint64) {
	digest := hashing.Sum(publicKeyHash[:], shardCommitmentRoot[:], entropy[:], hashing.Uint64LE(historySize))

	shardIndex := reduceModUint64(digest[:16], numShards)
	commitmentIndex := reduceModUint64(digest[16:], 1<<20) // commitment trees are bounded but not shard-count-sized

	return ShardIndex(shardIndex), commitmentIndex
}

// reduceModUint64 treats b as a big-endian integer and reduces it modulo m
// using uint256 arithmetic, matching the shard-resolution step's need for
// a modular reduction over an opaque hash-sized integer.
func reduceModUint64(b []byte, m uint64) uint64 {
	if m == 0 {
		return 0
	}
	value := new(uint256.Int).SetBytes(b)
	mod := uint256.NewInt(m)
	value.Mod(value, mod)
	return value.Uint64()
}

// deriveSectorID derives the sector identifier a solution's record root is
// checked against, from the farmer's public key and claimed sector index.
func deriveSectorID(publicKeyHash hashing.Hash32, sectorIndex uint64) hashing.Hash32 {
	return hashing.Sum(publicKeyHash[:], hashing.Uint64LE(sectorIndex))
}

// deriveSectorSlotChallenge mixes a sector's identity into the slot's
// global challenge, so the eligible-chunk test differs per sector.
func deriveSectorSlotChallenge(sectorID hashing.Hash32, globalChallenge hashing.Hash32) hashing.Hash32 {
	return hashing.Pair(sectorID, globalChallenge)
}

// deriveSBucketAuditIndex picks the s-bucket within a record that a
// sector's challenge must be evaluated against.
func deriveSBucketAuditIndex(sectorSlotChallenge hashing.Hash32, numSBuckets int) uint32 {
	return uint32(reduceModUint64(sectorSlotChallenge[:], uint64(numSBuckets)))
}

// maskChunk XORs a chunk with H(proofOfSpace), binding the revealed chunk
// to the specific proof of space that unlocked it.
func maskChunk(chunk hashing.Hash32, proofOfSpace []byte) hashing.Hash32 {
	mask := hashing.Sum(proofOfSpace)
	var out hashing.Hash32
	for i := range out {
		out[i] = chunk[i] ^ mask[i]
	}
	return out
}

// calculateDistance computes the circular distance, over the 64-bit
// solution-range space, between the global challenge and a solution's
// masked chunk, further mixed with the sector's slot challenge.
func calculateDistance(globalChallenge, maskedChunk, sectorSlotChallenge hashing.Hash32) uint64 {
	mixed := hashing.Sum(globalChallenge[:], maskedChunk[:], sectorSlotChallenge[:])
	a := hashing.Uint64LEFromBytes(mixed[:8])
	b := hashing.Uint64LEFromBytes(mixed[8:16])
	diff := a - b
	if a < b {
		diff = b - a
	}
	if diff > 1<<63 { // wrap-around: the short way round the circle
		return ^diff + 1
	}
	return diff
}

// Verify runs the full shard/range/proof-of-space/chunk/piece check
// against s, returning nil only if every step passes.
func Verify(s Solution, p Params) error {
	if p.Pos == nil {
		return ErrNoPosVerifier
	}

	// Step 1: resolve shard.
	solutionShardIndex, shardCommitmentIndex := resolveShard(s.PublicKeyHash, s.ShardCommitment.Root, p.Entropy, s.HistorySize, p.NumShards)

	// Step 2: enforce shard policy and scale the solution range.
	effectiveRange := p.SolutionRange
	switch p.ShardKind {
	case ShardBeacon:
		// Accepts any shard; no scaling.
	case ShardIntermediate:
		if solutionShardIndex.Parent(p.ShardBranchingFactor) != p.VerifierShard {
			return newVerifyError(KindShardMismatch, "solution shard %d's parent does not match verifier shard %d", solutionShardIndex, p.VerifierShard)
		}
		effectiveRange = p.SolutionRange * p.ShardBranchingFactor
	case ShardLeaf:
		if solutionShardIndex != p.VerifierShard {
			return newVerifyError(KindShardMismatch, "solution shard %d does not match verifier shard %d", solutionShardIndex, p.VerifierShard)
		}
		effectiveRange = p.SolutionRange * p.NumShards
	}

	// Step 3: verify the shard-commitment Merkle path.
	commitmentOK, err := merkle.VerifyProof(s.ShardCommitment.Root, s.ShardCommitment.Leaf, int(shardCommitmentIndex)%(1<<len(s.ShardCommitment.Proof)), s.ShardCommitment.Proof)
	if err != nil || !commitmentOK {
		return newVerifyError(KindInvalidShardCommitment, "shard commitment proof failed")
	}

	// Step 4: derive sector id, challenge, and audit index.
	sectorID := deriveSectorID(s.PublicKeyHash, s.SectorIndex)
	sectorSlotChallenge := deriveSectorSlotChallenge(sectorID, p.GlobalChallenge)
	sBucketAuditIndex := deriveSBucketAuditIndex(sectorSlotChallenge, 1<<len(s.ChunkProof))
	evaluationSeed := hashing.Pair(sectorID, s.RecordRoot)

	// Step 5: proof of space.
	if !p.Pos.IsProofValid(evaluationSeed, sBucketAuditIndex, s.ProofOfSpace) {
		return newVerifyError(KindInvalidProofOfSpace, "")
	}

	// Step 6: masked-chunk distance check.
	masked := maskChunk(s.Chunk, s.ProofOfSpace)
	distance := calculateDistance(p.GlobalChallenge, masked, sectorSlotChallenge)
	if distance > effectiveRange/2 {
		return newVerifyError(KindOutsideSolutionRange, "distance %d exceeds half-range %d", distance, effectiveRange/2)
	}

	// Step 7: chunk proof against the record root.
	chunkOK, err := merkle.VerifyProof(s.RecordRoot, s.Chunk, int(sBucketAuditIndex), s.ChunkProof)
	if err != nil || !chunkOK {
		return newVerifyError(KindInvalidChunkProof, "")
	}

	// Step 8: optional piece-inclusion check.
	if p.PieceCheck != nil {
		if err := verifyPieceInclusion(s, *p.PieceCheck); err != nil {
			return err
		}
	}

	return nil
}

func verifyPieceInclusion(s Solution, pc PieceCheckParams) error {
	if s.HistorySize > pc.CurrentHistorySize {
		return newVerifyError(KindFutureHistorySize, "history size %d exceeds current %d", s.HistorySize, pc.CurrentHistorySize)
	}
	if uint64(s.PieceOffset) >= uint64(pc.MaxPiecesInSector) {
		return newVerifyError(KindPieceOffsetOutOfRange, "piece offset %d >= max %d", s.PieceOffset, pc.MaxPiecesInSector)
	}

	expirationHistorySize := deriveExpirationHistorySize(s.HistorySize, pc.SectorExpirationCheckSegmentRoot, pc.MinSectorLifetime)
	if expirationHistorySize <= pc.CurrentHistorySize {
		return newVerifyError(KindSectorExpired, "sector expired at history size %d (current %d)", expirationHistorySize, pc.CurrentHistorySize)
	}

	piecePosition := int(s.PieceOffset)
	ok, err := pieces.RecordRootIsValid(pc.SegmentRoot, s.RecordRoot, s.RecordProof, piecePosition)
	if err != nil {
		return newVerifyError(KindInvalidPieceInclusion, "%v", err)
	}
	if !ok {
		return newVerifyError(KindInvalidPieceInclusion, "record root does not validate at position %d", piecePosition)
	}
	return nil
}

// deriveExpirationHistorySize mixes a sector's plot-time history size with
// a caller-supplied segment root to derive the history size at which the
// sector's minimum lifetime guarantee expires.
func deriveExpirationHistorySize(historySize uint64, segmentRoot hashing.Hash32, minSectorLifetime uint64) uint64 {
	digest := hashing.Sum(segmentRoot[:], hashing.Uint64LE(historySize))
	jitter := reduceModUint64(digest[:], minSectorLifetime/4+1)
	return historySize + minSectorLifetime + jitter
}
