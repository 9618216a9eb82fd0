// Package params defines the protocol-wide size constants and tunables for
// the archival and farming pipeline. Every other package takes its
// dimensions from a *Params value rather than hard-coded constants, so
// tests can exercise the same algorithms at a scale that does not require
// allocating megabyte-sized records.
package params

import "fmt"

// RecordChunkSize is the width, in bytes, of a single erasure-coded chunk
// (and of a BLAKE3 digest/root).
const RecordChunkSize = 32

// Params bundles the dimensions of the archival/erasure/farming pipeline.
// MainnetParams carries the protocol's real dimensions; tests construct a
// smaller Params so that Record/Segment-shaped slices stay small enough to
// allocate and diff in a unit test.
type Params struct {
	// NumChunks is the number of 32-byte chunks in a single Record. Must be
	// a power of two (it is the leaf count of a balanced Merkle tree).
	NumChunks int

	// NumRawRecords is the number of source Records packed into a segment
	// before erasure coding. Must be a power of two.
	NumRawRecords int

	// RecordProofSize is the length, in 32-byte hashes, of a Record's
	// Merkle inclusion proof within its segment. Derived from NumPieces
	// but kept explicit for clarity at call sites.
	RecordProofSize int
}

// New returns a Params with RecordProofSize derived from the given
// dimensions. Callers should route every Params value through here (or
// through MainnetParams/Small) rather than building the struct literal
// directly, so RecordProofSize never drifts out of sync.
func New(numChunks, numRawRecords int) Params {
	p := Params{NumChunks: numChunks, NumRawRecords: numRawRecords}
	p.RecordProofSize = log2(p.NumPieces())
	return p
}

// MainnetParams are the protocol's canonical dimensions: NumChunks = 2^15,
// NumRawRecords = 128 (256 pieces per segment after erasure coding).
var MainnetParams = New(1<<15, 128)

// Small is a reduced-scale Params suitable for exhaustive unit tests: an
// 8-chunk record and a 4-raw-record segment (8 pieces after erasure
// coding), while preserving every power-of-two invariant production code
// relies on.
var Small = New(8, 4)

// RecordSize is the byte length of a single Record (NumChunks chunks).
func (p Params) RecordSize() int { return p.NumChunks * RecordChunkSize }

// NumPieces is the number of pieces in an archived segment: source records
// plus their erasure-coding parity extension, at the fixed 1:2 ratio.
func (p Params) NumPieces() int { return 2 * p.NumRawRecords }

// NumSBuckets is the number of s-buckets audited within a single record's
// chunk set: the chunk-level erasure extension doubles NumChunks.
func (p Params) NumSBuckets() int { return 2 * p.NumChunks }

// PieceSize is the total encoded length of a Piece: Record + RecordRoot +
// ParityChunksRoot + RecordProof.
func (p Params) PieceSize() int {
	return p.RecordSize() + RecordChunkSize + RecordChunkSize + p.RecordProofSize*RecordChunkSize
}

// RecordedHistorySegmentSize is the fixed byte size of an unencoded segment
// buffer: one Record per raw record slot.
func (p Params) RecordedHistorySegmentSize() int { return p.NumRawRecords * p.RecordSize() }

// Validate checks the power-of-two invariants every downstream Merkle tree
// and erasure-coding routine depends on.
func (p Params) Validate() error {
	if !isPowerOfTwo(p.NumChunks) {
		return fmt.Errorf("params: NumChunks %d is not a power of two", p.NumChunks)
	}
	if !isPowerOfTwo(p.NumRawRecords) {
		return fmt.Errorf("params: NumRawRecords %d is not a power of two", p.NumRawRecords)
	}
	if p.NumChunks <= 0 || p.NumRawRecords <= 0 {
		return fmt.Errorf("params: dimensions must be positive")
	}
	return nil
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
