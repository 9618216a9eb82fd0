// Package pieces implements the archival history's fixed-size data model:
// Record, Piece, RecordRoot derivation and piece-inclusion validation,
// plus the small value types (PieceIndex, SegmentIndex,
// LastArchivedBlock, SegmentHeader) shared by the archiver, segment header
// store, and solution verifier.
package pieces

import (
	"errors"
	"fmt"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/merkle"
	"github.com/autonomys-go/subspace-node/params"
)

// ErrWrongSize is returned whenever a byte slice handed to a constructor
// doesn't match the size its Params imply.
var ErrWrongSize = errors.New("pieces: wrong size for configured params")

// RootHash is a block header's own hash, as referenced by the archiver
// task's reorg check (§4.8): the ancestor header's parent root is compared
// against the root of the last block the archiver has actually
// incorporated. It shares BLAKE3's 32-byte width with every other digest
// in the protocol but is kept as a distinct type so a block root is never
// accidentally compared against a record or segment root.
type RootHash = hashing.Hash32

// Record is a single source (or parity) record: Params.NumChunks chunks of
// hashing.Size bytes each, stored flat.
type Record struct {
	p   params.Params
	buf []byte
}

// NewRecord allocates a zeroed Record sized per p.
func NewRecord(p params.Params) *Record {
	return &Record{p: p, buf: make([]byte, p.RecordSize())}
}

// RecordFromBytes wraps an existing buffer as a Record without copying. The
// buffer's length must equal p.RecordSize().
func RecordFromBytes(p params.Params, buf []byte) (*Record, error) {
	if len(buf) != p.RecordSize() {
		return nil, fmt.Errorf("%w: record buffer is %d bytes, want %d", ErrWrongSize, len(buf), p.RecordSize())
	}
	return &Record{p: p, buf: buf}, nil
}

// Bytes returns the record's flat backing buffer.
func (r *Record) Bytes() []byte { return r.buf }

// NumChunks returns the number of 32-byte chunks in the record.
func (r *Record) NumChunks() int { return r.p.NumChunks }

// Chunk returns the i-th 32-byte chunk as a hashing.Hash32.
func (r *Record) Chunk(i int) hashing.Hash32 {
	var h hashing.Hash32
	copy(h[:], r.buf[i*hashing.Size:(i+1)*hashing.Size])
	return h
}

// SetChunk overwrites the i-th chunk.
func (r *Record) SetChunk(i int, h hashing.Hash32) {
	copy(r.buf[i*hashing.Size:(i+1)*hashing.Size], h[:])
}

// Chunks returns every chunk as a slice, for feeding into the Merkle tree
// or the erasure coder.
func (r *Record) Chunks() []hashing.Hash32 {
	out := make([]hashing.Hash32, r.p.NumChunks)
	for i := range out {
		out[i] = r.Chunk(i)
	}
	return out
}

// ChunkShards returns each chunk as an independent []byte view into the
// record's backing buffer, the shape package erasure.Extend expects.
func (r *Record) ChunkShards() [][]byte {
	out := make([][]byte, r.p.NumChunks)
	for i := range out {
		out[i] = r.buf[i*hashing.Size : (i+1)*hashing.Size]
	}
	return out
}

// SourceChunksRoot computes the balanced Merkle root over a record's own
// (source) chunks.
func SourceChunksRoot(r *Record) (hashing.Hash32, error) {
	return merkle.ComputeRoot(r.Chunks())
}

// ParityChunksRoot computes the balanced Merkle root over a record's
// erasure-extended parity chunks (the parity Record produced by extending
// r's source chunks).
func ParityChunksRoot(parity *Record) (hashing.Hash32, error) {
	return merkle.ComputeRoot(parity.Chunks())
}

// RecordRoot derives a record's root from its source- and parity-chunks
// roots: root = H(H(sourceChunksRoot) || H(parityChunksRoot)) — note the
// extra hash of each child before pairing, which distinguishes this from
// a plain two-leaf balanced tree.
func RecordRoot(sourceChunksRoot, parityChunksRoot hashing.Hash32) hashing.Hash32 {
	return hashing.Pair(hashing.Sum(sourceChunksRoot[:]), hashing.Sum(parityChunksRoot[:]))
}

// RecordRootIsValid checks that recordRoot sits at piecePosition under
// segmentRoot, given its Merkle inclusion proof. This is the second half
// of Piece.IsValid's check, exposed standalone for callers (the solution
// verifier's optional piece-inclusion step) that only have a Solution's
// recordRoot/recordProof pair rather than a full Piece.
func RecordRootIsValid(segmentRoot, recordRoot hashing.Hash32, recordProof []hashing.Hash32, piecePosition int) (bool, error) {
	return merkle.VerifyProof(segmentRoot, recordRoot, piecePosition, recordProof)
}

// Piece is a Record plus its RecordRoot, ParityChunksRoot and RecordProof,
// stored flat in a single fixed-size buffer.
type Piece struct {
	p   params.Params
	buf []byte
}

// NewPiece allocates a zeroed Piece sized per p.
func NewPiece(p params.Params) *Piece {
	return &Piece{p: p, buf: make([]byte, p.PieceSize())}
}

// PieceFromBytes wraps an existing buffer as a Piece without copying.
func PieceFromBytes(p params.Params, buf []byte) (*Piece, error) {
	if len(buf) != p.PieceSize() {
		return nil, fmt.Errorf("%w: piece buffer is %d bytes, want %d", ErrWrongSize, len(buf), p.PieceSize())
	}
	return &Piece{p: p, buf: buf}, nil
}

// Bytes returns the piece's flat backing buffer.
func (pc *Piece) Bytes() []byte { return pc.buf }

func (pc *Piece) recordEnd() int          { return pc.p.RecordSize() }
func (pc *Piece) rootEnd() int            { return pc.recordEnd() + hashing.Size }
func (pc *Piece) parityChunksRootEnd() int { return pc.rootEnd() + hashing.Size }

// Record returns a view of the piece's record bytes.
func (pc *Piece) Record() (*Record, error) {
	return RecordFromBytes(pc.p, pc.buf[:pc.recordEnd()])
}

// RecordRoot returns the piece's embedded record root.
func (pc *Piece) RecordRoot() hashing.Hash32 {
	var h hashing.Hash32
	copy(h[:], pc.buf[pc.recordEnd():pc.rootEnd()])
	return h
}

// SetRecordRoot overwrites the piece's embedded record root.
func (pc *Piece) SetRecordRoot(h hashing.Hash32) {
	copy(pc.buf[pc.recordEnd():pc.rootEnd()], h[:])
}

// ParityChunksRoot returns the piece's embedded parity-chunks root.
func (pc *Piece) ParityChunksRoot() hashing.Hash32 {
	var h hashing.Hash32
	copy(h[:], pc.buf[pc.rootEnd():pc.parityChunksRootEnd()])
	return h
}

// SetParityChunksRoot overwrites the piece's embedded parity-chunks root.
func (pc *Piece) SetParityChunksRoot(h hashing.Hash32) {
	copy(pc.buf[pc.rootEnd():pc.parityChunksRootEnd()], h[:])
}

// RecordProof returns the piece's embedded Merkle inclusion proof.
func (pc *Piece) RecordProof() []hashing.Hash32 {
	raw := pc.buf[pc.parityChunksRootEnd():]
	out := make([]hashing.Hash32, pc.p.RecordProofSize)
	for i := range out {
		copy(out[i][:], raw[i*hashing.Size:(i+1)*hashing.Size])
	}
	return out
}

// SetRecordProof overwrites the piece's embedded Merkle inclusion proof.
func (pc *Piece) SetRecordProof(proof []hashing.Hash32) error {
	if len(proof) != pc.p.RecordProofSize {
		return fmt.Errorf("%w: proof has %d hashes, want %d", ErrWrongSize, len(proof), pc.p.RecordProofSize)
	}
	raw := pc.buf[pc.parityChunksRootEnd():]
	for i, h := range proof {
		copy(raw[i*hashing.Size:(i+1)*hashing.Size], h[:])
	}
	return nil
}

// IsValid checks a piece against a segment root at a given position: its
// embedded record root must match the source+parity chunk roots
// recomputed from its own record and parity-chunks-root fields, and its
// record proof must place that root at piecePosition under segmentRoot.
func (pc *Piece) IsValid(segmentRoot hashing.Hash32, piecePosition int) (bool, error) {
	record, err := pc.Record()
	if err != nil {
		return false, err
	}
	sourceRoot, err := SourceChunksRoot(record)
	if err != nil {
		return false, err
	}
	expected := RecordRoot(sourceRoot, pc.ParityChunksRoot())
	if expected != pc.RecordRoot() {
		return false, nil
	}
	return merkle.VerifyProof(segmentRoot, pc.RecordRoot(), piecePosition, pc.RecordProof())
}
