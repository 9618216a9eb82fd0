package pieces

import (
	"encoding/binary"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/params"
)

// SegmentIndex identifies a position in the sequence of archived segments,
// starting from zero at genesis.
type SegmentIndex uint64

// PieceIndex identifies a single piece's absolute position across the
// entire piece set: segment SegmentIndex, position within that segment's
// NumPieces pieces. Pieces are numbered densely, so index decomposition
// is a division/modulo pair rather than a stored pair of fields.
type PieceIndex uint64

// NewPieceIndex builds a PieceIndex from a segment index and an in-segment
// position.
func NewPieceIndex(p params.Params, segment SegmentIndex, position int) PieceIndex {
	return PieceIndex(uint64(segment)*uint64(p.NumPieces()) + uint64(position))
}

// SegmentIndex returns the segment this piece belongs to.
func (pi PieceIndex) SegmentIndex(p params.Params) SegmentIndex {
	return SegmentIndex(uint64(pi) / uint64(p.NumPieces()))
}

// Position returns the piece's position within its segment.
func (pi PieceIndex) Position(p params.Params) int {
	return int(uint64(pi) % uint64(p.NumPieces()))
}

// IsSourcePiece reports whether this piece carries one of the segment's
// source records (as opposed to a parity record): source pieces occupy the
// first NumRawRecords positions of every segment, interleaved as
// [source, parity, source, parity, ...] is NOT how positions work here —
// positions map 1:1 onto the ArchivedHistorySegment's flat piece list,
// which places all source pieces before all parity pieces per segment.
func (pi PieceIndex) IsSourcePiece(p params.Params) bool {
	return pi.Position(p) < p.NumRawRecords
}

// LastArchivedBlock records how much of a block has been archived: either
// the whole block (Complete), or a prefix of it of length PartialBytes
// (a segment boundary fell in the middle of the block and the remainder
// is buffered for the next segment).
type LastArchivedBlock struct {
	Number       uint64
	Complete     bool
	PartialBytes uint32
}

// CompleteBlock returns a LastArchivedBlock marking block number as fully
// archived.
func CompleteBlock(number uint64) LastArchivedBlock {
	return LastArchivedBlock{Number: number, Complete: true}
}

// PartialBlock returns a LastArchivedBlock marking the first partialBytes
// bytes of block number as archived so far.
func PartialBlock(number uint64, partialBytes uint32) LastArchivedBlock {
	return LastArchivedBlock{Number: number, PartialBytes: partialBytes}
}

// ArchivedBytes returns PartialBytes: the length of the archived prefix of
// a partially archived block. It is zero for a Complete block, whose total
// encoded size this type does not record.
func (b LastArchivedBlock) ArchivedBytes() uint32 { return b.PartialBytes }

// SegmentHeader commits to one archived segment: its own index, the
// balanced Merkle root over that segment's record roots, a hash-chain
// link to the previous segment header, and the archival progress marker
// for the block being archived when this segment was produced.
type SegmentHeader struct {
	SegmentIndex          SegmentIndex
	SegmentRoot           hashing.Hash32
	PrevSegmentHeaderHash hashing.Hash32
	LastArchivedBlock     LastArchivedBlock
}

// segmentHeaderHashDomain keys the header hash so it can never collide
// with a hash produced from the same bytes in a different context.
var segmentHeaderHashDomain = hashing.DomainKey("subspace/segment-header")

// Hash derives the SegmentHeader's own hash, used as the next header's
// PrevSegmentHeaderHash link.
func (h SegmentHeader) Hash() hashing.Hash32 {
	var numberBuf, partialBuf [8]byte
	binary.LittleEndian.PutUint64(numberBuf[:], uint64(h.SegmentIndex))
	binary.LittleEndian.PutUint64(partialBuf[:], h.LastArchivedBlock.Number)

	complete := byte(0)
	if h.LastArchivedBlock.Complete {
		complete = 1
	}
	var partialBytesBuf [4]byte
	binary.LittleEndian.PutUint32(partialBytesBuf[:], h.LastArchivedBlock.PartialBytes)

	return hashing.KeyedSum(
		segmentHeaderHashDomain,
		numberBuf[:],
		h.SegmentRoot[:],
		h.PrevSegmentHeaderHash[:],
		partialBuf[:],
		[]byte{complete},
		partialBytesBuf[:],
	)
}
