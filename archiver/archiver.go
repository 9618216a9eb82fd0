package archiver

import (
	"fmt"

	"github.com/autonomys-go/subspace-node/erasure"
	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/log"
	"github.com/autonomys-go/subspace-node/merkle"
	"github.com/autonomys-go/subspace-node/params"
	"github.com/autonomys-go/subspace-node/pieces"
)

// GlobalObject is the archive-wide address of one object embedded in an
// archived block: which piece holds it, and the byte offset within that
// piece's record where the object's bytes begin.
type GlobalObject struct {
	Hash       hashing.Hash32
	PieceIndex pieces.PieceIndex
	Offset     uint32
}

// ArchivedSegment is one fully produced segment: its header plus every
// piece derived from it, in piece-position order.
type ArchivedSegment struct {
	Header pieces.SegmentHeader
	Pieces []*pieces.Piece
}

// Archiver consumes blocks in arrival order and produces ArchivedSegments
// once enough bytes have accumulated, mirroring the reference archiver's
// buffer-and-drain design.
type Archiver struct {
	p     params.Params
	coder *erasure.Coder // extends a single record's NumChunks chunks

	buffer []SegmentItem

	segmentIndex          pieces.SegmentIndex
	prevSegmentHeaderHash hashing.Hash32

	haveLastArchivedBlock bool
	lastArchivedBlock     pieces.LastArchivedBlock

	log *log.Logger
}

// New returns an Archiver starting from genesis: no prior segments, empty
// buffer, zeroed previous-header hash.
func New(p params.Params) (*Archiver, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	coder, err := erasure.NewCoder(p.NumChunks)
	if err != nil {
		return nil, fmt.Errorf("archiver: building chunk coder: %w", err)
	}
	return &Archiver{
		p:     p,
		coder: coder,
		log:   log.Default().Module("archiver"),
	}, nil
}

// WithInitialState rebuilds an Archiver resuming after a restart: the most
// recently produced segment header seeds prevSegmentHeaderHash and
// segmentIndex and is buffered as a ParentSegmentHeader item, and any bytes
// of the block that segment left incomplete are re-buffered after it as a
// BlockContinuation item. partialBlockObjectMapping is
// the full object mapping the caller originally recorded for that block;
// it is filtered and shifted down to just the objects that still fall
// within the re-buffered partial bytes.
func WithInitialState(
	p params.Params,
	lastSegmentHeader pieces.SegmentHeader,
	partialBlockNumber uint64,
	partialBlockBytes []byte,
	partialBlockObjectMapping BlockObjectMapping,
) (*Archiver, error) {
	a, err := New(p)
	if err != nil {
		return nil, err
	}
	a.segmentIndex = lastSegmentHeader.SegmentIndex + 1
	a.prevSegmentHeaderHash = lastSegmentHeader.Hash()
	a.haveLastArchivedBlock = true
	a.lastArchivedBlock = lastSegmentHeader.LastArchivedBlock

	// Like a freshly produced segment, the next segment begins with the
	// previous segment's header.
	header := lastSegmentHeader
	a.buffer = append(a.buffer, SegmentItem{Tag: TagParentSegmentHeader, Header: &header})

	if lastSegmentHeader.LastArchivedBlock.Complete || len(partialBlockBytes) == 0 {
		return a, nil
	}

	alreadyArchived := lastSegmentHeader.LastArchivedBlock.PartialBytes
	if int(alreadyArchived) > len(partialBlockBytes) {
		return nil, fmt.Errorf("archiver: last segment header claims %d archived bytes but only %d were supplied",
			alreadyArchived, len(partialBlockBytes))
	}

	remainder := partialBlockBytes[alreadyArchived:]
	var objects []BlockObject
	for _, obj := range partialBlockObjectMapping.Objects {
		if obj.Offset < alreadyArchived {
			continue
		}
		objects = append(objects, BlockObject{Offset: obj.Offset - alreadyArchived, Hash: obj.Hash})
	}

	a.buffer = append(a.buffer, SegmentItem{
		Tag:         TagBlockContinuation,
		Bytes:       remainder,
		Objects:     objects,
		BlockNumber: partialBlockNumber,
	})
	return a, nil
}

// archivedBytesBefore returns how many of blockNumber's bytes were already
// recorded as archived by a previous, still-partial segment header, or 0
// if this is the block's first appearance in the buffer.
func (a *Archiver) archivedBytesBefore(blockNumber uint64) uint32 {
	if a.haveLastArchivedBlock && a.lastArchivedBlock.Number == blockNumber && !a.lastArchivedBlock.Complete {
		return a.lastArchivedBlock.PartialBytes
	}
	return 0
}

// AddBlock appends one block's encoded bytes (and its embedded-object
// mapping) to the buffer, producing zero or more archived segments if the
// buffer now holds enough bytes to fill them. stateRoot is the block's own
// state root; it is only consulted when this is the very first block the
// archiver ever sees (the Genesis Rule, spec.md §4.3), and ignored
// otherwise.
func (a *Archiver) AddBlock(blockNumber uint64, blockBytes []byte, stateRoot hashing.Hash32, objects BlockObjectMapping) ([]ArchivedSegment, []GlobalObject, error) {
	if a.isGenesis() {
		blockBytes = a.padGenesisBlock(blockBytes, stateRoot, len(objects.Objects))
	}

	a.buffer = append(a.buffer, SegmentItem{
		Tag:         TagBlock,
		Bytes:       blockBytes,
		Objects:     objects.Objects,
		BlockNumber: blockNumber,
	})

	var segments []ArchivedSegment
	var allObjects []GlobalObject
	for a.bufferedEncodedBytes() >= a.p.RecordedHistorySegmentSize() {
		segment, ok, globalObjects, err := a.produceSegment()
		if err != nil {
			return segments, allObjects, err
		}
		if !ok {
			break
		}
		segments = append(segments, segment)
		allObjects = append(allObjects, globalObjects...)
	}
	return segments, allObjects, nil
}

// isGenesis reports whether the archiver has not yet produced or resumed
// from any segment and has nothing buffered: the only point at which the
// Genesis Rule applies.
func (a *Archiver) isGenesis() bool {
	return !a.haveLastArchivedBlock && len(a.buffer) == 0 && a.segmentIndex == 0
}

func (a *Archiver) bufferedEncodedBytes() int {
	total := 0
	for _, item := range a.buffer {
		total += item.EncodedLen()
	}
	return total
}

// produceSegment drains exactly RecordedHistorySegmentSize bytes' worth of
// buffered items into one ArchivedSegment, splitting the final item if it
// would otherwise overshoot the boundary. If the buffer is exhausted before
// the draft fills a whole segment, nothing in the buffer has been consumed
// yet (items are only spliced out once a split lands the draft exactly on
// the boundary, below), so it simply reports ok=false: per spec.md §4.3
// step 2, running out of buffered bytes means "no segment yet", never a
// license to synthesize a standalone Padding item (spec.md §9 Open
// Question #1 — Padding must never appear inside a produced segment).
func (a *Archiver) produceSegment() (segment ArchivedSegment, ok bool, objects []GlobalObject, err error) {
	target := a.p.RecordedHistorySegmentSize()
	var segmentItems []SegmentItem
	consumed := 0
	idx := 0

	for consumed < target {
		if idx >= len(a.buffer) {
			return ArchivedSegment{}, false, nil, nil
		}

		item := a.buffer[idx]
		remaining := target - consumed

		if consumed+item.EncodedLen() <= target {
			segmentItems = append(segmentItems, item)
			consumed += item.EncodedLen()
			idx++
			if item.Tag == TagBlock || item.Tag == TagBlockStart || item.Tag == TagBlockContinuation {
				a.lastArchivedBlock = pieces.CompleteBlock(item.BlockNumber)
			}
			continue
		}

		kept, remainder, splitErr := splitItem(item, remaining)
		if splitErr != nil {
			return ArchivedSegment{}, false, nil, splitErr
		}
		segmentItems = append(segmentItems, kept)
		consumed += kept.EncodedLen()

		archived := a.archivedBytesBefore(item.BlockNumber) + uint32(len(kept.Bytes))
		a.lastArchivedBlock = pieces.PartialBlock(item.BlockNumber, archived)

		a.buffer = a.buffer[idx+1:]
		a.buffer = append([]SegmentItem{remainder}, a.buffer...)
		idx = 0
		break
	}

	if idx > 0 {
		a.buffer = a.buffer[idx:]
	}

	globalObjects := produceObjectMappings(a.p, a.segmentIndex, segmentItems)

	archived, err := a.produceArchivedSegment(segmentItems)
	if err != nil {
		return ArchivedSegment{}, false, nil, err
	}
	return archived, true, globalObjects, nil
}

// splitItem divides a Block/BlockStart/BlockContinuation item so that the
// kept half's encoded length is at most budget bytes, resolving the
// circular dependency between the byte split point and the number of
// objects (and therefore header size) the kept half carries.
func splitItem(item SegmentItem, budget int) (kept, remainder SegmentItem, err error) {
	if item.Tag == TagPadding || item.Tag == TagParentSegmentHeader {
		return SegmentItem{}, SegmentItem{}, fmt.Errorf("archiver: item with tag %d cannot be split", item.Tag)
	}

	splitPoint := budget - tagHeaderSize - 4
	for i := 0; i < 8; i++ {
		if splitPoint < 0 {
			splitPoint = 0
		}
		if splitPoint > len(item.Bytes) {
			splitPoint = len(item.Bytes)
		}
		keptObjects := 0
		for _, obj := range item.Objects {
			if int(obj.Offset) < splitPoint {
				keptObjects++
			}
		}
		next := budget - tagHeaderSize - 4 - 4*keptObjects
		if next == splitPoint {
			break
		}
		splitPoint = next
	}
	if splitPoint < 0 {
		splitPoint = 0
	}
	if splitPoint > len(item.Bytes) {
		splitPoint = len(item.Bytes)
	}

	var keptObjs, remObjs []BlockObject
	for _, obj := range item.Objects {
		if int(obj.Offset) < splitPoint {
			keptObjs = append(keptObjs, obj)
		} else {
			remObjs = append(remObjs, BlockObject{Offset: obj.Offset - uint32(splitPoint), Hash: obj.Hash})
		}
	}

	keptTag := TagBlockStart
	if item.Tag == TagBlockContinuation {
		keptTag = TagBlockContinuation
	}

	kept = SegmentItem{
		Tag:         keptTag,
		Bytes:       item.Bytes[:splitPoint],
		Objects:     keptObjs,
		BlockNumber: item.BlockNumber,
	}
	remainder = SegmentItem{
		Tag:         TagBlockContinuation,
		Bytes:       item.Bytes[splitPoint:],
		Objects:     remObjs,
		BlockNumber: item.BlockNumber,
	}
	return kept, remainder, nil
}

// produceObjectMappings locates every object embedded in segmentItems at
// its absolute position in the segment's encoded byte stream, accounting
// for each item's own tag-and-length framing, then converts that absolute
// offset into a piece index and an offset within that piece's record.
func produceObjectMappings(p params.Params, segmentIndex pieces.SegmentIndex, segmentItems []SegmentItem) []GlobalObject {
	var out []GlobalObject
	pos := 0
	for _, item := range segmentItems {
		if len(item.Objects) > 0 {
			header := tagHeaderSize + 4 + 4*len(item.Objects)
			for _, obj := range item.Objects {
				abs := pos + header + int(obj.Offset)
				position := abs / p.RecordSize()
				offset := abs % p.RecordSize()
				out = append(out, GlobalObject{
					Hash:       obj.Hash,
					PieceIndex: pieces.NewPieceIndex(p, segmentIndex, position),
					Offset:     uint32(offset),
				})
			}
		}
		pos += item.EncodedLen()
	}
	return out
}

// padGenesisBlock implements the Genesis Rule (spec.md §4.3): if the
// genesis block's own encoded bytes are shorter than what a single Block
// item needs to exactly fill one segment, it appends deterministic
// pseudo-random bytes — keyed by the block's own state root, per spec.md's
// "derived (keyed) from the block's state root" — directly onto
// blockBytes. The padding lives inside the block's own byte stream, never
// as a separate segment item, so the length-prefixed block encoding's
// decoder discards it on the way back out (spec.md §8's round-trip
// property) and a produced segment never contains a bare Padding item.
func (a *Archiver) padGenesisBlock(blockBytes []byte, stateRoot hashing.Hash32, numObjects int) []byte {
	itemOverhead := tagHeaderSize + 4 + 4*numObjects
	want := a.p.RecordedHistorySegmentSize() - itemOverhead
	if len(blockBytes) >= want {
		return blockBytes
	}
	pad := hashing.KeyedStream(stateRoot, want-len(blockBytes))
	out := make([]byte, 0, want)
	out = append(out, blockBytes...)
	out = append(out, pad...)
	return out
}

// produceArchivedSegment turns the exact-size raw byte stream formed by
// segmentItems into an ArchivedSegment: it slices the stream into
// NumRawRecords source records, erasure-extends each record's own chunks
// into a parity record, derives every record's shared root, builds the
// segment's balanced Merkle tree over those roots (each root appearing at
// both its source and parity piece position), and assembles the final
// pieces with their inclusion proofs.
func (a *Archiver) produceArchivedSegment(segmentItems []SegmentItem) (ArchivedSegment, error) {
	stream := make([]byte, 0, a.p.RecordedHistorySegmentSize())
	for _, item := range segmentItems {
		stream = append(stream, item.Encode()...)
	}
	if len(stream) != a.p.RecordedHistorySegmentSize() {
		return ArchivedSegment{}, fmt.Errorf("archiver: assembled stream is %d bytes, want %d", len(stream), a.p.RecordedHistorySegmentSize())
	}

	numRecords := a.p.NumRawRecords
	recordSize := a.p.RecordSize()
	numPieces := a.p.NumPieces()

	sourceRecords := make([]*pieces.Record, numRecords)
	parityRecords := make([]*pieces.Record, numRecords)
	recordRoots := make([]hashing.Hash32, numRecords)

	for i := 0; i < numRecords; i++ {
		rec, err := pieces.RecordFromBytes(a.p, stream[i*recordSize:(i+1)*recordSize])
		if err != nil {
			return ArchivedSegment{}, err
		}
		sourceRecords[i] = rec

		parity := pieces.NewRecord(a.p)
		if err := a.coder.Extend(rec.ChunkShards(), parity.ChunkShards()); err != nil {
			return ArchivedSegment{}, fmt.Errorf("archiver: extending record %d: %w", i, err)
		}
		parityRecords[i] = parity

		sourceRoot, err := pieces.SourceChunksRoot(rec)
		if err != nil {
			return ArchivedSegment{}, err
		}
		parityRoot, err := pieces.ParityChunksRoot(parity)
		if err != nil {
			return ArchivedSegment{}, err
		}
		recordRoots[i] = pieces.RecordRoot(sourceRoot, parityRoot)
	}

	leaves := make([]hashing.Hash32, numPieces)
	for i := 0; i < numRecords; i++ {
		leaves[i] = recordRoots[i]
		leaves[i+numRecords] = recordRoots[i]
	}
	tree, err := merkle.NewBalancedTree(leaves)
	if err != nil {
		return ArchivedSegment{}, fmt.Errorf("archiver: building segment tree: %w", err)
	}

	segmentPieces := make([]*pieces.Piece, numPieces)
	for i := 0; i < numRecords; i++ {
		parityRoot, err := pieces.ParityChunksRoot(parityRecords[i])
		if err != nil {
			return ArchivedSegment{}, err
		}

		sourcePiece := pieces.NewPiece(a.p)
		sourceRec, _ := sourcePiece.Record()
		copy(sourceRec.Bytes(), sourceRecords[i].Bytes())
		sourcePiece.SetRecordRoot(recordRoots[i])
		sourcePiece.SetParityChunksRoot(parityRoot)
		proof, err := tree.Proof(i)
		if err != nil {
			return ArchivedSegment{}, err
		}
		if err := sourcePiece.SetRecordProof(proof); err != nil {
			return ArchivedSegment{}, err
		}
		segmentPieces[i] = sourcePiece

		parityPiece := pieces.NewPiece(a.p)
		parityRec, _ := parityPiece.Record()
		copy(parityRec.Bytes(), parityRecords[i].Bytes())
		parityPiece.SetRecordRoot(recordRoots[i])
		parityPiece.SetParityChunksRoot(parityRoot)
		parityProof, err := tree.Proof(i + numRecords)
		if err != nil {
			return ArchivedSegment{}, err
		}
		if err := parityPiece.SetRecordProof(parityProof); err != nil {
			return ArchivedSegment{}, err
		}
		segmentPieces[i+numRecords] = parityPiece
	}

	header := pieces.SegmentHeader{
		SegmentIndex:          a.segmentIndex,
		SegmentRoot:           tree.Root(),
		PrevSegmentHeaderHash: a.prevSegmentHeaderHash,
		LastArchivedBlock:     a.lastArchivedBlock,
	}

	a.segmentIndex++
	a.prevSegmentHeaderHash = header.Hash()
	a.haveLastArchivedBlock = true
	a.buffer = append([]SegmentItem{{Tag: TagParentSegmentHeader, Header: &header}}, a.buffer...)

	return ArchivedSegment{Header: header, Pieces: segmentPieces}, nil
}

// LastArchivedBlock returns the archiver's current view of archival
// progress, for checkpointing across restarts.
func (a *Archiver) LastArchivedBlock() (pieces.LastArchivedBlock, bool) {
	return a.lastArchivedBlock, a.haveLastArchivedBlock
}

// SegmentIndex returns the index of the next segment to be produced.
func (a *Archiver) SegmentIndex() pieces.SegmentIndex { return a.segmentIndex }
