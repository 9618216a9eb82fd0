// Package archiver implements the Block Archiver: it consumes blocks
// in order, buffers their SCALE-style encoded bytes into fixed-size
// segments, erasure-codes and Merkleizes each completed segment into an
// ArchivedSegment, and emits GlobalObject mappings for objects embedded in
// archived blocks. It is grounded directly on the Subspace archiver's
// segment/segment-item model.
package archiver

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/pieces"
)

// Tag identifies a SegmentItem's variant in its encoded form.
type Tag byte

const (
	TagPadding Tag = iota
	TagBlock
	TagBlockStart
	TagBlockContinuation
	TagParentSegmentHeader
)

// tagHeaderSize is the fixed overhead every SegmentItem pays in the
// segment buffer: a 1-byte tag plus a 4-byte little-endian payload length.
const tagHeaderSize = 1 + 4

// ErrMalformedItem is returned when decoding a SegmentItem from a byte
// stream that is truncated or carries an unrecognized tag.
var ErrMalformedItem = errors.New("archiver: malformed segment item")

// BlockObject records where, within a block's raw bytes, one embedded
// object begins, plus the content hash the caller computed for it. The
// hash travels only in memory: it is never part of a SegmentItem's wire
// encoding, since it exists solely to let produceObjectMappings attach a
// hash to each GlobalObject it emits and to let WithInitialState filter a
// restart's still-buffered object mapping.
type BlockObject struct {
	Offset uint32
	Hash   hashing.Hash32
}

// BlockObjectMapping is the set of objects embedded in one block, in the
// order they appear in the block's encoded bytes.
type BlockObjectMapping struct {
	Objects []BlockObject
}

// SegmentItem is one entry in a segment's buffer: either raw padding, a
// whole or partial block's bytes (tagged by how the block relates to
// segment boundaries), or a link to the previous segment's header.
type SegmentItem struct {
	Tag     Tag
	Bytes   []byte
	Objects []BlockObject
	Header  *pieces.SegmentHeader

	// BlockNumber identifies the block this item's bytes belong to, for
	// Block/BlockStart/BlockContinuation items. It is in-memory only,
	// like BlockObject.Hash, and plays no part in Encode/DecodeSegmentItem.
	BlockNumber uint64
}

// EncodedLen returns the number of bytes Encode produces for this item,
// without allocating.
func (si SegmentItem) EncodedLen() int {
	return tagHeaderSize + si.payloadLen()
}

func (si SegmentItem) payloadLen() int {
	switch si.Tag {
	case TagPadding:
		return len(si.Bytes)
	case TagParentSegmentHeader:
		return segmentHeaderEncodedSize
	default: // TagBlock, TagBlockStart, TagBlockContinuation
		return 4 + 4*len(si.Objects) + len(si.Bytes)
	}
}

// Encode serializes a SegmentItem as tag(1) || length(4, LE) || payload,
// matching the protocol's tagged-union block-item framing.
func (si SegmentItem) Encode() []byte {
	payloadLen := si.payloadLen()
	out := make([]byte, tagHeaderSize+payloadLen)
	out[0] = byte(si.Tag)
	binary.LittleEndian.PutUint32(out[1:5], uint32(payloadLen))

	body := out[tagHeaderSize:]
	switch si.Tag {
	case TagPadding:
		copy(body, si.Bytes)
	case TagParentSegmentHeader:
		encodeSegmentHeader(body, *si.Header)
	default:
		binary.LittleEndian.PutUint32(body[:4], uint32(len(si.Objects)))
		rest := body[4:]
		for i, obj := range si.Objects {
			binary.LittleEndian.PutUint32(rest[i*4:(i+1)*4], obj.Offset)
		}
		copy(rest[4*len(si.Objects):], si.Bytes)
	}
	return out
}

// DecodeSegmentItem reads one SegmentItem from the front of buf, returning
// the item and the number of bytes consumed.
func DecodeSegmentItem(buf []byte) (SegmentItem, int, error) {
	if len(buf) < tagHeaderSize {
		return SegmentItem{}, 0, fmt.Errorf("%w: buffer shorter than item header", ErrMalformedItem)
	}
	tag := Tag(buf[0])
	payloadLen := int(binary.LittleEndian.Uint32(buf[1:5]))
	total := tagHeaderSize + payloadLen
	if len(buf) < total {
		return SegmentItem{}, 0, fmt.Errorf("%w: payload truncated", ErrMalformedItem)
	}
	body := buf[tagHeaderSize:total]

	switch tag {
	case TagPadding:
		return SegmentItem{Tag: TagPadding, Bytes: append([]byte(nil), body...)}, total, nil
	case TagParentSegmentHeader:
		if len(body) != segmentHeaderEncodedSize {
			return SegmentItem{}, 0, fmt.Errorf("%w: segment header payload is %d bytes, want %d", ErrMalformedItem, len(body), segmentHeaderEncodedSize)
		}
		header, err := decodeSegmentHeader(body)
		if err != nil {
			return SegmentItem{}, 0, err
		}
		return SegmentItem{Tag: TagParentSegmentHeader, Header: &header}, total, nil
	case TagBlock, TagBlockStart, TagBlockContinuation:
		if len(body) < 4 {
			return SegmentItem{}, 0, fmt.Errorf("%w: object count truncated", ErrMalformedItem)
		}
		numObjects := int(binary.LittleEndian.Uint32(body[:4]))
		rest := body[4:]
		if len(rest) < 4*numObjects {
			return SegmentItem{}, 0, fmt.Errorf("%w: object offsets truncated", ErrMalformedItem)
		}
		objects := make([]BlockObject, numObjects)
		for i := range objects {
			objects[i] = BlockObject{Offset: binary.LittleEndian.Uint32(rest[i*4 : (i+1)*4])}
		}
		blockBytes := append([]byte(nil), rest[4*numObjects:]...)
		return SegmentItem{Tag: tag, Bytes: blockBytes, Objects: objects}, total, nil
	default:
		return SegmentItem{}, 0, fmt.Errorf("%w: unknown tag %d", ErrMalformedItem, tag)
	}
}

// segmentHeaderEncodedSize is SegmentIndex(8) + SegmentRoot(32) +
// PrevSegmentHeaderHash(32) + LastArchivedBlock.Number(8) + Complete(1) +
// PartialBytes(4).
const segmentHeaderEncodedSize = 8 + 32 + 32 + 8 + 1 + 4

func encodeSegmentHeader(out []byte, h pieces.SegmentHeader) {
	binary.LittleEndian.PutUint64(out[0:8], uint64(h.SegmentIndex))
	copy(out[8:40], h.SegmentRoot[:])
	copy(out[40:72], h.PrevSegmentHeaderHash[:])
	binary.LittleEndian.PutUint64(out[72:80], h.LastArchivedBlock.Number)
	if h.LastArchivedBlock.Complete {
		out[80] = 1
	}
	binary.LittleEndian.PutUint32(out[81:85], h.LastArchivedBlock.PartialBytes)
}

func decodeSegmentHeader(buf []byte) (pieces.SegmentHeader, error) {
	var h pieces.SegmentHeader
	h.SegmentIndex = pieces.SegmentIndex(binary.LittleEndian.Uint64(buf[0:8]))
	copy(h.SegmentRoot[:], buf[8:40])
	copy(h.PrevSegmentHeaderHash[:], buf[40:72])
	h.LastArchivedBlock.Number = binary.LittleEndian.Uint64(buf[72:80])
	h.LastArchivedBlock.Complete = buf[80] == 1
	h.LastArchivedBlock.PartialBytes = binary.LittleEndian.Uint32(buf[81:85])
	return h, nil
}
