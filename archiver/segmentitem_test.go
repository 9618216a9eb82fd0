package archiver

import (
	"bytes"
	"testing"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/pieces"
)

func TestSegmentItemEncodeDecodeBlock(t *testing.T) {
	item := SegmentItem{
		Tag:     TagBlock,
		Bytes:   []byte("hello block bytes"),
		Objects: []BlockObject{{Offset: 3}, {Offset: 9}},
	}
	encoded := item.Encode()
	if len(encoded) != item.EncodedLen() {
		t.Fatalf("Encode length = %d, want %d", len(encoded), item.EncodedLen())
	}

	decoded, n, err := DecodeSegmentItem(encoded)
	if err != nil {
		t.Fatalf("DecodeSegmentItem: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
	}
	if decoded.Tag != TagBlock {
		t.Fatalf("tag = %d, want TagBlock", decoded.Tag)
	}
	if !bytes.Equal(decoded.Bytes, item.Bytes) {
		t.Fatalf("bytes did not round-trip: got %q", decoded.Bytes)
	}
	if len(decoded.Objects) != 2 || decoded.Objects[0].Offset != 3 || decoded.Objects[1].Offset != 9 {
		t.Fatalf("objects did not round-trip: %+v", decoded.Objects)
	}
}

func TestSegmentItemEncodeDecodePadding(t *testing.T) {
	item := SegmentItem{Tag: TagPadding, Bytes: []byte{0, 0, 0, 0, 0}}
	encoded := item.Encode()
	decoded, n, err := DecodeSegmentItem(encoded)
	if err != nil {
		t.Fatalf("DecodeSegmentItem: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
	}
	if decoded.Tag != TagPadding {
		t.Fatalf("tag = %d, want TagPadding", decoded.Tag)
	}
	if !bytes.Equal(decoded.Bytes, item.Bytes) {
		t.Fatalf("padding bytes did not round-trip")
	}
}

func TestSegmentItemEncodeDecodeParentSegmentHeader(t *testing.T) {
	header := pieces.SegmentHeader{
		SegmentIndex:          42,
		SegmentRoot:           hashing.Sum([]byte("root")),
		PrevSegmentHeaderHash: hashing.Sum([]byte("prev")),
		LastArchivedBlock:     pieces.PartialBlock(100, 17),
	}
	item := SegmentItem{Tag: TagParentSegmentHeader, Header: &header}
	encoded := item.Encode()

	decoded, n, err := DecodeSegmentItem(encoded)
	if err != nil {
		t.Fatalf("DecodeSegmentItem: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("consumed %d bytes, want %d", n, len(encoded))
	}
	if decoded.Tag != TagParentSegmentHeader {
		t.Fatalf("tag = %d, want TagParentSegmentHeader", decoded.Tag)
	}
	if decoded.Header == nil {
		t.Fatalf("decoded header is nil")
	}
	if *decoded.Header != header {
		t.Fatalf("header did not round-trip: got %+v, want %+v", *decoded.Header, header)
	}
}

func TestDecodeSegmentItemRejectsTruncatedBuffer(t *testing.T) {
	item := SegmentItem{Tag: TagBlock, Bytes: []byte("some bytes")}
	encoded := item.Encode()
	if _, _, err := DecodeSegmentItem(encoded[:len(encoded)-1]); err == nil {
		t.Fatalf("expected error decoding a truncated buffer")
	}
}

func TestDecodeSegmentItemRejectsUnknownTag(t *testing.T) {
	buf := []byte{99, 0, 0, 0, 0}
	if _, _, err := DecodeSegmentItem(buf); err == nil {
		t.Fatalf("expected error for unknown tag")
	}
}

func TestBlockStartEncodedLenMatchesActualEncoding(t *testing.T) {
	item := SegmentItem{Tag: TagBlockStart, Bytes: make([]byte, 100), Objects: []BlockObject{{Offset: 1}, {Offset: 50}}}
	if got, want := item.EncodedLen(), len(item.Encode()); got != want {
		t.Fatalf("EncodedLen() = %d, want %d", got, want)
	}
}
