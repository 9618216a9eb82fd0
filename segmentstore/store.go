// Package segmentstore implements the Segment header store: a
// monotone, append-only index of pieces.SegmentHeader values keyed by
// SegmentIndex, backed by a Pebble key-value store with a bounded LRU
// read cache in front of it. It promises only that headers are never
// mutated or reordered once appended; durability is delegated to Pebble.
package segmentstore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/autonomys-go/subspace-node/archiver"
	"github.com/autonomys-go/subspace-node/log"
	"github.com/autonomys-go/subspace-node/pieces"
)

// ErrOutOfOrder is returned by Append when the given header's SegmentIndex
// does not immediately follow the store's current max index, violating the
// monotone-log invariant.
var ErrOutOfOrder = errors.New("segmentstore: header out of order")

// cacheSize bounds the read-through LRU cache in front of Pebble: enough to
// keep the tail of recently archived segments resident without the cache
// itself growing unbounded under long-running nodes.
const cacheSize = 1024

// indexKeyPrefix and blockKeyPrefix are Pebble key namespaces: the first
// maps SegmentIndex -> encoded header, the second maps a block number n to
// the SegmentIndex of the header whose LastArchivedBlock completes block
// n-1, letting HeadersForBlock avoid a full scan.
const (
	indexKeyPrefix = 'i'
	blockKeyPrefix = 'b'
)

// Store is the append-only segment header log. It is safe for concurrent
// use by one writer (the archiver task) and arbitrarily many readers.
type Store struct {
	db    *pebble.DB
	cache *lru.Cache[pieces.SegmentIndex, pieces.SegmentHeader]
	log   *log.Logger

	maxIndex    pieces.SegmentIndex
	haveHeaders bool
}

// Open opens (creating if absent) a Pebble-backed store rooted at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("segmentstore: open pebble at %q: %w", dir, err)
	}
	cache, err := lru.New[pieces.SegmentIndex, pieces.SegmentHeader](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("segmentstore: build read cache: %w", err)
	}
	s := &Store{db: db, cache: cache, log: log.Default().Module("segmentstore")}

	if err := s.loadMaxIndex(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

// Close releases the underlying Pebble handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadMaxIndex() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{indexKeyPrefix},
		UpperBound: []byte{indexKeyPrefix + 1},
	})
	if err != nil {
		return fmt.Errorf("segmentstore: iterate index: %w", err)
	}
	defer iter.Close() //nolint:errcheck

	if !iter.Last() {
		return nil
	}
	idx, err := decodeIndexKey(iter.Key())
	if err != nil {
		return err
	}
	header, err := decodeHeader(iter.Value())
	if err != nil {
		return err
	}
	s.maxIndex = idx
	s.haveHeaders = true
	s.cache.Add(idx, header)
	return nil
}

// Append persists header. It fails with ErrOutOfOrder unless header is the
// genesis header (index 0, when the store is empty) or immediately follows
// the current MaxIndex.
func (s *Store) Append(header pieces.SegmentHeader) error {
	if s.haveHeaders {
		if header.SegmentIndex != s.maxIndex+1 {
			return fmt.Errorf("%w: got %d, want %d", ErrOutOfOrder, header.SegmentIndex, s.maxIndex+1)
		}
	} else if header.SegmentIndex != 0 {
		return fmt.Errorf("%w: got %d, want 0 for the first header", ErrOutOfOrder, header.SegmentIndex)
	}

	batch := s.db.NewBatch()
	defer batch.Close() //nolint:errcheck

	if err := batch.Set(encodeIndexKey(header.SegmentIndex), encodeHeader(header), nil); err != nil {
		return fmt.Errorf("segmentstore: stage header: %w", err)
	}
	if header.LastArchivedBlock.Complete {
		nextBlock := header.LastArchivedBlock.Number + 1
		if err := batch.Set(encodeBlockKey(nextBlock), encodeIndexKey(header.SegmentIndex), nil); err != nil {
			return fmt.Errorf("segmentstore: stage block index: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("segmentstore: commit header %d: %w", header.SegmentIndex, err)
	}

	s.cache.Add(header.SegmentIndex, header)
	s.maxIndex = header.SegmentIndex
	s.haveHeaders = true
	s.log.Debug("appended segment header", "segmentIndex", header.SegmentIndex)
	return nil
}

// GetByIndex returns the header at i, if any.
func (s *Store) GetByIndex(i pieces.SegmentIndex) (pieces.SegmentHeader, bool, error) {
	if header, ok := s.cache.Get(i); ok {
		return header, true, nil
	}
	value, closer, err := s.db.Get(encodeIndexKey(i))
	if errors.Is(err, pebble.ErrNotFound) {
		return pieces.SegmentHeader{}, false, nil
	}
	if err != nil {
		return pieces.SegmentHeader{}, false, fmt.Errorf("segmentstore: get %d: %w", i, err)
	}
	defer closer.Close() //nolint:errcheck

	header, err := decodeHeader(value)
	if err != nil {
		return pieces.SegmentHeader{}, false, err
	}
	s.cache.Add(i, header)
	return header, true, nil
}

// MaxIndex returns the highest SegmentIndex appended so far.
func (s *Store) MaxIndex() (pieces.SegmentIndex, bool) {
	return s.maxIndex, s.haveHeaders
}

// HeadersForBlock returns the header whose LastArchivedBlock marks block
// blockNumber-1 as Complete: the "newly archived" evidence a block producer
// embeds when it builds block blockNumber. It returns at most one header.
// Headers that end partway through block blockNumber-1 (Complete unset)
// are not indexed by block and are not returned.
func (s *Store) HeadersForBlock(blockNumber uint64) ([]pieces.SegmentHeader, error) {
	value, closer, err := s.db.Get(encodeBlockKey(blockNumber))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("segmentstore: lookup block %d: %w", blockNumber, err)
	}
	idx, err := decodeIndexKey(value)
	closer.Close() //nolint:errcheck
	if err != nil {
		return nil, err
	}

	header, ok, err := s.GetByIndex(idx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("segmentstore: block index points at missing header %d", idx)
	}
	return []pieces.SegmentHeader{header}, nil
}

func encodeIndexKey(i pieces.SegmentIndex) []byte {
	out := make([]byte, 1+8)
	out[0] = indexKeyPrefix
	binary.BigEndian.PutUint64(out[1:], uint64(i))
	return out
}

func decodeIndexKey(key []byte) (pieces.SegmentIndex, error) {
	if len(key) != 1+8 || key[0] != indexKeyPrefix {
		return 0, fmt.Errorf("segmentstore: malformed index key")
	}
	return pieces.SegmentIndex(binary.BigEndian.Uint64(key[1:])), nil
}

func encodeBlockKey(blockNumber uint64) []byte {
	out := make([]byte, 1+8)
	out[0] = blockKeyPrefix
	binary.BigEndian.PutUint64(out[1:], blockNumber)
	return out
}

// encodeHeader reuses the archiver package's ParentSegmentHeader wire
// encoding, so the store's on-disk format matches the one SegmentItem
// already carries across the segment buffer.
func encodeHeader(h pieces.SegmentHeader) []byte {
	item := archiver.SegmentItem{Tag: archiver.TagParentSegmentHeader, Header: &h}
	encoded := item.Encode()
	// Strip the SegmentItem tag+length framing: the store keys headers by
	// SegmentIndex directly and has no use for the item envelope.
	return encoded[5:]
}

func decodeHeader(buf []byte) (pieces.SegmentHeader, error) {
	framed := make([]byte, 5+len(buf))
	framed[0] = byte(archiver.TagParentSegmentHeader)
	binary.LittleEndian.PutUint32(framed[1:5], uint32(len(buf)))
	copy(framed[5:], buf)
	item, _, err := archiver.DecodeSegmentItem(framed)
	if err != nil {
		return pieces.SegmentHeader{}, fmt.Errorf("segmentstore: decode header: %w", err)
	}
	return *item.Header, nil
}
