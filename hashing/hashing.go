// Package hashing wraps github.com/zeebo/blake3 with the two call shapes
// the archival and consensus pipeline needs: a fixed 32-byte digest for
// commitments, and a keyed extendable-output stream for deterministic
// pseudo-random padding.
package hashing

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/zeebo/blake3"
)

// Size is the digest width used throughout the protocol (record chunks,
// Merkle nodes, segment header hashes).
const Size = 32

// Hash32 is a 32-byte BLAKE3 digest.
type Hash32 [Size]byte

// MarshalText renders h as a 0x-prefixed hex string, so any JSON payload
// built around a Hash32 (segment headers printed by the CLI, rpcfarmer
// subscription payloads) reads the same way go-ethereum's own hash types
// do on the wire.
func (h Hash32) MarshalText() ([]byte, error) {
	return hexutil.Bytes(h[:]).MarshalText()
}

// UnmarshalText parses the 0x-prefixed hex string produced by MarshalText.
func (h *Hash32) UnmarshalText(text []byte) error {
	var b hexutil.Bytes
	if err := b.UnmarshalText(text); err != nil {
		return err
	}
	if len(b) != Size {
		return fmt.Errorf("hashing: hex string is %d bytes, want %d", len(b), Size)
	}
	copy(h[:], b)
	return nil
}

// Sum hashes the concatenation of parts with an unkeyed BLAKE3 instance.
func Sum(parts ...[]byte) Hash32 {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p) //nolint:errcheck // hash.Hash.Write never errors
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// Pair hashes two 32-byte digests together: H(a || b). This is the pairing
// operation used at every internal node of the balanced Merkle tree in
// package merkle.
func Pair(a, b Hash32) Hash32 {
	return Sum(a[:], b[:])
}

// KeyedStream returns a deterministic pseudo-random byte stream derived
// from key via BLAKE3's extendable-output mode. Used by the archiver to
// pad the beacon-chain genesis block out to exactly one segment.
func KeyedStream(key Hash32, length int) []byte {
	var keyBytes [32]byte
	copy(keyBytes[:], key[:])
	h := blake3.NewKeyed(keyBytes[:])
	out := make([]byte, length)
	n, err := h.Digest().Read(out)
	if err != nil || n != length {
		panic("hashing: keyed XOF read failed")
	}
	return out
}

// KeyedSum computes a keyed BLAKE3 digest: used for the SegmentHeader hash,
// which is specified as "a keyed BLAKE3" of the header fields. The key
// is derived from a fixed domain-separation string so header hashes never
// collide with unkeyed record/Merkle hashes.
func KeyedSum(key Hash32, parts ...[]byte) Hash32 {
	var keyBytes [32]byte
	copy(keyBytes[:], key[:])
	h := blake3.NewKeyed(keyBytes[:])
	for _, p := range parts {
		h.Write(p) //nolint:errcheck
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// DomainKey derives a 32-byte keying material from a short ASCII domain tag,
// used wherever a keyed BLAKE3 is needed without a natural key material of
// its own (segment headers).
func DomainKey(domain string) Hash32 {
	return Sum([]byte(domain))
}

// Uint64LE encodes v as 8 little-endian bytes, the form in which u64
// values (history sizes, sector indexes, slot numbers) are fed into hashes.
func Uint64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// Uint64LEFromBytes reads the first 8 bytes of b as a little-endian
// uint64, the inverse of Uint64LE. Used wherever a hash digest is sliced
// to recover a fixed-width integer (e.g. the solution verifier's
// circular-distance calculation).
func Uint64LEFromBytes(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
