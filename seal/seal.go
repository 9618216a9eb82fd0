// Package seal implements block sealing: the Sr25519-compatible signature
// a farmer attaches to the pre-seal hash of a block its solution claimed,
// and the node-side verification of that signature against the solution's
// own public key. This is the last step between a slot worker's Claim
// (package slotworker) and handing a fully sealed block to the import
// pipeline.
package seal

import (
	"errors"
	"fmt"

	"github.com/ChainSafe/go-schnorrkel"

	"github.com/autonomys-go/subspace-node/hashing"
)

// signingContext domain-separates block-seal signatures from any other
// schnorrkel signature the farmer's plot key might ever be asked to
// produce (there is none today, but the context costs nothing).
var signingContext = []byte("subspace-node/block-seal")

// Signature is a farmer's Sr25519 signature over a block's pre-seal hash.
type Signature [64]byte

// ErrBadPublicKey is returned when a publicKeyHash cannot be decoded into
// a valid Sr25519 point.
var ErrBadPublicKey = errors.New("seal: not a valid Sr25519 public key")

// ErrBadSecretKey is returned when a raw 32-byte mini secret key fails to
// expand into a usable signing key.
var ErrBadSecretKey = errors.New("seal: not a valid Sr25519 mini secret key")

// Sign produces a Signature over preSealHash using the farmer's plot
// secret key (the 32-byte Sr25519 mini secret key backing the solution's
// PublicKeyHash). Mirrors the farmer side of the submitBlockSeal RPC
// exchange described in spec.md §6.
func Sign(secretKey [32]byte, preSealHash hashing.Hash32) (Signature, error) {
	mini, err := schnorrkel.NewMiniSecretKeyFromRaw(secretKey)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrBadSecretKey, err)
	}
	secret := mini.ExpandEd25519()

	sig, err := secret.Sign(schnorrkel.NewSigningContext(signingContext, preSealHash[:]))
	if err != nil {
		return Signature{}, fmt.Errorf("seal: sign: %w", err)
	}
	encoded := sig.Encode()
	return Signature(encoded), nil
}

// Verify checks that sig is a valid Sr25519 signature over preSealHash
// under publicKey. This is the node-side half of blockSealing: a block is
// only imported once its embedded solution's claimed owner actually signed
// the hash the node itself computed for the pre-sealed block.
func Verify(publicKey [32]byte, preSealHash hashing.Hash32, sig Signature) (bool, error) {
	pub := &schnorrkel.PublicKey{}
	if err := pub.Decode(publicKey); err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}

	var sigBytes [64]byte
	copy(sigBytes[:], sig[:])
	decodedSig := &schnorrkel.Signature{}
	if err := decodedSig.Decode(sigBytes); err != nil {
		return false, fmt.Errorf("seal: decode signature: %w", err)
	}

	return pub.Verify(decodedSig, schnorrkel.NewSigningContext(signingContext, preSealHash[:]))
}

// Derive computes the Sr25519 public key corresponding to secretKey, for
// callers (tests, and a farmer's own key-management code) that only hold
// the raw mini secret key.
func Derive(secretKey [32]byte) ([32]byte, error) {
	mini, err := schnorrkel.NewMiniSecretKeyFromRaw(secretKey)
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: %v", ErrBadSecretKey, err)
	}
	pub, err := mini.Public()
	if err != nil {
		return [32]byte{}, fmt.Errorf("seal: derive public key: %w", err)
	}
	return pub.Encode(), nil
}

// PublicKeyHash reduces a raw Sr25519 public key down to the
// hashing.Hash32 a Solution.PublicKeyHash field actually carries: the
// protocol never passes the full uncompressed point around, only its
// BLAKE3 digest, so a node checking a seal needs the farmer's original
// public key bytes supplied out of band (recovered from the plot/sector
// metadata that produced the solution) rather than reconstructable from
// the hash alone.
func PublicKeyHash(publicKey [32]byte) hashing.Hash32 {
	return hashing.Sum(publicKey[:])
}
