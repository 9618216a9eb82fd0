// Package pot implements the Proof of Time chain and verifier: a
// slot-indexed sequential AES-based function that serves as the protocol's
// clock. Each slot expands SlotIterations AES rounds into 8 sequential
// 16-byte checkpoints; the last checkpoint is the slot's Output, which
// seeds the next slot (optionally XOR-mixed with new entropy at a
// scheduled parameter change).
package pot

import (
	"context"
	"crypto/aes"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/autonomys-go/subspace-node/log"
)

// SeedSize is the width of a PoT seed/output/checkpoint: one AES block.
const SeedSize = aes.BlockSize

// NumCheckpoints is the number of intermediate checkpoints a slot's
// iterations are split across.
const NumCheckpoints = 8

// SlotNumber identifies a discrete PoT step.
type SlotNumber uint64

// Seed is a 16-byte AES block: both the chain's running state and the key
// used to iterate it.
type Seed [SeedSize]byte

// Output is a slot's final checkpoint.
type Output = Seed

// Checkpoints holds the 8 sequential intermediate states produced while
// advancing one slot.
type Checkpoints [NumCheckpoints]Output

// Output returns the slot's output: the last of its 8 checkpoints.
func (c Checkpoints) Output() Output { return c[NumCheckpoints-1] }

// ParametersChange schedules a change in iteration count and entropy,
// taking effect starting at Slot.
type ParametersChange struct {
	Slot           SlotNumber
	SlotIterations uint32
	Entropy        Seed
}

// ErrInvalidIterations is returned when SlotIterations is zero or does not
// divide evenly across NumCheckpoints.
var ErrInvalidIterations = errors.New("pot: slot iterations must be a positive multiple of NumCheckpoints")

// ComputeCheckpoints advances seed by slotIterations AES permutations,
// split into NumCheckpoints equal spans, returning the state after each
// span. The function is deliberately sequential: each permutation depends
// on the previous one, so there is no shortcut faster than performing all
// slotIterations rounds.
func ComputeCheckpoints(seed Seed, slotIterations uint32) (Checkpoints, error) {
	if slotIterations == 0 || slotIterations%NumCheckpoints != 0 {
		return Checkpoints{}, ErrInvalidIterations
	}
	block, err := aes.NewCipher(seed[:])
	if err != nil {
		return Checkpoints{}, fmt.Errorf("pot: build AES cipher: %w", err)
	}

	perCheckpoint := slotIterations / NumCheckpoints
	var checkpoints Checkpoints
	state := seed
	var next Seed
	for c := 0; c < NumCheckpoints; c++ {
		for i := uint32(0); i < perCheckpoint; i++ {
			block.Encrypt(next[:], state[:])
			state = next
		}
		checkpoints[c] = state
	}
	return checkpoints, nil
}

// nextSeed derives the input seed for slot+1 from slot's output, applying
// entropy mixing if change takes effect at exactly slot+1.
func nextSeed(output Output, nextSlot SlotNumber, change *ParametersChange) Seed {
	seed := Seed(output)
	if change != nil && change.Slot == nextSlot {
		for i := range seed {
			seed[i] ^= change.Entropy[i]
		}
	}
	return seed
}

// iterationsForSlot returns the iteration count in effect at slot, given
// the base count and an optional scheduled change.
func iterationsForSlot(base uint32, slot SlotNumber, change *ParametersChange) uint32 {
	if change != nil && slot >= change.Slot {
		return change.SlotIterations
	}
	return base
}

// cacheKey is the memoisation key for GetCheckpoints: an iteration count
// paired with the input seed.
type cacheKey struct {
	iterations uint32
	seed       Seed
}

// cacheSize bounds the verifier's checkpoint memoisation table.
const cacheSize = 1 << 14

// Verifier replays the PoT chain to validate claimed outputs, and caches
// computed checkpoints so repeated verification of the same (iterations,
// seed) pair is free.
type Verifier struct {
	cache *lru.Cache[cacheKey, Checkpoints]
	log   *log.Logger

	posVerifier ProofOfSpaceVerifier
}

// ProofOfSpaceVerifier is the collaborator IsProofValid delegates to. The
// proof-of-space table itself lives outside this package; it is modeled
// as an interface so Verifier can be constructed and tested without a
// concrete PoS implementation.
type ProofOfSpaceVerifier interface {
	IsProofValid(posSeed Seed, sBucket uint32, posProof []byte) bool
}

// NewVerifier builds a Verifier backed by the given proof-of-space
// collaborator.
func NewVerifier(pos ProofOfSpaceVerifier) (*Verifier, error) {
	cache, err := lru.New[cacheKey, Checkpoints](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("pot: build checkpoint cache: %w", err)
	}
	return &Verifier{cache: cache, log: log.Default().Module("pot"), posVerifier: pos}, nil
}

// GetCheckpoints produces (or recalls from cache) the checkpoints for a
// slot whose effective iteration count is iterations and whose input seed
// is seed. ctx is consulted between checkpoints so a caller can cooperatively
// abandon a stale production; on cancellation GetCheckpoints returns
// ctx.Err() and the cache is left untouched.
func (v *Verifier) GetCheckpoints(ctx context.Context, iterations uint32, seed Seed) (Checkpoints, error) {
	key := cacheKey{iterations: iterations, seed: seed}
	if cp, ok := v.cache.Get(key); ok {
		return cp, nil
	}

	if iterations == 0 || iterations%NumCheckpoints != 0 {
		return Checkpoints{}, ErrInvalidIterations
	}
	block, err := aes.NewCipher(seed[:])
	if err != nil {
		return Checkpoints{}, fmt.Errorf("pot: build AES cipher: %w", err)
	}
	perCheckpoint := iterations / NumCheckpoints

	var checkpoints Checkpoints
	state := seed
	var next Seed
	for c := 0; c < NumCheckpoints; c++ {
		select {
		case <-ctx.Done():
			return Checkpoints{}, ctx.Err()
		default:
		}
		for i := uint32(0); i < perCheckpoint; i++ {
			block.Encrypt(next[:], state[:])
			state = next
		}
		checkpoints[c] = state
	}

	v.cache.Add(key, checkpoints)
	return checkpoints, nil
}

// Purge drops every memoised checkpoint set, e.g. after a parameters
// change makes a swath of cached entries unreachable.
func (v *Verifier) Purge() {
	v.cache.Purge()
}

// IsOutputValid replays the PoT chain from input over slotsAhead slots,
// honoring change if it schedules an iteration/entropy switch within that
// span, and reports whether the final output matches claimedOutput.
func (v *Verifier) IsOutputValid(ctx context.Context, input Seed, startSlot SlotNumber, slotsAhead int, baseIterations uint32, claimedOutput Output, change *ParametersChange) (bool, error) {
	seed := input
	slot := startSlot
	var output Output
	for i := 0; i < slotsAhead; i++ {
		iterations := iterationsForSlot(baseIterations, slot, change)
		checkpoints, err := v.GetCheckpoints(ctx, iterations, seed)
		if err != nil {
			return false, err
		}
		output = checkpoints.Output()
		slot++
		seed = nextSeed(output, slot, change)
	}
	return output == claimedOutput, nil
}

// IsProofValid delegates to the configured proof-of-space collaborator.
func (v *Verifier) IsProofValid(posSeed Seed, sBucket uint32, posProof []byte) bool {
	if v.posVerifier == nil {
		return false
	}
	return v.posVerifier.IsProofValid(posSeed, sBucket, posProof)
}
