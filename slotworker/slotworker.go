// Package slotworker implements the Slot Worker (C7): it turns proof-of-time
// checkpoints arriving from the PoT source into published slot challenges,
// collects farmer solutions for each challenge on a bounded channel, and
// claims a slot for block production once a valid solution is seen.
//
// The worker never touches the PoT chain or solution verification logic
// itself: it drives pot.Verifier (for extending the PoT chain past the
// authoring delay) and solution.Verify (for checking a farmer's claim)
// exactly as a consumer, the way das.AsyncValidator drives a bounded pool
// of goroutines without owning the work itself.
package slotworker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/log"
	"github.com/autonomys-go/subspace-node/pot"
	"github.com/autonomys-go/subspace-node/solution"
)

// PendingSolutionsChannelCapacity bounds the per-slot solution channel:
// large enough for any practical purposes, there shouldn't be even this
// many solutions competing for one slot.
const PendingSolutionsChannelCapacity = 10

// NewSlotInfo describes a freshly published slot challenge.
type NewSlotInfo struct {
	Slot          pot.SlotNumber
	ProofOfTime   pot.Output
	SolutionRange uint64
}

// NewSlotNotification pairs a published challenge with the channel
// farmers should send candidate solutions to.
type NewSlotNotification struct {
	NewSlotInfo    NewSlotInfo
	SolutionSender chan<- solution.Solution
}

// PotInfo carries the two PoT outputs a claimed block's pre-digest embeds:
// the slot's own output and the output blockAuthoringDelay slots further
// along the chain, which the next block producer uses to verify this one
// without waiting for real time to pass.
type PotInfo struct {
	ProofOfTime       pot.Output
	FutureProofOfTime pot.Output
}

// PreDigest is the claim a slot worker embeds in a block it produces.
type PreDigest struct {
	Slot     pot.SlotNumber
	Solution solution.Solution
	PotInfo  PotInfo
}

// PotJustification attaches the intermediate PoT checkpoints a claim
// relied on, so downstream verifiers can check FutureProofOfTime without
// recomputing the whole chain themselves.
type PotJustification struct {
	Seed        pot.Seed
	Checkpoints []pot.Checkpoints
}

// Claim is the result of successfully claiming a slot.
type Claim struct {
	PreDigest     PreDigest
	Justification PotJustification
}

// SyncOracle reports whether the node is still catching up with the
// network. A worker that is major-syncing skips publishing challenges:
// there is no point farming against a chain tip that is about to move.
type SyncOracle interface {
	IsMajorSyncing() bool
}

// ShardParams bundles the shard-membership and solution-verification
// context a worker needs to check a farmer's solution against the chain
// state at a given parent block. It is solution.Params minus the fields
// the worker itself fills in (Slot, GlobalChallenge, SolutionRange).
type ShardParams struct {
	VerifierShard        solution.ShardIndex
	ShardKind            solution.ShardKind
	NumShards            uint64
	ShardBranchingFactor uint64
	Entropy              hashing.Hash32
	Pos                  solution.PosVerifier
	PieceCheck           *solution.PieceCheckParams
}

// ChainState is the worker's read-only view of the best chain: everything
// it needs to derive a solution range, recognise a configured root plot
// operator, and verify a solution's shard membership.
type ChainState interface {
	SolutionRange() (uint64, error)
	RootPlotPublicKeyHash() (*hashing.Hash32, error)
	ShardParams() (ShardParams, error)
}

// SlotNotifier fans a NewSlotNotification out to whatever transport
// exposes it to farmers (the rpcfarmer package's slotInfo subscription).
type SlotNotifier interface {
	NotifyNewSlot(NewSlotNotification)
}

// ErrNoValidSolution is returned by ClaimSlot when every received solution
// failed verification or the channel was closed with nothing pending.
var ErrNoValidSolution = errors.New("slotworker: no valid solution for slot")

// ErrSlotNotHigher is returned when asked to claim a slot that does not
// come strictly after the parent's slot.
var ErrSlotNotHigher = errors.New("slotworker: slot must be higher than parent slot")

// ErrPotExtensionFailed is returned when the PoT chain could not be
// extended blockAuthoringDelay slots past the parent's future proof.
var ErrPotExtensionFailed = errors.New("slotworker: failed to extend proof of time chain")

// Worker drives slot publication and claiming. A single Worker is not
// meant to be called concurrently from multiple goroutines for OnProof and
// ClaimSlot — like the reference slot worker, it is single-threaded
// relative to its own state — but the internal maps are still guarded by a
// mutex since solutions arrive from farmer-facing goroutines independently
// of the PoT source.
type Worker struct {
	mu sync.Mutex

	syncOracle          SyncOracle
	chain               ChainState
	potVerifier         *pot.Verifier
	notifier            SlotNotifier
	forceAuthoring      bool
	blockAuthoringDelay uint64

	pendingSolutions map[pot.SlotNumber]chan solution.Solution
	potCheckpoints   map[pot.SlotNumber]pot.Checkpoints

	log *log.Logger
}

// Config bundles the collaborators and tunables a Worker needs.
type Config struct {
	SyncOracle          SyncOracle
	Chain               ChainState
	PotVerifier         *pot.Verifier
	Notifier            SlotNotifier
	ForceAuthoring      bool
	BlockAuthoringDelay uint64
}

// New builds a Worker from cfg.
func New(cfg Config) (*Worker, error) {
	if cfg.PotVerifier == nil {
		return nil, errors.New("slotworker: Config.PotVerifier must not be nil")
	}
	if cfg.Chain == nil {
		return nil, errors.New("slotworker: Config.Chain must not be nil")
	}
	if cfg.BlockAuthoringDelay == 0 {
		return nil, errors.New("slotworker: Config.BlockAuthoringDelay must be positive")
	}
	return &Worker{
		syncOracle:          cfg.SyncOracle,
		chain:               cfg.Chain,
		potVerifier:         cfg.PotVerifier,
		notifier:            cfg.Notifier,
		forceAuthoring:      cfg.ForceAuthoring,
		blockAuthoringDelay: cfg.BlockAuthoringDelay,
		pendingSolutions:    make(map[pot.SlotNumber]chan solution.Solution),
		potCheckpoints:      make(map[pot.SlotNumber]pot.Checkpoints),
		log:                 log.Default().Module("slotworker"),
	}, nil
}

// DeriveGlobalChallenge mixes a slot's PoT output with the slot number
// itself, binding the audit challenge to both the chain's clock and the
// specific tick being audited.
func DeriveGlobalChallenge(output pot.Output, slot pot.SlotNumber) hashing.Hash32 {
	return hashing.Sum(output[:], hashing.Uint64LE(uint64(slot)))
}

// OnProof is called once per slot as new PoT checkpoints arrive. It prunes
// stale checkpoints, publishes a new slot challenge to subscribers unless
// syncing or root-key policy says otherwise, and opens the bounded
// solution channel that ClaimSlot will later drain.
func (w *Worker) OnProof(slot pot.SlotNumber, checkpoints pot.Checkpoints) {
	w.mu.Lock()
	for stored := range w.potCheckpoints {
		if stored < slot {
			delete(w.potCheckpoints, stored)
		}
	}
	w.potCheckpoints[slot] = checkpoints
	w.mu.Unlock()

	if w.syncOracle != nil && w.syncOracle.IsMajorSyncing() {
		w.log.Debug("skipping farming slot due to sync", "slot", slot)
		return
	}

	rootKeyHash, err := w.chain.RootPlotPublicKeyHash()
	if err != nil {
		w.log.Warn("failed to read root plot public key", "slot", slot, "error", err)
		return
	}
	if rootKeyHash != nil && !w.forceAuthoring {
		w.log.Debug("skipping farming slot: root key configured, force authoring off", "slot", slot)
		return
	}

	solutionRange, err := w.chain.SolutionRange()
	if err != nil {
		w.log.Warn("failed to extract solution range", "slot", slot, "error", err)
		return
	}

	solutionCh := make(chan solution.Solution, PendingSolutionsChannelCapacity)

	w.mu.Lock()
	w.pendingSolutions[slot] = solutionCh
	w.mu.Unlock()

	if w.notifier != nil {
		w.notifier.NotifyNewSlot(NewSlotNotification{
			NewSlotInfo: NewSlotInfo{
				Slot:          slot,
				ProofOfTime:   checkpoints.Output(),
				SolutionRange: solutionRange,
			},
			SolutionSender: solutionCh,
		})
	}
}

// SubmitSolution hands a farmer's solution to the channel published for
// slot, if one is still open. It reports whether the solution was
// accepted into the channel; a full channel or an already-claimed slot
// both report false and the caller logs and drops the solution per the
// backpressure/timeout error-handling policy — never retried.
func (w *Worker) SubmitSolution(slot pot.SlotNumber, sol solution.Solution) bool {
	w.mu.Lock()
	ch, ok := w.pendingSolutions[slot]
	w.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- sol:
		return true
	default:
		return false
	}
}

// ClaimSlot attempts to claim slot for block production. parentSlot is the
// slot embedded in the parent block's pre-digest; extend supplies
// everything needed to walk the PoT chain blockAuthoringDelay slots past
// the parent's own future proof, which becomes this claim's
// FutureProofOfTime.
func (w *Worker) ClaimSlot(ctx context.Context, parentSlot, slot pot.SlotNumber, extend PotExtension) (*Claim, error) {
	if slot <= parentSlot {
		return nil, ErrSlotNotHigher
	}

	w.mu.Lock()
	for stored := range w.potCheckpoints {
		if stored <= parentSlot {
			delete(w.potCheckpoints, stored)
		}
	}
	checkpoints, ok := w.potCheckpoints[slot]
	w.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("slotworker: no proof of time recorded for slot %d", slot)
	}
	proofOfTime := checkpoints.Output()

	futureProofOfTime, justification, err := w.extendFuturePot(ctx, parentSlot, slot, extend)
	if err != nil {
		return nil, err
	}

	// Removing the channel from the pending map is the closing act: it
	// stops being discoverable by SubmitSolution, so no further solutions
	// can be queued for this slot. A solution send already in flight
	// (the caller read the channel reference before this removal raced
	// ahead of it) may still land in the buffer; draining below picks it
	// up on a best-effort basis, matching "late solutions refused".
	receiver := w.takeSolutionReceiver(slot)
	if receiver == nil {
		return nil, ErrNoValidSolution
	}

	shardParams, err := w.chain.ShardParams()
	if err != nil {
		return nil, fmt.Errorf("slotworker: read shard params: %w", err)
	}
	solutionRange, err := w.chain.SolutionRange()
	if err != nil {
		return nil, fmt.Errorf("slotworker: read solution range: %w", err)
	}
	globalChallenge := DeriveGlobalChallenge(proofOfTime, slot)

	rootKeyHash, err := w.chain.RootPlotPublicKeyHash()
	if err != nil {
		return nil, fmt.Errorf("slotworker: read root plot public key: %w", err)
	}

	verifyParams := solution.Params{
		Slot:                 uint64(slot),
		GlobalChallenge:      globalChallenge,
		VerifierShard:        shardParams.VerifierShard,
		ShardKind:            shardParams.ShardKind,
		NumShards:            shardParams.NumShards,
		ShardBranchingFactor: shardParams.ShardBranchingFactor,
		SolutionRange:        solutionRange,
		Entropy:              shardParams.Entropy,
		Pos:                  shardParams.Pos,
		PieceCheck:           shardParams.PieceCheck,
	}

	for {
		var sol solution.Solution
		select {
		case sol = <-receiver:
		default:
			return nil, ErrNoValidSolution
		}

		if rootKeyHash != nil && sol.PublicKeyHash != *rootKeyHash {
			continue
		}
		if err := solution.Verify(sol, verifyParams); err != nil {
			w.log.Debug("invalid solution received", "slot", slot, "error", err)
			continue
		}
		w.log.Info("claimed block at slot", "slot", slot)
		return &Claim{
			PreDigest: PreDigest{
				Slot:     slot,
				Solution: sol,
				PotInfo: PotInfo{
					ProofOfTime:       proofOfTime,
					FutureProofOfTime: futureProofOfTime,
				},
			},
			Justification: justification,
		}, nil
	}
}

// takeSolutionReceiver removes and returns the pending solution channel
// for slot along with every channel for slots that will never be claimed
// (strictly lower slots), mirroring the reference worker's retain-then-
// remove sequence.
func (w *Worker) takeSolutionReceiver(slot pot.SlotNumber) chan solution.Solution {
	w.mu.Lock()
	defer w.mu.Unlock()
	for stored := range w.pendingSolutions {
		if stored < slot {
			delete(w.pendingSolutions, stored)
		}
	}
	ch := w.pendingSolutions[slot]
	delete(w.pendingSolutions, slot)
	return ch
}

// PotExtension supplies the inputs ClaimSlot needs to walk the PoT chain
// forward from the parent block's future proof to this claim's future
// proof, blockAuthoringDelay slots later.
type PotExtension struct {
	ParentFutureSlot        pot.SlotNumber
	ParentFutureProofOfTime pot.Output
	SlotIterations          uint32
	Change                  *pot.ParametersChange
}

// extendFuturePot walks the PoT chain one slot at a time from
// extend.ParentFutureSlot to slot+blockAuthoringDelay, collecting every
// intermediate checkpoint set into the returned justification.
func (w *Worker) extendFuturePot(ctx context.Context, parentSlot, slot pot.SlotNumber, extend PotExtension) (pot.Output, PotJustification, error) {
	futureSlot := slot + pot.SlotNumber(w.blockAuthoringDelay)
	if futureSlot <= extend.ParentFutureSlot {
		return pot.Output{}, PotJustification{}, ErrPotExtensionFailed
	}

	initialSeed := nextSeed(extend.ParentFutureProofOfTime, extend.ParentFutureSlot+1, extend.Change)
	seed := initialSeed
	iterations := extend.SlotIterations

	span := int(futureSlot - extend.ParentFutureSlot)
	checkpointsList := make([]pot.Checkpoints, 0, span)

	current := extend.ParentFutureSlot + 1
	for ; current <= futureSlot; current++ {
		if extend.Change != nil && current >= extend.Change.Slot {
			iterations = extend.Change.SlotIterations
		}
		cp, err := w.potVerifier.GetCheckpoints(ctx, iterations, seed)
		if err != nil {
			return pot.Output{}, PotJustification{}, fmt.Errorf("%w: %v", ErrPotExtensionFailed, err)
		}
		checkpointsList = append(checkpointsList, cp)
		seed = nextSeed(cp.Output(), current+1, extend.Change)
	}

	lastCheckpoints := checkpointsList[len(checkpointsList)-1]
	justification := PotJustification{
		Seed:        initialSeed,
		Checkpoints: checkpointsList,
	}
	return lastCheckpoints.Output(), justification, nil
}

// nextSeed mirrors pot's internal entropy-mixing rule: unexported there, so
// the worker (which must reason about seeds one slot ahead of any single
// GetCheckpoints call) keeps its own copy.
func nextSeed(output pot.Output, nextSlot pot.SlotNumber, change *pot.ParametersChange) pot.Seed {
	seed := pot.Seed(output)
	if change != nil && change.Slot == nextSlot {
		for i := range seed {
			seed[i] ^= change.Entropy[i]
		}
	}
	return seed
}
