// Package archivertask implements the Archiver Task (C8): the single-
// threaded, event-driven glue between block-import notifications and the
// archiver. It decides which block to archive at a fixed confirmation
// depth, replays history to initialise the archiver on startup, and fans
// out an acknowledgement-gated notification for every segment the
// archiver produces.
package archivertask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/autonomys-go/subspace-node/archiver"
	"github.com/autonomys-go/subspace-node/log"
	"github.com/autonomys-go/subspace-node/params"
	"github.com/autonomys-go/subspace-node/pieces"
)

// AcknowledgementTimeout bounds how long the task waits for any one
// subscriber to acknowledge an archived segment before moving on anyway.
const AcknowledgementTimeout = 2 * time.Minute

// ErrArchivingReorg is fatal for the task: the best chain's ancestor at the
// block being archived no longer matches the archiver's own history, which
// should be impossible at a fixed confirmation depth unless the chain
// reorganised past it.
var ErrArchivingReorg = errors.New("archivertask: best chain reorganised past the confirmation depth")

// ErrBlockGap is fatal for the task: the next block to archive is not the
// direct successor of the last archived block, and re-initialising the
// archiver from the segment header store did not resolve the gap.
var ErrBlockGap = errors.New("archivertask: gap between last archived block and next block to archive")

// BlockSource is the task's read access to the best chain: encoded blocks
// and parent-root lookups for the ancestor at a given height.
type BlockSource interface {
	// BestBlockNumber returns the number of the current best block.
	BestBlockNumber(ctx context.Context) (uint64, error)
	// HeaderParentRoot returns the parent root recorded in the header of
	// the best-chain block at number.
	HeaderParentRoot(ctx context.Context, number uint64) (pieces.RootHash, error)
	// EncodedBlock returns a block's archival encoding: u32_le(headerLen)
	// || u32_le(bodyLen) || headerBytes || bodyBytes.
	EncodedBlock(ctx context.Context, number uint64) ([]byte, error)
	// BlockRoot returns the best-chain block root at number, used to seed
	// bestArchivedBlockRoot comparisons.
	BlockRoot(ctx context.Context, number uint64) (pieces.RootHash, error)
	// StateRoot returns the state root committed by the block at number.
	// The archiver only ever consults it for the very first block it is
	// ever handed (the Genesis Rule, spec.md §4.3); every other call is
	// ignored on the archiver side, but the value must still be fetched
	// since the task cannot itself tell which block that will turn out to
	// be ahead of time.
	StateRoot(ctx context.Context, number uint64) (pieces.RootHash, error)
}

// ArchivedSegmentNotification is delivered once per segment the archiver
// produces. Every receiver that wants to act on it must send on Ack at
// least once; the task proceeds once any one of them does, or after
// AcknowledgementTimeout elapses, whichever comes first.
type ArchivedSegmentNotification struct {
	Segment archiver.ArchivedSegment
	Ack     chan<- struct{}
}

// SegmentNotifier fans an ArchivedSegmentNotification out to subscribers
// (the rpcfarmer package's archivedSegmentHeader subscription).
type SegmentNotifier interface {
	NotifyArchivedSegment(ArchivedSegmentNotification)
}

// BlockImportingNotification is delivered once per block entering the
// best chain, in best-chain order.
type BlockImportingNotification struct {
	BlockNumber uint64
}

// Task drives the archiver from block-import notifications. It is not
// safe for concurrent use: like the reference archiver task, it is
// single-threaded and cooperative, processing one notification fully
// (including waiting out any acknowledgement) before the next.
type Task struct {
	p                  params.Params
	store              *segmentHeaderStore
	blocks             BlockSource
	notifier           SegmentNotifier
	confirmationDepthK uint64
	mappingFence       *uint64

	archiverInst  *archiver.Archiver
	lastArchived  uint64
	haveArchived  bool

	log *log.Logger
}

// segmentHeaderStore is the subset of *segmentstore.Store the task needs;
// modeled as an interface so Task can be tested without pebble-backed
// storage.
type segmentHeaderStore interface {
	Append(header pieces.SegmentHeader) error
	GetByIndex(i pieces.SegmentIndex) (pieces.SegmentHeader, bool, error)
	MaxIndex() (pieces.SegmentIndex, bool)
}

// Config bundles the collaborators and tunables a Task needs.
type Config struct {
	Params             params.Params
	Store              segmentHeaderStoreConfig
	Blocks             BlockSource
	Notifier           SegmentNotifier
	ConfirmationDepthK uint64
	// MappingFence, if set, is the lowest block number the task is
	// allowed to lower bestBlockToArchive to, even if ConfirmationDepthK
	// would put it earlier.
	MappingFence *uint64
}

// segmentHeaderStoreConfig exists only so Config.Store accepts either a
// *segmentstore.Store or a test double without the package depending on
// segmentstore's concrete type.
type segmentHeaderStoreConfig = segmentHeaderStore

// New builds a Task from cfg. It does not perform startup replay; call
// Start for that.
func New(cfg Config) (*Task, error) {
	if cfg.Store == nil {
		return nil, errors.New("archivertask: Config.Store must not be nil")
	}
	if cfg.Blocks == nil {
		return nil, errors.New("archivertask: Config.Blocks must not be nil")
	}
	if cfg.ConfirmationDepthK == 0 {
		return nil, errors.New("archivertask: Config.ConfirmationDepthK must be positive")
	}
	return &Task{
		p:                  cfg.Params,
		store:              cfg.Store,
		blocks:             cfg.Blocks,
		notifier:           cfg.Notifier,
		confirmationDepthK: cfg.ConfirmationDepthK,
		mappingFence:       cfg.MappingFence,
		log:                log.Default().Module("archivertask"),
	}, nil
}

// Start determines the initial archiving point, walking the segment
// header store from its max index downward for the highest header whose
// last-archived block is both at or before bestBlockToArchive and whose
// ancestor still exists on the current best chain, then replays every
// block from there up to bestBlockToArchive.
func (t *Task) Start(ctx context.Context) error {
	best, err := t.blocks.BestBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("archivertask: read best block number: %w", err)
	}
	bestBlockToArchive := lowerBound(best, t.confirmationDepthK)
	if t.mappingFence != nil && bestBlockToArchive < *t.mappingFence {
		bestBlockToArchive = *t.mappingFence
	}

	header, found, err := t.findResumeHeader(ctx, bestBlockToArchive)
	if err != nil {
		return err
	}

	if !found {
		a, err := archiver.New(t.p)
		if err != nil {
			return fmt.Errorf("archivertask: build archiver: %w", err)
		}
		t.archiverInst = a
		t.lastArchived = 0
		t.haveArchived = false
		return t.replay(ctx, 0, bestBlockToArchive)
	}

	encoded, err := t.blocks.EncodedBlock(ctx, header.LastArchivedBlock.Number)
	if err != nil {
		return fmt.Errorf("archivertask: fetch resume block %d: %w", header.LastArchivedBlock.Number, err)
	}
	a, err := archiver.WithInitialState(t.p, header, header.LastArchivedBlock.Number, encoded, archiver.BlockObjectMapping{})
	if err != nil {
		return fmt.Errorf("archivertask: resume archiver: %w", err)
	}
	t.archiverInst = a
	t.lastArchived = header.LastArchivedBlock.Number
	t.haveArchived = true

	return t.replay(ctx, header.LastArchivedBlock.Number+1, bestBlockToArchive)
}

// findResumeHeader walks the segment header store from its max index
// downward for the highest header usable as a resume point.
func (t *Task) findResumeHeader(ctx context.Context, bestBlockToArchive uint64) (pieces.SegmentHeader, bool, error) {
	maxIndex, ok := t.store.MaxIndex()
	if !ok {
		return pieces.SegmentHeader{}, false, nil
	}

	for i := maxIndex; ; i-- {
		header, ok, err := t.store.GetByIndex(i)
		if err != nil {
			return pieces.SegmentHeader{}, false, fmt.Errorf("archivertask: read segment header %d: %w", i, err)
		}
		if ok && header.LastArchivedBlock.Number <= bestBlockToArchive {
			if _, err := t.blocks.HeaderParentRoot(ctx, header.LastArchivedBlock.Number); err == nil {
				return header, true, nil
			}
		}
		if i == 0 {
			break
		}
	}
	return pieces.SegmentHeader{}, false, nil
}

// replay feeds every block from start to end (inclusive) through the
// archiver, persisting each produced segment header synchronously.
func (t *Task) replay(ctx context.Context, start, end uint64) error {
	if end < start {
		return nil
	}
	for n := start; n <= end; n++ {
		encoded, err := t.blocks.EncodedBlock(ctx, n)
		if err != nil {
			return fmt.Errorf("archivertask: fetch block %d during replay: %w", n, err)
		}
		stateRoot, err := t.blocks.StateRoot(ctx, n)
		if err != nil {
			return fmt.Errorf("archivertask: fetch state root for block %d during replay: %w", n, err)
		}
		segments, _, err := t.archiverInst.AddBlock(n, encoded, stateRoot, archiver.BlockObjectMapping{})
		if err != nil {
			return fmt.Errorf("archivertask: archive block %d during replay: %w", n, err)
		}
		for _, seg := range segments {
			if err := t.store.Append(seg.Header); err != nil {
				return fmt.Errorf("archivertask: persist segment header %d: %w", seg.Header.SegmentIndex, err)
			}
		}
		t.lastArchived = n
		t.haveArchived = true
	}
	return nil
}

// lowerBound subtracts depth from best without underflowing.
func lowerBound(best, depth uint64) uint64 {
	if best < depth {
		return 0
	}
	return best - depth
}

// OnBlockImporting processes one BlockImportingNotification: determines
// the block to archive at the configured confirmation depth, checks for
// gaps and reorgs, archives it, persists every produced segment header,
// and notifies subscribers of each with a bounded wait for acknowledgement.
func (t *Task) OnBlockImporting(ctx context.Context, notification BlockImportingNotification) error {
	n := notification.BlockNumber
	if n < t.confirmationDepthK {
		return nil
	}
	m := n - t.confirmationDepthK
	if t.haveArchived && m <= t.lastArchived {
		return nil
	}

	if t.haveArchived && t.lastArchived+1 != m {
		t.log.Warn("block gap detected, re-initialising archiver", "lastArchived", t.lastArchived, "want", m)
		if err := t.Start(ctx); err != nil {
			return err
		}
		if t.haveArchived && t.lastArchived+1 != m && t.lastArchived < m {
			return ErrBlockGap
		}
		if t.haveArchived && m <= t.lastArchived {
			return nil
		}
	}

	parentRoot, err := t.blocks.HeaderParentRoot(ctx, m)
	if err != nil {
		return fmt.Errorf("archivertask: read ancestor header at %d: %w", m, err)
	}
	bestArchivedRoot, err := t.bestArchivedBlockRoot(ctx)
	if err != nil {
		return err
	}
	if parentRoot != bestArchivedRoot {
		return ErrArchivingReorg
	}

	encoded, err := t.blocks.EncodedBlock(ctx, m)
	if err != nil {
		return fmt.Errorf("archivertask: fetch block %d: %w", m, err)
	}
	stateRoot, err := t.blocks.StateRoot(ctx, m)
	if err != nil {
		return fmt.Errorf("archivertask: fetch state root for block %d: %w", m, err)
	}
	segments, _, err := t.archiverInst.AddBlock(m, encoded, stateRoot, archiver.BlockObjectMapping{})
	if err != nil {
		return fmt.Errorf("archivertask: archive block %d: %w", m, err)
	}
	t.lastArchived = m
	t.haveArchived = true

	for _, seg := range segments {
		if err := t.store.Append(seg.Header); err != nil {
			return fmt.Errorf("archivertask: persist segment header %d: %w", seg.Header.SegmentIndex, err)
		}
		t.publishAndAwaitAck(ctx, seg)
	}
	return nil
}

// bestArchivedBlockRoot returns the root of the last block the archiver
// has actually incorporated, used to detect a reorg at the confirmation
// depth before archiving the next one.
func (t *Task) bestArchivedBlockRoot(ctx context.Context) (pieces.RootHash, error) {
	if !t.haveArchived {
		return pieces.RootHash{}, nil
	}
	return t.blocks.BlockRoot(ctx, t.lastArchived)
}

// publishAndAwaitAck notifies subscribers of a newly archived segment and
// blocks (up to AcknowledgementTimeout) for the first acknowledgement,
// logging and proceeding regardless if none arrives in time.
func (t *Task) publishAndAwaitAck(ctx context.Context, seg archiver.ArchivedSegment) {
	if t.notifier == nil {
		return
	}

	ackCh := make(chan struct{}, 1)
	t.notifier.NotifyArchivedSegment(ArchivedSegmentNotification{
		Segment: seg,
		Ack:     ackCh,
	})

	timer := time.NewTimer(AcknowledgementTimeout)
	defer timer.Stop()

	select {
	case <-ackCh:
	case <-timer.C:
		t.log.Warn("acknowledgement timed out, proceeding anyway", "segmentIndex", seg.Header.SegmentIndex)
	case <-ctx.Done():
	}
}

// LastArchivedBlock reports the highest block number the task has
// archived, and whether any block has been archived yet.
func (t *Task) LastArchivedBlock() (uint64, bool) {
	return t.lastArchived, t.haveArchived
}
