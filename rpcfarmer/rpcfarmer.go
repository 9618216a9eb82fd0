// Package rpcfarmer defines the farmer-facing RPC surface of spec.md §6:
// the payload types exchanged over the node/farmer boundary, and an
// in-process Service that fans out slot and archived-segment events to
// subscribers and relays farmer submissions back into the archiver task
// and slot worker. The wire transport itself (the JSON-RPC/WebSocket
// façade) is out of scope per spec.md §1 — it is a thin collaborator that
// would sit on top of this Service, matching the teacher's own separation
// between rpc.SubscriptionManager (transport-agnostic fan-out) and the
// HTTP/WS server that drives it.
package rpcfarmer

import (
	"errors"
	"sync"
	"time"

	"github.com/autonomys-go/subspace-node/archivertask"
	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/log"
	"github.com/autonomys-go/subspace-node/pieces"
	"github.com/autonomys-go/subspace-node/pot"
	"github.com/autonomys-go/subspace-node/seal"
	"github.com/autonomys-go/subspace-node/slotworker"
	"github.com/autonomys-go/subspace-node/solution"
)

// MaxSegmentHeadersPerRequest bounds a single segmentHeaders query, per
// spec.md §6.
const MaxSegmentHeadersPerRequest = 1000

// subscriptionBuffer is the per-subscriber channel depth for each push
// feed; when a slow subscriber's channel is full, the notification is
// dropped for that subscriber (and a warning logged) rather than blocking
// the publisher.
const subscriptionBuffer = 128

// ProtocolInfo describes the archival-history dimensions a farmer needs to
// plot correctly sized sectors.
type ProtocolInfo struct {
	HistorySize           uint64
	MaxPiecesInSector     uint32
	RecentSegments        uint64
	RecentHistoryFraction [2]uint64 // numerator, denominator
	MinSectorLifetime     uint64
}

// FarmerAppInfo answers getFarmerAppInfo.
type FarmerAppInfo struct {
	GenesisRoot       hashing.Hash32
	DSNBootstrapNodes []string
	Syncing           bool
	FarmingTimeout    time.Duration
	Protocol          ProtocolInfo
}

// SlotInfo is pushed on the slotInfo subscription.
type SlotInfo struct {
	Slot            pot.SlotNumber
	GlobalChallenge hashing.Hash32
	SolutionRange   uint64
	Entropy         hashing.Hash32
	NumShards       uint64
}

// BlockSealingInfo is pushed on the blockSealing subscription: a node
// asking whichever farmer claimed the slot to sign the pre-seal hash.
type BlockSealingInfo struct {
	PreSealHash   hashing.Hash32
	PublicKeyHash hashing.Hash32
}

// SolutionResponse is submitted via submitSolutionResponse.
type SolutionResponse struct {
	SlotNumber pot.SlotNumber
	Solution   solution.Solution
}

// BlockSealSubmission is submitted via submitBlockSeal.
type BlockSealSubmission struct {
	PreSealHash hashing.Hash32
	Seal        seal.Signature
}

// ErrUnknownPreSeal is returned by SubmitBlockSeal when no pending seal
// request matches the given hash (it already resolved, or never existed).
var ErrUnknownPreSeal = errors.New("rpcfarmer: no pending block seal request for hash")

// ErrTooManySegmentHeaders is returned by SegmentHeaders when the request
// exceeds MaxSegmentHeadersPerRequest.
var ErrTooManySegmentHeaders = errors.New("rpcfarmer: too many segment headers requested")

// SegmentHeaderStore is the subset of *segmentstore.Store the service
// needs to answer segmentHeaders/lastSegmentHeaders/piece queries.
type SegmentHeaderStore interface {
	GetByIndex(i pieces.SegmentIndex) (pieces.SegmentHeader, bool, error)
	MaxIndex() (pieces.SegmentIndex, bool)
}

// PieceStore answers the piece(index) query: a farmer re-downloading a
// single piece of archival history by its global index.
type PieceStore interface {
	Piece(index pieces.PieceIndex) (*pieces.Piece, bool, error)
}

// AppInfoSource supplies the slowly-changing fields of FarmerAppInfo that
// the service itself has no opinion on (genesis root, DSN bootstrap list,
// sync status, protocol dimensions).
type AppInfoSource interface {
	AppInfo() FarmerAppInfo
}

type subscription[T any] struct {
	id int64
	ch chan T
}

// Service is the in-process hub behind the farmer RPC surface: it
// implements slotworker.SlotNotifier and archivertask.SegmentNotifier so
// it can be wired directly into those components' Config, and exposes the
// submission/query methods a transport layer calls into.
type Service struct {
	mu sync.Mutex

	appInfo AppInfoSource
	headers SegmentHeaderStore
	pieces  PieceStore
	worker  *slotworker.Worker

	nextSubID int64

	slotSubs    map[int64]*subscription[SlotInfo]
	sealSubs    map[int64]*subscription[BlockSealingInfo]
	segmentSubs map[int64]*subscription[pieces.SegmentHeader]

	pendingSeals map[hashing.Hash32]chan seal.Signature

	log *log.Logger
}

// Config bundles the collaborators a Service needs.
type Config struct {
	AppInfo AppInfoSource
	Headers SegmentHeaderStore
	Pieces  PieceStore
	Worker  *slotworker.Worker
}

// New builds a Service from cfg.
func New(cfg Config) *Service {
	return &Service{
		appInfo:      cfg.AppInfo,
		headers:      cfg.Headers,
		pieces:       cfg.Pieces,
		worker:       cfg.Worker,
		slotSubs:     make(map[int64]*subscription[SlotInfo]),
		sealSubs:     make(map[int64]*subscription[BlockSealingInfo]),
		segmentSubs:  make(map[int64]*subscription[pieces.SegmentHeader]),
		pendingSeals: make(map[hashing.Hash32]chan seal.Signature),
		log:          log.Default().Module("rpcfarmer"),
	}
}

// GetFarmerAppInfo answers the getFarmerAppInfo query.
func (s *Service) GetFarmerAppInfo() FarmerAppInfo {
	return s.appInfo.AppInfo()
}

// --- slotInfo subscription -------------------------------------------------

// SubscribeSlotInfo registers a new slotInfo subscriber, returning its feed
// and an unsubscribe function.
func (s *Service) SubscribeSlotInfo() (<-chan SlotInfo, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscription[SlotInfo]{id: id, ch: make(chan SlotInfo, subscriptionBuffer)}
	s.slotSubs[id] = sub
	return sub.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.slotSubs, id)
		close(sub.ch)
	}
}

// NotifyNewSlot implements slotworker.SlotNotifier: it derives a SlotInfo
// from the worker's published challenge and fans it out to every slotInfo
// subscriber. The notification's SolutionSender is not used: solutions the
// transport layer relays reach the worker through SubmitSolutionResponse.
func (s *Service) NotifyNewSlot(n slotworker.NewSlotNotification) {
	globalChallenge := slotworker.DeriveGlobalChallenge(n.NewSlotInfo.ProofOfTime, n.NewSlotInfo.Slot)
	info := SlotInfo{
		Slot:            n.NewSlotInfo.Slot,
		GlobalChallenge: globalChallenge,
		SolutionRange:   n.NewSlotInfo.SolutionRange,
	}

	s.mu.Lock()
	subs := make([]*subscription[SlotInfo], 0, len(s.slotSubs))
	for _, sub := range s.slotSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- info:
		default:
			s.log.Warn("dropping slotInfo notification for slow subscriber", "slot", info.Slot)
		}
	}
}

// SubmitSolutionResponse relays a farmer's solution into the slot worker's
// pending-solution channel for the given slot. It reports whether the
// solution was accepted (see slotworker.Worker.SubmitSolution).
func (s *Service) SubmitSolutionResponse(r SolutionResponse) bool {
	return s.worker.SubmitSolution(r.SlotNumber, r.Solution)
}

// --- blockSealing subscription ----------------------------------------------

// SubscribeBlockSealing registers a new blockSealing subscriber.
func (s *Service) SubscribeBlockSealing() (<-chan BlockSealingInfo, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscription[BlockSealingInfo]{id: id, ch: make(chan BlockSealingInfo, subscriptionBuffer)}
	s.sealSubs[id] = sub
	return sub.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.sealSubs, id)
		close(sub.ch)
	}
}

// RequestBlockSeal publishes a BlockSealingInfo to every subscriber and
// returns a channel that resolves with the first seal.Signature submitted
// for preSealHash via SubmitBlockSeal; the signature is not verified here.
func (s *Service) RequestBlockSeal(preSealHash, publicKeyHash hashing.Hash32) <-chan seal.Signature {
	resultCh := make(chan seal.Signature, 1)

	s.mu.Lock()
	s.pendingSeals[preSealHash] = resultCh
	subs := make([]*subscription[BlockSealingInfo], 0, len(s.sealSubs))
	for _, sub := range s.sealSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	info := BlockSealingInfo{PreSealHash: preSealHash, PublicKeyHash: publicKeyHash}
	for _, sub := range subs {
		select {
		case sub.ch <- info:
		default:
			s.log.Warn("dropping blockSealing notification for slow subscriber", "preSealHash", preSealHash)
		}
	}
	return resultCh
}

// SubmitBlockSeal delivers a farmer's seal submission to whichever caller
// is waiting on RequestBlockSeal for the matching preSealHash. It does not
// itself verify the signature (package seal.Verify does that against the
// solution's known public key, and the caller of RequestBlockSeal owns
// that check) — this method only routes the submission.
func (s *Service) SubmitBlockSeal(sub BlockSealSubmission) error {
	s.mu.Lock()
	ch, ok := s.pendingSeals[sub.PreSealHash]
	if ok {
		delete(s.pendingSeals, sub.PreSealHash)
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownPreSeal
	}
	select {
	case ch <- sub.Seal:
	default:
	}
	return nil
}

// --- archivedSegmentHeader subscription -------------------------------------

// SubscribeArchivedSegmentHeader registers a new archivedSegmentHeader
// subscriber.
func (s *Service) SubscribeArchivedSegmentHeader() (<-chan pieces.SegmentHeader, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	sub := &subscription[pieces.SegmentHeader]{id: id, ch: make(chan pieces.SegmentHeader, subscriptionBuffer)}
	s.segmentSubs[id] = sub
	return sub.ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.segmentSubs, id)
		close(sub.ch)
	}
}

// NotifyArchivedSegment implements archivertask.SegmentNotifier: it
// pushes the segment's header to every archivedSegmentHeader subscriber
// and acknowledges the notification as soon as fan-out completes — the
// service itself has no further use for the segment, so it is not one of
// the subscribers the archiver task actually needs to wait on in
// production (a farmer's own acknowledgeArchivedSegmentHeader call, not
// modeled here, is what the real ack race is against).
func (s *Service) NotifyArchivedSegment(n archivertask.ArchivedSegmentNotification) {
	s.mu.Lock()
	subs := make([]*subscription[pieces.SegmentHeader], 0, len(s.segmentSubs))
	for _, sub := range s.segmentSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- n.Segment.Header:
		default:
			s.log.Warn("dropping archivedSegmentHeader notification for slow subscriber", "segmentIndex", n.Segment.Header.SegmentIndex)
		}
	}

	select {
	case n.Ack <- struct{}{}:
	default:
	}
}

// AcknowledgeArchivedSegmentHeader is a farmer-initiated no-op from the
// service's point of view: production acknowledgement routing happens at
// the transport layer (each subscriber connection forwards its own
// acknowledgement directly to the archiver task's Ack channel instance);
// this method exists so the RPC surface's full method set has a Go-level
// home even though the Service has nothing further to record.
func (s *Service) AcknowledgeArchivedSegmentHeader(pieces.SegmentIndex) {}

// --- queries -----------------------------------------------------------------

// SegmentHeaders answers the segmentHeaders([SegmentIndex]) query.
func (s *Service) SegmentHeaders(indexes []pieces.SegmentIndex) ([]*pieces.SegmentHeader, error) {
	if len(indexes) > MaxSegmentHeadersPerRequest {
		return nil, ErrTooManySegmentHeaders
	}
	out := make([]*pieces.SegmentHeader, len(indexes))
	for i, idx := range indexes {
		header, ok, err := s.headers.GetByIndex(idx)
		if err != nil {
			return nil, err
		}
		if ok {
			h := header
			out[i] = &h
		}
	}
	return out, nil
}

// LastSegmentHeaders answers the lastSegmentHeaders(limit) query: the most
// recent limit headers, newest first.
func (s *Service) LastSegmentHeaders(limit int) ([]pieces.SegmentHeader, error) {
	maxIndex, ok := s.headers.MaxIndex()
	if !ok {
		return nil, nil
	}
	var out []pieces.SegmentHeader
	for i := maxIndex; len(out) < limit; {
		header, ok, err := s.headers.GetByIndex(i)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, header)
		}
		if i == 0 {
			break
		}
		i--
	}
	return out, nil
}

// Piece answers the piece(index) query.
func (s *Service) Piece(index pieces.PieceIndex) (*pieces.Piece, bool, error) {
	if s.pieces == nil {
		return nil, false, nil
	}
	return s.pieces.Piece(index)
}
