// Package executor implements the Native FFI call dispatcher: it
// marshals a contract method call's arguments according to its metadata
// description, tracks which state slots the call touches under a
// borrow-checked access discipline, and invokes the method's trusted
// native entry point. It is grounded on the execution environment's own
// slots/FFI-call split: one type tracks *which bytes a call may touch*
// (Slots/NestedSlots), the other marshals those bytes across the call
// boundary (Dispatch).
package executor

import (
	"errors"
	"fmt"
)

// Address identifies a contract or an owner of a slot.
type Address [32]byte

// NullAddress is the sentinel SlotKey.Contract used for #[tmp] slots: ephemeral
// storage that belongs to no contract and is discarded once a call tree
// finishes, regardless of whether it committed.
var NullAddress Address

// SlotKey names one slot: whose state it is (owner) and which contract's
// method is allowed to interpret its bytes (contract).
type SlotKey struct {
	Owner    Address
	Contract Address
}

// SlotIndex is a stable handle to a slot within a Slots collection, handed
// back by UseRW so a caller can later AccessUsedRW the same slot without
// repeating the access-control check.
type SlotIndex int

// slotState is the borrow state a single slot entry can be in. Unlike the
// reference model's enum-with-payload variants, this is a plain tag plus
// two buffers (current, previous) because Go has no sum types; previous is
// only ever populated in the two ReadWrite tags.
type slotState int

const (
	stateOriginal slotState = iota
	stateOriginalReadOnly
	stateModified
	stateModifiedReadOnly
	stateOriginalReadWrite
	stateModifiedReadWrite
)

type slotEntry struct {
	key      SlotKey
	state    slotState
	buffer   []byte
	previous []byte // only set for the two ReadWrite states
}

type slotAccess struct {
	index     SlotIndex
	readWrite bool
}

// ErrAccessViolation is returned wherever the borrow discipline refuses a
// request: the slot does not exist and cannot be created, or it is already
// held under a conflicting access mode.
var ErrAccessViolation = errors.New("executor: slot access violation")

// Slots is the top-level collection of state slots visible to a call tree,
// built once per transaction (or per standalone call) from whatever
// storage backend supplies the initial bytes.
type Slots struct {
	entries      []slotEntry
	access       []slotAccess
	newContracts []Address
}

// NewSlots builds a Slots collection from an initial owner/contract -> byte
// mapping. Entries whose Contract is NullAddress are dropped: per the
// reference model, #[tmp] slots are a call-tree-local convention, not
// something a caller provisions up front.
func NewSlots(initial map[SlotKey][]byte) *Slots {
	s := &Slots{}
	for key, buf := range initial {
		if key.Contract == NullAddress {
			continue
		}
		s.entries = append(s.entries, slotEntry{key: key, state: stateOriginal, buffer: buf})
	}
	return s
}

// NewNestedRW opens a read-write view over s for the outermost call in a
// tree. Its changes are folded back into s only when Commit is called;
// Reset discards them instead.
func (s *Slots) NewNestedRW() *NestedSlots {
	return &NestedSlots{owner: s, readOnly: false, originalParent: true}
}

// NewNestedRO opens a read-only view over s.
func (s *Slots) NewNestedRO() *NestedSlots {
	return &NestedSlots{owner: s, readOnly: true}
}

// AddNewContract registers owner as having been created during the current
// call tree, making it eligible to own slots for the remainder of
// processing even though it wasn't present in the collection s was built
// from. Returns false if owner is already registered.
func (s *Slots) AddNewContract(owner Address) bool {
	for _, c := range s.newContracts {
		if c == owner {
			return false
		}
	}
	s.newContracts = append(s.newContracts, owner)
	return true
}

// Iter returns every slot's key and current bytes. Only valid at the
// top-level Slots, after every NestedSlots derived from it has committed or
// reset: mid-call-tree, slots may be parked in an accessed state that Iter
// does not know how to read.
func (s *Slots) Iter() map[SlotKey][]byte {
	out := make(map[SlotKey][]byte, len(s.entries))
	for _, e := range s.entries {
		out[e.key] = e.buffer
	}
	return out
}

// IterModified returns only the slots whose bytes differ from what Slots
// was constructed with, the set a caller persists back to storage.
func (s *Slots) IterModified() map[SlotKey][]byte {
	out := make(map[SlotKey][]byte)
	for _, e := range s.entries {
		if e.state == stateModified {
			out[e.key] = e.buffer
		}
	}
	return out
}

// NestedSlots is a borrow-scoped view over a Slots collection: every
// method call in the dispatcher opens one to track which slots it touches
// for the duration of a single native method invocation, then either
// Commits (integrates changes into the parent) or Resets (discards them).
//
// There is no destructor in Go, so — unlike the reference model, where
// this integration happens implicitly when the value goes out of scope —
// every NestedSlots must be closed explicitly with Commit or Reset before
// its parent is touched again; Dispatch always does so, mirroring every
// other resource-owning type in this codebase (segmentstore.Store.Close,
// pot.Verifier.Purge).
type NestedSlots struct {
	owner    *Slots
	readOnly bool

	parentAccessLen int
	originalParent   bool
	closed           bool
}

func (n *NestedSlots) checkOpen() {
	if n.closed {
		panic("executor: use of NestedSlots after Commit/Reset")
	}
}

// NewNestedRW opens a nested read-write view under n. Returns nil if n is
// itself read-only: a read-only call tree can never grant write access.
func (n *NestedSlots) NewNestedRW() *NestedSlots {
	n.checkOpen()
	if n.readOnly {
		return nil
	}
	return &NestedSlots{owner: n.owner, readOnly: false, parentAccessLen: len(n.owner.access)}
}

// NewNestedRO opens a nested read-only view under n.
func (n *NestedSlots) NewNestedRO() *NestedSlots {
	n.checkOpen()
	return &NestedSlots{owner: n.owner, readOnly: true}
}

// AddNewContract delegates to the underlying Slots, refusing the call if n
// is read-only.
func (n *NestedSlots) AddNewContract(owner Address) bool {
	n.checkOpen()
	if n.readOnly {
		return false
	}
	return n.owner.AddNewContract(owner)
}

func (n *NestedSlots) findIndex(key SlotKey) (SlotIndex, bool) {
	for i, e := range n.owner.entries {
		if e.key == key {
			return SlotIndex(i), true
		}
	}
	return 0, false
}

func (n *NestedSlots) accessed(idx SlotIndex) (slotAccess, bool) {
	for _, a := range n.owner.access {
		if a.index == idx {
			return a, true
		}
	}
	return slotAccess{}, false
}

func (n *NestedSlots) isNewOrTmp(key SlotKey) bool {
	if key.Contract == NullAddress {
		return true
	}
	for _, c := range n.owner.newContracts {
		if c == key.Owner || c == key.Contract {
			return true
		}
	}
	return false
}

// UseRO marks key as read, returning its current bytes. A slot already
// held for writing cannot also be read; a slot neither present nor newly
// created (nor a #[tmp] slot, whose Contract is NullAddress) is an access
// violation. A read-only view records no marker, since it can never
// conflict with a write.
func (n *NestedSlots) UseRO(key SlotKey) ([]byte, bool) {
	n.checkOpen()
	idx, found := n.findIndex(key)
	if !found {
		return nil, n.isNewOrTmp(key) // a brand-new slot reads as empty, not missing
	}

	if access, held := n.accessed(idx); held && access.readWrite {
		return nil, false
	}

	entry := &n.owner.entries[idx]
	if entry.state == stateOriginalReadWrite || entry.state == stateModifiedReadWrite {
		return nil, false
	}
	if n.readOnly {
		return entry.buffer, true
	}
	switch entry.state {
	case stateOriginal:
		entry.state = stateOriginalReadOnly
	case stateModified:
		entry.state = stateModifiedReadOnly
	}

	if _, held := n.accessed(idx); !held {
		n.owner.access = append(n.owner.access, slotAccess{index: idx, readWrite: false})
	}
	return entry.buffer, true
}

// UseRW marks key as being written, returning a handle to it (for a later
// AccessUsedRW) and a buffer seeded from key's current bytes grown to at
// least capacity. Refused on a read-only NestedSlots, on a slot already
// accessed by this view, or on a slot that doesn't exist and can't be
// created.
func (n *NestedSlots) UseRW(key SlotKey, capacity int) (SlotIndex, []byte, bool) {
	n.checkOpen()
	if n.readOnly {
		return 0, nil, false
	}

	idx, found := n.findIndex(key)
	if !found {
		if !n.isNewOrTmp(key) {
			return 0, nil, false
		}
		n.owner.entries = append(n.owner.entries, slotEntry{key: key, state: stateOriginal})
		idx = SlotIndex(len(n.owner.entries) - 1)
	}

	if _, held := n.accessed(idx); held {
		return 0, nil, false
	}

	entry := &n.owner.entries[idx]
	if entry.state == stateOriginalReadOnly || entry.state == stateModifiedReadOnly {
		return 0, nil, false
	}

	n.owner.access = append(n.owner.access, slotAccess{index: idx, readWrite: true})

	buf := make([]byte, len(entry.buffer), max(capacity, len(entry.buffer)))
	copy(buf, entry.buffer)
	previous := entry.buffer

	switch entry.state {
	case stateOriginal, stateOriginalReadWrite:
		entry.state = stateOriginalReadWrite
	default:
		entry.state = stateModifiedReadWrite
	}
	entry.buffer = buf
	entry.previous = previous

	return idx, buf, true
}

// AccessUsedRW returns the mutable buffer for a slot previously obtained
// via UseRW in this same NestedSlots, reflecting any length change the
// caller has since made via SetUsedLen.
func (n *NestedSlots) AccessUsedRW(idx SlotIndex) ([]byte, bool) {
	n.checkOpen()
	if n.readOnly {
		return nil, false
	}
	if int(idx) >= len(n.owner.entries) {
		return nil, false
	}
	entry := &n.owner.entries[idx]
	if entry.state != stateOriginalReadWrite && entry.state != stateModifiedReadWrite {
		return nil, false
	}
	return entry.buffer, true
}

// SetUsedLen truncates (or, within capacity, extends) the buffer of a slot
// previously obtained via UseRW/AccessUsedRW — the Go analogue of the
// guest setting a slot's reported size after writing into a pre-allocated
// buffer.
func (n *NestedSlots) SetUsedLen(idx SlotIndex, length int) bool {
	buf, ok := n.AccessUsedRW(idx)
	if !ok || length > cap(buf) {
		return false
	}
	n.owner.entries[idx].buffer = buf[:length]
	return true
}

// Commit integrates every slot this NestedSlots accessed back into its
// parent: read-only accesses simply drop their "being read" marker,
// read-write accesses become Modified. Idempotent: calling Commit twice is
// a no-op the second time.
func (n *NestedSlots) Commit() {
	if n.closed {
		return
	}
	n.closed = true
	if n.readOnly {
		return
	}
	n.fixup(false)
	if n.originalParent {
		n.dropTmpSlots()
	}
}

// Reset discards every change this NestedSlots made: read-write slots
// revert to their pre-access bytes instead of becoming Modified. Use this
// on the method-call error path in place of Commit.
func (n *NestedSlots) Reset() {
	if n.closed {
		return
	}
	n.closed = true
	if n.readOnly {
		return
	}
	n.fixup(true)
}

func (n *NestedSlots) fixup(discard bool) {
	toFix := n.owner.access[n.parentAccessLen:]
	for _, a := range toFix {
		entry := &n.owner.entries[a.index]
		switch entry.state {
		case stateOriginalReadOnly:
			entry.state = stateOriginal
		case stateModifiedReadOnly:
			entry.state = stateModified
		case stateOriginalReadWrite:
			if discard {
				entry.buffer = entry.previous
				entry.state = stateOriginal
			} else {
				entry.state = stateModified
			}
		case stateModifiedReadWrite:
			if discard {
				entry.buffer = entry.previous
				entry.state = stateModified
			} else {
				entry.state = stateModified
			}
		}
		entry.previous = nil
	}
	n.owner.access = n.owner.access[:n.parentAccessLen]
}

func (n *NestedSlots) dropTmpSlots() {
	kept := n.owner.entries[:0]
	for _, e := range n.owner.entries {
		if e.key.Contract == NullAddress {
			continue
		}
		kept = append(kept, e)
	}
	n.owner.entries = kept
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// errSlotsCheck builds a descriptive ErrAccessViolation error naming key,
// for call sites that prefer an error return over UseRO/UseRW's bare bool.
// Dispatch builds its own access-violation errors and does not call it.
func errSlotsCheck(key SlotKey) error {
	return fmt.Errorf("%w: %+v", ErrAccessViolation, key)
}
