package executor

import (
	"errors"
	"fmt"
)

// SystemStateAddress is the reserved contract address under which a
// contract's own #[init]/#[view]/#[update] state slot lives, keyed by
// SlotKey{Owner: contract, Contract: SystemStateAddress}.
var SystemStateAddress = Address{0xFF}

// ArgKind classifies one argument slot in a method's metadata-described
// signature, matching the argument kinds the method metadata decoder
// distinguishes: the environment handle, scratch (#[tmp]) and persistent
// (#[slot]) state in either borrow mode, plain input bytes, and output or
// return-value bytes the method fills in.
type ArgKind int

const (
	ArgEnvRO ArgKind = iota
	ArgEnvRW
	ArgTmpRO
	ArgTmpRW
	ArgSlotRO
	ArgSlotRW
	ArgInput
	ArgOutput
	ArgReturn
)

// MethodKind classifies a method by its relationship to contract state and
// to mutation generally: whether it may write state at all (view methods
// never do), and whether it has an implicit &self/&mut self receiver.
type MethodKind int

const (
	MethodInit MethodKind = iota
	MethodUpdateStateless
	MethodUpdateStatefulRO
	MethodUpdateStatefulRW
	MethodViewStateless
	MethodViewStateful
)

// HasSelf reports whether kind implies an implicit receiver argument (its
// own contract's #[state] slot), as opposed to a free function.
func (k MethodKind) HasSelf() bool {
	switch k {
	case MethodUpdateStatefulRO, MethodUpdateStatefulRW, MethodViewStateful:
		return true
	default:
		return false
	}
}

// IsView reports whether kind is one of the read-only method kinds, which
// may only ever run against a read-only NestedSlots.
func (k MethodKind) IsView() bool {
	return k == MethodViewStateless || k == MethodViewStateful
}

// ContractError is the trusted native entry point's own result code: every
// Dispatch call ends either with a nil error (success) or one of these,
// mirroring the FFI boundary's Result<(), ContractError> return
// convention.
type ContractError int

const (
	ErrNone ContractError = iota
	ErrBadInput
	ErrForbidden
	ErrBadOutput
	ErrInternalError
)

func (e ContractError) String() string {
	switch e {
	case ErrNone:
		return "none"
	case ErrBadInput:
		return "bad input"
	case ErrForbidden:
		return "forbidden"
	case ErrBadOutput:
		return "bad output"
	default:
		return "internal error"
	}
}

var errContract = errors.New("executor: contract call failed")

func (e ContractError) asError() error {
	if e == ErrNone {
		return nil
	}
	return fmt.Errorf("%w: %s", errContract, e)
}

// DataSizeCapacity is the marshalled form of one slot/input/output
// argument: a byte buffer together with its logical size and capacity,
// tracked as an explicit triple per the dispatcher's chosen resolution for
// the internal argument layout (a contiguous {data, size, capacity}
// record) rather than relying on Go's built-in slice header, since the
// method under Data may report back a size smaller than len(Data) (for an
// Output/Return argument the host pre-allocates at Capacity and the
// contract fills in only Size bytes of it).
type DataSizeCapacity struct {
	Data     []byte
	Size     uint32
	Capacity uint32
}

// Env is the handle a method's #[env] argument receives, giving it access
// to the same NestedSlots view (and its own borrow-checked nested
// sub-views) the call that invoked it is using.
type Env struct {
	slots         *NestedSlots
	allowMutation bool
}

// NewEnv wraps slots and a mutation flag as an Env. Dispatch constructs
// these; a NativeFn implementation only ever reads one.
func NewEnv(slots *NestedSlots, allowMutation bool) *Env {
	return &Env{slots: slots, allowMutation: allowMutation}
}

// Slots returns the Env's nested slots view.
func (e *Env) Slots() *NestedSlots { return e.slots }

// AllowMutation reports whether this Env may open further read-write
// nested views.
func (e *Env) AllowMutation() bool { return e.allowMutation }

// InternalArg is one marshalled argument handed to a NativeFn, in the
// method's declared argument order. Env is populated for the env kinds and
// Data for every other kind; #[slot] arguments also carry Owner.
type InternalArg struct {
	Kind ArgKind

	Env   *Env              // ArgEnvRO, ArgEnvRW
	Owner *Address          // present alongside Data for non-#[tmp] ArgSlotRO/ArgSlotRW
	Data  *DataSizeCapacity // ArgTmpRO, ArgTmpRW, ArgSlotRO, ArgSlotRW, ArgInput, ArgOutput, ArgReturn

	slotIndex    SlotIndex
	hasSlotIndex bool
}

// NativeFn is a contract method's trusted entry point: given its fully
// marshalled arguments, it runs and reports success or a ContractError. It
// may write into any *DataSizeCapacity.Data it was handed for a
// ArgSlotRW/ArgTmpRW/ArgOutput/ArgReturn argument and update that
// argument's Size to report how much of Data it actually used.
type NativeFn func(args []InternalArg) ContractError

// ExternalArg is one caller-supplied argument at the FFI boundary: the
// host side of whatever the method's metadata says it needs that Dispatch
// cannot derive on its own (a #[slot] argument's explicit owner address,
// an #[input] argument's bytes, or an #[output]/return argument's
// pre-allocated capacity).
type ExternalArg struct {
	Owner          *Address
	Input          []byte
	OutputCapacity int
}

// ExternalArgResult reports back, for each Output/Return-kind argument in
// call order, how many bytes the contract actually wrote.
type ExternalArgResult struct {
	Size int
}

// MethodDescriptor fully describes one callable method: its kind, its
// argument signature, the buffer-growth hints the dispatcher uses when
// provisioning #[slot]/#[tmp]/state buffers, and the trusted entry point
// itself.
type MethodDescriptor struct {
	Kind                     MethodKind
	ArgumentKinds            []ArgKind
	RecommendedStateCapacity int
	RecommendedSlotCapacity  int
	RecommendedTmpCapacity   int
	IsAllocateNewAddress     bool
	Call                     NativeFn
}

type postSlot struct {
	data           *DataSizeCapacity
	slotIndex      SlotIndex
	mustNotBeEmpty bool
}

type postOutput struct {
	data        *DataSizeCapacity
	externalIdx int
}

// Dispatch marshals contract's call to method, invokes its NativeFn, and
// unmarshals the results: it is the Go counterpart of the reference
// model's make_ffi_call, minus the raw-pointer FFI boundary itself (no
// component in this codebase does cgo or unsafe, so arguments cross via
// typed Go values instead of a C ABI).
//
// allowEnvMutation gates #[init]/#[update] methods the same way the
// reference implementation gates them: a caller that itself only holds a
// read-only view cannot invoke one. isAllocateNewAddressMethod marks the
// address-allocator's own allocation method, whose trailing Output
// argument is special-cased to register a brand-new contract address
// instead of being reported back as ordinary output bytes.
//
// Returns the per Output/Return argument byte counts, the newly allocated
// address if isAllocateNewAddressMethod was set, and an error either from
// marshalling (access violations) or from the method itself
// (ContractError).
func Dispatch(
	allowEnvMutation bool,
	isAllocateNewAddressMethod bool,
	parentSlots *NestedSlots,
	contract Address,
	method MethodDescriptor,
	externalArgs []ExternalArg,
) ([]ExternalArgResult, *Address, error) {
	viewOnly := method.Kind.IsView()
	var slots *NestedSlots
	if !viewOnly {
		if !allowEnvMutation {
			return nil, nil, fmt.Errorf("%w: only view methods are allowed here", ErrAccessViolation)
		}
		slots = parentSlots.NewNestedRW()
		if slots == nil {
			return nil, nil, fmt.Errorf("%w: cannot create read-write slots from a read-only view", ErrAccessViolation)
		}
	} else {
		slots = parentSlots.NewNestedRO()
	}

	internalArgs := make([]InternalArg, 0, len(method.ArgumentKinds)+1)
	var posts []postSlot
	var outputs []postOutput
	results := make([]ExternalArgResult, 0)

	// Handle the implicit &self/&mut self receiver.
	switch method.Kind {
	case MethodUpdateStatefulRO, MethodViewStateful:
		data, ok := slots.UseRO(SlotKey{Owner: contract, Contract: SystemStateAddress})
		if !ok {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: state slot", ErrAccessViolation)
		}
		if len(data) == 0 {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: contract has no state yet", ErrForbidden.asError())
		}
		internalArgs = append(internalArgs, InternalArg{Kind: ArgSlotRO, Data: &DataSizeCapacity{Data: data, Size: uint32(len(data)), Capacity: uint32(len(data))}})
	case MethodUpdateStatefulRW:
		if viewOnly {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: only view methods are allowed here", ErrAccessViolation)
		}
		idx, buf, ok := slots.UseRW(SlotKey{Owner: contract, Contract: SystemStateAddress}, method.RecommendedStateCapacity)
		if !ok {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: state slot", ErrAccessViolation)
		}
		if len(buf) == 0 {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: contract has no state yet", ErrForbidden.asError())
		}
		d := &DataSizeCapacity{Data: buf, Size: uint32(len(buf)), Capacity: uint32(cap(buf))}
		posts = append(posts, postSlot{data: d, slotIndex: idx})
		internalArgs = append(internalArgs, InternalArg{Kind: ArgSlotRW, Data: d, slotIndex: idx, hasSlotIndex: true})
	}

	extIdx := 0
	nextExternal := func() (ExternalArg, error) {
		if extIdx >= len(externalArgs) {
			return ExternalArg{}, fmt.Errorf("%w: too few external arguments", ErrBadInput.asError())
		}
		e := externalArgs[extIdx]
		extIdx++
		return e, nil
	}

	var newAddress *Address

	for i, kind := range method.ArgumentKinds {
		lastArgument := i == len(method.ArgumentKinds)-1

		switch kind {
		case ArgEnvRO:
			internalArgs = append(internalArgs, InternalArg{Kind: kind, Env: NewEnv(slots, false)})
		case ArgEnvRW:
			if viewOnly {
				slots.Reset()
				return nil, nil, ErrForbidden.asError()
			}
			internalArgs = append(internalArgs, InternalArg{Kind: kind, Env: NewEnv(slots, true)})

		case ArgTmpRO, ArgSlotRO:
			tmp := kind == ArgTmpRO
			var owner Address
			if tmp {
				if viewOnly {
					slots.Reset()
					return nil, nil, ErrForbidden.asError()
				}
				owner = contract
			} else {
				ext, err := nextExternal()
				if err != nil || ext.Owner == nil {
					slots.Reset()
					return nil, nil, fmt.Errorf("%w: missing slot owner", ErrBadInput.asError())
				}
				owner = *ext.Owner
			}
			slotContract := contract
			if tmp {
				slotContract = NullAddress
			}
			data, ok := slots.UseRO(SlotKey{Owner: owner, Contract: slotContract})
			if !ok {
				slots.Reset()
				return nil, nil, fmt.Errorf("%w: slot", ErrAccessViolation)
			}
			arg := InternalArg{Kind: kind, Data: &DataSizeCapacity{Data: data, Size: uint32(len(data)), Capacity: uint32(len(data))}}
			if !tmp {
				o := owner
				arg.Owner = &o
			}
			internalArgs = append(internalArgs, arg)

		case ArgTmpRW, ArgSlotRW:
			if viewOnly {
				slots.Reset()
				return nil, nil, ErrForbidden.asError()
			}
			tmp := kind == ArgTmpRW
			var owner Address
			capacity := method.RecommendedSlotCapacity
			if tmp {
				owner = contract
				capacity = method.RecommendedTmpCapacity
			} else {
				ext, err := nextExternal()
				if err != nil || ext.Owner == nil {
					slots.Reset()
					return nil, nil, fmt.Errorf("%w: missing slot owner", ErrBadInput.asError())
				}
				owner = *ext.Owner
			}
			slotContract := contract
			if tmp {
				slotContract = NullAddress
			}
			idx, buf, ok := slots.UseRW(SlotKey{Owner: owner, Contract: slotContract}, capacity)
			if !ok {
				slots.Reset()
				return nil, nil, fmt.Errorf("%w: slot", ErrAccessViolation)
			}
			d := &DataSizeCapacity{Data: buf, Size: uint32(len(buf)), Capacity: uint32(cap(buf))}
			posts = append(posts, postSlot{data: d, slotIndex: idx})
			arg := InternalArg{Kind: kind, Data: d, slotIndex: idx, hasSlotIndex: true}
			if !tmp {
				o := owner
				arg.Owner = &o
			}
			internalArgs = append(internalArgs, arg)

		case ArgInput:
			ext, err := nextExternal()
			if err != nil {
				slots.Reset()
				return nil, nil, err
			}
			internalArgs = append(internalArgs, InternalArg{Kind: kind, Data: &DataSizeCapacity{Data: ext.Input, Size: uint32(len(ext.Input)), Capacity: uint32(len(ext.Input))}})

		case ArgOutput, ArgReturn:
			initReturnsState := method.Kind == MethodInit && lastArgument
			if initReturnsState {
				if viewOnly {
					slots.Reset()
					return nil, nil, ErrForbidden.asError()
				}
				idx, buf, ok := slots.UseRW(SlotKey{Owner: contract, Contract: SystemStateAddress}, method.RecommendedStateCapacity)
				if !ok {
					slots.Reset()
					return nil, nil, fmt.Errorf("%w: state slot", ErrAccessViolation)
				}
				if len(buf) != 0 {
					slots.Reset()
					return nil, nil, fmt.Errorf("%w: contract already initialized", ErrForbidden.asError())
				}
				d := &DataSizeCapacity{Data: buf[:cap(buf)], Size: 0, Capacity: uint32(cap(buf))}
				posts = append(posts, postSlot{data: d, slotIndex: idx, mustNotBeEmpty: kind == ArgOutput})
				internalArgs = append(internalArgs, InternalArg{Kind: kind, Data: d, slotIndex: idx, hasSlotIndex: true})
				continue
			}

			if lastArgument && isAllocateNewAddressMethod {
				ext, err := nextExternal()
				if err != nil {
					slots.Reset()
					return nil, nil, err
				}
				d := &DataSizeCapacity{Data: make([]byte, len(Address{})), Size: 0, Capacity: uint32(len(Address{}))}
				_ = ext
				internalArgs = append(internalArgs, InternalArg{Kind: kind, Data: d})
				outputs = append(outputs, postOutput{data: d, externalIdx: -1})
				newAddress = new(Address)
				continue
			}

			ext, err := nextExternal()
			if err != nil {
				slots.Reset()
				return nil, nil, err
			}
			d := &DataSizeCapacity{Data: make([]byte, ext.OutputCapacity), Size: 0, Capacity: uint32(ext.OutputCapacity)}
			results = append(results, ExternalArgResult{})
			outputs = append(outputs, postOutput{data: d, externalIdx: len(results) - 1})
			internalArgs = append(internalArgs, InternalArg{Kind: kind, Data: d})
		}
	}

	result := method.Call(internalArgs)
	if result != ErrNone {
		if slots != nil {
			slots.Reset()
		}
		return nil, nil, result.asError()
	}

	if newAddress != nil {
		copy(newAddress[:], internalArgs[len(internalArgs)-1].Data.Data)
		if !slots.AddNewContract(*newAddress) {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: failed to register newly allocated address", ErrInternalError.asError())
		}
	}

	for _, p := range posts {
		if p.mustNotBeEmpty && p.data.Size == 0 {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: state must not be empty after init", ErrBadOutput.asError())
		}
		if p.data.Size > p.data.Capacity {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: slot size %d exceeds capacity %d", ErrBadOutput.asError(), p.data.Size, p.data.Capacity)
		}
		if !slots.SetUsedLen(p.slotIndex, int(p.data.Size)) {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: could not apply slot write-back", ErrInternalError.asError())
		}
	}
	for _, o := range outputs {
		if o.data.Size > o.data.Capacity {
			slots.Reset()
			return nil, nil, fmt.Errorf("%w: output size %d exceeds capacity %d", ErrBadOutput.asError(), o.data.Size, o.data.Capacity)
		}
		if o.externalIdx >= 0 {
			results[o.externalIdx] = ExternalArgResult{Size: int(o.data.Size)}
		}
	}

	if slots != nil {
		slots.Commit()
	}
	return results, newAddress, nil
}
