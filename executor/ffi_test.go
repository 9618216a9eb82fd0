package executor

import "testing"

func TestDispatchInitWritesState(t *testing.T) {
	contract := addr(9)
	s := NewSlots(nil)
	// A slot that is not in the initial collection can only be created for
	// a newly allocated contract.
	s.AddNewContract(contract)
	root := s.NewNestedRW()

	method := MethodDescriptor{
		Kind:                     MethodInit,
		ArgumentKinds:            []ArgKind{ArgInput, ArgOutput},
		RecommendedStateCapacity: 64,
		Call: func(args []InternalArg) ContractError {
			if len(args) != 2 {
				return ErrInternalError
			}
			input := args[0].Data.Data
			out := args[1].Data
			n := copy(out.Data, input)
			out.Size = uint32(n)
			return ErrNone
		},
	}

	results, newAddr, err := Dispatch(true, false, root, contract, method, []ExternalArg{
		{Input: []byte("seed")},
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if newAddr != nil {
		t.Fatalf("did not expect a new address")
	}
	// The trailing #[output] argument of an #[init] method is special-cased
	// to write the contract's own state slot rather than being reported
	// back as an ordinary ExternalArgResult.
	if len(results) != 0 {
		t.Fatalf("unexpected results: %+v", results)
	}

	view := root.NewNestedRO()
	state, ok := view.UseRO(SlotKey{Owner: contract, Contract: SystemStateAddress})
	view.Commit()
	if !ok {
		t.Fatalf("expected state slot to exist after init")
	}
	if string(state) != "seed" {
		t.Fatalf("got state %q, want seed", state)
	}
}

func TestDispatchRejectsMutationWhenNotAllowed(t *testing.T) {
	contract := addr(9)
	s := NewSlots(nil)
	root := s.NewNestedRW()

	method := MethodDescriptor{
		Kind:          MethodInit,
		ArgumentKinds: nil,
		Call: func(args []InternalArg) ContractError {
			return ErrNone
		},
	}

	_, _, err := Dispatch(false, false, root, contract, method, nil)
	if err == nil {
		t.Fatalf("expected Dispatch to refuse mutation when allowEnvMutation is false")
	}
}

func TestDispatchPropagatesContractError(t *testing.T) {
	contract := addr(9)
	s := NewSlots(nil)
	root := s.NewNestedRW()

	method := MethodDescriptor{
		Kind: MethodInit,
		Call: func(args []InternalArg) ContractError {
			return ErrBadInput
		},
	}

	_, _, err := Dispatch(true, false, root, contract, method, nil)
	if err == nil {
		t.Fatalf("expected propagated ContractError")
	}
}
