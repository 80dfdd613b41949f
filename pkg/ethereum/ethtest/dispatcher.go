// Copyright 2025 Certen Protocol
//
// Simulated dispatcher contract
//
// Implements the staged-root protocol the way a deployed dispatcher
// does: epoch monotonicity, activation delay, proof verification
// against the pending root, and exactly one of the two pending ABI
// shapes. Calls for the other shape revert with empty data, the same
// sentinel a contract without the method produces.

package ethtest

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/certen/manifest-orchestrator/pkg/dispatcher"
	"github.com/certen/manifest-orchestrator/pkg/ethereum"
	"github.com/certen/manifest-orchestrator/pkg/merkle"
)

// AppliedRoute records one route the simulated dispatcher accepted.
type AppliedRoute struct {
	Selector [4]byte
	Facet    common.Address
	Codehash common.Hash
}

// FakeDispatcher is a Contract implementing the staged-root protocol.
type FakeDispatcher struct {
	// Shape selects which pending surface the contract exposes.
	Shape dispatcher.PendingShape
	// Delay is the activation delay in seconds.
	Delay uint64
	// PausedFlag is returned by paused().
	PausedFlag bool

	Clock *FakeClock

	ActiveRoot   common.Hash
	ActiveEpoch  uint64
	PendingRoot  common.Hash
	PendingEpoch uint64
	Earliest     uint64

	Applied []AppliedRoute
}

// NewFakeDispatcher creates a dispatcher sim with the given pending
// shape and delay.
func NewFakeDispatcher(shape dispatcher.PendingShape, delay uint64, clock *FakeClock) *FakeDispatcher {
	return &FakeDispatcher{Shape: shape, Delay: delay, Clock: clock}
}

// revertWith builds the standard Error(string) revert payload.
func revertWith(msg string) error {
	payload := []byte{0x08, 0xc3, 0x79, 0xa0}
	payload = append(payload, common.LeftPadBytes([]byte{0x20}, 32)...)
	payload = append(payload, common.LeftPadBytes([]byte{byte(len(msg))}, 32)...)
	padded := make([]byte, (len(msg)+31)/32*32)
	copy(padded, msg)
	payload = append(payload, padded...)
	return &ethereum.RevertError{ReasonBytes: payload}
}

// methodNotFound mimics a call to a missing function: revert, no data.
func methodNotFound() error {
	return &ethereum.RevertError{}
}

// Call handles the view surface.
func (f *FakeDispatcher) Call(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, methodNotFound()
	}
	parsed := dispatcher.DispatcherABI()
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, methodNotFound()
	}

	switch method.Name {
	case "activeRoot":
		return method.Outputs.Pack([32]byte(f.ActiveRoot))
	case "activeEpoch":
		return method.Outputs.Pack(f.ActiveEpoch)
	case "activationDelay":
		return method.Outputs.Pack(f.Delay)
	case "paused":
		return method.Outputs.Pack(f.PausedFlag)
	case "pendingRoot":
		if f.Shape != dispatcher.ShapeGetters {
			return nil, methodNotFound()
		}
		return method.Outputs.Pack([32]byte(f.PendingRoot))
	case "pendingEpoch":
		if f.Shape != dispatcher.ShapeGetters {
			return nil, methodNotFound()
		}
		return method.Outputs.Pack(f.PendingEpoch)
	case "earliestActivation":
		if f.Shape != dispatcher.ShapeGetters {
			return nil, methodNotFound()
		}
		return method.Outputs.Pack(f.Earliest)
	case "pending":
		if f.Shape != dispatcher.ShapeTuple {
			return nil, methodNotFound()
		}
		return method.Outputs.Pack([32]byte(f.PendingRoot), f.PendingEpoch, f.Earliest)
	default:
		return nil, methodNotFound()
	}
}

// Exec handles the mutating surface.
func (f *FakeDispatcher) Exec(data []byte) error {
	if len(data) < 4 {
		return methodNotFound()
	}
	parsed := dispatcher.DispatcherABI()
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return methodNotFound()
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return revertWith("calldata decode failed")
	}

	switch method.Name {
	case "commitRoot":
		root := common.Hash(args[0].([32]byte))
		epoch := args[1].(uint64)
		if epoch != f.ActiveEpoch+1 {
			return revertWith(fmt.Sprintf("epoch must be %d", f.ActiveEpoch+1))
		}
		f.PendingRoot = root
		f.PendingEpoch = epoch
		f.Earliest = f.Clock.Now() + f.Delay
		return nil

	case "applyRoutes":
		if f.PendingEpoch == 0 {
			return revertWith("no pending root")
		}
		selectors := args[0].([][4]byte)
		facets := args[1].([]common.Address)
		codehashes := args[2].([][32]byte)
		proofSets := args[3].([][][32]byte)
		bitSets := args[4].([][]bool)
		if len(facets) != len(selectors) || len(codehashes) != len(selectors) ||
			len(proofSets) != len(selectors) || len(bitSets) != len(selectors) {
			return revertWith("length mismatch")
		}
		for i := range selectors {
			if len(bitSets[i]) != len(proofSets[i]) {
				return revertWith("proof shape mismatch")
			}
			leaf := crypto.Keccak256Hash(selectors[i][:], facets[i].Bytes(), codehashes[i][:])
			steps := make([]merkle.ProofStep, len(proofSets[i]))
			for j := range proofSets[i] {
				steps[j] = merkle.ProofStep{Sibling: proofSets[i][j], IsRight: bitSets[i][j]}
			}
			if !merkle.VerifyProof(leaf, steps, f.PendingRoot) {
				return revertWith("invalid route proof")
			}
			f.Applied = append(f.Applied, AppliedRoute{
				Selector: selectors[i],
				Facet:    facets[i],
				Codehash: codehashes[i],
			})
		}
		return nil

	case "activateCommittedRoot":
		if f.PendingEpoch == 0 {
			return revertWith("no pending root")
		}
		if f.Clock.Now() < f.Earliest {
			return revertWith("activation too early")
		}
		f.ActiveRoot = f.PendingRoot
		f.ActiveEpoch = f.PendingEpoch
		f.PendingRoot = common.Hash{}
		f.PendingEpoch = 0
		f.Earliest = 0
		return nil

	default:
		return methodNotFound()
	}
}

// HasApplied reports whether a selector was accepted.
func (f *FakeDispatcher) HasApplied(selector [4]byte) bool {
	for _, r := range f.Applied {
		if bytes.Equal(r.Selector[:], selector[:]) {
			return true
		}
	}
	return false
}
