// Copyright 2025 Certen Protocol
//
// Dispatcher ABI descriptors
//
// The dispatcher's staged-root surface is modeled ahead of time as an
// enumerated set of shapes rather than discovered by calling unknown
// methods and catching errors. Two pending shapes exist in the fleet:
// individual getters (pendingRoot / pendingEpoch / earliestActivation)
// and a single pending() tuple. The driver probes by static call with
// decode and remembers the winning shape per dispatcher for the run.

package dispatcher

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// dispatcherABIJSON covers both pending shapes plus the mutating
// surface; a deployed dispatcher implements one pending shape only.
const dispatcherABIJSON = `[
	{"type":"function","name":"commitRoot","inputs":[{"name":"root","type":"bytes32"},{"name":"epoch","type":"uint64"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"applyRoutes","inputs":[
		{"name":"selectors","type":"bytes4[]"},
		{"name":"facets","type":"address[]"},
		{"name":"codehashes","type":"bytes32[]"},
		{"name":"proofs","type":"bytes32[][]"},
		{"name":"isRight","type":"bool[][]"}
	],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"activateCommittedRoot","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"activeRoot","inputs":[],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"},
	{"type":"function","name":"activeEpoch","inputs":[],"outputs":[{"name":"","type":"uint64"}],"stateMutability":"view"},
	{"type":"function","name":"pendingRoot","inputs":[],"outputs":[{"name":"","type":"bytes32"}],"stateMutability":"view"},
	{"type":"function","name":"pendingEpoch","inputs":[],"outputs":[{"name":"","type":"uint64"}],"stateMutability":"view"},
	{"type":"function","name":"earliestActivation","inputs":[],"outputs":[{"name":"","type":"uint64"}],"stateMutability":"view"},
	{"type":"function","name":"pending","inputs":[],"outputs":[
		{"name":"root","type":"bytes32"},
		{"name":"epoch","type":"uint64"},
		{"name":"earliestActivation","type":"uint64"}
	],"stateMutability":"view"},
	{"type":"function","name":"activationDelay","inputs":[],"outputs":[{"name":"","type":"uint64"}],"stateMutability":"view"},
	{"type":"function","name":"paused","inputs":[],"outputs":[{"name":"","type":"bool"}],"stateMutability":"view"}
]`

var (
	abiOnce       sync.Once
	dispatcherABI abi.ABI
)

// DispatcherABI returns the parsed dispatcher ABI.
func DispatcherABI() abi.ABI {
	abiOnce.Do(func() {
		parsed, err := abi.JSON(strings.NewReader(dispatcherABIJSON))
		if err != nil {
			// The ABI is a compile-time constant; failing to parse it
			// is unreachable outside a broken build.
			panic(err)
		}
		dispatcherABI = parsed
	})
	return dispatcherABI
}

// PendingShape identifies which pending surface a dispatcher exposes.
type PendingShape int

const (
	ShapeUnknown PendingShape = iota
	// ShapeGetters: pendingRoot() / pendingEpoch() / earliestActivation().
	ShapeGetters
	// ShapeTuple: pending() returning (root, epoch, earliestActivation).
	ShapeTuple
)

func (s PendingShape) String() string {
	switch s {
	case ShapeGetters:
		return "getters"
	case ShapeTuple:
		return "tuple"
	default:
		return "unknown"
	}
}
