// Copyright 2025 Certen Protocol
//
// Dispatcher Staging Driver
//
// Drives the committed-then-activated root lifecycle against on-chain
// dispatcher contracts. The driver holds no protocol state: every step
// queries fresh from the chain, so two operators (or a crashed and
// restarted run) always observe the same ground truth. The only thing
// remembered per run is which pending ABI shape each dispatcher spoke,
// after one successful probe.

package dispatcher

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/ethereum"
	"github.com/certen/manifest-orchestrator/pkg/manifest"
	"github.com/certen/manifest-orchestrator/pkg/merkle"
)

// StagedRoot is the dispatcher's pending slot.
type StagedRoot struct {
	PendingRoot        common.Hash `json:"pending_root"`
	PendingEpoch       uint64      `json:"pending_epoch"`
	EarliestActivation uint64      `json:"earliest_activation"`
}

// HasPending reports whether anything is staged.
func (s *StagedRoot) HasPending() bool {
	return s.PendingRoot != (common.Hash{})
}

// CommitResult is the outcome of CommitRoot. ReplacedPending flags
// that a still-pending root was overwritten; the dispatcher allows it,
// the driver surfaces it, nobody may swallow it.
type CommitResult struct {
	Receipt         *ethereum.Receipt
	ReplacedPending bool
	PreviousPending common.Hash
}

// Driver is the stateless staging driver. Safe for concurrent use
// across networks; the shape memo is the only shared state.
type Driver struct {
	backend ethereum.Backend

	mu     sync.Mutex
	shapes map[common.Address]PendingShape

	// now is stubbed in tests; defaults to wall-clock seconds.
	now func() uint64
}

// New creates a driver over a chain backend.
func New(backend ethereum.Backend) *Driver {
	return &Driver{
		backend: backend,
		shapes:  make(map[common.Address]PendingShape),
		now:     func() uint64 { return uint64(time.Now().Unix()) },
	}
}

// SetNow replaces the driver's clock. The activation precondition is
// checked against this clock before any transaction is sent.
func (d *Driver) SetNow(now func() uint64) {
	d.now = now
}

// call packs, calls and unpacks one view method.
func (d *Driver) call(ctx context.Context, dispatcher common.Address, method string, args ...interface{}) ([]interface{}, error) {
	parsed := DispatcherABI()
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, &ethereum.DecodeError{What: method, Err: err}
	}
	out, err := d.backend.Call(ctx, dispatcher, data)
	if err != nil {
		return nil, err
	}
	vals, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, &ethereum.DecodeError{What: method, Err: err}
	}
	return vals, nil
}

// ReadActive returns the dispatcher's active root and epoch.
func (d *Driver) ReadActive(ctx context.Context, dispatcher common.Address) (common.Hash, uint64, error) {
	rootVals, err := d.call(ctx, dispatcher, "activeRoot")
	if err != nil {
		return common.Hash{}, 0, err
	}
	root, err := asHash(rootVals[0])
	if err != nil {
		return common.Hash{}, 0, &ethereum.DecodeError{What: "activeRoot", Err: err}
	}

	epochVals, err := d.call(ctx, dispatcher, "activeEpoch")
	if err != nil {
		return common.Hash{}, 0, err
	}
	epoch, err := asUint64(epochVals[0])
	if err != nil {
		return common.Hash{}, 0, &ethereum.DecodeError{What: "activeEpoch", Err: err}
	}

	return root, epoch, nil
}

// ReadPending reads the staged slot, probing the ABI shape on first
// contact: individual getters first, then the pending() tuple. A
// dispatcher answering neither shape is an AbiMismatch, fatal for the
// network. Transport errors propagate without condemning the shape.
func (d *Driver) ReadPending(ctx context.Context, dispatcher common.Address) (*StagedRoot, error) {
	d.mu.Lock()
	shape := d.shapes[dispatcher]
	d.mu.Unlock()

	switch shape {
	case ShapeGetters:
		return d.readPendingGetters(ctx, dispatcher)
	case ShapeTuple:
		return d.readPendingTuple(ctx, dispatcher)
	}

	staged, err := d.readPendingGetters(ctx, dispatcher)
	if err == nil {
		d.memoShape(dispatcher, ShapeGetters)
		return staged, nil
	}
	if ethereum.IsTransport(err) {
		return nil, err
	}

	staged, err = d.readPendingTuple(ctx, dispatcher)
	if err == nil {
		d.memoShape(dispatcher, ShapeTuple)
		return staged, nil
	}
	if ethereum.IsTransport(err) {
		return nil, err
	}

	return nil, &AbiMismatchError{Dispatcher: dispatcher}
}

func (d *Driver) memoShape(dispatcher common.Address, shape PendingShape) {
	d.mu.Lock()
	d.shapes[dispatcher] = shape
	d.mu.Unlock()
}

// Shape returns the memoized pending shape for a dispatcher, if probed.
func (d *Driver) Shape(dispatcher common.Address) PendingShape {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shapes[dispatcher]
}

func (d *Driver) readPendingGetters(ctx context.Context, dispatcher common.Address) (*StagedRoot, error) {
	rootVals, err := d.call(ctx, dispatcher, "pendingRoot")
	if err != nil {
		return nil, err
	}
	epochVals, err := d.call(ctx, dispatcher, "pendingEpoch")
	if err != nil {
		return nil, err
	}
	earliestVals, err := d.call(ctx, dispatcher, "earliestActivation")
	if err != nil {
		return nil, err
	}
	return decodeStagedRoot([]interface{}{rootVals[0], epochVals[0], earliestVals[0]})
}

func (d *Driver) readPendingTuple(ctx context.Context, dispatcher common.Address) (*StagedRoot, error) {
	vals, err := d.call(ctx, dispatcher, "pending")
	if err != nil {
		return nil, err
	}
	return decodeStagedRoot(vals)
}

// decodeStagedRoot accepts both named and positional tuple values: the
// root as [32]byte or common.Hash, the integers as uint64 or *big.Int.
func decodeStagedRoot(vals []interface{}) (*StagedRoot, error) {
	if len(vals) != 3 {
		return nil, &ethereum.DecodeError{
			What: "pending state",
			Err:  fmt.Errorf("expected 3 values, got %d", len(vals)),
		}
	}
	root, err := asHash(vals[0])
	if err != nil {
		return nil, &ethereum.DecodeError{What: "pending root", Err: err}
	}
	epoch, err := asUint64(vals[1])
	if err != nil {
		return nil, &ethereum.DecodeError{What: "pending epoch", Err: err}
	}
	earliest, err := asUint64(vals[2])
	if err != nil {
		return nil, &ethereum.DecodeError{What: "earliest activation", Err: err}
	}
	return &StagedRoot{PendingRoot: root, PendingEpoch: epoch, EarliestActivation: earliest}, nil
}

func asHash(v interface{}) (common.Hash, error) {
	switch h := v.(type) {
	case [32]byte:
		return common.Hash(h), nil
	case common.Hash:
		return h, nil
	default:
		return common.Hash{}, fmt.Errorf("unexpected type %T for bytes32", v)
	}
}

func asUint64(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil
	case *big.Int:
		if !n.IsUint64() {
			return 0, fmt.Errorf("value %s overflows uint64", n)
		}
		return n.Uint64(), nil
	default:
		return 0, fmt.Errorf("unexpected type %T for uint64", v)
	}
}

// ActivationDelay reads the dispatcher's configured delay.
func (d *Driver) ActivationDelay(ctx context.Context, dispatcher common.Address) (uint64, error) {
	vals, err := d.call(ctx, dispatcher, "activationDelay")
	if err != nil {
		return 0, err
	}
	return asUint64(vals[0])
}

// Paused reads the dispatcher's pause flag.
func (d *Driver) Paused(ctx context.Context, dispatcher common.Address) (bool, error) {
	vals, err := d.call(ctx, dispatcher, "paused")
	if err != nil {
		return false, err
	}
	paused, ok := vals[0].(bool)
	if !ok {
		return false, &ethereum.DecodeError{What: "paused", Err: fmt.Errorf("unexpected type %T", vals[0])}
	}
	return paused, nil
}

// CommitRoot stages a new root. The epoch must be exactly
// activeEpoch+1; anything else fails with EpochMismatch before any
// transaction is sent. Replacing a still-pending root is legal and
// reported, never silent.
func (d *Driver) CommitRoot(ctx context.Context, dispatcher common.Address, root common.Hash, epoch uint64) (*CommitResult, error) {
	_, activeEpoch, err := d.ReadActive(ctx, dispatcher)
	if err != nil {
		return nil, err
	}
	if epoch != activeEpoch+1 {
		return nil, &EpochMismatchError{Expected: activeEpoch + 1, Got: epoch}
	}

	prior, err := d.ReadPending(ctx, dispatcher)
	if err != nil {
		return nil, err
	}
	result := &CommitResult{}
	if prior.HasPending() {
		result.ReplacedPending = true
		result.PreviousPending = prior.PendingRoot
		log.Printf("⚠️ dispatcher %s: replacing pending root %s with %s (epoch %d)",
			dispatcher.Hex(), prior.PendingRoot.Hex(), root.Hex(), epoch)
	}

	data, err := DispatcherABI().Pack("commitRoot", root, epoch)
	if err != nil {
		return nil, &ethereum.DecodeError{What: "commitRoot", Err: err}
	}
	receipt, err := d.backend.SendAndWait(ctx, ethereum.TxRequest{To: &dispatcher, Data: data}, 1)
	if err != nil {
		return nil, err
	}
	result.Receipt = receipt
	return result, nil
}

// ApplyRoutes pushes a batch of routes with their inclusion proofs; the
// dispatcher verifies each against the pending root.
func (d *Driver) ApplyRoutes(ctx context.Context, dispatcher common.Address, routes []manifest.Route, proofs []*merkle.Proof) (*ethereum.Receipt, error) {
	if len(routes) != len(proofs) {
		return nil, &ethereum.DecodeError{
			What: "applyRoutes",
			Err:  fmt.Errorf("%d routes but %d proofs", len(routes), len(proofs)),
		}
	}

	selectors := make([][4]byte, len(routes))
	facets := make([]common.Address, len(routes))
	codehashes := make([][32]byte, len(routes))
	siblingSets := make([][][32]byte, len(routes))
	isRightSets := make([][]bool, len(routes))

	for i, route := range routes {
		if proofs[i].Leaf != route.Leaf() {
			return nil, &ethereum.DecodeError{
				What: "applyRoutes",
				Err:  fmt.Errorf("proof %d does not prove route %s", i, route.Selector.Hex()),
			}
		}
		selectors[i] = route.Selector
		facets[i] = route.Facet
		codehashes[i] = route.Codehash

		siblings := make([][32]byte, len(proofs[i].Steps))
		bits := make([]bool, len(proofs[i].Steps))
		for j, step := range proofs[i].Steps {
			siblings[j] = step.Sibling
			bits[j] = step.IsRight
		}
		siblingSets[i] = siblings
		isRightSets[i] = bits
	}

	data, err := DispatcherABI().Pack("applyRoutes", selectors, facets, codehashes, siblingSets, isRightSets)
	if err != nil {
		return nil, &ethereum.DecodeError{What: "applyRoutes", Err: err}
	}
	return d.backend.SendAndWait(ctx, ethereum.TxRequest{To: &dispatcher, Data: data}, 1)
}

// Activate promotes the pending root to active. Fails hard with
// ActivationTooEarly before sending if the delay has not elapsed.
func (d *Driver) Activate(ctx context.Context, dispatcher common.Address) (*ethereum.Receipt, error) {
	staged, err := d.ReadPending(ctx, dispatcher)
	if err != nil {
		return nil, err
	}
	if !staged.HasPending() && staged.PendingEpoch == 0 {
		return nil, ErrNoPendingRoot
	}

	if now := d.now(); now < staged.EarliestActivation {
		return nil, &ActivationTooEarlyError{Remaining: staged.EarliestActivation - now}
	}

	data, err := DispatcherABI().Pack("activateCommittedRoot")
	if err != nil {
		return nil, &ethereum.DecodeError{What: "activateCommittedRoot", Err: err}
	}
	return d.backend.SendAndWait(ctx, ethereum.TxRequest{To: &dispatcher, Data: data}, 1)
}
