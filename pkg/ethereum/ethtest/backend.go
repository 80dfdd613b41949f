// Copyright 2025 Certen Protocol
//
// In-memory chain backend for tests
//
// FakeBackend implements the Backend interface over maps; contracts
// are Go objects that decode the same calldata a real deployment
// would. No network is involved anywhere in this package.

package ethtest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/certen/manifest-orchestrator/pkg/ethereum"
)

// Contract simulates one deployed contract.
type Contract interface {
	// Call handles a read-only call.
	Call(data []byte) ([]byte, error)
	// Exec handles a state-changing transaction.
	Exec(data []byte) error
}

// FakeClock is a controllable unix-seconds clock shared between the
// driver under test and the simulated dispatcher.
type FakeClock struct {
	mu  sync.Mutex
	now uint64
}

// NewFakeClock starts a clock at t seconds.
func NewFakeClock(t uint64) *FakeClock {
	return &FakeClock{now: t}
}

// Now returns the current fake time in unix seconds.
func (c *FakeClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(seconds uint64) {
	c.mu.Lock()
	c.now += seconds
	c.mu.Unlock()
}

// FakeBackend is an in-memory Backend.
type FakeBackend struct {
	mu        sync.Mutex
	chainID   uint64
	sender    common.Address
	code      map[common.Address][]byte
	balances  map[common.Address]*big.Int
	contracts map[common.Address]Contract
	block     uint64

	// SendHook, when set, intercepts SendAndWait before contract
	// dispatch. Return handled=false to fall through.
	SendHook func(tx ethereum.TxRequest) (*ethereum.Receipt, bool, error)

	// FailCalls makes the next N reads fail with Transport errors.
	FailCalls int
	// FailSends makes the next N sends fail with Transport errors.
	FailSends int

	// SentTxs records every transaction that reached the backend.
	SentTxs []ethereum.TxRequest
}

// NewFakeBackend creates a backend for one simulated chain.
func NewFakeBackend(chainID uint64, sender common.Address) *FakeBackend {
	return &FakeBackend{
		chainID:   chainID,
		sender:    sender,
		code:      make(map[common.Address][]byte),
		balances:  make(map[common.Address]*big.Int),
		contracts: make(map[common.Address]Contract),
		block:     1,
	}
}

// SetCode installs runtime bytecode at an address.
func (b *FakeBackend) SetCode(addr common.Address, code []byte) {
	b.mu.Lock()
	b.code[addr] = code
	b.mu.Unlock()
}

// SetBalance sets an account balance.
func (b *FakeBackend) SetBalance(addr common.Address, wei *big.Int) {
	b.mu.Lock()
	b.balances[addr] = wei
	b.mu.Unlock()
}

// Install registers a contract simulation with nominal bytecode.
func (b *FakeBackend) Install(addr common.Address, c Contract, code []byte) {
	b.mu.Lock()
	b.contracts[addr] = c
	b.code[addr] = code
	b.mu.Unlock()
}

func (b *FakeBackend) failCall() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailCalls > 0 {
		b.FailCalls--
		return true
	}
	return false
}

// Sender returns the configured deployer address.
func (b *FakeBackend) Sender() common.Address {
	return b.sender
}

// GetCode returns the installed bytecode.
func (b *FakeBackend) GetCode(_ context.Context, addr common.Address) ([]byte, error) {
	if b.failCall() {
		return nil, &ethereum.TransportError{Err: fmt.Errorf("injected transport failure")}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.code[addr]...), nil
}

// GetCodeHash derives keccak256 of the installed bytecode.
func (b *FakeBackend) GetCodeHash(ctx context.Context, addr common.Address) (common.Hash, error) {
	code, err := b.GetCode(ctx, addr)
	if err != nil {
		return common.Hash{}, err
	}
	if len(code) == 0 {
		return common.Hash{}, nil
	}
	return crypto.Keccak256Hash(code), nil
}

// GetBalance returns the configured balance, zero by default.
func (b *FakeBackend) GetBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	if b.failCall() {
		return nil, &ethereum.TransportError{Err: fmt.Errorf("injected transport failure")}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[addr]; ok {
		return new(big.Int).Set(bal), nil
	}
	return big.NewInt(0), nil
}

// ChainID returns the simulated chain id.
func (b *FakeBackend) ChainID(_ context.Context) (uint64, error) {
	if b.failCall() {
		return 0, &ethereum.TransportError{Err: fmt.Errorf("injected transport failure")}
	}
	return b.chainID, nil
}

// EstimateGas returns a flat estimate.
func (b *FakeBackend) EstimateGas(_ context.Context, _ ethereum.TxRequest) (uint64, error) {
	return 100_000, nil
}

// GasPrice returns a flat price.
func (b *FakeBackend) GasPrice(_ context.Context) (*big.Int, error) {
	return big.NewInt(5 * 1e9), nil
}

// Call dispatches a read-only call to the installed contract.
func (b *FakeBackend) Call(_ context.Context, to common.Address, data []byte) ([]byte, error) {
	if b.failCall() {
		return nil, &ethereum.TransportError{Err: fmt.Errorf("injected transport failure")}
	}
	b.mu.Lock()
	c, ok := b.contracts[to]
	b.mu.Unlock()
	if !ok {
		// Calling an address with no code returns empty bytes.
		return nil, nil
	}
	return c.Call(data)
}

// SendAndWait dispatches a transaction to the hook or the installed
// contract and mints a receipt.
func (b *FakeBackend) SendAndWait(_ context.Context, tx ethereum.TxRequest, _ uint64) (*ethereum.Receipt, error) {
	b.mu.Lock()
	b.SentTxs = append(b.SentTxs, tx)
	if b.FailSends > 0 {
		b.FailSends--
		b.mu.Unlock()
		return nil, &ethereum.TransportError{Err: fmt.Errorf("injected transport failure")}
	}
	b.block++
	block := b.block
	b.mu.Unlock()

	if b.SendHook != nil {
		receipt, handled, err := b.SendHook(tx)
		if handled {
			return receipt, err
		}
	}

	if tx.To == nil {
		return nil, &ethereum.RevertError{}
	}

	b.mu.Lock()
	c, ok := b.contracts[*tx.To]
	b.mu.Unlock()
	if !ok {
		return nil, &ethereum.RevertError{}
	}
	if err := c.Exec(tx.Data); err != nil {
		return nil, err
	}

	return &ethereum.Receipt{
		TxHash:      crypto.Keccak256Hash(tx.Data, []byte{byte(block)}),
		BlockNumber: block,
		GasUsed:     21_000,
		Success:     true,
		Timestamp:   time.Now().UTC(),
	}, nil
}
