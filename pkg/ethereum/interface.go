// Copyright 2025 Certen Protocol
//
// Chain backend abstraction consumed by the rest of the engine

package ethereum

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TxRequest describes one transaction to send. A nil To deploys a
// contract from Data as init code.
type TxRequest struct {
	To       *common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

// Receipt is the settled outcome of one transaction.
type Receipt struct {
	TxHash          common.Hash    `json:"tx_hash"`
	BlockNumber     uint64         `json:"block_number"`
	BlockHash       common.Hash    `json:"block_hash"`
	GasUsed         uint64         `json:"gas_used"`
	Success         bool           `json:"success"`
	ContractAddress common.Address `json:"contract_address,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Backend is the minimal chain surface the core consumes. Implemented
// by Client over JSON-RPC and by in-memory fakes in tests. All errors
// crossing this boundary are Transport, Revert or Decode; callers own
// any retry policy.
type Backend interface {
	GetCode(ctx context.Context, address common.Address) ([]byte, error)
	GetCodeHash(ctx context.Context, address common.Address) (common.Hash, error)
	GetBalance(ctx context.Context, address common.Address) (*big.Int, error)
	ChainID(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, tx TxRequest) (uint64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
	SendAndWait(ctx context.Context, tx TxRequest, confirmations uint64) (*Receipt, error)
	Sender() common.Address
}
