// Copyright 2025 Certen Protocol
//
// JSON-RPC chain client

package ethereum

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultCallTimeout bounds every single RPC call.
const DefaultCallTimeout = 30 * time.Second

// minGasPrice is the 5 Gwei floor under which transactions tend to
// stall on public testnets.
var minGasPrice = big.NewInt(5 * 1e9)

// Client implements Backend over an EVM JSON-RPC endpoint. It holds a
// connection and, for sending, the deployer key; nothing else.
type Client struct {
	client      *ethclient.Client
	chainID     *big.Int
	url         string
	key         *ecdsa.PrivateKey
	sender      common.Address
	callTimeout time.Duration
}

// NewClient connects to an RPC endpoint. keyHex may be empty for a
// read-only client (dry runs); SendAndWait then fails with a Decode
// error rather than sending from a zero key.
func NewClient(url string, chainID int64, keyHex string) (*Client, error) {
	ec, err := ethclient.Dial(url)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to connect to %s: %w", url, err)}
	}

	c := &Client{
		client:      ec,
		chainID:     big.NewInt(chainID),
		url:         url,
		callTimeout: DefaultCallTimeout,
	}

	if keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse deployer key: %w", err)
		}
		c.key = key
		c.sender = crypto.PubkeyToAddress(key.PublicKey)
	}

	return c, nil
}

// Sender returns the deployer address, or the zero address for a
// read-only client.
func (c *Client) Sender() common.Address {
	return c.sender
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// GetCode returns the runtime bytecode at an address; empty for an EOA.
func (c *Client) GetCode(ctx context.Context, address common.Address) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	code, err := c.client.CodeAt(ctx, address, nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to get code at %s: %w", address.Hex(), err)}
	}
	return code, nil
}

// GetCodeHash returns keccak256 of the runtime bytecode at an address.
// Derived from GetCode; the zero hash marks an account with no code.
func (c *Client) GetCodeHash(ctx context.Context, address common.Address) (common.Hash, error) {
	code, err := c.GetCode(ctx, address)
	if err != nil {
		return common.Hash{}, err
	}
	if len(code) == 0 {
		return common.Hash{}, nil
	}
	return crypto.Keccak256Hash(code), nil
}

// GetBalance returns the balance of an address.
func (c *Client) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	balance, err := c.client.BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to get balance: %w", err)}
	}
	return balance, nil
}

// ChainID queries the endpoint's chain id and checks it against the
// configured one; a mismatch means the RPC URL points at the wrong
// network and everything downstream would deploy to the wrong fleet.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	id, err := c.client.ChainID(ctx)
	if err != nil {
		return 0, &TransportError{Err: fmt.Errorf("failed to get chain id: %w", err)}
	}
	if id.Cmp(c.chainID) != 0 {
		return 0, fmt.Errorf("chain id mismatch: endpoint reports %s, configured %s", id, c.chainID)
	}
	return id.Uint64(), nil
}

// EstimateGas estimates gas for a transaction.
func (c *Client) EstimateGas(ctx context.Context, tx TxRequest) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.sender,
		To:    tx.To,
		Data:  tx.Data,
		Value: tx.Value,
	})
	if err != nil {
		return 0, classifyCallError(err)
	}
	return gas, nil
}

// GasPrice returns the suggested gas price with the floor applied.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to get gas price: %w", err)}
	}
	if gasPrice.Cmp(minGasPrice) < 0 {
		gasPrice = new(big.Int).Set(minGasPrice)
	}
	return gasPrice, nil
}

// Call makes a read-only contract call.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		From: c.sender,
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, classifyCallError(err)
	}
	return result, nil
}

// SendAndWait signs, sends and waits for a transaction plus the given
// number of confirmations. No retries happen here; a Transport error
// bubbles to the orchestrator which owns the retry policy.
func (c *Client) SendAndWait(ctx context.Context, tx TxRequest, confirmations uint64) (*Receipt, error) {
	if c.key == nil {
		return nil, &DecodeError{What: "transaction", Err: fmt.Errorf("client has no deployer key")}
	}

	nonce, err := c.pendingNonce(ctx)
	if err != nil {
		return nil, err
	}
	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	gasLimit := tx.GasLimit
	if gasLimit == 0 {
		estimated, err := c.EstimateGas(ctx, tx)
		if err != nil {
			return nil, err
		}
		// 20% headroom over the estimate.
		gasLimit = estimated + estimated/5
	}

	value := tx.Value
	if value == nil {
		value = big.NewInt(0)
	}

	var unsigned *types.Transaction
	if tx.To == nil {
		unsigned = types.NewContractCreation(nonce, value, gasLimit, gasPrice, tx.Data)
	} else {
		unsigned = types.NewTransaction(nonce, *tx.To, value, gasLimit, gasPrice, tx.Data)
	}

	signed, err := types.SignTx(unsigned, types.NewEIP155Signer(c.chainID), c.key)
	if err != nil {
		return nil, &DecodeError{What: "transaction signature", Err: err}
	}

	sendCtx, cancel := c.withTimeout(ctx)
	err = c.client.SendTransaction(sendCtx, signed)
	cancel()
	if err != nil {
		return nil, classifyCallError(err)
	}

	receipt, err := bind.WaitMined(ctx, c.client, signed)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to wait for %s: %w", signed.Hash().Hex(), err)}
	}

	if confirmations > 1 {
		if err := c.waitConfirmations(ctx, receipt.BlockNumber.Uint64(), confirmations); err != nil {
			return nil, err
		}
	}

	return &Receipt{
		TxHash:          signed.Hash(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
		BlockHash:       receipt.BlockHash,
		GasUsed:         receipt.GasUsed,
		Success:         receipt.Status == types.ReceiptStatusSuccessful,
		ContractAddress: receipt.ContractAddress,
		Timestamp:       time.Now().UTC(),
	}, nil
}

func (c *Client) pendingNonce(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	nonce, err := c.client.PendingNonceAt(ctx, c.sender)
	if err != nil {
		return 0, &TransportError{Err: fmt.Errorf("failed to get nonce: %w", err)}
	}
	return nonce, nil
}

// waitConfirmations polls the head until the receipt block has the
// requested depth. Suspends only at the RPC call and the ticker.
func (c *Client) waitConfirmations(ctx context.Context, minedAt, confirmations uint64) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		headCtx, cancel := c.withTimeout(ctx)
		head, err := c.client.BlockNumber(headCtx)
		cancel()
		if err != nil {
			return &TransportError{Err: fmt.Errorf("failed to get head: %w", err)}
		}
		if head >= minedAt+confirmations-1 {
			return nil
		}

		select {
		case <-ctx.Done():
			return &TransportError{Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Health checks that the endpoint answers at all.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if _, err := c.client.BlockNumber(ctx); err != nil {
		return &TransportError{Err: fmt.Errorf("health check failed for %s: %w", c.url, err)}
	}
	return nil
}
