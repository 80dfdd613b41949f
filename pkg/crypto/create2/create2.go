// Copyright 2025 Certen Protocol
//
// Deterministic Address Kernel
//
// Pure functions over bytes: keccak-256 hashing, CREATE2 address
// derivation, function selector computation and salt construction.
// Every value produced here must be bit-identical to what the EVM
// computes on-chain; nothing in this package touches the network.

package create2

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MaxContractSize is the EIP-170 runtime bytecode limit enforced by
// mainline EVM implementations.
const MaxContractSize = 24576

// DefaultFrozenFactorySalt is the build-time factory salt used on every
// chain when FROZEN_FACTORY_SALT is not set. It must never change within
// a release line: changing it forks the factory address fleet-wide.
var DefaultFrozenFactorySalt = common.HexToHash(
	"0x153490b935babb5bb3fd40f43b2b2e70c6e3d9a69e5b4e2a38e2f02dbec4f0e5")

// Selector is a 4-byte function identifier: the first four bytes of
// keccak256 over the canonical function signature.
type Selector [4]byte

// SelectorOf computes the selector for a canonical signature, e.g.
// "transfer(address,uint256)". Parameter names must already be omitted.
func SelectorOf(signature string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

// Hex returns the 0x-prefixed hex form, e.g. "0xa9059cbb".
func (s Selector) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

// Bytes returns the selector as a 4-byte slice copy.
func (s Selector) Bytes() []byte {
	b := make([]byte, 4)
	copy(b, s[:])
	return b
}

// ParseSelector parses a 0x-prefixed or bare 8-hex-char selector.
func ParseSelector(h string) (Selector, error) {
	var s Selector
	raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return s, fmt.Errorf("invalid selector hex %q: %w", h, err)
	}
	if len(raw) != 4 {
		return s, fmt.Errorf("selector must be 4 bytes, got %d", len(raw))
	}
	copy(s[:], raw)
	return s, nil
}

// MarshalJSON encodes the selector as a 0x-prefixed hex string.
func (s Selector) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Hex())
}

// UnmarshalJSON decodes a 0x-prefixed hex string selector.
func (s *Selector) UnmarshalJSON(data []byte) error {
	var h string
	if err := json.Unmarshal(data, &h); err != nil {
		return err
	}
	parsed, err := ParseSelector(h)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Keccak256 hashes the concatenation of the given byte slices.
func Keccak256(data ...[]byte) common.Hash {
	return crypto.Keccak256Hash(data...)
}

// CodeHash returns keccak256 of runtime bytecode. Empty code hashes to
// the well-known empty keccak value, which callers treat as "no code".
func CodeHash(runtime []byte) common.Hash {
	return crypto.Keccak256Hash(runtime)
}

// EmptyCodeHash is keccak256 of zero bytes, the codehash of an EOA or
// empty account.
var EmptyCodeHash = crypto.Keccak256Hash(nil)

// InitCodeHash returns keccak256 over constructor bytecode concatenated
// with its ABI-encoded constructor arguments.
func InitCodeHash(initCode []byte) common.Hash {
	return crypto.Keccak256Hash(initCode)
}

// Create2Address derives the address a CREATE2 deployment lands at:
//
//	addr = last_20_bytes(keccak256(0xff || deployer[20] || salt[32] || initCodeHash[32]))
//
// The same triple yields the same address on every EVM chain; this is
// the cross-chain parity primitive.
func Create2Address(deployer common.Address, salt common.Hash, initCodeHash common.Hash) common.Address {
	return crypto.CreateAddress2(deployer, salt, initCodeHash.Bytes())
}

// FacetSalt derives the deterministic per-facet salt
// keccak256(domainTag || facetName || operatorTag || version). All four
// inputs are public; the salt is reproducible by anyone.
func FacetSalt(domainTag, facetName, operatorTag, version string) common.Hash {
	return crypto.Keccak256Hash(
		[]byte(domainTag),
		[]byte(facetName),
		[]byte(operatorTag),
		[]byte(version),
	)
}

// ParseSalt parses a 32-byte hex salt (0x-prefixed or bare).
func ParseSalt(h string) (common.Hash, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(h, "0x"))
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid salt hex: %w", err)
	}
	if len(raw) != 32 {
		return common.Hash{}, fmt.Errorf("salt must be 32 bytes, got %d", len(raw))
	}
	return common.BytesToHash(raw), nil
}
