// Copyright 2025 Certen Protocol
//
// Manifest package errors

package manifest

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
)

// Common errors for the manifest package
var (
	ErrInvalidABI     = errors.New("invalid facet ABI")
	ErrDuplicateRoute = errors.New("duplicate route in manifest")
	ErrEmptyCodehash  = errors.New("facet codehash is the empty-code hash")
)

// DuplicateSelectorError reports a selector claimed by two facets.
type DuplicateSelectorError struct {
	Selector create2.Selector
	First    common.Address
	Second   common.Address
}

func (e *DuplicateSelectorError) Error() string {
	return fmt.Sprintf("duplicate selector %s claimed by %s and %s",
		e.Selector.Hex(), e.First.Hex(), e.Second.Hex())
}

// NoCodeAtFacetError reports a facet address with no deployed code.
type NoCodeAtFacetError struct {
	Facet common.Address
}

func (e *NoCodeAtFacetError) Error() string {
	return fmt.Sprintf("no code at facet %s", e.Facet.Hex())
}

// CodehashMismatchError reports an on-chain codehash that differs from
// the expected one.
type CodehashMismatchError struct {
	Facet    common.Address
	Expected common.Hash
	Actual   common.Hash
}

func (e *CodehashMismatchError) Error() string {
	return fmt.Sprintf("codehash mismatch at %s: expected %s, got %s",
		e.Facet.Hex(), e.Expected.Hex(), e.Actual.Hex())
}

// FacetTooLargeError reports runtime bytecode over the EVM size limit.
type FacetTooLargeError struct {
	Facet common.Address
	Size  int
}

func (e *FacetTooLargeError) Error() string {
	return fmt.Sprintf("facet %s runtime bytecode is %d bytes, limit is %d",
		e.Facet.Hex(), e.Size, create2.MaxContractSize)
}
