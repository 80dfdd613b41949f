// Copyright 2025 Certen Protocol
//
// Preflight errors

package preflight

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AddressParityError reports diverging factory predictions. This
// aborts the entire run before any state change: deploying would fork
// the fleet.
type AddressParityError struct {
	Predictions map[string]common.Address
}

func (e *AddressParityError) Error() string {
	parts := make([]string, 0, len(e.Predictions))
	for net, addr := range e.Predictions {
		parts = append(parts, fmt.Sprintf("%s=%s", net, addr.Hex()))
	}
	sort.Strings(parts)
	return fmt.Sprintf("factory address parity violated: %s", strings.Join(parts, ", "))
}

// ProofFailedError reports a locally irreproducible inclusion proof.
// Aborts preflight: the manifest's routes do not reproduce its stored
// merkle root.
type ProofFailedError struct {
	RouteIndex   int
	ExpectedRoot common.Hash
	Got          common.Hash
}

func (e *ProofFailedError) Error() string {
	return fmt.Sprintf("proof for route %d does not reproduce root %s (leaf %s)",
		e.RouteIndex, e.ExpectedRoot.Hex(), e.Got.Hex())
}
