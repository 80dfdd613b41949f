// Copyright 2025 Certen Protocol
//
// Manifest Builder
//
// Builds the canonical routing manifest from a set of deployed facets.
// Selector extraction works from the compiler's JSON ABI only; the
// builder never inspects contract source. Codehashes are read from the
// chain the facets are claimed to run on, so the produced manifest pins
// the exact bytecode that was live at build time.

package manifest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
)

// adminDenyList names functions that are never routable through the
// dispatcher, no matter what a facet ABI declares.
var adminDenyList = map[string]bool{
	"supportsInterface": true,
	"hasRole":           true,
	"getRoleAdmin":      true,
	"grantRole":         true,
	"revokeRole":        true,
	"renounceRole":      true,
	"initialize":        true,
	"reinitialize":      true,
}

// Policy controls selector extraction.
type Policy struct {
	// IncludeViews routes view and pure functions as well. Off by
	// default: reads go straight to the facet, not through dispatch.
	IncludeViews bool
}

// FacetInput describes one deployed facet handed to the builder.
type FacetInput struct {
	Name    string         `json:"name"`
	Address common.Address `json:"address"`
	ABIJSON string         `json:"abi"`

	// ExpectedCodehash, when non-zero, is the compile-time codehash the
	// on-chain code must match.
	ExpectedCodehash common.Hash `json:"expected_codehash,omitempty"`
}

// CodeReader reads deployed runtime bytecode. Satisfied by the chain
// client and by in-memory fakes in tests.
type CodeReader interface {
	GetCode(ctx context.Context, address common.Address) ([]byte, error)
}

// Builder assembles manifests under a fixed policy.
type Builder struct {
	policy      Policy
	version     string
	targetEpoch uint64
}

// NewBuilder creates a builder for one release version and target epoch.
func NewBuilder(version string, targetEpoch uint64, policy Policy) *Builder {
	return &Builder{policy: policy, version: version, targetEpoch: targetEpoch}
}

// Build produces the validated canonical manifest for the given facets.
// Nothing is written anywhere on failure; the caller receives a typed
// error and no partial document.
func (b *Builder) Build(ctx context.Context, reader CodeReader, facets []FacetInput) (*Manifest, error) {
	m := &Manifest{
		Version:     b.version,
		Timestamp:   time.Now().UTC(),
		TargetEpoch: b.targetEpoch,
		Facets:      make(map[string]FacetEntry, len(facets)),
		Routes:      make([]Route, 0),
	}

	claimed := make(map[create2.Selector]common.Address)

	for _, facet := range facets {
		if _, dup := m.Facets[facet.Address.Hex()]; dup {
			return nil, fmt.Errorf("facet %s (%s) appears twice", facet.Name, facet.Address.Hex())
		}

		code, err := reader.GetCode(ctx, facet.Address)
		if err != nil {
			return nil, fmt.Errorf("reading code for facet %s: %w", facet.Name, err)
		}
		if len(code) == 0 {
			return nil, &NoCodeAtFacetError{Facet: facet.Address}
		}
		if len(code) > create2.MaxContractSize {
			return nil, &FacetTooLargeError{Facet: facet.Address, Size: len(code)}
		}

		codehash := create2.CodeHash(code)
		if facet.ExpectedCodehash != (common.Hash{}) && facet.ExpectedCodehash != codehash {
			return nil, &CodehashMismatchError{
				Facet:    facet.Address,
				Expected: facet.ExpectedCodehash,
				Actual:   codehash,
			}
		}

		selectors, err := b.extractSelectors(facet)
		if err != nil {
			return nil, err
		}

		for _, sel := range selectors {
			if first, dup := claimed[sel]; dup {
				return nil, &DuplicateSelectorError{Selector: sel, First: first, Second: facet.Address}
			}
			claimed[sel] = facet.Address
			m.Routes = append(m.Routes, Route{Selector: sel, Facet: facet.Address, Codehash: codehash})
		}

		m.Facets[facet.Address.Hex()] = FacetEntry{Codehash: codehash, Selectors: selectors}
	}

	SortRoutes(m.Routes)

	tree, err := m.BuildTree()
	if err != nil {
		return nil, err
	}
	m.MerkleRoot = tree.Root()
	m.Empty = tree.Empty()

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("built manifest failed validation: %w", err)
	}
	return m, nil
}

// extractSelectors resolves the routable selectors of one facet ABI.
// Excluded: view/pure functions (unless policy includes them), names
// starting with an underscore, constructors, and the admin deny-list.
func (b *Builder) extractSelectors(facet FacetInput) ([]create2.Selector, error) {
	parsed, err := abi.JSON(strings.NewReader(facet.ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("%w: facet %s: %v", ErrInvalidABI, facet.Name, err)
	}

	selectors := make([]create2.Selector, 0, len(parsed.Methods))
	for _, method := range parsed.Methods {
		if strings.HasPrefix(method.RawName, "_") {
			continue
		}
		if adminDenyList[method.RawName] {
			continue
		}
		if !b.policy.IncludeViews &&
			(method.StateMutability == "view" || method.StateMutability == "pure") {
			continue
		}

		var sel create2.Selector
		copy(sel[:], method.ID)
		selectors = append(selectors, sel)
	}

	// Methods iterate in map order; pin a deterministic listing.
	sort.Slice(selectors, func(i, j int) bool {
		return bytes.Compare(selectors[i][:], selectors[j][:]) < 0
	})
	return selectors, nil
}
