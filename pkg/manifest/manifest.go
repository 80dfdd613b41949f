// Copyright 2025 Certen Protocol
//
// Canonical Routing Manifest
//
// The manifest is the single document declaring the routing table for
// one release: which selector dispatches to which facet, pinned to the
// exact codehash the facet must carry. The Merkle root committed
// on-chain is computed over the routes in the canonical order defined
// here; builder and on-chain verifier must agree bit for bit.

package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
	"github.com/certen/manifest-orchestrator/pkg/merkle"
)

// Route binds a selector to a facet at an exact codehash. A route is
// live only while the on-chain codehash at Facet equals Codehash.
type Route struct {
	Selector create2.Selector `json:"selector"`
	Facet    common.Address   `json:"facet"`
	Codehash common.Hash      `json:"codehash"`
}

// Leaf computes the route's Merkle leaf:
//
//	keccak256(selector[4] || facet[20] || codehash[32])
func (r Route) Leaf() common.Hash {
	return create2.Keccak256(r.Selector.Bytes(), r.Facet.Bytes(), r.Codehash.Bytes())
}

// FacetEntry is one facet's declaration inside the manifest.
type FacetEntry struct {
	Codehash  common.Hash        `json:"codehash"`
	Selectors []create2.Selector `json:"selectors"`
}

// Manifest is the canonical routing document for one release.
type Manifest struct {
	Version     string                `json:"version"`
	Timestamp   time.Time             `json:"timestamp"`
	TargetEpoch uint64                `json:"target_epoch"`
	Facets      map[string]FacetEntry `json:"facets"`
	Routes      []Route               `json:"routes"`
	MerkleRoot  common.Hash           `json:"merkle_root"`
	Empty       bool                  `json:"empty,omitempty"`
}

// SortRoutes orders routes canonically: lexicographic by selector,
// ties broken by facet then codehash.
func SortRoutes(routes []Route) {
	sort.Slice(routes, func(i, j int) bool {
		if c := bytes.Compare(routes[i].Selector.Bytes(), routes[j].Selector.Bytes()); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(routes[i].Facet.Bytes(), routes[j].Facet.Bytes()); c != 0 {
			return c < 0
		}
		return bytes.Compare(routes[i].Codehash.Bytes(), routes[j].Codehash.Bytes()) < 0
	})
}

// Leaves returns the ordered leaf set for the manifest's routes.
func (m *Manifest) Leaves() []common.Hash {
	leaves := make([]common.Hash, len(m.Routes))
	for i, r := range m.Routes {
		leaves[i] = r.Leaf()
	}
	return leaves
}

// BuildTree constructs the Merkle tree over the manifest's routes in
// their stored (canonical) order.
func (m *Manifest) BuildTree() (*merkle.Tree, error) {
	tree, err := merkle.BuildTree(m.Leaves())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateRoute, err)
	}
	return tree, nil
}

// Validate checks the manifest's internal invariants:
//   - routes are in canonical order
//   - selectors are unique across the whole manifest
//   - no codehash is the empty-code hash
//   - every route agrees with its facet entry (codehash and membership)
//   - the stored Merkle root reproduces from the routes
func (m *Manifest) Validate() error {
	if len(m.Routes) == 0 {
		if !m.Empty {
			return fmt.Errorf("manifest has no routes but is not flagged empty")
		}
		if m.MerkleRoot != merkle.ZeroRoot {
			return fmt.Errorf("empty manifest must carry the zero root, got %s", m.MerkleRoot.Hex())
		}
		return nil
	}
	if m.Empty {
		return fmt.Errorf("manifest has %d routes but is flagged empty", len(m.Routes))
	}

	sorted := append([]Route(nil), m.Routes...)
	SortRoutes(sorted)
	for i := range sorted {
		if sorted[i] != m.Routes[i] {
			return fmt.Errorf("routes are not in canonical selector order (position %d)", i)
		}
	}

	byFacet := make(map[common.Address]map[create2.Selector]bool, len(m.Facets))
	for addrHex, entry := range m.Facets {
		addr := common.HexToAddress(addrHex)
		sels := make(map[create2.Selector]bool, len(entry.Selectors))
		for _, sel := range entry.Selectors {
			if sels[sel] {
				return fmt.Errorf("facet %s lists selector %s twice", addrHex, sel.Hex())
			}
			sels[sel] = true
		}
		byFacet[addr] = sels
	}

	seen := make(map[create2.Selector]common.Address, len(m.Routes))
	for _, r := range m.Routes {
		if first, dup := seen[r.Selector]; dup {
			return &DuplicateSelectorError{Selector: r.Selector, First: first, Second: r.Facet}
		}
		seen[r.Selector] = r.Facet

		if r.Codehash == create2.EmptyCodeHash || r.Codehash == (common.Hash{}) {
			return fmt.Errorf("%w: facet %s", ErrEmptyCodehash, r.Facet.Hex())
		}

		entry, ok := m.Facets[r.Facet.Hex()]
		if !ok {
			return fmt.Errorf("route %s targets undeclared facet %s", r.Selector.Hex(), r.Facet.Hex())
		}
		if entry.Codehash != r.Codehash {
			return &CodehashMismatchError{Facet: r.Facet, Expected: entry.Codehash, Actual: r.Codehash}
		}
		if !byFacet[r.Facet][r.Selector] {
			return fmt.Errorf("route %s is not listed by facet %s", r.Selector.Hex(), r.Facet.Hex())
		}
	}

	tree, err := m.BuildTree()
	if err != nil {
		return err
	}
	if tree.Root() != m.MerkleRoot {
		return fmt.Errorf("stored merkle root %s does not reproduce from routes (computed %s)",
			m.MerkleRoot.Hex(), tree.Root().Hex())
	}

	return nil
}

// RouteFor returns the route carrying the given selector, if any.
func (m *Manifest) RouteFor(sel create2.Selector) (Route, bool) {
	for _, r := range m.Routes {
		if r.Selector == sel {
			return r, true
		}
	}
	return Route{}, false
}

// ToJSON serializes the manifest.
func (m *Manifest) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FromJSON parses a manifest document.
func FromJSON(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
