// Copyright 2025 Certen Protocol
//
// Manifest model and builder tests

package manifest

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
)

const pingABI = `[{"type":"function","name":"ping","inputs":[],"outputs":[],"stateMutability":"nonpayable"}]`

const transferABI = `[{"type":"function","name":"transfer","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable"}]`

const mixedABI = `[
	{"type":"function","name":"swap","inputs":[{"name":"amount","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"quote","inputs":[],"outputs":[{"name":"","type":"uint256"}],"stateMutability":"view"},
	{"type":"function","name":"_rebalance","inputs":[],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"grantRole","inputs":[{"name":"role","type":"bytes32"},{"name":"who","type":"address"}],"outputs":[],"stateMutability":"nonpayable"},
	{"type":"function","name":"initialize","inputs":[],"outputs":[],"stateMutability":"nonpayable"}
]`

// fakeCodeReader serves runtime bytecode from memory.
type fakeCodeReader struct {
	code map[common.Address][]byte
}

func (f *fakeCodeReader) GetCode(_ context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], nil
}

func TestBuild_SingleFacetHappyPath(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	runtime := []byte{0xfe}
	reader := &fakeCodeReader{code: map[common.Address][]byte{facetAddr: runtime}}

	b := NewBuilder("1.0.0", 1, Policy{})
	m, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "PingFacet", Address: facetAddr, ABIJSON: pingABI},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	if len(m.Routes) != 1 {
		t.Fatalf("expected 1 route, got %d", len(m.Routes))
	}
	route := m.Routes[0]
	if route.Selector.Hex() != "0x5c36b186" {
		t.Errorf("ping() selector mismatch: got %s", route.Selector.Hex())
	}

	codehash := create2.CodeHash(runtime)
	if route.Codehash != codehash {
		t.Errorf("codehash mismatch: got %s, want %s", route.Codehash.Hex(), codehash.Hex())
	}

	// One route: root equals the leaf keccak256(selector || facet || codehash).
	wantLeaf := create2.Keccak256(route.Selector.Bytes(), facetAddr.Bytes(), codehash.Bytes())
	if route.Leaf() != wantLeaf {
		t.Errorf("leaf encoding mismatch: got %s, want %s", route.Leaf().Hex(), wantLeaf.Hex())
	}
	if m.MerkleRoot != wantLeaf {
		t.Errorf("single-route root must equal the leaf: got %s, want %s", m.MerkleRoot.Hex(), wantLeaf.Hex())
	}

	if err := m.Validate(); err != nil {
		t.Errorf("built manifest failed validation: %v", err)
	}
}

func TestBuild_DuplicateSelectorAcrossFacets(t *testing.T) {
	facetA := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	facetB := common.HexToAddress("0x00000000000000000000000000000000000000bb")
	reader := &fakeCodeReader{code: map[common.Address][]byte{
		facetA: {0x60, 0x01},
		facetB: {0x60, 0x02},
	}}

	b := NewBuilder("1.0.0", 1, Policy{})
	_, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "TokenA", Address: facetA, ABIJSON: transferABI},
		{Name: "TokenB", Address: facetB, ABIJSON: transferABI},
	})

	var dup *DuplicateSelectorError
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateSelectorError, got %v", err)
	}
	if dup.Selector.Hex() != "0xa9059cbb" {
		t.Errorf("duplicate selector mismatch: got %s, want 0xa9059cbb", dup.Selector.Hex())
	}
}

func TestExtractSelectors_Policy(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000cc")
	reader := &fakeCodeReader{code: map[common.Address][]byte{facetAddr: {0x01}}}

	// Default policy: only swap() survives — quote() is a view,
	// _rebalance starts with an underscore, grantRole and initialize
	// are deny-listed.
	b := NewBuilder("1.0.0", 1, Policy{})
	m, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "Mixed", Address: facetAddr, ABIJSON: mixedABI},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if len(m.Routes) != 1 {
		t.Fatalf("expected only swap() routable, got %d routes", len(m.Routes))
	}
	if m.Routes[0].Selector != create2.SelectorOf("swap(uint256)") {
		t.Errorf("unexpected surviving selector %s", m.Routes[0].Selector.Hex())
	}

	// IncludeViews admits quote() too; the deny-list still holds.
	b = NewBuilder("1.0.0", 1, Policy{IncludeViews: true})
	m, err = b.Build(context.Background(), reader, []FacetInput{
		{Name: "Mixed", Address: facetAddr, ABIJSON: mixedABI},
	})
	if err != nil {
		t.Fatalf("build with views failed: %v", err)
	}
	if len(m.Routes) != 2 {
		t.Fatalf("expected swap()+quote() routable, got %d routes", len(m.Routes))
	}
}

func TestBuild_NoCodeAtFacet(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000dd")
	reader := &fakeCodeReader{code: map[common.Address][]byte{}}

	b := NewBuilder("1.0.0", 1, Policy{})
	_, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "Ghost", Address: facetAddr, ABIJSON: pingABI},
	})

	var noCode *NoCodeAtFacetError
	if !errors.As(err, &noCode) {
		t.Fatalf("expected NoCodeAtFacetError, got %v", err)
	}
	if noCode.Facet != facetAddr {
		t.Errorf("wrong facet in error: %s", noCode.Facet.Hex())
	}
}

func TestBuild_FacetSizeBound(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	b := NewBuilder("1.0.0", 1, Policy{})

	// Exactly at the limit passes.
	reader := &fakeCodeReader{code: map[common.Address][]byte{
		facetAddr: bytes.Repeat([]byte{0xfe}, create2.MaxContractSize),
	}}
	if _, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "Big", Address: facetAddr, ABIJSON: pingABI},
	}); err != nil {
		t.Fatalf("facet at exactly %d bytes must pass: %v", create2.MaxContractSize, err)
	}

	// One byte over fails.
	reader = &fakeCodeReader{code: map[common.Address][]byte{
		facetAddr: bytes.Repeat([]byte{0xfe}, create2.MaxContractSize+1),
	}}
	_, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "TooBig", Address: facetAddr, ABIJSON: pingABI},
	})
	var tooLarge *FacetTooLargeError
	if !errors.As(err, &tooLarge) {
		t.Fatalf("expected FacetTooLargeError, got %v", err)
	}
}

func TestBuild_CodehashMismatch(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000ab")
	reader := &fakeCodeReader{code: map[common.Address][]byte{facetAddr: {0xfe}}}

	b := NewBuilder("1.0.0", 1, Policy{})
	_, err := b.Build(context.Background(), reader, []FacetInput{
		{
			Name:             "Stale",
			Address:          facetAddr,
			ABIJSON:          pingABI,
			ExpectedCodehash: create2.CodeHash([]byte{0xff}),
		},
	})

	var mismatch *CodehashMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected CodehashMismatchError, got %v", err)
	}
}

func TestBuild_InvalidABI(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000ac")
	reader := &fakeCodeReader{code: map[common.Address][]byte{facetAddr: {0x01}}}

	b := NewBuilder("1.0.0", 1, Policy{})
	_, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "Broken", Address: facetAddr, ABIJSON: "{not json"},
	})
	if !errors.Is(err, ErrInvalidABI) {
		t.Fatalf("expected ErrInvalidABI, got %v", err)
	}
}

func TestBuild_CanonicalOrdering(t *testing.T) {
	facetA := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	facetB := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	reader := &fakeCodeReader{code: map[common.Address][]byte{
		facetA: {0x01},
		facetB: {0x02},
	}}

	b := NewBuilder("1.0.0", 1, Policy{})
	m, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "Transfers", Address: facetA, ABIJSON: transferABI},
		{Name: "Ping", Address: facetB, ABIJSON: pingABI},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	for i := 1; i < len(m.Routes); i++ {
		if bytes.Compare(m.Routes[i-1].Selector.Bytes(), m.Routes[i].Selector.Bytes()) >= 0 {
			t.Fatalf("routes not in selector-lexicographic order at %d", i)
		}
	}
}

func TestManifest_SerializeParseRebuild(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000a2")
	reader := &fakeCodeReader{code: map[common.Address][]byte{facetAddr: {0xfe}}}

	b := NewBuilder("1.0.0", 3, Policy{})
	m, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "Ping", Address: facetAddr, ABIJSON: pingABI},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	data, err := m.ToJSON()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	parsed, err := FromJSON(data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := parsed.Validate(); err != nil {
		t.Fatalf("parsed manifest failed validation: %v", err)
	}

	tree, err := parsed.BuildTree()
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	if tree.Root() != m.MerkleRoot {
		t.Errorf("root changed across serialize/parse/rebuild: %s vs %s",
			tree.Root().Hex(), m.MerkleRoot.Hex())
	}
	if parsed.TargetEpoch != 3 {
		t.Errorf("target epoch lost in round trip: %d", parsed.TargetEpoch)
	}
}

func TestValidate_TamperedRootRejected(t *testing.T) {
	facetAddr := common.HexToAddress("0x00000000000000000000000000000000000000a3")
	reader := &fakeCodeReader{code: map[common.Address][]byte{facetAddr: {0xfe}}}

	b := NewBuilder("1.0.0", 1, Policy{})
	m, err := b.Build(context.Background(), reader, []FacetInput{
		{Name: "Ping", Address: facetAddr, ABIJSON: pingABI},
	})
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}

	m.MerkleRoot = create2.Keccak256([]byte("tampered"))
	if err := m.Validate(); err == nil {
		t.Fatal("tampered merkle root passed validation")
	}
}

func TestBuild_EmptyManifest(t *testing.T) {
	b := NewBuilder("1.0.0", 1, Policy{})
	m, err := b.Build(context.Background(), &fakeCodeReader{}, nil)
	if err != nil {
		t.Fatalf("empty build failed: %v", err)
	}
	if !m.Empty {
		t.Error("zero-route manifest must carry the empty flag")
	}
	if m.MerkleRoot != (common.Hash{}) {
		t.Errorf("empty manifest root must be zero, got %s", m.MerkleRoot.Hex())
	}
	if err := m.Validate(); err != nil {
		t.Errorf("empty manifest failed validation: %v", err)
	}
}
