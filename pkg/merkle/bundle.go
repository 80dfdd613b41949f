// Copyright 2025 Certen Protocol
//
// Portable Merkle Bundle
// The on-disk commitment document for one manifest release: the root,
// the ordered leaves and one inclusion proof per leaf, all hex-encoded
// so the bundle can be independently re-verified without trusting any
// intermediary.
//
// Verification invariants (fail-closed):
// 1. Root must be exactly 32 bytes
// 2. Each leaf and each proof sibling must be exactly 32 bytes
// 3. Every proof must re-derive Root from its leaf
// 4. Proof i must prove leaf i; counts must match

package merkle

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Bundle is the serialized commitment for one route set.
type Bundle struct {
	Root   string        `json:"root"`
	Empty  bool          `json:"empty"`
	Leaves []string      `json:"leaves"`
	Proofs []BundleProof `json:"proofs"`
}

// BundleProof is one leaf's inclusion proof in hex form.
type BundleProof struct {
	Leaf      string       `json:"leaf"`
	LeafIndex int          `json:"leaf_index"`
	Steps     []BundleStep `json:"steps"`
}

// BundleStep is one proof hop in hex form. Right means the sibling is
// the right child, i.e. the running hash is the left child.
type BundleStep struct {
	Sibling string `json:"sibling"`
	Right   bool   `json:"is_right"`
}

// NewBundle builds the portable bundle for a tree.
func NewBundle(t *Tree) (*Bundle, error) {
	proofs, err := t.Proofs()
	if err != nil {
		return nil, err
	}

	b := &Bundle{
		Root:   t.Root().Hex(),
		Empty:  t.Empty(),
		Leaves: make([]string, 0, t.LeafCount()),
		Proofs: make([]BundleProof, 0, len(proofs)),
	}
	for _, leaf := range t.Leaves() {
		b.Leaves = append(b.Leaves, leaf.Hex())
	}
	for _, p := range proofs {
		bp := BundleProof{
			Leaf:      p.Leaf.Hex(),
			LeafIndex: p.LeafIndex,
			Steps:     make([]BundleStep, 0, len(p.Steps)),
		}
		for _, s := range p.Steps {
			bp.Steps = append(bp.Steps, BundleStep{Sibling: s.Sibling.Hex(), Right: s.IsRight})
		}
		b.Proofs = append(b.Proofs, bp)
	}
	return b, nil
}

// Validate re-verifies the whole bundle: shape first, then every proof
// against the declared root. Fail-closed on any malformed field.
func (b *Bundle) Validate() error {
	root, err := parseHash32(b.Root, "root")
	if err != nil {
		return err
	}
	if len(b.Leaves) != len(b.Proofs) {
		return fmt.Errorf("bundle has %d leaves but %d proofs", len(b.Leaves), len(b.Proofs))
	}
	if len(b.Leaves) == 0 {
		if root != ZeroRoot {
			return fmt.Errorf("empty bundle must carry the zero root, got %s", b.Root)
		}
		if !b.Empty {
			return fmt.Errorf("zero-leaf bundle must set the empty flag")
		}
		return nil
	}
	if b.Empty {
		return fmt.Errorf("non-empty bundle carries the empty flag")
	}

	for i, p := range b.Proofs {
		if p.LeafIndex != i {
			return fmt.Errorf("proof %d claims leaf index %d", i, p.LeafIndex)
		}
		if p.Leaf != b.Leaves[i] {
			return fmt.Errorf("proof %d does not prove leaf %d", i, i)
		}
		leaf, err := parseHash32(p.Leaf, fmt.Sprintf("leaf %d", i))
		if err != nil {
			return err
		}
		steps := make([]ProofStep, 0, len(p.Steps))
		for j, s := range p.Steps {
			sib, err := parseHash32(s.Sibling, fmt.Sprintf("proof %d sibling %d", i, j))
			if err != nil {
				return err
			}
			steps = append(steps, ProofStep{Sibling: sib, IsRight: s.Right})
		}
		if !VerifyProof(leaf, steps, root) {
			return fmt.Errorf("proof %d does not reproduce root %s", i, b.Root)
		}
	}
	return nil
}

// parseHash32 decodes a 0x-prefixed 32-byte hex string.
func parseHash32(h string, label string) (common.Hash, error) {
	if !strings.HasPrefix(h, "0x") {
		return common.Hash{}, fmt.Errorf("%s: missing 0x prefix", label)
	}
	raw, err := hex.DecodeString(h[2:])
	if err != nil {
		return common.Hash{}, fmt.Errorf("%s: invalid hex: %w", label, err)
	}
	if len(raw) != 32 {
		return common.Hash{}, fmt.Errorf("%s: must be 32 bytes, got %d", label, len(raw))
	}
	return common.BytesToHash(raw), nil
}

// ToJSON serializes the bundle.
func (b *Bundle) ToJSON() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// BundleFromJSON deserializes a bundle. It does not check its shape;
// call Validate for that.
func BundleFromJSON(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
