// Copyright 2025 Certen Protocol
//
// Ordered Merkle Tree for Routing Manifests
//
// This implementation provides:
// - Binary keccak-256 Merkle tree construction over ordered route leaves
// - Inclusion proof generation with per-step sibling position bits
// - Verification of inclusion proofs without the full tree
// - Thread-safe operations for concurrent readers
//
// Two rules here are load-bearing and must match the on-chain verifier
// bit for bit: leaf order is the order given by the caller (the manifest
// imposes the canonical selector-lexicographic order), and an odd node at
// any level is PROMOTED unchanged to the next level, never paired with a
// duplicate of itself.

package merkle

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Common errors
var (
	ErrInvalidLeafHash = errors.New("leaf hash must be 32 bytes")
	ErrDuplicateLeaf   = errors.New("duplicate leaf in route set")
	ErrLeafNotFound    = errors.New("leaf not found in tree")
	ErrNotBuilt        = errors.New("tree not built")
)

// ZeroRoot is the root of a tree with no leaves. Consumers must reject
// it unless they are explicitly in empty-manifest (bootstrap) mode.
var ZeroRoot = common.Hash{}

// ProofStep is one hop of an inclusion proof. IsRight means the supplied
// sibling is the right child at this step, i.e. the running hash is the
// left child.
type ProofStep struct {
	Sibling common.Hash `json:"sibling"`
	IsRight bool        `json:"is_right"`
}

// Proof is a complete inclusion proof for one leaf.
type Proof struct {
	Leaf      common.Hash `json:"leaf"`
	LeafIndex int         `json:"leaf_index"`
	Root      common.Hash `json:"root"`
	Steps     []ProofStep `json:"steps"`
	TreeSize  int         `json:"tree_size"`
}

// Tree is an ordered keccak-256 Merkle tree.
type Tree struct {
	mu     sync.RWMutex
	leaves []common.Hash
	levels [][]common.Hash
	root   common.Hash
	built  bool
}

// BuildTree constructs a tree from ordered 32-byte leaves. A zero-leaf
// tree is valid and has the zero root with Empty() reporting true; a
// repeated leaf fails with ErrDuplicateLeaf.
func BuildTree(leaves []common.Hash) (*Tree, error) {
	seen := make(map[common.Hash]struct{}, len(leaves))
	for i, leaf := range leaves {
		if _, dup := seen[leaf]; dup {
			return nil, fmt.Errorf("%w: leaf %d (%s)", ErrDuplicateLeaf, i, leaf.Hex())
		}
		seen[leaf] = struct{}{}
	}

	tree := &Tree{leaves: append([]common.Hash(nil), leaves...)}
	tree.build()
	return tree, nil
}

// BuildTreeBytes is BuildTree over raw 32-byte slices.
func BuildTreeBytes(leaves [][]byte) (*Tree, error) {
	hs := make([]common.Hash, len(leaves))
	for i, leaf := range leaves {
		if len(leaf) != 32 {
			return nil, fmt.Errorf("%w: leaf %d has %d bytes", ErrInvalidLeafHash, i, len(leaf))
		}
		hs[i] = common.BytesToHash(leaf)
	}
	return BuildTree(hs)
}

// build constructs the levels bottom-up. An odd trailing node is carried
// into the next level unchanged.
func (t *Tree) build() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.leaves) == 0 {
		t.root = ZeroRoot
		t.built = true
		return
	}

	currentLevel := append([]common.Hash(nil), t.leaves...)
	t.levels = append(t.levels, currentLevel)

	for len(currentLevel) > 1 {
		nextLevel := make([]common.Hash, 0, (len(currentLevel)+1)/2)
		for i := 0; i < len(currentLevel); i += 2 {
			if i+1 < len(currentLevel) {
				nextLevel = append(nextLevel, hashPair(currentLevel[i], currentLevel[i+1]))
			} else {
				// Odd node: promote unchanged.
				nextLevel = append(nextLevel, currentLevel[i])
			}
		}
		t.levels = append(t.levels, nextLevel)
		currentLevel = nextLevel
	}

	t.root = currentLevel[0]
	t.built = true
}

// hashPair combines two 32-byte hashes: keccak256(left || right).
func hashPair(left, right common.Hash) common.Hash {
	return crypto.Keccak256Hash(left.Bytes(), right.Bytes())
}

// Root returns the Merkle root. Zero for an empty tree.
func (t *Tree) Root() common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

// Empty reports whether the tree was built over zero leaves.
func (t *Tree) Empty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves) == 0
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.leaves)
}

// Leaves returns a copy of the ordered leaf set.
func (t *Tree) Leaves() []common.Hash {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]common.Hash(nil), t.leaves...)
}

// GenerateProof generates the inclusion proof for the leaf at index.
// Levels where the current node is the promoted odd node contribute no
// step: the node moved up unhashed.
func (t *Tree) GenerateProof(leafIndex int) (*Proof, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.built {
		return nil, ErrNotBuilt
	}
	if leafIndex < 0 || leafIndex >= len(t.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", leafIndex, len(t.leaves))
	}

	proof := &Proof{
		Leaf:      t.leaves[leafIndex],
		LeafIndex: leafIndex,
		Root:      t.root,
		Steps:     make([]ProofStep, 0),
		TreeSize:  len(t.leaves),
	}

	currentIndex := leafIndex
	for level := 0; level < len(t.levels)-1; level++ {
		levelNodes := t.levels[level]

		if currentIndex%2 == 0 {
			siblingIndex := currentIndex + 1
			if siblingIndex < len(levelNodes) {
				// Current is the left child; sibling supplied is the right.
				proof.Steps = append(proof.Steps, ProofStep{
					Sibling: levelNodes[siblingIndex],
					IsRight: true,
				})
			}
			// else: promoted odd node, no step at this level.
		} else {
			proof.Steps = append(proof.Steps, ProofStep{
				Sibling: levelNodes[currentIndex-1],
				IsRight: false,
			})
		}

		currentIndex = currentIndex / 2
	}

	return proof, nil
}

// GenerateProofByLeaf generates an inclusion proof for a leaf value.
func (t *Tree) GenerateProofByLeaf(leaf common.Hash) (*Proof, error) {
	t.mu.RLock()
	foundIndex := -1
	for i, l := range t.leaves {
		if l == leaf {
			foundIndex = i
			break
		}
	}
	t.mu.RUnlock()

	if foundIndex == -1 {
		return nil, ErrLeafNotFound
	}
	return t.GenerateProof(foundIndex)
}

// Proofs generates the proof for every leaf, in leaf order.
func (t *Tree) Proofs() ([]*Proof, error) {
	n := t.LeafCount()
	proofs := make([]*Proof, n)
	for i := 0; i < n; i++ {
		p, err := t.GenerateProof(i)
		if err != nil {
			return nil, err
		}
		proofs[i] = p
	}
	return proofs, nil
}

// VerifyProof verifies a leaf against an expected root without the tree:
//
//	cur = leaf
//	for (sibling, isRight) in steps:
//	    cur = isRight ? keccak256(cur || sibling) : keccak256(sibling || cur)
//	cur == root
//
// Root comparison is constant-time. A zero root verifies nothing.
func VerifyProof(leaf common.Hash, steps []ProofStep, expectedRoot common.Hash) bool {
	if expectedRoot == ZeroRoot {
		return false
	}
	cur := leaf
	for _, step := range steps {
		if step.IsRight {
			cur = hashPair(cur, step.Sibling)
		} else {
			cur = hashPair(step.Sibling, cur)
		}
	}
	return subtle.ConstantTimeCompare(cur.Bytes(), expectedRoot.Bytes()) == 1
}

// VerifyProofBytes is VerifyProof over raw byte slices.
func VerifyProofBytes(leaf []byte, steps []ProofStep, expectedRoot []byte) (bool, error) {
	if len(leaf) != 32 {
		return false, ErrInvalidLeafHash
	}
	if len(expectedRoot) != 32 {
		return false, fmt.Errorf("expected root must be 32 bytes, got %d", len(expectedRoot))
	}
	if bytes.Equal(expectedRoot, ZeroRoot.Bytes()) {
		// A zero root commits to nothing; no leaf is provable against it.
		return false, nil
	}
	return VerifyProof(common.BytesToHash(leaf), steps, common.BytesToHash(expectedRoot)), nil
}
