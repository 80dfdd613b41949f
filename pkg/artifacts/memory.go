// Copyright 2025 Certen Protocol
//
// In-memory artifact store for tests and dry runs

package artifacts

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/certen/manifest-orchestrator/pkg/manifest"
	"github.com/certen/manifest-orchestrator/pkg/merkle"
)

// MemStore is an in-memory Store. It round-trips every document through
// its JSON encoding so tests exercise the same serialization path as
// the disk store.
type MemStore struct {
	mu          sync.RWMutex
	deployments map[string][]byte
	manifests   map[string][]byte
	bundles     map[string][]byte
	reports     map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		deployments: make(map[string][]byte),
		manifests:   make(map[string][]byte),
		bundles:     make(map[string][]byte),
		reports:     make(map[string][]byte),
	}
}

func deploymentKey(network, contract string) string {
	return network + "/" + contract
}

// ReadDeployment loads one deployment artifact.
func (s *MemStore) ReadDeployment(network, contract string) (*DeploymentArtifact, error) {
	s.mu.RLock()
	data, ok := s.deployments[deploymentKey(network, contract)]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Resource: fmt.Sprintf("deployment %s/%s", network, contract)}
	}

	var artifact DeploymentArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, &ParseError{Path: deploymentKey(network, contract), Detail: err}
	}
	return &artifact, nil
}

// WriteDeployment stores one deployment artifact.
func (s *MemStore) WriteDeployment(network, contract string, artifact *DeploymentArtifact) error {
	data, err := json.Marshal(artifact)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.deployments[deploymentKey(network, contract)] = data
	s.mu.Unlock()
	return nil
}

// ReadManifest loads a manifest document.
func (s *MemStore) ReadManifest(path string) (*manifest.Manifest, error) {
	s.mu.RLock()
	data, ok := s.manifests[path]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Resource: fmt.Sprintf("manifest %s", path)}
	}
	m, err := manifest.FromJSON(data)
	if err != nil {
		return nil, &ParseError{Path: path, Detail: err}
	}
	return m, nil
}

// WriteManifest stores a manifest document.
func (s *MemStore) WriteManifest(path string, m *manifest.Manifest) error {
	data, err := m.ToJSON()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.manifests[path] = data
	s.mu.Unlock()
	return nil
}

// ReadMerkleBundle loads a Merkle commitment bundle.
func (s *MemStore) ReadMerkleBundle(path string) (*merkle.Bundle, error) {
	s.mu.RLock()
	data, ok := s.bundles[path]
	s.mu.RUnlock()
	if !ok {
		return nil, &NotFoundError{Resource: fmt.Sprintf("merkle bundle %s", path)}
	}
	b, err := merkle.BundleFromJSON(data)
	if err != nil {
		return nil, &ParseError{Path: path, Detail: err}
	}
	return b, nil
}

// WriteMerkleBundle stores a Merkle commitment bundle.
func (s *MemStore) WriteMerkleBundle(path string, b *merkle.Bundle) error {
	data, err := b.ToJSON()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.bundles[path] = data
	s.mu.Unlock()
	return nil
}

// WriteReport stores a report document.
func (s *MemStore) WriteReport(name string, data []byte) error {
	s.mu.Lock()
	s.reports[name] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

// Reports returns a copy of the written reports keyed by name, for
// assertions in tests.
func (s *MemStore) Reports() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(s.reports))
	for k, v := range s.reports {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
