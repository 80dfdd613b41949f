// Copyright 2025 Certen Protocol
//
// Flat-File Artifact Store
//
// The on-disk contract every other component depends on:
//
//	deployments/<network>/<ContractName>.json
//	manifests/current.manifest.json
//	manifests/current.merkle.json
//	reports/orchestration-<timestamp>.json
//
// Writes are atomic at the granularity of one file: the document is
// written to a temp file in the destination directory and renamed into
// place while holding an exclusive flock on the destination path.
// Readers take no lock. The store never mutates a file it has read.

package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/certen/manifest-orchestrator/pkg/manifest"
	"github.com/certen/manifest-orchestrator/pkg/merkle"
)

// Store is the persistence boundary of the engine. Everything the core
// reads or writes flows through here, so the same pipeline is drivable
// against MemStore in tests.
type Store interface {
	ReadDeployment(network, contract string) (*DeploymentArtifact, error)
	WriteDeployment(network, contract string, artifact *DeploymentArtifact) error
	ReadManifest(path string) (*manifest.Manifest, error)
	WriteManifest(path string, m *manifest.Manifest) error
	ReadMerkleBundle(path string) (*merkle.Bundle, error)
	WriteMerkleBundle(path string, b *merkle.Bundle) error
	WriteReport(name string, data []byte) error
}

// DiskStore implements Store rooted at a base directory.
type DiskStore struct {
	base string
}

// NewDiskStore creates a store rooted at base.
func NewDiskStore(base string) *DiskStore {
	return &DiskStore{base: base}
}

func (s *DiskStore) deploymentPath(network, contract string) string {
	return filepath.Join(s.base, "deployments", network, contract+".json")
}

// ReadDeployment loads one deployment artifact.
func (s *DiskStore) ReadDeployment(network, contract string) (*DeploymentArtifact, error) {
	path := s.deploymentPath(network, contract)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Resource: fmt.Sprintf("deployment %s/%s", network, contract)}
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var artifact DeploymentArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, &ParseError{Path: path, Detail: err}
	}
	return &artifact, nil
}

// WriteDeployment writes one deployment artifact atomically.
func (s *DiskStore) WriteDeployment(network, contract string, artifact *DeploymentArtifact) error {
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding deployment %s/%s: %w", network, contract, err)
	}
	return s.writeAtomic(s.deploymentPath(network, contract), data)
}

// ReadManifest loads and shape-checks a manifest document.
func (s *DiskStore) ReadManifest(path string) (*manifest.Manifest, error) {
	full := s.resolve(path)
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Resource: fmt.Sprintf("manifest %s", path)}
		}
		return nil, fmt.Errorf("reading %s: %w", full, err)
	}

	m, err := manifest.FromJSON(data)
	if err != nil {
		return nil, &ParseError{Path: full, Detail: err}
	}
	return m, nil
}

// WriteManifest writes a manifest document atomically.
func (s *DiskStore) WriteManifest(path string, m *manifest.Manifest) error {
	data, err := m.ToJSON()
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return s.writeAtomic(s.resolve(path), data)
}

// ReadMerkleBundle loads a Merkle commitment bundle.
func (s *DiskStore) ReadMerkleBundle(path string) (*merkle.Bundle, error) {
	full := s.resolve(path)
	data, err := os.ReadFile(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Resource: fmt.Sprintf("merkle bundle %s", path)}
		}
		return nil, fmt.Errorf("reading %s: %w", full, err)
	}

	b, err := merkle.BundleFromJSON(data)
	if err != nil {
		return nil, &ParseError{Path: full, Detail: err}
	}
	return b, nil
}

// WriteMerkleBundle writes a Merkle commitment bundle atomically.
func (s *DiskStore) WriteMerkleBundle(path string, b *merkle.Bundle) error {
	data, err := b.ToJSON()
	if err != nil {
		return fmt.Errorf("encoding merkle bundle: %w", err)
	}
	return s.writeAtomic(s.resolve(path), data)
}

// WriteReport writes an orchestration report under reports/.
func (s *DiskStore) WriteReport(name string, data []byte) error {
	return s.writeAtomic(filepath.Join(s.base, "reports", name), data)
}

// resolve anchors a relative layout path at the store base; absolute
// paths pass through for operator-supplied --manifest locations.
func (s *DiskStore) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(s.base, path)
}

// writeAtomic writes data to path via temp-file-then-rename, holding an
// exclusive flock on the destination for the rename window.
func (s *DiskStore) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(context.Background(), 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("could not acquire write lock on %s", path)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(lock.Path())
	}()

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
