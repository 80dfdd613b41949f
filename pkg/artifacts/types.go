// Copyright 2025 Certen Protocol
//
// Deployment artifact types

package artifacts

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DeploymentArtifact is the per-(network, contract) deployment record.
// It is written once by the network task that owns it and never mutated
// after being read.
type DeploymentArtifact struct {
	Contract     string         `json:"contract"`
	Network      string         `json:"network"`
	Address      common.Address `json:"address"`
	Codehash     common.Hash    `json:"codehash"`
	Salt         common.Hash    `json:"salt"`
	InitCodeHash common.Hash    `json:"init_code_hash"`
	Deployer     common.Address `json:"deployer"`
	TxHash       common.Hash    `json:"tx_hash"`
	BlockNumber  uint64         `json:"block_number"`
	Timestamp    time.Time      `json:"timestamp"`

	// GasUsed is informational; zero for reused deployments.
	GasUsed uint64 `json:"gas_used,omitempty"`
}

// CrossChainDeployment is one contract's artifacts across all target
// networks plus the parity predicate over its predicted addresses.
type CrossChainDeployment struct {
	Contract  string                         `json:"contract"`
	Artifacts map[string]*DeploymentArtifact `json:"artifacts"`
	Identical bool                           `json:"identical"`
}

// NewCrossChainDeployment derives the parity predicate from a set of
// per-network artifacts: Identical holds iff every artifact collapses to
// exactly one address.
func NewCrossChainDeployment(contract string, artifacts map[string]*DeploymentArtifact) *CrossChainDeployment {
	ccd := &CrossChainDeployment{
		Contract:  contract,
		Artifacts: artifacts,
		Identical: len(artifacts) > 0,
	}
	var first common.Address
	seen := false
	for _, a := range artifacts {
		if !seen {
			first = a.Address
			seen = true
			continue
		}
		if a.Address != first {
			ccd.Identical = false
			break
		}
	}
	return ccd
}
