// Copyright 2025 Certen Protocol
//
// Preflight Checker
//
// Runs the invariant checks that must hold before any cross-chain
// state change. Every check yields a typed result; the aggregate
// passes only if every check passes. Two failures are fatal for the
// whole run rather than one network: address parity divergence and a
// locally irreproducible Merkle proof.

package preflight

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/config"
	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
	"github.com/certen/manifest-orchestrator/pkg/dispatcher"
	"github.com/certen/manifest-orchestrator/pkg/ethereum"
	"github.com/certen/manifest-orchestrator/pkg/manifest"
	"github.com/certen/manifest-orchestrator/pkg/merkle"
)

// proofSampleMax bounds the reproducibility sample per run.
const proofSampleMax = 16

// CheckResult is one check's outcome.
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (r *CheckResult) errf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Passed = false
}

func (r *CheckResult) warnf(format string, args ...interface{}) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Result aggregates all checks of one preflight pass.
type Result struct {
	Passed           bool           `json:"passed"`
	Checks           []CheckResult  `json:"checks"`
	PredictedFactory common.Address `json:"predicted_factory"`
}

func (r *Result) add(c CheckResult) {
	r.Checks = append(r.Checks, c)
	if !c.Passed {
		r.Passed = false
	}
}

// FactoryPlan is the compile-time knowledge about the factory being
// deployed: its init code and the expected runtime codehash.
type FactoryPlan struct {
	InitCode        []byte
	Salt            common.Hash
	RuntimeCodehash common.Hash
}

// InitCodeHash returns keccak256 of the plan's init code.
func (p *FactoryPlan) InitCodeHash() common.Hash {
	return create2.InitCodeHash(p.InitCode)
}

// Options select which checks run.
type Options struct {
	// ParityOnly runs connectivity, parity and bytecode checks but
	// skips the manifest-dependent ones (pre-deploy stage).
	ParityOnly bool
}

// Checker runs preflight over a set of connected networks.
type Checker struct {
	cfg      *config.RunConfig
	backends map[string]ethereum.Backend
	drivers  map[string]*dispatcher.Driver
}

// New creates a checker over per-network backends.
func New(cfg *config.RunConfig, backends map[string]ethereum.Backend) *Checker {
	drivers := make(map[string]*dispatcher.Driver, len(backends))
	for name, backend := range backends {
		drivers[name] = dispatcher.New(backend)
	}
	return &Checker{cfg: cfg, backends: backends, drivers: drivers}
}

// Run executes the preflight pass. The returned error is non-nil only
// for run-fatal conditions (AddressParity, ProofFailed); per-network
// problems land in the Result as check errors.
func (c *Checker) Run(ctx context.Context, plan *FactoryPlan, m *manifest.Manifest, opts Options) (*Result, error) {
	result := &Result{Passed: true}

	result.add(c.checkConnectivity(ctx))

	parity, predicted, err := c.checkFactoryParity(ctx, plan)
	result.add(parity)
	if err != nil {
		return result, err
	}
	result.PredictedFactory = predicted

	result.add(c.checkBytecode(ctx, plan, predicted))
	result.add(c.checkPreExisting(ctx, predicted))

	if opts.ParityOnly {
		return result, nil
	}

	if m != nil {
		proofs, err := c.checkProofReproducibility(m)
		result.add(proofs)
		if err != nil {
			return result, err
		}
		result.add(c.checkEpochMonotonicity(ctx, m))
	}

	return result, nil
}

// checkConnectivity verifies each network answers with the configured
// chain id and that the deployer can pay for the run.
func (c *Checker) checkConnectivity(ctx context.Context) CheckResult {
	check := CheckResult{Name: "connectivity", Passed: true}

	for _, net := range c.cfg.Networks {
		backend, ok := c.backends[net.Name]
		if !ok {
			check.errf("%s: no backend connected", net.Name)
			continue
		}

		chainID, err := backend.ChainID(ctx)
		if err != nil {
			check.errf("%s: chain id: %v", net.Name, err)
			continue
		}
		if int64(chainID) != net.ChainID {
			check.errf("%s: endpoint reports chain id %d, configured %d", net.Name, chainID, net.ChainID)
			continue
		}

		balance, err := backend.GetBalance(ctx, backend.Sender())
		if err != nil {
			check.errf("%s: balance: %v", net.Name, err)
			continue
		}
		if balance.Cmp(c.cfg.MinBalanceWei) < 0 {
			check.errf("%s: deployer %s balance %s wei is under the %s wei floor",
				net.Name, backend.Sender().Hex(), balance, c.cfg.MinBalanceWei)
		}
	}

	return check
}

// checkFactoryParity predicts the factory address on every network and
// requires all predictions to collapse to exactly one value.
func (c *Checker) checkFactoryParity(ctx context.Context, plan *FactoryPlan) (CheckResult, common.Address, error) {
	check := CheckResult{Name: "factory_parity", Passed: true}

	predictions := make(map[string]common.Address, len(c.cfg.Networks))
	distinct := make(map[common.Address]bool)
	for _, net := range c.cfg.Networks {
		backend, ok := c.backends[net.Name]
		if !ok {
			continue
		}
		addr := create2.Create2Address(backend.Sender(), plan.Salt, plan.InitCodeHash())
		predictions[net.Name] = addr
		distinct[addr] = true
	}

	if len(distinct) > 1 {
		err := &AddressParityError{Predictions: predictions}
		check.errf("%v", err)
		return check, common.Address{}, err
	}

	var predicted common.Address
	for addr := range distinct {
		predicted = addr
	}
	return check, predicted, nil
}

// checkBytecode validates the init code bound and, when code already
// exists at the predicted address, that its hash matches the
// compile-time artifact.
func (c *Checker) checkBytecode(ctx context.Context, plan *FactoryPlan, predicted common.Address) CheckResult {
	check := CheckResult{Name: "bytecode", Passed: true}

	if len(plan.InitCode) == 0 {
		check.errf("factory init code is empty")
		return check
	}
	if len(plan.InitCode) > create2.MaxContractSize {
		check.errf("factory init code is %d bytes, limit is %d", len(plan.InitCode), create2.MaxContractSize)
	}

	if plan.RuntimeCodehash == (common.Hash{}) {
		return check
	}
	for _, net := range c.cfg.Networks {
		backend, ok := c.backends[net.Name]
		if !ok {
			continue
		}
		onchain, err := backend.GetCodeHash(ctx, predicted)
		if err != nil {
			check.errf("%s: codehash at %s: %v", net.Name, predicted.Hex(), err)
			continue
		}
		if onchain != (common.Hash{}) && onchain != plan.RuntimeCodehash {
			check.errf("%s: code at %s hashes to %s, artifact says %s",
				net.Name, predicted.Hex(), onchain.Hex(), plan.RuntimeCodehash.Hex())
		}
	}
	return check
}

// checkPreExisting flags networks where the factory already exists.
// A warning, never an error: redeploys are idempotent.
func (c *Checker) checkPreExisting(ctx context.Context, predicted common.Address) CheckResult {
	check := CheckResult{Name: "pre_existing", Passed: true}

	for _, net := range c.cfg.Networks {
		backend, ok := c.backends[net.Name]
		if !ok {
			continue
		}
		code, err := backend.GetCode(ctx, predicted)
		if err != nil {
			check.errf("%s: code at %s: %v", net.Name, predicted.Hex(), err)
			continue
		}
		if len(code) > 0 {
			check.warnf("%s: factory already deployed at %s; deploy will be a no-op", net.Name, predicted.Hex())
		}
	}
	return check
}

// checkProofReproducibility rebuilds the tree and verifies a sample of
// k = min(16, |routes|) route proofs locally.
func (c *Checker) checkProofReproducibility(m *manifest.Manifest) (CheckResult, error) {
	check := CheckResult{Name: "proof_reproducibility", Passed: true}

	if len(m.Routes) == 0 {
		if m.MerkleRoot != merkle.ZeroRoot {
			check.errf("empty manifest carries non-zero root %s", m.MerkleRoot.Hex())
		}
		return check, nil
	}

	tree, err := m.BuildTree()
	if err != nil {
		check.errf("rebuilding tree: %v", err)
		return check, nil
	}
	if tree.Root() != m.MerkleRoot {
		err := &ProofFailedError{RouteIndex: -1, ExpectedRoot: m.MerkleRoot, Got: tree.Root()}
		check.errf("%v", err)
		return check, err
	}

	k := len(m.Routes)
	if k > proofSampleMax {
		k = proofSampleMax
	}
	for _, idx := range rand.Perm(len(m.Routes))[:k] {
		proof, err := tree.GenerateProof(idx)
		if err != nil {
			check.errf("generating proof %d: %v", idx, err)
			continue
		}
		if !merkle.VerifyProof(m.Routes[idx].Leaf(), proof.Steps, m.MerkleRoot) {
			err := &ProofFailedError{
				RouteIndex:   idx,
				ExpectedRoot: m.MerkleRoot,
				Got:          m.Routes[idx].Leaf(),
			}
			check.errf("%v", err)
			return check, err
		}
	}
	return check, nil
}

// checkEpochMonotonicity requires the manifest's target epoch to be
// exactly activeEpoch+1 on every network with a dispatcher.
func (c *Checker) checkEpochMonotonicity(ctx context.Context, m *manifest.Manifest) CheckResult {
	check := CheckResult{Name: "epoch_monotonicity", Passed: true}

	for _, net := range c.cfg.Networks {
		if net.Dispatcher == (common.Address{}) {
			check.warnf("%s: no dispatcher configured, epoch not checked", net.Name)
			continue
		}
		driver, ok := c.drivers[net.Name]
		if !ok {
			continue
		}
		_, activeEpoch, err := driver.ReadActive(ctx, net.Dispatcher)
		if err != nil {
			check.errf("%s: reading active epoch: %v", net.Name, err)
			continue
		}
		if m.TargetEpoch != activeEpoch+1 {
			check.errf("%s: manifest targets epoch %d but dispatcher expects %d",
				net.Name, m.TargetEpoch, activeEpoch+1)
		}
	}
	return check
}
