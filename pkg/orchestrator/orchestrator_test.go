// Copyright 2025 Certen Protocol
//
// Orchestrator pipeline tests
//
// Everything runs against in-memory backends: factory deployments are
// simulated by installing the runtime code at the predicted address
// when the creation transaction arrives, exactly what the platform's
// deterministic deployment does on a real chain.

package orchestrator_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/certen/manifest-orchestrator/pkg/artifacts"
	"github.com/certen/manifest-orchestrator/pkg/config"
	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
	"github.com/certen/manifest-orchestrator/pkg/dispatcher"
	"github.com/certen/manifest-orchestrator/pkg/ethereum"
	"github.com/certen/manifest-orchestrator/pkg/ethereum/ethtest"
	"github.com/certen/manifest-orchestrator/pkg/manifest"
	"github.com/certen/manifest-orchestrator/pkg/orchestrator"
	"github.com/certen/manifest-orchestrator/pkg/preflight"
	"github.com/certen/manifest-orchestrator/pkg/report"
)

var (
	deployer    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	dispAddr    = common.HexToAddress("0x00000000000000000000000000000000000d15c0")
	factoryCode = []byte{0x60, 0x80, 0x60, 0x40, 0x52, 0x00}
	factoryInit = []byte{0x60, 0x0a, 0x60, 0x00, 0x39, 0x60, 0x0a, 0x60, 0x00, 0xf3}
)

type fixture struct {
	cfg      *config.RunConfig
	store    *artifacts.MemStore
	backends map[string]*ethtest.FakeBackend
	clock    *ethtest.FakeClock
}

func newFixture(t *testing.T, dryRun bool) *fixture {
	t.Helper()

	f := &fixture{
		store:    artifacts.NewMemStore(),
		backends: make(map[string]*ethtest.FakeBackend),
		clock:    ethtest.NewFakeClock(1_700_000_000),
	}
	f.cfg = &config.RunConfig{
		Networks: []config.NetworkConfig{
			{Name: "alphanet", ChainID: 1001, RPCURL: "mem://alphanet", Confirmations: 1, Dispatcher: dispAddr},
			{Name: "betanet", ChainID: 1002, RPCURL: "mem://betanet", Confirmations: 1, Dispatcher: dispAddr},
		},
		FrozenFactorySalt: create2.DefaultFrozenFactorySalt,
		MinBalanceWei:     config.DefaultMinBalanceWei,
		Version:           "1.0.0",
		DryRun:            dryRun,
		Retries:           3,
		RetryBase:         time.Millisecond,
		RetryCap:          10 * time.Millisecond,
		PipelineLimit:     time.Minute,
	}

	for _, net := range f.cfg.Networks {
		backend := ethtest.NewFakeBackend(uint64(net.ChainID), deployer)
		backend.SetBalance(deployer, big.NewInt(1e18))
		backend.Install(dispAddr, ethtest.NewFakeDispatcher(dispatcher.ShapeGetters, 3600, f.clock), []byte{0x60})
		installDeterministicDeploy(backend)
		f.backends[net.Name] = backend
	}
	return f
}

// installDeterministicDeploy makes creation transactions land the
// factory runtime at its CREATE2-predicted address.
func installDeterministicDeploy(backend *ethtest.FakeBackend) {
	backend.SendHook = func(tx ethereum.TxRequest) (*ethereum.Receipt, bool, error) {
		if tx.To != nil {
			return nil, false, nil
		}
		predicted := create2.Create2Address(
			backend.Sender(), create2.DefaultFrozenFactorySalt, create2.InitCodeHash(tx.Data))
		backend.SetCode(predicted, factoryCode)
		return &ethereum.Receipt{
			TxHash:          create2.Keccak256(tx.Data),
			BlockNumber:     10,
			GasUsed:         500_000,
			Success:         true,
			ContractAddress: predicted,
			Timestamp:       time.Now().UTC(),
		}, true, nil
	}
}

func (f *fixture) factory() orchestrator.BackendFactory {
	return func(net config.NetworkConfig) (ethereum.Backend, error) {
		return f.backends[net.Name], nil
	}
}

func (f *fixture) orchestrator() *orchestrator.Orchestrator {
	metrics := orchestrator.NewMetrics(prometheus.NewRegistry())
	return orchestrator.New(f.cfg, f.store, f.factory(), metrics)
}

func (f *fixture) plan(t *testing.T, routes int) *orchestrator.Plan {
	t.Helper()
	plan := &orchestrator.Plan{
		Factory: preflight.FactoryPlan{
			InitCode: factoryInit,
			Salt:     create2.DefaultFrozenFactorySalt,
		},
	}
	if routes > 0 {
		plan.Manifest = buildManifest(t, routes)
	}
	return plan
}

func buildManifest(t *testing.T, routeCount int) *manifest.Manifest {
	t.Helper()

	routes := make([]manifest.Route, routeCount)
	facets := make(map[string]manifest.FacetEntry, routeCount)
	for i := range routes {
		facet := common.BigToAddress(big.NewInt(int64(0xf000 + i)))
		codehash := create2.CodeHash([]byte{byte(i + 1)})
		sel := create2.SelectorOf("route" + string(rune('a'+i)) + "()")
		routes[i] = manifest.Route{Selector: sel, Facet: facet, Codehash: codehash}
		facets[facet.Hex()] = manifest.FacetEntry{Codehash: codehash, Selectors: []create2.Selector{sel}}
	}
	manifest.SortRoutes(routes)

	m := &manifest.Manifest{Version: "1.0.0", TargetEpoch: 1, Facets: facets, Routes: routes}
	tree, err := m.BuildTree()
	require.NoError(t, err)
	m.MerkleRoot = tree.Root()
	return m
}

func TestRun_FullPipelineSuccess(t *testing.T) {
	f := newFixture(t, false)
	rep, err := f.orchestrator().Run(context.Background(), f.plan(t, 3))
	require.NoError(t, err)

	assert.Equal(t, report.StatusSuccess, rep.Status)
	require.Len(t, rep.Networks, 2)
	for _, n := range rep.Networks {
		assert.Equal(t, report.NetworkSuccess, n.Status, "network %s: %+v", n.Network, n.Errors)
		assert.Equal(t, rep.PredictedFactory, n.FactoryAddress)
		assert.Equal(t, dispAddr, n.DispatcherAddress)
		assert.Equal(t, orchestrator.StageSmokeTest, n.StageReached)
	}

	// Both networks agree on the factory address and got an artifact.
	for _, name := range []string{"alphanet", "betanet"} {
		artifact, err := f.store.ReadDeployment(name, orchestrator.FactoryContractName)
		require.NoError(t, err, "artifact for %s", name)
		assert.Equal(t, rep.PredictedFactory, artifact.Address)
		assert.Equal(t, create2.CodeHash(factoryCode), artifact.Codehash)
	}

	// The commitment bundle landed at its canonical path and verifies.
	bundle, err := f.store.ReadMerkleBundle("manifests/current.merkle.json")
	require.NoError(t, err)
	require.NoError(t, bundle.Validate())
	assert.Equal(t, rep.MerkleRoot.Hex(), bundle.Root)

	// A report was written.
	assert.Len(t, f.store.Reports(), 1)
}

func TestRun_DryRunSendsNothingWritesNoArtifacts(t *testing.T) {
	f := newFixture(t, true)
	rep, err := f.orchestrator().Run(context.Background(), f.plan(t, 2))
	require.NoError(t, err)

	assert.Equal(t, report.StatusSuccess, rep.Status)
	assert.True(t, rep.DryRun)

	for name, backend := range f.backends {
		assert.Empty(t, backend.SentTxs, "network %s must see no transactions in dry run", name)
		_, err := f.store.ReadDeployment(name, orchestrator.FactoryContractName)
		assert.Error(t, err, "network %s must get no artifact in dry run", name)
	}

	_, err = f.store.ReadMerkleBundle("manifests/current.merkle.json")
	assert.Error(t, err, "dry run must not write the commitment bundle")

	// The report is still produced.
	assert.Len(t, f.store.Reports(), 1)
}

func TestRun_IdempotentRedeploy(t *testing.T) {
	f := newFixture(t, false)
	o := f.orchestrator()

	rep1, err := o.Run(context.Background(), f.plan(t, 0))
	require.NoError(t, err)
	require.Equal(t, report.StatusSuccess, rep1.Status)

	sent := len(f.backends["alphanet"].SentTxs)

	// Second run with the same salt: no new deployment transaction,
	// the existing address is reported.
	rep2, err := o.Run(context.Background(), f.plan(t, 0))
	require.NoError(t, err)
	assert.Equal(t, report.StatusSuccess, rep2.Status)
	assert.Equal(t, rep1.PredictedFactory, rep2.PredictedFactory)
	assert.Equal(t, sent, len(f.backends["alphanet"].SentTxs), "redeploy must be a no-op")

	var warned bool
	for _, n := range rep2.Networks {
		for _, w := range n.Warnings {
			if w != "" {
				warned = true
			}
		}
	}
	assert.True(t, warned, "idempotent path must surface a warning")
}

func TestRun_ParityAbortSendsNothing(t *testing.T) {
	f := newFixture(t, false)

	// One network's deployer differs: predictions diverge.
	other := ethtest.NewFakeBackend(1002, common.HexToAddress("0x0000000000000000000000000000000000000002"))
	other.SetBalance(other.Sender(), big.NewInt(1e18))
	f.backends["betanet"] = other

	rep, err := f.orchestrator().Run(context.Background(), f.plan(t, 0))

	var abort *orchestrator.PreflightAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, report.StatusAbort, rep.Status)

	for name, backend := range f.backends {
		assert.Empty(t, backend.SentTxs, "network %s must see no transactions after parity abort", name)
	}
}

func TestRun_TransportRetryRecovers(t *testing.T) {
	f := newFixture(t, false)
	f.backends["alphanet"].FailSends = 1 // first send fails, the retry recovers

	rep, err := f.orchestrator().Run(context.Background(), f.plan(t, 0))
	require.NoError(t, err)
	assert.Equal(t, report.StatusSuccess, rep.Status)
}

func TestRun_PartialFailureKeepsOtherNetworkGoing(t *testing.T) {
	f := newFixture(t, false)

	// alphanet's dispatcher answers nothing: its smoke test fails.
	f.backends["alphanet"].Install(dispAddr, brokenContract{}, []byte{0x60})

	rep, err := f.orchestrator().Run(context.Background(), f.plan(t, 0))
	require.NoError(t, err)
	assert.Equal(t, report.StatusPartial, rep.Status)

	byName := map[string]report.NetworkOutcome{}
	for _, n := range rep.Networks {
		byName[n.Network] = n
	}
	assert.Equal(t, report.NetworkFailed, byName["alphanet"].Status)
	assert.NotEmpty(t, byName["alphanet"].Errors)
	assert.Equal(t, report.NetworkSuccess, byName["betanet"].Status)
}

func TestRun_FactoryLandingOffPredictionAbortsRun(t *testing.T) {
	f := newFixture(t, false)

	// betanet's deployment never lands code at the predicted address.
	f.backends["betanet"].SendHook = func(tx ethereum.TxRequest) (*ethereum.Receipt, bool, error) {
		if tx.To != nil {
			return nil, false, nil
		}
		return &ethereum.Receipt{TxHash: create2.Keccak256(tx.Data), BlockNumber: 10, Success: true}, true, nil
	}

	rep, err := f.orchestrator().Run(context.Background(), f.plan(t, 0))

	var mismatch *orchestrator.FactoryAddressMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "betanet", mismatch.Network)
	assert.Equal(t, report.StatusAbort, rep.Status)
}

func TestRun_ManifestPreflightAbort(t *testing.T) {
	f := newFixture(t, false)
	plan := f.plan(t, 3)
	plan.Manifest.MerkleRoot = create2.Keccak256([]byte("forged"))

	rep, err := f.orchestrator().Run(context.Background(), plan)

	var abort *orchestrator.PreflightAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, report.StatusAbort, rep.Status)
}

func TestRun_SmokeTestReadsEpochAndActivation(t *testing.T) {
	f := newFixture(t, false)

	// Stage a root on alphanet's dispatcher before the run so the
	// smoke test observes pending state.
	sim := ethtest.NewFakeDispatcher(dispatcher.ShapeTuple, 3600, f.clock)
	sim.PendingRoot = create2.Keccak256([]byte("staged"))
	sim.PendingEpoch = 1
	sim.Earliest = f.clock.Now() + 3600
	f.backends["alphanet"].Install(dispAddr, sim, []byte{0x60})

	rep, err := f.orchestrator().Run(context.Background(), f.plan(t, 0))
	require.NoError(t, err)

	for _, n := range rep.Networks {
		if n.Network == "alphanet" {
			assert.Equal(t, uint64(0), n.EffectiveEpoch)
			assert.Equal(t, f.clock.Now()+3600, n.ActivationTimestamp)
		}
	}
}

// brokenContract reverts every interaction.
type brokenContract struct{}

func (brokenContract) Call([]byte) ([]byte, error) { return nil, &ethereum.RevertError{} }
func (brokenContract) Exec([]byte) error           { return &ethereum.RevertError{} }
