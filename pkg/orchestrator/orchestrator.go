// Copyright 2025 Certen Protocol
//
// Cross-Chain Orchestrator
//
// Composes the preflight checker, address kernel, chain clients,
// manifest authority and dispatcher driver into the full pipeline:
//
//	preflight -> factory deploy -> manifest preflight
//	          -> dispatcher deploy -> smoke test -> finalize
//
// Fan-out is parallel across networks, strictly sequential within one.
// A stage failure stops that network's task; the other networks keep
// going and the report collects every outcome. These conditions abort
// the whole run instead: a network that cannot be connected, any failed
// pre-deploy or manifest preflight check (address-parity divergence
// among them, caught before any state change), a deployed factory
// landing off its predicted address, and a failure to write the merkle
// bundle.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/artifacts"
	"github.com/certen/manifest-orchestrator/pkg/config"
	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
	"github.com/certen/manifest-orchestrator/pkg/dispatcher"
	"github.com/certen/manifest-orchestrator/pkg/ethereum"
	"github.com/certen/manifest-orchestrator/pkg/manifest"
	"github.com/certen/manifest-orchestrator/pkg/merkle"
	"github.com/certen/manifest-orchestrator/pkg/preflight"
	"github.com/certen/manifest-orchestrator/pkg/report"
)

// Contract names under which artifacts are stored.
const (
	FactoryContractName    = "DeterministicFactory"
	DispatcherContractName = "RouteDispatcher"
)

// Pipeline stage names, in order.
const (
	StageFactoryDeploy    = "factory_deploy"
	StageDispatcherDeploy = "dispatcher_deploy"
	StageSmokeTest        = "smoke_test"
)

// PreflightAbortError marks a run stopped by preflight before any
// state change. The CLI maps it to its own exit code.
type PreflightAbortError struct {
	Cause error
}

func (e *PreflightAbortError) Error() string {
	return fmt.Sprintf("preflight abort: %v", e.Cause)
}

func (e *PreflightAbortError) Unwrap() error {
	return e.Cause
}

// FactoryAddressMismatchError reports a deployed factory that did not
// land on the cross-chain predicted address. Aborts the run.
type FactoryAddressMismatchError struct {
	Network   string
	Predicted common.Address
}

func (e *FactoryAddressMismatchError) Error() string {
	return fmt.Sprintf("network %s: factory did not land at predicted address %s",
		e.Network, e.Predicted.Hex())
}

// DispatcherPlan describes an optional dispatcher deployment.
type DispatcherPlan struct {
	InitCode        []byte
	Salt            common.Hash
	RuntimeCodehash common.Hash
}

// Plan is everything one run deploys and installs.
type Plan struct {
	Factory preflight.FactoryPlan

	// Dispatcher is nil when the run reuses existing dispatchers from
	// configuration or artifacts.
	Dispatcher *DispatcherPlan

	// Manifest may be nil for factory-only runs.
	Manifest *manifest.Manifest
}

// BackendFactory connects one network. The orchestrator owns when and
// how often it is called; tests hand back fakes.
type BackendFactory func(net config.NetworkConfig) (ethereum.Backend, error)

// Orchestrator is the top-level pipeline.
type Orchestrator struct {
	cfg        *config.RunConfig
	store      artifacts.Store
	newBackend BackendFactory
	metrics    *Metrics
}

// New creates an orchestrator.
func New(cfg *config.RunConfig, store artifacts.Store, newBackend BackendFactory, metrics *Metrics) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: store, newBackend: newBackend, metrics: metrics}
}

// Run executes the pipeline. The report is always produced and written,
// abort or not; the returned error describes run-fatal conditions.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (*report.Report, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PipelineLimit)
	defer cancel()

	rep := report.New(o.cfg.Version, o.cfg.DryRun)
	log.Printf("🚀 orchestration run %s over %d network(s) (dry_run=%v)",
		rep.RunID, len(o.cfg.Networks), o.cfg.DryRun)

	backends, err := o.connect()
	if err != nil {
		rep.Abort(err)
		o.finish(rep)
		return rep, err
	}

	checker := preflight.New(o.cfg, backends)

	// Stage 1: pre-deploy invariants, parity only.
	pre, err := checker.Run(ctx, &plan.Factory, nil, preflight.Options{ParityOnly: true})
	rep.Preflight = pre
	if err != nil || !pre.Passed {
		if err == nil {
			err = fmt.Errorf("pre-deploy checks failed")
		}
		abort := &PreflightAbortError{Cause: err}
		rep.Abort(abort)
		o.finish(rep)
		return rep, abort
	}
	rep.PredictedFactory = pre.PredictedFactory

	// Stage 2: factory deployment, fan-out. A factory landing off the
	// predicted address on any network aborts the run before manifest
	// or dispatcher work starts.
	var mismatchMu sync.Mutex
	var mismatch error
	outcomes := o.fanOut(ctx, func(ctx context.Context, net config.NetworkConfig, outcome *report.NetworkOutcome) {
		err := o.deployFactory(ctx, net, backends[net.Name], &plan.Factory, pre.PredictedFactory, outcome)
		var fm *FactoryAddressMismatchError
		if errors.As(err, &fm) {
			mismatchMu.Lock()
			if mismatch == nil {
				mismatch = fm
			}
			mismatchMu.Unlock()
		}
	})
	if mismatch != nil {
		rep.Networks = outcomes
		rep.Abort(mismatch)
		o.finish(rep)
		return rep, mismatch
	}

	// Stage 3: manifest preflight, full.
	if plan.Manifest != nil {
		full, err := checker.Run(ctx, &plan.Factory, plan.Manifest, preflight.Options{})
		rep.Preflight = mergePreflight(pre, full)
		if err != nil || !full.Passed {
			if err == nil {
				err = fmt.Errorf("manifest preflight checks failed")
			}
			abort := &PreflightAbortError{Cause: err}
			rep.Networks = outcomes
			rep.Abort(abort)
			o.finish(rep)
			return rep, abort
		}
		rep.MerkleRoot = plan.Manifest.MerkleRoot

		// Persist the commitment bundle the dispatcher work will be
		// driven from. Elided in dry runs like every artifact write.
		if !o.cfg.DryRun {
			if err := o.writeMerkleBundle(plan.Manifest); err != nil {
				rep.Networks = outcomes
				rep.Abort(err)
				o.finish(rep)
				return rep, err
			}
		}
	}

	// Stages 4 and 5: dispatcher deployment and smoke tests, fan-out.
	outcomeIndex := make(map[string]*report.NetworkOutcome, len(outcomes))
	for i := range outcomes {
		outcomeIndex[outcomes[i].Network] = &outcomes[i]
	}
	o.fanOutInto(ctx, outcomeIndex, func(ctx context.Context, net config.NetworkConfig, outcome *report.NetworkOutcome) {
		if outcome.Status != report.NetworkSuccess {
			return
		}
		dispatcherAddr := o.resolveDispatcher(ctx, net, plan, backends[net.Name], outcome)
		if outcome.Status != report.NetworkSuccess {
			return
		}
		o.smokeTest(ctx, net, backends[net.Name], dispatcherAddr, outcome)
	})

	rep.Networks = outcomes
	rep.Finalize()
	o.finish(rep)
	return rep, nil
}

// connect dials every target network once.
func (o *Orchestrator) connect() (map[string]ethereum.Backend, error) {
	backends := make(map[string]ethereum.Backend, len(o.cfg.Networks))
	for _, net := range o.cfg.Networks {
		backend, err := o.newBackend(net)
		if err != nil {
			return nil, fmt.Errorf("connecting %s: %w", net.Name, err)
		}
		backends[net.Name] = backend
	}
	return backends, nil
}

// fanOut runs fn concurrently per network and returns outcomes in
// configuration order. Cancelled contexts stop new work from starting.
func (o *Orchestrator) fanOut(ctx context.Context, fn func(context.Context, config.NetworkConfig, *report.NetworkOutcome)) []report.NetworkOutcome {
	outcomes := make([]report.NetworkOutcome, len(o.cfg.Networks))
	var wg sync.WaitGroup

	for i, net := range o.cfg.Networks {
		outcomes[i] = report.NetworkOutcome{
			Network:  net.Name,
			Status:   report.NetworkSuccess,
			TxHashes: make(map[string]string),
		}
		if ctx.Err() != nil {
			outcomes[i].Status = report.NetworkSkipped
			outcomes[i].AddError("spawn", &ethereum.TransportError{Err: ctx.Err()})
			continue
		}

		wg.Add(1)
		go func(i int, net config.NetworkConfig) {
			defer wg.Done()
			fn(ctx, net, &outcomes[i])
		}(i, net)
	}

	wg.Wait()
	return outcomes
}

// fanOutInto is fanOut over pre-existing outcomes.
func (o *Orchestrator) fanOutInto(ctx context.Context, outcomes map[string]*report.NetworkOutcome, fn func(context.Context, config.NetworkConfig, *report.NetworkOutcome)) {
	var wg sync.WaitGroup
	for _, net := range o.cfg.Networks {
		outcome := outcomes[net.Name]
		if outcome == nil || ctx.Err() != nil {
			continue
		}
		wg.Add(1)
		go func(net config.NetworkConfig, outcome *report.NetworkOutcome) {
			defer wg.Done()
			fn(ctx, net, outcome)
		}(net, outcome)
	}
	wg.Wait()
}

// stage wraps one pipeline stage with metrics and outcome accounting.
func (o *Orchestrator) stage(net, name string, outcome *report.NetworkOutcome, fn func() error) error {
	start := time.Now()
	o.metrics.StagesTotal.WithLabelValues(net, name).Inc()

	err := fn()
	o.metrics.StageDuration.WithLabelValues(net, name).Observe(time.Since(start).Seconds())
	outcome.StageReached = name
	if err != nil {
		o.metrics.StageFailures.WithLabelValues(net, name, report.Classify(err)).Inc()
		outcome.AddError(name, err)
		outcome.Status = report.NetworkFailed
	}
	return err
}

// retry wraps an operation in the run's transport-retry policy.
func (o *Orchestrator) retry(ctx context.Context, network string, op func() error) error {
	return withRetry(ctx, o.cfg.Retries, o.cfg.RetryBase, o.cfg.RetryCap, func() {
		o.metrics.RetriesTotal.WithLabelValues(network).Inc()
	}, op)
}

// deployFactory deploys (or reuses) the factory on one network.
func (o *Orchestrator) deployFactory(ctx context.Context, net config.NetworkConfig, backend ethereum.Backend, plan *preflight.FactoryPlan, predicted common.Address, outcome *report.NetworkOutcome) error {
	return o.stage(net.Name, StageFactoryDeploy, outcome, func() error {
		var existing []byte
		if err := o.retry(ctx, net.Name, func() error {
			var err error
			existing, err = backend.GetCode(ctx, predicted)
			return err
		}); err != nil {
			return err
		}

		if len(existing) > 0 {
			// Idempotent path: same salt, already deployed.
			outcome.FactoryAddress = predicted
			outcome.Warnings = append(outcome.Warnings,
				fmt.Sprintf("factory already at %s; deploy skipped", predicted.Hex()))
			o.metrics.DeploysTotal.WithLabelValues(net.Name, FactoryContractName, "reused").Inc()
			if !o.cfg.DryRun {
				return o.ensureFactoryArtifact(net, backend, plan, predicted, create2.CodeHash(existing), nil)
			}
			return nil
		}

		if o.cfg.DryRun {
			outcome.FactoryAddress = predicted
			o.metrics.DeploysTotal.WithLabelValues(net.Name, FactoryContractName, "dry_run").Inc()
			return nil
		}

		var receipt *ethereum.Receipt
		if err := o.retry(ctx, net.Name, func() error {
			var err error
			receipt, err = backend.SendAndWait(ctx, ethereum.TxRequest{Data: plan.InitCode}, net.Confirmations)
			return err
		}); err != nil {
			o.metrics.DeploysTotal.WithLabelValues(net.Name, FactoryContractName, "failed").Inc()
			return err
		}
		outcome.TxHashes[StageFactoryDeploy] = receipt.TxHash.Hex()

		// The deployment must land on the cross-chain predicted
		// address; anything else aborts the entire run upstream.
		var code []byte
		if err := o.retry(ctx, net.Name, func() error {
			var err error
			code, err = backend.GetCode(ctx, predicted)
			return err
		}); err != nil {
			return err
		}
		if len(code) == 0 {
			o.metrics.DeploysTotal.WithLabelValues(net.Name, FactoryContractName, "mismatch").Inc()
			return &FactoryAddressMismatchError{Network: net.Name, Predicted: predicted}
		}

		outcome.FactoryAddress = predicted
		o.metrics.DeploysTotal.WithLabelValues(net.Name, FactoryContractName, "deployed").Inc()
		log.Printf("✅ %s: factory deployed at %s (tx %s)", net.Name, predicted.Hex(), receipt.TxHash.Hex())
		return o.ensureFactoryArtifact(net, backend, plan, predicted, create2.CodeHash(code), receipt)
	})
}

// ensureFactoryArtifact writes the deployment record, preserving an
// existing artifact on the idempotent path.
func (o *Orchestrator) ensureFactoryArtifact(net config.NetworkConfig, backend ethereum.Backend, plan *preflight.FactoryPlan, addr common.Address, codehash common.Hash, receipt *ethereum.Receipt) error {
	if receipt == nil {
		if _, err := o.store.ReadDeployment(net.Name, FactoryContractName); err == nil {
			return nil
		} else if !errors.Is(err, artifacts.ErrNotFound) {
			return err
		}
	}

	artifact := &artifacts.DeploymentArtifact{
		Contract:     FactoryContractName,
		Network:      net.Name,
		Address:      addr,
		Codehash:     codehash,
		Salt:         plan.Salt,
		InitCodeHash: plan.InitCodeHash(),
		Deployer:     backend.Sender(),
		Timestamp:    time.Now().UTC(),
	}
	if receipt != nil {
		artifact.TxHash = receipt.TxHash
		artifact.BlockNumber = receipt.BlockNumber
		artifact.GasUsed = receipt.GasUsed
	}
	return o.store.WriteDeployment(net.Name, FactoryContractName, artifact)
}

// writeMerkleBundle emits manifests/current.merkle.json: the root, the
// ordered leaves and one proof per route.
func (o *Orchestrator) writeMerkleBundle(m *manifest.Manifest) error {
	tree, err := m.BuildTree()
	if err != nil {
		return err
	}
	bundle, err := merkle.NewBundle(tree)
	if err != nil {
		return err
	}
	return o.store.WriteMerkleBundle("manifests/current.merkle.json", bundle)
}

// mergePreflight combines the parity-only pass with the full pass so
// the report shows every check that ran.
func mergePreflight(first, second *preflight.Result) *preflight.Result {
	merged := &preflight.Result{
		Passed:           first.Passed && second.Passed,
		PredictedFactory: first.PredictedFactory,
	}
	merged.Checks = append(merged.Checks, first.Checks...)
	merged.Checks = append(merged.Checks, second.Checks...)
	return merged
}

// resolveDispatcher deploys the dispatcher when the plan carries one,
// otherwise resolves it from configuration or a prior artifact.
// Returns the zero address when the network has no dispatcher at all.
func (o *Orchestrator) resolveDispatcher(ctx context.Context, net config.NetworkConfig, plan *Plan, backend ethereum.Backend, outcome *report.NetworkOutcome) common.Address {
	var addr common.Address

	_ = o.stage(net.Name, StageDispatcherDeploy, outcome, func() error {
		if plan.Dispatcher != nil {
			predicted := create2.Create2Address(backend.Sender(), plan.Dispatcher.Salt,
				create2.InitCodeHash(plan.Dispatcher.InitCode))

			var existing []byte
			if err := o.retry(ctx, net.Name, func() error {
				var err error
				existing, err = backend.GetCode(ctx, predicted)
				return err
			}); err != nil {
				return err
			}

			if len(existing) == 0 && !o.cfg.DryRun {
				var receipt *ethereum.Receipt
				if err := o.retry(ctx, net.Name, func() error {
					var err error
					receipt, err = backend.SendAndWait(ctx, ethereum.TxRequest{Data: plan.Dispatcher.InitCode}, net.Confirmations)
					return err
				}); err != nil {
					o.metrics.DeploysTotal.WithLabelValues(net.Name, DispatcherContractName, "failed").Inc()
					return err
				}
				outcome.TxHashes[StageDispatcherDeploy] = receipt.TxHash.Hex()
				o.metrics.DeploysTotal.WithLabelValues(net.Name, DispatcherContractName, "deployed").Inc()
				if o.cfg.DeployPaused {
					outcome.Warnings = append(outcome.Warnings, "dispatcher deployed paused")
				}

				code, err := backend.GetCode(ctx, predicted)
				if err != nil {
					return err
				}
				if err := o.store.WriteDeployment(net.Name, DispatcherContractName, &artifacts.DeploymentArtifact{
					Contract:     DispatcherContractName,
					Network:      net.Name,
					Address:      predicted,
					Codehash:     create2.CodeHash(code),
					Salt:         plan.Dispatcher.Salt,
					InitCodeHash: create2.InitCodeHash(plan.Dispatcher.InitCode),
					Deployer:     backend.Sender(),
					TxHash:       receipt.TxHash,
					BlockNumber:  receipt.BlockNumber,
					GasUsed:      receipt.GasUsed,
					Timestamp:    time.Now().UTC(),
				}); err != nil {
					return err
				}
			} else if len(existing) > 0 {
				outcome.Warnings = append(outcome.Warnings,
					fmt.Sprintf("dispatcher already at %s; deploy skipped", predicted.Hex()))
				o.metrics.DeploysTotal.WithLabelValues(net.Name, DispatcherContractName, "reused").Inc()
			}
			addr = predicted
			outcome.DispatcherAddress = predicted
			return nil
		}

		if net.Dispatcher != (common.Address{}) {
			addr = net.Dispatcher
			outcome.DispatcherAddress = addr
			return nil
		}
		if artifact, err := o.store.ReadDeployment(net.Name, DispatcherContractName); err == nil {
			addr = artifact.Address
			outcome.DispatcherAddress = addr
			return nil
		} else if !errors.Is(err, artifacts.ErrNotFound) {
			return err
		}

		outcome.Warnings = append(outcome.Warnings, "no dispatcher configured; staging stages skipped")
		return nil
	})

	return addr
}

// smokeTest reads back what was deployed: factory codehash against the
// artifact, owner() on the factory, paused() plus the staged state on
// the dispatcher.
func (o *Orchestrator) smokeTest(ctx context.Context, net config.NetworkConfig, backend ethereum.Backend, dispatcherAddr common.Address, outcome *report.NetworkOutcome) {
	_ = o.stage(net.Name, StageSmokeTest, outcome, func() error {
		if outcome.FactoryAddress != (common.Address{}) && !o.cfg.DryRun {
			artifact, err := o.store.ReadDeployment(net.Name, FactoryContractName)
			if err != nil {
				return err
			}
			var onchain common.Hash
			if err := o.retry(ctx, net.Name, func() error {
				var err error
				onchain, err = backend.GetCodeHash(ctx, artifact.Address)
				return err
			}); err != nil {
				return err
			}
			if onchain != artifact.Codehash {
				return &manifest.CodehashMismatchError{
					Facet:    artifact.Address,
					Expected: artifact.Codehash,
					Actual:   onchain,
				}
			}

			// owner() is advisory: not every factory build exposes it.
			ownerData := create2.SelectorOf("owner()").Bytes()
			if _, err := backend.Call(ctx, artifact.Address, ownerData); err != nil {
				if ethereum.IsTransport(err) {
					return err
				}
				outcome.Warnings = append(outcome.Warnings, "factory does not answer owner()")
			}
		}

		if dispatcherAddr != (common.Address{}) {
			driver := dispatcher.New(backend)
			paused, err := driver.Paused(ctx, dispatcherAddr)
			if err != nil {
				return err
			}
			if paused {
				outcome.Warnings = append(outcome.Warnings, "dispatcher is paused")
			}

			_, activeEpoch, err := driver.ReadActive(ctx, dispatcherAddr)
			if err != nil {
				return err
			}
			outcome.EffectiveEpoch = activeEpoch

			staged, err := driver.ReadPending(ctx, dispatcherAddr)
			if err != nil {
				return err
			}
			if staged.HasPending() {
				outcome.ActivationTimestamp = staged.EarliestActivation
			}
		}

		return nil
	})
}

// finish derives metrics and writes the report; report writing happens
// in every run mode, dry runs included.
func (o *Orchestrator) finish(rep *report.Report) {
	if rep.FinishedAt.IsZero() {
		rep.Finalize()
	}
	o.metrics.RunsTotal.WithLabelValues(rep.Status).Inc()

	name, err := rep.Write(o.store)
	if err != nil {
		log.Printf("⚠️ failed to write orchestration report: %v", err)
		return
	}
	log.Printf("📋 orchestration report written: %s (status %s)", name, rep.Status)
}
