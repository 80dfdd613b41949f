// Copyright 2025 Certen Protocol
//
// Deployment orchestrator CLI
//
// Subcommands:
//
//	orchestrate  --networks n1,n2,... [--manifest PATH] [--dry-run] [--paused]
//	commit       --network NAME --dispatcher ADDR --manifest PATH
//	activate     --network NAME --dispatcher ADDR
//	verify       --network NAME
//
// Exit codes: 0 success, 1 any per-network failure, 2 preflight abort,
// 3 activation attempted before the delay elapsed.

package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/certen/manifest-orchestrator/pkg/artifacts"
	"github.com/certen/manifest-orchestrator/pkg/config"
	"github.com/certen/manifest-orchestrator/pkg/dispatcher"
	"github.com/certen/manifest-orchestrator/pkg/ethereum"
	"github.com/certen/manifest-orchestrator/pkg/orchestrator"
	"github.com/certen/manifest-orchestrator/pkg/report"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "orchestrate":
		code = runOrchestrate(ctx, os.Args[2:])
	case "commit":
		code = runCommit(ctx, os.Args[2:])
	case "activate":
		code = runActivate(ctx, os.Args[2:])
	case "verify":
		code = runVerify(ctx, os.Args[2:])
	default:
		usage()
		code = 1
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: orchestrator <orchestrate|commit|activate|verify> [flags]")
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

// connectNetwork dials one configured network.
func connectNetwork(net config.NetworkConfig) (ethereum.Backend, error) {
	return ethereum.NewClient(net.RPCURL, net.ChainID, net.DeployerKeyHex)
}

func runOrchestrate(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("orchestrate", flag.ExitOnError)
	networks := flags.String("networks", "", "comma-separated target networks (required)")
	manifestPath := flags.String("manifest", "manifests/current.manifest.json", "manifest document")
	networksFile := flags.String("networks-file", "networks.yaml", "network declarations")
	artifactsDir := flags.String("artifacts", ".", "artifact store root")
	factoryInit := flags.String("factory-init", "", "file with hex factory init code (required)")
	dispatcherInit := flags.String("dispatcher-init", "", "file with hex dispatcher init code (deploys dispatchers)")
	dryRun := flags.Bool("dry-run", false, "predict and validate only; send nothing, write no artifacts")
	paused := flags.Bool("paused", false, "deploy dispatchers paused")
	flags.Parse(args)

	if *networks == "" {
		return fail(fmt.Errorf("--networks is required"))
	}
	if *factoryInit == "" {
		return fail(fmt.Errorf("--factory-init is required"))
	}

	cfg, err := config.Load(*networksFile, strings.Split(*networks, ","))
	if err != nil {
		return fail(err)
	}
	cfg.DryRun = *dryRun
	cfg.DeployPaused = *paused
	cfg.ManifestPath = *manifestPath
	cfg.ArtifactsDir = *artifactsDir
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	store := artifacts.NewDiskStore(cfg.ArtifactsDir)

	plan := &orchestrator.Plan{}
	plan.Factory.Salt = cfg.FrozenFactorySalt
	plan.Factory.InitCode, err = loadHexFile(*factoryInit)
	if err != nil {
		return fail(err)
	}
	if *dispatcherInit != "" {
		initCode, err := loadHexFile(*dispatcherInit)
		if err != nil {
			return fail(err)
		}
		plan.Dispatcher = &orchestrator.DispatcherPlan{
			InitCode: initCode,
			Salt:     cfg.FrozenFactorySalt,
		}
	}

	if m, err := store.ReadManifest(cfg.ManifestPath); err == nil {
		plan.Manifest = m
	} else if !errors.Is(err, artifacts.ErrNotFound) {
		return fail(err)
	}

	metrics := orchestrator.NewMetrics(prometheus.DefaultRegisterer)
	rep, err := orchestrator.New(cfg, store, connectNetwork, metrics).Run(ctx, plan)

	var abort *orchestrator.PreflightAbortError
	if errors.As(err, &abort) {
		fmt.Fprintf(os.Stderr, "Preflight abort: %v\n", abort.Cause)
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Run aborted: %v\n", err)
		return 1
	}
	if rep.Status != report.StatusSuccess {
		return 1
	}
	return 0
}

func runCommit(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("commit", flag.ExitOnError)
	network := flags.String("network", "", "target network (required)")
	dispatcherAddr := flags.String("dispatcher", "", "dispatcher address (required)")
	manifestPath := flags.String("manifest", "", "manifest document (required)")
	networksFile := flags.String("networks-file", "networks.yaml", "network declarations")
	artifactsDir := flags.String("artifacts", ".", "artifact store root")
	flags.Parse(args)

	if *network == "" || *dispatcherAddr == "" || *manifestPath == "" {
		return fail(fmt.Errorf("--network, --dispatcher and --manifest are required"))
	}
	if !common.IsHexAddress(*dispatcherAddr) {
		return fail(fmt.Errorf("invalid dispatcher address %q", *dispatcherAddr))
	}

	cfg, err := config.Load(*networksFile, []string{*network})
	if err != nil {
		return fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	store := artifacts.NewDiskStore(*artifactsDir)
	m, err := store.ReadManifest(*manifestPath)
	if err != nil {
		return fail(err)
	}
	if err := m.Validate(); err != nil {
		return fail(fmt.Errorf("manifest invalid: %w", err))
	}

	backend, err := connectNetwork(cfg.Networks[0])
	if err != nil {
		return fail(err)
	}

	driver := dispatcher.New(backend)
	result, err := driver.CommitRoot(ctx, common.HexToAddress(*dispatcherAddr), m.MerkleRoot, m.TargetEpoch)
	if err != nil {
		return fail(err)
	}
	if result.ReplacedPending {
		log.Printf("⚠️ replaced pending root %s", result.PreviousPending.Hex())
	}
	log.Printf("✅ committed root %s at epoch %d (tx %s)",
		m.MerkleRoot.Hex(), m.TargetEpoch, result.Receipt.TxHash.Hex())
	return 0
}

func runActivate(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("activate", flag.ExitOnError)
	network := flags.String("network", "", "target network (required)")
	dispatcherAddr := flags.String("dispatcher", "", "dispatcher address (required)")
	networksFile := flags.String("networks-file", "networks.yaml", "network declarations")
	flags.Parse(args)

	if *network == "" || *dispatcherAddr == "" {
		return fail(fmt.Errorf("--network and --dispatcher are required"))
	}
	if !common.IsHexAddress(*dispatcherAddr) {
		return fail(fmt.Errorf("invalid dispatcher address %q", *dispatcherAddr))
	}

	cfg, err := config.Load(*networksFile, []string{*network})
	if err != nil {
		return fail(err)
	}
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	backend, err := connectNetwork(cfg.Networks[0])
	if err != nil {
		return fail(err)
	}

	driver := dispatcher.New(backend)
	receipt, err := driver.Activate(ctx, common.HexToAddress(*dispatcherAddr))

	var early *dispatcher.ActivationTooEarlyError
	if errors.As(err, &early) {
		fmt.Fprintf(os.Stderr, "Too early: %d seconds remaining\n", early.Remaining)
		return 3
	}
	if err != nil {
		return fail(err)
	}
	log.Printf("✅ activated committed root (tx %s)", receipt.TxHash.Hex())
	return 0
}

func runVerify(ctx context.Context, args []string) int {
	flags := flag.NewFlagSet("verify", flag.ExitOnError)
	network := flags.String("network", "", "target network (required)")
	networksFile := flags.String("networks-file", "networks.yaml", "network declarations")
	artifactsDir := flags.String("artifacts", ".", "artifact store root")
	flags.Parse(args)

	if *network == "" {
		return fail(fmt.Errorf("--network is required"))
	}

	cfg, err := config.Load(*networksFile, []string{*network})
	if err != nil {
		return fail(err)
	}
	cfg.DryRun = true // verify never sends
	if err := cfg.Validate(); err != nil {
		return fail(err)
	}

	backend, err := connectNetwork(cfg.Networks[0])
	if err != nil {
		return fail(err)
	}
	store := artifacts.NewDiskStore(*artifactsDir)

	failures := 0
	for _, contract := range []string{orchestrator.FactoryContractName, orchestrator.DispatcherContractName} {
		artifact, err := store.ReadDeployment(*network, contract)
		if errors.Is(err, artifacts.ErrNotFound) {
			log.Printf("ℹ️ %s: no %s artifact, skipping", *network, contract)
			continue
		}
		if err != nil {
			return fail(err)
		}

		onchain, err := backend.GetCodeHash(ctx, artifact.Address)
		if err != nil {
			return fail(err)
		}
		if onchain != artifact.Codehash {
			log.Printf("❌ %s: %s codehash mismatch at %s: artifact %s, chain %s",
				*network, contract, artifact.Address.Hex(), artifact.Codehash.Hex(), onchain.Hex())
			failures++
			continue
		}
		log.Printf("✅ %s: %s verified at %s", *network, contract, artifact.Address.Hex())
	}

	if failures > 0 {
		return 1
	}
	return 0
}

// loadHexFile reads a file containing hex bytecode (with or without
// the 0x prefix, surrounding whitespace tolerated).
func loadHexFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "0x")
	code, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%s contains no bytecode", path)
	}
	return code, nil
}
