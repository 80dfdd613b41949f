// Copyright 2025 Certen Protocol
//
// Run Configuration
//
// One immutable RunConfig value is constructed from CLI flags, the
// networks file and the environment, then threaded explicitly through
// every call. Nothing in the engine reads the environment after Load.
//
// Recognized environment variables, and only these:
//   - DEPLOYER_KEY               hex deployer private key (required unless dry run)
//   - FROZEN_FACTORY_SALT        32-byte hex; built-in constant if absent
//   - ACTIVATION_DELAY_SECONDS   loaded as ActivationDelayHint; the on-chain delay always governs
//   - RPC_URL_<NETWORK>          per-network RPC endpoint

package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
)

// Default retry and time-limit knobs. Retry policy applies to Transport
// errors only, and lives in the orchestrator.
const (
	DefaultRetries       = 3
	DefaultRetryBase     = 1 * time.Second
	DefaultRetryCap      = 30 * time.Second
	DefaultPipelineLimit = 2 * time.Hour
)

// DefaultMinBalanceWei is the preflight floor: 0.01 ETH-equivalent.
var DefaultMinBalanceWei = big.NewInt(10_000_000_000_000_000)

// NetworkConfig is the resolved static description of one target chain.
type NetworkConfig struct {
	Name          string
	ChainID       int64
	RPCURL        string
	Dispatcher    common.Address
	Confirmations uint64

	// DeployerKeyHex defaults to the run-wide key; tests and unusual
	// setups may pin a per-network key.
	DeployerKeyHex string
}

// RunConfig is the whole run's configuration, immutable after Load.
type RunConfig struct {
	Networks []NetworkConfig

	DeployerKeyHex    string
	FrozenFactorySalt common.Hash

	// ActivationDelayHint holds ACTIVATION_DELAY_SECONDS (zero if unset).
	// No stage reads it; activation is gated only by the dispatcher's
	// on-chain earliestActivation.
	ActivationDelayHint uint64

	ManifestPath string
	ArtifactsDir string
	Version      string

	DryRun       bool
	DeployPaused bool
	IncludeViews bool

	MinBalanceWei *big.Int

	Retries       int
	RetryBase     time.Duration
	RetryCap      time.Duration
	PipelineLimit time.Duration
}

// networksFile is the YAML shape of the networks declaration.
type networksFile struct {
	Networks []struct {
		Name          string `yaml:"name"`
		ChainID       int64  `yaml:"chain_id"`
		Dispatcher    string `yaml:"dispatcher"`
		Confirmations uint64 `yaml:"confirmations"`
	} `yaml:"networks"`
}

// Load builds the RunConfig for the requested networks from the
// networks file and the environment.
func Load(networksPath string, networkNames []string) (*RunConfig, error) {
	declared, err := loadNetworksFile(networksPath)
	if err != nil {
		return nil, err
	}

	cfg := &RunConfig{
		DeployerKeyHex:      getEnv("DEPLOYER_KEY", ""),
		ActivationDelayHint: uint64(getEnvInt64("ACTIVATION_DELAY_SECONDS", 0)),
		ManifestPath:        "manifests/current.manifest.json",
		ArtifactsDir:        ".",
		Version:             "1.0.0",
		MinBalanceWei:       DefaultMinBalanceWei,
		Retries:             DefaultRetries,
		RetryBase:           DefaultRetryBase,
		RetryCap:            DefaultRetryCap,
		PipelineLimit:       DefaultPipelineLimit,
	}

	if saltHex := getEnv("FROZEN_FACTORY_SALT", ""); saltHex != "" {
		salt, err := create2.ParseSalt(saltHex)
		if err != nil {
			return nil, fmt.Errorf("FROZEN_FACTORY_SALT: %w", err)
		}
		cfg.FrozenFactorySalt = salt
	} else {
		cfg.FrozenFactorySalt = create2.DefaultFrozenFactorySalt
	}

	for _, name := range networkNames {
		net, ok := declared[name]
		if !ok {
			return nil, fmt.Errorf("network %q is not declared in %s", name, networksPath)
		}
		net.RPCURL = getEnv(rpcURLVar(name), "")
		if net.RPCURL == "" {
			return nil, fmt.Errorf("%s is required for network %q", rpcURLVar(name), name)
		}
		net.DeployerKeyHex = cfg.DeployerKeyHex
		cfg.Networks = append(cfg.Networks, net)
	}

	return cfg, nil
}

// loadNetworksFile parses the YAML declaration into a name-keyed map.
func loadNetworksFile(path string) (map[string]NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading networks file %s: %w", path, err)
	}

	var file networksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing networks file %s: %w", path, err)
	}

	declared := make(map[string]NetworkConfig, len(file.Networks))
	for _, n := range file.Networks {
		if n.Name == "" {
			return nil, fmt.Errorf("networks file %s declares a network without a name", path)
		}
		if _, dup := declared[n.Name]; dup {
			return nil, fmt.Errorf("networks file %s declares %q twice", path, n.Name)
		}
		confirmations := n.Confirmations
		if confirmations == 0 {
			confirmations = 1
		}
		net := NetworkConfig{
			Name:          n.Name,
			ChainID:       n.ChainID,
			Confirmations: confirmations,
		}
		if n.Dispatcher != "" {
			if !common.IsHexAddress(n.Dispatcher) {
				return nil, fmt.Errorf("network %q has invalid dispatcher address %q", n.Name, n.Dispatcher)
			}
			net.Dispatcher = common.HexToAddress(n.Dispatcher)
		}
		declared[n.Name] = net
	}
	return declared, nil
}

// rpcURLVar maps a network name to its environment variable:
// "sepolia" -> RPC_URL_SEPOLIA.
func rpcURLVar(network string) string {
	upper := strings.ToUpper(network)
	upper = strings.ReplaceAll(upper, "-", "_")
	return "RPC_URL_" + upper
}

// Validate checks that the configuration can actually drive a run.
func (c *RunConfig) Validate() error {
	var problems []string

	if len(c.Networks) == 0 {
		problems = append(problems, "at least one target network is required")
	}
	if !c.DryRun && c.DeployerKeyHex == "" {
		problems = append(problems, "DEPLOYER_KEY is required for non-dry-run")
	}
	if c.FrozenFactorySalt == (common.Hash{}) {
		problems = append(problems, "frozen factory salt must not be zero")
	}
	for _, net := range c.Networks {
		if net.RPCURL == "" {
			problems = append(problems, fmt.Sprintf("network %q has no RPC URL", net.Name))
		}
		if net.ChainID == 0 {
			problems = append(problems, fmt.Sprintf("network %q has no chain id", net.Name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// Network returns the configuration for a named network.
func (c *RunConfig) Network(name string) (NetworkConfig, bool) {
	for _, net := range c.Networks {
		if net.Name == name {
			return net, true
		}
	}
	return NetworkConfig{}, false
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}
