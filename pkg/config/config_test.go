// Copyright 2025 Certen Protocol
//
// Run configuration tests

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/certen/manifest-orchestrator/pkg/crypto/create2"
)

const sampleNetworks = `
networks:
  - name: sepolia
    chain_id: 11155111
    dispatcher: "0x00000000000000000000000000000000000d15c0"
    confirmations: 2
  - name: holesky
    chain_id: 17000
`

func writeNetworksFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "networks.yaml")
	if err := os.WriteFile(path, []byte(sampleNetworks), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeNetworksFile(t)
	t.Setenv("DEPLOYER_KEY", "4c0883a69102937d6231471b5dbb6204fe51296170827936ea5cce4b76994b0f")
	t.Setenv("RPC_URL_SEPOLIA", "https://rpc.sepolia.example")
	t.Setenv("RPC_URL_HOLESKY", "https://rpc.holesky.example")

	cfg, err := Load(path, []string{"sepolia", "holesky"})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate failed: %v", err)
	}

	sepolia, ok := cfg.Network("sepolia")
	if !ok {
		t.Fatal("sepolia not loaded")
	}
	if sepolia.ChainID != 11155111 {
		t.Errorf("chain id mismatch: %d", sepolia.ChainID)
	}
	if sepolia.RPCURL != "https://rpc.sepolia.example" {
		t.Errorf("rpc url mismatch: %s", sepolia.RPCURL)
	}
	if sepolia.Dispatcher != common.HexToAddress("0x00000000000000000000000000000000000d15c0") {
		t.Errorf("dispatcher mismatch: %s", sepolia.Dispatcher.Hex())
	}
	if sepolia.Confirmations != 2 {
		t.Errorf("confirmations mismatch: %d", sepolia.Confirmations)
	}

	// Confirmations default to 1 when not declared.
	holesky, _ := cfg.Network("holesky")
	if holesky.Confirmations != 1 {
		t.Errorf("default confirmations mismatch: %d", holesky.Confirmations)
	}

	// Built-in salt applies when FROZEN_FACTORY_SALT is unset.
	if cfg.FrozenFactorySalt != create2.DefaultFrozenFactorySalt {
		t.Errorf("unexpected salt %s", cfg.FrozenFactorySalt.Hex())
	}
}

func TestLoad_SaltOverride(t *testing.T) {
	path := writeNetworksFile(t)
	t.Setenv("RPC_URL_SEPOLIA", "https://rpc.sepolia.example")
	t.Setenv("FROZEN_FACTORY_SALT", "0x00000000000000000000000000000000000000000000000000000000cafebabe")

	cfg, err := Load(path, []string{"sepolia"})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.FrozenFactorySalt != common.HexToHash("0xcafebabe") {
		t.Errorf("salt override not applied: %s", cfg.FrozenFactorySalt.Hex())
	}
}

func TestLoad_MissingRPCURL(t *testing.T) {
	path := writeNetworksFile(t)
	os.Unsetenv("RPC_URL_SEPOLIA")

	if _, err := Load(path, []string{"sepolia"}); err == nil {
		t.Fatal("missing RPC URL must fail load")
	}
}

func TestLoad_UndeclaredNetwork(t *testing.T) {
	path := writeNetworksFile(t)
	if _, err := Load(path, []string{"mainnet"}); err == nil {
		t.Fatal("undeclared network must fail load")
	}
}

func TestValidate_RequiresKeyUnlessDryRun(t *testing.T) {
	cfg := &RunConfig{
		Networks: []NetworkConfig{
			{Name: "sepolia", ChainID: 1, RPCURL: "https://example"},
		},
		FrozenFactorySalt: create2.DefaultFrozenFactorySalt,
	}

	if err := cfg.Validate(); err == nil {
		t.Error("missing deployer key must fail for a live run")
	}

	cfg.DryRun = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("dry run must not require a key: %v", err)
	}
}

func TestRPCURLVar(t *testing.T) {
	if got := rpcURLVar("arbitrum-one"); got != "RPC_URL_ARBITRUM_ONE" {
		t.Errorf("env var mapping mismatch: %s", got)
	}
}
