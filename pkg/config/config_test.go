package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"ETH_RPC_URL", "ELF_PATH", "ETHPROOFS_RPC_URL", "ETHPROOFS_API_KEY",
		"ETHPROOFS_CLUSTER_ID", "DEV", "SLACK_WEBHOOK", "HEALTH_PORT",
		"PROVER_STUCK_THRESHOLD_SECONDS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestValidate_DevModeSkipsEthProofsKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("ETH_RPC_URL", "http://localhost:8545")
	t.Setenv("ELF_PATH", "/opt/elf")
	t.Setenv("DEV", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected dev-mode config to validate, got %v", err)
	}
}

func TestValidate_MissingKeysAggregated(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	err = cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, key := range []string{"ETH_RPC_URL", "ELF_PATH", "ETHPROOFS_RPC_URL", "ETHPROOFS_API_KEY", "ETHPROOFS_CLUSTER_ID"} {
		if !contains(err.Error(), key) {
			t.Errorf("expected error to mention %s, got %q", key, err.Error())
		}
	}
}

func TestLoad_YAMLOverlayOverridesEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ETH_RPC_URL", "http://from-env:8545")

	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	if err := os.WriteFile(path, []byte("eth_rpc_url: http://from-yaml:8545\nhealth_port: 9999\n"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EthRpcURL != "http://from-yaml:8545" {
		t.Errorf("expected YAML overlay to win, got %s", cfg.EthRpcURL)
	}
	if cfg.HealthPort != 9999 {
		t.Errorf("expected overlay health_port 9999, got %d", cfg.HealthPort)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HealthPort != 4000 {
		t.Errorf("expected default health port 4000, got %d", cfg.HealthPort)
	}
	if cfg.ProverStuckThresholdSeconds != 3600 {
		t.Errorf("expected default stuck threshold 3600, got %d", cfg.ProverStuckThresholdSeconds)
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
