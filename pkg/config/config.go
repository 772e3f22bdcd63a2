// Package config loads the proof pipeline's configuration from
// environment variables, with an optional YAML file overlay for local
// development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the proof pipeline supervisor.
type Config struct {
	// Required regardless of mode.
	EthRpcURL string
	ElfPath   string

	// Required unless Dev is true.
	EthProofsRpcURL    string
	EthProofsAPIKey    string
	EthProofsClusterID int

	// Optional.
	Dev                         bool
	SlackWebhook                string
	HealthPort                  int
	ProverStuckThresholdSeconds int
	BuildInputBinaryPath        string
	BuildInputWorkDir           string
	LedgerDBPath                string
	BlockMarkerDir              string
}

// overlay mirrors the subset of Config a YAML file may override. Fields
// left unset in the file leave the environment-derived value untouched.
type overlay struct {
	EthRpcURL                   *string `yaml:"eth_rpc_url"`
	ElfPath                     *string `yaml:"elf_path"`
	EthProofsRpcURL             *string `yaml:"ethproofs_rpc_url"`
	EthProofsAPIKey             *string `yaml:"ethproofs_api_key"`
	EthProofsClusterID          *int    `yaml:"ethproofs_cluster_id"`
	Dev                         *bool   `yaml:"dev"`
	SlackWebhook                *string `yaml:"slack_webhook"`
	HealthPort                  *int    `yaml:"health_port"`
	ProverStuckThresholdSeconds *int    `yaml:"prover_stuck_threshold_seconds"`
	BuildInputBinaryPath        *string `yaml:"build_input_binary_path"`
	BuildInputWorkDir           *string `yaml:"build_input_work_dir"`
	LedgerDBPath                *string `yaml:"ledger_db_path"`
	BlockMarkerDir              *string `yaml:"block_marker_dir"`
}

// Load reads configuration from environment variables. If yamlPath is
// non-empty, that file is parsed and any fields it sets override the
// environment-derived defaults (local development convenience; production
// deployments are expected to use environment variables only).
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		EthRpcURL:                   getEnv("ETH_RPC_URL", ""),
		ElfPath:                     getEnv("ELF_PATH", ""),
		EthProofsRpcURL:             getEnv("ETHPROOFS_RPC_URL", ""),
		EthProofsAPIKey:             getEnv("ETHPROOFS_API_KEY", ""),
		EthProofsClusterID:          getEnvInt("ETHPROOFS_CLUSTER_ID", 0),
		Dev:                         getEnvBool("DEV", false),
		SlackWebhook:                getEnv("SLACK_WEBHOOK", ""),
		HealthPort:                  getEnvInt("HEALTH_PORT", 4000),
		ProverStuckThresholdSeconds: getEnvInt("PROVER_STUCK_THRESHOLD_SECONDS", 3600),
		BuildInputBinaryPath:        getEnv("BUILD_INPUT_BINARY_PATH", "build_input"),
		BuildInputWorkDir:           getEnv("BUILD_INPUT_WORK_DIR", "./build_input_work"),
		LedgerDBPath:                getEnv("LEDGER_DB_PATH", "./proof_pipeline.db"),
		BlockMarkerDir:              getEnv("BLOCK_MARKER_DIR", "."),
	}

	if yamlPath != "" {
		if err := applyYAMLOverlay(cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config overlay %s: %w", path, err)
	}

	var ov overlay
	if err := yaml.Unmarshal(data, &ov); err != nil {
		return fmt.Errorf("failed to parse config overlay %s: %w", path, err)
	}

	if ov.EthRpcURL != nil {
		cfg.EthRpcURL = *ov.EthRpcURL
	}
	if ov.ElfPath != nil {
		cfg.ElfPath = *ov.ElfPath
	}
	if ov.EthProofsRpcURL != nil {
		cfg.EthProofsRpcURL = *ov.EthProofsRpcURL
	}
	if ov.EthProofsAPIKey != nil {
		cfg.EthProofsAPIKey = *ov.EthProofsAPIKey
	}
	if ov.EthProofsClusterID != nil {
		cfg.EthProofsClusterID = *ov.EthProofsClusterID
	}
	if ov.Dev != nil {
		cfg.Dev = *ov.Dev
	}
	if ov.SlackWebhook != nil {
		cfg.SlackWebhook = *ov.SlackWebhook
	}
	if ov.HealthPort != nil {
		cfg.HealthPort = *ov.HealthPort
	}
	if ov.ProverStuckThresholdSeconds != nil {
		cfg.ProverStuckThresholdSeconds = *ov.ProverStuckThresholdSeconds
	}
	if ov.BuildInputBinaryPath != nil {
		cfg.BuildInputBinaryPath = *ov.BuildInputBinaryPath
	}
	if ov.BuildInputWorkDir != nil {
		cfg.BuildInputWorkDir = *ov.BuildInputWorkDir
	}
	if ov.LedgerDBPath != nil {
		cfg.LedgerDBPath = *ov.LedgerDBPath
	}
	if ov.BlockMarkerDir != nil {
		cfg.BlockMarkerDir = *ov.BlockMarkerDir
	}

	return nil
}

// Validate checks that every key required for the current mode is
// present, aggregating all missing keys into a single error.
func (c *Config) Validate() error {
	var missing []string

	if c.EthRpcURL == "" {
		missing = append(missing, "ETH_RPC_URL")
	}
	if c.ElfPath == "" {
		missing = append(missing, "ELF_PATH")
	}
	if !c.Dev {
		if c.EthProofsRpcURL == "" {
			missing = append(missing, "ETHPROOFS_RPC_URL")
		}
		if c.EthProofsAPIKey == "" {
			missing = append(missing, "ETHPROOFS_API_KEY")
		}
		if c.EthProofsClusterID == 0 {
			missing = append(missing, "ETHPROOFS_CLUSTER_ID")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

