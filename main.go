package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethzk/proof-pipeline/pkg/config"
	"github.com/ethzk/proof-pipeline/pkg/supervisor"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		configPath = flag.String("config", "", "Path to an optional YAML configuration overlay")
		showHelp   = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	log.Printf("starting proof pipeline supervisor (eth_rpc=%s, dev=%t)", cfg.EthRpcURL, cfg.Dev)

	sup := supervisor.New(cfg, log.New(log.Writer(), "[Supervisor] ", log.LstdFlags))

	ctx, cancel := context.WithCancel(context.Background())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx)
	}()

	select {
	case <-quit:
		log.Printf("shutdown signal received")
		cancel()
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			log.Printf("supervisor did not shut down within the grace period")
		}
	case err := <-done:
		if err != nil {
			log.Fatalf("supervisor exited: %v", err)
		}
	}

	log.Printf("proof pipeline stopped")
}

func printHelp() {
	log.Println("proof-pipeline: ZK block-proof generation supervisor")
	log.Println()
	log.Println("Usage:")
	log.Println("  proof-pipeline [-config <path>]")
	log.Println()
	log.Println("Environment variables:")
	log.Println("  ETH_RPC_URL                      JSON-RPC endpoint for the execution client (required)")
	log.Println("  ELF_PATH                         Path to the guest ELF binary the prover executes (required)")
	log.Println("  ETHPROOFS_RPC_URL                EthProofs submission API base URL (required unless DEV)")
	log.Println("  ETHPROOFS_API_KEY                EthProofs API key (required unless DEV)")
	log.Println("  ETHPROOFS_CLUSTER_ID             EthProofs cluster id (required unless DEV)")
	log.Println("  DEV                              When true, EthProofs calls are skipped rather than sent")
	log.Println("  SLACK_WEBHOOK                    Optional webhook URL for operational notifications")
	log.Println("  HEALTH_PORT                      Port for /health, /health/ready, /health/live, /metrics")
	log.Println("  PROVER_STUCK_THRESHOLD_SECONDS   Proving duration past which the Prover reports degraded")
	log.Println("  BUILD_INPUT_BINARY_PATH          Path to the build_input executable")
	log.Println("  BUILD_INPUT_WORK_DIR             Scratch directory for input-generation artifacts")
	log.Println("  LEDGER_DB_PATH                   Path to the sqlite ledger database file")
	log.Println("  BLOCK_MARKER_DIR                 Directory checked for pre-existing block markers")
}
