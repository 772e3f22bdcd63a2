// proofctl is an operator CLI for a running proof-pipeline supervisor: it
// lists recent proved/missed blocks and can trigger an on-demand
// generate(block) request, the same affordance the supervisor's HTTP API
// exposes for automated callers.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

func main() {
	baseURL := flag.String("addr", "http://localhost:4000", "base URL of the running supervisor's HTTP API")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	client := &http.Client{Timeout: 10 * time.Second}

	var err error
	switch args[0] {
	case "proved":
		err = list(client, *baseURL, "/api/proved")
	case "missed":
		err = list(client, *baseURL, "/api/missed")
	case "generate":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "usage: proofctl generate <block>")
			os.Exit(1)
		}
		var block uint64
		block, err = strconv.ParseUint(args[1], 10, 64)
		if err == nil {
			err = generate(client, *baseURL, block)
		}
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func list(client *http.Client, baseURL, path string) error {
	resp, err := client.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("supervisor responded %d: %s", resp.StatusCode, body)
	}

	var records []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}

func generate(client *http.Client, baseURL string, block uint64) error {
	endpoint := fmt.Sprintf("%s/api/generate?%s", baseURL, url.Values{"block": {strconv.FormatUint(block, 10)}}.Encode())
	resp, err := client.Post(endpoint, "", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("supervisor responded %d: %s", resp.StatusCode, body)
	}

	fmt.Printf("generation requested for block %d\n", block)
	return nil
}

func printUsage() {
	fmt.Println("proofctl: operator CLI for the proof pipeline supervisor")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  proofctl [-addr <url>] proved")
	fmt.Println("  proofctl [-addr <url>] missed")
	fmt.Println("  proofctl [-addr <url>] generate <block>")
}
