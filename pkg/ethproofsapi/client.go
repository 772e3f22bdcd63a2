// Package ethproofsapi reports proof lifecycle transitions (queued,
// proving, proved) to the external EthProofs submission API.
package ethproofsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// RequestTimeout is the fixed per-call timeout for every API request.
const RequestTimeout = 30 * time.Second

// Outcome is the tri-state result every operation returns: a remote proof
// id, a dev-mode skip, or an error string (never an exception).
type Outcome struct {
	ProofID string
	Skipped bool
	Err     string
}

func ok(proofID string) Outcome { return Outcome{ProofID: proofID} }
func skipped() Outcome          { return Outcome{Skipped: true} }
func failed(err error) Outcome  { return Outcome{Err: err.Error()} }

// Config configures a Client.
type Config struct {
	BaseURL   string
	APIKey    string
	ClusterID int
	Dev       bool // when true, all operations short-circuit to Skipped
	OutputDir string
}

// Client is the remote lifecycle reporter for proofs.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client from cfg.
func New(cfg Config) *Client {
	return &Client{cfg: cfg, http: &http.Client{Timeout: RequestTimeout}}
}

type apiResponse struct {
	ProofID string `json:"proof_id"`
	Error   string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body map[string]any) Outcome {
	if c.cfg.Dev {
		return skipped()
	}

	body["cluster_id"] = c.cfg.ClusterID
	encoded, err := json.Marshal(body)
	if err != nil {
		return failed(fmt.Errorf("failed to encode request: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/%s", c.cfg.BaseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return failed(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return failed(fmt.Errorf("transport error: %w", err))
	}
	defer resp.Body.Close()

	var out apiResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)

	if resp.StatusCode != http.StatusOK {
		if out.Error != "" {
			return failed(fmt.Errorf("ethproofs responded %d: %s", resp.StatusCode, out.Error))
		}
		return failed(fmt.Errorf("ethproofs responded %d", resp.StatusCode))
	}
	if out.Error != "" {
		// Some revisions of the API return an application error with HTTP
		// 200; treat it the same as non-200.
		return failed(fmt.Errorf("ethproofs application error: %s", out.Error))
	}

	return ok(out.ProofID)
}

// Queued reports a block entering the proving queue.
func (c *Client) Queued(ctx context.Context, block uint64) Outcome {
	return c.post(ctx, "proofs/queued", map[string]any{"block_number": block})
}

// Proving reports a block entering active proving.
func (c *Client) Proving(ctx context.Context, block uint64) Outcome {
	return c.post(ctx, "proofs/proving", map[string]any{"block_number": block})
}

// Proved reports a successfully proved block. The exact encoded request
// body is persisted to output/<block>/<block>.json before it is sent, for
// auditability, regardless of dev mode.
func (c *Client) Proved(ctx context.Context, block uint64, provingTimeMs, cycles uint64, proofB64, verifierID string) Outcome {
	body := map[string]any{
		"block_number":    block,
		"proving_time_ms": provingTimeMs,
		"cycles":          cycles,
		"proof":           proofB64,
		"cluster_id":      c.cfg.ClusterID,
	}
	if verifierID != "" {
		body["verifier_id"] = verifierID
	}

	if err := c.persistAuditCopy(block, body); err != nil {
		return failed(fmt.Errorf("failed to persist audit copy: %w", err))
	}

	return c.post(ctx, "proofs/proved", body)
}

func (c *Client) persistAuditCopy(block uint64, body map[string]any) error {
	dir := filepath.Join(c.cfg.OutputDir, fmt.Sprintf("%d", block))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.json", block))
	return os.WriteFile(path, encoded, 0o644)
}
