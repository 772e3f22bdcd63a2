// Package ethrpc is a typed wrapper over the subset of Ethereum JSON-RPC
// this pipeline needs: eth_blockNumber (via eth_getBlockByNumber("latest")),
// eth_getBlockByNumber and debug_executionWitness.
//
// The wire shape this pipeline requires (a random 1..9,999,999 request id) does
// not match go-ethereum's own rpc.Client id sequencing, so the POST envelope
// here is hand-rolled on net/http + encoding/json; everything downstream of
// the wire (hex decoding, block parsing) still goes through go-ethereum's
// common/hexutil.
package ethrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ethzk/proof-pipeline/pkg/blockmeta"
	"github.com/ethzk/proof-pipeline/pkg/rpchealth"
)

// RequestTimeout is the fixed per-call timeout for every RPC request.
const RequestTimeout = 30 * time.Second

// ErrorKind classifies a Client error for callers that need to branch on it
// without string-matching.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota
	KindTransport
	KindJSONRPC
	KindBadResponse
)

// Error is the typed error surface returned to callers; it is never raised
// as a panic.
type Error struct {
	Kind    ErrorKind
	Message string
	RPCBody any // populated only for KindJSONRPC
}

func (e *Error) Error() string {
	if e.Kind == KindJSONRPC {
		return fmt.Sprintf("json-rpc error: %v", e.RPCBody)
	}
	return e.Message
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// Client is a typed, health-tracked JSON-RPC 2.0 client over HTTP POST.
type Client struct {
	url    string
	http   *http.Client
	health *rpchealth.Tracker
}

// NewClient creates a Client posting to url. health may be nil if the
// caller doesn't want outage tracking (tests).
func NewClient(url string, health *rpchealth.Tracker) *Client {
	return &Client{
		url:    url,
		http:   &http.Client{Timeout: RequestTimeout},
		health: health,
	}
}

// normalizeBlockParam encodes a block parameter the way eth_getBlockByNumber expects.
func normalizeBlockParam(block any) string {
	switch v := block.(type) {
	case string:
		switch v {
		case "latest", "pending", "earliest", "safe", "finalized":
			return v
		}
		if strings.HasPrefix(v, "0x") {
			return v
		}
		return "0x" + v
	case uint64:
		return "0x" + strconv.FormatUint(v, 16)
	case int64:
		return "0x" + strconv.FormatInt(v, 16)
	case int:
		return "0x" + strconv.FormatInt(int64(v), 16)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (c *Client) call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      rand.Intn(9_999_999) + 1,
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Kind: KindBadResponse, Message: fmt.Sprintf("failed to marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			c.recordFailure("timeout")
			return nil, &Error{Kind: KindTimeout, Message: "request timed out"}
		}
		c.recordFailure(err.Error())
		return nil, &Error{Kind: KindTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.recordFailure(fmt.Sprintf("http status %d", resp.StatusCode))
		return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.recordFailure("malformed response body")
		return nil, &Error{Kind: KindBadResponse, Message: fmt.Sprintf("failed to decode response: %v", err)}
	}

	if len(out.Error) > 0 {
		// The server responded, so it is up; this is a success for health
		// tracking purposes even though the call itself failed.
		c.recordSuccess()
		var rpcErr any
		_ = json.Unmarshal(out.Error, &rpcErr)
		return nil, &Error{Kind: KindJSONRPC, Message: "application error", RPCBody: rpcErr}
	}

	c.recordSuccess()
	return out.Result, nil
}

func (c *Client) recordSuccess() {
	if c.health != nil {
		c.health.RecordSuccess()
	}
}

func (c *Client) recordFailure(reason string) {
	if c.health != nil {
		c.health.RecordFailure(reason)
	}
}

// LatestBlockInfo returns the latest block's height and unix timestamp.
func (c *Client) LatestBlockInfo(ctx context.Context) (block uint64, unixSeconds int64, err error) {
	raw, err := c.call(ctx, "eth_getBlockByNumber", "latest", false)
	if err != nil {
		return 0, 0, err
	}

	var head struct {
		Number    hexutil.Uint64 `json:"number"`
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return 0, 0, &Error{Kind: KindBadResponse, Message: fmt.Sprintf("failed to parse head block: %v", err)}
	}
	return uint64(head.Number), int64(head.Timestamp), nil
}

// BlockJSON fetches a full block (with transactions) and returns its raw
// JSON result bytes, which is what the input-builder consumes verbatim.
func (c *Client) BlockJSON(ctx context.Context, block any) ([]byte, error) {
	raw, err := c.call(ctx, "eth_getBlockByNumber", normalizeBlockParam(block), true)
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// ExecutionWitness fetches the execution witness for block and returns its
// raw JSON result bytes.
func (c *Client) ExecutionWitness(ctx context.Context, block any) ([]byte, error) {
	raw, err := c.call(ctx, "debug_executionWitness", normalizeBlockParam(block))
	if err != nil {
		return nil, err
	}
	return []byte(raw), nil
}

// ParseBlockMeta extracts gas_used and tx_count from a raw block JSON
// result, failing with a descriptive error on malformed upstream data.
func ParseBlockMeta(raw []byte) (blockmeta.Meta, error) {
	var block struct {
		GasUsed      *hexutil.Uint64   `json:"gasUsed"`
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &block); err != nil {
		return blockmeta.Meta{}, fmt.Errorf("invalid block data: %w", err)
	}
	if block.GasUsed == nil {
		return blockmeta.Meta{}, fmt.Errorf("invalid block data: missing gasUsed field")
	}
	if block.Transactions == nil {
		return blockmeta.Meta{}, fmt.Errorf("invalid block data: missing transactions field")
	}
	return blockmeta.Meta{
		GasUsed: uint64(*block.GasUsed),
		TxCount: uint32(len(block.Transactions)),
	}, nil
}
