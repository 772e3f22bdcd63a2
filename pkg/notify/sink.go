// Package notify implements the pipeline's fire-and-forget external
// notification fan-out: structured lifecycle events and
// realtime topic broadcasts rendered to webhook payloads.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PostTimeout bounds each webhook delivery attempt.
const PostTimeout = 10 * time.Second

// Kind enumerates the structured event kinds the sink understands.
type Kind string

const (
	KindInputGenerationFailed  Kind = "InputGenerationFailed"
	KindProofGenerationFailed  Kind = "ProofGenerationFailed"
	KindProofDataFailed        Kind = "ProofDataFailed"
	KindEthProofsRequestFailed Kind = "EthProofsRequestFailed"
	KindProofSubmitted         Kind = "ProofSubmitted"
	KindRpcDown                Kind = "RpcDown"
	KindRpcRecovered           Kind = "RpcRecovered"
)

// Event is a structured notification with a headline and free-form fields.
type Event struct {
	Kind     Kind
	Headline string
	Fields   map[string]any
}

// webhookPayload is the JSON body posted to the configured webhook URL.
type webhookPayload struct {
	CorrelationID string         `json:"correlation_id"`
	Kind          string         `json:"kind"`
	Headline      string         `json:"headline"`
	Fields        map[string]any `json:"fields,omitempty"`
	Topic         string         `json:"topic,omitempty"`
	Payload       any            `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Sink delivers events and topic broadcasts to an external webhook.
// Every delivery runs in its own goroutine: Notify and Publish return
// immediately and never block the caller on network I/O.
type Sink struct {
	webhookURL string
	http       *http.Client
	logger     *log.Logger

	wg sync.WaitGroup
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// WithHTTPClient overrides the default HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Sink) { s.http = c }
}

// New creates a Sink. webhookURL may be empty, in which case every
// delivery is a no-op logged at debug level.
func New(webhookURL string, opts ...Option) *Sink {
	s := &Sink{
		webhookURL: webhookURL,
		http:       &http.Client{Timeout: PostTimeout},
		logger:     log.New(log.Writer(), "[NotificationSink] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Notify delivers a structured event.
func (s *Sink) Notify(ev Event) {
	payload := webhookPayload{
		CorrelationID: uuid.NewString(),
		Kind:          string(ev.Kind),
		Headline:      ev.Headline,
		Fields:        ev.Fields,
		Timestamp:     time.Now(),
	}
	s.deliver(payload)
}

// Publish broadcasts a realtime topic update (proved_blocks_updated,
// missed_blocks_updated, prover_status). It implements ledger.Broadcaster.
func (s *Sink) Publish(topic string, payload any) {
	wp := webhookPayload{
		CorrelationID: uuid.NewString(),
		Kind:          "topic",
		Headline:      fmt.Sprintf("topic update: %s", topic),
		Topic:         topic,
		Payload:       payload,
		Timestamp:     time.Now(),
	}
	s.deliver(wp)
}

func (s *Sink) deliver(payload webhookPayload) {
	if s.webhookURL == "" {
		s.logger.Printf("debug: webhook not configured, dropping %s (%s)", payload.Kind, payload.CorrelationID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		body, err := json.Marshal(payload)
		if err != nil {
			s.logger.Printf("failed to marshal webhook payload %s: %v", payload.CorrelationID, err)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), PostTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
		if err != nil {
			s.logger.Printf("failed to build webhook request %s: %v", payload.CorrelationID, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Request-Id", payload.CorrelationID)

		resp, err := s.http.Do(req)
		if err != nil {
			s.logger.Printf("webhook delivery failed %s: %v", payload.CorrelationID, err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			s.logger.Printf("webhook delivery rejected %s: status %d", payload.CorrelationID, resp.StatusCode)
		}
	}()
}

// Wait blocks until all in-flight deliveries finish. Intended for tests
// and graceful shutdown; never called on the hot path.
func (s *Sink) Wait() {
	s.wg.Wait()
}
