// Package supervisor owns ordered startup of every pipeline actor and a
// rest-for-one restart policy for the components downstream of the
// worker substrate that hosts InputGenerator's workers.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ethzk/proof-pipeline/pkg/blockmeta"
	"github.com/ethzk/proof-pipeline/pkg/config"
	"github.com/ethzk/proof-pipeline/pkg/ethproofsapi"
	"github.com/ethzk/proof-pipeline/pkg/ethrpc"
	"github.com/ethzk/proof-pipeline/pkg/inputbuilder"
	"github.com/ethzk/proof-pipeline/pkg/inputgen"
	"github.com/ethzk/proof-pipeline/pkg/ledger"
	"github.com/ethzk/proof-pipeline/pkg/notify"
	"github.com/ethzk/proof-pipeline/pkg/prover"
	"github.com/ethzk/proof-pipeline/pkg/rpchealth"
	"github.com/ethzk/proof-pipeline/pkg/status"
)

// TaskHost is the shared cancellable substrate InputGenerator's workers
// run under. When it fails, the Supervisor tears down and restarts every
// component declared after it: Prover, InputGenerator, StatusSurface.
// Ledgers and earlier components are preserved.
type TaskHost struct {
	mu     sync.RWMutex
	alive  bool
	failed chan struct{}
}

func newTaskHost() *TaskHost {
	return &TaskHost{alive: true, failed: make(chan struct{})}
}

// Alive reports whether the host is still accepting worker tasks.
func (h *TaskHost) Alive() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.alive
}

// Fail marks the host failed and signals Failed(), idempotently.
func (h *TaskHost) Fail() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.alive {
		h.alive = false
		close(h.failed)
	}
}

// Failed is closed exactly once, when the host transitions to failed.
func (h *TaskHost) Failed() <-chan struct{} {
	return h.failed
}

// proverProxy and inputGenProxy let StatusSurface hold one long-lived
// view object across rest-for-one restarts of the concrete Prover and
// InputGenerator instances they front.
type proverProxy struct {
	mu      sync.RWMutex
	current *prover.Prover
}

func (p *proverProxy) set(pr *prover.Prover) {
	p.mu.Lock()
	p.current = pr
	p.mu.Unlock()
}

func (p *proverProxy) Snapshot() (bool, uint64, time.Time, uint32) {
	p.mu.RLock()
	cur := p.current
	p.mu.RUnlock()
	if cur == nil {
		return true, 0, time.Time{}, 0
	}
	return cur.Snapshot()
}

type inputGenProxy struct {
	mu      sync.RWMutex
	current *inputgen.Generator
}

func (g *inputGenProxy) set(gen *inputgen.Generator) {
	g.mu.Lock()
	g.current = gen
	g.mu.Unlock()
}

func (g *inputGenProxy) Snapshot() (bool, uint64, time.Time) {
	g.mu.RLock()
	cur := g.current
	g.mu.RUnlock()
	if cur == nil {
		return true, 0, time.Time{}
	}
	return cur.Snapshot()
}

// Generate forwards an on-demand generation request to whichever
// InputGenerator is current, supporting cmd/proofctl's operator affordance.
func (g *inputGenProxy) Generate(block uint64) {
	g.mu.RLock()
	cur := g.current
	g.mu.RUnlock()
	if cur != nil {
		cur.Generate(block)
	}
}

// Supervisor owns the lifetime of every pipeline actor.
type Supervisor struct {
	cfg    *config.Config
	logger *log.Logger

	cache    *blockmeta.Cache
	notifier *notify.Sink
	proved   *ledger.ProvedLedger
	missed   *ledger.MissedLedger
	store    *ledger.Store

	proverView   *proverProxy
	inputGenView *inputGenProxy
	surface      *status.Surface

	httpServer *http.Server
}

// New constructs a Supervisor from cfg. It does not start anything.
func New(cfg *config.Config, logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(log.Writer(), "[Supervisor] ", log.LstdFlags)
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// Run validates configuration, starts every component in order, and
// blocks until ctx is cancelled, restarting the Prover/InputGenerator/
// StatusSurface stage whenever its task host fails.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("fatal: %w", err)
	}

	s.cache = blockmeta.New()
	s.notifier = notify.New(s.cfg.SlackWebhook)

	store, err := ledger.Open(s.cfg.LedgerDBPath, log.New(log.Writer(), "[Ledger] ", log.LstdFlags))
	if err != nil {
		return fmt.Errorf("failed to open ledger store: %w", err)
	}
	s.store = store
	defer store.Close()

	s.proved, err = ledger.NewProvedLedger(store, s.notifier, nil)
	if err != nil {
		return fmt.Errorf("failed to start ProvedLedger: %w", err)
	}
	s.missed, err = ledger.NewMissedLedger(store, s.notifier, nil)
	if err != nil {
		return fmt.Errorf("failed to start MissedLedger: %w", err)
	}

	s.proverView = &proverProxy{}
	s.inputGenView = &inputGenProxy{}

	host := newTaskHost()
	s.surface = status.New(s.proverView, s.inputGenView, host, time.Duration(s.cfg.ProverStuckThresholdSeconds)*time.Second)
	s.startHTTP()
	defer s.stopHTTP()

	for {
		stageCtx, cancelStage := context.WithCancel(ctx)
		s.runStage(stageCtx, host)

		select {
		case <-ctx.Done():
			cancelStage()
			return nil
		case <-host.Failed():
			s.logger.Printf("task host failed, restarting Prover, InputGenerator and StatusSurface")
			cancelStage()
			host = newTaskHost()
			s.surface = status.New(s.proverView, s.inputGenView, host, time.Duration(s.cfg.ProverStuckThresholdSeconds)*time.Second)
		}
	}
}

// runStage starts Prover, InputGenerator and wires the status views for
// one generation of the rest-for-one group. It does not block.
func (s *Supervisor) runStage(ctx context.Context, host *TaskHost) {
	apiClient := ethproofsapi.New(ethproofsapi.Config{
		BaseURL:   s.cfg.EthProofsRpcURL,
		APIKey:    s.cfg.EthProofsAPIKey,
		ClusterID: s.cfg.EthProofsClusterID,
		Dev:       s.cfg.Dev,
		OutputDir: "output",
	})

	pr := prover.New(s.cfg.ElfPath, apiClient, s.proved, s.missed, s.notifier, nil)
	s.proverView.set(pr)
	go pr.Run(ctx)

	health := rpchealth.New(s.cfg.EthRpcURL, rpcHealthSink{notifier: s.notifier})
	rpc := ethrpc.NewClient(s.cfg.EthRpcURL, health)
	builder := inputbuilder.NewExecBuilder(s.cfg.BuildInputBinaryPath, s.cfg.BuildInputWorkDir)

	gen := inputgen.New(rpc, builder, s.cache, s.missed, pr, s.notifier, s.cfg.BlockMarkerDir, nil, host)
	s.inputGenView.set(gen)
	go gen.Run(ctx)
}

func (s *Supervisor) startHTTP() {
	mux := http.NewServeMux()
	mux.Handle("/", s.surface.Handler())
	mux.HandleFunc("/api/proved", s.handleListProved)
	mux.HandleFunc("/api/missed", s.handleListMissed)
	mux.HandleFunc("/api/generate", s.handleGenerate)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.HealthPort),
		Handler: mux,
	}
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("health server stopped: %v", err)
		}
	}()
}

// handleListProved backs cmd/proofctl's "recent proved blocks" listing.
func (s *Supervisor) handleListProved(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.proved.List())
}

// handleListMissed backs cmd/proofctl's "recent missed blocks" listing.
func (s *Supervisor) handleListMissed(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.missed.List())
}

// handleGenerate backs cmd/proofctl's on-demand generate(block) affordance.
func (s *Supervisor) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	block, err := strconv.ParseUint(r.URL.Query().Get("block"), 10, 64)
	if err != nil {
		http.Error(w, "invalid or missing block query parameter", http.StatusBadRequest)
		return
	}
	s.inputGenView.Generate(block)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Supervisor) stopHTTP() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}

// rpcHealthSink bridges RpcHealthTracker's Down/Recovered events onto the
// NotificationSink's structured event kinds.
type rpcHealthSink struct {
	notifier *notify.Sink
}

func (r rpcHealthSink) RPCDown(ev rpchealth.Event) {
	r.notifier.Notify(notify.Event{
		Kind:     notify.KindRpcDown,
		Headline: fmt.Sprintf("RPC %s has been down since %s", ev.URL, ev.DownSince),
		Fields:   map[string]any{"url": ev.URL, "down_since": ev.DownSince, "reason": ev.LastError},
	})
}

func (r rpcHealthSink) RPCRecovered(ev rpchealth.Event) {
	r.notifier.Notify(notify.Event{
		Kind:     notify.KindRpcRecovered,
		Headline: fmt.Sprintf("RPC %s recovered", ev.URL),
		Fields:   map[string]any{"url": ev.URL},
	})
}
