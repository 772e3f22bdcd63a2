// Package status implements StatusSurface: a read-only HTTP
// projection of pipeline health for liveness/readiness probes and the
// realtime dashboard, plus a Prometheus /metrics endpoint.
package status

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StuckThresholdDefault is the default proving-duration threshold past
// which the Prover is considered degraded.
const StuckThresholdDefault = 3600 * time.Second

// ProverView is the subset of Prover state StatusSurface reads.
type ProverView interface {
	Snapshot() (idle bool, block uint64, since time.Time, provingSeconds uint32)
}

// InputGeneratorView is the subset of InputGenerator state StatusSurface
// reads.
type InputGeneratorView interface {
	Snapshot() (idle bool, current uint64, since time.Time)
}

// TaskHost reports whether the shared worker substrate backing
// InputGenerator's workers is up.
type TaskHost interface {
	Alive() bool
}

// Surface serves the health HTTP endpoints and Prometheus metrics.
type Surface struct {
	prover         ProverView
	inputGenerator InputGeneratorView
	taskHost       TaskHost
	stuckThreshold time.Duration
	startedAt      time.Time

	registry        *prometheus.Registry
	overallGauge    prometheus.Gauge
	provingDuration prometheus.Gauge
}

// healthResponse is the JSON body for /health.
type healthResponse struct {
	Status        string         `json:"status"`
	Timestamp     time.Time      `json:"timestamp"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Components    componentsView `json:"components"`
	System        systemView     `json:"system"`
}

type componentsView struct {
	Prover         string `json:"prover"`
	InputGenerator string `json:"input_generator"`
	TaskHost       string `json:"task_host"`
}

type systemView struct {
	MemoryAllocBytes uint64 `json:"memory_alloc_bytes"`
	ProcessCount     int    `json:"process_count"`
	Goroutines       int    `json:"goroutines"`
}

// New creates a Surface. stuckThreshold falls back to StuckThresholdDefault
// when zero.
func New(prover ProverView, inputGenerator InputGeneratorView, taskHost TaskHost, stuckThreshold time.Duration) *Surface {
	if stuckThreshold <= 0 {
		stuckThreshold = StuckThresholdDefault
	}

	registry := prometheus.NewRegistry()
	overallGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proof_pipeline_overall_healthy",
		Help: "1 if overall_status is healthy, 0 otherwise.",
	})
	provingDuration := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "proof_pipeline_prover_proving_duration_seconds",
		Help: "Seconds the Prover has spent on its current block, 0 when idle.",
	})
	registry.MustRegister(overallGauge, provingDuration)

	return &Surface{
		prover:          prover,
		inputGenerator:  inputGenerator,
		taskHost:        taskHost,
		stuckThreshold:  stuckThreshold,
		startedAt:       time.Now(),
		registry:        registry,
		overallGauge:    overallGauge,
		provingDuration: provingDuration,
	}
}

// Handler returns the mux serving /health, /health/ready, /health/live and
// /metrics.
func (s *Surface) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", s.handleLive)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Surface) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Surface) handleReady(w http.ResponseWriter, r *http.Request) {
	overall, _ := s.evaluate()
	if overall == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func (s *Surface) handleHealth(w http.ResponseWriter, r *http.Request) {
	overall, components := s.evaluate()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := healthResponse{
		Status:        overall,
		Timestamp:     time.Now(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Components:    components,
		System: systemView{
			MemoryAllocBytes: mem.Alloc,
			ProcessCount:     1,
			Goroutines:       runtime.NumGoroutine(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if overall == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// evaluate computes overall_status, tolerating
// any absent component by reporting it "down" rather than erroring.
func (s *Surface) evaluate() (string, componentsView) {
	components := componentsView{Prover: "down", InputGenerator: "down", TaskHost: "down"}

	proverDown := true
	var provingSeconds uint32
	if s.prover != nil {
		idle, _, _, secs := s.prover.Snapshot()
		components.Prover = "up"
		proverDown = false
		if !idle {
			provingSeconds = secs
		}
	}

	inputGenDown := true
	if s.inputGenerator != nil {
		s.inputGenerator.Snapshot()
		components.InputGenerator = "up"
		inputGenDown = false
	}

	taskHostDown := true
	if s.taskHost != nil && s.taskHost.Alive() {
		components.TaskHost = "up"
		taskHostDown = false
	}

	overall := "healthy"
	switch {
	case proverDown || inputGenDown || taskHostDown:
		overall = "unhealthy"
	case time.Duration(provingSeconds)*time.Second > s.stuckThreshold:
		overall = "degraded"
	}

	if overall == "healthy" {
		s.overallGauge.Set(1)
	} else {
		s.overallGauge.Set(0)
	}
	s.provingDuration.Set(float64(provingSeconds))

	return overall, components
}
