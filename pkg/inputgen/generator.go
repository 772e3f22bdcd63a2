// Package inputgen implements the pipeline's first stage: a
// single-flight actor that polls the chain head, accepts checkpoint
// blocks, and drives each through block fetch, witness fetch, and input
// build before handing it to the Prover.
package inputgen

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ethzk/proof-pipeline/pkg/blockmeta"
	"github.com/ethzk/proof-pipeline/pkg/ethrpc"
	"github.com/ethzk/proof-pipeline/pkg/inputbuilder"
	"github.com/ethzk/proof-pipeline/pkg/ledger"
	"github.com/ethzk/proof-pipeline/pkg/notify"
)

// PollInterval is the fixed head-poll cadence.
const PollInterval = 2000 * time.Millisecond

// CheckpointInterval is the block-height modulus that selects proveable
// blocks.
const CheckpointInterval = 100

// secondsPerBlock is used only to estimate the wait until the next
// checkpoint for the debug log; it is not a correctness constant.
const secondsPerBlock = 12

// ProverTarget is the minimal surface InputGenerator needs from the
// Prover stage, kept as an interface to avoid a package import cycle.
type ProverTarget interface {
	Prove(block uint64, inputPath string, inputGenSeconds uint32)
}

// TaskHost is the worker substrate's failure surface, satisfied by
// *supervisor.TaskHost and kept as an interface to avoid a package
// import cycle. A crashed worker marks the host failed, which drives
// the Supervisor's rest-for-one restart of Prover, InputGenerator and
// StatusSurface.
type TaskHost interface {
	Fail()
}

// EthRpc is the subset of ethrpc.Client the generator depends on.
type EthRpc interface {
	LatestBlockInfo(ctx context.Context) (block uint64, unixSeconds int64, err error)
	BlockJSON(ctx context.Context, block any) ([]byte, error)
	ExecutionWitness(ctx context.Context, block any) ([]byte, error)
}

// status is the generator's externally-observable state for StatusSurface.
type status struct {
	idle    bool
	current uint64
	since   time.Time
}

type cmdPoll struct {
	block       uint64
	unixSeconds int64
}

type cmdGenerate struct {
	block uint64
}

type workerResult struct {
	handle          uint64
	block           uint64
	err             error
	meta            blockmeta.Meta
	inputPath       string
	inputGenSeconds uint32
}

type workerCrash struct {
	handle uint64
	block  uint64
}

type cmdSnapshot struct {
	reply chan status
}

// Generator is the InputGenerator actor. All state is owned by Run and
// mutated only from within its select loop; every external call is
// message-passing through cmds.
type Generator struct {
	eth       EthRpc
	builder   inputbuilder.Builder
	cache     *blockmeta.Cache
	missed    *ledger.MissedLedger
	prover    ProverTarget
	notifier  *notify.Sink
	markerDir string
	logger    *log.Logger
	host      TaskHost

	cmds chan any
	done chan struct{}
}

// New creates a Generator. Call Run to start its actor loop and poll timer.
// host may be nil (tests), in which case a worker crash is only logged.
func New(eth EthRpc, builder inputbuilder.Builder, cache *blockmeta.Cache, missed *ledger.MissedLedger, prover ProverTarget, notifier *notify.Sink, markerDir string, logger *log.Logger, host TaskHost) *Generator {
	if logger == nil {
		logger = log.New(log.Writer(), "[InputGenerator] ", log.LstdFlags)
	}
	return &Generator{
		eth:       eth,
		builder:   builder,
		cache:     cache,
		missed:    missed,
		prover:    prover,
		notifier:  notifier,
		markerDir: markerDir,
		logger:    logger,
		host:      host,
		cmds:      make(chan any, 16),
		done:      make(chan struct{}),
	}
}

// Generate requests generation of block directly, bypassing the poller.
// Used by tests and by the Supervisor's on-demand /api/generate endpoint;
// the poll loop applies the same acceptance checks through cmdPoll.
func (g *Generator) Generate(block uint64) {
	select {
	case g.cmds <- cmdGenerate{block: block}:
	case <-g.done:
	}
}

// Snapshot returns a point-in-time view of the actor's state, used by
// StatusSurface. It never blocks longer than one actor tick.
func (g *Generator) Snapshot() (idle bool, current uint64, since time.Time) {
	reply := make(chan status, 1)
	select {
	case g.cmds <- cmdSnapshot{reply: reply}:
	case <-g.done:
		return true, 0, time.Time{}
	}
	select {
	case s := <-reply:
		return s.idle, s.current, s.since
	case <-g.done:
		return true, 0, time.Time{}
	}
}

// Run starts the actor loop and the poll timer. It blocks until ctx is
// cancelled.
func (g *Generator) Run(ctx context.Context) {
	defer close(g.done)

	go g.pollLoop(ctx)

	var (
		idle         = true
		current      uint64
		since        = time.Now()
		handle       uint64
		queue        []uint64
		queuedSet    = make(map[uint64]struct{})
		processedSet = make(map[uint64]struct{})
	)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-g.cmds:
			switch m := msg.(type) {
			case cmdSnapshot:
				m.reply <- status{idle: idle, current: current, since: since}

			case cmdPoll:
				g.handlePoll(m.block, m.unixSeconds, idle, current, queuedSet, processedSet, &queue)

			case cmdGenerate:
				g.acceptBlock(m.block, idle, current, queuedSet, processedSet, &queue)

			case workerResult:
				if m.handle != handle {
					g.logger.Printf("discarding stray result for block %d (handle %d != %d)", m.block, m.handle, handle)
					break
				}
				processedSet[m.block] = struct{}{}
				if m.err != nil {
					g.notifier.Notify(notify.Event{
						Kind:     notify.KindInputGenerationFailed,
						Headline: fmt.Sprintf("input generation failed for block %d", m.block),
						Fields:   map[string]any{"block": m.block, "reason": m.err.Error()},
					})
					if _, err := g.missed.Add(ledger.MissedRecord{Block: m.block, FailedAt: time.Now(), Stage: ledger.StageInputGen, Reason: m.err.Error()}); err != nil {
						g.logger.Printf("failed to record missed block %d: %v", m.block, err)
					}
				} else {
					g.prover.Prove(m.block, m.inputPath, m.inputGenSeconds)
				}
				idle = true
				current = 0
				since = time.Now()

			case workerCrash:
				if m.handle != handle {
					break
				}
				g.logger.Printf("input worker for block %d terminated without a result", m.block)
				if g.host != nil {
					g.host.Fail()
				}
				idle = true
				current = 0
				since = time.Now()
				// Deliberately not marked processed: allows a later re-request.
			}

			if idle && len(queue) > 0 {
				handle++
				next := queue[0]
				queue = queue[1:]
				delete(queuedSet, next)
				idle = false
				current = next
				since = time.Now()
				g.startWorker(ctx, handle, next)
			}
		}
	}
}

func (g *Generator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			block, ts, err := g.eth.LatestBlockInfo(ctx)
			if err != nil {
				continue
			}
			select {
			case g.cmds <- cmdPoll{block: block, unixSeconds: ts}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (g *Generator) handlePoll(n uint64, unixSeconds int64, idle bool, current uint64, queuedSet map[uint64]struct{}, processedSet map[uint64]struct{}, queue *[]uint64) {
	if n%CheckpointInterval != 0 {
		wait := int64(CheckpointInterval-n%CheckpointInterval)*secondsPerBlock - (time.Now().Unix() - unixSeconds)
		if wait < 0 {
			wait = 0
		}
		g.logger.Printf("debug: block %d is not a checkpoint, estimated wait %ds", n, wait)
		return
	}
	g.acceptBlock(n, idle, current, queuedSet, processedSet, queue)
}

func (g *Generator) acceptBlock(n uint64, idle bool, current uint64, queuedSet map[uint64]struct{}, processedSet map[uint64]struct{}, queue *[]uint64) {
	if _, done := processedSet[n]; done {
		g.logger.Printf("debug: block %d already processed, skipping", n)
		return
	}
	if _, queued := queuedSet[n]; queued {
		g.logger.Printf("debug: block %d already queued, skipping", n)
		return
	}
	if !idle && current == n {
		g.logger.Printf("debug: block %d currently generating, skipping", n)
		return
	}
	if g.markerExists(n) {
		g.logger.Printf("debug: block %d has an on-disk marker, skipping", n)
		return
	}
	queuedSet[n] = struct{}{}
	*queue = append(*queue, n)
}

func (g *Generator) markerExists(block uint64) bool {
	if g.markerDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(g.markerDir, fmt.Sprintf("%d.bin", block)))
	return err == nil
}

// startWorker runs the 5-step generation sequence for block in its own
// goroutine and reports the outcome back through g.cmds. A panic inside the
// sequence is treated as a worker crash rather than propagated.
func (g *Generator) startWorker(ctx context.Context, handle, block uint64) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Printf("input worker for block %d panicked: %v", block, r)
				select {
				case g.cmds <- workerCrash{handle: handle, block: block}:
				case <-g.done:
				}
			}
		}()

		start := time.Now()

		blockJSON, err := g.eth.BlockJSON(ctx, block)
		if err != nil {
			g.report(handle, block, fmt.Errorf("rpc_get_block_by_number: %w", err))
			return
		}

		meta, err := ethrpcParseBlockMeta(blockJSON)
		if err != nil {
			g.report(handle, block, fmt.Errorf("block_metadata: invalid_block_data: %w", err))
			return
		}
		g.cache.Put(block, meta)

		witness, err := g.eth.ExecutionWitness(ctx, block)
		if err != nil {
			g.report(handle, block, fmt.Errorf("rpc_debug_execution_witness: %w", err))
			return
		}

		inputPath, err := g.builder.BuildInput(ctx, block, blockJSON, witness)
		if err != nil {
			g.report(handle, block, fmt.Errorf("input_generation: %w", err))
			return
		}

		elapsed := uint32(time.Since(start).Seconds())
		select {
		case g.cmds <- workerResult{handle: handle, block: block, inputPath: inputPath, inputGenSeconds: elapsed}:
		case <-g.done:
		}
	}()
}

func (g *Generator) report(handle, block uint64, err error) {
	select {
	case g.cmds <- workerResult{handle: handle, block: block, err: err}:
	case <-g.done:
	}
}

// ethrpcParseBlockMeta is a thin indirection so tests can substitute a
// stub EthRpc without also depending on real block JSON shapes.
var ethrpcParseBlockMeta = ethrpc.ParseBlockMeta
