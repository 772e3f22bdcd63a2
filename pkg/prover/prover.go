// Package prover implements the pipeline's second stage: a
// single-flight actor serializing proof generation behind the external
// cargo-zisk prove executable, since the underlying proving hardware
// admits only one concurrent proof.
package prover

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ethzk/proof-pipeline/pkg/ethproofsapi"
	"github.com/ethzk/proof-pipeline/pkg/ledger"
	"github.com/ethzk/proof-pipeline/pkg/notify"
)

// Binary is the external proving executable name.
const Binary = "cargo-zisk"

// OutputDir is the root directory each block's artifacts are written under.
const OutputDir = "output"

var proofArtifactNames = []string{"vadcop_final_proof.compressed.bin", "vadcop_final_proof.bin"}

type queueItem struct {
	block           uint64
	input           string
	inputGenSeconds uint32
}

type cmdProve queueItem

type cmdSnapshot struct {
	reply chan status
}

type status struct {
	idle           bool
	block          uint64
	since          time.Time
	provingSeconds uint32
}

type exitResult struct {
	handle     uint64
	block      uint64
	exitStatus string
	exitErr    error // non-nil means abnormal termination (killed by a signal, or no exit status at all)
}

// Prover is the Prover actor. All state is owned by Run and mutated
// only within its select loop.
type Prover struct {
	elfPath  string
	api      *ethproofsapi.Client
	proved   *ledger.ProvedLedger
	missed   *ledger.MissedLedger
	notifier *notify.Sink
	logger   *log.Logger

	cmds chan any
	done chan struct{}
}

// New creates a Prover. Call Run to start its actor loop.
func New(elfPath string, api *ethproofsapi.Client, proved *ledger.ProvedLedger, missed *ledger.MissedLedger, notifier *notify.Sink, logger *log.Logger) *Prover {
	if logger == nil {
		logger = log.New(log.Writer(), "[Prover] ", log.LstdFlags)
	}
	return &Prover{
		elfPath:  elfPath,
		api:      api,
		proved:   proved,
		missed:   missed,
		notifier: notifier,
		logger:   logger,
		cmds:     make(chan any, 16),
		done:     make(chan struct{}),
	}
}

// Prove enqueues block for proving. It implements inputgen.ProverTarget.
func (p *Prover) Prove(block uint64, input string, inputGenSeconds uint32) {
	select {
	case p.cmds <- cmdProve{block: block, input: input, inputGenSeconds: inputGenSeconds}:
	case <-p.done:
	}
}

// Snapshot returns a point-in-time view of the actor's state, used by
// StatusSurface.
func (p *Prover) Snapshot() (idle bool, block uint64, since time.Time, provingSeconds uint32) {
	reply := make(chan status, 1)
	select {
	case p.cmds <- cmdSnapshot{reply: reply}:
	case <-p.done:
		return true, 0, time.Time{}, 0
	}
	select {
	case s := <-reply:
		return s.idle, s.block, s.since, s.provingSeconds
	case <-p.done:
		return true, 0, time.Time{}, 0
	}
}

// Run starts the actor loop. It blocks until ctx is cancelled.
func (p *Prover) Run(ctx context.Context) {
	defer close(p.done)

	var (
		idle         = true
		current      queueItem
		since        = time.Now()
		handle       uint64
		queue        []queueItem
		queuedOrBusy = make(map[uint64]struct{})
	)

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-p.cmds:
			switch m := msg.(type) {
			case cmdSnapshot:
				provingSeconds := uint32(0)
				if !idle {
					provingSeconds = uint32(time.Since(since).Seconds())
				}
				m.reply <- status{idle: idle, block: current.block, since: since, provingSeconds: provingSeconds}

			case cmdProve:
				if _, exists := queuedOrBusy[m.block]; exists {
					p.logger.Printf("debug: block %d already queued or in progress, skipping", m.block)
					break
				}
				queuedOrBusy[m.block] = struct{}{}
				go func(block uint64) {
					out := p.api.Queued(context.Background(), block)
					if out.Err != "" {
						p.notifier.Notify(notify.Event{
							Kind:     notify.KindEthProofsRequestFailed,
							Headline: fmt.Sprintf("ethproofs queued report failed for block %d", block),
							Fields:   map[string]any{"block": block, "reason": out.Err},
						})
					}
				}(m.block)
				queue = append(queue, queueItem(m))

			case exitResult:
				if m.handle != handle {
					p.logger.Printf("discarding stray subprocess signal for block %d (handle %d != %d)", m.block, m.handle, handle)
					break
				}
				p.handleExit(m, current.inputGenSeconds)
				delete(queuedOrBusy, m.block)
				idle = true
				current = queueItem{}
				since = time.Now()
			}

			if idle && len(queue) > 0 {
				handle++
				current = queue[0]
				queue = queue[1:]
				idle = false
				since = time.Now()
				p.startProving(ctx, handle, current)
			}
		}
	}
}

func (p *Prover) startProving(ctx context.Context, handle uint64, item queueItem) {
	dir := filepath.Join(OutputDir, fmt.Sprintf("%d", item.block))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		p.deliverAbnormal(handle, item.block, fmt.Errorf("failed to create output dir: %w", err))
		return
	}

	cmd := exec.Command(Binary, "prove", "-e", p.elfPath, "-i", item.input, "-o", dir, "-a", "-u")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.deliverAbnormal(handle, item.block, fmt.Errorf("failed to attach stdout: %w", err))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.deliverAbnormal(handle, item.block, fmt.Errorf("failed to attach stderr: %w", err))
		return
	}

	if err := cmd.Start(); err != nil {
		p.deliverAbnormal(handle, item.block, fmt.Errorf("failed to start cargo-zisk: %w", err))
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go p.streamDebug(&wg, item.block, "stdout", stdout)
	go p.streamDebug(&wg, item.block, "stderr", stderr)

	go func() {
		out := p.api.Proving(context.Background(), item.block)
		if out.Err != "" {
			p.notifier.Notify(notify.Event{
				Kind:     notify.KindEthProofsRequestFailed,
				Headline: fmt.Sprintf("ethproofs proving report failed for block %d", item.block),
				Fields:   map[string]any{"block": item.block, "reason": out.Err},
			})
		}
	}()
	p.notifier.Publish("prover_status", map[string]any{"status": "proving", "block": item.block})

	go func() {
		waitErr := cmd.Wait()
		wg.Wait()

		res := exitResult{handle: handle, block: item.block}
		if waitErr == nil {
			res.exitStatus = "0"
		} else if exitErr, isExit := waitErr.(*exec.ExitError); isExit {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				// Killed by a signal (e.g. OOM killer): no exit status was
				// ever delivered, so this is abnormal termination, not a
				// clean-but-nonzero exit.
				res.exitErr = exitErr
			} else {
				res.exitStatus = exitErr.Error()
			}
		} else {
			// cmd.Wait returning a non-ExitError means the subprocess
			// disappeared before a clean exit status was ever delivered.
			res.exitErr = waitErr
		}

		select {
		case p.cmds <- res:
		case <-p.done:
		}
	}()
}

func (p *Prover) deliverAbnormal(handle, block uint64, err error) {
	go func() {
		select {
		case p.cmds <- exitResult{handle: handle, block: block, exitErr: err}:
		case <-p.done:
		}
	}()
}

func (p *Prover) streamDebug(wg *sync.WaitGroup, block uint64, stream string, r io.Reader) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Printf("debug: block %d %s: %s", block, stream, scanner.Text())
	}
}

func (p *Prover) handleExit(res exitResult, inputGenSeconds uint32) {
	block := res.block

	if res.exitErr != nil {
		reason := fmt.Sprintf("Prover crashed: %v", res.exitErr)
		p.recordMissed(block, reason)
		p.notifier.Publish("prover_status", map[string]any{"status": "crashed", "block": block})
		return
	}

	provingSeconds := uint32(0)
	cycles, timeMs, proofB64, verifierID, err := p.readArtifacts(block, &provingSeconds)
	if err != nil {
		reason := fmt.Sprintf("Proving failed (exit_status:%s): %v", res.exitStatus, err)
		p.recordMissed(block, reason)
		return
	}

	out := p.api.Proved(context.Background(), block, timeMs, cycles, proofB64, verifierID)
	if out.Err != "" {
		p.notifier.Notify(notify.Event{
			Kind:     notify.KindEthProofsRequestFailed,
			Headline: fmt.Sprintf("ethproofs proved report failed for block %d", block),
			Fields:   map[string]any{"block": block, "reason": out.Err},
		})
	}

	var inputGenPtr *uint32
	if inputGenSeconds > 0 {
		v := inputGenSeconds
		inputGenPtr = &v
	}
	provingSecondsCopy := provingSeconds
	if _, err := p.proved.Add(ledger.ProvedRecord{
		Block:           block,
		ProvedAt:        time.Now(),
		ProvingSeconds:  &provingSecondsCopy,
		InputGenSeconds: inputGenPtr,
	}); err != nil {
		p.logger.Printf("failed to record proved block %d: %v", block, err)
	}

	p.notifier.Notify(notify.Event{
		Kind:     notify.KindProofSubmitted,
		Headline: fmt.Sprintf("block %d proved", block),
		Fields:   map[string]any{"block": block, "proving_seconds": provingSeconds, "proof_id": out.ProofID},
	})
}

func (p *Prover) recordMissed(block uint64, reason string) {
	if _, err := p.missed.Add(ledger.MissedRecord{Block: block, FailedAt: time.Now(), Stage: ledger.StageProving, Reason: reason}); err != nil {
		p.logger.Printf("failed to record missed block %d: %v", block, err)
	}
	p.notifier.Notify(notify.Event{
		Kind:     notify.KindProofGenerationFailed,
		Headline: fmt.Sprintf("proving failed for block %d", block),
		Fields:   map[string]any{"block": block, "reason": reason},
	})
}

type resultJSON struct {
	Cycles uint64  `json:"cycles"`
	Time   float64 `json:"time"`
	ID     string  `json:"id"`
}

// readArtifacts reads output/<block>/result.json and the first existing
// proof binary, returning the fields the EthProofs API and ProvedLedger
// need. provingSeconds is set as a side effect for the caller's durable
// record.
func (p *Prover) readArtifacts(block uint64, provingSeconds *uint32) (cycles, timeMs uint64, proofB64, verifierID string, err error) {
	dir := filepath.Join(OutputDir, strconv.FormatUint(block, 10))

	resultPath := filepath.Join(dir, "result.json")
	raw, err := os.ReadFile(resultPath)
	if err != nil {
		return 0, 0, "", "", fmt.Errorf("read result.json: %w", err)
	}
	var result resultJSON
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, 0, "", "", fmt.Errorf("parse result.json: %w", err)
	}

	var proofBytes []byte
	var found bool
	for _, name := range proofArtifactNames {
		data, readErr := os.ReadFile(filepath.Join(dir, name))
		if readErr == nil {
			proofBytes = data
			found = true
			break
		}
	}
	if !found {
		return 0, 0, "", "", fmt.Errorf("no proof artifact found in %s", dir)
	}

	*provingSeconds = uint32(math.Floor(result.Time))
	return result.Cycles, uint64(math.Floor(result.Time * 1000)), base64.RawStdEncoding.EncodeToString(proofBytes), result.ID, nil
}

