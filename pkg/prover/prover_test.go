package prover

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/ethzk/proof-pipeline/pkg/ethproofsapi"
	"github.com/ethzk/proof-pipeline/pkg/ledger"
	"github.com/ethzk/proof-pipeline/pkg/notify"
)

func newCtx() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}

func newTestProver(t *testing.T, elfPath string) (*Prover, *ledger.ProvedLedger, *ledger.MissedLedger) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake cargo-zisk script requires a POSIX shell")
	}

	store, err := ledger.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	proved, err := ledger.NewProvedLedger(store, nil, nil)
	if err != nil {
		t.Fatalf("NewProvedLedger: %v", err)
	}
	missed, err := ledger.NewMissedLedger(store, nil, nil)
	if err != nil {
		t.Fatalf("NewMissedLedger: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"proof_id": "proof-1"})
	}))
	t.Cleanup(srv.Close)
	api := ethproofsapi.New(ethproofsapi.Config{BaseURL: srv.URL, APIKey: "k", ClusterID: 1, OutputDir: t.TempDir()})

	p := New(elfPath, api, proved, missed, notify.New(""), nil)
	return p, proved, missed
}

// writeFakeCargoZisk writes a fake cargo-zisk to a temp dir and prepends
// that dir to PATH for the duration of the test.
func writeFakeCargoZisk(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, Binary)
	script := "#!/bin/sh\n" + body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cargo-zisk: %v", err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func outputDirFor(t *testing.T, block string) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(filepath.Join(wd, OutputDir)) })
	return filepath.Join(wd, OutputDir, block)
}

func waitForCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestProver_SuccessfulProveRecordsProved(t *testing.T) {
	outputDirFor(t, "100")
	writeFakeCargoZisk(t, `
outdir=""
while [ "$1" != "" ]; do
  case "$1" in
    -o) outdir="$2" ;;
  esac
  shift
done
mkdir -p "$outdir"
echo '{"cycles":12345,"time":1.5,"id":"verifier-1"}' > "$outdir/result.json"
echo -n 'deadbeef' > "$outdir/vadcop_final_proof.bin"
exit 0
`)

	p, proved, _ := newTestProver(t, "/tmp/elf")
	ctx, cancel := newCtx()
	defer cancel()
	go p.Run(ctx)

	p.Prove(100, "/tmp/input.bin", 10)

	waitForCond(t, 3*time.Second, func() bool { return proved.Count() == 1 })
	records := proved.List()
	if len(records) != 1 || records[0].Block != 100 {
		t.Fatalf("expected proved record for block 100, got %v", records)
	}
	if records[0].ProvingSeconds == nil || *records[0].ProvingSeconds != 1 {
		t.Errorf("expected proving seconds 1, got %v", records[0].ProvingSeconds)
	}
}

func TestProver_MissingArtifactRecordsMissed(t *testing.T) {
	outputDirFor(t, "200")
	writeFakeCargoZisk(t, `exit 0`)

	p, _, missed := newTestProver(t, "/tmp/elf")
	ctx, cancel := newCtx()
	defer cancel()
	go p.Run(ctx)

	p.Prove(200, "/tmp/input.bin", 0)

	waitForCond(t, 3*time.Second, func() bool { return missed.Count() == 1 })
	records := missed.List()
	if len(records) != 1 || records[0].Stage != ledger.StageProving {
		t.Fatalf("expected one Proving missed record, got %v", records)
	}
}

func TestProver_NonZeroExitStillReadsArtifacts(t *testing.T) {
	outputDirFor(t, "300")
	writeFakeCargoZisk(t, `
outdir=""
while [ "$1" != "" ]; do
  case "$1" in
    -o) outdir="$2" ;;
  esac
  shift
done
mkdir -p "$outdir"
echo '{"cycles":1,"time":0.5,"id":"v"}' > "$outdir/result.json"
echo -n 'xx' > "$outdir/vadcop_final_proof.compressed.bin"
exit 7
`)

	p, proved, _ := newTestProver(t, "/tmp/elf")
	ctx, cancel := newCtx()
	defer cancel()
	go p.Run(ctx)

	p.Prove(300, "/tmp/input.bin", 0)

	waitForCond(t, 3*time.Second, func() bool { return proved.Count() == 1 })
}

func TestProver_DuplicateProveIsIgnoredWhileQueued(t *testing.T) {
	outputDirFor(t, "400")
	writeFakeCargoZisk(t, `
outdir=""
while [ "$1" != "" ]; do
  case "$1" in
    -o) outdir="$2" ;;
  esac
  shift
done
mkdir -p "$outdir"
echo '{"cycles":1,"time":0.1,"id":"v"}' > "$outdir/result.json"
echo -n 'xx' > "$outdir/vadcop_final_proof.bin"
exit 0
`)

	p, proved, _ := newTestProver(t, "/tmp/elf")
	ctx, cancel := newCtx()
	defer cancel()
	go p.Run(ctx)

	p.Prove(400, "/tmp/input.bin", 0)
	p.Prove(400, "/tmp/input.bin", 0)

	waitForCond(t, 3*time.Second, func() bool { return proved.Count() == 1 })
}

func TestProver_SignalKilledRecordsCrash(t *testing.T) {
	outputDirFor(t, "500")
	// Self-delivered SIGKILL: cmd.Wait() still returns an *exec.ExitError,
	// but one whose WaitStatus reports Signaled() rather than a clean exit.
	writeFakeCargoZisk(t, `kill -KILL $$`)

	p, _, missed := newTestProver(t, "/tmp/elf")
	ctx, cancel := newCtx()
	defer cancel()
	go p.Run(ctx)

	p.Prove(500, "/tmp/input.bin", 0)

	waitForCond(t, 3*time.Second, func() bool { return missed.Count() == 1 })
	records := missed.List()
	if len(records) != 1 || records[0].Stage != ledger.StageProving {
		t.Fatalf("expected one Proving missed record, got %v", records)
	}
	if !strings.Contains(records[0].Reason, "Prover crashed") {
		t.Errorf("expected a crash reason for a signal-killed subprocess, got %q", records[0].Reason)
	}
}

func TestBase64Encoding_Unpadded(t *testing.T) {
	encoded := base64.RawStdEncoding.EncodeToString([]byte("deadbeef"))
	if decoded, err := base64.RawStdEncoding.DecodeString(encoded); err != nil || string(decoded) != "deadbeef" {
		t.Fatalf("round trip failed: %v %q", err, decoded)
	}
}
