package ethproofsapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestClient_DevModeSkipsEveryCall(t *testing.T) {
	c := New(Config{Dev: true})

	for _, out := range []Outcome{
		c.Queued(context.Background(), 1),
		c.Proving(context.Background(), 1),
	} {
		if !out.Skipped || out.Err != "" {
			t.Fatalf("expected a skipped outcome in dev mode, got %+v", out)
		}
	}
}

func TestClient_Queued_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing or wrong Authorization header: %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("expected a non-empty X-Request-Id header")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"proof_id":"abc123"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "test-key", ClusterID: 7})
	out := c.Queued(context.Background(), 100)
	if out.Err != "" || out.Skipped || out.ProofID != "abc123" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestClient_Post_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	out := c.Queued(context.Background(), 1)
	if out.Err == "" {
		t.Fatal("expected an error outcome for a 500 response")
	}
}

func TestClient_Post_200WithApplicationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"error":"cluster not recognized"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	out := c.Queued(context.Background(), 1)
	if out.Err == "" {
		t.Fatal("expected an error outcome for a 200 response carrying an application error")
	}
}

func TestClient_Proved_PersistsAuditCopy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"proof_id":"xyz"}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := New(Config{BaseURL: srv.URL, OutputDir: dir})

	out := c.Proved(context.Background(), 42, 1500, 9000, "cHJvb2Y=", "v1")
	if out.Err != "" || out.ProofID != "xyz" {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	path := filepath.Join(dir, "42", "42.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected audit copy at %s: %v", path, err)
	}
}

func TestClient_Proved_PersistsAuditCopyEvenInDevMode(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Dev: true, OutputDir: dir})

	out := c.Proved(context.Background(), 7, 100, 200, "cHJvb2Y=", "")
	if !out.Skipped {
		t.Fatalf("expected a skipped outcome in dev mode, got %+v", out)
	}

	path := filepath.Join(dir, "7", "7.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected audit copy to be written even in dev mode: %v", err)
	}
}
