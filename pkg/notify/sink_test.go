package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestSink_NotifyDelivers(t *testing.T) {
	var received int32
	var gotKind string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookPayload
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode webhook body: %v", err)
		}
		gotKind = body.Kind
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := New(srv.URL)
	sink.Notify(Event{Kind: KindProofSubmitted, Headline: "block 100 proved"})
	sink.Wait()

	if atomic.LoadInt32(&received) != 1 {
		t.Fatalf("expected 1 delivery, got %d", received)
	}
	if gotKind != string(KindProofSubmitted) {
		t.Errorf("expected kind %s, got %s", KindProofSubmitted, gotKind)
	}
}

func TestSink_PublishTopic(t *testing.T) {
	var gotTopic string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body webhookPayload
		json.NewDecoder(r.Body).Decode(&body)
		gotTopic = body.Topic
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := New(srv.URL)
	sink.Publish("proved_blocks_updated", map[string]any{"block": 100})
	sink.Wait()

	if gotTopic != "proved_blocks_updated" {
		t.Errorf("expected topic proved_blocks_updated, got %s", gotTopic)
	}
}

func TestSink_NoWebhookConfigured(t *testing.T) {
	sink := New("")
	// Must not panic or block even without a configured destination.
	sink.Notify(Event{Kind: KindRpcDown, Headline: "rpc down"})
	sink.Wait()
}

func TestSink_DeliveryFailureDoesNotPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := New(srv.URL)
	sink.Notify(Event{Kind: KindProofGenerationFailed, Headline: "boom"})
	sink.Wait()
}
