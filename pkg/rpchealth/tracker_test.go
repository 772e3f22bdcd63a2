package rpchealth

import (
	"testing"
	"time"
)

type fakeSink struct {
	downs      []Event
	recoveries []Event
}

func (f *fakeSink) RPCDown(ev Event)      { f.downs = append(f.downs, ev) }
func (f *fakeSink) RPCRecovered(ev Event) { f.recoveries = append(f.recoveries, ev) }

func TestTracker_NoEventBelowThreshold(t *testing.T) {
	sink := &fakeSink{}
	now := time.Now()
	tr := New("http://node", sink)
	tr.clock = func() time.Time { return now }

	tr.RecordFailure("connection refused")
	now = now.Add(DownThreshold / 2)
	tr.RecordFailure("connection refused")

	if len(sink.downs) != 0 {
		t.Fatalf("expected no Down event below threshold, got %d", len(sink.downs))
	}
	if tr.Down() {
		t.Fatal("expected Down() to report false before the threshold is crossed")
	}
}

func TestTracker_EmitsDownOnceAtThreshold(t *testing.T) {
	sink := &fakeSink{}
	now := time.Now()
	tr := New("http://node", sink)
	tr.clock = func() time.Time { return now }

	tr.RecordFailure("timeout")
	now = now.Add(DownThreshold)
	tr.RecordFailure("timeout")
	tr.RecordFailure("timeout")

	if len(sink.downs) != 1 {
		t.Fatalf("expected exactly one Down event, got %d", len(sink.downs))
	}
	if !tr.Down() {
		t.Fatal("expected Down() to report true once notified")
	}
}

func TestTracker_EmitsRecoveredOnlyAfterNotifiedDown(t *testing.T) {
	sink := &fakeSink{}
	now := time.Now()
	tr := New("http://node", sink)
	tr.clock = func() time.Time { return now }

	tr.RecordFailure("timeout")
	now = now.Add(DownThreshold / 2)
	tr.RecordSuccess()

	if len(sink.recoveries) != 0 {
		t.Fatalf("expected no Recovered event for an outage never notified, got %d", len(sink.recoveries))
	}

	tr.RecordFailure("timeout")
	now = now.Add(DownThreshold)
	tr.RecordFailure("timeout")
	if tr.Down() != true {
		t.Fatal("expected tracker to be down after crossing the threshold")
	}

	tr.RecordSuccess()
	if len(sink.recoveries) != 1 {
		t.Fatalf("expected exactly one Recovered event, got %d", len(sink.recoveries))
	}
	if tr.Down() {
		t.Fatal("expected Down() to report false after recovery")
	}
}

func TestTracker_SuccessWithoutPriorFailureIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	tr := New("http://node", sink)

	tr.RecordSuccess()

	if len(sink.recoveries) != 0 {
		t.Fatalf("expected no Recovered event when no outage was in progress, got %d", len(sink.recoveries))
	}
}
