package metrics

import (
	"testing"
	"time"
)

func TestHistogramObserveAndSnapshot(t *testing.T) {
	h := NewHistogram("screening")
	for i := 0; i < 90; i++ {
		h.Observe(8 * time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		h.Observe(800 * time.Millisecond)
	}

	snap := h.Snapshot()
	if snap.Count != 100 {
		t.Fatalf("count=%d", snap.Count)
	}
	if snap.P50 != 0.01 {
		t.Fatalf("p50=%f", snap.P50)
	}
	if snap.P95 != 1.0 || snap.P99 != 1.0 {
		t.Fatalf("p95=%f p99=%f", snap.P95, snap.P99)
	}
	if snap.Sum <= 0 {
		t.Fatalf("sum=%f", snap.Sum)
	}
}

func TestHistogramEmptySnapshot(t *testing.T) {
	snap := NewHistogram("empty").Snapshot()
	if snap.Count != 0 || snap.P50 != 0 || snap.P95 != 0 || snap.P99 != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestHistogramRegistryGetIsStable(t *testing.T) {
	r := NewHistogramRegistry()
	a := r.Get("proposals")
	b := r.Get("proposals")
	if a != b {
		t.Fatal("expected the same histogram instance")
	}
	r.ObserveDuration("votes", time.Millisecond)
	snaps := r.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snaps))
	}
	if snaps[0].Name != "proposals" || snaps[1].Name != "votes" {
		t.Fatalf("order=%v,%v", snaps[0].Name, snaps[1].Name)
	}
}
