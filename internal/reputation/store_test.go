package reputation

import (
	"context"
	"sync"
	"testing"
)

// fakeDHT is an in-memory stand-in for internal/dht.DHT, sufficient for
// exercising Store without a real overlay.
type fakeDHT struct {
	mu   sync.Mutex
	data map[string][][]byte
}

func newFakeDHT() *fakeDHT {
	return &fakeDHT{data: make(map[string][][]byte)}
}

func (f *fakeDHT) Put(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = [][]byte{value}
	return nil
}

func (f *fakeDHT) Get(_ context.Context, key string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func TestStoreRecordRoundTrips(t *testing.T) {
	d := newFakeDHT()
	s := NewStore(d, DefaultAlpha)
	ctx := context.Background()

	rec, err := s.Record(ctx, "peerA", OutcomeSuccess, 20, 1.0)
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if rec.Score <= 0 {
		t.Fatalf("expected positive score after success, got %v", rec.Score)
	}

	// A fresh store (no cache) reading from the same DHT sees the write.
	s2 := NewStore(d, DefaultAlpha)
	rec2, err := s2.Get(ctx, "peerA")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec2.Score != rec.Score {
		t.Fatalf("round-tripped score = %v, want %v", rec2.Score, rec.Score)
	}
}

func TestGetUnknownPeerIsNeutral(t *testing.T) {
	s := NewStore(newFakeDHT(), DefaultAlpha)
	rec, err := s.Get(context.Background(), "unknown-peer")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Score < 0 || rec.Score > 1 {
		t.Fatalf("neutral record score out of bounds: %v", rec.Score)
	}
}

func TestFloorRejectsLowScore(t *testing.T) {
	rec := NewRecord("p")
	rec.Score = 0.1
	if Floor(rec, 0.5) {
		t.Fatalf("expected Floor to reject score 0.1 at floor 0.5")
	}
	if !Floor(rec, 0.0) {
		t.Fatalf("expected Floor to accept any score at floor 0.0")
	}
}
