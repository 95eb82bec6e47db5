package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DHTClient is the subset of internal/dht.DHT the reputation store needs.
// Kept as an interface so tests can swap in an in-memory fake without
// standing up a real overlay.
type DHTClient interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([][]byte, error)
}

// cacheTTL bounds how long a reader trusts its local cache of a peer's
// record before it is willing to re-read from the DHT on Get.
const cacheTTL = 10 * time.Second

// Store is the DHT-backed reputation accumulator.
type Store struct {
	dht   DHTClient
	alpha float64
	log   *slog.Logger

	mu    sync.Mutex
	cache map[string]cached
}

type cached struct {
	record   *Record
	fetchedAt time.Time
}

// NewStore constructs a Store. alpha <= 0 uses DefaultAlpha.
func NewStore(dht DHTClient, alpha float64) *Store {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	return &Store{
		dht:   dht,
		alpha: alpha,
		log:   slog.Default().With("component", "reputation"),
		cache: make(map[string]cached),
	}
}

func key(peerID string) string {
	return "reputation:" + peerID
}

// Get returns the current record for peerID, consulting the DHT when the
// local cache is stale or empty. A peer with no history yet gets a
// neutral starting record rather than an error.
func (s *Store) Get(ctx context.Context, peerID string) (*Record, error) {
	s.mu.Lock()
	if c, ok := s.cache[peerID]; ok && time.Since(c.fetchedAt) < cacheTTL {
		s.mu.Unlock()
		return c.record, nil
	}
	s.mu.Unlock()

	values, err := s.dht.Get(ctx, key(peerID))
	if err != nil {
		s.log.Warn("reputation get failed, using cached/neutral", "peer", peerID, "error", err)
	}

	var rec *Record
	for _, v := range values {
		r, perr := unmarshal(v)
		if perr != nil {
			continue
		}
		if rec == nil || r.UpdatedAt.After(rec.UpdatedAt) {
			rec = r
		}
	}
	if rec == nil {
		rec = NewRecord(peerID)
	}

	s.mu.Lock()
	s.cache[peerID] = cached{record: rec, fetchedAt: time.Now()}
	s.mu.Unlock()

	return rec, nil
}

// Record applies outcome to peerID's record and writes the updated
// record back to the DHT. DHT write failure degrades discoverability
// only; it never blocks the caller's inference path.
func (s *Store) Record(ctx context.Context, peerID string, outcome Outcome, latencyMs, quality float64) (*Record, error) {
	rec, err := s.Get(ctx, peerID)
	if err != nil {
		return nil, err
	}

	rec.Observe(outcome, latencyMs, quality, s.alpha)

	s.mu.Lock()
	s.cache[peerID] = cached{record: rec, fetchedAt: time.Now()}
	s.mu.Unlock()

	data, err := marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal reputation record: %w", err)
	}
	if err := s.dht.Put(ctx, key(peerID), data); err != nil {
		s.log.Warn("reputation put failed", "peer", peerID, "error", err)
	}
	return rec, nil
}

// Floor reports whether rec's score is at or above the given floor; the
// node selector never returns a peer below this floor.
func Floor(rec *Record, floor float64) bool {
	return rec.Score >= floor
}

// SelfView adapts a Store to capabilities.ReputationSource, giving the
// local capability collector this peer's own cached reputation and
// latency for inclusion in its next announcement.
type SelfView struct {
	Store  *Store
	PeerID string
}

// SelfReputation implements capabilities.ReputationSource.
func (v SelfView) SelfReputation() float64 {
	rec, err := v.Store.Get(context.Background(), v.PeerID)
	if err != nil || rec == nil {
		return 0.5
	}
	return rec.Score
}

// AverageLatencyMs implements capabilities.ReputationSource.
func (v SelfView) AverageLatencyMs() float64 {
	rec, err := v.Store.Get(context.Background(), v.PeerID)
	if err != nil || rec == nil {
		return 0
	}
	return rec.EMALatencyMs
}
