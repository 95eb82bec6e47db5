package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shardmesh/shardnet/internal/capabilities"
)

// fakeDHTGetter simulates the provider-record model: FindProviders
// returns the peer IDs that "Provide"d a key, and Get reads back each
// peer's own peer-scoped record, mirroring the real DHT's
// Put(PeerKey)+Provide(Key) / FindProviders+Get(PeerKey) pairing.
type fakeDHTGetter struct {
	mu        sync.Mutex
	data      map[string][][]byte
	providers map[string][]string
}

func newFakeDHTGetter() *fakeDHTGetter {
	return &fakeDHTGetter{data: make(map[string][][]byte), providers: make(map[string][]string)}
}

func (f *fakeDHTGetter) Get(_ context.Context, key string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key], nil
}

func (f *fakeDHTGetter) FindProviders(_ context.Context, key string, count int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.providers[key]
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// put stores a announced under index's peer key and registers a as a
// provider of the index-level key, exactly as Publisher.publishOne does.
func (f *fakeDHTGetter) put(model string, index int, a *Announcement) {
	data, _ := a.Marshal()
	f.mu.Lock()
	defer f.mu.Unlock()
	peerKey := PeerKey(model, index, a.PeerID)
	f.data[peerKey] = append(f.data[peerKey], data)

	indexKey := Key(model, index)
	for _, p := range f.providers[indexKey] {
		if p == a.PeerID {
			return
		}
	}
	f.providers[indexKey] = append(f.providers[indexKey], a.PeerID)
}

// setLoaded overwrites the stored record for peerID at index with
// shard_loaded=true, simulating the re-announce that follows a
// completed torrent fetch.
func (f *fakeDHTGetter) setLoaded(model string, index int, peerID string, loaded bool) {
	f.mu.Lock()
	peerKey := PeerKey(model, index, peerID)
	existing := f.data[peerKey]
	f.mu.Unlock()
	if len(existing) == 0 {
		return
	}
	a, err := Unmarshal(existing[len(existing)-1])
	if err != nil {
		return
	}
	a.Capabilities.ShardLoaded = loaded
	f.put(model, index, a)
}

func (f *fakeDHTGetter) putAvailability(model string, index int, av *FileAvailability) {
	data, _ := av.Marshal()
	f.mu.Lock()
	defer f.mu.Unlock()
	peerKey := AvailabilityPeerKey(model, index, av.PeerID)
	f.data[peerKey] = append(f.data[peerKey], data)

	indexKey := AvailabilityKey(model, index)
	f.providers[indexKey] = append(f.providers[indexKey], av.PeerID)
}

// fakeFetchTrigger records TriggerFetch calls and, to simulate the
// fetch-then-reannounce round trip without a real torrent transfer,
// marks the target's record loaded in the backing fakeDHTGetter.
type fakeFetchTrigger struct {
	fd    *fakeDHTGetter
	calls []string
}

func (f *fakeFetchTrigger) TriggerFetch(_ context.Context, targetPeerID, sourcePeerID, model string, shardIndex int, infoHash string) error {
	f.calls = append(f.calls, targetPeerID+"<-"+sourcePeerID+"@"+infoHash)
	f.fd.setLoaded(model, shardIndex, targetPeerID, true)
	return nil
}

func TestAssemblePipelineIncompleteWithoutLoadedFlag(t *testing.T) {
	fd := newFakeDHTGetter()
	for i := 0; i < 4; i++ {
		fd.put("m", i, &Announcement{
			PeerID: "peer", Model: "m", ShardIndex: i, TotalShards: 4, TotalLayers: 32,
			LayerRange:   LayerRange{Start: i * 8, End: (i + 1) * 8},
			Capabilities: capabilities.Snapshot{ShardLoaded: false},
		})
	}

	d := NewDiscovery(fd)
	p, err := d.AssemblePipeline(context.Background(), "m", 4)
	if err != nil {
		t.Fatalf("AssemblePipeline() error = %v", err)
	}
	if p.Complete() {
		t.Fatalf("expected incomplete pipeline since no candidate is shard_loaded")
	}
	if len(p.MissingIndices()) != 4 {
		t.Fatalf("expected all 4 indices missing, got %v", p.MissingIndices())
	}
}

func TestAssemblePipelineCompleteWhenAllLoaded(t *testing.T) {
	fd := newFakeDHTGetter()
	for i := 0; i < 4; i++ {
		fd.put("m", i, &Announcement{
			PeerID: "peer", Model: "m", ShardIndex: i, TotalShards: 4, TotalLayers: 32,
			LayerRange:   LayerRange{Start: i * 8, End: (i + 1) * 8},
			Capabilities: capabilities.Snapshot{ShardLoaded: true},
		})
	}

	d := NewDiscovery(fd)
	p, err := d.AssemblePipeline(context.Background(), "m", 4)
	if err != nil {
		t.Fatalf("AssemblePipeline() error = %v", err)
	}
	if !p.Complete() {
		t.Fatalf("expected complete pipeline, missing %v", p.MissingIndices())
	}
}

func TestNoCandidatesFailFast(t *testing.T) {
	fd := newFakeDHTGetter()
	d := NewDiscovery(fd)
	_, err := d.Resolve(context.Background(), "m", 2, FailFast, WaitAndRetryParams{})
	if err == nil {
		t.Fatal("expected NoCandidatesError")
	}
	if _, ok := err.(*NoCandidatesError); !ok {
		t.Fatalf("expected *NoCandidatesError, got %T: %v", err, err)
	}
}

// TestUnspecifiedStrategyFailsFastRatherThanWaiting guards against
// Resolve silently treating an unset Strategy as WaitAndRetry: the zero
// value is its own Unspecified constant, so a caller that reaches
// Discovery directly (bypassing Coordinator.Run's default) gets the
// conservative behavior instead of an unbounded wait.
func TestUnspecifiedStrategyFailsFastRatherThanWaiting(t *testing.T) {
	fd := newFakeDHTGetter()
	d := NewDiscovery(fd)
	var zero Strategy
	if zero != Unspecified {
		t.Fatalf("zero value of Strategy = %v, want Unspecified", zero)
	}
	_, err := d.Resolve(context.Background(), "m", 1, zero, WaitAndRetryParams{})
	if _, ok := err.(*NoCandidatesError); !ok {
		t.Fatalf("expected *NoCandidatesError for Unspecified, got %T: %v", err, err)
	}
}

// TestDynamicLoadingTriggersFetchAndCompletes: peer3 is assigned shard
// 1 but hasn't loaded it; peer4
// advertises the raw file via a FileAvailability record. DynamicLoading
// should trigger a fetch from peer4 to peer3 and, once peer3
// re-announces loaded, return a complete pipeline.
func TestDynamicLoadingTriggersFetchAndCompletes(t *testing.T) {
	fd := newFakeDHTGetter()
	fd.put("m", 0, &Announcement{
		PeerID: "peer1", Model: "m", ShardIndex: 0, TotalShards: 2, TotalLayers: 16,
		LayerRange:   LayerRange{Start: 0, End: 8},
		Capabilities: capabilities.Snapshot{ShardLoaded: true},
	})
	fd.put("m", 1, &Announcement{
		PeerID: "peer3", Model: "m", ShardIndex: 1, TotalShards: 2, TotalLayers: 16,
		LayerRange:   LayerRange{Start: 8, End: 16},
		Capabilities: capabilities.Snapshot{ShardLoaded: false},
	})
	fd.putAvailability("m", 1, &FileAvailability{PeerID: "peer4", Model: "m", ShardIndex: 1, InfoHash: "deadbeef"})

	d := NewDiscovery(fd)
	trigger := &fakeFetchTrigger{fd: fd}
	d.SetFetchTrigger(trigger)

	p, err := d.Resolve(context.Background(), "m", 2, DynamicLoading, WaitAndRetryParams{Timeout: time.Second, Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !p.Complete() {
		t.Fatalf("expected complete pipeline after dynamic load, missing %v", p.MissingIndices())
	}
	if len(trigger.calls) != 1 || trigger.calls[0] != "peer3<-peer4@deadbeef" {
		t.Fatalf("expected one fetch trigger peer3<-peer4, got %v", trigger.calls)
	}
}

// TestDynamicLoadingWithoutFetchTriggerFailsFast ensures a bare
// Discovery (no FetchTrigger wired) degrades to an immediate
// NoCandidatesError instead of hanging or silently looping forever.
func TestDynamicLoadingWithoutFetchTriggerFailsFast(t *testing.T) {
	fd := newFakeDHTGetter()
	d := NewDiscovery(fd)
	_, err := d.Resolve(context.Background(), "m", 1, DynamicLoading, WaitAndRetryParams{})
	if _, ok := err.(*NoCandidatesError); !ok {
		t.Fatalf("expected *NoCandidatesError, got %T: %v", err, err)
	}
}

// TestSingleNodeFallbackCollapsesOntoOnePeer: one peer appears
// (unloaded) at every missing
// index, so the remaining stages collapse onto it.
func TestSingleNodeFallbackCollapsesOntoOnePeer(t *testing.T) {
	fd := newFakeDHTGetter()
	fd.put("m", 0, &Announcement{
		PeerID: "peer1", Model: "m", ShardIndex: 0, TotalShards: 3, TotalLayers: 24,
		LayerRange:   LayerRange{Start: 0, End: 8},
		Capabilities: capabilities.Snapshot{ShardLoaded: true},
	})
	for _, idx := range []int{1, 2} {
		fd.put("m", idx, &Announcement{
			PeerID: "peerX", Model: "m", ShardIndex: idx, TotalShards: 3, TotalLayers: 24,
			LayerRange:   LayerRange{Start: idx * 8, End: idx*8 + 8},
			Capabilities: capabilities.Snapshot{ShardLoaded: false},
		})
	}

	d := NewDiscovery(fd)
	p, err := d.Resolve(context.Background(), "m", 3, SingleNodeFallback, WaitAndRetryParams{})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !p.Complete() {
		t.Fatalf("expected collapsed pipeline to be complete, missing %v", p.MissingIndices())
	}
	for _, idx := range []int{1, 2} {
		loaded := p.Sets[idx].Loaded()
		if len(loaded) != 1 || loaded[0].PeerID != "peerX" {
			t.Fatalf("index %d: expected collapsed onto peerX, got %v", idx, loaded)
		}
	}
}

// TestSingleNodeFallbackNoSinglePeerFailsFast ensures the collapse is
// refused (rather than guessed at) when no one peer covers every
// missing index.
func TestSingleNodeFallbackNoSinglePeerFailsFast(t *testing.T) {
	fd := newFakeDHTGetter()
	fd.put("m", 0, &Announcement{
		PeerID: "peerA", Model: "m", ShardIndex: 0, TotalShards: 2, TotalLayers: 16,
		LayerRange:   LayerRange{Start: 0, End: 8},
		Capabilities: capabilities.Snapshot{ShardLoaded: false},
	})
	fd.put("m", 1, &Announcement{
		PeerID: "peerB", Model: "m", ShardIndex: 1, TotalShards: 2, TotalLayers: 16,
		LayerRange:   LayerRange{Start: 8, End: 16},
		Capabilities: capabilities.Snapshot{ShardLoaded: false},
	})

	d := NewDiscovery(fd)
	_, err := d.Resolve(context.Background(), "m", 2, SingleNodeFallback, WaitAndRetryParams{})
	if _, ok := err.(*NoCandidatesError); !ok {
		t.Fatalf("expected *NoCandidatesError, got %T: %v", err, err)
	}
}
