package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shardmesh/shardnet/internal/capabilities"
	"github.com/shardmesh/shardnet/internal/command"
	"github.com/shardmesh/shardnet/internal/config"
	"github.com/shardmesh/shardnet/internal/llm"
	"github.com/shardmesh/shardnet/internal/selector"
	"github.com/shardmesh/shardnet/internal/shard"
)

// fakeDHT mirrors the real Put(PeerKey)+Provide(Key) pairing: providers
// answers FindProviders for the index-level key, values answers Get for
// each provider's peer-scoped record.
type fakeDHT struct {
	values    map[string][][]byte
	providers map[string][]string
}

func (f *fakeDHT) Get(ctx context.Context, key string) ([][]byte, error) {
	return f.values[key], nil
}

func (f *fakeDHT) FindProviders(ctx context.Context, key string, count int) ([]string, error) {
	out := f.providers[key]
	if count > 0 && len(out) > count {
		out = out[:count]
	}
	return out, nil
}

func seedAnnouncement(t *testing.T, dht *fakeDHT, model string, index, total int, peerID string, loaded bool) {
	t.Helper()
	a := &shard.Announcement{
		PeerID:      peerID,
		Model:       model,
		ShardIndex:  index,
		TotalShards: total,
		TotalLayers: total * 4,
		LayerRange:  shard.LayerRange{Start: index * 4, End: index*4 + 4},
		Capabilities: capabilities.Snapshot{
			ShardLoaded: loaded,
			CPUCores:    8,
			Reputation:  0.9,
		},
	}
	data, err := a.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if dht.values == nil {
		dht.values = make(map[string][][]byte)
		dht.providers = make(map[string][]string)
	}
	dht.values[shard.PeerKey(model, index, peerID)] = [][]byte{data}
	dht.providers[shard.Key(model, index)] = append(dht.providers[shard.Key(model, index)], peerID)
}

// fakeSender answers EXECUTE_TASK for whichever peers are listed as
// "good"; anything else errors, simulating an unreachable/failed peer.
type fakeSender struct {
	good map[string]bool
	self string
}

func (f *fakeSender) SendRequestToPeer(ctx context.Context, peerID string, req *command.Request) (*command.Response, error) {
	if !f.good[peerID] {
		return nil, fmt.Errorf("simulated unreachable peer %s", peerID)
	}
	var params command.ExecuteTaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, err
	}
	result := command.ExecuteTaskResult{
		ShardIndex: params.ShardIndex,
		Output:     command.DataEnvelope{Type: "tokens", Data: "42"},
		IsComplete: true,
	}
	raw, _ := json.Marshal(result)
	return &command.Response{
		Command:   req.Command,
		RequestID: req.RequestID,
		Status:    command.StatusSuccess,
		Result:    raw,
	}, nil
}

// simulatorSender answers EXECUTE_TASK by executing the task against a
// local llm.Simulator, standing in for four real stage peers.
type simulatorSender struct {
	sim *llm.Simulator
}

func (s *simulatorSender) SendRequestToPeer(ctx context.Context, peerID string, req *command.Request) (*command.Response, error) {
	var params command.ExecuteTaskParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, err
	}
	result, err := s.sim.Execute(ctx, params)
	if err != nil {
		return nil, err
	}
	raw, _ := json.Marshal(result)
	return &command.Response{
		Command:   req.Command,
		RequestID: req.RequestID,
		Status:    command.StatusSuccess,
		Result:    raw,
	}, nil
}

func rankAllParams() selector.RankParams {
	return selector.RankParams{Weights: config.DefaultWeights()}
}

// TestCoordinatorFourStageHappyPath walks a prompt through a four-shard
// pipeline of simulator-backed peers and checks the stage ordering,
// latency vector, and final completion text.
func TestCoordinatorFourStageHappyPath(t *testing.T) {
	dht := &fakeDHT{}
	for i := 0; i < 4; i++ {
		seedAnnouncement(t, dht, "llama-7b", i, 4, fmt.Sprintf("peer%d", i), true)
	}

	sender := &simulatorSender{sim: llm.NewSimulator(4, 16)}
	coord := New(Config{StageTimeout: time.Second, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	resp, err := coord.Run(context.Background(), InferenceRequest{
		RequestID:   "req-happy",
		Model:       "llama-7b",
		TotalShards: 4,
		Prompt:      "Why is the sky blue?",
		MaxTokens:   64,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(resp.PerStageLatencyMs) != 4 {
		t.Fatalf("PerStageLatencyMs has %d entries, want 4", len(resp.PerStageLatencyMs))
	}
	text := strings.ToLower(resp.Text)
	for _, want := range []string{"rayleigh", "scatter", "wavelength"} {
		if !strings.Contains(text, want) {
			t.Fatalf("Text = %q, missing %q", resp.Text, want)
		}
	}
	if len(resp.Tokens) == 0 {
		t.Fatal("expected final token IDs in the response")
	}
}

func TestCoordinatorRunCompletesSingleShardPipeline(t *testing.T) {
	dht := &fakeDHT{}
	seedAnnouncement(t, dht, "llama-7b", 0, 1, "peerA", true)

	sender := &fakeSender{good: map[string]bool{"peerA": true}}
	coord := New(Config{StageTimeout: time.Second, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	resp, err := coord.Run(context.Background(), InferenceRequest{
		RequestID:   "req-1",
		Model:       "llama-7b",
		TotalShards: 1,
		Prompt:      "hello",
		MaxTokens:   16,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(resp.PerStageLatencyMs) != 1 {
		t.Fatalf("PerStageLatencyMs = %v, want 1 entry", resp.PerStageLatencyMs)
	}
}

func TestCoordinatorRunAssignsRequestIDWhenCallerOmitsOne(t *testing.T) {
	dht := &fakeDHT{}
	seedAnnouncement(t, dht, "llama-7b", 0, 1, "peerA", true)

	sender := &fakeSender{good: map[string]bool{"peerA": true}}
	coord := New(Config{StageTimeout: time.Second, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	resp, err := coord.Run(context.Background(), InferenceRequest{
		Model:       "llama-7b",
		TotalShards: 1,
		Prompt:      "hello",
		MaxTokens:   16,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resp.RequestID == "" {
		t.Fatal("expected Run() to assign a non-empty request ID")
	}
}

func TestCoordinatorFailoverToNextCandidate(t *testing.T) {
	dht := &fakeDHT{}
	seedAnnouncement(t, dht, "llama-7b", 0, 1, "peerBad", true)
	seedAnnouncement(t, dht, "llama-7b", 0, 1, "peerGood", true)

	sender := &fakeSender{good: map[string]bool{"peerGood": true}}
	coord := New(Config{StageTimeout: 200 * time.Millisecond, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	resp, err := coord.Run(context.Background(), InferenceRequest{
		RequestID:   "req-2",
		Model:       "llama-7b",
		TotalShards: 1,
		Prompt:      "hello",
	})
	if err != nil {
		t.Fatalf("Run() error = %v, want success via failover", err)
	}
	if resp.RequestID != "req-2" {
		t.Fatalf("RequestID = %q, want req-2", resp.RequestID)
	}
}

func TestCoordinatorStageUnresolvableWhenNoCandidatesSucceed(t *testing.T) {
	dht := &fakeDHT{}
	seedAnnouncement(t, dht, "llama-7b", 0, 1, "peerBad", true)

	sender := &fakeSender{good: map[string]bool{}}
	coord := New(Config{StageTimeout: 50 * time.Millisecond, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	_, err := coord.Run(context.Background(), InferenceRequest{
		RequestID:   "req-3",
		Model:       "llama-7b",
		TotalShards: 1,
		Prompt:      "hello",
	})
	if err == nil {
		t.Fatal("expected StageUnresolvable error")
	}
	if _, ok := err.(*StageUnresolvableError); !ok {
		t.Fatalf("error type = %T, want *StageUnresolvableError", err)
	}
}

// countingSender rejects every dispatch and counts how many arrived.
type countingSender struct {
	calls int
}

func (s *countingSender) SendRequestToPeer(ctx context.Context, peerID string, req *command.Request) (*command.Response, error) {
	s.calls++
	return nil, fmt.Errorf("simulated failure from %s", peerID)
}

// TestCoordinatorStageStopsAfterMaxAttemptsAcrossCandidates pins the
// per-stage attempt budget: with more candidates than the budget and
// every dispatch failing, the stage makes exactly Backoff.MaxAttempt
// tries (one per next candidate) before resolving to StageUnresolvable.
func TestCoordinatorStageStopsAfterMaxAttemptsAcrossCandidates(t *testing.T) {
	saved := Backoff
	Backoff.Base = time.Millisecond
	Backoff.Cap = 4 * time.Millisecond
	defer func() { Backoff = saved }()

	dht := &fakeDHT{}
	for _, p := range []string{"peerA", "peerB", "peerC", "peerD", "peerE"} {
		seedAnnouncement(t, dht, "llama-7b", 0, 1, p, true)
	}

	sender := &countingSender{}
	coord := New(Config{StageTimeout: 100 * time.Millisecond, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	_, err := coord.Run(context.Background(), InferenceRequest{
		RequestID:   "req-budget",
		Model:       "llama-7b",
		TotalShards: 1,
		Prompt:      "hello",
	})
	if _, ok := err.(*StageUnresolvableError); !ok {
		t.Fatalf("error type = %T (%v), want *StageUnresolvableError", err, err)
	}
	if sender.calls != Backoff.MaxAttempt {
		t.Fatalf("dispatch attempts = %d, want exactly %d", sender.calls, Backoff.MaxAttempt)
	}
}

func TestCoordinatorNoCandidatesFailsFast(t *testing.T) {
	dht := &fakeDHT{} // no announcements at all
	sender := &fakeSender{good: map[string]bool{}}
	coord := New(Config{StageTimeout: 50 * time.Millisecond, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	_, err := coord.Run(context.Background(), InferenceRequest{
		RequestID:   "req-4",
		Model:       "llama-7b",
		TotalShards: 1,
		Prompt:      "hello",
		Strategy:    shard.FailFast,
	})
	if err == nil {
		t.Fatal("expected NoCandidates error")
	}
}

func TestCoordinatorOverCapacityRejectsExcessPipelines(t *testing.T) {
	dht := &fakeDHT{}
	seedAnnouncement(t, dht, "llama-7b", 0, 1, "peerA", true)
	sender := &fakeSender{good: map[string]bool{"peerA": true}}
	coord := New(Config{StageTimeout: time.Second, MaxConcurrentRuns: 1, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	if !coord.sem.TryAcquire(1) {
		t.Fatal("failed to pre-acquire the single capacity slot")
	}
	defer coord.sem.Release(1)

	_, err := coord.Run(context.Background(), InferenceRequest{
		RequestID:   "req-5",
		Model:       "llama-7b",
		TotalShards: 1,
		Prompt:      "hello",
	})
	if _, ok := err.(*OverCapacityError); !ok {
		t.Fatalf("error type = %T, want *OverCapacityError", err)
	}
}

func TestCoordinatorCancelledStateIsTerminal(t *testing.T) {
	dht := &fakeDHT{}
	seedAnnouncement(t, dht, "llama-7b", 0, 2, "peerA", true)
	seedAnnouncement(t, dht, "llama-7b", 1, 2, "peerB", true)

	sender := &fakeSender{good: map[string]bool{"peerA": true, "peerB": true}}
	coord := New(Config{StageTimeout: time.Second, RankParams: rankAllParams()}, sender, shard.NewDiscovery(dht), nil)

	state := NewState("req-6", "llama-7b", 2)
	coord.registry.Put(state)
	state.Cancel()

	if !state.IsTerminal() {
		t.Fatal("expected state to be terminal after Cancel()")
	}
	if state.Status != StatusCancelled {
		t.Fatalf("Status = %q, want %q", state.Status, StatusCancelled)
	}
}
