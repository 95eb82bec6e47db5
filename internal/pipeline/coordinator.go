package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/shardmesh/shardnet/internal/command"
	"github.com/shardmesh/shardnet/internal/llm"
	"github.com/shardmesh/shardnet/internal/metrics"
	"github.com/shardmesh/shardnet/internal/reputation"
	"github.com/shardmesh/shardnet/internal/selector"
	"github.com/shardmesh/shardnet/internal/shard"
)

// Sender is the narrow request/response surface the coordinator needs
// from the transport layer, keyed by string peer IDs.
type Sender interface {
	SendRequestToPeer(ctx context.Context, peerID string, req *command.Request) (*command.Response, error)
}

// Backoff is the per-stage retry schedule: base 250ms, factor 2, cap 4s,
// max 3 dispatch attempts per stage in total, each retry going to the
// next ranked candidate.
var Backoff = struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxAttempt int
}{
	Base:       250 * time.Millisecond,
	Factor:     2,
	Cap:        4 * time.Second,
	MaxAttempt: 3,
}

// Config configures a Coordinator.
type Config struct {
	StageTimeout      time.Duration // default 10s
	MaxConcurrentRuns int64         // default 32
	RankParams        selector.RankParams

	// Tokenizer/Detokenizer bridge prompt text and the "tokens" wire
	// envelope. They default to the backend collaborator's byte-level
	// codec; a real backend supplies its own vocabulary here.
	Tokenizer   func(string) []int
	Detokenizer func([]int) string

	// Metrics, when set, records pipeline/stage telemetry.
	Metrics *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 10 * time.Second
	}
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = 32
	}
	if c.Tokenizer == nil {
		c.Tokenizer = llm.Tokenize
	}
	if c.Detokenizer == nil {
		c.Detokenizer = llm.Detokenize
	}
	return c
}

// Coordinator dispatches the sequential per-stage EXECUTE_TASK calls of
// one inference, applying selection, retry/failover, a per-peer circuit
// breaker, cancellation, and a concurrency cap.
type Coordinator struct {
	cfg        Config
	sender     Sender
	discovery  *shard.Discovery
	reputation *reputation.Store
	registry   *Registry
	breaker    *CircuitBreaker
	sem        *semaphore.Weighted
	log        *slog.Logger
}

// New constructs a Coordinator.
func New(cfg Config, sender Sender, discovery *shard.Discovery, rep *reputation.Store) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:        cfg,
		sender:     sender,
		discovery:  discovery,
		reputation: rep,
		registry:   NewRegistry(),
		breaker:    NewCircuitBreaker(),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		log:        slog.Default().With("component", "pipeline-coordinator"),
	}
}

// InferenceRequest is the client-facing request that opens a pipeline.
type InferenceRequest struct {
	RequestID     string
	Model         string
	TotalShards   int
	Prompt        string
	MaxTokens     int
	Temperature   float64
	TopP          float64
	TopK          int
	StopSequences []string
	Strategy      shard.Strategy
}

// InferenceResponse is the coordinator's final result.
type InferenceResponse struct {
	RequestID        string
	Text             string
	Tokens           []int
	PerStageLatencyMs []float64
	TotalLatencyMs   float64
}

// State exposes the registry lookup so callers (a GET_PIPELINE_STATUS
// handler) can inspect an in-flight pipeline. Run removes a pipeline's
// state from the registry when it returns, so a finished pipeline is not
// found.
func (c *Coordinator) State(requestID string) (*State, bool) {
	return c.registry.Get(requestID)
}

// Cancel transitions requestID to Cancelled if it's not already terminal.
func (c *Coordinator) Cancel(requestID string) error {
	s, ok := c.registry.Get(requestID)
	if !ok {
		return fmt.Errorf("pipeline %s not found", requestID)
	}
	if !s.Cancel() {
		return fmt.Errorf("pipeline %s already terminal", requestID)
	}
	return nil
}

// Run executes one inference end to end. It blocks until the pipeline
// reaches a terminal state or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	if !c.sem.TryAcquire(1) {
		return nil, &OverCapacityError{}
	}
	defer c.sem.Release(1)

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	state := NewState(req.RequestID, req.Model, req.TotalShards)
	c.registry.Put(state)
	defer c.registry.Delete(req.RequestID)

	pipelineTimeout := time.Duration(req.TotalShards)*c.cfg.StageTimeout + 5*time.Second
	runCtx, cancel := context.WithTimeout(ctx, pipelineTimeout)
	defer cancel()

	strategy := req.Strategy
	if strategy == shard.Unspecified {
		strategy = shard.WaitAndRetry
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PipelinesInFlight.Inc()
		defer c.cfg.Metrics.PipelinesInFlight.Dec()
		defer func() { c.cfg.Metrics.PipelinesTotal.WithLabelValues(string(state.Snapshot().Status)).Inc() }()
	}

	pl, err := c.discovery.Resolve(runCtx, req.Model, req.TotalShards, strategy, shard.WaitAndRetryParams{})
	if err != nil {
		state.Fail(err.Error(), -1)
		return nil, err
	}

	start := time.Now()
	perStageLatency := make([]float64, 0, req.TotalShards)

	var previous *command.DataEnvelope
	failedPeers := make(map[int]map[string]bool)

	for k := 0; k < req.TotalShards; k++ {
		if state.IsTerminal() {
			return nil, &CancelledError{RequestID: req.RequestID}
		}
		state.BeginStage(k)

		candidates, ranges := candidatesForStage(pl.Sets[k], c.cfg.RankParams)
		out, peerID, attempts, latencyMs, err := c.runStageWithFailover(runCtx, req, k, candidates, ranges, previous, failedPeers[k])
		if err != nil {
			if runCtx.Err() != nil {
				state.TimeOut()
			} else {
				state.Fail(err.Error(), k)
			}
			return nil, err
		}

		state.RecordStage(StageRecord{ShardIndex: k, PeerID: peerID, LatencyMs: latencyMs, Attempts: attempts})
		perStageLatency = append(perStageLatency, latencyMs)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.StageLatencySeconds.WithLabelValues(strconv.Itoa(k)).Observe(latencyMs / 1000)
		}
		previous = &out
	}

	if state.IsTerminal() {
		return nil, &CancelledError{RequestID: req.RequestID}
	}
	state.Complete()

	resp := &InferenceResponse{
		RequestID:         req.RequestID,
		PerStageLatencyMs: perStageLatency,
		TotalLatencyMs:    float64(time.Since(start).Milliseconds()),
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.PipelineDurationSeconds.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	}
	if previous != nil {
		resp.Text, resp.Tokens = c.detokenize(*previous)
	}
	return resp, nil
}

func candidatesForStage(set shard.CandidateSet, params selector.RankParams) ([]selector.Scored, map[string]shard.LayerRange) {
	loaded := set.Loaded()
	cands := make([]selector.Candidate, 0, len(loaded))
	ranges := make(map[string]shard.LayerRange, len(loaded))
	for _, a := range loaded {
		cands = append(cands, selector.Candidate{PeerID: a.PeerID, Capabilities: a.Capabilities})
		ranges[a.PeerID] = a.LayerRange
	}
	return selector.Rank(cands, params), ranges
}

// runStageWithFailover dispatches stage k to ranked candidates in order:
// one attempt per candidate, backing off exponentially between attempts,
// up to Backoff.MaxAttempt dispatch attempts for the whole stage. A
// stage whose candidates are exhausted, or whose attempt budget runs
// dry, fails with StageUnresolvable.
func (c *Coordinator) runStageWithFailover(ctx context.Context, req InferenceRequest, k int, ranked []selector.Scored, ranges map[string]shard.LayerRange, previous *command.DataEnvelope, excluded map[string]bool) (command.DataEnvelope, string, int, float64, error) {
	if excluded == nil {
		excluded = make(map[string]bool)
	}

	attempts := 0
	delay := Backoff.Base

	for _, cand := range ranked {
		if excluded[cand.PeerID] {
			continue
		}
		if !c.breaker.Allow(cand.PeerID) {
			continue
		}
		if attempts >= Backoff.MaxAttempt {
			break
		}

		if attempts > 0 {
			jittered := time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
			select {
			case <-time.After(jittered):
			case <-ctx.Done():
				return command.DataEnvelope{}, "", attempts, 0, ctx.Err()
			}
			delay = time.Duration(float64(delay) * Backoff.Factor)
			if delay > Backoff.Cap {
				delay = Backoff.Cap
			}
		}
		attempts++

		stageCtx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
		start := time.Now()
		out, err := c.callStage(stageCtx, req, k, cand.PeerID, ranges[cand.PeerID], previous)
		latencyMs := float64(time.Since(start).Milliseconds())
		timedOut := stageCtx.Err() != nil
		cancel()

		if err == nil {
			c.breaker.RecordSuccess(cand.PeerID)
			if c.reputation != nil {
				_, _ = c.reputation.Record(ctx, cand.PeerID, reputation.OutcomeSuccess, latencyMs, 1.0)
			}
			if c.cfg.Metrics != nil {
				c.cfg.Metrics.StageAttemptsTotal.WithLabelValues("success").Inc()
			}
			return out, cand.PeerID, attempts, latencyMs, nil
		}

		c.breaker.RecordFailure(cand.PeerID)
		excluded[cand.PeerID] = true
		outcome := reputation.OutcomeFailure
		outcomeLabel := "failure"
		if timedOut {
			outcome = reputation.OutcomeTimeout
			outcomeLabel = "timeout"
		}
		if c.reputation != nil {
			_, _ = c.reputation.Record(ctx, cand.PeerID, outcome, latencyMs, 0)
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.StageAttemptsTotal.WithLabelValues(outcomeLabel).Inc()
		}
		c.log.Warn("stage candidate failed, failing over", "stage", k, "peer", cand.PeerID, "attempt", attempts, "error", err)

		if ctx.Err() != nil {
			return command.DataEnvelope{}, "", attempts, latencyMs, ctx.Err()
		}
	}

	return command.DataEnvelope{}, "", attempts, 0, &StageUnresolvableError{Stage: k}
}

func (c *Coordinator) callStage(ctx context.Context, req InferenceRequest, k int, peerID string, lr shard.LayerRange, previous *command.DataEnvelope) (command.DataEnvelope, error) {
	params := command.ExecuteTaskParams{
		TaskType:   command.TaskLlamaFragment,
		ShardIndex: k,
		LayerStart: lr.Start,
		LayerEnd:   lr.End,
		InputData:  c.inputFor(k, req, previous),
		Config: command.GenerationConfig{
			Temperature:   req.Temperature,
			MaxTokens:     req.MaxTokens,
			TopP:          req.TopP,
			TopK:          req.TopK,
			StopSequences: req.StopSequences,
		},
		PreviousResult: previous,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return command.DataEnvelope{}, fmt.Errorf("marshal stage params: %w", err)
	}

	creq := &command.Request{
		Command:   command.ExecuteTask,
		RequestID: req.RequestID,
		Timestamp: time.Now().UnixMilli(),
		Params:    raw,
	}

	resp, err := c.sender.SendRequestToPeer(ctx, peerID, creq)
	if err != nil {
		return command.DataEnvelope{}, fmt.Errorf("send stage %d to %s: %w", k, peerID, err)
	}
	if !resp.Matches(creq) {
		return command.DataEnvelope{}, fmt.Errorf("response request_id mismatch from %s", peerID)
	}
	if resp.Status != command.StatusSuccess {
		return command.DataEnvelope{}, fmt.Errorf("stage %d failed on %s: %s", k, peerID, resp.Error)
	}

	var result command.ExecuteTaskResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return command.DataEnvelope{}, fmt.Errorf("unmarshal stage result: %w", err)
	}
	if err := verifyShape(result.Output); err != nil {
		return command.DataEnvelope{}, fmt.Errorf("stage %d shape invariant violated: %w", k, err)
	}
	return result.Output, nil
}

// inputFor builds stage k's input envelope: the tokenized prompt for
// k=0, otherwise the previous stage's intermediate result.
func (c *Coordinator) inputFor(k int, req InferenceRequest, previous *command.DataEnvelope) command.DataEnvelope {
	if k == 0 {
		tokens := c.cfg.Tokenizer(req.Prompt)
		return command.DataEnvelope{Type: "tokens", Data: llm.EncodeTokens(tokens), Shape: []int{len(tokens)}}
	}
	if previous != nil {
		return *previous
	}
	return command.DataEnvelope{}
}

// verifyShape checks that a hidden_states envelope is self-describing
// before the coordinator hands it to the next stage.
func verifyShape(out command.DataEnvelope) error {
	if out.Type == "hidden_states" {
		if len(out.Shape) == 0 {
			return fmt.Errorf("hidden_states output missing shape")
		}
	}
	return nil
}

// detokenize turns the final stage's output envelope into response text
// and token IDs via the configured Detokenizer (the LLM-backend
// collaborator's vocabulary).
func (c *Coordinator) detokenize(out command.DataEnvelope) (string, []int) {
	if out.Type != "tokens" {
		return "", nil
	}
	tokens, err := llm.DecodeTokens(out.Data)
	if err != nil {
		c.log.Warn("final stage token payload unparseable", "error", err)
		return "", nil
	}
	return c.cfg.Detokenizer(tokens), tokens
}
