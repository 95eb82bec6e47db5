// Package pipeline coordinates one inference across the shard pipeline:
// per-request state machine, sequential stage dispatch, retry/failover with
// a per-peer circuit breaker, cancellation, and backpressure.
package pipeline

import (
	"sync"
	"time"
)

// Status is a pipeline's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
	StatusCancelled  Status = "cancelled"
)

// StageRecord captures one completed-or-attempted stage's outcome for the
// final per_stage_latency_ms[] report.
type StageRecord struct {
	ShardIndex int     `json:"shard_index"`
	PeerID     string  `json:"peer_id"`
	LatencyMs  float64 `json:"latency_ms"`
	Attempts   int     `json:"attempts"`
}

// State is the mutable record of one in-flight or finished pipeline,
// addressed by RequestID rather than by back-pointer from its task
// handles, so state and handles never form a reference cycle. It is
// never copied; readers take a StateSnapshot.
type State struct {
	mu sync.Mutex

	RequestID   string
	Model       string
	TotalShards int
	Status      Status
	CurrentK    int
	Stages      []StageRecord
	FailReason  string
	FailStage   int
	StartedAt   time.Time
	FinishedAt  time.Time
}

// StateSnapshot is a lock-free, consistent copy of a State, and the
// serialized form a GET_PIPELINE_STATUS response carries.
type StateSnapshot struct {
	RequestID    string        `json:"request_id"`
	Model        string        `json:"model_name"`
	TotalShards  int           `json:"total_shards"`
	Status       Status        `json:"status"`
	CurrentStage int           `json:"current_stage"`
	Stages       []StageRecord `json:"stages"`
	FailReason   string        `json:"fail_reason,omitempty"`
	FailStage    int           `json:"fail_stage,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
}

// NewState constructs a Pending state for a fresh request.
func NewState(requestID, model string, totalShards int) *State {
	return &State{
		RequestID:   requestID,
		Model:       model,
		TotalShards: totalShards,
		Status:      StatusPending,
		Stages:      make([]StageRecord, 0, totalShards),
		StartedAt:   nowFn(),
	}
}

// nowFn is indirected so tests can freeze time without touching the real
// clock (time.Now is otherwise the only source of timestamps here).
var nowFn = time.Now

// Snapshot returns a consistent copy of the state under its own lock.
func (s *State) Snapshot() StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StateSnapshot{
		RequestID:    s.RequestID,
		Model:        s.Model,
		TotalShards:  s.TotalShards,
		Status:       s.Status,
		CurrentStage: s.CurrentK,
		Stages:       append([]StageRecord(nil), s.Stages...),
		FailReason:   s.FailReason,
		FailStage:    s.FailStage,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
}

// BeginStage transitions to InProgress(stage=k).
func (s *State) BeginStage(k int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusInProgress
	s.CurrentK = k
}

// RecordStage appends a completed stage's outcome.
func (s *State) RecordStage(rec StageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Stages = append(s.Stages, rec)
}

// Complete transitions to Completed.
func (s *State) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusCompleted
	s.FinishedAt = nowFn()
}

// Fail transitions to Failed(reason, stage).
func (s *State) Fail(reason string, stage int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusFailed
	s.FailReason = reason
	s.FailStage = stage
	s.FinishedAt = nowFn()
}

// TimeOut transitions to TimedOut.
func (s *State) TimeOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Status = StatusTimedOut
	s.FinishedAt = nowFn()
}

// Cancel transitions to Cancelled unless the pipeline already reached a
// terminal state. A stage response arriving after cancellation is
// discarded; it must not resurrect the pipeline.
func (s *State) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminalLocked() {
		return false
	}
	s.Status = StatusCancelled
	s.FinishedAt = nowFn()
	return true
}

func (s *State) terminalLocked() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the pipeline has reached a final status.
func (s *State) IsTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalLocked()
}

// Registry tracks every State by RequestID so stage task handles can look
// the owning pipeline up instead of holding a reference to it.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*State
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*State)}
}

// Put registers a State under its RequestID.
func (r *Registry) Put(s *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[s.RequestID] = s
}

// Get looks a State up by RequestID.
func (r *Registry) Get(requestID string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[requestID]
	return s, ok
}

// Delete removes a State, e.g. after the coordinator has returned its final
// response to the caller.
func (r *Registry) Delete(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, requestID)
}
