package command

// ExecuteTaskParams is the params object for an EXECUTE_TASK command.
type ExecuteTaskParams struct {
	TaskType   TaskType        `json:"task_type"`
	ShardIndex int             `json:"shard_index"`
	LayerStart int             `json:"layer_start"`
	LayerEnd   int             `json:"layer_end"`
	InputData  DataEnvelope    `json:"input_data"`
	Config     GenerationConfig `json:"config"`
	PreviousResult *DataEnvelope `json:"previous_result,omitempty"`

	// file_share params: a shard file this peer should fetch via torrent
	// from SourcePeerID, identified by its content hash.
	Model        string `json:"model,omitempty"`
	InfoHash     string `json:"info_hash,omitempty"`
	SourcePeerID string `json:"source_peer_id,omitempty"`
}

// DataEnvelope is the self-describing hidden-state/token wire format:
// the shape field makes the payload interpretable without out-of-band
// context, and the encoding is stable under round-trip. Data holds
// base64-encoded bytes for hidden_states, or comma-separated token IDs
// for tokens.
type DataEnvelope struct {
	Type     string    `json:"type"` // "tokens" | "hidden_states"
	Data     string    `json:"data"` // base64 for hidden_states, CSV of ints for tokens
	Shape    []int     `json:"shape,omitempty"`
	Metadata *OutputMetadata `json:"metadata,omitempty"`
}

// OutputMetadata carries per-stage execution telemetry.
type OutputMetadata struct {
	TokensProcessed   int     `json:"tokens_processed"`
	ProcessingTimeMs  float64 `json:"processing_time_ms"`
	MemoryUsedMB      uint64  `json:"memory_used_mb"`
}

// GenerationConfig is the sampler configuration forwarded to every
// stage; the sampler itself lives in the backend collaborator.
type GenerationConfig struct {
	Temperature   float64  `json:"temperature"`
	MaxTokens     int      `json:"max_tokens"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

// ExecuteTaskResult is the result object for a successful EXECUTE_TASK.
type ExecuteTaskResult struct {
	ShardIndex     int          `json:"shard_index"`
	Output         DataEnvelope `json:"output"`
	IsComplete     bool         `json:"is_complete"`
	NextShardIndex *int         `json:"next_shard_index,omitempty"`
}

// FindNodesParams is the params object for a FIND_NODES command.
type FindNodesParams struct {
	MinCores       int     `json:"min_cores,omitempty"`
	MinMemoryMB    uint64  `json:"min_mem_mb,omitempty"`
	MinDiskMB      uint64  `json:"min_disk_mb,omitempty"`
	MaxLatencyMs   float64 `json:"max_latency_ms,omitempty"`
	ShardIndex     int     `json:"shard_index"`
	Model          string  `json:"model"`
}

// GetReputationParams is the params object for GET_REPUTATION. An empty
// PeerID asks for the serving node's own record.
type GetReputationParams struct {
	PeerID string `json:"peer_id,omitempty"`
}

// UpdateReputationParams is the params object for UPDATE_REPUTATION.
type UpdateReputationParams struct {
	PeerID    string  `json:"peer_id"`
	Outcome   string  `json:"outcome"` // "success" | "failure" | "timeout"
	LatencyMs float64 `json:"latency_ms"`
	Quality   float64 `json:"quality,omitempty"`
}

// RequestPieceParams is the params object for REQUEST_PIECE.
type RequestPieceParams struct {
	InfoHash string `json:"info_hash"`
	Index    int    `json:"index"`
}

// RequestPieceResult is the result object for REQUEST_PIECE.
type RequestPieceResult struct {
	Data string `json:"data"` // base64
	Hash string `json:"hash"` // hex sha256
}

// PipelineStatusParams is the params object for GET_PIPELINE_STATUS /
// CANCEL_INFERENCE.
type PipelineStatusParams struct {
	RequestID string `json:"request_id"`
}
