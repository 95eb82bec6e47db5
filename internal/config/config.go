// Package config holds the node's static configuration: identity, network
// listen addresses, the DHT bootstrap/cluster parameters, the pipeline
// dimensions this peer serves, and telemetry toggles.
package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
const CurrentConfigVersion = 1

// NodeConfig is the root configuration for a shardmesh node.
type NodeConfig struct {
	Version    int              `yaml:"version,omitempty"`
	Identity   IdentityConfig   `yaml:"identity"`
	Network    NetworkConfig    `yaml:"network"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Selector   SelectorConfig   `yaml:"selector,omitempty"`
	Torrent    TorrentConfig    `yaml:"torrent,omitempty"`
	Telemetry  TelemetryConfig  `yaml:"telemetry,omitempty"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	KeyFile string `yaml:"key_file"`
}

// NetworkConfig holds transport and bootstrap configuration.
type NetworkConfig struct {
	ListenAddresses []string `yaml:"listen_addresses"`
	Transport       string   `yaml:"transport"` // "quic" | "tcp" | "dual"
	Bootstrap       []string `yaml:"bootstrap"`
	Cluster         string   `yaml:"cluster"` // namespace separating disjoint DHTs
}

// DiscoveryConfig holds shard-announcement and DHT refresh configuration.
type DiscoveryConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"` // default 300s
	DHTQueryTimeout time.Duration `yaml:"dht_query_timeout"` // default 60s
}

// PipelineConfig describes this peer's place in one model's pipeline and
// the coordinator's execution parameters. Only StageTimeout and
// MaxConcurrentRuns reach the coordinator; MaxStageAttempts and the
// Circuit* fields are not read, and the coordinator uses its fixed
// Backoff schedule and NewCircuitBreaker defaults.
type PipelineConfig struct {
	ModelName          string        `yaml:"model_name"`
	ShardID            int           `yaml:"shard_id"`
	TotalShards        int           `yaml:"total_shards"`
	TotalLayers        int           `yaml:"total_layers"`
	ShardsDir          string        `yaml:"shards_dir"`
	StageTimeout       time.Duration `yaml:"stage_timeout"`        // default 10s
	MaxStageAttempts   int           `yaml:"max_stage_attempts"`   // default 3
	MaxConcurrentRuns  int           `yaml:"max_concurrent_runs"`  // default 32
	CircuitBreakerTrip int           `yaml:"circuit_breaker_trip"` // default 5 failures
	CircuitWindow      time.Duration `yaml:"circuit_window"`       // default 60s
	CircuitCooldown    time.Duration `yaml:"circuit_cooldown"`     // default 30s
	StrictDistributed  bool          `yaml:"strict_distributed"`
}

// SelectorConfig holds node-selector weights and floors.
type SelectorConfig struct {
	Weights        ScoreWeights `yaml:"weights,omitempty"`
	ReputationFloor float64     `yaml:"reputation_floor,omitempty"`
}

// ScoreWeights mirrors the selector scoring formula's weight vector.
type ScoreWeights struct {
	CPU        float64 `yaml:"cpu"`
	Memory     float64 `yaml:"mem"`
	Disk       float64 `yaml:"disk"`
	Latency    float64 `yaml:"latency"`
	Reputation float64 `yaml:"reputation"`
	GPU        float64 `yaml:"gpu,omitempty"`
}

// DefaultWeights returns the default selector weight vector.
func DefaultWeights() ScoreWeights {
	return ScoreWeights{CPU: 0.20, Memory: 0.15, Disk: 0.15, Latency: 0.25, Reputation: 0.25}
}

// TorrentConfig holds shard-file transfer tuning.
type TorrentConfig struct {
	PieceLength        int64         `yaml:"piece_length"` // default 256 KiB
	MaxConcurrentPeers int           `yaml:"max_concurrent_peers"`
	PieceTimeout       time.Duration `yaml:"piece_timeout"` // default 30s
}

// TelemetryConfig holds observability settings. Disabled by default.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
	Health  HealthConfig  `yaml:"health,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// HealthConfig controls the HTTP health check endpoint.
type HealthConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a NodeConfig with every documented default applied.
func Default() *NodeConfig {
	return &NodeConfig{
		Version: CurrentConfigVersion,
		Identity: IdentityConfig{
			KeyFile: "node.key",
		},
		Network: NetworkConfig{
			ListenAddresses: []string{
				"/ip4/0.0.0.0/tcp/4001",
				"/ip4/0.0.0.0/udp/4001/quic-v1",
			},
			Transport: "dual",
			Cluster:   "default",
		},
		Discovery: DiscoveryConfig{
			RefreshInterval: 300 * time.Second,
			DHTQueryTimeout: 60 * time.Second,
		},
		Pipeline: PipelineConfig{
			ShardsDir:          "shards",
			StageTimeout:       10 * time.Second,
			MaxStageAttempts:   3,
			MaxConcurrentRuns:  32,
			CircuitBreakerTrip: 5,
			CircuitWindow:      60 * time.Second,
			CircuitCooldown:    30 * time.Second,
		},
		Selector: SelectorConfig{
			Weights: DefaultWeights(),
		},
		Torrent: TorrentConfig{
			PieceLength:        256 * 1024,
			MaxConcurrentPeers: 4,
			PieceTimeout:       30 * time.Second,
		},
	}
}
