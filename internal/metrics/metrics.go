// Package metrics exposes shardnet's Prometheus collectors on an isolated
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every shardnet Prometheus collector on its own registry so
// these don't collide with the global default registry; each test gets its
// own instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Pipeline coordinator
	PipelinesTotal         *prometheus.CounterVec
	PipelineDurationSeconds *prometheus.HistogramVec
	PipelinesInFlight      prometheus.Gauge
	StageAttemptsTotal     *prometheus.CounterVec
	StageLatencySeconds    *prometheus.HistogramVec
	CircuitBreakerState    *prometheus.GaugeVec

	// Shard discovery / DHT
	DHTQueriesTotal        *prometheus.CounterVec
	ShardAnnouncementsTotal *prometheus.CounterVec

	// Reputation
	ReputationScore *prometheus.GaugeVec

	// Torrent / file transfer
	PieceRequestsTotal  *prometheus.CounterVec
	PieceVerifyFailures prometheus.Counter
	PeersSlowTotal      prometheus.Counter

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered against a
// fresh registry, stamping version/goVersion as labels on the shardnet_info
// gauge.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		PipelinesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardnet_pipelines_total",
			Help: "Total inference pipelines by terminal status.",
		}, []string{"status"}),
		PipelineDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardnet_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"model"}),
		PipelinesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardnet_pipelines_in_flight",
			Help: "Number of pipelines currently executing.",
		}),
		StageAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardnet_stage_attempts_total",
			Help: "Total per-stage dispatch attempts by outcome.",
		}, []string{"outcome"}),
		StageLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardnet_stage_latency_seconds",
			Help:    "Per-stage EXECUTE_TASK latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"shard_index"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardnet_circuit_breaker_state",
			Help: "Per-peer circuit breaker state: 0=closed, 1=half-open, 2=open.",
		}, []string{"peer_id"}),

		DHTQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardnet_dht_queries_total",
			Help: "Total DHT queries by operation and result.",
		}, []string{"op", "result"}),
		ShardAnnouncementsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardnet_shard_announcements_total",
			Help: "Total shard announcements published.",
		}, []string{"model"}),

		ReputationScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardnet_reputation_score",
			Help: "Current reputation score per peer, as observed by this node.",
		}, []string{"peer_id"}),

		PieceRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardnet_piece_requests_total",
			Help: "Total torrent piece requests by result.",
		}, []string{"result"}),
		PieceVerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardnet_piece_verify_failures_total",
			Help: "Total pieces rejected for SHA-256 hash mismatch.",
		}),
		PeersSlowTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardnet_peers_marked_slow_total",
			Help: "Total times a peer was marked slow after repeated piece timeouts.",
		}),

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardnet_info",
			Help: "Build information for the running shardnet node.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.PipelinesTotal,
		m.PipelineDurationSeconds,
		m.PipelinesInFlight,
		m.StageAttemptsTotal,
		m.StageLatencySeconds,
		m.CircuitBreakerState,
		m.DHTQueriesTotal,
		m.ShardAnnouncementsTotal,
		m.ReputationScore,
		m.PieceRequestsTotal,
		m.PieceVerifyFailures,
		m.PeersSlowTotal,
		m.BuildInfo,
	)

	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
