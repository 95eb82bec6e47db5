// Command shardnode runs one peer of a pipeline-parallel LLM inference
// mesh: it announces the shard(s) it hosts, discovers the rest of a
// model's pipeline via the DHT, seeds shard files to other peers, and
// serves/dispatches EXECUTE_TASK stages as the pipeline coordinator
// requires.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"

	"github.com/shardmesh/shardnet/internal/capabilities"
	"github.com/shardmesh/shardnet/internal/config"
	"github.com/shardmesh/shardnet/internal/dht"
	"github.com/shardmesh/shardnet/internal/health"
	"github.com/shardmesh/shardnet/internal/identity"
	"github.com/shardmesh/shardnet/internal/llm"
	"github.com/shardmesh/shardnet/internal/metrics"
	"github.com/shardmesh/shardnet/internal/pipeline"
	"github.com/shardmesh/shardnet/internal/reputation"
	"github.com/shardmesh/shardnet/internal/shard"
	"github.com/shardmesh/shardnet/internal/torrent"
	"github.com/shardmesh/shardnet/internal/transport"
	"github.com/shardmesh/shardnet/internal/watchdog"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	slog.Info("shardnode starting", "version", version, "commit", commit)

	configPath := flag.String("config", "shardnode.yaml", "path to node configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cancel, cfg); err != nil {
		slog.Error("shardnode exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.NodeConfig) error {
	priv, err := identity.LoadOrCreateIdentity(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	host, err := transport.New(libp2p.Identity(priv), cfg.Network.ListenAddresses, transport.Mode(cfg.Network.Transport))
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer host.Close()

	slog.Info("node identity", "peer_id", host.PeerID().String())
	for _, addr := range host.Raw().Addrs() {
		slog.Info("listening", "addr", fmt.Sprintf("%s/p2p/%s", addr, host.PeerID()))
	}

	overlay, err := dht.New(ctx, host.Raw(), cfg.Network.Cluster)
	if err != nil {
		return fmt.Errorf("start dht: %w", err)
	}
	defer overlay.Close()

	if len(cfg.Network.Bootstrap) > 0 {
		if err := overlay.Bootstrap(ctx, cfg.Network.Bootstrap); err != nil {
			slog.Warn("dht bootstrap failed, continuing standalone", "error", err)
		}
	}

	m := metrics.New(version, runtime.Version())

	repStore := reputation.NewStore(overlay, 0)
	selfRep := reputation.SelfView{Store: repStore, PeerID: host.PeerID().String()}
	collector := capabilities.New(cfg.Pipeline.ShardsDir, capabilities.NoGPU{}, selfRep)
	go collector.Run(ctx, capabilities.SampleInterval)

	torrentStore := torrent.NewStore(cfg.Pipeline.ShardsDir)
	publisher := shard.NewPublisher(shard.Config{
		DHT:             overlay,
		PeerID:          host.PeerID().String(),
		Model:           cfg.Pipeline.ModelName,
		TotalShards:     cfg.Pipeline.TotalShards,
		TotalLayers:     cfg.Pipeline.TotalLayers,
		ListenAddresses: cfg.Network.ListenAddresses,
		Collector:       collector,
		RefreshInterval: cfg.Discovery.RefreshInterval,
	})
	go publisher.Run(ctx)

	layerSpan := cfg.Pipeline.TotalLayers / maxInt(cfg.Pipeline.TotalShards, 1)
	layerRangeFor := func(index int) shard.LayerRange {
		start := index * layerSpan
		end := start + layerSpan
		if index == cfg.Pipeline.TotalShards-1 {
			end = cfg.Pipeline.TotalLayers
		}
		return shard.LayerRange{Start: start, End: end}
	}
	if _, err := shard.ScanLocalShards(ctx, cfg.Pipeline.ShardsDir, cfg.Torrent.PieceLength, cfg.Pipeline.ShardID, torrentStore, publisher, collector, layerRangeFor); err != nil {
		slog.Warn("local shard scan failed", "error", err)
	}

	discovery := shard.NewDiscovery(overlay)

	var executor llm.Executor
	if cfg.Pipeline.StrictDistributed {
		// STRICT_DISTRIBUTED forbids the in-process simulation fallback;
		// stage tasks fail until a real backend is attached.
		executor = llm.Disabled{}
	} else {
		executor = llm.NewSimulator(cfg.Pipeline.TotalShards, cfg.Pipeline.TotalLayers)
	}

	svc := &services{
		cfg:           cfg,
		host:          host,
		collector:     collector,
		reputation:    repStore,
		store:         torrentStore,
		publisher:     publisher,
		discovery:     discovery,
		executor:      executor,
		metrics:       m,
		layerRangeFor: layerRangeFor,
	}
	svc.downloader = torrent.NewDownloader(svc, torrentStore, cfg.Torrent.MaxConcurrentPeers, cfg.Torrent.PieceTimeout)
	discovery.SetFetchTrigger(svc)

	svc.coordinator = pipeline.New(pipeline.Config{
		StageTimeout:      cfg.Pipeline.StageTimeout,
		MaxConcurrentRuns: int64(cfg.Pipeline.MaxConcurrentRuns),
		RankParams:        svc.rankParams(),
		Tokenizer:         llm.Tokenize,
		Detokenizer:       llm.Detokenize,
		Metrics:           m,
	}, host, discovery, repStore)

	host.ServeCommands(svc.buildDispatcher())

	healthSrv := health.NewServer([]watchdog.LivenessCheck{
		{Name: "dht-bootstrapped", Check: func() error {
			if len(host.Raw().Network().Peers()) == 0 && len(cfg.Network.Bootstrap) > 0 {
				return fmt.Errorf("no connected peers")
			}
			return nil
		}},
		{Name: "shards-dir-readable", Check: func() error {
			_, err := os.Stat(cfg.Pipeline.ShardsDir)
			return err
		}},
		{Name: "capabilities-fresh", Check: func() error {
			last := collector.Latest().SampledAt
			if last.IsZero() {
				return nil // first sample not in yet
			}
			if age := time.Since(last); age > 12*capabilities.SampleInterval {
				return fmt.Errorf("last capability sample %s ago", age.Round(time.Second))
			}
			return nil
		}},
	})
	go healthSrv.Run(ctx, 30*time.Second)

	stopServers := startTelemetryServers(ctx, cfg, m, healthSrv)
	defer stopServers()

	slog.Info("shardnode running", "model", cfg.Pipeline.ModelName, "shard_id", cfg.Pipeline.ShardID, "total_shards", cfg.Pipeline.TotalShards)

	waitForShutdown(ctx, cancel)
	return nil
}

func startTelemetryServers(ctx context.Context, cfg *config.NodeConfig, m *metrics.Metrics, h *health.Server) func() {
	var servers []*httpServerHandle

	if cfg.Telemetry.Metrics.Enabled {
		servers = append(servers, serveHTTP(ctx, cfg.Telemetry.Metrics.ListenAddress, m.Handler()))
	}
	if cfg.Telemetry.Health.Enabled {
		servers = append(servers, serveHTTP(ctx, cfg.Telemetry.Health.ListenAddress, h))
	}

	return func() {
		for _, s := range servers {
			s.shutdown()
		}
	}
}

func waitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-ch:
		slog.Info("shutdown signal received, cancelling node context")
	case <-ctx.Done():
	}
	cancel()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
