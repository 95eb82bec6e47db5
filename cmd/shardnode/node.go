package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/shardmesh/shardnet/internal/capabilities"
	"github.com/shardmesh/shardnet/internal/command"
	"github.com/shardmesh/shardnet/internal/config"
	"github.com/shardmesh/shardnet/internal/llm"
	"github.com/shardmesh/shardnet/internal/metrics"
	"github.com/shardmesh/shardnet/internal/pipeline"
	"github.com/shardmesh/shardnet/internal/reputation"
	"github.com/shardmesh/shardnet/internal/selector"
	"github.com/shardmesh/shardnet/internal/shard"
	"github.com/shardmesh/shardnet/internal/torrent"
	"github.com/shardmesh/shardnet/internal/transport"
)

// services bundles the wired subsystems one running node hands around:
// the command dispatcher, the dynamic-loading fetch path, and the
// telemetry hooks all draw on the same set.
type services struct {
	cfg           *config.NodeConfig
	host          *transport.Host
	collector     *capabilities.Collector
	reputation    *reputation.Store
	store         *torrent.Store
	downloader    *torrent.Downloader
	coordinator   *pipeline.Coordinator
	discovery     *shard.Discovery
	publisher     *shard.Publisher
	executor      llm.Executor
	metrics       *metrics.Metrics
	layerRangeFor func(index int) shard.LayerRange
}

func (s *services) selfPeerID() string {
	return s.host.PeerID().String()
}

func (s *services) rankParams() selector.RankParams {
	return selector.RankParams{
		Weights:         s.cfg.Selector.Weights,
		ReputationFloor: s.cfg.Selector.ReputationFloor,
	}
}

// buildDispatcher registers a handler for every peer-to-peer command.
func (s *services) buildDispatcher() *command.Dispatcher {
	d := command.NewDispatcher(s.selfPeerID())

	d.Register(command.GetCapabilities, func(ctx context.Context, req *command.Request) (any, error) {
		return s.collector.Latest(), nil
	})

	d.Register(command.GetReputation, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.GetReputationParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				return nil, err
			}
		}
		peerID := p.PeerID
		if peerID == "" {
			peerID = s.selfPeerID()
		}
		return s.reputation.Get(ctx, peerID)
	})

	d.Register(command.UpdateReputation, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.UpdateReputationParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		var outcome reputation.Outcome
		switch p.Outcome {
		case "success":
			outcome = reputation.OutcomeSuccess
		case "failure":
			outcome = reputation.OutcomeFailure
		case "timeout":
			outcome = reputation.OutcomeTimeout
		default:
			return nil, fmt.Errorf("unknown outcome %q", p.Outcome)
		}
		return s.reputation.Record(ctx, p.PeerID, outcome, p.LatencyMs, p.Quality)
	})

	d.Register(command.FindNodes, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.FindNodesParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		model := p.Model
		if model == "" {
			model = s.cfg.Pipeline.ModelName
		}
		ranked, err := s.discovery.FindNodes(ctx, model, p.ShardIndex, shard.Filters{
			MinCores:     p.MinCores,
			MinMemoryMB:  p.MinMemoryMB,
			MinDiskMB:    p.MinDiskMB,
			MaxLatencyMs: p.MaxLatencyMs,
		}, s.rankParams())
		if err != nil {
			return nil, err
		}
		return struct {
			Nodes []selector.Scored `json:"nodes"`
		}{Nodes: ranked}, nil
	})

	d.Register(command.ListFiles, func(ctx context.Context, req *command.Request) (any, error) {
		return s.store.ListFiles(), nil
	})

	d.Register(command.GetFileMetadata, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.RequestPieceParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		meta, ok := s.store.GetMetadata(p.InfoHash)
		if !ok {
			return nil, fmt.Errorf("unknown info_hash %s", p.InfoHash)
		}
		return meta, nil
	})

	d.Register(command.RequestPiece, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.RequestPieceParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		data, hash, err := s.store.ReadPiece(p.InfoHash, p.Index)
		if err != nil {
			s.metrics.PieceRequestsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		s.metrics.PieceRequestsTotal.WithLabelValues("success").Inc()
		return command.RequestPieceResult{
			Data: base64.StdEncoding.EncodeToString(data),
			Hash: fmt.Sprintf("%x", hash),
		}, nil
	})

	d.Register(command.GetPipelineStatus, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.PipelineStatusParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		st, ok := s.coordinator.State(p.RequestID)
		if !ok {
			return nil, fmt.Errorf("unknown request_id %s", p.RequestID)
		}
		return st.Snapshot(), nil
	})

	d.Register(command.CancelInference, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.PipelineStatusParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return nil, s.coordinator.Cancel(p.RequestID)
	})

	d.Register(command.ExecuteTask, func(ctx context.Context, req *command.Request) (any, error) {
		var p command.ExecuteTaskParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, err
		}
		return command.DispatchExecuteTask(ctx, p, s.executor.Execute, s.handleFileShare)
	})

	return d
}

// fileShareTimeout bounds one background shard transfer end to end.
const fileShareTimeout = 10 * time.Minute

// handleFileShare serves the file_share EXECUTE_TASK variant, the
// receiving half of DynamicLoading. The transfer itself runs in the
// background — a shard file takes far longer than one command round
// trip, and the requesting side polls the DHT for the shard_loaded
// re-announce rather than waiting on this response. The handler
// validates the request and acks it.
func (s *services) handleFileShare(ctx context.Context, p command.ExecuteTaskParams) (command.ExecuteTaskResult, error) {
	if p.InfoHash == "" || p.SourcePeerID == "" {
		return command.ExecuteTaskResult{}, fmt.Errorf("file_share requires info_hash and source_peer_id")
	}
	if _, ok := s.store.GetMetadata(p.InfoHash); ok {
		// Already held locally; nothing to transfer.
		return fileShareResult(p, true), nil
	}

	go func() {
		fetchCtx, cancel := context.WithTimeout(context.Background(), fileShareTimeout)
		defer cancel()
		if err := s.fetchShardFile(fetchCtx, p); err != nil {
			slog.Warn("file_share transfer failed", "info_hash", p.InfoHash, "source", p.SourcePeerID, "error", err)
		}
	}()
	return fileShareResult(p, false), nil
}

// fetchShardFile pulls the shard file named by p.InfoHash from the
// source peer, verifies every piece, and re-announces on success.
func (s *services) fetchShardFile(ctx context.Context, p command.ExecuteTaskParams) error {
	meta, err := s.fetchMetadata(ctx, p.SourcePeerID, p.InfoHash)
	if err != nil {
		// The source itself may be busy or gone; the metainfo record in
		// the DHT resolves the same content hash.
		var derr error
		if meta, _, derr = s.discovery.ResolveFile(ctx, p.InfoHash); derr != nil {
			return fmt.Errorf("fetch metadata for %s: %w", p.InfoHash, err)
		}
	}

	destPath := filepath.Join(s.cfg.Pipeline.ShardsDir, meta.Filename)
	rec, err := s.downloader.Download(ctx, meta, destPath, []string{p.SourcePeerID})
	if err != nil {
		return fmt.Errorf("download %s from %s: %w", p.InfoHash, p.SourcePeerID, err)
	}

	// This node now seeds the file too.
	if err := s.publisher.AnnounceFile(ctx, rec.Meta); err != nil {
		slog.Warn("failed to announce fetched file", "info_hash", p.InfoHash, "error", err)
	}

	if p.ShardIndex == s.cfg.Pipeline.ShardID {
		// This peer's own assigned shard just became loadable: announce
		// it as a pipeline candidate with shard_loaded=true, immediately.
		ls := shard.LocalShard{Index: p.ShardIndex, Range: s.layerRangeFor(p.ShardIndex)}
		s.collector.SetShardLoaded(true)
		if err := s.publisher.AddLocalShard(ctx, ls, s.collector.Latest()); err != nil {
			return fmt.Errorf("announce fetched shard %d: %w", p.ShardIndex, err)
		}
		return nil
	}
	if err := s.publisher.PublishAvailability(ctx, p.ShardIndex, rec.Meta.InfoHashHex()); err != nil {
		return fmt.Errorf("publish availability for shard %d: %w", p.ShardIndex, err)
	}
	return nil
}

func fileShareResult(p command.ExecuteTaskParams, alreadyHeld bool) command.ExecuteTaskResult {
	return command.ExecuteTaskResult{
		ShardIndex: p.ShardIndex,
		Output:     command.DataEnvelope{Type: "file_share", Data: p.InfoHash},
		IsComplete: alreadyHeld,
	}
}

// fetchMetadata issues GET_FILE_METADATA to peerID and decodes the
// returned Metainfo.
func (s *services) fetchMetadata(ctx context.Context, peerID, infoHash string) (*torrent.Metainfo, error) {
	raw, err := json.Marshal(command.RequestPieceParams{InfoHash: infoHash})
	if err != nil {
		return nil, err
	}
	resp, err := s.host.SendRequestToPeer(ctx, peerID, &command.Request{
		Command:   command.GetFileMetadata,
		RequestID: uuid.NewString(),
		From:      s.selfPeerID(),
		To:        peerID,
		Timestamp: time.Now().UnixMilli(),
		Params:    raw,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != command.StatusSuccess {
		return nil, fmt.Errorf("get_file_metadata failed on %s: %s", peerID, resp.Error)
	}
	var meta torrent.Metainfo
	if err := json.Unmarshal(resp.Result, &meta); err != nil {
		return nil, fmt.Errorf("decode metainfo from %s: %w", peerID, err)
	}
	return &meta, nil
}

// RequestPiece implements torrent.PieceFetcher by issuing REQUEST_PIECE
// commands over the command protocol.
func (s *services) RequestPiece(ctx context.Context, peerID, infoHash string, index int) ([]byte, error) {
	raw, err := json.Marshal(command.RequestPieceParams{InfoHash: infoHash, Index: index})
	if err != nil {
		return nil, err
	}
	resp, err := s.host.SendRequestToPeer(ctx, peerID, &command.Request{
		Command:   command.RequestPiece,
		RequestID: uuid.NewString(),
		From:      s.selfPeerID(),
		To:        peerID,
		Timestamp: time.Now().UnixMilli(),
		Params:    raw,
	})
	if err != nil {
		return nil, err
	}
	if resp.Status != command.StatusSuccess {
		return nil, fmt.Errorf("request_piece failed on %s: %s", peerID, resp.Error)
	}
	var result command.RequestPieceResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(result.Data)
}

// TriggerFetch implements shard.FetchTrigger for the DynamicLoading
// strategy: it sends a file_share EXECUTE_TASK to the peer missing the
// shard, naming the peer that seeds it.
func (s *services) TriggerFetch(ctx context.Context, targetPeerID, sourcePeerID, model string, shardIndex int, infoHash string) error {
	params := command.ExecuteTaskParams{
		TaskType:     command.TaskFileShare,
		ShardIndex:   shardIndex,
		Model:        model,
		InfoHash:     infoHash,
		SourcePeerID: sourcePeerID,
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	resp, err := s.host.SendRequestToPeer(ctx, targetPeerID, &command.Request{
		Command:   command.ExecuteTask,
		RequestID: uuid.NewString(),
		From:      s.selfPeerID(),
		To:        targetPeerID,
		Timestamp: time.Now().UnixMilli(),
		Params:    raw,
	})
	if err != nil {
		return err
	}
	if resp.Status != command.StatusSuccess {
		return fmt.Errorf("file_share trigger rejected by %s: %s", targetPeerID, resp.Error)
	}
	return nil
}
