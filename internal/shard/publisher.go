package shard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shardmesh/shardnet/internal/capabilities"
	"github.com/shardmesh/shardnet/internal/torrent"
)

// DHTPutter is the subset of internal/dht.DHT the publisher needs.
type DHTPutter interface {
	Put(ctx context.Context, key string, value []byte) error
	Provide(ctx context.Context, key string) error
}

// LocalShard describes one shard this peer hosts locally.
type LocalShard struct {
	Index int
	Range LayerRange
}

// Publisher republishes this peer's ShardAnnouncement(s) every refresh
// interval, and immediately whenever the capability collector reports a
// shard_loaded change.
type Publisher struct {
	dht             DHTPutter
	peerID          string
	model           string
	totalShards     int
	totalLayers     int
	listenAddresses []string
	collector       *capabilities.Collector
	refresh         time.Duration
	log             *slog.Logger

	mu     sync.Mutex
	shards map[int]LayerRange
	nowFn  func() time.Time
}

// Config configures a Publisher.
type Config struct {
	DHT             DHTPutter
	PeerID          string
	Model           string
	TotalShards     int
	TotalLayers     int
	ListenAddresses []string
	Collector       *capabilities.Collector
	RefreshInterval time.Duration
}

// NewPublisher constructs a Publisher and wires it to the capability
// collector's OnChange hook.
func NewPublisher(cfg Config) *Publisher {
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = 300 * time.Second
	}
	p := &Publisher{
		dht:             cfg.DHT,
		peerID:          cfg.PeerID,
		model:           cfg.Model,
		totalShards:     cfg.TotalShards,
		totalLayers:     cfg.TotalLayers,
		listenAddresses: cfg.ListenAddresses,
		collector:       cfg.Collector,
		refresh:         refresh,
		log:             slog.Default().With("component", "shard-publisher"),
		shards:          make(map[int]LayerRange),
		nowFn:           time.Now,
	}
	if cfg.Collector != nil {
		cfg.Collector.OnChange(func(snap capabilities.Snapshot) {
			p.publishAll(context.Background(), snap)
		})
	}
	return p
}

// AddLocalShard registers a shard index this peer hosts and publishes it
// immediately.
func (p *Publisher) AddLocalShard(ctx context.Context, ls LocalShard, snap capabilities.Snapshot) error {
	p.mu.Lock()
	p.shards[ls.Index] = ls.Range
	p.mu.Unlock()
	return p.publishOne(ctx, ls.Index, ls.Range, snap)
}

func (p *Publisher) publishOne(ctx context.Context, index int, lr LayerRange, snap capabilities.Snapshot) error {
	a := &Announcement{
		PeerID:          p.peerID,
		Model:           p.model,
		ShardIndex:      index,
		TotalShards:     p.totalShards,
		TotalLayers:     p.totalLayers,
		LayerRange:      lr,
		ListenAddresses: p.listenAddresses,
		Capabilities:    snap,
		TimestampMs:     p.nowFn().UnixMilli(),
	}
	if err := a.Validate(); err != nil {
		return err
	}
	data, err := a.Marshal()
	if err != nil {
		return err
	}
	if err := p.dht.Put(ctx, PeerKey(p.model, index, p.peerID), data); err != nil {
		p.log.Warn("announcement put failed", "shard_index", index, "error", err)
		return err
	}
	if err := p.dht.Provide(ctx, Key(p.model, index)); err != nil {
		p.log.Warn("announcement provide failed", "shard_index", index, "error", err)
	}
	return nil
}

// PublishAvailability registers this peer as holding (and seeding) the
// on-disk file for index, without claiming to be a pipeline candidate
// for it - used for shard files this peer seeds but did not load into
// its own pipeline (see ScanLocalShards).
func (p *Publisher) PublishAvailability(ctx context.Context, index int, infoHash string) error {
	f := &FileAvailability{
		PeerID:          p.peerID,
		Model:           p.model,
		ShardIndex:      index,
		InfoHash:        infoHash,
		ListenAddresses: p.listenAddresses,
		TimestampMs:     p.nowFn().UnixMilli(),
	}
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	if err := p.dht.Put(ctx, AvailabilityPeerKey(p.model, index, p.peerID), data); err != nil {
		p.log.Warn("file availability put failed", "shard_index", index, "error", err)
		return err
	}
	if err := p.dht.Provide(ctx, AvailabilityKey(p.model, index)); err != nil {
		p.log.Warn("file availability provide failed", "shard_index", index, "error", err)
	}
	return nil
}

// AnnounceFile publishes meta under its own info_hash key and registers
// this peer as a provider of it, so any peer can resolve a content hash
// to metainfo and holders without knowing which shard index (if any) it
// backs.
func (p *Publisher) AnnounceFile(ctx context.Context, meta *torrent.Metainfo) error {
	data, err := torrent.MarshalRecord(meta, p.nowFn().UnixMilli())
	if err != nil {
		return err
	}
	key := meta.InfoHashHex()
	if err := p.dht.Put(ctx, key, data); err != nil {
		p.log.Warn("file metainfo put failed", "info_hash", key, "error", err)
		return err
	}
	if err := p.dht.Provide(ctx, key); err != nil {
		p.log.Warn("file metainfo provide failed", "info_hash", key, "error", err)
	}
	return nil
}

func (p *Publisher) publishAll(ctx context.Context, snap capabilities.Snapshot) {
	p.mu.Lock()
	shards := make(map[int]LayerRange, len(p.shards))
	for k, v := range p.shards {
		shards[k] = v
	}
	p.mu.Unlock()

	for idx, lr := range shards {
		if err := p.publishOne(ctx, idx, lr, snap); err != nil {
			p.log.Warn("re-announce failed", "shard_index", idx, "error", err)
		}
	}
}

// Run republishes every refresh interval until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.collector != nil {
				p.publishAll(ctx, p.collector.Latest())
			}
		}
	}
}
