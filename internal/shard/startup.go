package shard

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/shardmesh/shardnet/internal/capabilities"
	"github.com/shardmesh/shardnet/internal/torrent"
)

// shardFilePattern matches this peer's own shard files, named
// "shard-<index>.bin" by convention. Any other file found in the shards
// directory is still registered for seeding (every peer seeds every
// shard file it can read locally) but does not trigger a
// ShardAnnouncement.
var shardFilePattern = regexp.MustCompile(`^shard-(\d+)\.bin$`)

// ScanResult reports what ScanLocalShards found.
type ScanResult struct {
	Registered   int
	LocalIndices []int
}

// ScanLocalShards is the startup scan over the shards directory: it
// registers every readable file into store for the mandatory seeding
// policy, publishes a ShardAnnouncement (marking shard_loaded=true) for
// selfIndex if a matching file is found, and for every OTHER
// shard-indexed file present (cached/pre-seeded copies this peer isn't
// running as a pipeline stage) publishes a FileAvailability record
// instead - so those extra files are seeded without falsely claiming to
// be loaded pipeline candidates. selfIndex < 0 means this peer has no
// assigned index of its own (every matching file is then treated as
// availability-only).
func ScanLocalShards(ctx context.Context, dir string, pieceLength int64, selfIndex int, store *torrent.Store, publisher *Publisher, collector *capabilities.Collector, layerRangeFor func(index int) LayerRange) (ScanResult, error) {
	log := slog.Default().With("component", "shard-startup")

	records, err := store.ScanDir(pieceLength)
	if err != nil {
		return ScanResult{}, fmt.Errorf("scan local shards: %w", err)
	}

	result := ScanResult{Registered: len(records)}

	for _, rec := range records {
		if publisher != nil {
			if err := publisher.AnnounceFile(ctx, rec.Meta); err != nil {
				log.Warn("failed to announce file metainfo", "file", rec.Meta.Filename, "error", err)
			}
		}

		m := shardFilePattern.FindStringSubmatch(rec.Meta.Filename)
		if m == nil {
			continue
		}
		index, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		if index != selfIndex {
			if publisher != nil {
				if err := publisher.PublishAvailability(ctx, index, rec.Meta.InfoHashHex()); err != nil {
					log.Warn("failed to publish file availability", "index", index, "error", err)
				}
			}
			continue
		}

		result.LocalIndices = append(result.LocalIndices, index)
		collector.SetShardLoaded(true)

		if publisher == nil {
			continue
		}
		snap := collector.Latest()
		ls := LocalShard{Index: index, Range: layerRangeFor(index)}
		if err := publisher.AddLocalShard(ctx, ls, snap); err != nil {
			log.Warn("failed to publish local shard announcement", "index", index, "error", err)
		}
	}

	log.Info("local shard scan complete", "files_registered", result.Registered, "local_indices", result.LocalIndices)
	return result, nil
}
