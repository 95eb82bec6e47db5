package shard

import (
	"context"
	"fmt"

	"github.com/shardmesh/shardnet/internal/torrent"
)

// ResolveFile looks a content hash up in the DHT, returning the file's
// metainfo and the peers currently providing it. The counterpart to
// Publisher.AnnounceFile.
func (d *Discovery) ResolveFile(ctx context.Context, infoHash string) (*torrent.Metainfo, []string, error) {
	providers, err := d.dht.FindProviders(ctx, infoHash, providerFanout)
	if err != nil {
		d.log.Warn("dht find_providers failed for info_hash", "info_hash", infoHash, "error", err)
	}

	values, err := d.dht.Get(ctx, infoHash)
	if err != nil {
		return nil, providers, fmt.Errorf("resolve info_hash %s: %w", infoHash, err)
	}
	for _, v := range values {
		m, perr := torrent.UnmarshalRecord(v)
		if perr != nil {
			continue
		}
		// A record stored under the wrong hash is useless and possibly
		// hostile; only the self-consistent one counts.
		if m.InfoHashHex() != infoHash {
			continue
		}
		return m, providers, nil
	}
	return nil, providers, fmt.Errorf("no metainfo record for %s", infoHash)
}
