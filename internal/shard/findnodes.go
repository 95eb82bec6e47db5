package shard

import (
	"context"

	"github.com/shardmesh/shardnet/internal/capabilities"
	"github.com/shardmesh/shardnet/internal/selector"
)

// Filters are the minimum-capability thresholds of a FIND_NODES query.
// Zero values admit everything.
type Filters struct {
	MinCores     int
	MinMemoryMB  uint64
	MinDiskMB    uint64
	MaxLatencyMs float64
}

func (f Filters) admit(c capabilities.Snapshot) bool {
	if f.MinCores > 0 && c.CPUCores < f.MinCores {
		return false
	}
	if f.MinMemoryMB > 0 && c.MemoryAvailMB < f.MinMemoryMB {
		return false
	}
	if f.MinDiskMB > 0 && c.DiskAvailMB < f.MinDiskMB {
		return false
	}
	if f.MaxLatencyMs > 0 && c.AvgLatencyMs > f.MaxLatencyMs {
		return false
	}
	return true
}

// FindNodes answers a FIND_NODES query: every announced candidate for
// one shard index of a model, threshold-filtered, then ranked by
// weighted score with the capability snapshot attached to each entry.
func (d *Discovery) FindNodes(ctx context.Context, model string, index int, f Filters, params selector.RankParams) ([]selector.Scored, error) {
	set, err := d.QueryIndex(ctx, model, index)
	if err != nil {
		return nil, err
	}

	cands := make([]selector.Candidate, 0, len(set.Candidates))
	for _, a := range set.Candidates {
		if !f.admit(a.Capabilities) {
			continue
		}
		cands = append(cands, selector.Candidate{PeerID: a.PeerID, Capabilities: a.Capabilities})
	}
	return selector.Rank(cands, params), nil
}
