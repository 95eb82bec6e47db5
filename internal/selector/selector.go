// Package selector computes weighted capability scores over candidate
// peers and ranks them for stage assignment.
package selector

import (
	"sort"

	"github.com/shardmesh/shardnet/internal/capabilities"
	"github.com/shardmesh/shardnet/internal/config"
)

// maxGPUMemoryMB is the normalization constant for the GPU bonus term
// (24 GiB reference card).
const maxGPUMemoryMB = 24576

// maxCPUCores is the normalization constant for the CPU term.
const maxCPUCores = 16

// Candidate is one peer eligible for a shard index, carrying its last
// known capability snapshot and measured latency.
type Candidate struct {
	PeerID       string                `json:"peer_id"`
	Capabilities capabilities.Snapshot `json:"capabilities"`
}

// Scored pairs a candidate with its computed score. It doubles as one
// entry of a FIND_NODES result, hence the wire tags.
type Scored struct {
	Candidate
	Score float64 `json:"score"`
}

// Score computes the weighted capability scalar:
//
//	cpu_score     = min(1, cores/16) * (1 - usage/100)
//	mem_score     = avail_mem / max(1, total_mem)
//	disk_score    = avail_disk / max(1, total_disk)
//	latency_score = 1 / (1 + latency_ms/100)
//	reputation    = c.reputation
//	gpu_bonus     = gpu_available ? min(1, gpu_mem/24576) : 0
func Score(c capabilities.Snapshot, w config.ScoreWeights) float64 {
	cpuScore := minF(1, float64(c.CPUCores)/maxCPUCores) * (1 - c.CPUUsagePercent/100)
	memScore := ratio(float64(c.MemoryAvailMB), float64(c.MemoryTotalMB))
	diskScore := ratio(float64(c.DiskAvailMB), float64(c.DiskTotalMB))
	latencyScore := 1 / (1 + c.AvgLatencyMs/100)
	reputation := c.Reputation

	var gpuBonus float64
	if c.GPUAvailable {
		gpuBonus = minF(1, float64(c.GPUMemoryMB)/maxGPUMemoryMB)
	}

	score := w.CPU*cpuScore + w.Memory*memScore + w.Disk*diskScore +
		w.Latency*latencyScore + w.Reputation*reputation + w.GPU*gpuBonus

	return clamp01(score)
}

func ratio(numerator, denominator float64) float64 {
	if denominator < 1 {
		denominator = 1
	}
	return numerator / denominator
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RankParams configures a selection.
type RankParams struct {
	Weights         config.ScoreWeights
	ReputationFloor float64 // candidates strictly below this are excluded
	TopK            int     // 0 means "all"
}

// Rank scores and orders candidates: weighted score descending, then
// lower measured latency, then lexicographically smaller PeerID, so a
// given input always ranks the same way. Candidates below
// ReputationFloor are excluded entirely. When every remaining candidate
// scores exactly 0 (the degenerate "no signal" case), ranking falls
// back to lexicographic PeerID order.
func Rank(candidates []Candidate, params RankParams) []Scored {
	scored := make([]Scored, 0, len(candidates))
	allZero := true
	for _, c := range candidates {
		if c.Capabilities.Reputation < params.ReputationFloor {
			continue
		}
		s := Score(c.Capabilities, params.Weights)
		if s != 0 {
			allZero = false
		}
		scored = append(scored, Scored{Candidate: c, Score: s})
	}

	if allZero {
		sort.Slice(scored, func(i, j int) bool {
			return scored[i].PeerID < scored[j].PeerID
		})
	} else {
		sort.Slice(scored, func(i, j int) bool {
			if scored[i].Score != scored[j].Score {
				return scored[i].Score > scored[j].Score
			}
			li, lj := scored[i].Capabilities.AvgLatencyMs, scored[j].Capabilities.AvgLatencyMs
			if li != lj {
				return li < lj
			}
			return scored[i].PeerID < scored[j].PeerID
		})
	}

	if params.TopK > 0 && len(scored) > params.TopK {
		scored = scored[:params.TopK]
	}
	return scored
}
