// Package capabilities samples local resource availability — CPU, RAM,
// disk, GPU presence — and measured peer latency/reputation, producing
// the NodeCapabilities snapshot that rides along with shard
// announcements and FIND_NODES responses.
package capabilities

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SampleInterval is the default resampling cadence.
const SampleInterval = 5 * time.Second

// Snapshot is one sampled NodeCapabilities reading.
type Snapshot struct {
	CPUCores         int     `json:"cpu_cores"`
	CPUUsagePercent  float64 `json:"cpu_usage"`
	MemoryTotalMB    uint64  `json:"memory_total_mb"`
	MemoryAvailMB    uint64  `json:"memory_available_mb"`
	DiskTotalMB      uint64  `json:"disk_total_mb"`
	DiskAvailMB      uint64  `json:"disk_available_mb"`
	GPUAvailable     bool    `json:"gpu_available"`
	GPUMemoryMB      uint64  `json:"gpu_memory_mb"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	Reputation       float64 `json:"reputation"`
	ShardLoaded      bool    `json:"shard_loaded"`
	SampledAt        time.Time `json:"-"`
}

// GPUProbe reports GPU presence/memory. Real GPU enumeration is a
// collaborator concern (CUDA/ROCm bindings are outside this spec's
// scope); implementations plug in a probe, tests use a stub.
type GPUProbe interface {
	Probe() (available bool, memoryMB uint64)
}

// NoGPU is a GPUProbe that always reports no GPU, the default for
// CPU-only peers.
type NoGPU struct{}

func (NoGPU) Probe() (bool, uint64) { return false, 0 }

// ReputationSource supplies this peer's own reputation as seen by the
// rest of the network (e.g. the reputation store's cached view of
// "reputation:<self>"), and the latency this peer currently measures to
// its recent task partners.
type ReputationSource interface {
	SelfReputation() float64
	AverageLatencyMs() float64
}

// StaticSource is a ReputationSource with fixed values, useful for nodes
// with no task history yet (neutral reputation).
type StaticSource struct {
	Reputation float64
	LatencyMs  float64
}

func (s StaticSource) SelfReputation() float64  { return s.Reputation }
func (s StaticSource) AverageLatencyMs() float64 { return s.LatencyMs }

// Collector periodically samples local resources into a cached
// Snapshot, diskPath is the filesystem holding the shards directory.
type Collector struct {
	diskPath string
	gpu      GPUProbe
	reps     ReputationSource
	log      *slog.Logger

	mu          sync.RWMutex
	last        Snapshot
	shardLoaded bool

	onChange func(Snapshot)
}

// New constructs a Collector sampling diskPath for disk stats.
func New(diskPath string, gpu GPUProbe, reps ReputationSource) *Collector {
	if gpu == nil {
		gpu = NoGPU{}
	}
	if reps == nil {
		reps = StaticSource{Reputation: 0.5}
	}
	return &Collector{
		diskPath: diskPath,
		gpu:      gpu,
		reps:     reps,
		log:      slog.Default().With("component", "capabilities"),
	}
}

// OnChange registers a callback invoked whenever SetShardLoaded toggles
// the shard_loaded flag, which must trigger an immediate re-announce.
func (c *Collector) OnChange(fn func(Snapshot)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// SetShardLoaded updates shard_loaded and fires OnChange if it flipped.
func (c *Collector) SetShardLoaded(loaded bool) {
	c.mu.Lock()
	changed := c.shardLoaded != loaded
	c.shardLoaded = loaded
	cb := c.onChange
	c.mu.Unlock()

	if changed {
		snap := c.sample()
		if cb != nil {
			cb(snap)
		}
	}
}

// Sample takes one fresh reading and caches it.
func (c *Collector) Sample() Snapshot {
	return c.sample()
}

// Latest returns the most recently cached snapshot without resampling.
func (c *Collector) Latest() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

func (c *Collector) sample() Snapshot {
	snap := Snapshot{SampledAt: time.Now()}

	if cores, err := cpu.Counts(true); err == nil {
		snap.CPUCores = cores
	} else {
		c.log.Warn("cpu core count failed", "error", err)
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUUsagePercent = pcts[0]
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotalMB = vm.Total / (1024 * 1024)
		snap.MemoryAvailMB = vm.Available / (1024 * 1024)
	} else {
		c.log.Warn("memory sample failed", "error", err)
	}

	if du, err := disk.Usage(c.diskPath); err == nil {
		snap.DiskTotalMB = du.Total / (1024 * 1024)
		snap.DiskAvailMB = du.Free / (1024 * 1024)
	} else {
		c.log.Warn("disk sample failed", "path", c.diskPath, "error", err)
	}

	snap.GPUAvailable, snap.GPUMemoryMB = c.gpu.Probe()
	snap.Reputation = c.reps.SelfReputation()
	snap.AvgLatencyMs = c.reps.AverageLatencyMs()

	c.mu.Lock()
	snap.ShardLoaded = c.shardLoaded
	c.last = snap
	c.mu.Unlock()

	return snap
}

// Run samples every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = SampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sample()
		}
	}
}
