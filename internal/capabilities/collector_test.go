package capabilities

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewAppliesDefaultsForNilCollaborators(t *testing.T) {
	c := New(t.TempDir(), nil, nil)
	snap := c.Sample()

	if snap.GPUAvailable {
		t.Fatal("expected NoGPU default to report no GPU")
	}
	if snap.Reputation != 0.5 {
		t.Fatalf("Reputation = %v, want 0.5 neutral default", snap.Reputation)
	}
}

func TestSampleCachesLatest(t *testing.T) {
	c := New(t.TempDir(), nil, nil)
	if zero := c.Latest(); zero.SampledAt.IsZero() == false {
		t.Fatalf("expected zero-value snapshot before first sample, got %+v", zero)
	}

	snap := c.Sample()
	latest := c.Latest()
	if latest.SampledAt != snap.SampledAt {
		t.Fatal("Latest() did not reflect the just-taken sample")
	}
}

func TestSetShardLoadedFiresOnChangeOnlyOnFlip(t *testing.T) {
	c := New(t.TempDir(), nil, nil)
	var calls int32
	c.OnChange(func(Snapshot) { atomic.AddInt32(&calls, 1) })

	c.SetShardLoaded(true)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls after first flip = %d, want 1", got)
	}

	c.SetShardLoaded(true) // no change, no callback
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("calls after redundant set = %d, want 1", got)
	}

	c.SetShardLoaded(false)
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls after second flip = %d, want 2", got)
	}
}

func TestLatestReflectsShardLoadedAfterSample(t *testing.T) {
	c := New(t.TempDir(), nil, nil)
	c.SetShardLoaded(true)

	if !c.Latest().ShardLoaded {
		t.Fatal("expected Latest().ShardLoaded to be true after SetShardLoaded(true)")
	}
}

func TestRunSamplesUntilContextCancelled(t *testing.T) {
	c := New(t.TempDir(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		c.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}

	if c.Latest().SampledAt.IsZero() {
		t.Fatal("expected at least one sample to have been taken")
	}
}

type fixedGPU struct {
	available bool
	memoryMB  uint64
}

func (f fixedGPU) Probe() (bool, uint64) { return f.available, f.memoryMB }

func TestSampleUsesSuppliedGPUProbe(t *testing.T) {
	c := New(t.TempDir(), fixedGPU{available: true, memoryMB: 8192}, nil)
	snap := c.Sample()

	if !snap.GPUAvailable || snap.GPUMemoryMB != 8192 {
		t.Fatalf("snapshot GPU fields = %+v, want available=true memoryMB=8192", snap)
	}
}

type fixedReputation struct {
	reputation float64
	latencyMs  float64
}

func (f fixedReputation) SelfReputation() float64  { return f.reputation }
func (f fixedReputation) AverageLatencyMs() float64 { return f.latencyMs }

func TestSampleUsesSuppliedReputationSource(t *testing.T) {
	c := New(t.TempDir(), nil, fixedReputation{reputation: 0.81, latencyMs: 42})
	snap := c.Sample()

	if snap.Reputation != 0.81 || snap.AvgLatencyMs != 42 {
		t.Fatalf("snapshot reputation fields = %+v, want reputation=0.81 latency=42", snap)
	}
}
