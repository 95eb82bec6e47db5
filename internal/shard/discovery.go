package shard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// DHTGetter is the subset of internal/dht.DHT discovery needs: looking
// up which peers Provide() a shard index (or a file-availability
// record) and fetching each one's own record by its peer-scoped key.
type DHTGetter interface {
	Get(ctx context.Context, key string) ([][]byte, error)
	FindProviders(ctx context.Context, key string, count int) ([]string, error)
}

// providerFanout bounds how many providers QueryIndex resolves per
// lookup; mirrors internal/dht.ReplicationFactor (k=20) without
// introducing a dependency on the dht package from here.
const providerFanout = 20

// NoCandidatesError reports a shard index whose candidate set came back
// empty.
type NoCandidatesError struct {
	ShardIndex int
}

func (e *NoCandidatesError) Error() string {
	return fmt.Sprintf("NoCandidates(%d)", e.ShardIndex)
}

// CandidateSet is every peer that has announced a given shard index,
// loaded or not.
type CandidateSet struct {
	ShardIndex int
	Candidates []*Announcement
}

// Loaded returns the subset of candidates with shard_loaded=true.
func (c CandidateSet) Loaded() []*Announcement {
	out := make([]*Announcement, 0, len(c.Candidates))
	for _, a := range c.Candidates {
		if a.Capabilities.ShardLoaded {
			out = append(out, a)
		}
	}
	return out
}

// Discovery queries the DHT to build candidate sets per shard index and
// assembles them into pipelines.
type Discovery struct {
	dht   DHTGetter
	fetch FetchTrigger
	log   *slog.Logger
}

// NewDiscovery constructs a Discovery.
func NewDiscovery(dht DHTGetter) *Discovery {
	return &Discovery{dht: dht, log: slog.Default().With("component", "shard-discovery")}
}

// QueryIndex returns every announcement for one shard index of a model.
// Candidates are discovered via the DHT's provider-record mechanism
// (FindProviders against Key(model, index)) and then read individually
// from each provider's own peer-scoped record, so that two peers
// announcing the same index never converge into one last-writer-wins
// value.
func (d *Discovery) QueryIndex(ctx context.Context, model string, index int) (CandidateSet, error) {
	peerIDs, err := d.dht.FindProviders(ctx, Key(model, index), providerFanout)
	if err != nil {
		d.log.Warn("dht find_providers failed for shard index", "model", model, "index", index, "error", err)
	}

	set := CandidateSet{ShardIndex: index}
	seen := make(map[string]bool, len(peerIDs))
	for _, peerID := range peerIDs {
		if seen[peerID] {
			continue
		}
		seen[peerID] = true

		values, gerr := d.dht.Get(ctx, PeerKey(model, index, peerID))
		if gerr != nil {
			d.log.Warn("dht get failed for shard candidate", "model", model, "index", index, "peer", peerID, "error", gerr)
			continue
		}
		for _, v := range values {
			a, perr := Unmarshal(v)
			if perr != nil {
				continue
			}
			if a.PeerID != peerID {
				// Record doesn't match the key it was stored under; ignore
				// rather than attribute it to the wrong peer.
				continue
			}
			if verr := a.Validate(); verr != nil {
				continue
			}
			set.Candidates = append(set.Candidates, a)
		}
	}
	// Deterministic ordering for downstream tie-breaking.
	sort.Slice(set.Candidates, func(i, j int) bool {
		return set.Candidates[i].PeerID < set.Candidates[j].PeerID
	})
	return set, nil
}

// querySource finds a peer advertising the on-disk bytes for model's
// shard index via a FileAvailability record, for use as a
// DynamicLoading fetch source.
func (d *Discovery) querySource(ctx context.Context, model string, index int) (*FileAvailability, bool) {
	peerIDs, err := d.dht.FindProviders(ctx, AvailabilityKey(model, index), providerFanout)
	if err != nil {
		d.log.Warn("dht find_providers failed for file availability", "model", model, "index", index, "error", err)
		return nil, false
	}
	for _, peerID := range peerIDs {
		values, gerr := d.dht.Get(ctx, AvailabilityPeerKey(model, index, peerID))
		if gerr != nil {
			continue
		}
		for _, v := range values {
			f, perr := UnmarshalAvailability(v)
			if perr != nil || f.PeerID != peerID {
				continue
			}
			return f, true
		}
	}
	return nil, false
}

// Pipeline is the assembled per-index candidate view for one model.
type Pipeline struct {
	Model       string
	TotalShards int
	Sets        []CandidateSet // len == TotalShards, indexed by shard index
}

// MissingIndices returns shard indices with zero shard_loaded candidates.
func (p Pipeline) MissingIndices() []int {
	var missing []int
	for _, s := range p.Sets {
		if len(s.Loaded()) == 0 {
			missing = append(missing, s.ShardIndex)
		}
	}
	return missing
}

// Complete reports whether every index has at least one shard_loaded
// candidate.
func (p Pipeline) Complete() bool {
	return len(p.MissingIndices()) == 0
}

// AssemblePipeline queries every shard index [0,totalShards) and
// returns the candidate view.
func (d *Discovery) AssemblePipeline(ctx context.Context, model string, totalShards int) (Pipeline, error) {
	p := Pipeline{Model: model, TotalShards: totalShards, Sets: make([]CandidateSet, totalShards)}
	for i := 0; i < totalShards; i++ {
		set, err := d.QueryIndex(ctx, model, i)
		if err != nil {
			return p, err
		}
		p.Sets[i] = set
	}
	return p, nil
}

// Strategy selects how Resolve treats a partial pipeline. The zero
// value is Unspecified, not a strategy in its own right, so a caller
// that never sets Strategy is never silently treated as having chosen
// FailFast; Coordinator.Run substitutes the WaitAndRetry default
// whenever it sees Unspecified.
type Strategy int

const (
	Unspecified Strategy = iota
	FailFast
	WaitAndRetry
	DynamicLoading
	SingleNodeFallback
	Adaptive
)

// WaitAndRetryParams configures the WaitAndRetry and DynamicLoading
// strategies' poll timeout/interval.
type WaitAndRetryParams struct {
	Timeout  time.Duration
	Interval time.Duration
}

// FetchTrigger instructs targetPeerID to fetch model's shard index,
// identified by infoHash, from sourcePeerID over torrent, then
// re-announce once loaded. Used by the DynamicLoading strategy. A nil
// FetchTrigger (the default for a bare NewDiscovery) makes
// DynamicLoading behave like FailFast, since there is then no way to
// act on the hint.
type FetchTrigger interface {
	TriggerFetch(ctx context.Context, targetPeerID, sourcePeerID, model string, shardIndex int, infoHash string) error
}

// SetFetchTrigger wires the collaborator DynamicLoading uses to actually
// instruct a peer to fetch a missing shard. Without one, DynamicLoading
// cannot do more than observe that a shard is missing.
func (d *Discovery) SetFetchTrigger(t FetchTrigger) {
	d.fetch = t
}

// Resolve applies strategy to an (possibly partial) pipeline, blocking
// and re-querying as needed, and returns a complete pipeline or an
// error.
func (d *Discovery) Resolve(ctx context.Context, model string, totalShards int, strategy Strategy, wr WaitAndRetryParams) (Pipeline, error) {
	p, err := d.AssemblePipeline(ctx, model, totalShards)
	if err != nil {
		return p, err
	}
	if p.Complete() {
		return p, nil
	}

	switch strategy {
	case FailFast, Unspecified:
		// Unspecified only reaches here if a caller constructs Discovery
		// directly rather than through Coordinator.Run (which applies
		// the WaitAndRetry default); treat it as the conservative
		// choice rather than silently waiting.
		missing := p.MissingIndices()
		return p, &NoCandidatesError{ShardIndex: missing[0]}

	case WaitAndRetry:
		return d.resolveWaitAndRetry(ctx, p, model, totalShards, wr)

	case DynamicLoading:
		return d.resolveDynamicLoading(ctx, p, model, totalShards, wr)

	case SingleNodeFallback:
		missing := p.MissingIndices()
		if collapsed, ok := collapseOntoSinglePeer(p, missing); ok {
			return collapsed, nil
		}
		return p, &NoCandidatesError{ShardIndex: missing[0]}

	case Adaptive:
		return d.resolveAdaptive(ctx, p, model, totalShards, wr)

	default:
		missing := p.MissingIndices()
		return p, &NoCandidatesError{ShardIndex: missing[0]}
	}
}

func (d *Discovery) resolveWaitAndRetry(ctx context.Context, p Pipeline, model string, totalShards int, wr WaitAndRetryParams) (Pipeline, error) {
	timeout, interval := wr.Timeout, wr.Interval
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
			newP, err := d.AssemblePipeline(ctx, model, totalShards)
			if err != nil {
				return p, err
			}
			p = newP
			if p.Complete() {
				return p, nil
			}
			if time.Now().After(deadline) {
				missing := p.MissingIndices()
				return p, &NoCandidatesError{ShardIndex: missing[0]}
			}
		}
	}
}

// resolveDynamicLoading implements the DynamicLoading strategy: for
// every missing index, find a peer already assigned to it that hasn't
// loaded it (the fetch target) and a peer that holds the raw file via a
// FileAvailability record (the fetch source), instruct the target to
// pull from the source, then poll like WaitAndRetry until every index
// completes or the deadline elapses.
func (d *Discovery) resolveDynamicLoading(ctx context.Context, p Pipeline, model string, totalShards int, wr WaitAndRetryParams) (Pipeline, error) {
	if d.fetch == nil {
		missing := p.MissingIndices()
		return p, &NoCandidatesError{ShardIndex: missing[0]}
	}

	timeout, interval := wr.Timeout, wr.Interval
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)
	triggered := make(map[int]bool)

	for {
		missing := p.MissingIndices()
		if len(missing) == 0 {
			return p, nil
		}

		for _, idx := range missing {
			if triggered[idx] {
				continue
			}
			target, ok := firstUnloadedCandidate(p.Sets[idx])
			if !ok {
				continue
			}
			source, ok := d.querySource(ctx, model, idx)
			if !ok || source.PeerID == target {
				continue
			}
			if err := d.fetch.TriggerFetch(ctx, target, source.PeerID, model, idx, source.InfoHash); err != nil {
				d.log.Warn("dynamic-load fetch trigger failed", "shard_index", idx, "target", target, "source", source.PeerID, "error", err)
				continue
			}
			triggered[idx] = true
		}

		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-time.After(interval):
		}

		newP, err := d.AssemblePipeline(ctx, model, totalShards)
		if err != nil {
			return p, err
		}
		p = newP
		if p.Complete() {
			return p, nil
		}
		if time.Now().After(deadline) {
			missing := p.MissingIndices()
			return p, &NoCandidatesError{ShardIndex: missing[0]}
		}
	}
}

// resolveAdaptive chooses among the other strategies based on
// DHT-measured availability (is a single-peer collapse possible right
// now?) and deadline remaining (a short deadline behaves like FailFast
// rather than blocking).
func (d *Discovery) resolveAdaptive(ctx context.Context, p Pipeline, model string, totalShards int, wr WaitAndRetryParams) (Pipeline, error) {
	missing := p.MissingIndices()
	if collapsed, ok := collapseOntoSinglePeer(p, missing); ok {
		return collapsed, nil
	}

	if wr.Timeout > 0 && wr.Timeout < 5*time.Second {
		return p, &NoCandidatesError{ShardIndex: missing[0]}
	}

	if d.fetch != nil {
		out, err := d.resolveDynamicLoading(ctx, p, model, totalShards, wr)
		if err == nil {
			return out, nil
		}
	}

	return d.resolveWaitAndRetry(ctx, p, model, totalShards, wr)
}

// firstUnloadedCandidate returns the first candidate of set with
// shard_loaded=false: a peer already assigned to this index that hasn't
// finished loading it, the DynamicLoading fetch target.
func firstUnloadedCandidate(set CandidateSet) (string, bool) {
	for _, a := range set.Candidates {
		if !a.Capabilities.ShardLoaded {
			return a.PeerID, true
		}
	}
	return "", false
}

// collapseOntoSinglePeer implements SingleNodeFallback: if exactly one
// peer appears as a candidate at every missing index, treat it as
// willing and able to serve all of them and synthesize loaded
// candidates for it there, collapsing the remaining stages onto that
// peer.
func collapseOntoSinglePeer(p Pipeline, missing []int) (Pipeline, bool) {
	if len(missing) == 0 {
		return p, false
	}
	counts := make(map[string]int)
	byPeer := make(map[string]*Announcement)
	for _, idx := range missing {
		seenHere := make(map[string]bool)
		for _, a := range p.Sets[idx].Candidates {
			if seenHere[a.PeerID] {
				continue
			}
			seenHere[a.PeerID] = true
			counts[a.PeerID]++
			if _, ok := byPeer[a.PeerID]; !ok {
				byPeer[a.PeerID] = a
			}
		}
	}

	var chosen string
	matches := 0
	for peerID, c := range counts {
		if c == len(missing) {
			chosen = peerID
			matches++
		}
	}
	if matches != 1 {
		return p, false
	}

	collapsed := Pipeline{Model: p.Model, TotalShards: p.TotalShards, Sets: make([]CandidateSet, len(p.Sets))}
	copy(collapsed.Sets, p.Sets)
	for _, idx := range missing {
		clone := *byPeer[chosen]
		clone.Capabilities.ShardLoaded = true
		collapsed.Sets[idx] = CandidateSet{ShardIndex: idx, Candidates: []*Announcement{&clone}}
	}
	if !collapsed.Complete() {
		return p, false
	}
	return collapsed, true
}
