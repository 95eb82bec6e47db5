package torrent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// PieceFetcher fetches one piece from one peer, implementing the
// REQUEST_PIECE command against a remote peer over the command
// dispatcher (internal/command).
type PieceFetcher interface {
	RequestPiece(ctx context.Context, peerID string, infoHash string, index int) ([]byte, error)
}

// peerState tracks per-peer download health for rarest-first scheduling
// and slow-peer down-weighting.
type peerState struct {
	peerID        string
	timeouts      int
	limiter       *rate.Limiter
	inFlight      int
}

// Downloader fetches a shard file from multiple advertising peers,
// verifying every piece before acceptance.
type Downloader struct {
	fetcher            PieceFetcher
	store              *Store
	maxConcurrentPeers int
	pieceTimeout       time.Duration
	log                *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerState
}

// NewDownloader constructs a Downloader. maxConcurrentPeers caps
// concurrent piece requests across the whole download; pieceTimeout is
// the per-piece-request deadline (default 30s).
func NewDownloader(fetcher PieceFetcher, store *Store, maxConcurrentPeers int, pieceTimeout time.Duration) *Downloader {
	if maxConcurrentPeers <= 0 {
		maxConcurrentPeers = 4
	}
	if pieceTimeout <= 0 {
		pieceTimeout = 30 * time.Second
	}
	return &Downloader{
		fetcher:            fetcher,
		store:              store,
		maxConcurrentPeers: maxConcurrentPeers,
		pieceTimeout:       pieceTimeout,
		log:                slog.Default().With("component", "torrent-downloader"),
		peers:              make(map[string]*peerState),
	}
}

// pieceAvailability tracks, per piece index, which peers advertise it —
// used to drive rarest-first ordering.
type pieceAvailability struct {
	index     int
	peerCount int
}

// Download fetches every piece of meta from the given advertising peers
// and assembles them at destPath, verifying each piece's hash before
// writing it. The record is registered in store before the first piece
// is fetched (WritePiece looks it up there) and removed again if the
// download fails, so only a completed file stays registered.
func (d *Downloader) Download(ctx context.Context, meta *Metainfo, destPath string, peerIDs []string) (*FileRecord, error) {
	if len(peerIDs) == 0 {
		return nil, fmt.Errorf("no peers advertise info_hash %s", meta.InfoHashHex())
	}

	d.mu.Lock()
	for _, p := range peerIDs {
		if _, ok := d.peers[p]; !ok {
			d.peers[p] = &peerState{peerID: p, limiter: rate.NewLimiter(rate.Limit(8), 8)}
		}
	}
	d.mu.Unlock()

	order := d.rarestFirstOrder(meta.NumPieces())

	rec := &FileRecord{Meta: meta, Path: destPath}
	d.store.Register(rec)

	sem := make(chan struct{}, d.maxConcurrentPeers)
	g, gctx := errgroup.WithContext(ctx)

	for _, idx := range order {
		idx := idx
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			return d.fetchPieceWithRetry(gctx, meta, idx, peerIDs)
		})
	}

	if err := g.Wait(); err != nil {
		d.store.mu.Lock()
		delete(d.store.files, meta.InfoHashHex())
		d.store.mu.Unlock()
		return nil, err
	}
	return rec, nil
}

// rarestFirstOrder returns piece indices ordered rarest-first. Without a
// live swarm bitmap (every peer here advertises the whole file), this
// degenerates to index order; the hook exists so a richer peer-piece
// availability map can be plugged in without changing callers.
func (d *Downloader) rarestFirstOrder(numPieces int) []int {
	order := make([]int, numPieces)
	for i := range order {
		order[i] = i
	}
	sort.Ints(order)
	return order
}

func (d *Downloader) fetchPieceWithRetry(ctx context.Context, meta *Metainfo, index int, peerIDs []string) error {
	infoHash := meta.InfoHashHex()

	var lastErr error
	for attempt := 0; attempt < len(peerIDs); attempt++ {
		peerID := d.pickPeer(peerIDs)

		limiter := d.limiterFor(peerID)
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("piece %d rate-limit wait on %s: %w", index, peerID, err)
		}

		d.beginRequest(peerID)
		pctx, cancel := context.WithTimeout(ctx, d.pieceTimeout)
		data, err := d.fetcher.RequestPiece(pctx, peerID, infoHash, index)
		cancel()
		d.endRequest(peerID)

		if err != nil {
			d.markTimeout(peerID)
			lastErr = fmt.Errorf("piece %d from %s: %w", index, peerID, err)
			continue
		}

		if err := d.store.WritePiece(infoHash, index, data); err != nil {
			d.log.Warn("piece verification failed, refetching", "index", index, "peer", peerID, "error", err)
			d.markTimeout(peerID)
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("piece %d unrecoverable after %d peers: %w", index, len(peerIDs), lastErr)
}

// pickPeer returns the peer with the fewest recorded timeouts (i.e. the
// least down-weighted); ties are broken by the peer with fewer
// in-flight requests so load spreads across an equally-healthy swarm
// instead of pinning one peer.
func (d *Downloader) pickPeer(peerIDs []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	best := peerIDs[0]
	bestTimeouts := d.peers[best].timeouts
	bestInFlight := d.peers[best].inFlight
	for _, p := range peerIDs[1:] {
		st, ok := d.peers[p]
		if !ok {
			continue
		}
		if st.timeouts < bestTimeouts || (st.timeouts == bestTimeouts && st.inFlight < bestInFlight) {
			best = p
			bestTimeouts = st.timeouts
			bestInFlight = st.inFlight
		}
	}
	return best
}

// limiterFor returns peerID's per-peer rate limiter, capping how fast
// this downloader dispatches piece requests to that one peer
// independent of the overall maxConcurrentPeers cap.
func (d *Downloader) limiterFor(peerID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.peers[peerID]
	if !ok {
		st = &peerState{peerID: peerID, limiter: rate.NewLimiter(rate.Limit(8), 8)}
		d.peers[peerID] = st
	}
	return st.limiter
}

func (d *Downloader) beginRequest(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.peers[peerID]; ok {
		st.inFlight++
	}
}

func (d *Downloader) endRequest(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.peers[peerID]; ok && st.inFlight > 0 {
		st.inFlight--
	}
}

func (d *Downloader) markTimeout(peerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.peers[peerID]; ok {
		st.timeouts++
	}
}

// IsSlow reports whether peerID has accumulated enough timeouts to be
// considered slow.
func (d *Downloader) IsSlow(peerID string, threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.peers[peerID]
	return ok && st.timeouts >= threshold
}
