// Package dht wraps a Kademlia-style distributed hash table over the
// shardmesh overlay: shard announcements, reputation records, and
// torrent metadata are all stored as opaque, multi-valued records keyed
// by content.
package dht

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ipfs/go-cid"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/multiformats/go-multihash"
)

// namespace is the validator namespace under which every shardmesh
// record lives, isolating our keyspace from the IPFS /pk and /ipns
// namespaces the underlying library also understands.
const namespace = "shardmesh"

// Kademlia replication and lookup parameters.
const (
	ReplicationFactor = 20 // k
	LookupParallelism = 3  // alpha
)

// ErrNoBootstrapReachable is returned when none of the configured seed
// addresses could be dialed.
var ErrNoBootstrapReachable = fmt.Errorf("no bootstrap peer reachable")

// DHT is a thin, cluster-namespaced wrapper around go-libp2p-kad-dht.
type DHT struct {
	kad     *kaddht.IpfsDHT
	cluster string
	log     *slog.Logger
}

// Option configures New.
type Option func(*options)

type options struct {
	mode kaddht.ModeOpt
}

// WithServerMode makes this node answer DHT queries and store records on
// behalf of others (used by peers that are not behind restrictive NAT).
func WithServerMode() Option {
	return func(o *options) { o.mode = kaddht.ModeServer }
}

// New constructs a DHT bound to h, namespacing all record keys under
// cluster; distinct cluster values produce disjoint DHTs.
func New(ctx context.Context, h host.Host, cluster string, opts ...Option) (*DHT, error) {
	o := &options{mode: kaddht.ModeAuto}
	for _, fn := range opts {
		fn(o)
	}
	if cluster == "" {
		cluster = "default"
	}

	validator := newRecordValidator()

	kad, err := kaddht.New(ctx, h,
		kaddht.Mode(o.mode),
		kaddht.ProtocolPrefix(protocolPrefix(cluster)),
		kaddht.NamespacedValidator(namespace, validator),
		kaddht.BucketSize(ReplicationFactor),
		kaddht.Concurrency(LookupParallelism),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to construct kademlia dht: %w", err)
	}

	return &DHT{
		kad:     kad,
		cluster: cluster,
		log:     slog.Default().With("component", "dht", "cluster", cluster),
	}, nil
}

// protocolPrefix returns a cluster-scoped libp2p protocol prefix so that
// peers in different clusters never share a routing table. The resulting
// DHT protocol ID is "<prefix>/kad/1.0.0".
func protocolPrefix(cluster string) protocol.ID {
	return protocol.ID("/shardmesh/" + cluster)
}

// Bootstrap dials every seed address and joins the overlay. It returns
// ErrNoBootstrapReachable if every dial fails.
func (d *DHT) Bootstrap(ctx context.Context, seeds []string) error {
	if len(seeds) == 0 {
		return d.kad.Bootstrap(ctx)
	}

	reached := 0
	for _, s := range seeds {
		ai, err := peer.AddrInfoFromString(s)
		if err != nil {
			d.log.Warn("invalid bootstrap address", "addr", s, "error", err)
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = d.kad.Host().Connect(dialCtx, *ai)
		cancel()
		if err != nil {
			d.log.Warn("bootstrap peer unreachable", "peer", ai.ID, "error", err)
			continue
		}
		d.kad.Host().Peerstore().AddAddrs(ai.ID, ai.Addrs, peerstore.PermanentAddrTTL)
		reached++
	}
	if reached == 0 {
		return ErrNoBootstrapReachable
	}
	return d.kad.Bootstrap(ctx)
}

// Put stores value under key. It takes no TTL: record lifetime is
// whatever the underlying kad-dht applies to stored values, so callers
// (shard discovery, reputation store) re-announce on their own cadence.
func (d *DHT) Put(ctx context.Context, key string, value []byte) error {
	fullKey := d.namespacedKey(key)
	if err := d.kad.PutValue(ctx, fullKey, value); err != nil {
		d.log.Warn("dht put failed", "key", key, "error", err)
		return fmt.Errorf("dht put %s: %w", key, err)
	}
	return nil
}

// Get returns the values kad-dht's SearchValue reports for key, in the
// order it reports them: each one is a value the validator's Select
// judged better than the ones before it, so the last is the best known.
// It does not return every replica's value; several peers announcing
// under one logical key go through Provide/FindProviders instead.
func (d *DHT) Get(ctx context.Context, key string) ([][]byte, error) {
	fullKey := d.namespacedKey(key)

	valuesCh, err := d.kad.SearchValue(ctx, fullKey)
	if err != nil {
		return nil, fmt.Errorf("dht get %s: %w", key, err)
	}

	var out [][]byte
	for v := range valuesCh {
		out = append(out, v)
	}
	return out, nil
}

// contentKey derives a content-routing CID from an arbitrary shardmesh
// key string, for use with Provide/FindProviders. Put/Get store exactly
// one record per key (Select() picks the best of however many values a
// lookup observes, converging the key toward one canonical value);
// Provide/FindProviders is kad-dht's actual multi-valued mechanism, used
// where several peers must be independently discoverable under the same
// logical key without one overwriting another (multi-valued shard
// announcements).
func contentKey(key string) (cid.Cid, error) {
	mh, err := multihash.Sum([]byte(key), multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("hash dht key %q: %w", key, err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// Provide announces this node as a holder of key's content. Unlike Put,
// many peers can Provide the same key concurrently; none of them
// overwrites another's registration.
func (d *DHT) Provide(ctx context.Context, key string) error {
	c, err := contentKey(d.namespacedKey(key))
	if err != nil {
		return err
	}
	if err := d.kad.Provide(ctx, c, true); err != nil {
		return fmt.Errorf("dht provide %s: %w", key, err)
	}
	return nil
}

// FindProviders returns up to count peer IDs (as strings) that have
// Provide()'d key, the multi-valued counterpart to Get's single-record
// lookup.
func (d *DHT) FindProviders(ctx context.Context, key string, count int) ([]string, error) {
	c, err := contentKey(d.namespacedKey(key))
	if err != nil {
		return nil, err
	}
	ch := d.kad.FindProvidersAsync(ctx, c, count)
	var out []string
	for ai := range ch {
		out = append(out, ai.ID.String())
	}
	return out, nil
}

// FindClosest returns the k peers numerically closest to key under the
// XOR metric.
func (d *DHT) FindClosest(ctx context.Context, key string, k int) ([]peer.ID, error) {
	closest, err := d.kad.GetClosestPeers(ctx, d.namespacedKey(key))
	if err != nil {
		return nil, fmt.Errorf("find_closest %s: %w", key, err)
	}
	if k > 0 && len(closest) > k {
		closest = closest[:k]
	}
	return closest, nil
}

func (d *DHT) namespacedKey(key string) string {
	return "/" + namespace + "/" + key
}

// Close releases the underlying DHT and its routing table.
func (d *DHT) Close() error {
	return d.kad.Close()
}

// Host returns the libp2p host backing this DHT, for callers (discovery,
// torrent transfer) that need to dial peers directly.
func (d *DHT) Host() host.Host {
	return d.kad.Host()
}
