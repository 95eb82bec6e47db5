package dht

import (
	"fmt"

	record "github.com/libp2p/go-libp2p-record"
)

// recordValidator accepts any well-formed shardmesh record and selects
// among multiple values by recency. Payload shape validation (does this
// decode as a ShardAnnouncement / ReputationRecord / TorrentFile) is left
// to the typed wrappers in internal/shard, internal/reputation, and
// internal/torrent — the DHT layer itself is payload-agnostic, mirroring
// the multi-valued announcement model.
type recordValidator struct{}

func newRecordValidator() record.Validator {
	return recordValidator{}
}

// Validate rejects only the degenerate empty-value case; real schema
// validation happens one layer up where the concrete record type is
// known.
func (recordValidator) Validate(key string, value []byte) error {
	if len(value) == 0 {
		return fmt.Errorf("empty record value for key %s", key)
	}
	return nil
}

// Select picks the "best" of several values for the same key. Every
// shardmesh record embeds a monotonic timestamp as its first 8 bytes
// (see the Marshal helpers in internal/shard, internal/reputation, and
// internal/torrent); Select
// keeps the most recent one by comparing that prefix, defaulting to the
// first value if none parse (keeps Select total, per the Validator
// contract).
func (recordValidator) Select(key string, values [][]byte) (int, error) {
	best := 0
	var bestTS uint64
	for i, v := range values {
		ts, ok := peekTimestamp(v)
		if !ok {
			continue
		}
		if i == 0 || ts > bestTS {
			bestTS = ts
			best = i
		}
	}
	return best, nil
}

func peekTimestamp(v []byte) (uint64, bool) {
	if len(v) < 8 {
		return 0, false
	}
	var ts uint64
	for i := 0; i < 8; i++ {
		ts = ts<<8 | uint64(v[i])
	}
	return ts, true
}
