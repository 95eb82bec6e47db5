// Package shard publishes and discovers ShardAnnouncement records and
// assembles complete or partial pipelines from them.
package shard

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/shardmesh/shardnet/internal/capabilities"
)

// LayerRange is a half-open [Start, End) range of transformer layers.
type LayerRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Announcement is one peer's claim "I host shard S of model M", with
// the capability snapshot selection needs.
type Announcement struct {
	PeerID          string                  `json:"peer_id"`
	Model           string                  `json:"model_name"`
	ShardIndex      int                     `json:"shard_index"`
	TotalShards     int                     `json:"total_shards"`
	TotalLayers     int                     `json:"total_layers"`
	LayerRange      LayerRange              `json:"layer_range"`
	ListenAddresses []string                `json:"listen_addresses"`
	Capabilities    capabilities.Snapshot   `json:"capabilities"`
	TimestampMs     int64                   `json:"timestamp_ms"`
}

// Key returns the content-routing key every peer serving shard index of
// model Provide()s under: "shard:<model>:<index>".
// Query it with Discovery.QueryIndex to enumerate every replica; use
// PeerKey to read or write one specific peer's own announcement record.
func Key(model string, index int) string {
	return fmt.Sprintf("shard:%s:%d", model, index)
}

// PeerKey returns the DHT key one peer's own ShardAnnouncement is Put
// under: "shard:<model>:<index>:<peerID>". Keying by peer ID keeps every
// replica's announcement a genuinely independent record instead of
// having the DHT validator's last-writer-wins Select() converge several
// peers' announcements toward a single canonical value; each replica
// contributes its own announcement.
func PeerKey(model string, index int, peerID string) string {
	return fmt.Sprintf("%s:%s", Key(model, index), peerID)
}

// Validate checks the announced index is in range and its layer range
// is a subset of [0, total_layers).
func (a *Announcement) Validate() error {
	if a.ShardIndex < 0 || a.ShardIndex >= a.TotalShards {
		return fmt.Errorf("shard_index %d out of range [0,%d)", a.ShardIndex, a.TotalShards)
	}
	if a.LayerRange.Start < 0 || a.LayerRange.End > a.TotalLayers || a.LayerRange.Start >= a.LayerRange.End {
		return fmt.Errorf("layer_range [%d,%d) not within [0,%d)", a.LayerRange.Start, a.LayerRange.End, a.TotalLayers)
	}
	return nil
}

// Marshal produces the canonical wire form: an 8-byte big-endian
// millisecond timestamp prefix (for the DHT validator's recency
// selection) followed by canonical JSON.
func (a *Announcement) Marshal() ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out, uint64(a.TimestampMs))
	copy(out[8:], body)
	return out, nil
}

// Unmarshal parses the canonical wire form produced by Marshal.
func Unmarshal(data []byte) (*Announcement, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("announcement record too short: %d bytes", len(data))
	}
	var a Announcement
	if err := json.Unmarshal(data[8:], &a); err != nil {
		return nil, fmt.Errorf("unmarshal announcement: %w", err)
	}
	return &a, nil
}
