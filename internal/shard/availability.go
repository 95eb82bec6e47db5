package shard

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// FileAvailability is a lighter-weight DHT record than Announcement: "I
// hold the on-disk bytes for shard <index> of model <model> and will
// seed pieces of it," independent of whether I run that shard as one of
// my own pipeline stages. Every peer seeds every shard file it can read
// locally, including ones it isn't assigned to serve; those extra files
// are registered here instead of as a ShardAnnouncement, so
// DynamicLoading can find a source peer for an index nobody has loaded
// as a pipeline stage yet.
type FileAvailability struct {
	PeerID          string   `json:"peer_id"`
	Model           string   `json:"model_name"`
	ShardIndex      int      `json:"shard_index"`
	InfoHash        string   `json:"info_hash"`
	ListenAddresses []string `json:"listen_addresses"`
	TimestampMs     int64    `json:"timestamp_ms"`
}

// AvailabilityKey is the content-routing key file-availability records
// for one shard index are Provide()d under.
func AvailabilityKey(model string, index int) string {
	return fmt.Sprintf("shardfile:%s:%d", model, index)
}

// AvailabilityPeerKey is the DHT key one peer's own FileAvailability
// record is Put under.
func AvailabilityPeerKey(model string, index int, peerID string) string {
	return fmt.Sprintf("%s:%s", AvailabilityKey(model, index), peerID)
}

// Marshal encodes f the same way Announcement does: an 8-byte
// big-endian millisecond timestamp prefix (for the DHT validator's
// Select(), used when this exact peer republishes) followed by
// canonical JSON.
func (f *FileAvailability) Marshal() ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal file availability: %w", err)
	}
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out, uint64(f.TimestampMs))
	copy(out[8:], body)
	return out, nil
}

// UnmarshalAvailability parses the wire form produced by Marshal.
func UnmarshalAvailability(data []byte) (*FileAvailability, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file availability record too short: %d bytes", len(data))
	}
	var f FileAvailability
	if err := json.Unmarshal(data[8:], &f); err != nil {
		return nil, fmt.Errorf("unmarshal file availability: %w", err)
	}
	return &f, nil
}
