package torrent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MarshalRecord encodes meta as a DHT record: an 8-byte big-endian
// millisecond timestamp prefix (for the record validator's recency
// selection) followed by canonical JSON. Stored under the file's own
// info_hash key, it lets any peer resolve a content hash to its
// metainfo without contacting a specific holder first.
func MarshalRecord(m *Metainfo, timestampMs int64) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metainfo record: %w", err)
	}
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out, uint64(timestampMs))
	copy(out[8:], body)
	return out, nil
}

// UnmarshalRecord parses the wire form produced by MarshalRecord.
func UnmarshalRecord(data []byte) (*Metainfo, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("metainfo record too short: %d bytes", len(data))
	}
	var m Metainfo
	if err := json.Unmarshal(data[8:], &m); err != nil {
		return nil, fmt.Errorf("unmarshal metainfo record: %w", err)
	}
	return &m, nil
}
