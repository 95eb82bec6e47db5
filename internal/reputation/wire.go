package reputation

import (
	"encoding/binary"
	"encoding/json"
	"errors"
)

var errShortRecord = errors.New("reputation record too short")

// marshal produces the canonical wire form: an 8-byte big-endian
// millisecond timestamp prefix (so the DHT's record validator can pick
// the freshest replica across writers) followed by canonical JSON.
func marshal(r *Record) ([]byte, error) {
	body, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out, uint64(r.UpdatedAt.UnixMilli()))
	copy(out[8:], body)
	return out, nil
}

func unmarshal(data []byte) (*Record, error) {
	if len(data) < 8 {
		return nil, errShortRecord
	}
	var r Record
	if err := json.Unmarshal(data[8:], &r); err != nil {
		return nil, err
	}
	return &r, nil
}
