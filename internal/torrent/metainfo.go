// Package torrent implements content-addressed, piece-based shard-file
// distribution: chunking, info_hash derivation, piece verification, and
// rarest-first multi-peer download.
package torrent

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/multiformats/go-multihash"
)

// DefaultPieceLength is the default fixed piece size.
const DefaultPieceLength = 256 * 1024

// Metainfo describes a shareable shard file: piece boundaries and their
// hashes, used to verify every fetched piece before it is written to
// disk.
type Metainfo struct {
	Filename    string   `json:"filename"`
	PieceLength int64    `json:"piece_length"`
	TotalLength int64    `json:"total_length"`
	PieceHashes [][32]byte `json:"piece_hashes"`
}

// NumPieces returns the number of pieces TotalLength splits into at
// PieceLength granularity (the last piece may be short).
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceSize returns the length in bytes of piece index (short for the
// last piece).
func (m *Metainfo) PieceSize(index int) int64 {
	if index < 0 || index >= m.NumPieces() {
		return 0
	}
	if index == m.NumPieces()-1 {
		rem := m.TotalLength % m.PieceLength
		if rem != 0 {
			return rem
		}
	}
	return m.PieceLength
}

// canonicalBytes encodes Metainfo into the length-prefixed binary
// layout:
//
//	piece_length:u32, total_length:u64, name_len:u16, name,
//	piece_count:u32, piece_hashes[piece_count * 32]
func (m *Metainfo) canonicalBytes() []byte {
	name := []byte(m.Filename)
	buf := make([]byte, 0, 4+8+2+len(name)+4+32*len(m.PieceHashes))

	var tmp4 [4]byte
	var tmp8 [8]byte
	var tmp2 [2]byte

	binary.BigEndian.PutUint32(tmp4[:], uint32(m.PieceLength))
	buf = append(buf, tmp4[:]...)

	binary.BigEndian.PutUint64(tmp8[:], uint64(m.TotalLength))
	buf = append(buf, tmp8[:]...)

	binary.BigEndian.PutUint16(tmp2[:], uint16(len(name)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, name...)

	binary.BigEndian.PutUint32(tmp4[:], uint32(len(m.PieceHashes)))
	buf = append(buf, tmp4[:]...)

	for _, h := range m.PieceHashes {
		buf = append(buf, h[:]...)
	}
	return buf
}

// InfoHash returns SHA-256(canonical_metainfo), the content-addressed
// key this file is published under in the DHT.
func (m *Metainfo) InfoHash() [32]byte {
	return sha256.Sum256(m.canonicalBytes())
}

// InfoHashHex is InfoHash formatted as a hex string, suitable as a DHT
// key component.
func (m *Metainfo) InfoHashHex() string {
	h := m.InfoHash()
	return fmt.Sprintf("%x", h)
}

// PieceContentKey returns piece index's hash encoded as a multihash,
// letting a peer advertise or query for an individual piece as a
// routable content key rather than only the whole file's info_hash.
func (m *Metainfo) PieceContentKey(index int) (multihash.Multihash, error) {
	if index < 0 || index >= m.NumPieces() {
		return nil, fmt.Errorf("piece index %d out of range", index)
	}
	h := m.PieceHashes[index]
	mh, err := multihash.Encode(h[:], multihash.SHA2_256)
	if err != nil {
		return nil, fmt.Errorf("encode piece %d content key: %w", index, err)
	}
	return mh, nil
}

// PieceContentKeyString is PieceContentKey base58-encoded, the textual
// form suitable for use as a DHT key component.
func (m *Metainfo) PieceContentKeyString(index int) (string, error) {
	mh, err := m.PieceContentKey(index)
	if err != nil {
		return "", err
	}
	return mh.B58String(), nil
}

// BuildMetainfo chunks a local file at path into fixed-size pieces and
// hashes each one, producing the Metainfo a seeder registers in the DHT.
func BuildMetainfo(path string, filename string, pieceLength int64) (*Metainfo, error) {
	if pieceLength <= 0 {
		pieceLength = DefaultPieceLength
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard file %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shard file %s: %w", path, err)
	}

	m := &Metainfo{
		Filename:    filename,
		PieceLength: pieceLength,
		TotalLength: info.Size(),
	}

	buf := make([]byte, pieceLength)
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			h := sha256.Sum256(buf[:n])
			m.PieceHashes = append(m.PieceHashes, h)
		}
		if rerr != nil {
			break
		}
	}
	return m, nil
}
