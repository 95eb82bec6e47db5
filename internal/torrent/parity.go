package torrent

import (
	"fmt"
	"os"

	"github.com/klauspost/reedsolomon"
)

// DefaultParityShards is the number of Reed-Solomon parity shards built
// for a shard file's piece set by default, tolerating that many lost or
// corrupt local pieces without a full re-fetch from the network.
const DefaultParityShards = 2

// ParitySet holds the parity shards computed across a file's pieces, so
// a seeder that is missing (or finds corrupted) one of its own local
// pieces can reconstruct it instead of re-downloading the whole file.
type ParitySet struct {
	DataShards   int
	ParityShards int
	Shards       [][]byte // parity shards only, each PieceLength bytes
}

// BuildParity reads every piece of rec's backing file and computes
// parityShards Reed-Solomon parity shards across them. Pieces are
// zero-padded to a common length (PieceLength) since Reed-Solomon
// requires equal-sized shards; the padding is stripped back off on
// reconstruction via Metainfo.PieceSize.
func BuildParity(rec *FileRecord, parityShards int) (*ParitySet, error) {
	if parityShards <= 0 {
		parityShards = DefaultParityShards
	}
	numPieces := rec.Meta.NumPieces()
	if numPieces == 0 {
		return nil, fmt.Errorf("build parity: %s has no pieces", rec.Meta.Filename)
	}

	enc, err := reedsolomon.New(numPieces, parityShards)
	if err != nil {
		return nil, fmt.Errorf("build parity: %w", err)
	}

	data, err := os.ReadFile(rec.Path)
	if err != nil {
		return nil, fmt.Errorf("build parity: read %s: %w", rec.Path, err)
	}

	shards := make([][]byte, numPieces+parityShards)
	for i := 0; i < numPieces; i++ {
		shard := make([]byte, rec.Meta.PieceLength)
		start := int64(i) * rec.Meta.PieceLength
		end := start + rec.Meta.PieceSize(i)
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if start < int64(len(data)) {
			copy(shard, data[start:end])
		}
		shards[i] = shard
	}
	for i := numPieces; i < numPieces+parityShards; i++ {
		shards[i] = make([]byte, rec.Meta.PieceLength)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("build parity: encode: %w", err)
	}

	return &ParitySet{
		DataShards:   numPieces,
		ParityShards: parityShards,
		Shards:       shards[numPieces:],
	}, nil
}

// ReconstructPiece rebuilds the bytes of piece index from whatever data
// pieces are still available (keyed by piece index) plus the
// previously computed parity set, trimming the result back to the
// piece's real length.
func ReconstructPiece(rec *FileRecord, index int, available map[int][]byte, parity *ParitySet) ([]byte, error) {
	if parity == nil {
		return nil, fmt.Errorf("reconstruct piece %d: no parity set available", index)
	}
	numPieces := rec.Meta.NumPieces()
	enc, err := reedsolomon.New(numPieces, parity.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("reconstruct piece %d: %w", index, err)
	}

	shards := make([][]byte, numPieces+parity.ParityShards)
	for i, d := range available {
		if i < 0 || i >= numPieces {
			continue
		}
		padded := make([]byte, rec.Meta.PieceLength)
		copy(padded, d)
		shards[i] = padded
	}
	for i, p := range parity.Shards {
		shards[numPieces+i] = p
	}

	if err := enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct piece %d: %w", index, err)
	}
	if shards[index] == nil {
		return nil, fmt.Errorf("reconstruct piece %d: still missing after reconstruction", index)
	}

	size := rec.Meta.PieceSize(index)
	return shards[index][:size], nil
}
