package torrent

import (
	"bytes"
	"os"
	"testing"
)

func TestBuildAndReconstructPieceFromParity(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTestShard(t, dir, "shard-0.bin", 4096)

	m, err := BuildMetainfo(path, "shard-0.bin", 1024)
	if err != nil {
		t.Fatalf("BuildMetainfo() error = %v", err)
	}
	rec := &FileRecord{Meta: m, Path: path}

	parity, err := BuildParity(rec, 2)
	if err != nil {
		t.Fatalf("BuildParity() error = %v", err)
	}
	if parity.DataShards != m.NumPieces() || parity.ParityShards != 2 {
		t.Fatalf("parity shape = %+v", parity)
	}

	full, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	// Lose piece index 1, keep every other piece available.
	available := make(map[int][]byte)
	for i := 0; i < m.NumPieces(); i++ {
		if i == 1 {
			continue
		}
		start := int64(i) * m.PieceLength
		end := start + m.PieceSize(i)
		available[i] = full[start:end]
	}

	recovered, err := ReconstructPiece(rec, 1, available, parity)
	if err != nil {
		t.Fatalf("ReconstructPiece() error = %v", err)
	}
	want := full[m.PieceLength : 2*m.PieceLength]
	if !bytes.Equal(recovered, want) {
		t.Fatalf("reconstructed piece does not match original bytes")
	}
	if !VerifyPiece(recovered, m.PieceHashes[1]) {
		t.Fatal("reconstructed piece does not verify against its recorded hash")
	}
}

func TestReconstructPieceFailsWithoutEnoughShards(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeTestShard(t, dir, "shard-0.bin", 4096)

	m, err := BuildMetainfo(path, "shard-0.bin", 1024)
	if err != nil {
		t.Fatal(err)
	}
	rec := &FileRecord{Meta: m, Path: path}

	parity, err := BuildParity(rec, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Two pieces missing but only one parity shard: unrecoverable.
	available := map[int][]byte{2: make([]byte, m.PieceSize(2)), 3: make([]byte, m.PieceSize(3))}
	if _, err := ReconstructPiece(rec, 0, available, parity); err == nil {
		t.Fatal("ReconstructPiece() error = nil, want unrecoverable error")
	}
}

func TestStoreReadPieceReconstructsCorruptPieceFromParity(t *testing.T) {
	dir := t.TempDir()
	path, original := writeTestShard(t, dir, "shard-0.bin", 4096)

	m, err := BuildMetainfo(path, "shard-0.bin", 1024)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(dir)
	rec := &FileRecord{Meta: m, Path: path}
	s.Register(rec)

	// Pre-build and cache parity before corrupting the file; left to
	// itself, the Store would build parity from the already-corrupt file.
	if _, err := s.parityFor(m.InfoHashHex(), rec); err != nil {
		t.Fatalf("parityFor() error = %v", err)
	}

	// Corrupt piece index 2 on disk in place.
	corrupted := append([]byte(nil), original...)
	copy(corrupted[2048:3072], bytes.Repeat([]byte{0xFF}, 1024))
	if err := os.WriteFile(path, corrupted, 0644); err != nil {
		t.Fatal(err)
	}

	piece, hash, err := s.ReadPiece(m.InfoHashHex(), 2)
	if err != nil {
		t.Fatalf("ReadPiece() error = %v", err)
	}
	want := original[2048:3072]
	if !bytes.Equal(piece, want) {
		t.Fatal("ReadPiece() did not recover the original bytes via parity")
	}
	if hash != m.PieceHashes[2] {
		t.Fatal("ReadPiece() returned a hash that does not match the recorded piece hash")
	}
}
