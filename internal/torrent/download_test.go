package torrent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeFetcher serves pieces from an in-memory source file, optionally
// simulating one peer being slow/broken.
type fakeFetcher struct {
	source    []byte
	pieceLen  int64
	badPeer   string
	failCount map[string]int
}

func (f *fakeFetcher) RequestPiece(_ context.Context, peerID, _ string, index int) ([]byte, error) {
	if peerID == f.badPeer && f.failCount[peerID] < 2 {
		f.failCount[peerID]++
		return nil, fmt.Errorf("simulated timeout from %s", peerID)
	}
	start := int64(index) * f.pieceLen
	end := start + f.pieceLen
	if end > int64(len(f.source)) {
		end = int64(len(f.source))
	}
	return f.source[start:end], nil
}

func TestDownloadAssemblesAndVerifiesAllPieces(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.bin")
	data := make([]byte, 5000)
	for i := range data {
		data[i] = byte(i % 241)
	}
	if err := os.WriteFile(srcPath, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	meta, err := BuildMetainfo(srcPath, "shard-3.bin", 1024)
	if err != nil {
		t.Fatalf("BuildMetainfo() error = %v", err)
	}

	fetcher := &fakeFetcher{source: data, pieceLen: 1024, badPeer: "peerSlow", failCount: map[string]int{}}
	store := NewStore(dir)
	dl := NewDownloader(fetcher, store, 4, 2*time.Second)

	destPath := filepath.Join(dir, "shard-3.bin")
	rec, err := dl.Download(context.Background(), meta, destPath, []string{"peerFast", "peerSlow"})
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if rec.Meta.InfoHashHex() != meta.InfoHashHex() {
		t.Fatal("returned record has mismatched info hash")
	}

	got, err := os.ReadFile(destPath)
	if err != nil {
		t.Fatalf("ReadFile(destPath) error = %v", err)
	}
	if len(got) != len(data) {
		t.Fatalf("assembled file length = %d, want %d", len(got), len(data))
	}
	for i := range got {
		if got[i] != data[i] {
			t.Fatalf("assembled file differs from source at byte %d", i)
		}
	}
}

func TestDownloadFailsWithNoPeers(t *testing.T) {
	dir := t.TempDir()
	meta := &Metainfo{Filename: "x", PieceLength: 1024, TotalLength: 1024, PieceHashes: [][32]byte{{1}}}
	fetcher := &fakeFetcher{source: make([]byte, 1024), pieceLen: 1024, failCount: map[string]int{}}
	dl := NewDownloader(fetcher, NewStore(dir), 4, time.Second)

	_, err := dl.Download(context.Background(), meta, filepath.Join(dir, "x"), nil)
	if err == nil {
		t.Fatal("expected error downloading with zero peers")
	}
}
