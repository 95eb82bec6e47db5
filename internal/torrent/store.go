package torrent

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ErrPieceHashMismatch reports a fetched piece whose SHA-256 didn't
// match the recorded piece hash.
type ErrPieceHashMismatch struct {
	InfoHash string
	Index    int
}

func (e *ErrPieceHashMismatch) Error() string {
	return fmt.Sprintf("piece hash mismatch: info_hash=%s index=%d", e.InfoHash, e.Index)
}

// FileRecord is the local TorrentFile index entry: metainfo plus the
// absolute path of the backing file.
type FileRecord struct {
	Meta *Metainfo
	Path string
}

// Store indexes every shard file this peer can read locally — both its
// assigned shard and any other shard file present in the shards
// directory, so every peer seeds every shard file it can read locally.
type Store struct {
	dir string
	log *slog.Logger

	mu     sync.RWMutex
	files  map[string]*FileRecord // info_hash hex -> record
	parity map[string]*ParitySet  // info_hash hex -> parity shards, built lazily
}

// NewStore constructs a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		dir:    dir,
		log:    slog.Default().With("component", "torrent-store"),
		files:  make(map[string]*FileRecord),
		parity: make(map[string]*ParitySet),
	}
}

// ScanDir walks dir on startup and registers a FileRecord for every
// file found.
func (s *Store) ScanDir(pieceLength int64) ([]*FileRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan shards dir %s: %w", s.dir, err)
	}

	var registered []*FileRecord
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		meta, err := BuildMetainfo(path, e.Name(), pieceLength)
		if err != nil {
			s.log.Warn("failed to build metainfo for local file", "file", e.Name(), "error", err)
			continue
		}
		rec := &FileRecord{Meta: meta, Path: path}
		s.register(rec)
		registered = append(registered, rec)
	}
	return registered, nil
}

func (s *Store) register(rec *FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[rec.Meta.InfoHashHex()] = rec
}

// Register adds an already-built FileRecord (e.g. one assembled by a
// completed download) to the local index.
func (s *Store) Register(rec *FileRecord) {
	s.register(rec)
}

// ListFiles returns every locally registered TorrentFile, implementing
// the LIST_FILES command.
func (s *Store) ListFiles() []*FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FileRecord, 0, len(s.files))
	for _, r := range s.files {
		out = append(out, r)
	}
	return out
}

// GetMetadata implements GET_FILE_METADATA(info_hash).
func (s *Store) GetMetadata(infoHash string) (*Metainfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[infoHash]
	if !ok {
		return nil, false
	}
	return rec.Meta, true
}

// ReadPiece implements REQUEST_PIECE(info_hash, index): it reads the
// raw piece bytes from the backing file. The caller (a remote peer, via
// the command dispatcher) is responsible for returning (bytes, hash)
// together; ReadPiece additionally returns the hash so handlers don't
// need a second lookup.
func (s *Store) ReadPiece(infoHash string, index int) ([]byte, [32]byte, error) {
	s.mu.RLock()
	rec, ok := s.files[infoHash]
	s.mu.RUnlock()
	if !ok {
		return nil, [32]byte{}, fmt.Errorf("unknown info_hash %s", infoHash)
	}
	if index < 0 || index >= rec.Meta.NumPieces() {
		return nil, [32]byte{}, fmt.Errorf("piece index %d out of range", index)
	}

	f, err := os.Open(rec.Path)
	if err != nil {
		return nil, [32]byte{}, fmt.Errorf("open %s: %w", rec.Path, err)
	}
	defer f.Close()

	offset := int64(index) * rec.Meta.PieceLength
	size := rec.Meta.PieceSize(index)
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, [32]byte{}, fmt.Errorf("read piece %d of %s: %w", index, rec.Path, err)
	}
	expected := rec.Meta.PieceHashes[index]
	if VerifyPiece(buf, expected) {
		return buf, expected, nil
	}

	s.log.Warn("local piece failed verification, attempting parity reconstruction", "info_hash", infoHash, "index", index)
	recovered, rerr := s.reconstructLocked(infoHash, rec, f, index)
	if rerr != nil {
		return nil, [32]byte{}, fmt.Errorf("piece %d of %s corrupt and unrecoverable: %w", index, rec.Path, rerr)
	}
	if !VerifyPiece(recovered, expected) {
		return nil, [32]byte{}, fmt.Errorf("piece %d of %s corrupt and unrecoverable: reconstructed piece failed verification", index, rec.Path)
	}
	return recovered, expected, nil
}

// reconstructLocked rebuilds a single corrupt piece from the file's
// other, still-verifying pieces plus the Reed-Solomon parity set,
// sparing the seeder a full re-fetch from the network. The parity set is
// built from the file on disk the first time it is needed and then
// cached, so it can only restore a piece that was corrupted after that
// build; ReadPiece rejects a reconstruction that does not verify.
func (s *Store) reconstructLocked(infoHash string, rec *FileRecord, f *os.File, index int) ([]byte, error) {
	parity, err := s.parityFor(infoHash, rec)
	if err != nil {
		return nil, err
	}

	available := make(map[int][]byte, rec.Meta.NumPieces())
	for i := 0; i < rec.Meta.NumPieces(); i++ {
		if i == index {
			continue
		}
		size := rec.Meta.PieceSize(i)
		buf := make([]byte, size)
		if _, err := f.ReadAt(buf, int64(i)*rec.Meta.PieceLength); err != nil && err != io.EOF {
			continue
		}
		if VerifyPiece(buf, rec.Meta.PieceHashes[i]) {
			available[i] = buf
		}
	}

	return ReconstructPiece(rec, index, available, parity)
}

func (s *Store) parityFor(infoHash string, rec *FileRecord) (*ParitySet, error) {
	s.mu.RLock()
	p, ok := s.parity[infoHash]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}

	built, err := BuildParity(rec, DefaultParityShards)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.parity[infoHash] = built
	s.mu.Unlock()
	return built, nil
}

// VerifyPiece checks SHA-256(bytes) == expected; every fetched piece
// must verify before acceptance.
func VerifyPiece(bytes []byte, expected [32]byte) bool {
	return sha256.Sum256(bytes) == expected
}

// WritePiece verifies bytes against the recorded hash before writing it
// to disk at the correct offset; an unverified piece never touches the
// file.
func (s *Store) WritePiece(infoHash string, index int, data []byte) error {
	s.mu.RLock()
	rec, ok := s.files[infoHash]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown info_hash %s", infoHash)
	}
	if !VerifyPiece(data, rec.Meta.PieceHashes[index]) {
		return &ErrPieceHashMismatch{InfoHash: infoHash, Index: index}
	}

	f, err := os.OpenFile(rec.Path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("open %s for write: %w", rec.Path, err)
	}
	defer f.Close()

	offset := int64(index) * rec.Meta.PieceLength
	if _, err := f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("write piece %d of %s: %w", index, rec.Path, err)
	}
	return nil
}
