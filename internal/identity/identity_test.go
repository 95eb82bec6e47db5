package identity

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestLoadOrCreateIdentityGeneratesAndPersistsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	priv, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("LoadOrCreateIdentity() error = %v", err)
	}
	if priv == nil {
		t.Fatal("expected a non-nil private key")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected key file to be written: %v", err)
	}
}

func TestLoadOrCreateIdentityReloadsSameKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.key")

	first, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("first LoadOrCreateIdentity() error = %v", err)
	}
	second, err := LoadOrCreateIdentity(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateIdentity() error = %v", err)
	}

	id1, err := PeerIDFromKeyFile(path)
	if err != nil {
		t.Fatalf("PeerIDFromKeyFile() error = %v", err)
	}
	if !first.Equals(second) {
		t.Fatal("expected reloaded key to equal the originally generated key")
	}
	id2, err := PeerIDFromKeyFile(path)
	if err != nil {
		t.Fatalf("PeerIDFromKeyFile() error = %v", err)
	}
	if id1 != id2 {
		t.Fatalf("peer IDs differ across reloads: %s != %s", id1, id2)
	}
}

func TestLoadOrCreateIdentityErrorsOnUnreadableKeyPath(t *testing.T) {
	// A path that exists but cannot be read as a key file must surface
	// an error rather than minting a replacement identity over it.
	dir := t.TempDir()
	if _, err := LoadOrCreateIdentity(dir); err == nil {
		t.Fatal("LoadOrCreateIdentity() error = nil, want read error for directory path")
	}
}

func TestCheckKeyFilePermissionsRejectsGroupReadable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not a real key"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := CheckKeyFilePermissions(path); err == nil {
		t.Fatal("CheckKeyFilePermissions() error = nil, want insecure-permissions error")
	}
}

func TestCheckKeyFilePermissionsAcceptsOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "node.key")
	if err := os.WriteFile(path, []byte("not a real key"), 0600); err != nil {
		t.Fatal(err)
	}

	if err := CheckKeyFilePermissions(path); err != nil {
		t.Fatalf("CheckKeyFilePermissions() error = %v", err)
	}
}

func TestLoadOrCreateIdentityRejectsInsecurePermissionsOnExistingFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on windows")
	}
	path := filepath.Join(t.TempDir(), "node.key")
	// Seed with a valid key first, then relax permissions.
	if _, err := LoadOrCreateIdentity(path); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadOrCreateIdentity(path); err == nil {
		t.Fatal("LoadOrCreateIdentity() error = nil, want permissions error")
	}
}
