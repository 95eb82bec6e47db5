// Package identity manages the node's long-lived Ed25519 key pair, the
// root of its stable peer ID on the mesh.
package identity

import (
	"fmt"
	"os"
	"runtime"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// keyFileMode is the permission mask a freshly written key file gets;
// CheckKeyFilePermissions enforces the same bound on load.
const keyFileMode = 0o600

// CheckKeyFilePermissions refuses a key file readable by group or
// others. Permission bits carry no meaning on Windows, where the check
// is skipped.
func CheckKeyFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat node key %s: %w", path, err)
	}
	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		return fmt.Errorf("node key %s has insecure permissions %04o (expected %04o); fix with: chmod 600 %s", path, mode, keyFileMode, path)
	}
	return nil
}

// LoadOrCreateIdentity returns the node's private key, generating and
// persisting a fresh Ed25519 key on first start. A key file that exists
// but cannot be read is an error, never cause to mint a replacement
// identity over it.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if perr := CheckKeyFilePermissions(path); perr != nil {
			return nil, perr
		}
		priv, uerr := crypto.UnmarshalPrivateKey(data)
		if uerr != nil {
			return nil, fmt.Errorf("unmarshal node key %s: %w", path, uerr)
		}
		return priv, nil
	case os.IsNotExist(err):
		return generateIdentity(path)
	default:
		return nil, fmt.Errorf("read node key %s: %w", path, err)
	}
}

func generateIdentity(path string) (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		return nil, fmt.Errorf("generate node keypair: %w", err)
	}
	data, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal node key: %w", err)
	}
	if err := os.WriteFile(path, data, keyFileMode); err != nil {
		return nil, fmt.Errorf("write node key %s: %w", path, err)
	}
	return priv, nil
}

// PeerIDFromKeyFile loads (or creates) a key file and returns the
// derived peer ID, the identity every announcement and command envelope
// carries in its from field.
func PeerIDFromKeyFile(path string) (peer.ID, error) {
	priv, err := LoadOrCreateIdentity(path)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("derive peer id from %s: %w", path, err)
	}
	return id, nil
}
