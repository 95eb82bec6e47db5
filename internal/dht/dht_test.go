package dht

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
)

func newTestDHTHost(t *testing.T) (*DHT, func()) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h, err := libp2p.New(libp2p.Identity(priv), libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatalf("new libp2p host: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d, err := New(ctx, h, "test-cluster", WithServerMode())
	if err != nil {
		cancel()
		h.Close()
		t.Fatalf("New() error = %v", err)
	}
	return d, func() {
		cancel()
		d.Close()
		h.Close()
	}
}

func TestProtocolPrefixIsClusterScoped(t *testing.T) {
	if got := protocolPrefix("alpha"); got != "/shardmesh/alpha" {
		t.Fatalf("protocolPrefix(alpha) = %q", got)
	}
	if got := protocolPrefix("beta"); got == protocolPrefix("alpha") {
		t.Fatalf("expected distinct prefixes, got %q for both", got)
	}
}

func TestNamespacedKeyUsesShardmeshNamespace(t *testing.T) {
	d, cleanup := newTestDHTHost(t)
	defer cleanup()

	if got := d.namespacedKey("shard/llama-7b/0"); got != "/shardmesh/shard/llama-7b/0" {
		t.Fatalf("namespacedKey() = %q", got)
	}
}

func TestBootstrapReturnsErrorWhenNoSeedReachable(t *testing.T) {
	d, cleanup := newTestDHTHost(t)
	defer cleanup()

	// A syntactically valid multiaddr+peer ID with nothing listening.
	unreachable := "/ip4/127.0.0.1/tcp/1/p2p/12D3KooWGRvF7qYz6yxxr5TcDFVYjjCbuhDwTTijqRxvQiFdtqmK"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.Bootstrap(ctx, []string{unreachable})
	if err != ErrNoBootstrapReachable {
		t.Fatalf("Bootstrap() error = %v, want ErrNoBootstrapReachable", err)
	}
}

func TestBootstrapSkipsMalformedAddressesButStillFails(t *testing.T) {
	d, cleanup := newTestDHTHost(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.Bootstrap(ctx, []string{"not-a-multiaddr"})
	if err != ErrNoBootstrapReachable {
		t.Fatalf("Bootstrap() error = %v, want ErrNoBootstrapReachable", err)
	}
}

func TestRecordValidatorRejectsEmptyValue(t *testing.T) {
	v := newRecordValidator()
	if err := v.Validate("/shardmesh/x", nil); err == nil {
		t.Fatal("Validate(empty) error = nil, want error")
	}
}

func TestRecordValidatorAcceptsNonEmptyValue(t *testing.T) {
	v := newRecordValidator()
	if err := v.Validate("/shardmesh/x", []byte{1, 2, 3}); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestRecordValidatorSelectPicksMostRecentTimestamp(t *testing.T) {
	v := newRecordValidator()
	older := encodeTestTimestamp(100)
	newer := encodeTestTimestamp(200)

	best, err := v.Select("/shardmesh/x", [][]byte{older, newer})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if best != 1 {
		t.Fatalf("Select() = %d, want 1 (newer)", best)
	}
}

func TestRecordValidatorSelectFallsBackToFirstWhenUnparseable(t *testing.T) {
	v := newRecordValidator()
	best, err := v.Select("/shardmesh/x", [][]byte{{1, 2}, {3, 4}})
	if err != nil {
		t.Fatalf("Select() error = %v", err)
	}
	if best != 0 {
		t.Fatalf("Select() = %d, want 0 (default first)", best)
	}
}

func encodeTestTimestamp(ts uint64) []byte {
	out := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		out[i] = byte(ts)
		ts >>= 8
	}
	return out
}
