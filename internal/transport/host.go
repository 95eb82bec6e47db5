// Package transport adapts a libp2p host into the node's peer identity &
// transport surface: dial, listen, request/response over a single command
// protocol, and a stream of connection/identify events.
package transport

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/multiformats/go-multiaddr"
)

// Mode selects which transports a Host dials and listens on.
type Mode string

const (
	ModeQUIC Mode = "quic"
	ModeTCP  Mode = "tcp"
	ModeDual Mode = "dual"
)

// Host wraps a libp2p host.Host with the command-protocol request/response
// pattern and an event subscription for connection/identify notifications.
type Host struct {
	h   host.Host
	log *slog.Logger
}

// CommandProtocolID is the single protocol every command envelope travels
// over; command types are multiplexed inside the envelope rather than
// spread across one protocol per command.
const CommandProtocolID = "/shardmesh/command/1.0.0"

// New builds a libp2p host with the requested transport(s). identity is the
// libp2p.Identity(priv) option built from a key loaded via
// internal/identity.LoadOrCreateIdentity.
func New(identity libp2p.Option, listenAddresses []string, mode Mode) (*Host, error) {
	opts := []libp2p.Option{identity}

	switch mode {
	case ModeQUIC:
		opts = append(opts, libp2p.Transport(libp2pquic.NewTransport))
	case ModeTCP:
		opts = append(opts, libp2p.Transport(tcp.NewTCPTransport))
	case ModeDual, "":
		opts = append(opts, libp2p.Transport(tcp.NewTCPTransport), libp2p.Transport(libp2pquic.NewTransport))
	default:
		return nil, fmt.Errorf("transport: unknown mode %q", mode)
	}

	if len(listenAddresses) > 0 {
		if err := validateListenAddresses(listenAddresses); err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrStrings(listenAddresses...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: create libp2p host: %w", err)
	}

	return &Host{h: h, log: slog.Default().With("component", "transport")}, nil
}

// validateListenAddresses rejects a malformed configured listen address
// up front with a clear error, rather than deferring to libp2p.New's own
// (less specific) failure mode.
func validateListenAddresses(addrs []string) error {
	for _, a := range addrs {
		if _, err := multiaddr.NewMultiaddr(a); err != nil {
			return fmt.Errorf("transport: invalid listen address %q: %w", a, err)
		}
	}
	return nil
}

// Raw returns the underlying libp2p host.Host for subsystems (DHT, pubsub)
// that need to construct on top of it directly.
func (t *Host) Raw() host.Host { return t.h }

// PeerID returns this node's own peer ID.
func (t *Host) PeerID() peer.ID { return t.h.ID() }

// Dial establishes a connection to addr, expected to be a p2p multiaddr
// string including the target's /p2p/<peerID> suffix.
func (t *Host) Dial(ctx context.Context, addr string) (peer.ID, error) {
	ai, err := peer.AddrInfoFromString(addr)
	if err != nil {
		return "", fmt.Errorf("transport: parse addr %q: %w", addr, err)
	}
	if err := t.h.Connect(ctx, *ai); err != nil {
		return "", fmt.Errorf("transport: connect to %s: %w", ai.ID, err)
	}
	return ai.ID, nil
}

// SetCommandHandler registers the single stream handler every command
// envelope arrives on.
func (t *Host) SetCommandHandler(handler func(network.Stream)) {
	t.h.SetStreamHandler(CommandProtocolID, handler)
}

// NewCommandStream opens a fresh stream to peerID over the command protocol.
func (t *Host) NewCommandStream(ctx context.Context, peerID peer.ID) (network.Stream, error) {
	s, err := t.h.NewStream(ctx, peerID, CommandProtocolID)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream to %s: %w", peerID, err)
	}
	return s, nil
}

// Subscribe returns a channel of connectedness/identify events for
// peer-liveness tracking.
func (t *Host) Subscribe() (event.Subscription, error) {
	sub, err := t.h.EventBus().Subscribe([]interface{}{
		new(event.EvtPeerConnectednessChanged),
		new(event.EvtPeerIdentificationCompleted),
	})
	if err != nil {
		return nil, fmt.Errorf("transport: subscribe to host events: %w", err)
	}
	return sub, nil
}

// Close shuts the host down.
func (t *Host) Close() error {
	return t.h.Close()
}
