package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/shardmesh/shardnet/internal/command"
)

// DefaultRequestTimeout bounds a single request/response round trip when the
// caller doesn't supply its own context deadline.
const DefaultRequestTimeout = 15 * time.Second

// maxEnvelopeBytes caps a single JSON command envelope read off the wire,
// guarding against a misbehaving peer streaming unbounded data into the
// decoder.
const maxEnvelopeBytes = 64 << 20

// SendRequest opens a fresh command stream to peerID, writes req as a single
// newline-delimited JSON envelope, and reads back one Response: the
// send_request(peer, bytes) -> reply primitive specialized to the command
// envelope wire format.
func (t *Host) SendRequest(ctx context.Context, peerID peer.ID, req *command.Request) (*command.Response, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}

	s, err := t.NewCommandStream(ctx, peerID)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(dl)
	}

	if err := writeEnvelope(s, req); err != nil {
		s.Reset()
		return nil, fmt.Errorf("transport: write request: %w", err)
	}
	if err := s.CloseWrite(); err != nil {
		s.Reset()
		return nil, fmt.Errorf("transport: close write side: %w", err)
	}

	var resp command.Response
	if err := readEnvelope(s, &resp); err != nil {
		s.Reset()
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	return &resp, nil
}

// SendRequestToPeer is SendRequest taking a string-encoded peer ID, letting
// upstream callers (the pipeline coordinator) depend on a narrow
// string-keyed interface instead of importing libp2p's peer package.
func (t *Host) SendRequestToPeer(ctx context.Context, peerIDStr string, req *command.Request) (*command.Response, error) {
	pid, err := peer.Decode(peerIDStr)
	if err != nil {
		return nil, fmt.Errorf("transport: decode peer id %q: %w", peerIDStr, err)
	}
	return t.SendRequest(ctx, pid, req)
}

// ServeCommands wires dispatcher into the host's command stream handler:
// every inbound stream is read as one Request, dispatched, and answered with
// exactly one Response before the stream closes.
func (t *Host) ServeCommands(dispatcher *command.Dispatcher) {
	t.SetCommandHandler(func(s network.Stream) {
		defer s.Close()

		var req command.Request
		if err := readEnvelope(s, &req); err != nil {
			t.log.Warn("discarding malformed command stream", "peer", s.Conn().RemotePeer(), "error", err)
			s.Reset()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), DefaultRequestTimeout)
		defer cancel()

		resp := dispatcher.Dispatch(ctx, &req)
		if err := writeEnvelope(s, resp); err != nil {
			t.log.Warn("failed to write command response", "peer", s.Conn().RemotePeer(), "error", err)
			s.Reset()
		}
	})
}

func writeEnvelope(w interface{ Write([]byte) (int, error) }, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func readEnvelope(s network.Stream, v any) error {
	r := bufio.NewReaderSize(io.LimitReader(s, maxEnvelopeBytes+1), 4096)
	line, err := r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return err
	}
	if len(line) > maxEnvelopeBytes {
		return fmt.Errorf("envelope exceeds %d bytes", maxEnvelopeBytes)
	}
	return json.Unmarshal(line, v)
}
