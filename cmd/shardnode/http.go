package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// httpServerHandle lets startTelemetryServers shut every listener down
// together on node exit.
type httpServerHandle struct {
	srv *http.Server
}

func (h *httpServerHandle) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.srv.Shutdown(ctx)
}

// serveHTTP starts an HTTP server on addr serving handler, logging (not
// failing the node) if the listener can't be established, and stopping
// automatically when ctx is cancelled.
func serveHTTP(ctx context.Context, addr string, handler http.Handler) *httpServerHandle {
	srv := &http.Server{Addr: addr, Handler: handler}
	h := &httpServerHandle{srv: srv}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("telemetry http server failed", "addr", addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		h.shutdown()
	}()

	return h
}
