// Package server carries the external surface: the REST query interface,
// the per-session client stream (ingest gateway plus fan-out
// dispatcher), and the ordering/replay rules of that stream.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Handler assembles the full /api/v1 surface.
func Handler(api *API, gateway *Gateway) http.Handler {
	mux := http.NewServeMux()
	api.register(mux)
	gateway.register(mux)
	return mux
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
