package httpx

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// StartServer starts the HTTP server in the background and returns it
// for graceful shutdown. Pipeline invocations stream objects from S3
// inside a single request, so the write timeout must cover a full
// batch, not a typical API response.
func StartServer(logger *slog.Logger, handler http.Handler, addr string, readTimeout, writeTimeout time.Duration) *http.Server {
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// ShutdownServer gracefully shuts down the HTTP server.
func ShutdownServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if server == nil {
		return nil
	}
	logger.Info("shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
