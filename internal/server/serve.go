package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kilupskalvis/mastiff/internal/config"
	"github.com/kilupskalvis/mastiff/internal/models"
)

// shutdownTimeout bounds how long in-flight requests may finish on shutdown
const shutdownTimeout = 30 * time.Second

// ConfigFrom builds the handler configuration from the [server] settings
func ConfigFrom(c config.ServerConfig) *ServerConfig {
	cfg := DefaultServerConfig()
	cfg.ThresholdBP = c.ThresholdBP
	cfg.MaxConcurrent = c.MaxConcurrent
	cfg.MaxRequestBody = c.MaxBody
	cfg.Timeout = c.Timeout.Duration
	cfg.RequestsPerMinute = c.RequestsPerMinute
	cfg.AssetsDir = c.Assets
	if c.KSize != 0 || c.Scaled != 0 {
		cfg.Selection = &models.Selection{KSize: c.KSize, Scaled: c.Scaled, Molecule: models.MoleculeDNA}
	}
	return cfg
}

// NewLogger builds the server logger writing JSON or text records to w
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

// Serve runs the query service for index on listen until ctx is cancelled,
// then drains in-flight requests
func Serve(ctx context.Context, listen string, index Index, cfg *ServerConfig, logger *slog.Logger) error {
	h, cleanup := Handler(index, cfg, logger)
	defer cleanup()

	srv := &http.Server{
		Addr:              listen,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("starting mastiff server", "listen", listen, "datasets", index.Len(), "template", index.Template().String())
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}
