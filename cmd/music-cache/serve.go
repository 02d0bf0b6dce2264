package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/music-cache/pkg/httpcache"
	"github.com/Sternrassler/music-cache/pkg/metrics"
	"github.com/Sternrassler/music-cache/pkg/proxy"
	"github.com/Sternrassler/music-cache/pkg/upstream"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /api/audio, /api/r2 and the admin endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "listen port (overrides PORT)")
	return cmd
}

func runServe(ctx context.Context, cfg Config) error {
	logger := log.With().Str("component", "server").Logger()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := cfg.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           newMux(cfg, b),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("store", cfg.StoreBackend).
			Bool("bucket", b.bucket != nil).
			Msg("Starting music cache server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// newMux wires the proxy behind the shared HTTP cache.
func newMux(cfg Config, b *backends) *http.ServeMux {
	upstreamCfg := upstream.DefaultConfig()
	if cfg.UserAgent != "" {
		upstreamCfg.UserAgent = cfg.UserAgent
	}
	base := upstream.NewTransport(upstreamCfg.HeaderTimeout)
	upstreamCfg.Transport = httpcache.NewTransport(b.storage, base, log.Logger)

	handler := proxy.NewHandler(proxy.Config{
		Upstream:      upstream.New(upstreamCfg),
		Bucket:        b.bucket,
		BucketName:    cfg.Bucket.Name,
		Storage:       b.storage,
		AdminPassword: cfg.AdminPassword,
	})

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(b))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// readyHandler reports whether the configured store backend is reachable.
func readyHandler(b *backends) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if b.redis != nil {
			if err := b.redis.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		if b.storage != nil {
			if _, err := b.storage.Names(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "READY")
	}
}
