package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/geoquota/pkg/metrics"
	"github.com/Sternrassler/geoquota/pkg/ratelimit"
)

func newServeCmd(open func(*cobra.Command) (*app, error)) *cobra.Command {
	var (
		addr            string
		invalidateEvery time.Duration
		warmEvery       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /health, /metrics and /usage, optionally running periodic sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if addr == "" {
				addr = a.cfg.Metrics.Addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if invalidateEvery > 0 {
				go every(ctx, invalidateEvery, func(ctx context.Context) {
					if _, err := a.client.Invalidation().Sweep(ctx); err != nil {
						a.logger.Warn().Err(err).Msg("Scheduled invalidation sweep failed")
					}
				})
			}
			if warmEvery > 0 {
				go every(ctx, warmEvery, func(ctx context.Context) {
					if _, err := a.client.Warming().Run(ctx); err != nil {
						a.logger.Warn().Err(err).Msg("Scheduled warming run failed")
					}
				})
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           newMux(a.redis, a.client.Guard()),
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().Str("addr", addr).Msg("Starting geoquota server")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			a.logger.Info().Msg("Shutting down geoquota server")
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default metrics.addr)")
	cmd.Flags().DurationVar(&invalidateEvery, "invalidate-every", 0, "run an invalidation sweep at this interval (0 disables)")
	cmd.Flags().DurationVar(&warmEvery, "warm-every", 0, "run a warming pass at this interval (0 disables)")
	return cmd
}

// every runs fn at each tick until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func newMux(rdb *redis.Client, guard *ratelimit.Guard) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler(rdb))
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/usage", usageHandler(guard))
	return mux
}

// healthHandler reports whether the shared store is reachable.
func healthHandler(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := rdb.Ping(ctx).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

func usageHandler(guard *ratelimit.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overview, err := guard.Overview(r.Context())
		if err != nil {
			http.Error(w, "usage unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		printJSON(w, overview)
	}
}
