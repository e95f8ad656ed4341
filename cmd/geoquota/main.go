// Command geoquota runs the quota, cache and warming engine: an HTTP
// server for health and metrics plus one-shot commands meant for an
// external scheduler.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/geoquota/pkg/client"
	"github.com/Sternrassler/geoquota/pkg/config"
	"github.com/Sternrassler/geoquota/pkg/logging"
	"github.com/Sternrassler/geoquota/pkg/signals"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "geoquota",
		Short: "Quota guard, cache invalidation and warming for metered geo providers",
		Long: `geoquota keeps calls to metered geocoding and routing providers inside
their quotas. It runs the invalidation and warming sweeps on demand and
serves health and metrics endpoints.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", os.Getenv("GEOQUOTA_CONFIG"), "config file (YAML)")

	open := func(cmd *cobra.Command) (*app, error) {
		return openApp(cmd.Context(), cfgFile, cmd.ErrOrStderr())
	}

	root.AddCommand(
		newServeCmd(open),
		newInvalidateCmd(open),
		newWarmCmd(open),
		newEnqueueCmd(open),
		newUsageCmd(open),
		newCleanupCmd(open),
	)
	return root
}

// app holds the wired engine for one command invocation.
type app struct {
	cfg    config.Config
	redis  *redis.Client
	store  *signals.Store
	client *client.Client
	logger zerolog.Logger
}

func openApp(ctx context.Context, cfgFile string, logOutput io.Writer) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Log
	logCfg.Output = logOutput
	logging.Setup(logCfg)
	logger := logging.NewLogger("cli")

	if ctx == nil {
		ctx = context.Background()
	}

	rdb := redis.NewClient(cfg.RedisOptions())
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}

	a := &app{cfg: cfg, redis: rdb, logger: logger}

	if cfg.Signals.Path != "" {
		store, err := signals.OpenStore(cfg.Signals.Path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.store = store
	}

	cc, err := cfg.ClientConfig(rdb, a.store)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.client, err = client.New(cc)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Debug().Str("redis", cfg.Redis.Addr).Bool("signals", a.store != nil).Msg("Engine wired")
	return a, nil
}

func (a *app) Close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	a.redis.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
