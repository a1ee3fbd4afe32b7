package main

import (
	"context"
	"fmt"
	"io"

	"github.com/Sternrassler/resilient-fetch/internal/config"
	"github.com/Sternrassler/resilient-fetch/pkg/client"
	"github.com/Sternrassler/resilient-fetch/pkg/logging"
	"github.com/Sternrassler/resilient-fetch/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app carries state shared by the subcommands.
type app struct {
	cfgFile string
	verbose bool

	cfg    config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "fetchctl",
		Short:         "Resilient HTTP requests with throttling, retries and rate limit handling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd.ErrOrStderr())
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (YAML, optional)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "verbose output (sets log level to debug)")

	root.AddCommand(newGetCmd(a), newPagesCmd(a), newServeCmd(a))
	return root
}

// init loads the configuration and sets up logging.
func (a *app) init(logOutput io.Writer) error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}

	logCfg, err := cfg.LoggerConfig()
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if a.verbose {
		logCfg.Level = logging.LevelDebug
	}
	logCfg.Output = logOutput
	logging.Setup(logCfg)

	a.cfg = cfg
	a.logger = logging.NewLogger("fetchctl")
	return nil
}

// newClient builds the client. When a Redis address is configured the rate
// limit gate is shared through Redis. The returned cleanup closes everything.
func (a *app) newClient(ctx context.Context) (*client.Client, func(), error) {
	cc, err := a.cfg.ClientConfig()
	if err != nil {
		return nil, nil, err
	}

	var redisClient *redis.Client
	if a.cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		a.logger.Info().Str("addr", a.cfg.Redis.Addr).Msg("Connected to Redis")
		cc.RateLimitStore = ratelimit.NewRedisStore(redisClient)
	} else {
		cc.RateLimitStore = ratelimit.NewMemoryStore()
	}

	c, err := client.New(cc)
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, nil, fmt.Errorf("create client: %w", err)
	}

	cleanup := func() {
		c.Close()
		if redisClient != nil {
			redisClient.Close()
		}
	}
	return c, cleanup, nil
}
