package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"vlm-chat-server/internal/auth"
	"vlm-chat-server/internal/config"
	"vlm-chat-server/internal/logging"
)

type Options struct {
	ConfigPath string
	EnvFile    string
}

func (o *Options) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVarP(&o.ConfigPath, "config", "c", "", "TOML config file (overrides CONFIG_FILE)")
	flagSet.StringVar(&o.EnvFile, "env-file", ".env", "dotenv file loaded before reading the environment")
}

// load reads the dotenv file, then the config, and installs the logger.
func (o *Options) load() (config.Config, error) {
	if err := godotenv.Load(o.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return config.Config{}, fmt.Errorf("load %s: %w", o.EnvFile, err)
	}
	cfg, err := config.LoadConfig(o.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCommand() *cobra.Command {
	opts := &Options{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API, plus in-process workers in queue mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func newWorkerCommand() *cobra.Command {
	opts := &Options{}
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "consume the redis request queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			return runWorker(ctx, cfg)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

func newTokenCommand() *cobra.Command {
	opts := &Options{}
	var clientID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "mint a bearer token for AUTH_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Server.AuthSecret == "" {
				return errors.New("AUTH_SECRET is not set")
			}
			tok, err := auth.CreateToken(clientID, tokenConfig(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	opts.AddFlags(cmd.Flags())
	cmd.Flags().StringVar(&clientID, "client", "cli", "client id carried in the token subject")
	return cmd
}

func tokenConfig(cfg config.Config) auth.TokenConfig {
	tc := auth.DefaultTokenConfig(cfg.Server.AuthSecret)
	if cfg.Server.TokenExpirySeconds > 0 {
		tc.Expiry = cfg.Server.TokenExpiry()
	}
	return tc
}

func runServe(ctx context.Context, cfg config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	a.startBackground(ctx, cfg.Chat.DeliveryMode == config.DeliveryQueue)
	err = a.serveHTTP(ctx)
	cancel()
	a.wait()
	return err
}

func runWorker(ctx context.Context, cfg config.Config) error {
	if cfg.Chat.DeliveryMode != config.DeliveryQueue || cfg.Store.Backend != config.StoreRedis {
		return errors.New("worker needs DELIVERY_MODE=queue and STORE_BACKEND=redis")
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	slog.Info("worker started", slog.Int("concurrency", cfg.Queue.WorkerConcurrency))
	a.startBackground(ctx, true)
	<-ctx.Done()
	a.wait()
	slog.Info("worker stopped", slog.Duration("uptime", time.Since(a.started)))
	return nil
}
