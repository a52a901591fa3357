package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/joelkehle/agentflow/internal/config"
	"github.com/joelkehle/agentflow/internal/delivery"
	"github.com/joelkehle/agentflow/internal/directory"
	"github.com/joelkehle/agentflow/internal/flow"
	"github.com/joelkehle/agentflow/internal/httpapi"
	"github.com/joelkehle/agentflow/internal/tracing"
)

const shutdownGrace = 5 * time.Second

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the routing pipeline and its HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	dir, err := directory.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer dir.Close()
	logger.Info("directory ready", "driver", cfg.Database.Driver)

	if cfg.Seed.Path != "" {
		if err := applySeedFile(ctx, dir, cfg.Seed.Path); err != nil {
			return err
		}
	}

	timeout := cfg.Pipeline.SendTimeout()
	svc := flow.NewService(flow.Config{
		PollInterval:      cfg.Pipeline.PollInterval(),
		ErrorBackoff:      cfg.Pipeline.ErrorBackoff(),
		QueueCapacity:     cfg.Pipeline.QueueCapacity,
		FanoutConcurrency: cfg.Pipeline.FanoutConcurrency,
		HistoryPerAgent:   cfg.Pipeline.HistoryPerAgent,
		ActivityLimit:     cfg.Pipeline.ActivityLimit,
		Logger:            logger,
	}, dir, &delivery.SchemeSender{
		TCP:  delivery.NewTCPSender(timeout),
		HTTP: delivery.NewHTTPSender(timeout),
	})

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.NewServer(svc, httpapi.Options{
			RateLimit: cfg.Server.RateLimitRPS,
			Burst:     cfg.Server.RateLimitBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(gctx) })
	if cfg.Seed.Path != "" && cfg.Seed.Watch {
		g.Go(func() error {
			return directory.WatchSeed(gctx, cfg.Seed.Path, dir, directory.WatchOptions{Logger: logger})
		})
	}
	g.Go(func() error {
		logger.Info("agentflow listening", "addr", cfg.Server.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown incomplete", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("agentflow stopped")
	return err
}

func applySeedFile(ctx context.Context, reg directory.Registry, path string) error {
	seed, err := directory.LoadSeed(path)
	if err != nil {
		return err
	}
	res, err := directory.ApplySeed(ctx, reg, seed)
	if err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}
	slog.Info("seed applied", "path", path, "tags", res.Tags, "agents", res.Agents)
	return nil
}
