package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/vizmeta/internal/config"
	"github.com/nainya/vizmeta/internal/logger"
	"github.com/nainya/vizmeta/internal/metrics"
	"github.com/nainya/vizmeta/internal/server"
	"github.com/nainya/vizmeta/pkg/metadata"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the metadata cache over HTTP",
		Long:  "Load the configured initial metadata and serve the store API, metrics, and a gRPC health service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.InitGlobalLogger(cfg.LoggerConfig())
	log := logger.GetGlobalLogger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	store, err := buildStore(cfg, m, log)
	if err != nil {
		return err
	}

	srv := server.NewServer(store, m, reg, log)
	httpServer := server.NewHTTPServer(cfg.HTTPAddr(), srv.Routes(), cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	log.LogServerStart(cfg.Server.HTTPPort, cfg.Server.GRPCPort, store.Len())

	httpLis, err := net.Listen("tcp", cfg.HTTPAddr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.HTTPAddr(), err)
	}

	var health *server.HealthServer
	var grpcLis net.Listener
	if cfg.Server.GRPCPort != 0 {
		grpcLis, err = net.Listen("tcp", cfg.GRPCAddr())
		if err != nil {
			httpLis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr(), err)
		}
		health = server.NewHealthServer(m, log)
	}

	done := make(chan struct{})
	defer close(done)
	go m.RunUptime(15*time.Second, done)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	if health != nil {
		g.Go(func() error { return health.Serve(grpcLis) })
		health.SetServing(true)
	}

	srv.SetReady(true)
	log.LogServerReady(cfg.Server.HTTPPort)

	g.Go(func() error {
		<-gctx.Done()
		log.LogServerShutdown()
		srv.SetReady(false)
		if health != nil {
			health.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// buildStore creates the store from the configured initial bundle and root units
func buildStore(cfg *config.Config, m *metrics.Metrics, log *logger.Logger) (*metadata.Store, error) {
	var initial any
	if cfg.Store.InitialMetadata != "" {
		bundle, err := loadJSONFile(cfg.Store.InitialMetadata)
		if err != nil {
			return nil, err
		}
		initial = bundle
	}

	opts := []metadata.Option{metadata.WithLogger(log)}
	if m != nil {
		opts = append(opts, metadata.WithMetrics(m))
	}
	if units := cfg.RootOrgUnitInputs(); len(units) > 0 {
		opts = append(opts, metadata.WithRootOrganisationUnits(units...))
	}

	store, err := metadata.NewStore(initial, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build store: %w", err)
	}
	return store, nil
}
