// Command collabtext-server is the relay backend: clients join rooms over
// websockets, updates are persisted and, with Redis configured, fanned out
// to every other server instance serving the same room.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/broker"
	"collabtext/internal/config"
	"collabtext/internal/logging"
	"collabtext/internal/relay"
	"collabtext/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, addr string
	cmd := &cobra.Command{
		Use:          "collabtext-server",
		Short:        "Relay server for collaborative documents",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./collabtext.yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	log, err := logging.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Server, log)
	if err != nil {
		return err
	}
	br, err := openBroker(ctx, cfg.Server, log)
	if err != nil {
		_ = st.Close()
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(relay.Options{
		Store:             st,
		Broker:            br,
		Logger:            log,
		Registerer:        reg,
		MessagesPerSecond: cfg.Server.MessagesPerSecond,
		Burst:             cfg.Server.Burst,
		CompactAfter:      cfg.Server.CompactAfter,
	})

	router := mux.NewRouter()
	srv.Routes(router)
	router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay server listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if cerr := srv.Close(); err == nil {
			err = cerr
		}
		return err
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.ServerConfig, log *zap.Logger) (store.Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		st, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		log.Info("connected to PostgreSQL")
		return st, nil
	case cfg.BoltPath != "":
		st, err := store.OpenBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("bolt: %w", err)
		}
		log.Info("using bbolt persistence", zap.String("path", cfg.BoltPath))
		return st, nil
	default:
		log.Warn("no persistence configured, documents live in memory only")
		return store.NewMemory(), nil
	}
}

func openBroker(ctx context.Context, cfg config.ServerConfig, log *zap.Logger) (broker.Broker, error) {
	if cfg.RedisAddr == "" {
		return broker.NewLocal(), nil
	}
	br, err := broker.NewRedis(ctx, cfg.RedisAddr, log)
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	return br, nil
}
