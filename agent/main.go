// Command collabtext-agent is the signaling agent mesh peers meet through.
// It relays announcements between peers of the same document and advertises
// itself over mDNS so peers on the local network can find it.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/config"
	"collabtext/internal/logging"
	"collabtext/internal/signaling"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, addr string
	var noAdvertise bool
	cmd := &cobra.Command{
		Use:          "collabtext-agent",
		Short:        "Signaling agent for peer-to-peer collaboration",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Agent.Addr = addr
			}
			if noAdvertise {
				cfg.Agent.Advertise = false
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file (default ./collabtext.yaml)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides agent.addr")
	cmd.Flags().BoolVar(&noAdvertise, "no-mdns", false, "do not advertise over mDNS")
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

	ln, err := net.Listen("tcp", cfg.Agent.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Agent.Addr, err)
	}

	hub := signaling.NewHub(log)
	router := mux.NewRouter()
	hub.Routes(router)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	httpSrv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info("signaling agent listening", zap.String("addr", ln.Addr().String()))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	if cfg.Agent.Advertise {
		g.Go(func() error {
			advertise(ctx, log, cfg.Agent.ServiceName, ln.Addr())
			return nil
		})
	}
	return g.Wait()
}

// advertise registers the agent over mDNS and logs the other agents it sees
// until ctx is done. Failures only cost discoverability.
func advertise(ctx context.Context, log *zap.Logger, service string, addr net.Addr) {
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		log.Warn("mdns: bad address", zap.Error(err))
		return
	}
	port, _ := strconv.Atoi(portStr)
	host, _ := os.Hostname()

	server, err := zeroconf.Register("CollabText-"+host, service, "local.", port,
		[]string{"txtv=0", "path=/signal"}, nil)
	if err != nil {
		log.Warn("mdns: register failed", zap.Error(err))
		return
	}
	defer server.Shutdown()
	log.Info("mdns service registered", zap.String("service", service), zap.Int("port", port))

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.Warn("mdns: resolver failed", zap.Error(err))
		return
	}
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			log.Info("mdns discovered agent",
				zap.String("instance", entry.Instance),
				zap.Stringer("ip", entry.AddrIPv4[0]),
				zap.Int("port", entry.Port))
		}
	}()
	if err := resolver.Browse(ctx, service, "local.", entries); err != nil {
		log.Warn("mdns: browse failed", zap.Error(err))
		return
	}
	<-ctx.Done()
}
