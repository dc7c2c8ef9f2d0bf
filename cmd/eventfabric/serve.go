package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/eventfabric/pkg/eventfabric"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/config"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/event"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/observability"
	"github.com/randalmurphal/eventfabric/pkg/eventfabric/transport"
)

func createServeCommand(global *GlobalFlags, flags *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a node until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if err := applyServeFlags(cmd, &cfg, flags); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, flags.DemoInterval)
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.NodeID, "id", "", "node ID (generated when empty)")
	f.StringSliceVar(&flags.Attributes, "attr", nil, "node attribute key=value (repeatable)")
	f.StringVar(&flags.NATSURL, "nats-url", "", "NATS server URL")
	f.BoolVar(&flags.Embedded, "embedded-nats", false, "start an in-process NATS server")
	f.IntVar(&flags.EmbeddedPort, "embedded-nats-port", 4222, "port of the embedded NATS server (-1 for random)")
	f.IntVar(&flags.Capacity, "capacity", 0, "records retained by the local store")
	f.StringVar(&flags.ArchiveDSN, "archive", "", "archive DSN for evicted records (sqlite path or postgres URL)")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.DurationVar(&flags.DemoInterval, "demo-interval", 0, "record a synthetic task execution at this interval")
	return cmd
}

// applyServeFlags overrides cfg with the flags set on the command line.
func applyServeFlags(cmd *cobra.Command, cfg *config.NodeConfig, flags *ServeFlags) error {
	changed := cmd.Flags().Changed
	if changed("id") {
		cfg.Node.ID = flags.NodeID
	}
	if changed("attr") {
		attrs, err := config.ParseAttributes(strings.Join(flags.Attributes, ","))
		if err != nil {
			return fmt.Errorf("--attr: %w", err)
		}
		cfg.Node.Attributes = attrs
	}
	if changed("nats-url") {
		cfg.NATS.URL = flags.NATSURL
	}
	if changed("embedded-nats") {
		cfg.NATS.Embedded = flags.Embedded
	}
	if changed("embedded-nats-port") {
		cfg.NATS.EmbeddedPort = flags.EmbeddedPort
	}
	if changed("capacity") {
		cfg.Store.Capacity = flags.Capacity
	}
	if changed("archive") {
		cfg.Archive.DSN = flags.ArchiveDSN
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = flags.MetricsAddr
	}
	return cfg.Validate()
}

func runServe(ctx context.Context, cfg config.NodeConfig, demo time.Duration) error {
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	if cfg.NATS.Embedded {
		srv, err := startEmbeddedNATS(cfg.NATS.EmbeddedPort)
		if err != nil {
			return err
		}
		defer srv.Shutdown()
		cfg.NATS.URL = srv.ClientURL()
		logger.Info("embedded NATS started", slog.String("url", cfg.NATS.URL))
	}

	tr, err := transport.DialNATS(ctx, transport.NATSConfig{
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		Name:          "eventfabric " + cfg.Node.ID,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer tr.Close()

	reg := prometheus.NewRegistry()
	prom, err := observability.NewPromMetrics(reg)
	if err != nil {
		return err
	}

	node, err := eventfabric.New(cfg,
		eventfabric.WithTransport(tr),
		eventfabric.WithLogger(logger),
		eventfabric.WithMetrics(observability.Fanout(observability.NewMetricsRecorder(), prom)),
		eventfabric.WithSpanManager(observability.NewSpanManager()),
	)
	if err != nil {
		return err
	}
	if err := reg.Register(observability.NewCollector(node)); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}
	if err := node.Start(ctx); err != nil {
		_ = node.Close()
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		logger.Info("serving metrics", slog.String("addr", cfg.Metrics.Addr))
	}

	if demo > 0 {
		go recordDemo(ctx, node, demo)
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(reg))
	return mux
}

func startEmbeddedNATS(port int) (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: port})
	if err != nil {
		return nil, fmt.Errorf("embedded nats: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("embedded nats: not ready after 10s")
	}
	return srv, nil
}

// recordDemo records a synthetic task execution every interval.
func recordDemo(ctx context.Context, node *eventfabric.Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 1; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			name := fmt.Sprintf("demo-%d", i)
			if _, err := node.RecordAll(ctx, event.TaskExecution(name, "", 1+i%3)); err != nil {
				return
			}
		}
	}
}
