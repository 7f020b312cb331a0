package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/glimte/linkmux"
	"github.com/glimte/linkmux/health"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

type globalFlags struct {
	configPath  string
	address     string
	backend     string
	metricsAddr string
}

func main() {
	logger := newLogger(os.Stderr, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(logger *slog.Logger) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "linkprobe",
		Short: "Send and receive test traffic over AMQP links",
		Long: `linkprobe opens a linkmux client against an AMQP 1.0 peer or a RabbitMQ
broker and sends or receives messages, reporting the outcome of each.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.address, "address", "a", "", "Peer address, overrides the configuration file")
	rootCmd.PersistentFlags().StringVarP(&g.backend, "backend", "b", "", "Backend (amqp or rabbitmq), overrides the configuration file")
	rootCmd.PersistentFlags().StringVar(&g.metricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address")

	rootCmd.AddCommand(
		newSendCmd(g, logger),
		newReceiveCmd(g, logger),
	)
	return rootCmd
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig reads the configuration file, if any, and applies the flag
// overrides.
func (g *globalFlags) loadConfig() (*linkmux.Config, error) {
	cfg := linkmux.DefaultConfig()
	if g.configPath != "" {
		var err error
		if cfg, err = linkmux.ReadConfig(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.address != "" {
		cfg.Address = g.address
	}
	if g.backend != "" {
		cfg.Backend = linkmux.Backend(g.backend)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connect opens a client and, with --metrics-addr, serves its metrics and
// health. The returned function closes both.
func (g *globalFlags) connect(ctx context.Context, logger *slog.Logger) (*linkmux.Client, func(), error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, nil, err
	}

	opts := []linkmux.ClientOption{linkmux.WithLogger(logger)}
	var reg *prometheus.Registry
	if g.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, linkmux.WithMetricsRegisterer(reg))
	}

	client, err := linkmux.NewClient(ctx, cfg, opts...)
	if err != nil {
		return nil, nil, err
	}

	var srv *http.Server
	if reg != nil {
		srv = serve(g.metricsAddr, reg, client, logger)
	}

	closeAll := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CloseTimeout+time.Second)
		defer cancel()
		if err := client.Close(shutdownCtx); err != nil {
			logger.Warn("client close failed", "error", err)
		}
		if srv != nil {
			_ = srv.Shutdown(shutdownCtx)
		}
	}
	return client, closeAll, nil
}

type pendingSource interface {
	PendingDeliveries() int
}

// newSettlementChecker degrades once warn or more deliveries await
// settlement.
func newSettlementChecker(source pendingSource, warn int) *health.ComponentChecker {
	return health.NewComponentChecker("settlement", func(ctx context.Context) (health.Status, string, map[string]any, error) {
		n := source.PendingDeliveries()
		details := map[string]any{"pending": n, "warn_threshold": warn}
		if n >= warn {
			return health.StatusDegraded, fmt.Sprintf("%d deliveries awaiting settlement", n), details, nil
		}
		return health.StatusHealthy, "Settlement backlog is normal", details, nil
	})
}

func serve(addr string, reg *prometheus.Registry, client *linkmux.Client, logger *slog.Logger) *http.Server {
	checks := health.NewRegistry(
		health.NewConnectionChecker(client),
		health.NewRecoveryChecker(client, 0),
		health.NewGoroutineChecker(1000, 5000),
		newSettlementChecker(client, 1000),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health.NewHandler(checks, 5*time.Second))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	return srv
}
