// Package main provides the CLI entry point for the proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/metroo-labs/metroo-proxy/internal/api"
	"github.com/metroo-labs/metroo-proxy/internal/classify"
	"github.com/metroo-labs/metroo-proxy/internal/config"
	"github.com/metroo-labs/metroo-proxy/internal/connect"
	"github.com/metroo-labs/metroo-proxy/internal/conntrack"
	"github.com/metroo-labs/metroo-proxy/internal/httpfwd"
	"github.com/metroo-labs/metroo-proxy/internal/logging"
	"github.com/metroo-labs/metroo-proxy/internal/metrics"
	"github.com/metroo-labs/metroo-proxy/internal/proxyserver"
	"github.com/metroo-labs/metroo-proxy/internal/reqid"
	"github.com/metroo-labs/metroo-proxy/internal/stats"
	"github.com/metroo-labs/metroo-proxy/internal/upstream"
	"github.com/metroo-labs/metroo-proxy/internal/webui"
	"github.com/metroo-labs/metroo-proxy/internal/wslog"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "metrooproxy",
		Short:   "Forward HTTP/HTTPS proxy with SOCKS5 upstream",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runProxy(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "path to configuration file")
	return cmd
}

func runProxy(cfg *config.Config) error {
	broadcaster := wslog.New(nil)

	sinks := []logging.Sink{logging.StderrSink()}
	var fileSink *logging.FileSink
	if cfg.LogPath != "" {
		fs, err := logging.NewFileSink(cfg.LogPath)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		fileSink = fs
		sinks = append(sinks, fs)
	}
	sinks = append(sinks, logging.NewBroadcastSink(broadcaster.Broadcast))

	logger := logging.NewLoggerWithWriter(cfg.LogLevel, cfg.LogFormat, logging.NewMultiSink(sinks...))
	if fileSink != nil {
		defer fileSink.Close()
	}

	var pool *pgxpool.Pool
	if cfg.EnableDatabase {
		p, err := pgxpool.New(context.Background(), cfg.Postgres.DSN())
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		pool = p
		defer pool.Close()
	}

	m := metrics.Default()
	collector := stats.New(pool, logger, m)
	defer collector.Close()

	tracker := conntrack.New(collector, logger, m)
	ids := reqid.NewGenerator()

	whitelist := classify.CompileWhitelist(cfg.Whitelist)
	direct := upstream.NewDirectDialer(cfg.DialTimeout, m)
	socksDialer := upstream.NewSocksDialer(cfg.SocksAddr, cfg.DialTimeout, m)
	selector := upstream.NewSelector(whitelist, direct, socksDialer)

	forwarder := httpfwd.New(httpfwd.Config{
		Selector:     selector,
		DirectDialer: direct,
		SocksDialer:  socksDialer,
		Tracker:      tracker,
		RequestIDs:   ids,
		IdleTimeout:  cfg.IdleTimeouts.HTTP,
		DialTimeout:  cfg.DialTimeout,
		Logger:       logger,
	})
	connector := connect.New(connect.Config{
		Selector:    selector,
		Tracker:     tracker,
		RequestIDs:  ids,
		IdleTimeout: cfg.IdleTimeouts.Connect,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})

	proxy := proxyserver.New(proxyserver.Config{
		Addr:         cfg.Addr,
		Connector:    connector,
		Forwarder:    forwarder,
		Tracker:      tracker,
		DrainTimeout: cfg.DrainTimeout,
		Logger:       logger,
	})

	apiServer := api.New(tracker, collector, "")

	controlMux := http.NewServeMux()
	controlMux.Handle("/api/", apiServer.Mux())
	controlMux.Handle("/metrics", promhttp.Handler())
	controlMux.HandleFunc("/api/logs/stream", broadcaster.Handler)
	controlMux.Handle("/", webui.Handler(cfg.StaticDir))

	var controlServer *http.Server
	if cfg.HTTPAddr != "" {
		controlServer = &http.Server{Addr: cfg.HTTPAddr, Handler: controlMux}
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("proxy listening", logging.KeyAddress, cfg.Addr)
		if err := proxy.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()
	if controlServer != nil {
		go func() {
			logger.Info("control API listening", logging.KeyAddress, cfg.HTTPAddr)
			if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("control server: %w", err)
			}
		}()
	}

	statusDone := make(chan struct{})
	if cfg.EnableDatabase {
		go runStatusTicker(collector, logger, statusDone)
		defer close(statusDone)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error, shutting down", logging.KeyError, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()

	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Error("proxy shutdown error", logging.KeyError, err)
	}
	if controlServer != nil {
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("control server shutdown error", logging.KeyError, err)
		}
	}

	logger.Info("stopped")
	return nil
}

// runStatusTicker periodically logs a human-readable traffic summary until
// done is closed. It is a best-effort display, not a data-plane dependency:
// a failed GetStats call just skips that tick.
func runStatusTicker(collector *stats.Collector, logger *slog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			resp, err := collector.GetStats(ctx, stats.Filter{}, stats.Pagination{Page: 1, PageSize: 1})
			cancel()
			if err != nil {
				continue
			}
			logger.Info("traffic summary",
				logging.KeyCount, resp.TotalRequests,
				logging.KeyBytesUp, humanize.Bytes(uint64(resp.TotalBytesUp)),
				logging.KeyBytesDown, humanize.Bytes(uint64(resp.TotalBytesDown)),
			)
		}
	}
}
