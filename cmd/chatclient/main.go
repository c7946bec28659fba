package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ewhamarket/chatclient/internal/config"
	"github.com/ewhamarket/chatclient/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:               "chatclient",
	Short:             "Marketplace item chat client",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

var (
	flagAPIURL      string
	flagSession     string
	flagStore       string
	flagLogLevel    string
	flagMetricsAddr string
)

// cfg is loaded before any subcommand runs.
var cfg *config.Config

var metricsSrv *http.Server

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagAPIURL, "api-url", "", "marketplace backend base URL (env CHAT_API_URL)")
	flags.StringVar(&flagSession, "session", "", "session cookie value (env CHAT_SESSION_COOKIE)")
	flags.StringVar(&flagStore, "store", "", "realtime store: redis, nats, postgres, firebase, gateway or memory (env CHAT_STORE)")
	flags.StringVar(&flagLogLevel, "log-level", "", "log level (env LOG_LEVEL)")
	flags.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9102 (env METRICS_ADDR)")

	rootCmd.AddCommand(openCmd, historyCmd, deleteCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chatclient command")
	}
}

func setup(cmd *cobra.Command, _ []string) error {
	// Validated below, once flag overrides are applied.
	c, _ := config.Load()

	if flagAPIURL != "" {
		c.APIURL = flagAPIURL
	}
	if flagSession != "" {
		c.SessionCookie = flagSession
	}
	if flagStore != "" {
		c.Store = flagStore
	}
	if flagLogLevel != "" {
		c.LogLevel = flagLogLevel
	}
	if flagMetricsAddr != "" {
		c.MetricsAddr = flagMetricsAddr
	}

	c.SetupLogging()
	if err := c.Validate(); err != nil {
		return err
	}
	cfg = c

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn().Err(err).Str("addr", cfg.MetricsAddr).Msg("[metrics] server stopped")
			}
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("[metrics] serving /metrics")
	}
	return nil
}

func teardown(*cobra.Command, []string) {
	if metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(ctx); err != nil {
		log.Debug().Err(err).Msg("[metrics] shutdown")
	}
}
