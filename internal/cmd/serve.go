package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/autoglm/taskrelay"
	"github.com/autoglm/taskrelay/internal/metrics"
	"github.com/autoglm/taskrelay/internal/monitoring"
	"github.com/autoglm/taskrelay/internal/server"
)

const metricsNamespace = "taskrelay"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the HTTP API. The upstream connection is established in the
background; until it is up, submissions answer 503 and /health reports
degraded.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(metricsNamespace)
	opts := append(cfg.RelayOptions(log), m.RelayOptions()...)

	enabled, err := monitoring.InitSentry(monitoring.SentryConfig{
		DSN:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		ServiceName: "taskrelay",
		Debug:       cfg.Debug,
	})
	if err != nil {
		log.Warn().Err(err).Msg("sentry disabled")
	}
	if enabled {
		defer monitoring.Flush(2 * time.Second)
		opts = append(opts, taskrelay.WithOnError(func(err error) {
			monitoring.CaptureError(err, map[string]string{"component": "connection"})
		}))
	}

	relay := taskrelay.New(cfg.API.URL, cfg.API.Token, opts...)
	m.ObserveHub(metricsNamespace, relay.Hub())

	// A missing token leaves the API up in degraded mode.
	if err := relay.Initialize(ctx); err != nil {
		log.Error().Err(err).Msg("relay not started")
	}

	srv := server.New(relay, server.Options{
		Addr:            cfg.Addr(),
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Logger:          log,
		Metrics:         m,
	})

	if err := srv.Run(ctx); err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}
