package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sandboxkit/sandboxkit/internal/config"
	"github.com/sandboxkit/sandboxkit/internal/logging"
	"github.com/sandboxkit/sandboxkit/internal/orchestrator"
)

// serveShutdownGrace bounds how long the /metrics HTTP server gets to
// drain in-flight scrapes once a shutdown signal arrives.
const serveShutdownGrace = 5 * time.Second

type serveOptions struct {
	settingsPath string
	debug        bool
	listenAddr   string
}

// newServeCommand builds `sandboxcli serve`: a long-lived daemon mode that
// keeps one Orchestrator configuration active, hot-reloads it on disk
// edits to --settings via internal/config's fsnotify watcher, and exposes
// the metrics.Registry's Prometheus collectors over /metrics. Grounded on
// the teacher's internal/server daemon lifecycle: listen, serve until
// signaled, drain on shutdown.
func newServeCommand() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:           "serve",
		Short:         "run the orchestrator as a long-lived daemon with config hot-reload and /metrics",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts)
		},
	}
	cmd.Flags().StringVar(&opts.settingsPath, "settings", defaultSettingsPath(), "path to the sandbox configuration file")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "enable verbose logging")
	cmd.Flags().StringVar(&opts.listenAddr, "listen", "127.0.0.1:9090", "address to serve /metrics on")
	return cmd
}

func runServe(opts *serveOptions) error {
	log := logging.New(opts.debug, false)

	cfg, err := config.Load(opts.settingsPath)
	if err != nil {
		return &ExitError{code: ExitInvalidConfig, message: err.Error()}
	}
	if err := config.Validate(cfg); err != nil {
		return &ExitError{code: ExitInvalidConfig, message: err.Error()}
	}
	if err := orchestrator.Initialize(cfg, log); err != nil {
		return classifyInitError(err)
	}
	defer func() { _ = orchestrator.Reset() }()

	watcher, err := config.WatchFile(opts.settingsPath, func(newCfg *config.Config) {
		reloadConfig(newCfg, log)
	}, func(err error) {
		log.Warn("serve: settings watch error", "error", err)
	})
	if err != nil {
		return &ExitError{code: ExitSandboxSetupFailure, message: err.Error()}
	}
	defer func() { _ = watcher.Close() }()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(orchestrator.Metrics().PrometheusRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: opts.listenAddr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.Info("serve: listening", "addr", opts.listenAddr, "settings", opts.settingsPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &ExitError{code: ExitInternalError, message: err.Error()}
		}
	case <-sigCh:
		log.Info("serve: shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), serveShutdownGrace)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return nil
}

// reloadConfig is the fsnotify onChange callback: a new configuration
// must pass the same validation runWrap requires before the Orchestrator
// is reset and reinitialized with it. A rejected reload leaves the
// previous configuration running rather than tearing it down for nothing.
func reloadConfig(newCfg *config.Config, log *slog.Logger) {
	if err := config.Validate(newCfg); err != nil {
		log.Warn("serve: reloaded config rejected", "error", err)
		return
	}
	if err := orchestrator.Reset(); err != nil {
		log.Warn("serve: reset before reload failed", "error", err)
		return
	}
	if err := orchestrator.Initialize(newCfg, log); err != nil {
		log.Warn("serve: reinitialize after reload failed", "error", err)
		return
	}
	log.Info("serve: configuration reloaded")
}
