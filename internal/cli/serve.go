package cli

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

	"github.com/tacmap/collab/internal/config"
	"github.com/tacmap/collab/internal/httpapi"
	"github.com/tacmap/collab/internal/session"
	"github.com/tacmap/collab/internal/store"
	"github.com/tacmap/collab/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	Listen     string
	Database   string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		Long: `Start the tactical map collaboration server.

Runs the session engine, the websocket transport, and the HTTP control API.
Configuration comes from an optional YAML file plus TACMAP_* environment
variables; flags override both.

Example:
  tacmapd serve --listen :8080 --db ./tacmap.db
  tacmapd serve --config /etc/tacmap/config.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "HTTP bind address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite path for the feature store (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	log := slog.New(handler)
	slog.SetDefault(log)

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	if !opts.Verbose {
		logLevel = parseLevel(cfg.LogLevel)
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(log)
	}

	// Setup signal handling for graceful shutdown.
	// Use the command's context if available (for testing).
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	// Feature store is optional: no database path means broadcast-only.
	var persist session.Persister = session.NopPersister{}
	if cfg.Database != "" {
		log.Info("opening feature store", "path", cfg.Database)
		st, err := store.Open(cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}

		writer := store.NewWriter(st, log)
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			_ = writer.Run(ctx)
		}()
		persist = writer

		// The writer drains its queue on cancellation; the store must stay
		// open until that drain finishes.
		defer func() {
			cancel()
			<-writerDone
			if closeErr := st.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
	}

	manager := session.NewManager(
		session.WithLogger(log),
		session.WithPersister(persist),
		session.WithThrottlePolicy(session.ThrottlePolicy{
			CoalesceInterval: cfg.Session.CoalesceInterval,
			HardCap:          cfg.Session.QueueHardCap,
			TrimTo:           cfg.Session.QueueTrimTo,
		}),
		session.WithMaxParticipants(cfg.Session.MaxParticipants),
		session.WithGhostTimeout(cfg.Session.GhostTimeout),
		session.WithIdleRetention(cfg.Session.IdleRetention),
		session.WithSweepInterval(cfg.Session.SweepInterval),
	)
	go func() { _ = manager.Run(ctx) }()

	hub := transport.NewHub(manager, log)
	api := httpapi.NewServer(manager, hub, log)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("server listening", "addr", cfg.Listen)
	fmt.Fprintln(cmd.OutOrStdout(), "Collaboration server started. Press Ctrl-C to stop.")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
