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

	"github.com/spf13/cobra"

	"github.com/user/termcore/internal/api"
	"github.com/user/termcore/internal/config"
	"github.com/user/termcore/internal/db"
	"github.com/user/termcore/internal/hub"
	"github.com/user/termcore/internal/metrics"
	"github.com/user/termcore/internal/server"
	"github.com/user/termcore/internal/terminal"
)

func serveCmd() *cobra.Command {
	var printToken bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the terminal server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flagConfig, flagOverrides(cmd))
			if err != nil {
				return err
			}
			slog.SetDefault(newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat))

			if printToken {
				fmt.Printf("\ntermcore running at http://localhost:%d?token=%s\n\n", cfg.Port, cfg.Token)
			} else {
				fmt.Printf("\ntermcore running at http://localhost:%d (token in %s)\n\n", cfg.Port, cfg.ConfigPath)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 0, "server port (1-65535)")
	flags.String("token", "", "authentication token (auto-generated if empty)")
	flags.String("shell", "", "shell for new sessions (default $SHELL)")
	flags.String("dir", "", "working directory for new sessions (default home)")
	flags.String("db", "", "session history database path")
	flags.Bool("no-history", false, "disable the session history journal")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: auto, text, json")
	flags.BoolVar(&printToken, "print-token", false, "print token to stdout (for local debugging)")

	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	var (
		journal terminal.Journal
		history *db.SessionEventRepo
	)
	if cfg.History {
		database, err := db.Open(ctx, cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer database.Close()

		history = db.NewSessionEventRepo(database.SQL())
		journal = history
		if cfg.HistoryRetention > 0 {
			removed, err := history.Prune(ctx, time.Now().Add(-cfg.HistoryRetention))
			if err != nil {
				slog.Warn("failed to prune session history", "error", err)
			} else if removed > 0 {
				slog.Info("pruned session history", "removed", removed, "retention", cfg.HistoryRetention)
			}
		}
	}

	var (
		collector   *metrics.Collector
		observer    terminal.Observer
		hubMetrics  hub.Metrics
		sinks       terminal.MultiSink
		metricsHTTP http.Handler
	)
	if cfg.Metrics {
		collector = metrics.New()
		observer = collector
		hubMetrics = collector
		sinks = append(sinks, collector)
		metricsHTTP = collector.Handler()
	}

	h := hub.New(cfg.Token, nil, hub.Options{
		BatchInterval: cfg.BatchInterval,
		InputRate:     cfg.InputRate,
		InputBurst:    cfg.InputBurst,
		Metrics:       hubMetrics,
	})
	sinks = append(sinks, h)

	svc := terminal.NewService(terminal.ServiceOptions{
		Session: terminal.SessionOptions{
			Shell:        cfg.Shell,
			Dir:          cfg.Dir,
			OutputBuffer: cfg.OutputBuffer,
			ReadChunk:    cfg.ReadChunk,
		},
		Sink:     sinks,
		Journal:  journal,
		Observer: observer,
		Logger:   slog.Default(),
	})
	h.SetController(svc)

	var historyStore interface {
		List(context.Context, db.SessionEventFilter) ([]*db.SessionEvent, error)
	}
	if history != nil {
		historyStore = history
	}

	srv := server.New(cfg.Port, server.Handlers{
		WebSocket: http.HandlerFunc(h.HandleWebSocket),
		API:       api.NewRouter(svc, historyStore, h, cfg.Token),
		Metrics:   metricsHTTP,
	})

	hubCtx, cancelHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		h.Run(hubCtx)
	}()

	serveErr := srv.Start(ctx)

	// Kill sessions while the hub still runs so clients see every exit.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("terminal shutdown incomplete", "error", err)
	}
	cancelHub()
	<-hubDone

	return serveErr
}
