package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/codewiresh/unitywire/internal/auth"
	"github.com/codewiresh/unitywire/internal/bridge"
	"github.com/codewiresh/unitywire/internal/config"
	"github.com/codewiresh/unitywire/internal/connection"
	"github.com/codewiresh/unitywire/internal/logging"
	"github.com/codewiresh/unitywire/internal/metrics"
	"github.com/codewiresh/unitywire/internal/store"
)

// ---------------------------------------------------------------------------
// serveCmd
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Hold the editor connection open and expose it over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Serve.Listen = listen
			}
			logger := slog.Default()

			ctx, cancel := signalContext()
			defer cancel()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New()
			if err := m.Register(reg); err != nil {
				return fmt.Errorf("registering metrics: %w", err)
			}

			journal, err := store.NewSQLiteJournal(cfg.DataDir, cfg.Serve.JournalRetention)
			if err != nil {
				return err
			}
			defer journal.Close()

			token, err := auth.LoadOrGenerateToken(cfg.DataDir)
			if err != nil {
				return err
			}

			conn := connection.New(cfg,
				connection.WithLogger(logger),
				connection.WithMetrics(m),
				connection.WithRecorder(journal),
			)
			defer conn.Close()

			watcher, err := config.NewWatcher(cfg.DataDir,
				config.WithOverrides(flagOverrides()),
				config.WithWatcherLogger(logger),
			)
			if err != nil {
				logger.Warn("config hot reload disabled", "err", err)
			} else {
				watcher.OnChange(func(next *config.Config) {
					next.Serve.Listen = cfg.Serve.Listen
					logging.SetLevel(next.Log.Level)
					conn.SetConfig(next)
				})
				watcher.Start()
				defer watcher.Stop()
			}

			go keepConnecting(ctx, conn, cfg)

			srv := bridge.New(conn,
				bridge.WithToken(token),
				bridge.WithGatherer(reg),
				bridge.WithLogger(logger),
				bridge.WithVersion(version),
			)
			return srv.ListenAndServe(ctx, cfg.Serve.Listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "HTTP listen address (overrides serve.listen)")
	return cmd
}

// keepConnecting retries the first connection until it succeeds or ctx is
// done. Later losses are handled by the connection's own reconnect loop.
func keepConnecting(ctx context.Context, conn *connection.Conn, cfg *config.Config) {
	b := &backoff.Backoff{
		Min:    cfg.Unity.ReconnectDelay,
		Max:    cfg.Unity.MaxReconnectDelay,
		Factor: cfg.Unity.BackoffMultiplier,
		Jitter: true,
	}
	for {
		err := conn.Connect(ctx)
		if err == nil || errors.Is(err, connection.ErrClosed) || ctx.Err() != nil {
			return
		}
		d := b.Duration()
		slog.Warn("unity not reachable yet", "addr", cfg.Unity.Addr(), "retry_in", d.Round(time.Millisecond), "err", err)

		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}
