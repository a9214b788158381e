package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/codewiresh/unitywire/internal/auth"
	"github.com/codewiresh/unitywire/internal/client"
	"github.com/codewiresh/unitywire/internal/config"
	"github.com/codewiresh/unitywire/internal/connection"
	"github.com/codewiresh/unitywire/internal/logging"
	"github.com/codewiresh/unitywire/internal/mcp"
	"github.com/codewiresh/unitywire/internal/output"
	"github.com/codewiresh/unitywire/internal/store"
)

var version = "0.1.0"

var (
	dataDirFlag  string
	hostFlag     string
	portFlag     int
	outputFlag   string
	logLevelFlag string
	bridgeFlag   string
	tokenFlag    string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "uw",
		Short:        "Talk to the Unity editor bridge over TCP",
		SilenceUsage: true,
		Version:      version,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&dataDirFlag, "data-dir", "", "Config and state directory (default ~/.unitywire)")
	pf.StringVar(&hostFlag, "host", "", "Unity editor host (overrides unity.host)")
	pf.IntVar(&portFlag, "port", 0, "Unity editor port (overrides unity.port)")
	pf.StringVarP(&outputFlag, "output", "o", "text", "Output format: text, json or yaml")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&bridgeFlag, "bridge", "", "Go through a running `uw serve` at this URL instead of dialing Unity")
	pf.StringVar(&tokenFlag, "token", "", "Bridge token (default: read from the data dir)")

	root.AddCommand(
		sendCmd(),
		pingCmd(),
		statusCmd(),
		watchCmd(),
		serveCmd(),
		mcpServerCmd(),
		historyCmd(),
		configCmd(),
	)
	return root
}

// ---------------------------------------------------------------------------
// sendCmd
// ---------------------------------------------------------------------------

func sendCmd() *cobra.Command {
	var paramsFile string

	cmd := &cobra.Command{
		Use:   "send <type> [params-json]",
		Short: "Send one command and print its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := readParams(args[1:], paramsFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			format, err := output.ParseFormat(outputFlag)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			var res *connection.Result
			if target, ok, err := resolveTarget(); err != nil {
				return err
			} else if ok {
				res, err = target.Send(ctx, args[0], params)
				if err != nil {
					return err
				}
			} else {
				conn, cfg, err := openConn(ctx)
				if err != nil {
					return err
				}
				defer conn.Close()
				res, err = conn.Send(ctx, args[0], params)
				if err != nil {
					return err
				}
				slog.Debug("command complete", "id", res.ID, "addr", cfg.Unity.Addr(), "took", res.Duration)
			}

			if format == output.FormatText {
				return output.Write(cmd.OutOrStdout(), format, res.Value)
			}
			return output.Write(cmd.OutOrStdout(), format, res)
		},
	}
	cmd.Flags().StringVarP(&paramsFile, "params-file", "f", "", "Read params JSON from a file (- for stdin)")
	return cmd
}

// readParams returns the params object from an argument or a file.
func readParams(args []string, file string, stdin io.Reader) (json.RawMessage, error) {
	var raw []byte
	switch {
	case len(args) > 0 && file != "":
		return nil, fmt.Errorf("pass params either inline or with --params-file, not both")
	case len(args) > 0:
		raw = []byte(args[0])
	case file == "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading params from stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading params file: %w", err)
		}
		raw = b
	default:
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params are not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// ---------------------------------------------------------------------------
// pingCmd
// ---------------------------------------------------------------------------

func pingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the editor answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if target, ok, err := resolveTarget(); err != nil {
				return err
			} else if ok {
				res, err := target.Send(ctx, "ping", nil)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong via %s in %s\n", target.URL, res.Duration.Round(time.Millisecond))
				return nil
			}

			conn, cfg, err := openConn(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			res, err := conn.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s in %s\n", cfg.Unity.Addr(), res.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// statusCmd
// ---------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the editor is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.ParseFormat(outputFlag)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			if target, ok, err := resolveTarget(); err != nil {
				return err
			} else if ok {
				h, err := target.Health(ctx)
				if err != nil {
					return err
				}
				return output.Write(cmd.OutOrStdout(), format, h)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn := connection.New(cfg, connection.WithLogger(slog.Default()))
			defer conn.Close()

			connectErr := conn.Connect(ctx)
			st := conn.Status()
			if err := output.Write(cmd.OutOrStdout(), format, st); err != nil {
				return err
			}
			return connectErr
		},
	}
}

// ---------------------------------------------------------------------------
// watchCmd
// ---------------------------------------------------------------------------

func watchCmd() *cobra.Command {
	var (
		kinds   []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream connection events and unsolicited editor messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.ParseFormat(outputFlag)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}

			out := cmd.OutOrStdout()
			emit := func(e connection.Event) error {
				return printEvent(out, format, e)
			}

			if target, ok, err := resolveTarget(); err != nil {
				return err
			} else if ok {
				return target.Watch(ctx, kinds, emit)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn := connection.New(cfg, connection.WithLogger(slog.Default()))
			defer conn.Close()

			var filter []connection.EventKind
			for _, k := range kinds {
				filter = append(filter, connection.EventKind(k))
			}
			sub := conn.Subscribe(filter...)

			go keepConnecting(ctx, conn, cfg)

			for {
				select {
				case e, ok := <-sub.Ch:
					if !ok {
						return nil
					}
					if err := emit(e); err != nil {
						return err
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kinds", nil, "Event kinds to show: connected, disconnected, error, message, reconnecting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Stop after this long (default: until interrupted)")
	return cmd
}

func printEvent(w io.Writer, format output.Format, e connection.Event) error {
	switch format {
	case output.FormatJSON:
		// One event per line so the stream stays NDJSON.
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	case output.FormatYAML:
		if _, err := fmt.Fprintln(w, "---"); err != nil {
			return err
		}
		return output.Write(w, format, e)
	}

	ts := e.Time.Local().Format("15:04:05.000")
	switch e.Kind {
	case connection.EventMessage:
		_, err := fmt.Fprintf(w, "%s  %-12s %s\n", ts, e.Kind, e.Message)
		return err
	case connection.EventError:
		_, err := fmt.Fprintf(w, "%s  %-12s %s\n", ts, e.Kind, e.Error)
		return err
	case connection.EventReconnecting:
		_, err := fmt.Fprintf(w, "%s  %-12s attempt %d in %s\n", ts, e.Kind, e.Attempt, e.Delay)
		return err
	default:
		_, err := fmt.Fprintf(w, "%s  %s\n", ts, e.Kind)
		return err
	}
}

// ---------------------------------------------------------------------------
// mcpServerCmd
// ---------------------------------------------------------------------------

func mcpServerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve the editor connection as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// stdout carries JSON-RPC; logs must stay on stderr.
			logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Format: "json", Output: os.Stderr})

			ctx, cancel := signalContext()
			defer cancel()

			conn := connection.New(cfg, connection.WithLogger(logger))
			defer conn.Close()

			srv := mcp.NewServer(conn, cmd.OutOrStdout(), logger, version)
			srv.ConnectTimeout = cfg.Unity.DialTimeout()
			return srv.Run(ctx, cmd.InOrStdin())
		},
	}
}

// ---------------------------------------------------------------------------
// historyCmd
// ---------------------------------------------------------------------------

type historyTable []store.Entry

func (historyTable) Header() []string {
	return []string{"STARTED", "ID", "TYPE", "OUTCOME", "DURATION", "ERROR"}
}

func (h historyTable) Rows() [][]string {
	rows := make([][]string, 0, len(h))
	for _, e := range h {
		msg := e.Error
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		rows = append(rows, []string{
			e.StartedAt.Local().Format(time.DateTime),
			e.CommandID,
			e.Type,
			e.Outcome,
			e.Duration.Round(time.Millisecond).String(),
			msg,
		})
	}
	return rows
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently completed commands recorded by `uw serve`",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.ParseFormat(outputFlag)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			journal, err := store.NewSQLiteJournal(cfg.DataDir, 0)
			if err != nil {
				return err
			}
			defer journal.Close()

			entries, err := journal.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if format == output.FormatText {
				return output.Write(cmd.OutOrStdout(), format, historyTable(entries))
			}
			return output.Write(cmd.OutOrStdout(), format, entries)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum entries to show")
	return cmd
}

// ---------------------------------------------------------------------------
// configCmd
// ---------------------------------------------------------------------------

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration to the data dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := ensureDataDir()
			if err != nil {
				return err
			}
			path := filepath.Join(dir, config.FileName)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Default().Save(dir); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "[uw] wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.AddCommand(initCmd)
	return cmd
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func dataDir() string {
	if dataDirFlag != "" {
		return dataDirFlag
	}
	home := os.Getenv("HOME")
	if home == "" {
		fmt.Fprintln(os.Stderr, "[uw] ERROR: $HOME environment variable is not set")
		fmt.Fprintln(os.Stderr, "[uw] WARNING: Using insecure fallback directory /tmp/.unitywire")
		return "/tmp/.unitywire"
	}
	return filepath.Join(home, ".unitywire")
}

func ensureDataDir() (string, error) {
	dir := dataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating data dir: %w", err)
	}
	return dir, nil
}

// flagOverrides maps explicitly set global flags onto config keys.
func flagOverrides() map[string]any {
	o := map[string]any{}
	if hostFlag != "" {
		o["unity.host"] = hostFlag
	}
	if portFlag != 0 {
		o["unity.port"] = portFlag
	}
	if logLevelFlag != "" {
		o["log.level"] = logLevelFlag
	}
	return o
}

// loadConfig reads the layered configuration and installs the logger.
func loadConfig() (*config.Config, error) {
	dir, err := ensureDataDir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(dir, flagOverrides())
	if err != nil {
		return nil, err
	}
	logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	return cfg, nil
}

// openConn loads the configuration and connects, waiting up to the dial
// timeout for the editor.
func openConn(ctx context.Context) (*connection.Conn, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	conn := connection.New(cfg, connection.WithLogger(slog.Default()))
	if err := conn.EnsureConnected(ctx, cfg.Unity.DialTimeout()); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, cfg, nil
}

// resolveTarget returns the bridge target when --bridge is set.
func resolveTarget() (*client.Target, bool, error) {
	if bridgeFlag == "" {
		return nil, false, nil
	}
	url := bridgeFlag
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}

	token := tokenFlag
	if token == "" {
		token = strings.TrimSpace(os.Getenv(auth.EnvToken))
	}
	if token == "" {
		// Same machine as the bridge: reuse its token file.
		if t, err := auth.LoadToken(dataDir()); err == nil {
			token = t
		}
	}
	return &client.Target{URL: url, Token: token}, true, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
