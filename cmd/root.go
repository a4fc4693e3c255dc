package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/markb/possync/internal/app"
	"github.com/markb/possync/internal/log"
	"github.com/markb/possync/internal/observability"
	"github.com/markb/possync/internal/session"
)

// Version information set via ldflags at build time
var (
	Version   = "dev"
	BuildTime = ""
	GitCommit = ""
)

var rootCmd = &cobra.Command{
	Use:   "possync",
	Short: "possync - realtime session and channel sync for the POS backoffice",
	Long: `Keeps the signed-in identity of a POS backoffice client in step with the
backend and maintains its realtime change feeds.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("possync version {{.Version}}\n")
	observability.Version = Version

	addConfigFlags(rootCmd.PersistentFlags())
}

// addConfigFlags registers the flags buildConfig reads.
func addConfigFlags(flags *pflag.FlagSet) {
	flags.String("url", "", "Backend base URL (env POSSYNC_URL)")
	flags.String("anon-key", "", "Backend anon API key (env POSSYNC_ANON_KEY)")
	flags.String("session-db", "", "SQLite file the session is kept in (env POSSYNC_SESSION_DB)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (env POSSYNC_LOG_LEVEL)")
	flags.String("log-format", "", "Log format: text or json (env POSSYNC_LOG_FORMAT)")
	flags.String("otel-exporter", "", "Telemetry exporter: none, stdout or otlp (env POSSYNC_OTEL_EXPORTER)")
}

// buildConfig creates an app.Config from environment variables and CLI flags.
// Priority: CLI flags > environment variables > defaults
func buildConfig(cmd *cobra.Command) (*app.Config, error) {
	cfg := app.DefaultConfig()
	if err := cfg.LoadEnv(); err != nil {
		return nil, err
	}
	if cfg.SessionDB == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.SessionDB = filepath.Join(dir, "possync", "session.db")
		}
	}

	flags := cmd.Flags()
	if v, _ := flags.GetString("url"); v != "" {
		cfg.URL = v
	}
	if v, _ := flags.GetString("anon-key"); v != "" {
		cfg.AnonKey = v
	}
	if v, _ := flags.GetString("session-db"); v != "" {
		cfg.SessionDB = v
	}
	if v, _ := flags.GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		cfg.Log.Format = v
	}
	if v, _ := flags.GetString("otel-exporter"); v != "" {
		cfg.SetExporter(v)
	}

	if cfg.SessionDB != "" {
		if err := ensureParentDir(cfg.SessionDB); err != nil {
			return nil, err
		}
	}
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

// openApp builds and starts the app for a command. tweak, if set, adjusts
// the config first.
func openApp(cmd *cobra.Command, tweak ...func(*app.Config)) (*app.App, error) {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.Notifier = session.NotifierFunc(printNotification)
	for _, fn := range tweak {
		fn(cfg)
	}
	a, err := app.New(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Start(cmd.Context()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
