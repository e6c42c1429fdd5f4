// Package cli implements the dashflow command line.
//
// Configuration is resolved by viper in this order: flags, DASHFLOW_*
// environment variables (dots become underscores, so DASHFLOW_GRAFANA_URL
// sets grafana.url), the --config file, then pipeline.DefaultSettings.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/config"
	"github.com/randalmurphal/dashflow/pkg/pipeline"
)

// EnvPrefix prefixes every environment variable dashflow reads.
const EnvPrefix = "DASHFLOW"

// App holds what commands share. Open is replaced in tests.
type App struct {
	Out io.Writer
	Err io.Writer

	// Open builds the providers and pipeline for the resolved settings.
	Open func(ctx context.Context, s pipeline.Settings, logger *slog.Logger) (*Runtime, error)

	v         *viper.Viper
	logLevel  string
	logFormat string
}

// NewApp returns an App wired to the real providers and the process streams.
func NewApp() *App {
	return &App{Out: os.Stdout, Err: os.Stderr, Open: OpenRuntime}
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp()
	err := NewRootCommand(app).ExecuteContext(ctx)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintln(app.Err, "error:", err)
	}
	return exitCode(err)
}

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	app.v = viper.New()

	root := &cobra.Command{
		Use:   "dashflow",
		Short: "Build Grafana dashboards from natural-language requests",
		Long: `dashflow resolves each request against the Grafana datasource catalog,
generates and validates PromQL or SQL for it, lays the queries out as panels
and deploys the dashboard.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.initConfig()
		},
	}
	root.SetOut(app.Out)
	root.SetErr(app.Err)

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "config file (yaml or json)")
	flags.StringVar(&app.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&app.logFormat, "log-format", "text", "log format: text or json")
	flags.String("grafana-url", "", "Grafana base URL")
	flags.String("checkpoint", "", "checkpoint backend: memory, sqlite, redis, none")
	flags.Int("max-retries", 0, "query generation attempts before giving up")

	_ = app.v.BindPFlag("config", flags.Lookup("config"))
	_ = app.v.BindPFlag("grafana.url", flags.Lookup("grafana-url"))
	_ = app.v.BindPFlag("checkpoint.backend", flags.Lookup("checkpoint"))
	_ = app.v.BindPFlag("max_retries", flags.Lookup("max-retries"))

	root.AddCommand(
		newRunCommand(app),
		newResumeCommand(app),
		newDatasourcesCommand(app),
		newRunsCommand(app),
		newGraphCommand(app),
	)
	return root
}

// initConfig sets defaults, env binding and the optional config file.
func (app *App) initConfig() error {
	v := app.v
	for key, val := range defaultKeys(pipeline.DefaultSettings()) {
		v.SetDefault(key, val)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The file is loaded through config.FromFile so ${VAR} references are
	// expanded; environment and flags still take precedence over it.
	if path := v.GetString("config"); path != "" {
		file, err := config.FromFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := v.MergeConfigMap(file.Raw()); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// settings resolves and validates the effective settings.
func (app *App) settings() (pipeline.Settings, error) {
	s := pipeline.SettingsFromConfig(config.New(app.v.AllSettings()))
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

func (app *App) logger() (*slog.Logger, error) {
	return newLogger(app.Err, app.logLevel, app.logFormat)
}

// open resolves settings and builds the runtime.
func (app *App) open(ctx context.Context) (*Runtime, pipeline.Settings, *slog.Logger, error) {
	logger, err := app.logger()
	if err != nil {
		return nil, pipeline.Settings{}, nil, err
	}
	s, err := app.settings()
	if err != nil {
		return nil, s, nil, err
	}
	rt, err := app.Open(ctx, s, logger)
	if err != nil {
		return nil, s, nil, err
	}
	return rt, s, logger, nil
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

// defaultKeys lists every settings key so AutomaticEnv can see it.
func defaultKeys(d pipeline.Settings) map[string]any {
	return map[string]any{
		"max_retries":            d.MaxRetries,
		"provider_timeout":       d.ProviderTimeout,
		"max_concurrency":        d.MaxConcurrency,
		"similar_metrics":        d.SimilarMetrics,
		"checkpoint.backend":     d.CheckpointBackend,
		"checkpoint.path":        d.CheckpointPath,
		"checkpoint.redis_addr":  d.RedisAddr,
		"checkpoint.ttl":         d.CheckpointTTL,
		"grafana.url":            d.GrafanaURL,
		"grafana.api_key":        d.GrafanaAPIKey,
		"postgres.dsn":           d.PostgresDSN,
		"postgres.metadata_file": d.MetadataFile,
		"llm.binary":             d.LLMBinary,
		"llm.model":              d.LLMModel,
		"observability.metrics":  d.Metrics,
		"observability.tracing":  d.Tracing,
	}
}
