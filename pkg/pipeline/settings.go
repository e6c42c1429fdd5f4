package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/randalmurphal/dashflow/pkg/flowgraph/config"
	"github.com/randalmurphal/dashflow/pkg/pipeline/stages"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// Checkpoint backends accepted by Settings.CheckpointBackend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// Settings is the typed view of a dashflow configuration file.
type Settings struct {
	MaxRetries      int           `validate:"min=0,max=20"`
	ProviderTimeout time.Duration `validate:"min=0"`
	MaxConcurrency  int           `validate:"min=1,max=64"`
	SimilarMetrics  int           `validate:"min=1,max=50"`

	CheckpointBackend string        `validate:"oneof=memory sqlite redis none"`
	CheckpointPath    string        `validate:"required_if=CheckpointBackend sqlite"`
	RedisAddr         string        `validate:"required_if=CheckpointBackend redis"`
	CheckpointTTL     time.Duration `validate:"min=0"`

	GrafanaURL    string `validate:"omitempty,url"`
	GrafanaAPIKey string
	PostgresDSN   string
	MetadataFile  string

	LLMBinary string
	LLMModel  string

	Metrics bool
	Tracing bool
}

// DefaultSettings returns the settings used when a key is absent.
func DefaultSettings() Settings {
	return Settings{
		MaxRetries:        stages.DefaultMaxRetries,
		ProviderTimeout:   stages.DefaultTimeout,
		MaxConcurrency:    stages.DefaultConcurrency,
		SimilarMetrics:    stages.DefaultSimilarMetrics,
		CheckpointBackend: BackendMemory,
		CheckpointPath:    "dashflow.db",
		LLMBinary:         "claude",
	}
}

// SettingsFromConfig maps configuration keys onto Settings, falling back to
// DefaultSettings for anything missing.
func SettingsFromConfig(cfg config.Config) Settings {
	d := DefaultSettings()
	cp := cfg.Sub("checkpoint")
	return Settings{
		MaxRetries:      cfg.Int("max_retries", d.MaxRetries),
		ProviderTimeout: cfg.Duration("provider_timeout", d.ProviderTimeout),
		MaxConcurrency:  cfg.Int("max_concurrency", d.MaxConcurrency),
		SimilarMetrics:  cfg.Int("similar_metrics", d.SimilarMetrics),

		CheckpointBackend: cp.String("backend", d.CheckpointBackend),
		CheckpointPath:    cp.String("path", d.CheckpointPath),
		RedisAddr:         cp.String("redis_addr", d.RedisAddr),
		CheckpointTTL:     cp.Duration("ttl", d.CheckpointTTL),

		GrafanaURL:    cfg.String("grafana.url", d.GrafanaURL),
		GrafanaAPIKey: cfg.String("grafana.api_key", d.GrafanaAPIKey),
		PostgresDSN:   cfg.String("postgres.dsn", d.PostgresDSN),
		MetadataFile:  cfg.String("postgres.metadata_file", d.MetadataFile),

		LLMBinary: cfg.String("llm.binary", d.LLMBinary),
		LLMModel:  cfg.String("llm.model", d.LLMModel),

		Metrics: cfg.Bool("observability.metrics", d.Metrics),
		Tracing: cfg.Bool("observability.tracing", d.Tracing),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges and cross-field requirements.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", describe(err))
	}
	return nil
}

// StageBudget is the most stage executions a run with maxRetries may take:
// one pass through every stage plus two per retry, with one to spare.
// A negative maxRetries counts as the default Initialize applies. Zero
// retries still allows the single attempt that one retry allows.
func StageBudget(maxRetries int) int {
	if maxRetries < 0 {
		maxRetries = stages.DefaultMaxRetries
	}
	return 2*max(maxRetries, 1) + 7
}

// ValidateRequest checks that every query carries its text and a
// datasource name.
func ValidateRequest(queries []state.QueryRequest) error {
	if len(queries) == 0 {
		return ErrNoQueries
	}
	var errs []error
	for i, q := range queries {
		if err := validate.Struct(q); err != nil {
			errs = append(errs, fmt.Errorf("query %d: %w", i, describe(err)))
		}
	}
	return errors.Join(errs...)
}

// describe flattens validator field errors into one readable error.
func describe(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			errs = append(errs, fmt.Errorf("%s: failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		errs = append(errs, fmt.Errorf("%s: failed %s", fe.Field(), fe.Tag()))
	}
	return errors.Join(errs...)
}
