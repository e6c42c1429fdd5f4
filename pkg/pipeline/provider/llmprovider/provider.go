// Package llmprovider implements the generative providers on top of an
// llm.Client: metric extraction, metric and relational query generation,
// and dashboard synthesis.
//
// Each call renders a prompt, asks the model for a JSON answer and decodes
// it. Answers that cannot be decoded are retried like transient failures;
// a model asked again often does better.
package llmprovider

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ferrors "github.com/randalmurphal/dashflow/pkg/flowgraph/errors"
	"github.com/randalmurphal/dashflow/pkg/flowgraph/llm"
	"github.com/randalmurphal/dashflow/pkg/flowgraph/template"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
)

// Limits on extracted hints, matching what the prompt asks for.
const (
	MaxSuggestedMetrics = 5
	MaxSuggestedLabels  = 3
)

// Provider implements the LLM-backed capability providers.
type Provider struct {
	client    llm.Client
	model     string
	maxTokens int
	retry     ferrors.RetryConfig
	expander  *template.Expander
	logger    *slog.Logger
}

var (
	_ provider.MetricExtractor          = (*Provider)(nil)
	_ provider.MetricQueryGenerator     = (*Provider)(nil)
	_ provider.RelationalQueryGenerator = (*Provider)(nil)
	_ provider.DashboardSynthesizer     = (*Provider)(nil)
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the model name sent with every request.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithRetry sets the retry policy. RetryableFunc is replaced.
func WithRetry(cfg ferrors.RetryConfig) Option {
	return func(p *Provider) { p.retry = cfg }
}

// WithLogger sets the logger used for retry notices.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates a Provider backed by client.
func New(client llm.Client, opts ...Option) *Provider {
	p := &Provider{
		client:   client,
		retry:    ferrors.NewRetryConfig(ferrors.WithMaxAttempts(2)),
		expander: template.New(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.retry.RetryableFunc = retryable
	if p.retry.OnRetry == nil {
		p.retry.OnRetry = func(attempt int, err error, wait time.Duration) {
			p.logger.Debug("retrying completion",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
				slog.Duration("wait", wait),
			)
		}
	}
	return p
}

func retryable(err error) bool {
	if llm.IsRetryable(err) {
		return true
	}
	switch ferrors.Categorize(err) {
	case ferrors.CategoryTransient, ferrors.CategoryMalformed:
		return true
	}
	return false
}

// malformed marks a decoded answer that does not have the required shape.
func malformed(content, format string, args ...any) error {
	return &ferrors.JSONParseError{Input: content, Message: fmt.Sprintf(format, args...)}
}

// complete renders the prompt, calls the model and decodes its JSON answer
// into T. check, when set, rejects decoded answers; rejections are retried.
func complete[T any](ctx context.Context, p *Provider, op string, pr prompt, vars map[string]any, check func(T) error) (T, error) {
	var zero T

	text, err := p.expander.Expand(pr.user, vars)
	if err != nil {
		return zero, fmt.Errorf("%s: render prompt: %w", op, err)
	}
	req := llm.UserPrompt(pr.system, text)
	req.Model = p.model
	req.MaxTokens = p.maxTokens

	res := ferrors.WithRetryContext(ctx, p.retry, func(ctx context.Context) (T, error) {
		resp, err := p.client.Complete(ctx, req)
		if err != nil {
			return zero, err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return zero, llm.NewError(op, llm.ErrEmptyResponse, true)
		}
		var out T
		if err := llm.DecodeJSON(resp.Content, &out); err != nil {
			return zero, err
		}
		if check != nil {
			if err := check(out); err != nil {
				return zero, err
			}
		}
		return out, nil
	})
	if res.Err != nil {
		return zero, fmt.Errorf("%s: %w", op, res.Err)
	}
	return res.Value, nil
}

type extraction struct {
	Query      string   `json:"query"`
	Datasource string   `json:"datasource"`
	Metrics    []string `json:"metrics,omitempty"`
	Labels     []string `json:"related_metrics_labels,omitempty"`
}

type extractionResponse struct {
	Data []extraction `json:"data"`
}

// ExtractMetrics asks the model for candidate metric names and labels.
func (p *Provider) ExtractMetrics(ctx context.Context, query, datasourceName string) (provider.MetricHints, error) {
	vars := map[string]any{
		"requests": []extraction{{Query: query, Datasource: datasourceName}},
	}
	resp, err := complete(ctx, p, "extract metrics", extractPrompt, vars, func(r extractionResponse) error {
		if len(r.Data) == 0 {
			return malformed("", "response has no data entries")
		}
		return nil
	})
	if err != nil {
		return provider.MetricHints{}, err
	}

	first := resp.Data[0]
	return provider.MetricHints{
		Metrics: capList(first.Metrics, MaxSuggestedMetrics),
		Labels:  capList(first.Labels, MaxSuggestedLabels),
	}, nil
}

type queryResponse struct {
	Result []provider.QuerySpec `json:"result"`
}

func requireQuery(r queryResponse) error {
	if len(r.Result) == 0 {
		return malformed("", "response has no result entries")
	}
	if strings.TrimSpace(r.Result[0].QueryText) == "" {
		return malformed("", "first result has an empty query")
	}
	return nil
}

type metricQueryInput struct {
	DatasourceID string              `json:"mandatory_datasource_uuid"`
	UserQuery    string              `json:"userquery"`
	Metrics      []string            `json:"mandatory_similar_metrics"`
	Labels       map[string][]string `json:"mandatory_corresponding_metrics_labels"`
}

// GenerateMetricQuery writes a PromQL query restricted to the given metrics
// and labels.
func (p *Provider) GenerateMetricQuery(ctx context.Context, qc provider.MetricQueryContext) (string, error) {
	labels := qc.Labels
	if labels == nil {
		labels = map[string][]string{}
	}
	vars := map[string]any{
		"input": []metricQueryInput{{
			DatasourceID: qc.DatasourceID,
			UserQuery:    qc.OriginalQuery,
			Metrics:      qc.Metrics,
			Labels:       labels,
		}},
	}
	resp, err := complete(ctx, p, "generate metric query", metricQueryPrompt, vars, requireQuery)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Result[0].QueryText), nil
}

// GenerateRelationalQuery writes a SQL query against the described schema.
func (p *Provider) GenerateRelationalQuery(ctx context.Context, originalQuery, datasourceID, schemaContext string) (string, error) {
	if strings.TrimSpace(schemaContext) == "" {
		schemaContext = "(no schema available)"
	}
	vars := map[string]any{
		"query":      originalQuery,
		"datasource": datasourceID,
		"schema":     schemaContext,
	}
	resp, err := complete(ctx, p, "generate relational query", relationalQueryPrompt, vars, requireQuery)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Result[0].QueryText), nil
}

func capList(items []string, n int) []string {
	out := make([]string, 0, min(len(items), n))
	for _, it := range items {
		if len(out) == n {
			break
		}
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
