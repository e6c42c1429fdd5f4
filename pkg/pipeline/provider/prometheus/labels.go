// Package prometheus discovers metric names and labels over the Prometheus
// HTTP API.
package prometheus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	ferrors "github.com/randalmurphal/dashflow/pkg/flowgraph/errors"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
)

// DefaultAllowedLabels are the labels kept when filtering. Everything else
// is treated as noise for query generation.
var DefaultAllowedLabels = []string{
	"instance", "job", "name", "fstype", "persistentvolumeclaim", "service",
	"mountpoint", "mode", "cpu", "device", "namespace", "pod", "container",
	"deployment", "method", "status_code", "phase", "endpoint", "status",
	"env", "region", "zone", "version", "code", "protocol", "database",
	"table", "user", "command", "queue", "host", "availability_zone",
	"instance_type", "cluster", "role",
}

var (
	hashLike  = regexp.MustCompile(`^[a-fA-F0-9]{32,64}$`)
	templated = regexp.MustCompile(`\{\{.*\}\}`)
)

// Client implements provider.LabelFetcher. One API client is kept per
// Prometheus URL.
type Client struct {
	mu   sync.Mutex
	apis map[string]v1.API

	roundTripper http.RoundTripper
	window       time.Duration
	allowed      map[string]bool
	allMetrics   bool
	retry        ferrors.RetryConfig
	now          func() time.Time
}

var _ provider.LabelFetcher = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithRoundTripper sets the HTTP transport, e.g. to add authentication.
func WithRoundTripper(rt http.RoundTripper) Option {
	return func(c *Client) { c.roundTripper = rt }
}

// WithWindow sets how far back label lookups search. Default: 1h.
func WithWindow(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithAllowedLabels replaces the label allowlist. With no labels every
// label that passes the other filters is kept.
func WithAllowedLabels(labels ...string) Option {
	return func(c *Client) {
		if len(labels) == 0 {
			c.allowed = nil
			return
		}
		c.allowed = toSet(labels)
	}
}

// WithAllMetrics fetches labels for every metric instead of stopping at the
// first metric that has series.
func WithAllMetrics() Option {
	return func(c *Client) { c.allMetrics = true }
}

// WithRetry sets the retry policy for each API call.
func WithRetry(cfg ferrors.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithClock sets the time source for the lookup window.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a Client.
func New(opts ...Option) *Client {
	c := &Client{
		apis:    make(map[string]v1.API),
		window:  time.Hour,
		allowed: toSet(DefaultAllowedLabels),
		retry:   ferrors.DefaultRetry,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry.RetryableFunc = retryable
	return c
}

// FetchMetricLabels returns the filtered label names of each metric.
// Metrics without series in the window are skipped. Unless WithAllMetrics
// is set, the lookup stops at the first metric that has series, since
// similar metrics from one exporter share their labels.
func (c *Client) FetchMetricLabels(ctx context.Context, datasourceURL string, metricNames []string) (map[string][]string, error) {
	promAPI, err := c.api(datasourceURL)
	if err != nil {
		return nil, err
	}

	end := c.now()
	start := end.Add(-c.window)
	out := make(map[string][]string)
	var errs []error

	for _, metric := range metricNames {
		res := ferrors.WithRetryContext(ctx, c.retry, func(ctx context.Context) ([]string, error) {
			names, _, err := promAPI.LabelNames(ctx, []string{metric}, start, end)
			return names, err
		})
		if res.Err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("label names for %s: %w", metric, ctx.Err())
			}
			errs = append(errs, fmt.Errorf("label names for %s: %w", metric, res.Err))
			continue
		}
		if len(res.Value) == 0 {
			continue
		}
		out[metric] = c.filter(res.Value)
		if !c.allMetrics {
			return out, nil
		}
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// MetricNames lists every metric name with series in the lookup window.
func (c *Client) MetricNames(ctx context.Context, datasourceURL string) ([]string, error) {
	promAPI, err := c.api(datasourceURL)
	if err != nil {
		return nil, err
	}

	end := c.now()
	res := ferrors.WithRetryContext(ctx, c.retry, func(ctx context.Context) (model.LabelValues, error) {
		values, _, err := promAPI.LabelValues(ctx, model.MetricNameLabel, nil, end.Add(-c.window), end)
		return values, err
	})
	if res.Err != nil {
		return nil, fmt.Errorf("metric names: %w", res.Err)
	}

	names := make([]string, 0, len(res.Value))
	for _, v := range res.Value {
		names = append(names, string(v))
	}
	return names, nil
}

// filter drops special, hash-like, templated and non-allowlisted labels.
func (c *Client) filter(names []string) []string {
	var kept []string
	for _, name := range names {
		switch {
		case name == model.MetricNameLabel, name == "id":
		case hashLike.MatchString(name), templated.MatchString(name):
		case c.allowed != nil && !c.allowed[name]:
		default:
			kept = append(kept, name)
		}
	}
	slices.Sort(kept)
	return kept
}

func (c *Client) api(url string) (v1.API, error) {
	if url == "" {
		return nil, errors.New("prometheus: datasource URL is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if a, ok := c.apis[url]; ok {
		return a, nil
	}
	client, err := api.NewClient(api.Config{Address: url, RoundTripper: c.roundTripper})
	if err != nil {
		return nil, fmt.Errorf("prometheus client for %s: %w", url, err)
	}
	a := v1.NewAPI(client)
	c.apis[url] = a
	return a, nil
}

// retryable treats server-side and timeout API errors as transient.
func retryable(err error) bool {
	var apiErr *v1.Error
	if errors.As(err, &apiErr) {
		return apiErr.Type == v1.ErrServer || apiErr.Type == v1.ErrTimeout
	}
	return ferrors.IsRetryable(err)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
