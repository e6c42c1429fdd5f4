// Package grafana lists datasources from and deploys dashboards to a
// Grafana instance over its HTTP API.
package grafana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	ferrors "github.com/randalmurphal/dashflow/pkg/flowgraph/errors"
	"github.com/randalmurphal/dashflow/pkg/pipeline/provider"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// ErrInvalidDocument is returned when a document fails schema validation.
var ErrInvalidDocument = errors.New("invalid dashboard document")

// Client implements provider.Deployer and provider.DatasourceLister.
type Client struct {
	baseURL   string
	apiKey    string
	folderUID string
	http      *http.Client
	retry     ferrors.RetryConfig
}

var (
	_ provider.Deployer         = (*Client)(nil)
	_ provider.DatasourceLister = (*Client)(nil)
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithRetry sets the retry policy for each request.
func WithRetry(cfg ferrors.RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

// WithFolderUID deploys dashboards into a folder.
func WithFolderUID(uid string) Option {
	return func(c *Client) { c.folderUID = uid }
}

// New creates a Client for the Grafana instance at baseURL. apiKey is sent
// as a bearer token when set.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   ferrors.DefaultRetry,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchDatasources returns the configured datasources.
func (c *Client) FetchDatasources(ctx context.Context) ([]state.Datasource, error) {
	var out []state.Datasource
	if err := c.do(ctx, http.MethodGet, "/api/datasources", nil, &out); err != nil {
		return nil, fmt.Errorf("fetch datasources: %w", err)
	}
	return out, nil
}

type saveRequest struct {
	Dashboard state.Document `json:"dashboard"`
	Overwrite bool           `json:"overwrite"`
	FolderUID string         `json:"folderUid,omitempty"`
}

type saveResponse struct {
	ID      int    `json:"id"`
	UID     string `json:"uid"`
	URL     string `json:"url"`
	Status  string `json:"status"`
	Version int    `json:"version"`
}

// DeployDashboard validates doc and saves it, overwriting any dashboard
// with the same UID. The returned URL is absolute.
func (c *Client) DeployDashboard(ctx context.Context, doc state.Document) (state.DeploymentResult, error) {
	if err := ValidateDocument(doc); err != nil {
		return state.DeploymentResult{}, err
	}

	body, err := json.Marshal(saveRequest{Dashboard: doc, Overwrite: true, FolderUID: c.folderUID})
	if err != nil {
		return state.DeploymentResult{}, fmt.Errorf("encode dashboard: %w", err)
	}

	var resp saveResponse
	if err := c.do(ctx, http.MethodPost, "/api/dashboards/db", body, &resp); err != nil {
		return state.DeploymentResult{}, fmt.Errorf("deploy dashboard: %w", err)
	}

	return state.DeploymentResult{
		URL:     c.absolute(resp.URL),
		UID:     resp.UID,
		Status:  resp.Status,
		Version: resp.Version,
	}, nil
}

// Ping checks that the instance is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/api/datasources", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	res := ferrors.WithRetryContext(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if res.Err != nil {
		return res.Err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ferrors.FromResponse(resp, data)
	}
	return data, nil
}

func (c *Client) absolute(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	return c.baseURL + "/" + strings.TrimLeft(ref, "/")
}
