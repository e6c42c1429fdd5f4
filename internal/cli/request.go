package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/dashflow/pkg/pipeline"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

// Request is the file handed to "dashflow run". Without max_retries the
// configured setting applies; max_retries: 0 fails at the first invalid query.
//
//	max_retries: 3
//	queries:
//	  - query: p95 request latency per service
//	    datasource: Prometheus
//	  - query: orders per day this month
//	    datasource: Shop DB
type Request struct {
	MaxRetries *int                 `yaml:"max_retries"`
	Queries    []state.QueryRequest `yaml:"queries"`
}

// ParseRequest decodes and validates a request document.
func ParseRequest(data []byte) (Request, error) {
	var req Request
	if err := yaml.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("parse request: %w", err)
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return Request{}, fmt.Errorf("invalid request: max_retries must not be negative, got %d", *req.MaxRetries)
	}
	if err := pipeline.ValidateRequest(req.Queries); err != nil {
		return Request{}, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

// Retries returns the request's retry budget, or fallback when it sets none.
func (r Request) Retries(fallback int) int {
	if r.MaxRetries != nil {
		return *r.MaxRetries
	}
	return fallback
}

// LoadRequest reads a request file.
func LoadRequest(path string) (Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Request{}, fmt.Errorf("read request: %w", err)
	}
	return ParseRequest(data)
}
