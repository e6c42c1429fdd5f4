package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ClaudeCLI implements Client using the Claude CLI binary in print mode.
// The prompt is written to stdin and the JSON result envelope is parsed
// from stdout.
type ClaudeCLI struct {
	path    string
	model   string
	workdir string
	timeout time.Duration
	env     []string
}

// ClaudeOption configures ClaudeCLI.
type ClaudeOption func(*ClaudeCLI)

// NewClaudeCLI creates a new Claude CLI client.
// Assumes "claude" is available in PATH unless overridden with WithClaudePath.
func NewClaudeCLI(opts ...ClaudeOption) *ClaudeCLI {
	c := &ClaudeCLI{
		path:    "claude",
		timeout: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithClaudePath sets the path to the claude binary.
func WithClaudePath(path string) ClaudeOption {
	return func(c *ClaudeCLI) { c.path = path }
}

// WithModel sets the default model.
func WithModel(model string) ClaudeOption {
	return func(c *ClaudeCLI) { c.model = model }
}

// WithWorkdir sets the working directory for claude commands.
func WithWorkdir(dir string) ClaudeOption {
	return func(c *ClaudeCLI) { c.workdir = dir }
}

// WithTimeout sets the per-call timeout. Zero disables it and leaves the
// caller's context as the only bound.
func WithTimeout(d time.Duration) ClaudeOption {
	return func(c *ClaudeCLI) { c.timeout = d }
}

// WithEnv appends KEY=VALUE pairs to the subprocess environment.
func WithEnv(env ...string) ClaudeOption {
	return func(c *ClaudeCLI) { c.env = append(c.env, env...) }
}

// Complete implements Client.
func (c *ClaudeCLI) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	prompt := buildPrompt(req.Messages)
	if prompt == "" {
		return nil, NewError("complete", ErrNoPrompt, false)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, c.path, c.buildArgs(req)...)
	if c.workdir != "" {
		cmd.Dir = c.workdir
	}
	if len(c.env) > 0 {
		cmd.Env = append(cmd.Environ(), c.env...)
	}
	cmd.Stdin = strings.NewReader(prompt)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, NewError("complete", ctx.Err(), errors.Is(ctx.Err(), context.DeadlineExceeded))
		}
		errMsg := strings.TrimSpace(stderr.String())
		return nil, NewError("complete", fmt.Errorf("%w: %s", err, errMsg), isRetryableError(errMsg))
	}

	resp, err := c.parseResponse(stdout.Bytes())
	if err != nil {
		return nil, err
	}
	resp.Duration = time.Since(start)
	return resp, nil
}

// buildArgs constructs CLI arguments from a request.
func (c *ClaudeCLI) buildArgs(req CompletionRequest) []string {
	args := []string{"--print", "--output-format", "json"}

	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}

	// Model priority: request > client default
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	if req.MaxTokens > 0 {
		args = append(args, "--max-tokens", fmt.Sprintf("%d", req.MaxTokens))
	}

	return args
}

// buildPrompt flattens the conversation into the single prompt the CLI
// accepts. Earlier assistant turns are kept as transcript context.
func buildPrompt(messages []Message) string {
	var prompt strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			prompt.WriteString(msg.Content)
			prompt.WriteString("\n")
		case RoleAssistant:
			if prompt.Len() > 0 {
				prompt.WriteString("\nAssistant: ")
				prompt.WriteString(msg.Content)
				prompt.WriteString("\n\nUser: ")
			}
		}
	}
	return strings.TrimSpace(prompt.String())
}

// resultEnvelope is the object claude prints with --output-format json.
type resultEnvelope struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// parseResponse extracts response data from CLI output. Output that is not
// a result envelope is taken as plain text.
func (c *ClaudeCLI) parseResponse(data []byte) (*CompletionResponse, error) {
	trimmed := bytes.TrimSpace(data)

	var env resultEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Type != "result" {
		content := string(trimmed)
		if content == "" {
			return nil, NewError("complete", ErrEmptyResponse, true)
		}
		return &CompletionResponse{Content: content, FinishReason: "stop", Model: c.model}, nil
	}

	if env.IsError {
		return nil, NewError("complete", fmt.Errorf("%s: %s", env.Subtype, env.Result), isRetryableError(env.Result))
	}
	content := strings.TrimSpace(env.Result)
	if content == "" {
		return nil, NewError("complete", ErrEmptyResponse, true)
	}

	return &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Model:        c.model,
		CostUSD:      env.TotalCostUSD,
		Usage: TokenUsage{
			InputTokens:  env.Usage.InputTokens,
			OutputTokens: env.Usage.OutputTokens,
			TotalTokens:  env.Usage.InputTokens + env.Usage.OutputTokens,
		},
	}, nil
}

// isRetryableError checks if an error message indicates a transient error.
func isRetryableError(errMsg string) bool {
	errLower := strings.ToLower(errMsg)
	return strings.Contains(errLower, "rate limit") ||
		strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "overloaded") ||
		strings.Contains(errLower, "503") ||
		strings.Contains(errLower, "529")
}
