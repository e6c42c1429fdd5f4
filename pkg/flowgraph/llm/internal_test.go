package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name     string
		client   *ClaudeCLI
		req      CompletionRequest
		contains []string
		excludes []string
	}{
		{
			name:     "basic request",
			client:   NewClaudeCLI(),
			req:      UserPrompt("", "Hello"),
			contains: []string{"--print", "--output-format", "json"},
			excludes: []string{"--model", "--system-prompt", "Hello"},
		},
		{
			name:     "with system prompt",
			client:   NewClaudeCLI(),
			req:      UserPrompt("Be helpful", "Hi"),
			contains: []string{"--system-prompt", "Be helpful"},
		},
		{
			name:     "with model from client",
			client:   NewClaudeCLI(WithModel("sonnet")),
			req:      UserPrompt("", "Test"),
			contains: []string{"--model", "sonnet"},
		},
		{
			name:   "with model from request overrides client",
			client: NewClaudeCLI(WithModel("default-model")),
			req: CompletionRequest{
				Model:    "request-model",
				Messages: []Message{{Role: RoleUser, Content: "Test"}},
			},
			contains: []string{"--model", "request-model"},
			excludes: []string{"default-model"},
		},
		{
			name:   "with max tokens",
			client: NewClaudeCLI(),
			req: CompletionRequest{
				MaxTokens: 1000,
				Messages:  []Message{{Role: RoleUser, Content: "Test"}},
			},
			contains: []string{"--max-tokens", "1000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := tt.client.buildArgs(tt.req)
			for _, want := range tt.contains {
				assert.Contains(t, args, want)
			}
			for _, unwanted := range tt.excludes {
				assert.NotContains(t, args, unwanted)
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	assert.Equal(t, "", buildPrompt(nil))
	assert.Equal(t, "Hello", buildPrompt([]Message{{Role: RoleUser, Content: "Hello"}}))

	prompt := buildPrompt([]Message{
		{Role: RoleUser, Content: "First"},
		{Role: RoleAssistant, Content: "Response"},
		{Role: RoleUser, Content: "Second"},
	})
	assert.Equal(t, "First\n\nAssistant: Response\n\nUser: Second", prompt)

	// A leading assistant turn has nothing to attach to.
	assert.Equal(t, "Q", buildPrompt([]Message{
		{Role: RoleAssistant, Content: "ignored"},
		{Role: RoleUser, Content: "Q"},
	}))
}

func TestParseResponse(t *testing.T) {
	client := NewClaudeCLI(WithModel("test-model"))

	t.Run("result envelope", func(t *testing.T) {
		resp, err := client.parseResponse([]byte(`{"type":"result","subtype":"success","is_error":false,"result":"  {\"metrics\":[]}  ","total_cost_usd":0.02,"usage":{"input_tokens":12,"output_tokens":8}}`))
		require.NoError(t, err)
		assert.Equal(t, `{"metrics":[]}`, resp.Content)
		assert.Equal(t, 20, resp.Usage.TotalTokens)
		assert.InDelta(t, 0.02, resp.CostUSD, 1e-9)
		assert.Equal(t, "test-model", resp.Model)
	})

	t.Run("plain text", func(t *testing.T) {
		resp, err := client.parseResponse([]byte("  Line 1\nLine 2 \n"))
		require.NoError(t, err)
		assert.Equal(t, "Line 1\nLine 2", resp.Content)
		assert.Equal(t, "stop", resp.FinishReason)
	})

	t.Run("error envelope", func(t *testing.T) {
		_, err := client.parseResponse([]byte(`{"type":"result","subtype":"error_during_execution","is_error":true,"result":"API overloaded"}`))
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
	})

	t.Run("empty output", func(t *testing.T) {
		_, err := client.parseResponse([]byte("  \n"))
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("empty result", func(t *testing.T) {
		_, err := client.parseResponse([]byte(`{"type":"result","result":""}`))
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		errMsg    string
		retryable bool
	}{
		{"rate limit exceeded", true},
		{"Rate Limit", true},
		{"request timeout", true},
		{"server overloaded", true},
		{"503 service unavailable", true},
		{"error 529", true},
		{"invalid request", false},
		{"authentication failed", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.errMsg, func(t *testing.T) {
			assert.Equal(t, tt.retryable, isRetryableError(tt.errMsg))
		})
	}
}
