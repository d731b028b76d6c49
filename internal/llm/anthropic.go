package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/tether/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com"
	anthropicAPIVersion = "2023-06-01"

	// DefaultModel and DefaultMaxTokens apply when the config leaves
	// them unset.
	DefaultModel     = "claude-3-5-sonnet-latest"
	DefaultMaxTokens = 1024
)

// AnthropicConfig configures an [AnthropicClient].
type AnthropicConfig struct {
	APIKey       string
	Model        string
	MaxTokens    int
	BaseURL      string
	SystemPrompt string

	// HTTPClient overrides the default httpkit client.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey       string
	model        string
	maxTokens    int
	endpoint     string
	systemPrompt string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := cfg.HTTPClient
	if client == nil {
		// Long prompts can take a while before the first header byte.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = 120 * time.Second
		client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = anthropicAPIURL
	}

	return &AnthropicClient{
		apiKey:       cfg.APIKey,
		model:        model,
		maxTokens:    maxTokens,
		endpoint:     base + "/v1/messages",
		systemPrompt: cfg.SystemPrompt,
		httpClient:   client,
		logger:       logger.With("provider", "anthropic"),
	}
}

// Model returns the configured model name.
func (c *AnthropicClient) Model() string {
	return c.model
}

// Anthropic request/response types

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []Tool             `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"` // tool_result
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Chat sends a non-streaming Messages API request.
func (c *AnthropicClient) Chat(ctx context.Context, messages []Message, tools []Tool) (*ChatResponse, error) {
	msgs, err := convertToAnthropic(messages)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("preparing request",
		"model", c.model,
		"messages", len(msgs),
		"tools", len(tools),
		"system_len", len(c.systemPrompt),
	)

	req := anthropicRequest{
		Model:     c.model,
		Messages:  msgs,
		System:    c.systemPrompt,
		MaxTokens: c.maxTokens,
		Tools:     tools,
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ModelCallError{Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, &ModelCallError{StatusCode: resp.StatusCode, Body: errBody}
	}

	var wire anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &ModelCallError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	result := convertFromAnthropic(&wire)

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.ToolUses()),
		"stop_reason", result.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", result.Text())

	return result, nil
}

// convertToAnthropic converts messages to the wire format. The API
// requires alternating roles, so consecutive messages with the same
// role are merged into one.
func convertToAnthropic(messages []Message) ([]anthropicMessage, error) {
	var out []anthropicMessage
	for _, msg := range messages {
		if msg.Role != RoleUser && msg.Role != RoleAssistant {
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}

		blocks := make([]anthropicContent, 0, len(msg.Content))
		for _, b := range msg.Content {
			wb, err := toWireBlock(b)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, wb)
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropicMessage{Role: msg.Role, Content: blocks})
	}
	return out, nil
}

func toWireBlock(b ContentBlock) (anthropicContent, error) {
	switch b.Type {
	case BlockText:
		return anthropicContent{Type: string(BlockText), Text: b.Text}, nil
	case BlockToolUse:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		raw, err := json.Marshal(input)
		if err != nil {
			return anthropicContent{}, fmt.Errorf("marshal tool_use %s input: %w", b.ID, err)
		}
		return anthropicContent{Type: string(BlockToolUse), ID: b.ID, Name: b.Name, Input: raw}, nil
	case BlockToolResult:
		return anthropicContent{
			Type:      string(BlockToolResult),
			ToolUseID: b.ToolUseID,
			Content:   b.Text,
			IsError:   b.IsError,
		}, nil
	default:
		return anthropicContent{}, fmt.Errorf("unsupported content block type %q", b.Type)
	}
}

// convertFromAnthropic converts an Anthropic response to our internal
// format, preserving block order. Unknown block types are dropped.
func convertFromAnthropic(resp *anthropicResponse) *ChatResponse {
	out := &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}

	for _, block := range resp.Content {
		switch block.Type {
		case string(BlockText):
			out.Content = append(out.Content, TextBlock(block.Text))
		case string(BlockToolUse):
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					args = nil
				}
			}
			if args == nil {
				args = map[string]any{}
			}
			out.Content = append(out.Content, ToolUseBlock(block.ID, block.Name, args))
		}
	}
	return out
}
