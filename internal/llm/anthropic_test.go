package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestConvertToAnthropic_MergesConsecutiveRoles(t *testing.T) {
	messages := []Message{
		UserText("Read record 7."),
		{Role: RoleAssistant, Content: []ContentBlock{TextBlock("Checking.")}},
		{Role: RoleAssistant, Content: []ContentBlock{ToolUseBlock("toolu_1", "read-data", map[string]any{"id": 7})}},
		{Role: RoleUser, Content: []ContentBlock{ToolResultBlock("toolu_1", "42", false)}},
		{Role: RoleAssistant, Content: []ContentBlock{ToolUseBlock("toolu_2", "file-write", nil)}},
		{Role: RoleUser, Content: []ContentBlock{TextBlock("Tool call to file-write was not approved by the user.")}},
	}

	result, err := convertToAnthropic(messages)
	if err != nil {
		t.Fatalf("convertToAnthropic: %v", err)
	}

	if len(result) != 5 {
		t.Fatalf("got %d wire messages, want 5", len(result))
	}
	if result[1].Role != RoleAssistant || len(result[1].Content) != 2 {
		t.Fatalf("merged assistant message = %+v, want text + tool_use", result[1])
	}
	if result[1].Content[1].Type != "tool_use" || result[1].Content[1].ID != "toolu_1" {
		t.Errorf("second block = %+v, want tool_use toolu_1", result[1].Content[1])
	}
	if string(result[1].Content[1].Input) != `{"id":7}` {
		t.Errorf("input = %s, want {\"id\":7}", result[1].Content[1].Input)
	}
	if got := result[2].Content[0]; got.Type != "tool_result" || got.ToolUseID != "toolu_1" || got.Content != "42" {
		t.Errorf("tool_result = %+v", got)
	}
	if string(result[3].Content[0].Input) != `{}` {
		t.Errorf("nil input should serialize as {}, got %s", result[3].Content[0].Input)
	}
}

func TestConvertToAnthropic_RejectsUnknownRole(t *testing.T) {
	_, err := convertToAnthropic([]Message{{Role: "system", Content: []ContentBlock{TextBlock("x")}}})
	if err == nil {
		t.Fatal("expected error for system role")
	}
}

func TestConvertToAnthropic_ToolResultError(t *testing.T) {
	result, err := convertToAnthropic([]Message{
		{Role: RoleUser, Content: []ContentBlock{ToolResultBlock("t1", "Error executing tool x: boom", true)}},
	})
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(result[0].Content[0])
	if !strings.Contains(string(data), `"is_error":true`) {
		t.Errorf("wire block %s lacks is_error", data)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		ID:    "msg_1",
		Model: "claude-3-5-sonnet-latest",
		Role:  "assistant",
		Content: []anthropicContent{
			{Type: "text", Text: "I'll check"},
			{Type: "tool_use", ID: "toolu_a", Name: "read-data", Input: json.RawMessage(`{"id":"7"}`)},
			{Type: "text", Text: "that for you."},
			{Type: "tool_use", ID: "toolu_b", Name: "file-write"},
			{Type: "thinking"},
		},
		StopReason: "tool_use",
		Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 34},
	}

	result := convertFromAnthropic(resp)

	if got := result.Text(); got != "I'll check that for you." {
		t.Errorf("Text() = %q", got)
	}
	uses := result.ToolUses()
	if len(uses) != 2 {
		t.Fatalf("got %d tool uses, want 2", len(uses))
	}
	if uses[0].ID != "toolu_a" || uses[0].Input["id"] != "7" {
		t.Errorf("uses[0] = %+v", uses[0])
	}
	if uses[1].Input == nil || len(uses[1].Input) != 0 {
		t.Errorf("missing input should decode as empty map, got %#v", uses[1].Input)
	}
	if len(result.Content) != 4 {
		t.Errorf("got %d blocks, want 4 (unknown types dropped)", len(result.Content))
	}
	if result.InputTokens != 12 || result.OutputTokens != 34 {
		t.Errorf("usage = %d/%d, want 12/34", result.InputTokens, result.OutputTokens)
	}
}

func TestAnthropicClient_Chat(t *testing.T) {
	var got anthropicRequest
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "Done."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 3}
		}`)
	}))
	defer srv.Close()

	client := NewAnthropicClient(AnthropicConfig{
		APIKey:       "sk-test",
		Model:        "claude-test",
		BaseURL:      srv.URL + "/",
		SystemPrompt: "Be brief.",
		HTTPClient:   srv.Client(),
	})

	tools := []Tool{{Name: "read-data", Description: "Read", InputSchema: map[string]any{"type": "object"}}}
	resp, err := client.Chat(context.Background(), []Message{UserText("hi")}, tools)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if resp.Text() != "Done." || resp.StopReason != "end_turn" {
		t.Errorf("resp = %+v", resp)
	}
	if headers.Get("x-api-key") != "sk-test" {
		t.Errorf("x-api-key = %q", headers.Get("x-api-key"))
	}
	if headers.Get("anthropic-version") != anthropicAPIVersion {
		t.Errorf("anthropic-version = %q", headers.Get("anthropic-version"))
	}
	if got.MaxTokens != DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want %d", got.MaxTokens, DefaultMaxTokens)
	}
	if got.System != "Be brief." {
		t.Errorf("system = %q", got.System)
	}
	if len(got.Tools) != 1 || got.Tools[0].InputSchema["type"] != "object" {
		t.Errorf("tools = %+v", got.Tools)
	}
}

func TestAnthropicClient_ChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer srv.Close()

	client := NewAnthropicClient(AnthropicConfig{BaseURL: srv.URL, HTTPClient: srv.Client()})
	_, err := client.Chat(context.Background(), []Message{UserText("hi")}, nil)

	var mce *ModelCallError
	if !errors.As(err, &mce) {
		t.Fatalf("err = %v, want *ModelCallError", err)
	}
	if mce.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode = %d, want 401", mce.StatusCode)
	}
	if !strings.Contains(mce.Body, "authentication_error") {
		t.Errorf("Body = %q", mce.Body)
	}
	if mce.Retryable() {
		t.Error("401 should not be retryable")
	}
}

func TestAnthropicClient_ChatTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewAnthropicClient(AnthropicConfig{BaseURL: url, HTTPClient: &http.Client{}})
	_, err := client.Chat(context.Background(), []Message{UserText("hi")}, nil)

	var mce *ModelCallError
	if !errors.As(err, &mce) || mce.StatusCode != 0 || mce.Err == nil {
		t.Fatalf("err = %#v, want transport ModelCallError", err)
	}
	if !mce.Retryable() {
		t.Error("transport failures should be retryable")
	}
}

func TestModelCallError_Retryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{400, false},
		{404, false},
		{429, true},
		{500, true},
		{529, true},
	}
	for _, tt := range tests {
		e := &ModelCallError{StatusCode: tt.status}
		if got := e.Retryable(); got != tt.want {
			t.Errorf("Retryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestAnthropicClientImplementsInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
}
