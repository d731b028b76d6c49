// Package llm provides the model channel: a client that sends a
// conversation plus tool descriptors to a language model and returns
// its reply as ordered content blocks.
package llm

import (
	"log/slog"
	"strings"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Conversation roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType identifies a content block variant.
type BlockType string

// Content block variants.
const (
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ContentBlock is one element of a message. Which fields are set
// depends on Type:
//
//   - text: Text
//   - tool_use: ID, Name, Input (an invocation request)
//   - tool_result: ToolUseID, Text, IsError (an invocation result)
type ContentBlock struct {
	Type      BlockType      `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	IsError   bool           `json:"is_error,omitempty"`
}

// TextBlock returns a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock returns an invocation request block.
func ToolUseBlock(id, name string, input map[string]any) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock returns an invocation result block.
func ToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Text: text, IsError: isError}
}

// Message represents a chat message for the LLM.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UserText returns a user message with a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: []ContentBlock{TextBlock(text)}}
}

// AssistantText returns an assistant message with a single text block.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Content: []ContentBlock{TextBlock(text)}}
}

// Text joins the message's text blocks with single spaces, in order.
func (m Message) Text() string {
	return joinText(m.Content)
}

// ToolUses returns the message's invocation requests in order.
func (m Message) ToolUses() []ContentBlock {
	return toolUses(m.Content)
}

// Tool describes a callable tool to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// ChatResponse is one model turn.
type ChatResponse struct {
	ID         string
	Model      string
	Content    []ContentBlock
	StopReason string

	InputTokens  int
	OutputTokens int
}

// Text joins the reply's text blocks with single spaces, in arrival
// order.
func (r *ChatResponse) Text() string {
	return joinText(r.Content)
}

// ToolUses returns the reply's invocation requests in the order the
// model issued them.
func (r *ChatResponse) ToolUses() []ContentBlock {
	return toolUses(r.Content)
}

func joinText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, " ")
}

func toolUses(blocks []ContentBlock) []ContentBlock {
	var out []ContentBlock
	for _, b := range blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}
