package agent

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/usage"
)

// Result texts synthesized when the tool gives nothing usable.
const (
	noContentText    = "No content available"
	unknownErrorText = "Unknown error"
)

// invoke resolves one tool request and appends its outcome to the
// history before returning, so request/outcome pairs stay in request
// order.
func (l *Loop) invoke(ctx context.Context, c *conversation, req llm.ContentBlock) {
	ctx, span := l.tracer.Start(ctx, "agent.invocation",
		trace.WithAttributes(
			attribute.String("tool.name", req.Name),
			attribute.String("tool.id", req.ID),
		),
	)
	defer span.End()

	logger := c.logger.With("tool", req.Name, "tool_use_id", req.ID)
	start := time.Now()

	inv := Invocation{
		ID:        req.ID,
		Name:      req.Name,
		Arguments: req.Input,
		Decision:  l.gate.Decide(ctx, req.Name, req.Input),
	}
	span.SetAttributes(attribute.String("policy.reason", string(inv.Decision.Reason)))

	if !inv.Decision.Allowed {
		inv.Text = inv.Decision.Denial(req.Name)
		c.res.History = append(c.res.History, llm.UserText(inv.Text))

		logger.Info("tool call denied", "reason", inv.Decision.Reason)
		l.bus.Emit(events.SourceAgent, events.KindToolDenied, map[string]any{
			"conversation_id": c.res.ConversationID,
			"tool":            req.Name,
			"id":              req.ID,
			"reason":          string(inv.Decision.Reason),
		})
		l.finishInvocation(ctx, c, inv)
		return
	}

	c.res.History = append(c.res.History, llm.Message{
		Role:    llm.RoleAssistant,
		Content: []llm.ContentBlock{llm.ToolUseBlock(req.ID, req.Name, req.Input)},
	})
	l.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"conversation_id": c.res.ConversationID,
		"tool":            req.Name,
		"id":              req.ID,
	})

	inv.Text, inv.IsError = l.execute(ctx, req.Name, req.Input)
	inv.Duration = time.Since(start)

	c.res.History = append(c.res.History, llm.Message{
		Role:    llm.RoleUser,
		Content: []llm.ContentBlock{llm.ToolResultBlock(req.ID, inv.Text, inv.IsError)},
	})

	span.SetAttributes(attribute.Bool("tool.is_error", inv.IsError))
	logger.Debug("tool call complete",
		"is_error", inv.IsError,
		"duration", inv.Duration.Round(time.Millisecond),
	)
	l.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"conversation_id": c.res.ConversationID,
		"tool":            req.Name,
		"id":              req.ID,
		"ok":              !inv.IsError,
		"duration_ms":     inv.Duration.Milliseconds(),
	})
	l.finishInvocation(ctx, c, inv)
}

// execute runs an authorized tool and turns every outcome into result
// text. Failures are reported, never returned.
func (l *Loop) execute(ctx context.Context, name string, args map[string]any) (string, bool) {
	if l.validator != nil {
		if err := l.validator.ValidateArguments(name, args); err != nil {
			return fmt.Sprintf("Error executing tool %s: %v", name, err), true
		}
	}

	r, err := l.exec.Execute(ctx, name, args)
	if err != nil {
		return fmt.Sprintf("Error executing tool %s: %v", name, err), true
	}

	text := r.Text
	if !r.HasText {
		text = ""
	}
	if r.IsError {
		if text == "" {
			text = unknownErrorText
		}
		return "Error: " + text, true
	}
	if text == "" {
		return noContentText, false
	}
	return text, false
}

func (l *Loop) finishInvocation(ctx context.Context, c *conversation, inv Invocation) {
	c.res.Invocations = append(c.res.Invocations, inv)

	if l.recorder != nil {
		err := l.recorder.RecordInvocation(ctx, usage.Invocation{
			ConversationID: c.res.ConversationID,
			RequestID:      inv.ID,
			Tool:           inv.Name,
			Allowed:        inv.Decision.Allowed,
			Reason:         string(inv.Decision.Reason),
			IsError:        inv.IsError,
			Duration:       inv.Duration,
		})
		if err != nil {
			c.logger.Warn("failed to record invocation", "tool", inv.Name, "error", err)
		}
	}

	if l.onInvocation != nil {
		l.onInvocation(inv)
	}
}
