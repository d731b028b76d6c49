package agent

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/usage"
)

// conversation is the state of one Run.
type conversation struct {
	res    *Result
	logger *slog.Logger
}

func newConversationID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Ask starts a conversation from a single user message.
func (l *Loop) Ask(ctx context.Context, query string) (*Result, error) {
	return l.Run(ctx, []llm.Message{llm.UserText(query)})
}

// Run drives a conversation starting from history until a model turn
// requests no tools. The caller's slice is not modified.
//
// A model failure ends the conversation and is returned wrapped; the
// Result still carries the history accumulated so far. Tool failures
// and denials are not errors: they become conversation content.
func (l *Loop) Run(ctx context.Context, history []llm.Message) (*Result, error) {
	start := time.Now()
	c := &conversation{
		res: &Result{
			ConversationID: newConversationID(),
			History:        slices.Clone(history),
			State:          StateAwaitingModelTurn,
		},
	}
	c.logger = l.logger.With("conversation_id", c.res.ConversationID)

	ctx, span := l.tracer.Start(ctx, "agent.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("conversation.id", c.res.ConversationID)),
	)
	defer span.End()

	c.logger.Info("conversation started", "messages", len(history))
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"conversation_id": c.res.ConversationID,
		"messages":        len(history),
	})

	err := l.drive(ctx, c)

	span.SetAttributes(
		attribute.Int("conversation.turns", c.res.Turns),
		attribute.Int("conversation.invocations", len(c.res.Invocations)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	elapsed := time.Since(start)
	c.logger.Info("conversation finished",
		"turns", c.res.Turns,
		"state", c.res.State.String(),
		"input_tokens", c.res.InputTokens,
		"output_tokens", c.res.OutputTokens,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"conversation_id": c.res.ConversationID,
		"turns":           c.res.Turns,
		"state":           c.res.State.String(),
		"elapsed_ms":      elapsed.Milliseconds(),
	})

	return c.res, err
}

func (l *Loop) drive(ctx context.Context, c *conversation) error {
	for {
		if l.maxTurns > 0 && c.res.Turns >= l.maxTurns {
			c.logger.Warn("turn limit reached", "max_turns", l.maxTurns)
			return fmt.Errorf("%w after %d turns", ErrTurnLimit, c.res.Turns)
		}

		resp, err := l.modelTurn(ctx, c)
		if err != nil {
			return fmt.Errorf("model turn %d: %w", c.res.Turns, err)
		}

		text := resp.Text()
		requests := resp.ToolUses()
		if text != "" && l.onText != nil {
			l.onText(text)
		}

		if len(requests) == 0 {
			c.res.Text = text
			if text != "" {
				c.res.History = append(c.res.History, llm.AssistantText(text))
			}
			c.res.State = StateDone
			return nil
		}

		c.res.State = StateProcessingInvocations
		for _, req := range requests {
			l.invoke(ctx, c, req)
		}
		c.res.State = StateAwaitingModelTurn
	}
}

func (l *Loop) modelTurn(ctx context.Context, c *conversation) (*llm.ChatResponse, error) {
	c.res.Turns++
	turn := c.res.Turns

	ctx, span := l.tracer.Start(ctx, "agent.model_turn",
		trace.WithAttributes(attribute.Int("turn", turn)),
	)
	defer span.End()

	tools := l.tools.Descriptors()
	c.logger.Debug("requesting model turn",
		"turn", turn,
		"messages", len(c.res.History),
		"tools", len(tools),
	)
	l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"conversation_id": c.res.ConversationID,
		"turn":            turn,
	})

	resp, err := l.model.Chat(ctx, c.res.History, tools)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Error("model call failed", "turn", turn, "error", err)
		return nil, err
	}

	requests := len(resp.ToolUses())
	c.res.InputTokens += resp.InputTokens
	c.res.OutputTokens += resp.OutputTokens
	span.SetAttributes(
		attribute.String("model", resp.Model),
		attribute.Int("tool_requests", requests),
	)

	c.logger.Debug("model turn complete",
		"turn", turn,
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_requests", requests,
	)
	l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"conversation_id": c.res.ConversationID,
		"turn":            turn,
		"model":           resp.Model,
		"tokens_in":       resp.InputTokens,
		"tokens_out":      resp.OutputTokens,
		"tool_calls":      requests,
	})

	if l.recorder != nil {
		err := l.recorder.RecordTurn(ctx, usage.Turn{
			ConversationID: c.res.ConversationID,
			Turn:           turn,
			Model:          resp.Model,
			Provider:       l.provider,
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			StopReason:     resp.StopReason,
			ToolRequests:   requests,
		})
		if err != nil {
			c.logger.Warn("failed to record turn usage", "error", err)
		}
	}

	return resp, nil
}
