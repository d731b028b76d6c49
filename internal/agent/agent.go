// Package agent drives a conversation between a model and a capability
// server. Each model turn may request tool invocations; the loop
// resolves them one at a time, in the order the model asked, through
// the policy gate and the capability executor, then asks the model
// again. It stops when a turn requests nothing.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/tether/internal/capability"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/policy"
	"github.com/nugget/tether/internal/usage"
)

// ErrTurnLimit is returned when a conversation reaches its turn bound
// before the model stops requesting tools.
var ErrTurnLimit = errors.New("conversation turn limit reached")

// ToolSource supplies the tool descriptors sent with each model turn.
type ToolSource interface {
	Descriptors() []llm.Tool
}

// Authorizer decides whether one invocation may run.
type Authorizer interface {
	Decide(ctx context.Context, name string, args map[string]any) policy.Decision
}

// ArgumentValidator checks invocation arguments before execution.
type ArgumentValidator interface {
	ValidateArguments(name string, args map[string]any) error
}

// Recorder persists turn usage and invocation outcomes.
type Recorder interface {
	RecordTurn(ctx context.Context, rec usage.Turn) error
	RecordInvocation(ctx context.Context, rec usage.Invocation) error
}

// State is where a conversation is in its cycle.
type State int

// Conversation states.
const (
	StateAwaitingModelTurn State = iota
	StateProcessingInvocations
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAwaitingModelTurn:
		return "awaiting_model_turn"
	case StateProcessingInvocations:
		return "processing_invocations"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Invocation is one resolved tool request.
type Invocation struct {
	ID        string
	Name      string
	Arguments map[string]any
	Decision  policy.Decision

	// Text is what was appended to the history for this request: the
	// tool result text, or the denial message.
	Text     string
	IsError  bool
	Duration time.Duration
}

// Executed reports whether the tool was actually called.
func (i Invocation) Executed() bool { return i.Decision.Allowed }

// Result is the outcome of one conversation run.
type Result struct {
	ConversationID string
	History        []llm.Message

	// Text is the final turn's text.
	Text         string
	Turns        int
	State        State
	Invocations  []Invocation
	InputTokens  int
	OutputTokens int
}

// Loop runs conversations. A Loop holds no per-conversation state and
// may run several conversations concurrently; the gate serializes
// approval prompts between them.
type Loop struct {
	model     llm.Client
	tools     ToolSource
	exec      capability.Executor
	gate      Authorizer
	validator ArgumentValidator
	recorder  Recorder

	maxTurns int
	provider string
	logger   *slog.Logger
	bus      *events.Bus
	tracer   trace.Tracer

	onText       func(text string)
	onInvocation func(inv Invocation)
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// WithBus publishes conversation events to b.
func WithBus(b *events.Bus) Option {
	return func(lp *Loop) { lp.bus = b }
}

// WithTracer sets the tracer used for conversation spans.
func WithTracer(t trace.Tracer) Option {
	return func(lp *Loop) {
		if t != nil {
			lp.tracer = t
		}
	}
}

// WithMaxTurns bounds model turns per conversation. Zero is unbounded.
func WithMaxTurns(n int) Option {
	return func(lp *Loop) { lp.maxTurns = n }
}

// WithValidator checks arguments before each execution. Arguments that
// fail are reported to the model as an execution error.
func WithValidator(v ArgumentValidator) Option {
	return func(lp *Loop) { lp.validator = v }
}

// WithRecorder records turn usage and invocation outcomes.
func WithRecorder(r Recorder) Option {
	return func(lp *Loop) { lp.recorder = r }
}

// WithProvider names the model provider in usage records.
func WithProvider(name string) Option {
	return func(lp *Loop) { lp.provider = name }
}

// WithTextHandler receives the text of every model turn that has any.
func WithTextHandler(fn func(text string)) Option {
	return func(lp *Loop) { lp.onText = fn }
}

// WithInvocationHandler receives every resolved invocation.
func WithInvocationHandler(fn func(inv Invocation)) Option {
	return func(lp *Loop) { lp.onInvocation = fn }
}

// NewLoop creates a loop that talks to model, offers the tools from
// tools, runs them with exec and asks gate before each one.
func NewLoop(model llm.Client, tools ToolSource, exec capability.Executor, gate Authorizer, opts ...Option) *Loop {
	l := &Loop{
		model:    model,
		tools:    tools,
		exec:     exec,
		gate:     gate,
		provider: "anthropic",
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/nugget/tether/internal/agent"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}
