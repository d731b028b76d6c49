package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/capability"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/connwatch"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/mcp"
	"github.com/nugget/tether/internal/opstate"
	"github.com/nugget/tether/internal/policy"
	"github.com/nugget/tether/internal/usage"
)

// environment is the process surface one run works against.
type environment struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	inv    *invocation

	// in wraps stdin once so chat input and line approval share it.
	in *bufio.Reader
}

func (e *environment) input() *bufio.Reader {
	if e.in == nil {
		e.in = bufio.NewReader(e.stdin)
	}
	return e.in
}

// stdinIsTerminal reports whether stdin is the process terminal. Tests
// pass their own readers and so never get the interactive approver.
func (e *environment) stdinIsTerminal() bool {
	f, ok := e.stdin.(*os.File)
	if !ok || f != os.Stdin {
		return false
	}
	return policy.NewTerminalApprover().IsInteractive()
}

// app is everything a conversation needs, wired from the config.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	client   *mcp.Client
	session  *session
	registry *capability.Registry
	gate     *policy.Gate
	loop     *agent.Loop
	usage    *usage.Store
	watcher  *connwatch.Watcher

	closers []func() error
}

// withApp builds the app, runs fn and tears everything down.
func (e *environment) withApp(ctx context.Context, interactive bool, fn func(context.Context, *environment, *app) error) error {
	cfg, cfgPath, err := loadConfig(e.inv)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if e.inv.verbose {
		if lvl, _ := config.ParseLogLevel(level); lvl > slog.LevelDebug {
			level = "debug"
		}
	}
	logger, err := config.NewLogger(e.stderr, level, cfg.LogFormat)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := newApp(ctx, e, cfg, logger, interactive)
	if a != nil {
		defer a.close()
	}
	if a != nil && e.inv.verbose {
		stop := traceEvents(a.bus, logger)
		defer stop()
	}
	if err != nil {
		return err
	}
	return fn(ctx, e, a)
}

func newApp(ctx context.Context, e *environment, cfg *config.Config, logger *slog.Logger, interactive bool) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(),
	}

	if err := a.connect(ctx); err != nil {
		return a, err
	}

	table := policy.TableFromConfig(cfg.Policy)
	store, err := a.rateStore(ctx)
	if err != nil {
		return a, err
	}
	a.gate = policy.NewGate(table,
		policy.WithWindow(cfg.Policy.Window),
		policy.WithRateStore(store),
		policy.WithApprover(newApprover(cfg.Policy.Approval, e, logger)),
		policy.WithLogger(logger),
		policy.WithBus(a.bus),
	)

	if cfg.Usage.Database != "" {
		us, err := usage.NewStore(cfg.Usage.Database, cfg.Usage.Pricing)
		if err != nil {
			return a, fmt.Errorf("open usage database: %w", err)
		}
		a.usage = us
		a.closers = append(a.closers, us.Close)
	}

	model := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:       cfg.Anthropic.APIKey,
		Model:        cfg.Anthropic.Model,
		MaxTokens:    cfg.Anthropic.MaxTokens,
		BaseURL:      cfg.Anthropic.BaseURL,
		SystemPrompt: cfg.Conversation.SystemPrompt,
		Logger:       logger,
	})

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithBus(a.bus),
		agent.WithMaxTurns(*cfg.Conversation.MaxTurns),
		agent.WithProvider("anthropic"),
	}
	if cfg.Conversation.ValidateArguments {
		opts = append(opts, agent.WithValidator(a.registry))
	}
	if a.usage != nil {
		opts = append(opts, agent.WithRecorder(a.usage))
	}
	if interactive {
		opts = append(opts,
			agent.WithTextHandler(func(text string) { printModelText(e.stdout, text) }),
			agent.WithInvocationHandler(func(inv agent.Invocation) { printInvocation(e.stdout, inv) }),
		)
	}
	a.loop = agent.NewLoop(model, a.registry, capability.NewMCPChannel(a.client, logger), a.gate, opts...)

	if cfg.MCP.HealthInterval > 0 {
		a.watcher = connwatch.Watch(ctx, connwatch.Config{
			Name:    cfg.MCP.Name,
			Probe:   a.session.probe,
			Backoff: connwatch.BackoffConfig{PollInterval: cfg.MCP.HealthInterval},
			OnReady: func(recovered bool) {
				if !recovered {
					return
				}
				rctx, cancel := context.WithTimeout(ctx, time.Minute)
				defer cancel()
				if err := a.session.resync(rctx); err != nil {
					logger.Warn("re-initialize after recovery failed", "error", err)
				}
			},
			Bus:    a.bus,
			Logger: logger,
		})
		a.closers = append(a.closers, func() error { a.watcher.Stop(); return nil })
	}

	return a, nil
}

// connect starts the MCP transport, performs the handshake and loads
// the initial capability lists.
func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg.MCP

	var transport mcp.Transport
	var starts func() uint64
	if cfg.Command != "" {
		st := mcp.NewStdioTransport(mcp.StdioConfig{
			Command: cfg.Command,
			Args:    cfg.Args,
			Env:     cfg.Env,
			Logger:  a.logger,
		})
		transport = st
		starts = st.Starts
	} else {
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Logger:  a.logger,
		})
	}

	a.client = mcp.NewClient(cfg.Name, transport, a.logger)
	a.closers = append(a.closers, a.client.Close)

	a.registry = capability.NewRegistry(capability.NewMCPChannel(a.client, a.logger),
		capability.WithLogger(a.logger),
		capability.WithBus(a.bus),
	)
	a.registry.Start(ctx)
	a.closers = append(a.closers, func() error { a.registry.Close(); return nil })

	a.session = &session{
		client:   a.client,
		registry: a.registry,
		starts:   starts,
		logger:   a.logger.With("mcp_server", cfg.Name),
	}
	if err := a.session.resync(ctx); err != nil {
		return fmt.Errorf("connect to MCP server %s: %w", cfg.Name, err)
	}
	return nil
}

func (a *app) rateStore(ctx context.Context) (policy.RateStore, error) {
	rs := a.cfg.Policy.RateStore
	switch rs.Backend {
	case config.RateStoreRedis:
		store := policy.NewRedisRateStore(rs.RedisAddr, rs.RedisPassword, rs.RedisDB)
		a.closers = append(a.closers, store.Close)
		if err := store.Ping(ctx); err != nil {
			return nil, fmt.Errorf("redis rate store %s: %w", rs.RedisAddr, err)
		}
		return store, nil
	case config.RateStoreSQLite:
		st, err := opstate.NewStore(rs.Database)
		if err != nil {
			return nil, fmt.Errorf("sqlite rate store %s: %w", rs.Database, err)
		}
		a.closers = append(a.closers, st.Close)
		return policy.NewStateRateStore(st), nil
	default:
		return policy.NewMemoryRateStore(), nil
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Debug("shutdown errors", "error", err)
	}
}

// newApprover maps the policy.approval mode to an approver. Terminal
// mode falls back to line prompts when stdin is not a terminal.
func newApprover(mode string, e *environment, logger *slog.Logger) policy.Approver {
	switch mode {
	case config.ApprovalAllow:
		return policy.StaticApprover(true)
	case config.ApprovalDeny:
		return policy.StaticApprover(false)
	case config.ApprovalTerminal:
		if e.stdinIsTerminal() {
			return policy.NewTerminalApprover()
		}
		logger.Debug("stdin is not a terminal, using line approval")
	}
	return policy.NewLineApprover(e.input(), e.stdout)
}

// session keeps the MCP handshake and the registry in step with the
// server process. A stdio server that crashed is relaunched by the
// transport on the next request, and the new process has to be
// initialized again before its capabilities can be trusted.
type session struct {
	client   *mcp.Client
	registry *capability.Registry
	starts   func() uint64 // nil for HTTP servers
	logger   *slog.Logger

	mu   sync.Mutex
	seen uint64
}

// resync performs the handshake and re-lists every capability kind.
func (s *session) resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.client.Initialize(ctx); err != nil {
		return err
	}
	if s.starts != nil {
		s.seen = s.starts()
	}
	s.registry.Initialize(ctx)
	return nil
}

// probe pings the server and re-initializes it when its process was
// replaced since the last handshake.
func (s *session) probe(ctx context.Context) error {
	if err := s.client.Ping(ctx); err != nil {
		return err
	}
	if s.starts == nil {
		return nil
	}

	s.mu.Lock()
	restarted := s.starts() != s.seen
	s.mu.Unlock()
	if !restarted {
		return nil
	}

	s.logger.Warn("capability server process restarted, re-initializing")
	return s.resync(ctx)
}
