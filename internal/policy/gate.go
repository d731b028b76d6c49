package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/tether/internal/events"
)

// Reason explains a decision.
type Reason string

// Decision reasons. Anything other than ReasonAllowed and
// ReasonApproved is a denial.
const (
	ReasonAllowed        Reason = "allowed"
	ReasonApproved       Reason = "approved"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonNotApproved    Reason = "not_approved"
	ReasonApprovalError  Reason = "approval_error"
	ReasonRateStoreError Reason = "rate_store_error"
)

// Decision is the outcome of one authorization.
type Decision struct {
	Allowed bool
	Reason  Reason
	Policy  Policy

	// Count is the call count in the current window including this
	// call; zero when the rate store failed.
	Count  int
	Window time.Duration

	// Err holds the approver or rate store failure behind a fail-closed
	// denial.
	Err error
}

// Denial renders the message shown to the model for a denied call.
// It returns "" for allowed decisions.
func (d Decision) Denial(name string) string {
	switch d.Reason {
	case ReasonAllowed, ReasonApproved:
		return ""
	case ReasonNotApproved:
		return fmt.Sprintf("Tool call to %s was not approved by the user.", name)
	case ReasonRateLimited:
		return fmt.Sprintf("Tool call to %s was denied: rate limit of %d calls per %s exceeded.",
			name, d.Policy.MaxCallsPerWindow, formatWindow(d.Window))
	case ReasonApprovalError:
		return fmt.Sprintf("Tool call to %s was denied: approval could not be obtained.", name)
	case ReasonRateStoreError:
		return fmt.Sprintf("Tool call to %s was denied: rate limit state unavailable.", name)
	}
	return fmt.Sprintf("Tool call to %s was denied: %s.", name, d.Reason)
}

func formatWindow(d time.Duration) string {
	if d > 0 && d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return d.String()
}

// Gate applies a policy table to invocation requests.
type Gate struct {
	table    Table
	store    RateStore
	approver Approver
	window   time.Duration
	now      func() time.Time
	logger   *slog.Logger
	bus      *events.Bus

	// promptMu keeps at most one approval outstanding.
	promptMu sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithRateStore sets where rate windows are kept.
func WithRateStore(s RateStore) Option {
	return func(g *Gate) { g.store = s }
}

// WithApprover sets the approval surface.
func WithApprover(a Approver) Option {
	return func(g *Gate) { g.approver = a }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithWindow sets the rate window length.
func WithWindow(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithLogger sets the gate logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// WithBus publishes decisions to b.
func WithBus(b *events.Bus) Option {
	return func(g *Gate) { g.bus = b }
}

// NewGate creates a gate over table. Without options it keeps rate
// windows in memory and denies every call that needs approval.
func NewGate(table Table, opts ...Option) *Gate {
	g := &Gate{
		table:  table,
		window: DefaultWindow,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	if g.store == nil {
		g.store = NewMemoryRateStore()
	}
	if g.approver == nil {
		g.approver = StaticApprover(false)
	}
	g.logger = g.logger.With("component", "policy")
	return g
}

// Table returns the gate's policy table.
func (g *Gate) Table() Table { return g.table }

// Window returns the rate window length.
func (g *Gate) Window() time.Duration { return g.window }

// Authorize reports whether the call may run.
func (g *Gate) Authorize(ctx context.Context, name string, args map[string]any) bool {
	return g.Decide(ctx, name, args).Allowed
}

// Decide runs the rate check and, when the policy requires it, the
// approval step. Every call counts against the window, denied or not.
// Failures of the rate store or approver deny.
func (g *Gate) Decide(ctx context.Context, name string, args map[string]any) Decision {
	p := g.table.Lookup(name)
	d := Decision{Policy: p, Window: g.window}

	count, err := g.store.Hit(ctx, name, g.now(), g.window)
	if err != nil {
		d.Reason, d.Err = ReasonRateStoreError, err
		return g.finish(name, d)
	}
	d.Count = count

	if count > p.MaxCallsPerWindow {
		d.Reason = ReasonRateLimited
		return g.finish(name, d)
	}

	if !p.RequiresApproval {
		d.Allowed, d.Reason = true, ReasonAllowed
		return g.finish(name, d)
	}

	ok, err := g.approve(ctx, Request{Name: name, Arguments: args, Policy: p})
	switch {
	case err != nil:
		d.Reason, d.Err = ReasonApprovalError, err
	case ok:
		d.Allowed, d.Reason = true, ReasonApproved
	default:
		d.Reason = ReasonNotApproved
	}
	return g.finish(name, d)
}

func (g *Gate) approve(ctx context.Context, req Request) (bool, error) {
	g.promptMu.Lock()
	defer g.promptMu.Unlock()

	g.bus.Emit(events.SourcePolicy, events.KindApprovalRequested, map[string]any{
		"tool": req.Name,
	})
	return g.approver.Approve(ctx, req)
}

func (g *Gate) finish(name string, d Decision) Decision {
	attrs := []any{
		"tool", name,
		"reason", string(d.Reason),
		"count", d.Count,
		"max_calls", d.Policy.MaxCallsPerWindow,
	}
	switch {
	case d.Err != nil:
		g.logger.Warn("tool call denied", append(attrs, "error", d.Err)...)
	case !d.Allowed:
		g.logger.Info("tool call denied", attrs...)
	default:
		g.logger.Debug("tool call authorized", attrs...)
	}

	g.bus.Emit(events.SourcePolicy, events.KindDecision, map[string]any{
		"tool":    name,
		"allowed": d.Allowed,
		"reason":  string(d.Reason),
		"count":   d.Count,
	})
	return d
}
