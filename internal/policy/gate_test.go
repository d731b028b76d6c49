package policy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingApprover records every request and answers with answer.
type countingApprover struct {
	answer bool
	err    error
	calls  atomic.Int32
	last   Request
}

func (a *countingApprover) Approve(_ context.Context, req Request) (bool, error) {
	a.calls.Add(1)
	a.last = req
	return a.answer, a.err
}

func originalTable() Table {
	return NewTable(DefaultPolicy, map[string]Policy{
		"file-write":      {RequiresApproval: true, MaxCallsPerWindow: 5},
		"execute-command": {RequiresApproval: true, MaxCallsPerWindow: 2},
		"read-data":       {RequiresApproval: false, MaxCallsPerWindow: 20},
	})
}

func TestTable_LookupIsTotal(t *testing.T) {
	tbl := originalTable()

	assert.Equal(t, Policy{RequiresApproval: false, MaxCallsPerWindow: 20}, tbl.Lookup("read-data"))
	assert.Equal(t, DefaultPolicy, tbl.Lookup("never-configured"))
	assert.Equal(t, DefaultPolicy, tbl.Lookup(""))
	assert.Equal(t, DefaultPolicy, Table{Default: DefaultPolicy}.Lookup("anything"))
}

func TestNewTable_CopiesOverrides(t *testing.T) {
	src := map[string]Policy{"a": {MaxCallsPerWindow: 1}}
	tbl := NewTable(DefaultPolicy, src)
	src["a"] = Policy{MaxCallsPerWindow: 99}

	assert.Equal(t, 1, tbl.Lookup("a").MaxCallsPerWindow)
}

func TestTableFromConfig(t *testing.T) {
	no := false
	cfg := config.Default().Policy
	cfg.Tools["partial"] = config.PolicyRule{RequiresApproval: &no}

	tbl := TableFromConfig(cfg)

	assert.Equal(t, DefaultPolicy, tbl.Default)
	assert.Equal(t, Policy{RequiresApproval: true, MaxCallsPerWindow: 2}, tbl.Lookup("execute-command"))
	assert.Equal(t, Policy{RequiresApproval: false, MaxCallsPerWindow: 20}, tbl.Lookup("read-data"))
	assert.Equal(t, Policy{RequiresApproval: false, MaxCallsPerWindow: 10}, tbl.Lookup("partial"))
}

func TestGate_NoApprovalNeeded(t *testing.T) {
	approver := &countingApprover{answer: false}
	g := NewGate(originalTable(), WithApprover(approver))

	d := g.Decide(t.Context(), "read-data", map[string]any{"id": 1})

	assert.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
	assert.Equal(t, 1, d.Count)
	assert.Zero(t, approver.calls.Load())
}

func TestGate_ApprovalPath(t *testing.T) {
	tests := []struct {
		name       string
		approver   *countingApprover
		wantAllow  bool
		wantReason Reason
	}{
		{"approved", &countingApprover{answer: true}, true, ReasonApproved},
		{"declined", &countingApprover{answer: false}, false, ReasonNotApproved},
		{"approver failure", &countingApprover{answer: true, err: errors.New("tty gone")}, false, ReasonApprovalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(originalTable(), WithApprover(tt.approver))
			args := map[string]any{"path": "/tmp/out"}

			d := g.Decide(t.Context(), "file-write", args)

			assert.Equal(t, tt.wantAllow, d.Allowed)
			assert.Equal(t, tt.wantReason, d.Reason)
			assert.Equal(t, int32(1), tt.approver.calls.Load())
			assert.Equal(t, "file-write", tt.approver.last.Name)
			assert.Equal(t, args, tt.approver.last.Arguments)
		})
	}
}

func TestGate_DefaultApproverDenies(t *testing.T) {
	g := NewGate(originalTable())

	assert.False(t, g.Authorize(t.Context(), "file-write", nil))
	assert.True(t, g.Authorize(t.Context(), "read-data", nil))
}

func TestGate_RateLimitBeatsApproval(t *testing.T) {
	clock := newFakeClock()
	approver := &countingApprover{answer: true}
	g := NewGate(originalTable(), WithApprover(approver), WithClock(clock.Now))

	assert.True(t, g.Authorize(t.Context(), "execute-command", nil))
	clock.Advance(300 * time.Millisecond)
	assert.True(t, g.Authorize(t.Context(), "execute-command", nil))
	clock.Advance(300 * time.Millisecond)

	d := g.Decide(t.Context(), "execute-command", nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimited, d.Reason)
	assert.Equal(t, 3, d.Count)
	assert.Equal(t, int32(2), approver.calls.Load(), "rate-limited call must not prompt")
}

func TestGate_RateKeyedByNameOnly(t *testing.T) {
	g := NewGate(originalTable(), WithApprover(StaticApprover(true)))

	g.Authorize(t.Context(), "execute-command", map[string]any{"cmd": "ls"})
	g.Authorize(t.Context(), "execute-command", map[string]any{"cmd": "pwd"})

	assert.False(t, g.Authorize(t.Context(), "execute-command", map[string]any{"cmd": "date"}))
	assert.True(t, g.Authorize(t.Context(), "file-write", map[string]any{"cmd": "date"}))
}

func TestGate_WindowReset(t *testing.T) {
	clock := newFakeClock()
	g := NewGate(originalTable(), WithApprover(StaticApprover(true)), WithClock(clock.Now))

	for range 5 {
		g.Authorize(t.Context(), "execute-command", nil)
	}
	require.False(t, g.Authorize(t.Context(), "execute-command", nil))

	// Exactly one window later is still the same window.
	clock.Advance(DefaultWindow)
	require.False(t, g.Authorize(t.Context(), "execute-command", nil))

	clock.Advance(time.Second)
	d := g.Decide(t.Context(), "execute-command", nil)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestGate_CustomWindow(t *testing.T) {
	clock := newFakeClock()
	tbl := NewTable(Policy{MaxCallsPerWindow: 1}, nil)
	g := NewGate(tbl, WithClock(clock.Now), WithWindow(5*time.Second))

	assert.Equal(t, 5*time.Second, g.Window())
	assert.True(t, g.Authorize(t.Context(), "x", nil))
	assert.False(t, g.Authorize(t.Context(), "x", nil))
	clock.Advance(6 * time.Second)
	assert.True(t, g.Authorize(t.Context(), "x", nil))
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Time, time.Duration) (int, error) {
	return 0, errors.New("redis: connection refused")
}

func TestGate_RateStoreFailureFailsClosed(t *testing.T) {
	approver := &countingApprover{answer: true}
	g := NewGate(originalTable(), WithRateStore(failingStore{}), WithApprover(approver))

	d := g.Decide(t.Context(), "read-data", nil)

	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonRateStoreError, d.Reason)
	assert.Error(t, d.Err)
	assert.Zero(t, approver.calls.Load())
}

func TestGate_SingleOutstandingApproval(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	approver := ApproverFunc(func(context.Context, Request) (bool, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return true, nil
	})
	tbl := NewTable(Policy{RequiresApproval: true, MaxCallsPerWindow: 100}, nil)
	g := NewGate(tbl, WithApprover(approver))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Authorize(context.Background(), "deploy", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestGate_PublishesDecisions(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(8)
	defer sub.Close()

	g := NewGate(originalTable(), WithApprover(StaticApprover(false)), WithBus(bus))
	g.Authorize(t.Context(), "file-write", nil)

	evt := <-sub.C
	assert.Equal(t, events.KindApprovalRequested, evt.Kind)
	assert.Equal(t, "file-write", evt.Data["tool"])

	evt = <-sub.C
	assert.Equal(t, events.SourcePolicy, evt.Source)
	assert.Equal(t, events.KindDecision, evt.Kind)
	assert.Equal(t, false, evt.Data["allowed"])
	assert.Equal(t, string(ReasonNotApproved), evt.Data["reason"])
}

func TestDecision_Denial(t *testing.T) {
	tests := []struct {
		name string
		d    Decision
		want string
	}{
		{"allowed", Decision{Allowed: true, Reason: ReasonAllowed}, ""},
		{"approved", Decision{Allowed: true, Reason: ReasonApproved}, ""},
		{"not approved", Decision{Reason: ReasonNotApproved}, "Tool call to deploy was not approved by the user."},
		{
			"rate limited",
			Decision{Reason: ReasonRateLimited, Policy: Policy{MaxCallsPerWindow: 2}, Window: time.Minute},
			"Tool call to deploy was denied: rate limit of 2 calls per 60s exceeded.",
		},
		{
			"sub-second window",
			Decision{Reason: ReasonRateLimited, Policy: Policy{MaxCallsPerWindow: 1}, Window: 1500 * time.Millisecond},
			"Tool call to deploy was denied: rate limit of 1 calls per 1.5s exceeded.",
		},
		{"approval error", Decision{Reason: ReasonApprovalError}, "Tool call to deploy was denied: approval could not be obtained."},
		{"store error", Decision{Reason: ReasonRateStoreError}, "Tool call to deploy was denied: rate limit state unavailable."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.Denial("deploy"))
		})
	}
}
