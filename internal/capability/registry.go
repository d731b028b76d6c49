package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/llm"
)

// DefaultRefreshTimeout bounds one list call made by a refresh.
const DefaultRefreshTimeout = 30 * time.Second

// ErrInvalidArguments wraps schema validation failures.
var ErrInvalidArguments = errors.New("invalid arguments")

// Snapshot is one immutable generation of a capability collection.
// Callers must not modify the slices.
type Snapshot struct {
	Kind  Kind
	Items []Capability

	// Templates holds resource templates; nil for other kinds.
	Templates []Capability

	Generation  uint64
	RefreshedAt time.Time

	schemas map[string]*jsonschema.Schema
}

// Status reports the last refresh attempt for one kind.
type Status struct {
	Generation  uint64
	RefreshedAt time.Time
	LastError   error
}

type slot struct {
	snap    atomic.Pointer[Snapshot]
	lastErr atomic.Pointer[error]

	// writer serializes refreshes of this kind.
	writer sync.Mutex
	// signal coalesces change notifications; capacity 1.
	signal chan struct{}
}

// Registry holds the current tools, resources and prompts. Reads are
// lock-free loads of the current snapshot. Each kind has a single
// writer, so concurrent refreshes of one kind cannot interleave.
type Registry struct {
	channel Channel
	logger  *slog.Logger
	bus     *events.Bus
	timeout time.Duration
	now     func() time.Time

	slots [3]*slot

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithBus publishes refresh events to b.
func WithBus(b *events.Bus) Option {
	return func(r *Registry) { r.bus = b }
}

// WithRefreshTimeout bounds each list call. Zero disables the bound.
func WithRefreshTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry creates an empty registry over ch. Call Start to follow
// change notifications and Initialize to load the first snapshots.
func NewRegistry(ch Channel, opts ...Option) *Registry {
	r := &Registry{
		channel: ch,
		logger:  slog.Default(),
		timeout: DefaultRefreshTimeout,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.With("component", "registry")

	for _, k := range Kinds() {
		s := &slot{signal: make(chan struct{}, 1)}
		s.snap.Store(&Snapshot{Kind: k})
		r.slots[k.index()] = s
	}
	return r
}

func (r *Registry) slot(k Kind) *slot {
	i := k.index()
	if i < 0 {
		panic(fmt.Sprintf("capability: unknown kind %q", k))
	}
	return r.slots[i]
}

// Start subscribes to the channel's change notifications and runs one
// refresh worker per kind until ctx ends or Close is called. A
// notification only marks its kind dirty; bursts collapse into a
// single follow-up refresh.
func (r *Registry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.channel.OnToolsChanged(func() { r.markDirty(KindTools) })
		r.channel.OnResourcesChanged(func() { r.markDirty(KindResources) })
		r.channel.OnPromptsChanged(func() { r.markDirty(KindPrompts) })

		for _, k := range Kinds() {
			r.wg.Add(1)
			go r.worker(ctx, k)
		}
	})
}

func (r *Registry) markDirty(k Kind) {
	select {
	case r.slot(k).signal <- struct{}{}:
	default:
	}
}

func (r *Registry) worker(ctx context.Context, k Kind) {
	defer r.wg.Done()
	s := r.slot(k)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-s.signal:
			r.logger.Debug("capability list changed", "kind", k)
			r.Refresh(ctx, k)
		}
	}
}

// Close stops the refresh workers and waits for them to exit.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

// Initialize refreshes all kinds concurrently and returns once every
// attempt has finished, successfully or not.
func (r *Registry) Initialize(ctx context.Context) {
	var wg sync.WaitGroup
	for _, k := range Kinds() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Refresh(ctx, k)
		}()
	}
	wg.Wait()
}

// Refresh fetches one kind from the channel and replaces its snapshot.
// On failure the previous snapshot stays in place; the error is logged
// and recorded in Status, never returned.
func (r *Registry) Refresh(ctx context.Context, k Kind) {
	s := r.slot(k)
	s.writer.Lock()
	defer s.writer.Unlock()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	next, err := r.fetch(ctx, k)
	if err != nil {
		s.lastErr.Store(&err)
		prev := s.snap.Load()
		r.logger.Warn("capability refresh failed; keeping previous list",
			"kind", k,
			"error", err,
			"stale_generation", prev.Generation,
		)
		r.bus.Emit(events.SourceRegistry, events.KindRefreshFailed, map[string]any{
			"kind":  string(k),
			"error": err.Error(),
		})
		return
	}

	prev := s.snap.Load()
	next.Kind = k
	next.Generation = prev.Generation + 1
	next.RefreshedAt = r.now()
	s.snap.Store(next)
	s.lastErr.Store(nil)

	r.logger.Debug("capabilities refreshed",
		"kind", k,
		"count", len(next.Items),
		"templates", len(next.Templates),
		"generation", next.Generation,
	)
	r.bus.Emit(events.SourceRegistry, events.KindCapabilitiesRefreshed, map[string]any{
		"kind":  string(k),
		"count": len(next.Items),
	})
}

func (r *Registry) fetch(ctx context.Context, k Kind) (*Snapshot, error) {
	switch k {
	case KindTools:
		tools, err := r.channel.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Items: tools, schemas: compileSchemas(tools, r.logger)}, nil
	case KindResources:
		resources, templates, err := r.channel.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Items: resources, Templates: templates}, nil
	case KindPrompts:
		prompts, err := r.channel.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Items: prompts}, nil
	}
	return nil, fmt.Errorf("unknown capability kind %q", k)
}

// Snapshot returns the current snapshot of kind k.
func (r *Registry) Snapshot(k Kind) *Snapshot {
	return r.slot(k).snap.Load()
}

// Get returns the current collection of kind k. The slice belongs to
// the snapshot; a later refresh swaps in a new slice rather than
// mutating this one.
func (r *Registry) Get(k Kind) []Capability {
	return r.Snapshot(k).Items
}

// Status reports the last refresh outcome for kind k.
func (r *Registry) Status(k Kind) Status {
	s := r.slot(k)
	snap := s.snap.Load()
	st := Status{Generation: snap.Generation, RefreshedAt: snap.RefreshedAt}
	if p := s.lastErr.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

// Tools returns the current tools.
func (r *Registry) Tools() []Capability { return r.Get(KindTools) }

// Resources returns the current resources.
func (r *Registry) Resources() []Capability { return r.Get(KindResources) }

// Templates returns the current resource templates.
func (r *Registry) Templates() []Capability { return r.Snapshot(KindResources).Templates }

// Prompts returns the current prompts.
func (r *Registry) Prompts() []Capability { return r.Get(KindPrompts) }

// Tool looks up a tool by name in the current snapshot.
func (r *Registry) Tool(name string) (Capability, bool) {
	for _, t := range r.Tools() {
		if t.Name == name {
			return t, true
		}
	}
	return Capability{}, false
}

// Descriptors converts the current tools into model tool descriptors.
// A missing description becomes "Tool: <name>" and a missing schema an
// empty object schema.
func (r *Registry) Descriptors() []llm.Tool {
	tools := r.Tools()
	out := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		desc := t.Description
		if desc == "" {
			desc = "Tool: " + t.Name
		}
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.Tool{
			Name:        t.Name,
			Description: desc,
			InputSchema: schema,
		})
	}
	return out
}

// ValidateArguments checks args against the named tool's input schema.
// Tools that are unknown or have no usable schema always pass.
func (r *Registry) ValidateArguments(name string, args map[string]any) error {
	schema, ok := r.Snapshot(KindTools).schemas[name]
	if !ok {
		return nil
	}
	v, err := normalize(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
