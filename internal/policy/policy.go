// Package policy decides whether a requested tool invocation may run.
// Every request passes a per-tool rate window first and, if the tool's
// policy says so, an approval step second. The rate check always runs
// before approval, so a rate-limited call is denied without ever
// prompting.
package policy

import (
	"maps"
	"time"

	"github.com/nugget/tether/internal/config"
)

// DefaultWindow is the length of one rate window.
const DefaultWindow = 60 * time.Second

// Policy is the rule applied to one tool name.
type Policy struct {
	RequiresApproval  bool `json:"requires_approval"`
	MaxCallsPerWindow int  `json:"max_calls_per_window"`
}

// DefaultPolicy applies to any tool without an explicit entry.
var DefaultPolicy = Policy{RequiresApproval: true, MaxCallsPerWindow: 10}

// Table maps tool names to policies. Lookup is total: names without
// an override resolve to Default.
type Table struct {
	Default   Policy
	Overrides map[string]Policy
}

// NewTable returns a table with the given default and overrides. The
// overrides map is copied.
func NewTable(def Policy, overrides map[string]Policy) Table {
	return Table{Default: def, Overrides: maps.Clone(overrides)}
}

// Lookup returns the policy for name.
func (t Table) Lookup(name string) Policy {
	if p, ok := t.Overrides[name]; ok {
		return p
	}
	return t.Default
}

// TableFromConfig builds a table from the policy config section. Rules
// that leave a field unset inherit it from the default rule.
func TableFromConfig(cfg config.PolicyConfig) Table {
	def := DefaultPolicy
	if cfg.Default.RequiresApproval != nil {
		def.RequiresApproval = *cfg.Default.RequiresApproval
	}
	if cfg.Default.MaxCallsPerWindow > 0 {
		def.MaxCallsPerWindow = cfg.Default.MaxCallsPerWindow
	}

	overrides := make(map[string]Policy, len(cfg.Tools))
	for name, rule := range cfg.Tools {
		p := def
		if rule.RequiresApproval != nil {
			p.RequiresApproval = *rule.RequiresApproval
		}
		if rule.MaxCallsPerWindow > 0 {
			p.MaxCallsPerWindow = rule.MaxCallsPerWindow
		}
		overrides[name] = p
	}
	return Table{Default: def, Overrides: overrides}
}
