// Package capability keeps the live set of tools, resources and prompts
// a capability server exposes. Each kind is held as an immutable
// snapshot that is replaced wholesale on refresh, so readers never see
// a partially updated list.
package capability

import (
	"context"
	"fmt"
)

// Kind names one of the three capability collections.
type Kind string

// Capability kinds.
const (
	KindTools     Kind = "tools"
	KindResources Kind = "resources"
	KindPrompts   Kind = "prompts"
)

// Kinds lists every kind in a fixed order.
func Kinds() []Kind {
	return []Kind{KindTools, KindResources, KindPrompts}
}

// ParseKind converts a name to a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindTools, KindResources, KindPrompts:
		return k, nil
	}
	return "", fmt.Errorf("unknown capability kind %q (valid: tools, resources, prompts)", s)
}

func (k Kind) index() int {
	switch k {
	case KindTools:
		return 0
	case KindResources:
		return 1
	case KindPrompts:
		return 2
	}
	return -1
}

// Capability is one named entry a server exposes. Which of the
// optional fields are set depends on the collection it belongs to.
type Capability struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`

	// Resources and resource templates.
	URI         string `json:"uri,omitempty"`
	URITemplate string `json:"uri_template,omitempty"`
	MIMEType    string `json:"mime_type,omitempty"`

	// Prompts.
	Arguments []Argument `json:"arguments,omitempty"`
}

// Argument is one prompt argument.
type Argument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Result is the outcome of executing a tool. HasText is false when the
// server returned no text content at all.
type Result struct {
	IsError bool
	Text    string
	HasText bool
}

// Channel is the capability server as seen by the registry.
type Channel interface {
	ListTools(ctx context.Context) ([]Capability, error)
	ListResources(ctx context.Context) (resources, templates []Capability, err error)
	ListPrompts(ctx context.Context) ([]Capability, error)

	// The callbacks run on the channel's delivery path and must not
	// block.
	OnToolsChanged(fn func())
	OnResourcesChanged(fn func())
	OnPromptsChanged(fn func())
}

// Executor runs a named tool.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (*Result, error)
}
