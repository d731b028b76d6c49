package capability

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/tether/internal/mcp"
)

// scriptedTransport answers each method with a fixed result or error.
type scriptedTransport struct {
	mu      sync.Mutex
	results map[string]any
	errs    map[string]*mcp.RPCError
	calls   []*mcp.Request
	handler mcp.NotificationHandler
}

func newScriptedTransport() *scriptedTransport {
	return &scriptedTransport{
		results: make(map[string]any),
		errs:    make(map[string]*mcp.RPCError),
	}
}

func (s *scriptedTransport) Send(_ context.Context, req *mcp.Request) (*mcp.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	resp := &mcp.Response{JSONRPC: "2.0", ID: req.ID}
	if e, ok := s.errs[req.Method]; ok {
		resp.Error = e
		return resp, nil
	}
	result, ok := s.results[req.Method]
	if !ok {
		return nil, errors.New("no scripted result for " + req.Method)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	resp.Result = raw
	return resp, nil
}

func (s *scriptedTransport) Notify(context.Context, *mcp.Notification) error { return nil }
func (s *scriptedTransport) Close() error                                   { return nil }

func (s *scriptedTransport) SetNotificationHandler(h mcp.NotificationHandler) {
	s.handler = h
}

func (s *scriptedTransport) lastCall() *mcp.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

func newTestChannel(st *scriptedTransport) *MCPChannel {
	return NewMCPChannel(mcp.NewClient("test", st, nil), nil)
}

func TestMCPChannel_ListTools(t *testing.T) {
	st := newScriptedTransport()
	st.results["tools/list"] = map[string]any{
		"tools": []any{
			map[string]any{
				"name":        "read-data",
				"description": "Read a record",
				"inputSchema": map[string]any{"type": "object"},
			},
		},
	}
	ch := newTestChannel(st)

	tools, err := ch.ListTools(t.Context())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "read-data", tools[0].Name)
	assert.Equal(t, "Read a record", tools[0].Description)
	assert.Equal(t, "object", tools[0].InputSchema["type"])
}

func TestMCPChannel_MethodNotFoundIsEmpty(t *testing.T) {
	st := newScriptedTransport()
	notFound := &mcp.RPCError{Code: mcp.CodeMethodNotFound, Message: "Method not found"}
	st.errs["tools/list"] = notFound
	st.errs["prompts/list"] = notFound
	st.errs["resources/templates/list"] = notFound
	st.results["resources/list"] = map[string]any{
		"resources": []any{map[string]any{"uri": "file:///a", "name": "a", "mimeType": "text/plain"}},
	}
	ch := newTestChannel(st)

	tools, err := ch.ListTools(t.Context())
	require.NoError(t, err)
	assert.Empty(t, tools)

	prompts, err := ch.ListPrompts(t.Context())
	require.NoError(t, err)
	assert.Empty(t, prompts)

	resources, templates, err := ch.ListResources(t.Context())
	require.NoError(t, err)
	require.Len(t, resources, 1)
	assert.Equal(t, "file:///a", resources[0].URI)
	assert.Equal(t, "text/plain", resources[0].MIMEType)
	assert.Empty(t, templates)
}

func TestMCPChannel_OtherErrorsPropagate(t *testing.T) {
	st := newScriptedTransport()
	st.errs["tools/list"] = &mcp.RPCError{Code: mcp.CodeInternalError, Message: "boom"}
	ch := newTestChannel(st)

	_, err := ch.ListTools(t.Context())
	assert.Error(t, err)
}

func TestMCPChannel_ListPromptsArguments(t *testing.T) {
	st := newScriptedTransport()
	st.results["prompts/list"] = map[string]any{
		"prompts": []any{map[string]any{
			"name": "summarize",
			"arguments": []any{
				map[string]any{"name": "text", "required": true},
				map[string]any{"name": "style"},
			},
		}},
	}
	ch := newTestChannel(st)

	prompts, err := ch.ListPrompts(t.Context())
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, []Argument{
		{Name: "text", Required: true},
		{Name: "style"},
	}, prompts[0].Arguments)
}

func TestMCPChannel_Execute(t *testing.T) {
	tests := []struct {
		name   string
		result any
		want   Result
	}{
		{
			name: "first text block",
			result: map[string]any{"content": []any{
				map[string]any{"type": "image", "mimeType": "image/png"},
				map[string]any{"type": "text", "text": "first"},
				map[string]any{"type": "text", "text": "second"},
			}},
			want: Result{Text: "first", HasText: true},
		},
		{
			name:   "error flag",
			result: map[string]any{"isError": true, "content": []any{map[string]any{"type": "text", "text": "no such file"}}},
			want:   Result{IsError: true, Text: "no such file", HasText: true},
		},
		{
			name:   "no content",
			result: map[string]any{"content": []any{}},
			want:   Result{},
		},
		{
			name:   "malformed content",
			result: map[string]any{"content": "oops"},
			want:   Result{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newScriptedTransport()
			st.results["tools/call"] = tt.result
			ch := newTestChannel(st)

			got, err := ch.Execute(t.Context(), "read-data", map[string]any{"id": "7"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)

			params, ok := st.lastCall().Params.(map[string]any)
			require.True(t, ok)
			assert.Equal(t, "read-data", params["name"])
			assert.Equal(t, map[string]any{"id": "7"}, params["arguments"])
		})
	}
}

func TestMCPChannel_ExecuteFailure(t *testing.T) {
	st := newScriptedTransport()
	st.errs["tools/call"] = &mcp.RPCError{Code: mcp.CodeInvalidParams, Message: "bad args"}
	ch := newTestChannel(st)

	_, err := ch.Execute(t.Context(), "read-data", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad args")
}

func TestMCPChannel_NotificationsReachRegistry(t *testing.T) {
	st := newScriptedTransport()
	st.results["tools/list"] = map[string]any{"tools": []any{map[string]any{"name": "a"}}}
	st.results["resources/list"] = map[string]any{"resources": []any{}}
	st.results["resources/templates/list"] = map[string]any{"resourceTemplates": []any{}}
	st.results["prompts/list"] = map[string]any{"prompts": []any{}}

	r := NewRegistry(newTestChannel(st))
	r.Start(t.Context())
	defer r.Close()
	r.Initialize(t.Context())
	require.Len(t, r.Tools(), 1)

	st.mu.Lock()
	st.results["tools/list"] = map[string]any{"tools": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}}}
	st.mu.Unlock()

	require.NotNil(t, st.handler)
	st.handler(mcp.NotifyToolsChanged, nil)

	assert.Eventually(t, func() bool { return len(r.Tools()) == 2 }, testWait, testTick)
}
