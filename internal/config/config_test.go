package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeFile(t, "custom.yaml", "log_level: debug\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	if _, err := FindConfig("/nonexistent/tether.yaml"); err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tether.yaml"), []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "tether.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "tether.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "tether.yaml", "mcp:\n  command: ./server\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Policy.Window != 60*time.Second {
		t.Errorf("Window = %s, want 60s", cfg.Policy.Window)
	}
	if cfg.Policy.Default.RequiresApproval == nil || !*cfg.Policy.Default.RequiresApproval {
		t.Error("default policy should require approval")
	}
	if cfg.Policy.Default.MaxCallsPerWindow != 10 {
		t.Errorf("default MaxCallsPerWindow = %d, want 10", cfg.Policy.Default.MaxCallsPerWindow)
	}
	if got := cfg.Policy.Tools["execute-command"].MaxCallsPerWindow; got != 2 {
		t.Errorf("execute-command MaxCallsPerWindow = %d, want 2", got)
	}
	if rd := cfg.Policy.Tools["read-data"].RequiresApproval; rd == nil || *rd {
		t.Error("read-data should not require approval")
	}
	if cfg.Anthropic.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %d, want 1024", cfg.Anthropic.MaxTokens)
	}
	if cfg.Conversation.MaxTurns == nil || *cfg.Conversation.MaxTurns != 25 {
		t.Errorf("MaxTurns = %v, want 25", cfg.Conversation.MaxTurns)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_ExplicitToolsReplaceDefaults(t *testing.T) {
	path := writeFile(t, "tether.yaml", `
mcp:
  command: ./server
policy:
  window: 30s
  tools:
    deploy:
      requires_approval: true
      max_calls_per_window: 1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Policy.Window != 30*time.Second {
		t.Errorf("Window = %s, want 30s", cfg.Policy.Window)
	}
	if len(cfg.Policy.Tools) != 1 {
		t.Fatalf("got %d tool rules, want 1", len(cfg.Policy.Tools))
	}
	if _, ok := cfg.Policy.Tools["file-write"]; ok {
		t.Error("built-in rules should be replaced by an explicit tools table")
	}
}

func TestLoad_ExplicitZeroMaxTurns(t *testing.T) {
	path := writeFile(t, "tether.yaml", "mcp:\n  command: ./server\nconversation:\n  max_turns: 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conversation.MaxTurns == nil || *cfg.Conversation.MaxTurns != 0 {
		t.Errorf("MaxTurns = %v, want explicit 0", cfg.Conversation.MaxTurns)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TETHER_TEST_KEY", "sk-test-123")
	path := writeFile(t, "tether.yaml", "anthropic:\n  api_key: ${TETHER_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-test-123")
	}
}

func TestLoad_APIKeyFallsBackToEnvironment(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	path := writeFile(t, "tether.yaml", "mcp:\n  url: http://localhost:9000/mcp\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Anthropic.APIKey != "sk-env" {
		t.Errorf("api_key = %q, want %q", cfg.Anthropic.APIKey, "sk-env")
	}
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "tether.toml", `
log_level = "debug"

[mcp]
command = "node"
args = ["server.js"]

[policy]
window = "2m"
approval = "line"

[policy.tools.read-data]
requires_approval = false
max_calls_per_window = 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.MCP.Command != "node" || len(cfg.MCP.Args) != 1 {
		t.Errorf("MCP = %+v, want node server.js", cfg.MCP)
	}
	if cfg.Policy.Window != 2*time.Minute {
		t.Errorf("Window = %s, want 2m", cfg.Policy.Window)
	}
	if cfg.Policy.Approval != ApprovalLine {
		t.Errorf("Approval = %q, want line", cfg.Policy.Approval)
	}
	if got := cfg.Policy.Tools["read-data"].MaxCallsPerWindow; got != 50 {
		t.Errorf("read-data MaxCallsPerWindow = %d, want 50", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no server", func(c *Config) {}, "one of command or url"},
		{"both servers", func(c *Config) { c.MCP.Command = "x"; c.MCP.URL = "http://x" }, "mutually exclusive"},
		{"bad approval", func(c *Config) { c.MCP.Command = "x"; c.Policy.Approval = "maybe" }, "policy.approval"},
		{"redis without addr", func(c *Config) { c.MCP.Command = "x"; c.Policy.RateStore.Backend = RateStoreRedis }, "redis_addr"},
		{"sqlite without database", func(c *Config) { c.MCP.Command = "x"; c.Policy.RateStore.Backend = RateStoreSQLite }, "rate_store.database"},
		{"unknown backend", func(c *Config) { c.MCP.Command = "x"; c.Policy.RateStore.Backend = "etcd" }, "rate_store.backend"},
		{"negative window", func(c *Config) { c.MCP.Command = "x"; c.Policy.Window = -time.Second }, "policy.window"},
		{"bad level", func(c *Config) { c.MCP.Command = "x"; c.LogLevel = "loud" }, "unknown log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_TraceName(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(&buf, "trace", "text")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Log(t.Context(), LevelTrace, "wire")

	if !strings.Contains(buf.String(), "level=TRACE") {
		t.Errorf("log output %q does not render TRACE", buf.String())
	}
}
