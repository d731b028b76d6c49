// Tether connects a language model to an MCP capability server. Every
// tool call the model asks for passes through a policy gate (rate
// limits and human approval) before it reaches the server.
//
// Configuration is loaded from a single YAML or TOML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tether chat                      Interactive conversation
//	tether ask <question>            One conversation, print the answer
//	tether capabilities              List what the server exposes
//	tether usage [duration]          Token usage and tool call totals
//	tether version                   Print version and build information
//	tether init [dir]                Write an example config into dir
//	tether ask <q> -- server args    Override mcp.command for this run
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/config"
)

// main builds the OS-level environment and delegates to [run], keeping
// os.Exit and the standard streams out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// invocation is the parsed command line.
type invocation struct {
	configPath string
	outputFmt  string
	command    string
	args       []string
	verbose    bool

	// serverCmd replaces mcp.command and mcp.args when non-empty.
	serverCmd []string
}

// parseArgs parses args by hand. The flag package's global state would
// keep run from being called concurrently in tests.
func parseArgs(args []string) (*invocation, error) {
	inv := &invocation{}

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--":
			inv.serverCmd = args[i+1:]
			if len(inv.serverCmd) == 0 {
				return nil, fmt.Errorf("missing server command after --")
			}
			i = len(args)
		case args[i] == "-config" && i+1 < len(args):
			inv.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			inv.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			inv.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			inv.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			inv.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-v" || args[i] == "--verbose":
			inv.verbose = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			inv.command = "help"
		case !strings.HasPrefix(args[i], "-") && inv.command == "":
			inv.command = args[i]
		default:
			if inv.command == "" {
				return nil, fmt.Errorf("unknown flag: %s", args[i])
			}
			inv.args = append(inv.args, args[i])
		}
	}

	if inv.outputFmt == "" {
		inv.outputFmt = "text"
	}
	if inv.outputFmt != "text" && inv.outputFmt != "json" {
		return nil, fmt.Errorf("unknown output format: %q (expected text or json)", inv.outputFmt)
	}
	return inv, nil
}

// run is the real entry point. It returns nil on success and an error
// for any failure; main prints the error and exits 1.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	inv, err := parseArgs(args)
	if err != nil {
		return err
	}

	env := &environment{
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		inv:    inv,
	}

	switch inv.command {
	case "chat":
		return env.withApp(ctx, true, runChat)
	case "ask":
		if len(inv.args) == 0 {
			return fmt.Errorf("usage: tether ask <question>")
		}
		return env.withApp(ctx, false, runAsk)
	case "capabilities":
		return env.withApp(ctx, false, runCapabilities)
	case "usage":
		return runUsage(env)
	case "version":
		return runVersion(stdout, inv.outputFmt)
	case "init":
		dir := "."
		if len(inv.args) > 0 {
			dir = inv.args[0]
		}
		return runInit(stdout, dir)
	case "", "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", inv.command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tether - policy-gated tool calling for MCP servers")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tether [flags] <command> [args] [-- server command...]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat             Interactive conversation (exit or EOF quits)")
	fmt.Fprintln(w, "  ask <question>   Run one conversation and print the answer")
	fmt.Fprintln(w, "  capabilities     List tools, resources, templates and prompts")
	fmt.Fprintln(w, "  usage [since]    Token usage and tool calls (default: last 24h)")
	fmt.Fprintln(w, "  init [dir]       Create a workspace with an example config")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -v, --verbose     Log at debug level and trace every event")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration file. A
// server command given after -- replaces the configured one.
func loadConfig(inv *invocation) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(inv.configPath)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if len(inv.serverCmd) > 0 {
		cfg.MCP.Command = inv.serverCmd[0]
		cfg.MCP.Args = inv.serverCmd[1:]
		cfg.MCP.URL = ""
	}

	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
