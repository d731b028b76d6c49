package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/capability"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/opstate"
	"github.com/nugget/tether/internal/policy"
	"github.com/nugget/tether/internal/usage"
)

var (
	promptColor  = color.New(color.FgGreen, color.Bold)
	modelColor   = color.New(color.FgWhite)
	toolColor    = color.New(color.FgCyan)
	deniedColor  = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	headingColor = color.New(color.Bold)
)

func printModelText(w io.Writer, text string) {
	modelColor.Fprintln(w, text)
}

// printInvocation reports one resolved tool request during chat.
func printInvocation(w io.Writer, inv agent.Invocation) {
	switch {
	case !inv.Executed():
		deniedColor.Fprintf(w, "[%s] denied (%s)\n", inv.Name, inv.Decision.Reason)
	case inv.IsError:
		errorColor.Fprintf(w, "[%s] failed in %s\n", inv.Name, inv.Duration.Round(time.Millisecond))
	default:
		toolColor.Fprintf(w, "[%s] ok in %s\n", inv.Name, inv.Duration.Round(time.Millisecond))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// askOutput is the JSON form of one conversation.
type askOutput struct {
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"text"`
	State          string             `json:"state"`
	Turns          int                `json:"turns"`
	InputTokens    int                `json:"input_tokens"`
	OutputTokens   int                `json:"output_tokens"`
	Invocations    []invocationOutput `json:"invocations"`
	History        []llm.Message      `json:"history"`
	Error          string             `json:"error,omitempty"`
}

type invocationOutput struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	IsError  bool   `json:"is_error"`
	Text     string `json:"text"`
	Duration string `json:"duration"`
}

func newAskOutput(res *agent.Result, err error) askOutput {
	out := askOutput{
		ConversationID: res.ConversationID,
		Text:           res.Text,
		State:          res.State.String(),
		Turns:          res.Turns,
		InputTokens:    res.InputTokens,
		OutputTokens:   res.OutputTokens,
		Invocations:    make([]invocationOutput, 0, len(res.Invocations)),
		History:        res.History,
	}
	for _, inv := range res.Invocations {
		out.Invocations = append(out.Invocations, invocationOutput{
			ID:       inv.ID,
			Name:     inv.Name,
			Allowed:  inv.Decision.Allowed,
			Reason:   string(inv.Decision.Reason),
			IsError:  inv.IsError,
			Text:     inv.Text,
			Duration: inv.Duration.String(),
		})
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// runAsk runs one conversation from the command arguments and prints
// the final text, or the whole result with -o json.
func runAsk(ctx context.Context, e *environment, a *app) error {
	question := strings.Join(e.inv.args, " ")

	res, err := a.loop.Ask(ctx, question)
	if e.inv.outputFmt == "json" && res != nil {
		if werr := writeJSON(e.stdout, newAskOutput(res, err)); werr != nil {
			return werr
		}
	} else if err == nil {
		fmt.Fprintln(e.stdout, res.Text)
	}
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return nil
}

// runChat reads user messages from stdin until "exit" or EOF, carrying
// the history from one conversation run to the next.
func runChat(ctx context.Context, e *environment, a *app) error {
	in := e.input()
	var history []llm.Message

	for {
		promptColor.Fprint(e.stdout, "> ")
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read input: %w", err)
		}
		eof := err != nil

		text := strings.TrimSpace(line)
		switch {
		case text == "exit" || text == "quit":
			return nil
		case text != "":
			history = append(history, llm.UserText(text))
			res, rerr := a.loop.Run(ctx, history)
			if res != nil {
				history = res.History
			}
			if rerr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				errorColor.Fprintf(e.stdout, "error: %v\n", rerr)
			}
		}

		if eof {
			fmt.Fprintln(e.stdout)
			return nil
		}
	}
}

// capabilitiesOutput is the JSON form of the registry contents.
type capabilitiesOutput struct {
	Server    string                  `json:"server"`
	Tools     []capability.Capability `json:"tools"`
	Resources []capability.Capability `json:"resources"`
	Templates []capability.Capability `json:"resource_templates"`
	Prompts   []capability.Capability `json:"prompts"`
}

func runCapabilities(_ context.Context, e *environment, a *app) error {
	out := capabilitiesOutput{
		Server:    a.client.Server().Name,
		Tools:     orEmpty(a.registry.Tools()),
		Resources: orEmpty(a.registry.Resources()),
		Templates: orEmpty(a.registry.Templates()),
		Prompts:   orEmpty(a.registry.Prompts()),
	}
	if e.inv.outputFmt == "json" {
		return writeJSON(e.stdout, out)
	}

	w := e.stdout
	fmt.Fprintf(w, "Server: %s %s\n", out.Server, a.client.Server().Version)

	section := func(title string, items []capability.Capability, detail func(capability.Capability) string) {
		fmt.Fprintln(w)
		headingColor.Fprintf(w, "%s (%d)\n", title, len(items))
		for _, c := range items {
			line := "  " + c.Name
			if d := detail(c); d != "" {
				line += "  " + d
			}
			fmt.Fprintln(w, line)
		}
	}

	section("Tools", out.Tools, func(c capability.Capability) string {
		tool := a.gate.Table().Lookup(c.Name)
		approval := "auto"
		if tool.RequiresApproval {
			approval = "approval"
		}
		return fmt.Sprintf("[%s, %d/%s] %s", approval, tool.MaxCallsPerWindow, a.gate.Window(), c.Description)
	})
	section("Resources", out.Resources, func(c capability.Capability) string { return c.URI })
	section("Resource templates", out.Templates, func(c capability.Capability) string { return c.URITemplate })
	section("Prompts", out.Prompts, func(c capability.Capability) string {
		args := make([]string, 0, len(c.Arguments))
		for _, arg := range c.Arguments {
			name := arg.Name
			if arg.Required {
				name += "*"
			}
			args = append(args, name)
		}
		if len(args) == 0 {
			return c.Description
		}
		return fmt.Sprintf("(%s) %s", strings.Join(args, ", "), c.Description)
	})

	for _, k := range capability.Kinds() {
		if st := a.registry.Status(k); st.LastError != nil {
			errorColor.Fprintf(w, "\n%s refresh failed: %v\n", k, st.LastError)
		}
	}
	return nil
}

func orEmpty(c []capability.Capability) []capability.Capability {
	if c == nil {
		return []capability.Capability{}
	}
	return c
}

// usageOutput is the JSON form of the usage report.
type usageOutput struct {
	Since   time.Time                     `json:"since"`
	Total   *usage.Summary                `json:"total"`
	ByModel map[string]*usage.Summary     `json:"by_model"`
	Tools   map[string]*usage.ToolSummary `json:"tools"`

	// Windows is only set for the sqlite rate store backend.
	Windows map[string]policy.Window `json:"rate_windows,omitempty"`
}

// runUsage reports the usage ledger. The optional argument is a
// duration to look back over (default 24h).
func runUsage(e *environment) error {
	since := 24 * time.Hour
	if len(e.inv.args) > 0 {
		d, err := time.ParseDuration(e.inv.args[0])
		if err != nil || d <= 0 {
			return fmt.Errorf("usage: tether usage [duration]: invalid duration %q", e.inv.args[0])
		}
		since = d
	}

	cfg, _, err := loadConfig(e.inv)
	if err != nil {
		return err
	}
	if cfg.Usage.Database == "" {
		return errors.New("usage.database is not configured")
	}

	store, err := usage.NewStore(cfg.Usage.Database, cfg.Usage.Pricing)
	if err != nil {
		return fmt.Errorf("open usage database: %w", err)
	}
	defer store.Close()

	end := time.Now()
	start := end.Add(-since)

	out := usageOutput{Since: start}
	if out.Total, err = store.Summary(start, end); err != nil {
		return err
	}
	if out.ByModel, err = store.SummaryByModel(start, end); err != nil {
		return err
	}
	if out.Tools, err = store.ToolSummary(start, end); err != nil {
		return err
	}
	if rs := cfg.Policy.RateStore; rs.Backend == config.RateStoreSQLite {
		st, err := opstate.NewStore(rs.Database)
		if err != nil {
			return fmt.Errorf("open rate store: %w", err)
		}
		defer st.Close()
		if out.Windows, err = policy.NewStateRateStore(st).Windows(); err != nil {
			return err
		}
	}

	if e.inv.outputFmt == "json" {
		return writeJSON(e.stdout, out)
	}

	w := e.stdout
	headingColor.Fprintf(w, "Usage since %s\n", start.Format(time.RFC3339))
	fmt.Fprintf(w, "  turns: %d  input: %d  output: %d  cost: $%.4f\n",
		out.Total.TotalRecords, out.Total.TotalInputTokens, out.Total.TotalOutputTokens, out.Total.TotalCostUSD)
	for _, model := range slices.Sorted(maps.Keys(out.ByModel)) {
		s := out.ByModel[model]
		fmt.Fprintf(w, "  %s: %d turns, $%.4f\n", model, s.TotalRecords, s.TotalCostUSD)
	}
	if len(out.Tools) > 0 {
		fmt.Fprintln(w)
		headingColor.Fprintln(w, "Tool calls")
		for _, name := range slices.Sorted(maps.Keys(out.Tools)) {
			s := out.Tools[name]
			fmt.Fprintf(w, "  %s: requested %d, allowed %d, denied %d, errors %d\n",
				name, s.Requested, s.Allowed, s.Denied, s.Errors)
		}
	}
	if len(out.Windows) > 0 {
		fmt.Fprintln(w)
		headingColor.Fprintf(w, "Rate windows (%s)\n", cfg.Policy.Window)
		for _, name := range slices.Sorted(maps.Keys(out.Windows)) {
			win := out.Windows[name]
			fmt.Fprintf(w, "  %s: %d calls since %s\n", name, win.Count, win.Start.Format(time.RFC3339))
		}
	}
	return nil
}
