package policy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
)

// Request is what an approver is asked about.
type Request struct {
	Name      string
	Arguments map[string]any
	Policy    Policy
}

// Approver makes the human decision for calls that require approval.
// A false result with a nil error is a denial; an error means no
// decision could be obtained.
type Approver interface {
	Approve(ctx context.Context, req Request) (bool, error)
}

// ApproverFunc adapts a function to [Approver].
type ApproverFunc func(ctx context.Context, req Request) (bool, error)

// Approve implements [Approver].
func (f ApproverFunc) Approve(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}

// StaticApprover returns the same answer every time.
type StaticApprover bool

// Approve implements [Approver].
func (s StaticApprover) Approve(context.Context, Request) (bool, error) {
	return bool(s), nil
}

// FormatArguments pretty-prints arguments for display.
func FormatArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

// LineApprover prompts on a line-oriented stream and reads one answer
// line. Only "y" (any case) approves; empty input and EOF deny.
type LineApprover struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLineApprover reads answers from in and writes prompts to out. A
// *bufio.Reader is used as is so it can be shared with other readers
// of the same stream.
func NewLineApprover(in io.Reader, out io.Writer) *LineApprover {
	br, ok := in.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(in)
	}
	return &LineApprover{in: br, out: out}
}

var (
	promptHeader = color.New(color.FgYellow, color.Bold)
	promptName   = color.New(color.FgCyan)
)

// Approve implements [Approver].
func (a *LineApprover) Approve(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	promptHeader.Fprint(a.out, "\nTool call requested: ")
	promptName.Fprintln(a.out, req.Name)
	fmt.Fprintf(a.out, "Arguments: %s\n", FormatArguments(req.Arguments))
	fmt.Fprint(a.out, "Approve? (y/n): ")

	line, err := a.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read approval: %w", err)
	}
	if errors.Is(err, io.EOF) && line == "" {
		fmt.Fprintln(a.out)
	}
	return strings.EqualFold(strings.TrimSpace(line), "y"), nil
}

// TerminalApprover shows an interactive yes/no form on the controlling
// terminal.
type TerminalApprover struct{}

// NewTerminalApprover creates a TerminalApprover.
func NewTerminalApprover() *TerminalApprover {
	return &TerminalApprover{}
}

// IsInteractive reports whether stdin is a terminal.
func (a *TerminalApprover) IsInteractive() bool {
	fi, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// Approve implements [Approver]. Aborting the form (ctrl-c or esc)
// counts as a denial.
func (a *TerminalApprover) Approve(ctx context.Context, req Request) (bool, error) {
	const (
		optionYes = "Yes, run it"
		optionNo  = "No, deny"
	)

	var selection string
	field := huh.NewSelect[string]().
		Title(fmt.Sprintf("Allow tool call %q?", req.Name)).
		Description(FormatArguments(req.Arguments)).
		Options(
			huh.NewOption(optionYes, optionYes),
			huh.NewOption(optionNo, optionNo),
		).
		Value(&selection)

	err := huh.NewForm(huh.NewGroup(field)).RunWithContext(ctx)
	if errors.Is(err, huh.ErrUserAborted) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("approval prompt: %w", err)
	}
	return selection == optionYes, nil
}
