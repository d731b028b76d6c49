package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTransportClosed is returned for requests that were in flight when
// the subprocess exited or the transport was closed.
var ErrTransportClosed = errors.New("mcp: transport closed")

// StdioConfig configures a stdio MCP transport that communicates with
// a subprocess over stdin/stdout using newline-delimited JSON-RPC.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments passed to the executable.
	Args []string

	// Env are additional environment variables for the subprocess
	// (format: "KEY=VALUE"). These are appended to the current
	// process environment.
	Env []string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
//
// A single reader goroutine per subprocess owns stdout. It hands
// responses to the waiting Send call by request ID and passes
// notifications to the handler, so notifications that arrive between
// requests are not lost. Writes and process lifecycle are serialized
// by sem, which (unlike a mutex) can be acquired with a context.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	sem    chan struct{}
	starts atomic.Uint64

	// Guarded by sem.
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}

	mu      sync.Mutex
	pending map[int64]chan *Response
	handler NotificationHandler
}

// NewStdioTransport creates a stdio transport for the given config.
// The subprocess is not started until the first Send or Notify call.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:  cfg,
		logger:  logger,
		sem:     make(chan struct{}, 1),
		pending: make(map[int64]chan *Response),
	}
}

// SetNotificationHandler installs the handler for server notifications.
func (t *StdioTransport) SetNotificationHandler(h NotificationHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// acquire takes the write/lifecycle slot or gives up when ctx ends.
func (t *StdioTransport) acquire(ctx context.Context) error {
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	// Both cases may be ready at once; never proceed on a dead context.
	if err := ctx.Err(); err != nil {
		t.release()
		return err
	}
	return nil
}

func (t *StdioTransport) release() {
	<-t.sem
}

// running reports whether the current subprocess is alive. Caller must
// hold sem.
func (t *StdioTransport) running() bool {
	if t.cmd == nil {
		return false
	}
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// start launches the subprocess if it is not already running. The
// subprocess outlives individual request contexts and is only
// terminated by Close or a failed write. Caller must hold sem.
func (t *StdioTransport) start() error {
	if t.running() {
		return nil
	}
	if t.cmd != nil {
		t.cleanup()
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}

	// Stderr is diagnostics only, not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.exited = make(chan struct{})
	t.starts.Add(1)

	go t.readLoop(bufio.NewReaderSize(stdout, 1<<20), t.exited)
	go t.drainStderr(stderrPipe)

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// Starts returns how many times the subprocess has been launched. A
// change means the server lost its session state and must be
// initialized again.
func (t *StdioTransport) Starts() uint64 {
	return t.starts.Load()
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readLoop owns stdout for one subprocess. When stdout ends every
// pending request fails with [ErrTransportClosed].
func (t *StdioTransport) readLoop(r *bufio.Reader, exited chan struct{}) {
	defer close(exited)
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			t.dispatch(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				t.logger.Warn("MCP subprocess stdout read failed", "error", err)
			}
			t.failPending()
			return
		}
	}
}

// dispatch classifies one inbound line.
func (t *StdioTransport) dispatch(line []byte) {
	var msg message
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Debug("skipping non-JSON line from MCP subprocess",
			"line", string(line),
		)
		return
	}

	switch msg.kind() {
	case kindResponse:
		resp, ok := msg.response()
		if !ok {
			t.logger.Debug("skipping response with foreign id", "id", string(msg.ID))
			return
		}
		t.mu.Lock()
		ch, found := t.pending[resp.ID]
		delete(t.pending, resp.ID)
		t.mu.Unlock()
		if !found {
			t.logger.Debug("skipping unmatched MCP response", "id", resp.ID)
			return
		}
		ch <- resp

	case kindNotification:
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h(msg.Method, msg.Params)
		}

	case kindServerRequest:
		go t.answer(replyTo(&msg))

	default:
		t.logger.Debug("skipping unclassifiable MCP message", "line", string(line))
	}
}

// answer writes a reply to a server-initiated request.
func (t *StdioTransport) answer(r *reply) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.acquire(ctx); err != nil {
		return
	}
	defer t.release()
	if !t.running() {
		return
	}
	if err := t.write(r); err != nil {
		t.logger.Debug("failed to answer server request", "error", err)
	}
}

func (t *StdioTransport) failPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
}

// write marshals v and writes it with a newline delimiter. Caller must
// hold sem.
func (t *StdioTransport) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Send writes a JSON-RPC request to stdin and waits for the reader
// goroutine to deliver the response with the matching ID. Context
// cancellation abandons the wait without disturbing the subprocess.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	if err := t.acquire(ctx); err != nil {
		return nil, err
	}

	if err := t.start(); err != nil {
		t.release()
		return nil, err
	}

	ch := make(chan *Response, 1)
	t.mu.Lock()
	t.pending[req.ID] = ch
	t.mu.Unlock()

	if err := t.write(req); err != nil {
		t.forget(req.ID)
		t.cleanup()
		t.release()
		return nil, err
	}
	t.release()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: %w", req.Method, ErrTransportClosed)
		}
		return resp, nil
	case <-ctx.Done():
		t.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (t *StdioTransport) forget(id int64) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Notify sends a JSON-RPC notification over stdin. No response is expected.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	if err := t.acquire(ctx); err != nil {
		return err
	}
	defer t.release()

	if err := t.start(); err != nil {
		return err
	}

	if err := t.write(notif); err != nil {
		t.cleanup()
		return fmt.Errorf("notification %s: %w", notif.Method, err)
	}
	return nil
}

// Close terminates the subprocess and releases resources. It waits for
// any in-progress write to finish first.
func (t *StdioTransport) Close() error {
	if err := t.acquire(context.Background()); err != nil {
		return err
	}
	defer t.release()

	return t.stop()
}

// stop terminates the subprocess. Caller must hold sem.
func (t *StdioTransport) stop() error {
	if t.cmd == nil || t.cmd.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP subprocess", "pid", t.cmd.Process.Pid)

	// Closing stdin asks the server to exit.
	if t.stdin != nil {
		t.stdin.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing",
			"pid", t.cmd.Process.Pid,
		)
		_ = t.cmd.Process.Kill()
		<-done
	}

	t.cmd = nil
	t.stdin = nil
	return err
}

// cleanup kills the process after a failure. Caller must hold sem.
func (t *StdioTransport) cleanup() {
	if t.stdin != nil {
		t.stdin.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
		_ = t.cmd.Wait()
	}
	t.cmd = nil
	t.stdin = nil
}
