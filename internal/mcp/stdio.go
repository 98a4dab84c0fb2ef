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

// stopGrace is how long a subprocess gets to exit after its stdin is
// closed before it is killed.
const stopGrace = 5 * time.Second

// StdioConfig configures a subprocess MCP server speaking
// newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	Command string
	Args    []string

	// Env holds extra KEY=VALUE pairs appended to the current
	// environment.
	Env []string

	Logger *slog.Logger
}

// StdioTransport talks to an MCP server subprocess. The process is
// started lazily on first use and lives until Close or a write failure.
type StdioTransport struct {
	config StdioConfig
	logger *slog.Logger

	mu   sync.Mutex
	proc *stdioProc

	sessions atomic.Uint64
}

// stdioProc is one running subprocess. Its stdout is pumped line by
// line into lines by a single goroutine.
type stdioProc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan readResult
	done  chan struct{}
}

type readResult struct {
	line []byte
	err  error
}

// NewStdioTransport creates a stdio transport. Nothing is launched
// until the first Send or Notify.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{config: cfg, logger: logger}
}

// start launches the subprocess if needed. The process is not tied to
// any request context. Caller must hold t.mu.
func (t *StdioTransport) start() error {
	if t.proc != nil {
		return nil
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
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start subprocess %s: %w", t.config.Command, err)
	}

	p := &stdioProc{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan readResult, 16),
		done:  make(chan struct{}),
	}
	go p.pump(stdout)
	go t.drainStderr(stderr)

	t.proc = p
	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)
	return nil
}

// pump forwards stdout lines until the stream ends or the process is
// torn down.
func (p *stdioProc) pump(r io.Reader) {
	br := bufio.NewReaderSize(r, 1<<20)
	for {
		line, err := br.ReadBytes('\n')
		res := readResult{line: line}
		if err != nil {
			res = readResult{err: err}
		}
		select {
		case p.lines <- res:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// write sends one JSON message followed by a newline. Caller must hold
// t.mu.
func (t *StdioTransport) write(v any) error {
	if err := t.start(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.proc.stdin.Write(append(data, '\n')); err != nil {
		t.teardown()
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

// Send writes a request and reads stdout until the matching response
// arrives. Log output, notifications and replies to abandoned requests
// are skipped. Cancelling ctx abandons the wait but leaves the
// subprocess running; a late reply is discarded by id.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.write(req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug("abandoned MCP request", "id", req.ID, "method", req.Method)
			return nil, ctx.Err()
		case res := <-t.proc.lines:
			if res.err != nil {
				t.teardown()
				if errors.Is(res.err, io.EOF) {
					return nil, errors.New("MCP subprocess closed stdout")
				}
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			line := bytes.TrimSpace(res.line)
			if len(line) == 0 {
				continue
			}
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
				continue
			}
			if resp.answers(req.ID) {
				return &resp, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID, "method", resp.Method)
		}
	}
}

// Notify writes a notification.
func (t *StdioTransport) Notify(_ context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(notif)
}

// Close stops the subprocess: stdin is closed, and the process is killed
// if it has not exited within a grace period.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.proc
	if p == nil {
		return nil
	}
	t.proc = nil
	close(p.done)

	t.logger.Info("stopping MCP subprocess", "pid", p.cmd.Process.Pid)
	p.stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Servers commonly exit non-zero when stdin closes.
			t.logger.Debug("MCP subprocess exited", "status", exitErr.ExitCode())
			return nil
		}
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("MCP subprocess did not exit gracefully, killing", "pid", p.cmd.Process.Pid)
		_ = p.cmd.Process.Kill()
		<-exited
		return nil
	}
}

// Session counts the subprocesses discarded after I/O failures.
func (t *StdioTransport) Session() uint64 {
	return t.sessions.Load()
}

// teardown kills the subprocess after an I/O failure so the next call
// starts a fresh one. Caller must hold t.mu.
func (t *StdioTransport) teardown() {
	p := t.proc
	if p == nil {
		return
	}
	t.proc = nil
	t.sessions.Add(1)
	close(p.done)
	p.stdin.Close()
	_ = p.cmd.Process.Kill()
	_ = p.cmd.Wait()
}
