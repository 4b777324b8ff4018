package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/zjrosen/biomcp/internal/log"
)

// DefaultCloseGrace is how long Close waits after SIGTERM before killing.
const DefaultCloseGrace = 5 * time.Second

const stderrTailLines = 100

// CommandFactoryFunc creates an exec.Cmd. Tests use it to substitute a helper
// process for the real server binary.
type CommandFactoryFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// ProcessConfig describes the child process that speaks MCP on its stdio.
type ProcessConfig struct {
	Command    string
	Args       []string
	Env        []string // KEY=VALUE, appended to os.Environ()
	WorkDir    string
	CloseGrace time.Duration
}

// ProcessOption configures StartProcess.
type ProcessOption func(*processOptions)

type processOptions struct {
	commandFactory CommandFactoryFunc
}

// WithCommandFactory overrides how the exec.Cmd is created.
func WithCommandFactory(fn CommandFactoryFunc) ProcessOption {
	return func(o *processOptions) {
		o.commandFactory = fn
	}
}

// ProcessTransport owns a child process and frames its stdout by newline.
type ProcessTransport struct {
	*StreamTransport

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	grace  time.Duration

	exited  chan struct{}
	waitErr error
	wg      sync.WaitGroup

	mu         sync.Mutex
	stderrTail []string

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*ProcessTransport)(nil)

// StartProcess spawns the configured command with piped stdio.
func StartProcess(ctx context.Context, cfg ProcessConfig, opts ...ProcessOption) (*ProcessTransport, error) {
	if cfg.Command == "" {
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("command is required")}
	}
	o := processOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	// The process outlives the caller's ctx; only Close ends it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	var cmd *exec.Cmd
	if o.commandFactory != nil {
		cmd = o.commandFactory(procCtx, cfg.Command, cfg.Args...)
	} else {
		// #nosec G204 -- command comes from configuration
		cmd = exec.CommandContext(procCtx, cfg.Command, cfg.Args...)
	}
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	if len(cfg.Env) > 0 {
		base := cmd.Env
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(base, cfg.Env...)
	}

	var stdin io.WriteCloser
	var stdout, stderr io.ReadCloser
	cleanup := func() {
		cancel()
		for _, c := range []io.Closer{stdin, stdout, stderr} {
			if c != nil {
				_ = c.Close()
			}
		}
	}

	var err error
	if stdin, err = cmd.StdinPipe(); err != nil {
		cleanup()
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	if stdout, err = cmd.StdoutPipe(); err != nil {
		cleanup()
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	if stderr, err = cmd.StderrPipe(); err != nil {
		cleanup()
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	log.Debug(log.CatBridge, "Spawning server process", "command", cfg.Command, "args", cfg.Args)
	if err := cmd.Start(); err != nil {
		cleanup()
		return nil, &TransportError{Op: "spawn", Err: fmt.Errorf("start %s: %w", cfg.Command, err)}
	}
	log.Debug(log.CatBridge, "Server process started", "pid", cmd.Process.Pid)

	grace := cfg.CloseGrace
	if grace <= 0 {
		grace = DefaultCloseGrace
	}

	t := &ProcessTransport{
		StreamTransport: NewStreamTransport(stdout, stdin),
		cmd:             cmd,
		cancel:          cancel,
		stdout:          stdout,
		grace:           grace,
		exited:          make(chan struct{}),
	}

	t.wg.Add(2)
	go t.drainStderr(stderr)
	go t.waitForExit()
	return t, nil
}

func (t *ProcessTransport) drainStderr(r io.Reader) {
	defer t.wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug(log.CatBridge, "STDERR", "line", line)
		t.mu.Lock()
		t.stderrTail = append(t.stderrTail, line)
		if len(t.stderrTail) > stderrTailLines {
			t.stderrTail = t.stderrTail[len(t.stderrTail)-stderrTailLines:]
		}
		t.mu.Unlock()
	}
}

// waitForExit reaps the process once stdout and stderr are drained, since
// Wait closes the pipes and would race with the readers.
func (t *ProcessTransport) waitForExit() {
	defer t.wg.Done()
	<-t.StreamTransport.ReadDone()
	t.waitErr = t.cmd.Wait()
	log.Debug(log.CatBridge, "Server process exited", "pid", t.cmd.Process.Pid, "error", t.waitErr)
	close(t.exited)
}

// Send fails with ErrTransportClosed once the process has exited.
func (t *ProcessTransport) Send(ctx context.Context, line []byte) error {
	select {
	case <-t.exited:
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	default:
	}
	return t.StreamTransport.Send(ctx, line)
}

// Close terminates the child: stdin is closed, the process is signalled, and
// after the grace period it is killed. Close returns once it is reaped.
func (t *ProcessTransport) Close() error {
	t.closeOnce.Do(func() {
		_ = t.StreamTransport.Close()

		select {
		case <-t.exited:
		default:
			t.terminate()
		}

		t.wg.Wait()
		t.cancel()
	})
	return t.closeErr
}

func (t *ProcessTransport) terminate() {
	pid := t.cmd.Process.Pid
	if runtime.GOOS == "windows" {
		_ = t.cmd.Process.Kill()
	} else if err := t.cmd.Process.Signal(terminateSignal()); err != nil {
		log.Debug(log.CatBridge, "Signal failed", "pid", pid, "error", err)
	}

	select {
	case <-t.exited:
		return
	case <-time.After(t.grace):
	}

	log.Warn(log.CatBridge, "Server did not exit within grace period, killing", "pid", pid, "grace", t.grace)
	if err := t.cmd.Process.Kill(); err != nil {
		log.Debug(log.CatBridge, "Kill failed", "pid", pid, "error", err)
	}

	select {
	case <-t.exited:
	case <-time.After(t.grace):
		// A grandchild may still hold stdout open; force the reader to stop.
		_ = t.stdout.Close()
		<-t.exited
	}
}

// PID returns the child process id.
func (t *ProcessTransport) PID() int {
	return t.cmd.Process.Pid
}

// Exited is closed once the child has been reaped.
func (t *ProcessTransport) Exited() <-chan struct{} {
	return t.exited
}

// ExitErr returns the error from Wait. Valid after Exited is closed.
func (t *ProcessTransport) ExitErr() error {
	select {
	case <-t.exited:
		return t.waitErr
	default:
		return nil
	}
}

// StderrTail returns the most recent stderr lines.
func (t *ProcessTransport) StderrTail() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.stderrTail))
	copy(out, t.stderrTail)
	return out
}
