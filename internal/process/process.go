package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"
)

// DefaultWaitDelay bounds how long Wait keeps copying output after the
// process exits while descendants still hold the pipes open.
const DefaultWaitDelay = time.Second

// Options carries the launch settings resolved by the caller.
type Options struct {
	Dir       string
	Env       []string // complete environment; nil inherits the supervisor's
	Stdout    io.Writer
	Stderr    io.Writer
	WaitDelay time.Duration
}

func (o Options) configure(cmd *exec.Cmd) {
	if o.Dir != "" {
		cmd.Dir = o.Dir
	}
	if o.Env != nil {
		cmd.Env = o.Env
	}
	cmd.Stdout = o.Stdout
	cmd.Stderr = o.Stderr
	cmd.WaitDelay = o.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	configureSysProcAttr(cmd)
}

// Handle is one live OS process instance.
type Handle struct {
	cmd       *exec.Cmd
	pid       int
	startedAt time.Time
	exitedAt  time.Time // written before done is closed

	done chan struct{}
	mu   sync.Mutex
	exit ExitInfo
}

// Spawn starts the worker described by spec. The returned handle reaps the
// process in the background; Done is closed once it has exited.
func Spawn(spec Spec, opts Options) (*Handle, error) {
	cmd := spec.BuildCommand()
	opts.configure(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &Handle{
		cmd:       cmd,
		pid:       cmd.Process.Pid,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	info := classify(h.cmd, err)
	h.mu.Lock()
	h.exit = info
	h.mu.Unlock()
	h.exitedAt = time.Now()
	close(h.done)
}

func (h *Handle) PID() int { return h.pid }

// Runtime is how long the process ran; it keeps growing until Done is closed.
func (h *Handle) Runtime() time.Duration {
	select {
	case <-h.done:
		return h.exitedAt.Sub(h.startedAt)
	default:
		return time.Since(h.startedAt)
	}
}

// Done is closed after the process has exited and its output has been drained.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Exited reports whether the process has been reaped.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Exit returns how the process ended. Only meaningful once Done is closed.
func (h *Handle) Exit() ExitInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit
}

// Terminate sends SIGTERM to the process group.
func (h *Handle) Terminate() error {
	if h.Exited() {
		return nil
	}
	return terminateGroup(h.pid)
}

// Kill sends SIGKILL to the process group.
func (h *Handle) Kill() error {
	if h.Exited() {
		return nil
	}
	return killGroup(h.pid)
}

// RunSetup runs the spec's dependency install step to completion. It is a
// no-op when the spec has none.
func RunSetup(ctx context.Context, spec Spec, opts Options) error {
	script := spec.SetupCommand()
	if script == "" {
		return nil
	}
	cmd := shellCommand(script)
	opts.configure(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("setup %q: %w", script, err)
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("setup %q: %w", script, err)
		}
		return nil
	case <-ctx.Done():
		_ = killGroup(cmd.Process.Pid)
		<-done
		return fmt.Errorf("setup %q: %w", script, ctx.Err())
	}
}

// ExitInfo classifies a finished process.
type ExitInfo struct {
	Code   int    // -1 when terminated by a signal
	Signal string // set when terminated by a signal
	Err    error  // wait failure that is not a plain non-zero exit
}

// Clean reports a zero exit with no signal and no wait error.
func (e ExitInfo) Clean() bool {
	return e.Code == 0 && e.Signal == "" && e.Err == nil
}

func (e ExitInfo) String() string {
	switch {
	case e.Signal != "":
		return "signal " + e.Signal
	case e.Err != nil:
		return fmt.Sprintf("code %d (%v)", e.Code, e.Err)
	default:
		return fmt.Sprintf("code %d", e.Code)
	}
}

func classify(cmd *exec.Cmd, err error) ExitInfo {
	var info ExitInfo
	if ps := cmd.ProcessState; ps != nil {
		info.Code = ps.ExitCode()
		info.Signal = exitSignal(ps)
	}
	var ee *exec.ExitError
	if err != nil && !errors.As(err, &ee) {
		info.Err = err
	}
	return info
}
