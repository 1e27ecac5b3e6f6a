// Package proc is the process-execution seam: the scheduler dispatches task
// commands through a Runner and never spawns processes itself.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Command is one task invocation: a shell command line run in Dir with the
// given environment (full environment, not additions).
type Command struct {
	Shell string
	Dir   string
	Env   []string
}

// Result is the outcome of a finished process. A non-zero exit code is a
// result, not an error; errors are reserved for failures to run at all.
type Result struct {
	ExitCode int
	Log      []byte
}

// Handle tracks a long-running process that the caller does not await.
type Handle interface {
	// Done is closed once the process exits.
	Done() <-chan struct{}
	// Result is valid after Done is closed.
	Result() Result
	// Stop asks the process to terminate.
	Stop()
}

// Runner runs task commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Start(ctx context.Context, cmd Command) (Handle, error)
}

// ShellRunner executes commands with /bin/sh -c, capturing combined output.
// Processes get their own group so cancellation reaches their children.
type ShellRunner struct {
	// StopGrace is how long a cancelled process gets before SIGKILL.
	StopGrace time.Duration
}

func (r ShellRunner) grace() time.Duration {
	if r.StopGrace > 0 {
		return r.StopGrace
	}
	return 10 * time.Second
}

func (r ShellRunner) build(ctx context.Context, cmd Command, out *bytes.Buffer) *exec.Cmd {
	c := exec.CommandContext(ctx, "/bin/sh", "-c", cmd.Shell)
	c.Dir = cmd.Dir
	c.Env = cmd.Env
	c.Stdout = out
	c.Stderr = out
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	c.Cancel = func() error {
		// Negative pid signals the whole process group.
		return syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}
	c.WaitDelay = r.grace()
	return c
}

func (r ShellRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	var out bytes.Buffer
	c := r.build(ctx, cmd, &out)
	err := c.Run()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return Result{ExitCode: ee.ExitCode(), Log: out.Bytes()}, nil
		}
		return Result{ExitCode: -1, Log: out.Bytes()}, fmt.Errorf("failed to run %q: %w", cmd.Shell, err)
	}
	return Result{ExitCode: 0, Log: out.Bytes()}, nil
}

func (r ShellRunner) Start(ctx context.Context, cmd Command) (Handle, error) {
	var out bytes.Buffer
	c := r.build(ctx, cmd, &out)
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %q: %w", cmd.Shell, err)
	}
	h := &shellHandle{done: make(chan struct{}), stop: func() {
		syscall.Kill(-c.Process.Pid, syscall.SIGTERM)
	}}
	go func() {
		err := c.Wait()
		code := 0
		if err != nil {
			var ee *exec.ExitError
			if errors.As(err, &ee) {
				code = ee.ExitCode()
			} else {
				code = -1
			}
		}
		h.mu.Lock()
		h.result = Result{ExitCode: code, Log: out.Bytes()}
		h.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

type shellHandle struct {
	done     chan struct{}
	mu       sync.Mutex
	result   Result
	stop     func()
	stopOnce sync.Once
}

func (h *shellHandle) Done() <-chan struct{} { return h.done }

func (h *shellHandle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result
}

func (h *shellHandle) Stop() {
	h.stopOnce.Do(h.stop)
}
