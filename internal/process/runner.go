package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned when a process exceeded Spec.Timeout and its process
// group was killed.
var ErrTimeout = errors.New("process timed out")

// ExitError is returned when a process exits with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("exit %d", e.Code)
	}
	return fmt.Sprintf("exit %d:\n%s", e.Code, e.Stderr)
}

// Spec describes one process invocation.
type Spec struct {
	Command  Command
	Dir      string
	Stdin    io.Reader
	Stdout   io.Writer     // captured into Result.Stdout when nil
	Timeout  time.Duration // zero means no limit beyond ctx
	Affinity []int         // CPU ids the process is restricted to, empty for no restriction
}

// Result holds what a finished process left behind.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

// Runner executes commands. Run blocks until the process exits; Start
// returns immediately with a handle to a background process.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
	Start(spec Spec) (*Process, error)
}

// ExecRunner runs commands with os/exec. Every process is the leader of its
// own process group so that it can be killed together with its children.
type ExecRunner struct {
	logger    *log.Logger
	waitDelay time.Duration
}

// NewExecRunner creates a runner that logs invocations at debug level.
func NewExecRunner(logger *log.Logger) *ExecRunner {
	return &ExecRunner{logger: logger, waitDelay: 5 * time.Second}
}

// Run executes spec and waits for it. A non-zero exit yields *ExitError, an
// exceeded timeout yields ErrTimeout and a cancelled ctx yields ctx.Err().
// In the last two cases the whole process group has been sent SIGKILL.
func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	argv, err := spec.Command.Argv()
	if err != nil {
		return Result{}, err
	}
	env, err := spec.Command.Environ()
	if err != nil {
		return Result{}, err
	}

	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killGroup(cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = r.waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	if spec.Stdout == nil {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	if r.logger != nil {
		r.logger.Debug("Running command", "command", spec.Command.String(), "timeout", spec.Timeout)
	}

	start := time.Now()
	if err := startWithAffinity(cmd, spec.Affinity); err != nil {
		return Result{}, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	waitErr := cmd.Wait()

	result := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}

	if waitErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return result, &ExitError{Code: exitErr.ExitCode(), Stderr: result.Stderr}
	}
	return result, waitErr
}

// Start launches spec in the background. Output is discarded unless
// spec.Stdout is set; stdin is closed once spec.Stdin is drained. The process
// is reaped by a background goroutine.
func (r *ExecRunner) Start(spec Spec) (*Process, error) {
	argv, err := spec.Command.Argv()
	if err != nil {
		return nil, err
	}
	env, err := spec.Command.Environ()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.Dir
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout

	if r.logger != nil {
		r.logger.Debug("Starting background command", "command", spec.Command.String())
	}

	if err := startWithAffinity(cmd, spec.Affinity); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	p := &Process{pid: cmd.Process.Pid, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Process is a handle to a background process group.
type Process struct {
	pid  int
	done chan struct{}
	err  error
}

// NewProcess wraps an already running process group leader. It is used by
// runners that do not start real processes.
func NewProcess(pid int, done chan struct{}) *Process {
	return &Process{pid: pid, done: done}
}

// Pid returns the process id, which is also the process group id.
func (p *Process) Pid() int {
	return p.pid
}

// Signal sends sig to the whole process group. A group that no longer exists
// is not an error.
func (p *Process) Signal(sig syscall.Signal) error {
	return killGroup(p.pid, sig)
}

// Done is closed once the process has been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process has been reaped or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func killGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := unix.Kill(-pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
