package testutils

import (
	"context"
	"io"
	"strings"
	"sync"

	"energybench/internal/process"
)

// RunFunc scripts the behaviour of a FakeRunner for one invocation.
type RunFunc func(ctx context.Context, spec process.Spec) (process.Result, error)

// FakeRunner records every command it is asked to run and answers through
// Handler. With no Handler every command succeeds with empty output.
type FakeRunner struct {
	Handler RunFunc

	mu      sync.Mutex
	calls   []process.Spec
	started []process.Spec
}

// NewFakeRunner creates a fake runner with the given handler.
func NewFakeRunner(handler RunFunc) *FakeRunner {
	return &FakeRunner{Handler: handler}
}

// Run implements process.Runner.
func (f *FakeRunner) Run(ctx context.Context, spec process.Spec) (process.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, spec)
	handler := f.Handler
	f.mu.Unlock()

	if handler == nil {
		if spec.Stdin != nil {
			_, _ = io.Copy(io.Discard, spec.Stdin)
		}
		return process.Result{}, nil
	}
	return handler(ctx, spec)
}

// Start implements process.Runner. The returned process has already exited.
func (f *FakeRunner) Start(spec process.Spec) (*process.Process, error) {
	f.mu.Lock()
	f.started = append(f.started, spec)
	f.mu.Unlock()

	done := make(chan struct{})
	close(done)
	return process.NewProcess(0, done), nil
}

// Calls returns the specs passed to Run.
func (f *FakeRunner) Calls() []process.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]process.Spec(nil), f.calls...)
}

// Started returns the specs passed to Start.
func (f *FakeRunner) Started() []process.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]process.Spec(nil), f.started...)
}

// Lines renders every command passed to Run as a shell line.
func (f *FakeRunner) Lines() []string {
	calls := f.Calls()
	lines := make([]string, len(calls))
	for i, c := range calls {
		lines[i] = c.Command.Shell()
	}
	return lines
}

// Find returns the first command passed to Run whose shell line contains
// every fragment.
func (f *FakeRunner) Find(fragments ...string) (process.Spec, bool) {
	for _, c := range f.Calls() {
		line := c.Command.Shell()
		matched := true
		for _, frag := range fragments {
			if !strings.Contains(line, frag) {
				matched = false
				break
			}
		}
		if matched {
			return c, true
		}
	}
	return process.Spec{}, false
}
