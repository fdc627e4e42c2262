// Package engine drives one scenario through build, measurement,
// verification, result relocation and clean-up.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/kballard/go-shellquote"

	"energybench/internal/implementation"
	"energybench/internal/process"
	"energybench/internal/scenario"
	"energybench/pkg/benchtypes"
)

// Staged files inside the scenario workspace.
const (
	resultFile   = "result.json"
	inputFile    = "input"
	expectedFile = "expected"
	outputFile   = "output"
)

// Scope is something entered around every measured invocation: an
// environment profile or a background workload. The returned release undoes
// whatever Enter did.
type Scope interface {
	Name() string
	Enter(ctx context.Context) (func(context.Context) error, error)
}

// Options are the run parameters of an engine.
type Options struct {
	BaseDir    string
	Warmup     bool
	Timeout    time.Duration
	Iterations int
	Frequency  int // perf sampling interval in milliseconds
	Niceness   int
	Affinity   []int
	PerfEvents []string // requested events, matched against perf list
}

// Engine measures one scenario with one implementation kind.
type Engine struct {
	kind     implementation.Kind
	layout   implementation.Layout
	scenario *scenario.Scenario
	runner   process.Runner
	logger   *log.Logger
	opts     Options

	events []string
	state  benchtypes.State
}

// New resolves the scenario's implementation and creates its workspace
// <base>/<model>/<Kind>/<name>.
func New(s *scenario.Scenario, runner process.Runner, logger *log.Logger, opts Options) (*Engine, error) {
	kind, err := implementation.Lookup(s.Implementation)
	if err != nil {
		return nil, err
	}
	if opts.Iterations < 1 {
		opts.Iterations = 1
	}
	if opts.Frequency < 1 {
		opts.Frequency = 100
	}

	layout := implementation.NewLayout(kind, opts.BaseDir, s)
	if err := os.MkdirAll(layout.ScenarioPath, 0o755); err != nil {
		return nil, benchtypes.WrapError(benchtypes.KindIO, err, "failed while creating scenario workspace")
	}

	if logger == nil {
		logger = log.New(os.Stderr)
	}
	return &Engine{
		kind:     kind,
		layout:   layout,
		scenario: s,
		runner:   runner,
		logger:   logger.With("scenario", s.Name, "implementation", kind.String()),
		opts:     opts,
		state:    benchtypes.StateIdle,
	}, nil
}

// Kind returns the implementation kind.
func (e *Engine) Kind() implementation.Kind {
	return e.kind
}

// Layout returns the workspace paths.
func (e *Engine) Layout() implementation.Layout {
	return e.layout
}

// Mode returns the warmup mode of the engine.
func (e *Engine) Mode() benchtypes.Mode {
	if e.opts.Warmup {
		return benchtypes.ModeWarmup
	}
	return benchtypes.ModeNoWarmup
}

// SetMode switches between warmup and no-warmup measurement.
func (e *Engine) SetMode(m benchtypes.Mode) {
	e.opts.Warmup = m == benchtypes.ModeWarmup
}

// Scenario returns the measured scenario.
func (e *Engine) Scenario() *scenario.Scenario {
	return e.scenario
}

// State returns the lifecycle position of the engine.
func (e *Engine) State() benchtypes.State {
	return e.state
}

// invocations is how many times the measured process is started per test.
func (e *Engine) invocations() int {
	if e.opts.Warmup {
		return 1
	}
	return e.opts.Iterations
}

// iterationsPerInvocation is how many times the program repeats its work
// inside one invocation.
func (e *Engine) iterationsPerInvocation() int {
	if e.opts.Warmup {
		return e.opts.Iterations
	}
	return 1
}

// timeout is the budget of one invocation. In warmup mode one invocation
// carries every iteration.
func (e *Engine) timeout() time.Duration {
	if e.opts.Warmup {
		return e.opts.Timeout * time.Duration(e.opts.Iterations)
	}
	return e.opts.Timeout
}

func (e *Engine) path(name string) string {
	return filepath.Join(e.layout.ScenarioPath, name)
}

// libraryEnv exposes the instrumentation library in the base directory and
// the nix-provided libraries and headers to the build and the program.
func (e *Engine) libraryEnv() []process.EnvVar {
	base := shellquote.Join(e.opts.BaseDir)
	ldflags := "$(echo $NIX_LDFLAGS | sed 's/-rpath //g; s/-L//g' | tr ' ' ':')"
	cflags := "$(echo $NIX_CFLAGS_COMPILE | sed -e 's/-frandom-seed=[^ ]*//g' -e 's/-isystem/ /g' | tr -s ' ' | sed 's/ /:/g')"
	return []process.EnvVar{
		{Name: "LIBRARY_PATH", Value: process.Expr(base + ":" + ldflags + ":$LIBRARY_PATH")},
		{Name: "LD_LIBRARY_PATH", Value: process.Expr(base + ":" + ldflags + ":$LD_LIBRARY_PATH")},
		{Name: "CPATH", Value: process.Expr(base + ":" + cflags + ":$CPATH")},
		{Name: "NIX_ENFORCE_NO_NATIVE", Value: process.Lit("")},
		{Name: "ITERATIONS", Value: process.Lit(fmt.Sprint(e.iterationsPerInvocation()))},
	}
}

// toolchain wraps build and clean commands.
func (e *Engine) toolchain() process.Decorator {
	return process.Compose(
		process.Env(e.libraryEnv()...),
		process.Shell(e.scenario.DependencyNames()),
	)
}

// measured wraps the measured command: sampling, priority, environment,
// elevation and finally the dependency shell.
func (e *Engine) measured(events []string) process.Decorator {
	return process.Compose(
		process.Perf(e.path(resultFile), e.opts.Frequency, events),
		process.Nice(e.opts.Niceness),
		process.Env(e.libraryEnv()...),
		process.Sudo(),
		process.Shell(e.scenario.DependencyNames()),
	)
}

// Build writes the source and compiles it. The returned release cleans the
// workspace. A failed build is cleaned before Build returns.
func (e *Engine) Build(ctx context.Context) (func(context.Context) error, error) {
	if strings.TrimSpace(e.scenario.Code) == "" {
		return nil, benchtypes.ConfigError("scenario doesn't have any code")
	}

	if err := e.build(ctx); err != nil {
		if cerr := e.Clean(ctx); cerr != nil {
			e.logger.Warn("Clean after failed build", "err", cerr)
		}
		return nil, err
	}
	e.state = benchtypes.StateBuilt
	e.logger.Debug("Built scenario", "workspace", e.layout.ScenarioPath)
	return e.Clean, nil
}

func (e *Engine) build(ctx context.Context) error {
	if err := os.WriteFile(e.layout.SourcePath, []byte(e.scenario.Code), 0o644); err != nil {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed while writing file")
	}
	if err := e.kind.PreBuild(e.layout); err != nil {
		return err
	}

	cmd := e.kind.BuildCommand(e.layout)
	if cmd.Empty() {
		if len(e.scenario.Dependencies) == 0 {
			return nil
		}
		// Realise the dependency shell before the first measurement.
		cmd = process.New("true")
	}

	_, err := e.runner.Run(ctx, process.Spec{
		Command: e.toolchain()(cmd),
		Dir:     e.layout.ScenarioPath,
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		return benchtypes.NewError(benchtypes.KindBuild,
			"returned non-zero exit status %d while building: %s", exitErr.Code, exitErr.Stderr)
	}
	return benchtypes.WrapError(benchtypes.KindBuild, err, "failed while building")
}

// MeasureAndVerify stages the test's payloads and runs it once in warmup
// mode or once per iteration otherwise. Every invocation runs inside work
// and, nested within it, env; its output is verified after both have been
// released. Staged payloads are cleared from test.
func (e *Engine) MeasureAndVerify(ctx context.Context, test *scenario.Test, work, env Scope) error {
	inputPath, err := e.stage(inputFile, &test.Stdin)
	if err != nil {
		return err
	}
	expectedPath, err := e.stage(expectedFile, &test.ExpectedStdout)
	if err != nil {
		return err
	}

	for i := 0; i < e.invocations(); i++ {
		if err := e.measureScoped(ctx, test, inputPath, work, env); err != nil {
			return err
		}
		if err := e.Verify(test, expectedPath); err != nil {
			return err
		}
	}
	return nil
}

// stage writes a payload to the workspace and drops it from memory. It
// returns "" when there is nothing to stage.
func (e *Engine) stage(name string, payload *[]byte) (string, error) {
	if len(*payload) == 0 {
		return "", nil
	}
	path := e.path(name)
	if err := os.WriteFile(path, *payload, 0o644); err != nil {
		return "", benchtypes.WrapError(benchtypes.KindIO, err, "failed while writing file")
	}
	*payload = nil
	return path, nil
}

func (e *Engine) measureScoped(ctx context.Context, test *scenario.Test, inputPath string, work, env Scope) (err error) {
	for _, scope := range []Scope{work, env} {
		if scope == nil {
			continue
		}
		release, enterErr := scope.Enter(ctx)
		if enterErr != nil {
			return enterErr
		}
		defer func() {
			err = errors.Join(err, release(context.WithoutCancel(ctx)))
		}()
	}
	return e.Measure(ctx, test, inputPath)
}

// Measure runs the program once under perf, with stdin from inputPath (if
// any) and stdout captured to the workspace output file.
func (e *Engine) Measure(ctx context.Context, test *scenario.Test, inputPath string) error {
	cmd := e.kind.MeasureCommand(e.layout).Append(process.Lits(test.Args...)...)
	cmd = e.measured(e.perfEvents(ctx))(cmd)

	out, err := os.Create(e.path(outputFile))
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed while writing file")
	}
	defer out.Close()

	spec := process.Spec{
		Command:  cmd,
		Stdout:   out,
		Timeout:  e.timeout(),
		Affinity: e.opts.Affinity,
	}
	if inputPath != "" {
		in, err := os.Open(inputPath)
		if err != nil {
			return benchtypes.WrapError(benchtypes.KindIO, err, "failed while reading file")
		}
		defer in.Close()
		spec.Stdin = in
	}

	e.state = benchtypes.StateMeasuring
	e.logger.Debug("Measuring", "test", test.ID, "timeout", spec.Timeout)
	res, err := e.runner.Run(ctx, spec)
	if err == nil {
		e.logger.Debug("Measured", "test", test.ID, "duration", res.Duration)
		return nil
	}

	if ctx.Err() != nil {
		return interrupted(ctx)
	}
	if errors.Is(err, process.ErrTimeout) {
		return benchtypes.NewError(benchtypes.KindTimeout,
			"failed while measuring: timed out after %ds", int(spec.Timeout.Seconds()))
	}
	var exitErr *process.ExitError
	if errors.As(err, &exitErr) {
		return benchtypes.WrapError(benchtypes.KindMeasure, err, "")
	}
	return benchtypes.WrapError(benchtypes.KindMeasure, err, "failed while measuring")
}

// Clean removes build products and the staged files. Staged files are
// removed even when the clean command fails or ctx is cancelled.
func (e *Engine) Clean(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var cleanErr error
	if cmd := e.kind.CleanCommand(e.layout); !cmd.Empty() {
		_, err := e.runner.Run(ctx, process.Spec{
			Command: e.toolchain()(cmd),
			Dir:     e.layout.ScenarioPath,
		})
		var exitErr *process.ExitError
		switch {
		case errors.As(err, &exitErr):
			cleanErr = benchtypes.NewError(benchtypes.KindClean, "failed to clean scenario: %s", exitErr.Stderr)
		case err != nil:
			cleanErr = benchtypes.WrapError(benchtypes.KindClean, err, "failed to clean scenario")
		}
	}

	for _, name := range []string{inputFile, expectedFile, outputFile} {
		if err := os.Remove(e.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			cleanErr = errors.Join(cleanErr, benchtypes.WrapError(benchtypes.KindClean, err, "failed to clean scenario"))
		}
	}

	e.state = benchtypes.StateCleaned
	return cleanErr
}

// RemoveStaleResult deletes a counter stream left behind by an aborted
// measurement so it cannot be appended to by the next one.
func (e *Engine) RemoveStaleResult() error {
	if err := os.Remove(e.path(resultFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed to remove stale result")
	}
	return nil
}

func interrupted(ctx context.Context) error {
	return benchtypes.WrapError(benchtypes.KindInterrupt, context.Cause(ctx), "manually exited")
}
