// Package workload runs background interference processes while a
// measurement is taken.
package workload

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"energybench/internal/process"
	"energybench/pkg/benchtypes"
)

// Kind is the closed set of workloads.
type Kind int

const (
	// None runs nothing.
	None Kind = iota
	// Brave drives a headless browser session under Xvfb.
	Brave
	// GimpResize runs the Phoronix GIMP resize stress test.
	GimpResize
)

var kindNames = map[Kind]string{
	None:       "none",
	Brave:      "brave",
	GimpResize: "gimpresize",
}

// String returns the name used in results paths.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Lookup resolves a workload by name, ignoring case.
func Lookup(name string) (Kind, error) {
	needle := strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == needle {
			return k, nil
		}
	}
	return None, benchtypes.ConfigError("'%s' is not a known workload", name)
}

// Names returns the known workload names except none.
func Names() []string {
	return []string{Brave.String(), GimpResize.String()}
}

const (
	braveProfileDir = "/tmp/brave-profile"
	display         = 99
	phoronixGimp    = "system/gimp"
	gimpResize      = 2
)

var braveURLs = []string{
	"https://www.youtube.com/watch?v=xm3YgoEiEDc&autoplay=1",
	"https://www.google.com/",
	"https://open.spotify.com/",
	"https://www.amazon.com/",
}

// Workload starts one interference process per Enter and stops it on release.
type Workload struct {
	kind   Kind
	runner process.Runner
	logger *log.Logger
}

// New creates a workload of the given kind.
func New(kind Kind, runner process.Runner, logger *log.Logger) *Workload {
	return &Workload{kind: kind, runner: runner, logger: logger}
}

// Name returns the workload name.
func (w *Workload) Name() string {
	return w.kind.String()
}

// Kind returns the workload kind.
func (w *Workload) Kind() Kind {
	return w.kind
}

// Enter spawns the interference process in its own process group and
// returns without waiting for it. The release sends SIGTERM to the group;
// a group that is already gone is not an error.
func (w *Workload) Enter(ctx context.Context) (func(context.Context) error, error) {
	spec, err := w.prepare(ctx)
	if err != nil {
		return nil, err
	}
	if spec == nil {
		return func(context.Context) error { return nil }, nil
	}

	proc, err := w.runner.Start(*spec)
	if err != nil {
		return nil, benchtypes.WrapError(benchtypes.KindMeasure, err, "failed while starting workload '%s'", w.Name())
	}
	if w.logger != nil {
		w.logger.Debug("Started workload", "workload", w.Name(), "pid", proc.Pid())
	}

	return func(context.Context) error {
		return w.stop(proc)
	}, nil
}

func (w *Workload) stop(proc *process.Process) error {
	if err := proc.Signal(unix.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop workload '%s': %w", w.Name(), err)
	}
	if w.logger != nil {
		w.logger.Debug("Stopped workload", "workload", w.Name(), "pid", proc.Pid())
	}
	return nil
}

// prepare performs any setup and returns the background process spec, nil
// for None.
func (w *Workload) prepare(ctx context.Context) (*process.Spec, error) {
	switch w.kind {
	case Brave:
		if err := os.RemoveAll(braveProfileDir); err != nil {
			return nil, benchtypes.WrapError(benchtypes.KindIO, err, "failed to reset browser profile")
		}
		if err := os.MkdirAll(braveProfileDir, 0o755); err != nil {
			return nil, benchtypes.WrapError(benchtypes.KindIO, err, "failed to create browser profile")
		}
		return &process.Spec{Command: braveCommand()}, nil

	case GimpResize:
		if w.logger != nil {
			w.logger.Info("Installing Phoronix workload", "test", phoronixGimp)
		}
		install := process.Shell(phoronixPackages)(process.New("phoronix-test-suite", "install", phoronixGimp))
		if _, err := w.runner.Run(ctx, process.Spec{Command: install}); err != nil {
			return nil, benchtypes.WrapError(benchtypes.KindMeasure, err, "failed while installing workload '%s'", phoronixGimp)
		}
		return &process.Spec{
			Command: gimpCommand(),
			Stdin:   strings.NewReader(fmt.Sprintf("%d\n", gimpResize)),
		}, nil

	default:
		return nil, nil
	}
}

var (
	bravePackages    = []string{"brave", "xorg.xvfb"}
	phoronixPackages = []string{"phoronix-test-suite"}
)

func braveCommand() process.Command {
	browser := process.New("brave",
		fmt.Sprintf("--display=:%d", display),
		"--new-window",
		"--no-first-run",
		"--disable-session-crashed-bubble",
		"--enable-unsafe-swiftshader",
		"--user-data-dir="+braveProfileDir,
	).Append(process.Lits(braveURLs...)...)

	line := fmt.Sprintf("Xvfb :%d & sleep 1 ; %s", display, browser.Shell())
	return process.Shell(bravePackages)(process.Of(process.Expr(line)))
}

func gimpCommand() process.Command {
	stress := process.New("phoronix-test-suite", "stress-run", phoronixGimp).
		WithEnv("TOTAL_LOOP_TIME", process.Lit("9999"))
	return process.Shell(phoronixPackages)(stress)
}
