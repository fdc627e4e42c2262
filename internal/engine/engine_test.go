package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"energybench/internal/process"
	"energybench/internal/scenario"
	"energybench/internal/testutils"
	"energybench/pkg/benchtypes"
)

const bareC = `name: hello-world
implementation: c
description: Print a greeting.
dependencies:
    - name: gcc
code: |
    int main(void) { return 0; }
`

// program scripts what the fake measured process does.
type program func(spec process.Spec) (process.Result, error)

type harness struct {
	engine *Engine
	runner *testutils.FakeRunner
	base   string
}

// innerLine returns the command line handed to the dependency shell.
func innerLine(spec process.Spec) string {
	args := spec.Command.Args
	return args[len(args)-1].Value
}

func newHarness(t *testing.T, doc string, opts Options, measure program) *harness {
	t.Helper()
	base := t.TempDir()
	path := testutils.WriteFile(t, t.TempDir(), "scenario.yml", doc)
	s, err := scenario.Load(path)
	require.NoError(t, err)

	h := &harness{base: base}
	h.runner = testutils.NewFakeRunner(func(_ context.Context, spec process.Spec) (process.Result, error) {
		if spec.Stdin != nil {
			_, _ = io.Copy(io.Discard, spec.Stdin)
		}
		if strings.Contains(innerLine(spec), "perf stat") && measure != nil {
			return measure(spec)
		}
		return process.Result{}, nil
	})

	opts.BaseDir = base
	h.engine, err = New(s, h.runner, nil, opts)
	require.NoError(t, err)
	return h
}

// writes returns a program that prints out and leaves a counter stream.
func (h *harness) writes(out string) program {
	return func(spec process.Spec) (process.Result, error) {
		_, err := io.WriteString(spec.Stdout, out)
		if err != nil {
			return process.Result{}, err
		}
		f, err := os.OpenFile(h.engine.path(resultFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return process.Result{}, err
		}
		defer f.Close()
		_, err = f.WriteString(`{"interval": 0.1, "event": "cycles"}` + "\n")
		return process.Result{}, err
	}
}

func firstTest(t *testing.T, h *harness) scenario.Test {
	t.Helper()
	for test, err := range h.engine.scenario.Tests() {
		require.NoError(t, err)
		return test
	}
	t.Fatal("scenario has no tests")
	return scenario.Test{}
}

// recordingScope records Enter and release calls into a shared log.
type recordingScope struct {
	name     string
	log      *[]string
	enterErr error
}

func (s *recordingScope) Name() string { return s.name }

func (s *recordingScope) Enter(context.Context) (func(context.Context) error, error) {
	if s.enterErr != nil {
		return nil, s.enterErr
	}
	*s.log = append(*s.log, "enter "+s.name)
	return func(context.Context) error {
		*s.log = append(*s.log, "release "+s.name)
		return nil
	}, nil
}

func TestNewCreatesWorkspace(t *testing.T) {
	h := newHarness(t, testutils.HelloWorldC, Options{}, nil)
	assert.DirExists(t, filepath.Join(h.base, "human", "C", "hello-world"))
	assert.Equal(t, benchtypes.StateIdle, h.engine.State())
	assert.Equal(t, benchtypes.ModeNoWarmup, h.engine.Mode())

	s := &scenario.Scenario{Name: "x", Implementation: "javascript", Model: "human"}
	_, err := New(s, h.runner, nil, Options{BaseDir: h.base})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "javascript not a known implementation")
}

func TestBuild(t *testing.T) {
	h := newHarness(t, testutils.HelloWorldC, Options{}, nil)

	release, err := h.engine.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, benchtypes.StateBuilt, h.engine.State())
	assert.Contains(t, testutils.ReadFile(t, h.engine.Layout().SourcePath), "Hello World")

	calls := h.runner.Calls()
	require.Len(t, calls, 1)
	argv, err := calls[0].Command.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{"nix-shell", "--no-build-output", "--quiet", "--packages", "gcc", "--run"}, argv[:6])

	line := argv[6]
	ws := h.engine.Layout().ScenarioPath
	assert.True(t, strings.HasPrefix(line, "LIBRARY_PATH="+h.base+":$(echo $NIX_LDFLAGS"), line)
	assert.Contains(t, line, "NIX_ENFORCE_NO_NATIVE='' ITERATIONS=1 $(which gcc) "+ws+"/main.c -o "+ws+"/main -w -lenergy_signal")

	require.NoError(t, release(context.Background()))
	assert.Equal(t, benchtypes.StateCleaned, h.engine.State())
	assert.Contains(t, innerLine(h.runner.Calls()[1]), "rm -f "+ws+"/main")
}

func TestBuildWithoutCode(t *testing.T) {
	doc := "name: x\nimplementation: c\ndescription: d\ndependencies: []\n"
	h := newHarness(t, doc, Options{}, nil)
	_, err := h.engine.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, "scenario doesn't have any code.", err.Error())
	assert.Empty(t, h.runner.Calls())
}

func TestBuildFailureCleans(t *testing.T) {
	h := newHarness(t, testutils.HelloWorldC, Options{}, nil)
	h.runner.Handler = func(_ context.Context, spec process.Spec) (process.Result, error) {
		if strings.Contains(innerLine(spec), "which gcc") {
			return process.Result{ExitCode: 1}, &process.ExitError{Code: 1, Stderr: "main.c:1: error"}
		}
		return process.Result{}, nil
	}

	_, err := h.engine.Build(context.Background())
	require.Error(t, err)
	assert.Equal(t, "returned non-zero exit status 1 while building: main.c:1: error.", err.Error())
	assert.True(t, benchtypes.IsKind(err, benchtypes.KindBuild))
	_, cleaned := h.runner.Find("rm -f")
	assert.True(t, cleaned)
}

func TestMeasureCommandLayering(t *testing.T) {
	h := newHarness(t, testutils.HelloWorldC, Options{Niceness: -20, Frequency: 50, Affinity: []int{0}}, nil)
	var measured process.Spec
	h.runner.Handler = func(_ context.Context, spec process.Spec) (process.Result, error) {
		measured = spec
		return process.Result{}, nil
	}

	test := scenario.Test{ID: "1", Args: []string{"a b"}}
	require.NoError(t, h.engine.Measure(context.Background(), &test, ""))

	ws := h.engine.Layout().ScenarioPath
	line := innerLine(measured)
	assert.True(t, strings.HasPrefix(line, "sudo -E LIBRARY_PATH="), line)
	assert.Contains(t, line, "ITERATIONS=1 nice -n -20 perf stat --all-cpus --append -I 50 --json --output "+ws+"/result.json")
	assert.Contains(t, line, "-e probe_libenergy_signal:start_signal,probe_libenergy_signal:stop_signal")
	assert.Contains(t, line, "-e probe_libenergy_signal:startSignal,probe_libenergy_signal:stopSignal")
	assert.True(t, strings.HasSuffix(line, "-e cpu-clock,cycles "+ws+"/main 'a b'"), line)
	assert.Equal(t, []int{0}, measured.Affinity)
	assert.Nil(t, measured.Stdin)
}

func TestMeasureAndVerify(t *testing.T) {
	t.Run("stages payloads and verifies", func(t *testing.T) {
		h := newHarness(t, testutils.HelloWorldC, Options{Iterations: 3}, nil)
		var inputs []string
		measure := h.writes("Hello World\n")
		h.runner.Handler = func(_ context.Context, spec process.Spec) (process.Result, error) {
			if spec.Stdin != nil {
				data, _ := io.ReadAll(spec.Stdin)
				inputs = append(inputs, string(data))
			}
			return measure(spec)
		}

		test := scenario.Test{ID: "1", Stdin: []byte("in\n"), ExpectedStdout: []byte("Hello World\n")}
		var log []string
		work := &recordingScope{name: "work", log: &log}
		env := &recordingScope{name: "env", log: &log}
		require.NoError(t, h.engine.MeasureAndVerify(context.Background(), &test, work, env))

		assert.Nil(t, test.Stdin)
		assert.Nil(t, test.ExpectedStdout)
		assert.Equal(t, []string{"in\n", "in\n", "in\n"}, inputs)
		assert.Equal(t, benchtypes.StateVerified, h.engine.State())

		once := []string{"enter work", "enter env", "release env", "release work"}
		assert.Equal(t, append(append(append([]string{}, once...), once...), once...), log)
	})

	t.Run("warmup runs once with every iteration inside", func(t *testing.T) {
		h := newHarness(t, testutils.HelloWorldC, Options{Iterations: 3, Warmup: true, Timeout: 2 * time.Second}, nil)
		var specs []process.Spec
		measure := h.writes("OK\nOK\nOK\n")
		h.runner.Handler = func(_ context.Context, spec process.Spec) (process.Result, error) {
			specs = append(specs, spec)
			return measure(spec)
		}

		test := scenario.Test{ID: "1", ExpectedStdout: []byte("OK\n")}
		require.NoError(t, h.engine.MeasureAndVerify(context.Background(), &test, nil, nil))

		require.Len(t, specs, 1)
		assert.Contains(t, innerLine(specs[0]), "ITERATIONS=3 nice")
		assert.Equal(t, 6*time.Second, specs[0].Timeout)
		assert.Equal(t, benchtypes.ModeWarmup, h.engine.Mode())
	})

	t.Run("scope failure skips the measurement", func(t *testing.T) {
		h := newHarness(t, testutils.HelloWorldC, Options{}, nil)
		var log []string
		work := &recordingScope{name: "work", log: &log}
		env := &recordingScope{name: "env", log: &log, enterErr: errors.New("no sudo")}

		test := scenario.Test{ID: "1"}
		err := h.engine.MeasureAndVerify(context.Background(), &test, work, env)
		require.EqualError(t, err, "no sudo")
		assert.Equal(t, []string{"enter work", "release work"}, log)
		assert.Empty(t, h.runner.Calls())
	})
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name       string
		warmup     bool
		iterations int
		expected   string
		output     string
		wantErr    string
	}{
		{name: "every iteration matches", warmup: true, iterations: 3, expected: "OK\n", output: "OK\nOK\nOK\n"},
		{name: "single iteration", iterations: 3, expected: "OK\n", output: "OK\n"},
		{name: "short output", warmup: true, iterations: 3, expected: "OK\n", output: "OK\nOK\n",
			wantErr: "test '1' got unexpected stdout for iteration 3: lengths unequal."},
		{name: "wrong content", iterations: 1, expected: "OK\n", output: "KO\n",
			wantErr: "test '1' got unexpected stdout for iteration 1: content unequal."},
		{name: "trailing output", warmup: true, iterations: 3, expected: "OK\n", output: "OK\nOK\nOK\nOK\n",
			wantErr: "scenario has more output than expected."},
		{name: "empty output", iterations: 1, expected: "OK\n", output: "",
			wantErr: "test '1' got unexpected stdout for iteration 1: lengths unequal."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testutils.HelloWorldC, Options{Warmup: tt.warmup, Iterations: tt.iterations}, nil)
			ws := h.engine.Layout().ScenarioPath
			expected := testutils.WriteFile(t, ws, expectedFile, tt.expected)
			testutils.WriteFile(t, ws, outputFile, tt.output)

			err := h.engine.Verify(&scenario.Test{ID: "1"}, expected)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
			assert.True(t, benchtypes.IsKind(err, benchtypes.KindVerify))
		})
	}

	t.Run("nothing expected", func(t *testing.T) {
		h := newHarness(t, testutils.HelloWorldC, Options{}, nil)
		assert.NoError(t, h.engine.Verify(&scenario.Test{ID: "1"}, ""))
	})
}

func TestRenderDiff(t *testing.T) {
	diff := renderDiff("Hello World\n", "Hello Wrld\n")
	assert.Contains(t, diff, `- "o"`)
	assert.Contains(t, diff, `  "Hello W"`)
}

func TestMeasureFailures(t *testing.T) {
	t.Run("non-zero exit", func(t *testing.T) {
		h := newHarness(t, testutils.HelloWorldC, Options{}, func(process.Spec) (process.Result, error) {
			return process.Result{ExitCode: 139}, &process.ExitError{Code: 139, Stderr: "segfault"}
		})
		err := h.engine.Measure(context.Background(), &scenario.Test{ID: "1"}, "")
		require.Error(t, err)
		assert.Equal(t, "exit 139:\nsegfault.", err.Error())
		assert.True(t, benchtypes.IsKind(err, benchtypes.KindMeasure))
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, testutils.HelloWorldC, Options{Timeout: 2 * time.Second}, func(spec process.Spec) (process.Result, error) {
			return process.Result{}, fmt.Errorf("%w after %s", process.ErrTimeout, spec.Timeout)
		})
		err := h.engine.Measure(context.Background(), &scenario.Test{ID: "1"}, "")
		require.Error(t, err)
		assert.Equal(t, "failed while measuring: timed out after 2s.", err.Error())
		assert.True(t, benchtypes.IsKind(err, benchtypes.KindTimeout))
	})

	t.Run("interrupt", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		h := newHarness(t, testutils.HelloWorldC, Options{}, func(process.Spec) (process.Result, error) {
			cancel()
			return process.Result{}, context.Canceled
		})
		err := h.engine.Measure(ctx, &scenario.Test{ID: "1"}, "")
		require.Error(t, err)
		assert.True(t, benchtypes.IsKind(err, benchtypes.KindInterrupt))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestClean(t *testing.T) {
	h := newHarness(t, testutils.HelloWorldC, Options{}, nil)
	h.runner.Handler = func(context.Context, process.Spec) (process.Result, error) {
		return process.Result{ExitCode: 1}, &process.ExitError{Code: 1, Stderr: "nope"}
	}
	ws := h.engine.Layout().ScenarioPath
	for _, name := range []string{inputFile, expectedFile, outputFile} {
		testutils.WriteFile(t, ws, name, "x")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.engine.Clean(ctx)
	require.Error(t, err)
	assert.Equal(t, "failed to clean scenario: nope.", err.Error())
	assert.True(t, benchtypes.IsKind(err, benchtypes.KindClean))
	for _, name := range []string{inputFile, expectedFile, outputFile} {
		assert.NoFileExists(t, filepath.Join(ws, name))
	}
}

func TestInterpretedCleanRunsNothing(t *testing.T) {
	h := newHarness(t, testutils.EchoPython, Options{}, nil)
	require.NoError(t, h.engine.Clean(context.Background()))
	assert.Empty(t, h.runner.Calls())
}

func TestEndToEndHelloWorld(t *testing.T) {
	h := newHarness(t, bareC, Options{Iterations: 1}, nil)
	h.runner.Handler = func(_ context.Context, spec process.Spec) (process.Result, error) {
		if strings.Contains(innerLine(spec), "perf stat") {
			return h.writes("Hello World\n")(spec)
		}
		return process.Result{}, nil
	}
	run := RunKey{Environment: "none", Workload: "none", Timestamp: 1700000000}

	release, err := h.engine.Build(context.Background())
	require.NoError(t, err)
	test := firstTest(t, h)
	assert.Equal(t, scenario.DefaultTestID, test.ID)

	require.NoError(t, h.engine.MeasureAndVerify(context.Background(), &test, nil, nil))
	dst, err := h.engine.MoveResults(&test, run)
	require.NoError(t, err)
	require.NoError(t, release(context.Background()))

	assert.Equal(t, filepath.Join(h.base, "none_none_1700000000", "human", "no-warmup", "C", "hello-world_default", "result.json"), dst)
	assert.FileExists(t, dst)
	assert.NoFileExists(t, filepath.Join(h.engine.Layout().ScenarioPath, resultFile))

	key, err := ParseResultPath(h.base, dst)
	require.NoError(t, err)
	assert.Equal(t, h.engine.Key(&test, run), key)
}

func TestEndToEndVerifiedHelloWorld(t *testing.T) {
	tests := []struct {
		name     string
		warmup   bool
		output   string
		measured int
		mode     string
		wantErr  string
	}{
		{"no warmup", false, "Hello World\n", 3, "no-warmup", ""},
		{"warmup", true, strings.Repeat("Hello World\n", 3), 1, "warmup", ""},
		{"wrong greeting", false, "Hello World!\n", 1, "no-warmup",
			"test '1' got unexpected stdout for iteration 1: content unequal."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testutils.HelloWorldC, Options{Iterations: 3, Warmup: tt.warmup}, nil)
			h.runner.Handler = func(_ context.Context, spec process.Spec) (process.Result, error) {
				if strings.Contains(innerLine(spec), "perf stat") {
					return h.writes(tt.output)(spec)
				}
				return process.Result{}, nil
			}
			run := RunKey{Environment: "none", Workload: "none", Timestamp: 1700000000}

			release, err := h.engine.Build(context.Background())
			require.NoError(t, err)
			defer func() { require.NoError(t, release(context.Background())) }()

			test := firstTest(t, h)
			assert.Equal(t, "1", test.ID)
			assert.Equal(t, []byte("Hello World\n"), test.ExpectedStdout)

			err = h.engine.MeasureAndVerify(context.Background(), &test, nil, nil)
			measured := 0
			for _, spec := range h.runner.Calls() {
				if strings.Contains(innerLine(spec), "perf stat") {
					measured++
				}
			}
			assert.Equal(t, tt.measured, measured)
			assert.Nil(t, test.ExpectedStdout, "expected output is staged to disk")

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantErr, err.Error())
				assert.True(t, benchtypes.IsKind(err, benchtypes.KindVerify))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, benchtypes.StateVerified, h.engine.State())

			dst, err := h.engine.MoveResults(&test, run)
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(h.base, "none_none_1700000000", "human", tt.mode, "C", "hello-world_1", "result.json"), dst)
			assert.FileExists(t, dst)

			key, err := ParseResultPath(h.base, dst)
			require.NoError(t, err)
			assert.Equal(t, h.engine.Key(&test, run), key)
			assert.Equal(t, "1", key.TestID)
		})
	}
}

func TestMoveResultsWithoutStream(t *testing.T) {
	h := newHarness(t, testutils.HelloWorldC, Options{}, nil)
	_, err := h.engine.MoveResults(&scenario.Test{ID: "1"}, RunKey{Environment: "none", Workload: "none", Timestamp: 1})
	require.Error(t, err)
	assert.Equal(t, "scenario didn't generate a valid result.", err.Error())
	assert.True(t, benchtypes.IsKind(err, benchtypes.KindMeasure))
}

func TestRemoveStaleResult(t *testing.T) {
	h := newHarness(t, testutils.HelloWorldC, Options{}, nil)
	path := testutils.WriteFile(t, h.engine.Layout().ScenarioPath, resultFile, "{}")
	require.NoError(t, h.engine.RemoveStaleResult())
	assert.NoFileExists(t, path)
	require.NoError(t, h.engine.RemoveStaleResult())
}

func TestParseResultPath(t *testing.T) {
	key := ResultKey{
		RunKey:         RunKey{Environment: "lab", Workload: "gimpresize", Timestamp: 1712345678},
		Model:          "gpt-4o",
		Mode:           benchtypes.ModeWarmup,
		Implementation: "Rust",
		Scenario:       "binary_trees",
		TestID:         "3",
	}
	path := ResultPath("/data", key)
	assert.Equal(t, "/data/lab_gimpresize_1712345678/gpt-4o/warmup/Rust/binary_trees_3/result.json", path)

	parsed, err := ParseResultPath("/data", path)
	require.NoError(t, err)
	assert.Equal(t, key, parsed)

	for _, bad := range []string{
		"/data/lab_none/human/warmup/C/x_1/result.json",
		"/data/lab_none_abc/human/warmup/C/x_1/result.json",
		"/data/lab_none_1/human/hot/C/x_1/result.json",
		"/data/lab_none_1/human/warmup/C/x/result.json",
		"/data/lab_none_1/human/warmup/C/x_1/other.json",
		"/data/lab_none_1/human/warmup/C/result.json",
	} {
		t.Run(bad, func(t *testing.T) {
			_, err := ParseResultPath("/data", bad)
			assert.Error(t, err)
		})
	}
}

func TestDiscoverEvents(t *testing.T) {
	listing := `[{"EventName": "instructions"}, {"EventName": "cycles"}, {"EventName": "power/energy-pkg/"}]`

	t.Run("keeps available events in listing order", func(t *testing.T) {
		runner := testutils.NewFakeRunner(func(context.Context, process.Spec) (process.Result, error) {
			return process.Result{Stdout: []byte(listing)}, nil
		})
		events := DiscoverEvents(context.Background(), runner, []string{"power/energy-pkg/", "cycles", "bogus"})
		assert.Equal(t, []string{"cycles", "power/energy-pkg/"}, events)
		assert.Equal(t, []string{"perf list --json --no-desc"}, runner.Lines())
	})

	t.Run("nothing requested", func(t *testing.T) {
		runner := testutils.NewFakeRunner(nil)
		assert.Equal(t, []string{"cpu-clock", "cycles"}, DiscoverEvents(context.Background(), runner, nil))
		assert.Empty(t, runner.Calls())
	})

	t.Run("perf unavailable", func(t *testing.T) {
		runner := testutils.NewFakeRunner(func(context.Context, process.Spec) (process.Result, error) {
			return process.Result{}, errors.New("perf: not found")
		})
		assert.Equal(t, []string{"cpu-clock", "cycles"}, DiscoverEvents(context.Background(), runner, []string{"cycles"}))
	})

	t.Run("no match", func(t *testing.T) {
		runner := testutils.NewFakeRunner(func(context.Context, process.Spec) (process.Result, error) {
			return process.Result{Stdout: []byte(listing)}, nil
		})
		assert.Equal(t, []string{"cpu-clock", "cycles"}, DiscoverEvents(context.Background(), runner, []string{"bogus"}))
	})
}
