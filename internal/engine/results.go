package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"energybench/internal/scenario"
	"energybench/pkg/benchtypes"
)

// RunKey identifies the combination a result was measured under.
type RunKey struct {
	Environment string
	Workload    string
	Timestamp   int64 // unix seconds at the start of the run
}

// ResultKey locates one relocated counter stream.
type ResultKey struct {
	RunKey
	Model          string
	Mode           benchtypes.Mode
	Implementation string
	Scenario       string
	TestID         string
}

// ResultDir returns the directory of a relocated result:
// <base>/<env>_<workload>_<ts>/<model>/<mode>/<Kind>/<scenario>_<test>.
func ResultDir(base string, k ResultKey) string {
	return filepath.Join(base,
		fmt.Sprintf("%s_%s_%d", k.Environment, k.Workload, k.Timestamp),
		k.Model,
		k.Mode.String(),
		k.Implementation,
		k.Scenario+"_"+k.TestID,
	)
}

// ResultPath returns the path of a relocated result file.
func ResultPath(base string, k ResultKey) string {
	return filepath.Join(ResultDir(base, k), resultFile)
}

// ParseResultPath inverts ResultPath. The run directory is split on its
// first two underscores and the scenario directory on its last one, so test
// ids must not contain underscores for the split to be exact.
func ParseResultPath(base, path string) (ResultKey, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return ResultKey{}, benchtypes.WrapError(benchtypes.KindConfig, err, "'%s' is not a result path", path)
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 6 || parts[5] != resultFile {
		return ResultKey{}, benchtypes.ConfigError("'%s' is not a result path", path)
	}

	run := strings.SplitN(parts[0], "_", 3)
	if len(run) != 3 {
		return ResultKey{}, benchtypes.ConfigError("'%s' is not a run directory", parts[0])
	}
	ts, err := strconv.ParseInt(run[2], 10, 64)
	if err != nil {
		return ResultKey{}, benchtypes.WrapError(benchtypes.KindConfig, err, "'%s' has no valid timestamp", parts[0])
	}

	mode, ok := benchtypes.ParseMode(parts[2])
	if !ok {
		return ResultKey{}, benchtypes.ConfigError("'%s' is not a warmup mode", parts[2])
	}

	cut := strings.LastIndex(parts[4], "_")
	if cut <= 0 {
		return ResultKey{}, benchtypes.ConfigError("'%s' is not a scenario directory", parts[4])
	}

	return ResultKey{
		RunKey:         RunKey{Environment: run[0], Workload: run[1], Timestamp: ts},
		Model:          parts[1],
		Mode:           mode,
		Implementation: parts[3],
		Scenario:       parts[4][:cut],
		TestID:         parts[4][cut+1:],
	}, nil
}

// Key returns where a result of test measured under run is relocated to.
func (e *Engine) Key(test *scenario.Test, run RunKey) ResultKey {
	return ResultKey{
		RunKey:         run,
		Model:          e.scenario.Model,
		Mode:           e.Mode(),
		Implementation: e.kind.String(),
		Scenario:       e.scenario.Name,
		TestID:         test.ID,
	}
}

// MoveResults relocates the counter stream of test to its canonical path
// and returns that path. Exactly one stream must exist in the workspace.
func (e *Engine) MoveResults(test *scenario.Test, run RunKey) (string, error) {
	matches, err := filepath.Glob(e.path(resultFile))
	if err != nil {
		return "", benchtypes.WrapError(benchtypes.KindIO, err, "failed to move result")
	}
	switch {
	case len(matches) == 0:
		return "", benchtypes.NewError(benchtypes.KindMeasure, "scenario didn't generate a valid result")
	case len(matches) > 1:
		return "", benchtypes.NewError(benchtypes.KindMeasure, "found more than one result")
	}

	dir := ResultDir(e.opts.BaseDir, e.Key(test, run))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", benchtypes.WrapError(benchtypes.KindIO, err, "failed to move result")
	}
	dst := filepath.Join(dir, resultFile)
	if err := move(matches[0], dst); err != nil {
		return "", benchtypes.WrapError(benchtypes.KindIO, err, "failed to move result")
	}
	e.logger.Debug("Moved result", "test", test.ID, "path", dst)
	return dst, nil
}

// move renames src to dst, copying across filesystems.
func move(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
