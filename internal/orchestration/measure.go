// Package orchestration drives a batch of scenarios through every
// requested environment, workload and warmup mode.
package orchestration

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"energybench/internal/config"
	"energybench/internal/engine"
	"energybench/internal/environment"
	"energybench/internal/metrics"
	"energybench/internal/process"
	"energybench/internal/run"
	"energybench/internal/scenario"
	"energybench/internal/store"
	"energybench/internal/workload"
	"energybench/pkg/benchtypes"
)

// Lab runs pin the measured process to CPU 0 at the highest priority.
const labNiceness = -20

var labAffinity = []int{0}

// Request describes one measure invocation.
type Request struct {
	Scenarios []string
	Profiles  []environment.Profile // empty means the default environment
	Workloads []string              // named workloads in addition to none
	Modes     []benchtypes.Mode     // empty means both
	Trial     bool                  // prepend <base>/trial.yml
	Stop      bool                  // any issue is fatal
}

// Orchestrator owns the collaborators shared by every scenario of a run.
type Orchestrator struct {
	cfg     *config.Config
	run     *run.Run
	runner  process.Runner
	host    *environment.Host
	logger  *log.Logger
	store   *store.Store
	metrics *metrics.Metrics

	shuffle func(n int, swap func(i, j int))
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithStore records every measured test in the ledger.
func WithStore(s *store.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithMetrics observes builds and measurements.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithShuffle replaces the random permutation of scenarios, modes and
// workloads.
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(o *Orchestrator) { o.shuffle = fn }
}

// WithSleep replaces the pause between combinations.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an orchestrator.
func New(cfg *config.Config, r *run.Run, runner process.Runner, host *environment.Host, logger *log.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = r.Logger()
	}
	o := &Orchestrator{
		cfg:     cfg,
		run:     r,
		runner:  runner,
		host:    host,
		logger:  logger,
		shuffle: rand.Shuffle,
		sleep:   sleep,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// combination is one (environment, workload, mode) cell of the batch.
type combination struct {
	env  *environment.Controller
	work *workload.Workload
	mode benchtypes.Mode
}

// Measure runs the batch. It returns the first fatal issue; non-fatal
// issues are only counted on the run.
func (o *Orchestrator) Measure(ctx context.Context, req Request) error {
	envs := o.environments(req.Profiles)
	works, err := o.workloads(req.Workloads, req.Stop)
	if err != nil {
		return err
	}
	modes := slices.Clone(req.Modes)
	if len(modes) == 0 {
		modes = []benchtypes.Mode{benchtypes.ModeWarmup, benchtypes.ModeNoWarmup}
	}
	scenarios := slices.Clone(req.Scenarios)

	o.shuffle(len(scenarios), func(i, j int) { scenarios[i], scenarios[j] = scenarios[j], scenarios[i] })
	o.shuffle(len(modes), func(i, j int) { modes[i], modes[j] = modes[j], modes[i] })
	o.shuffle(len(works), func(i, j int) { works[i], works[j] = works[j], works[i] })

	if req.Trial {
		scenarios = append([]string{o.cfg.TrialScenario()}, scenarios...)
	}

	opts := engine.Options{
		BaseDir:    o.cfg.BaseDir,
		Timeout:    o.cfg.Timeout,
		Iterations: o.cfg.Iterations,
		Frequency:  o.cfg.Frequency,
		PerfEvents: o.cfg.PerfEvents,
	}
	if slices.Contains(req.Profiles, environment.Lab) {
		opts.Niceness = labNiceness
		opts.Affinity = labAffinity
	}

	var cells []combination
	for _, env := range envs {
		for _, work := range works {
			for _, mode := range modes {
				cells = append(cells, combination{env: env, work: work, mode: mode})
			}
		}
	}

	o.logger.Info("Starting measurements", "scenarios", len(scenarios), "combinations", len(cells), "run", o.run.ID)
	for _, path := range scenarios {
		if err := o.measureScenario(ctx, path, opts, cells, req.Stop); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) environments(profiles []environment.Profile) []*environment.Controller {
	if len(profiles) == 0 {
		profiles = []environment.Profile{environment.Default}
	}
	envs := make([]*environment.Controller, 0, len(profiles))
	for _, p := range profiles {
		envs = append(envs, environment.NewController(o.host, p, o.logger))
	}
	return envs
}

// workloads resolves the named workloads. None is always measured; an
// unknown name is an issue.
func (o *Orchestrator) workloads(names []string, stop bool) ([]*workload.Workload, error) {
	works := []*workload.Workload{workload.New(workload.None, o.runner, o.logger)}
	seen := map[string]bool{}
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		seen[name] = true
		kind, err := workload.Lookup(name)
		if err != nil {
			if err := o.run.RecordIssue(err, stop); err != nil {
				return nil, err
			}
			continue
		}
		if kind == workload.None {
			continue
		}
		works = append(works, workload.New(kind, o.runner, o.logger))
	}
	return works, nil
}

func (o *Orchestrator) measureScenario(ctx context.Context, path string, opts engine.Options, cells []combination, stop bool) error {
	s, err := scenario.Load(path)
	if err == nil {
		var eng *engine.Engine
		eng, err = engine.New(s, o.runner, o.logger, opts)
		if err == nil {
			return o.runCombinations(ctx, eng, cells, stop)
		}
	}
	return o.run.RecordIssue(err, stop)
}

func (o *Orchestrator) runCombinations(ctx context.Context, eng *engine.Engine, cells []combination, stop bool) error {
	for _, cell := range cells {
		eng.SetMode(cell.mode)

		err := o.runCombination(ctx, eng, cell)
		interrupted := ctx.Err() != nil || benchtypes.IsKind(err, benchtypes.KindInterrupt)
		switch {
		case interrupted:
			if err == nil {
				err = benchtypes.WrapError(benchtypes.KindInterrupt, context.Cause(ctx), "manually exited")
			}
			err = o.run.RecordIssue(err, true)
		case err != nil:
			err = o.run.RecordIssue(err, stop)
		default:
			o.logger.Info("ok!")
		}

		if rmErr := eng.RemoveStaleResult(); rmErr != nil {
			o.logger.Warn("Failed to remove stale result", "err", rmErr)
		}
		if err != nil {
			return err
		}

		if o.cfg.Sleep > 0 {
			o.logger.Info("Sleeping", "seconds", int(o.cfg.Sleep.Seconds()))
			if serr := o.sleep(ctx, o.cfg.Sleep); serr != nil {
				return o.run.RecordIssue(benchtypes.WrapError(benchtypes.KindInterrupt, serr, "manually exited"), true)
			}
		}
	}
	return nil
}

// runCombination builds the scenario, measures every test and cleans up.
func (o *Orchestrator) runCombination(ctx context.Context, eng *engine.Engine, cell combination) (err error) {
	s := eng.Scenario()
	kind := eng.Kind().String()
	o.logger.Info("Current scenario",
		"scenario", s.Name,
		"implementation", kind,
		"warmup", cell.mode == benchtypes.ModeWarmup,
		"environment", cell.env.Name(),
		"workload", cell.work.Name(),
		"machine", o.describe())

	release, err := eng.Build(ctx)
	if err != nil {
		o.observeBuild(kind, metrics.OutcomeFailed)
		return err
	}
	o.observeBuild(kind, metrics.OutcomeOK)
	defer func() {
		err = errors.Join(err, release(ctx))
	}()

	key := engine.RunKey{
		Environment: cell.env.Name(),
		Workload:    cell.work.Name(),
		Timestamp:   o.run.Timestamp(),
	}
	for test, terr := range s.Tests() {
		if terr != nil {
			return terr
		}
		o.logger.Info("Running test", "scenario", s.Name, "test", test.ID, "mode", cell.mode)
		if err := o.measureTest(ctx, eng, &test, cell, key); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) measureTest(ctx context.Context, eng *engine.Engine, test *scenario.Test, cell combination, key engine.RunKey) error {
	started := o.run.Now()
	err := eng.MeasureAndVerify(ctx, test, cell.work, cell.env)
	var dst string
	if err == nil {
		dst, err = eng.MoveResults(test, key)
	}
	elapsed := o.run.Now().Sub(started)

	outcome := metrics.OutcomeOK
	status := store.StatusOK
	switch {
	case ctx.Err() != nil || benchtypes.IsKind(err, benchtypes.KindInterrupt):
		outcome, status = metrics.OutcomeInterrupted, store.StatusInterrupted
	case err != nil:
		outcome, status = metrics.OutcomeFailed, store.StatusFailed
	}

	s := eng.Scenario()
	if o.metrics != nil {
		o.metrics.ObserveMeasurement(eng.Kind().String(), s.Name, cell.mode.String(), outcome, elapsed)
	}
	if o.store != nil {
		m := &store.Measurement{
			RunID:          o.run.ID,
			Scenario:       s.Name,
			Implementation: eng.Kind().String(),
			Model:          s.Model,
			Environment:    key.Environment,
			Workload:       key.Workload,
			Mode:           cell.mode.String(),
			TestID:         test.ID,
			Status:         status,
			ResultPath:     dst,
			StartedAt:      started,
			Duration:       elapsed,
		}
		if err != nil {
			m.Error = err.Error()
		}
		if rerr := o.store.Record(context.WithoutCancel(ctx), m); rerr != nil {
			o.logger.Warn("Failed to record measurement", "err", rerr)
		}
	}
	return err
}

func (o *Orchestrator) observeBuild(kind, outcome string) {
	if o.metrics != nil {
		o.metrics.ObserveBuild(kind, outcome)
	}
}

func (o *Orchestrator) describe() string {
	if o.host == nil {
		return "unknown"
	}
	return o.host.Describe().String()
}

// FlushMetrics writes the metrics textfile, if metrics are collected.
func (o *Orchestrator) FlushMetrics() {
	if o.metrics == nil {
		return
	}
	path := o.cfg.MetricsFile()
	if err := o.metrics.WriteTextfile(path, o.run.Now()); err != nil {
		o.logger.Warn("Failed to write metrics", "path", path, "err", err)
	}
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Tune applies a profile persistently, without recording a snapshot.
func Tune(ctx context.Context, host *environment.Host, profile environment.Profile, logger *log.Logger) error {
	logger.Info("Tuning machine", "environment", profile)
	if err := host.Apply(ctx, profile); err != nil {
		return err
	}
	logger.Info("Machine tuned", "environment", profile, "machine", host.Describe())
	return nil
}
