package cli

import (
	"github.com/spf13/cobra"

	"energybench/internal/config"
	"energybench/internal/environment"
	"energybench/internal/logger"
	"energybench/internal/metrics"
	"energybench/internal/orchestration"
	"energybench/internal/run"
	"energybench/internal/store"
	"energybench/pkg/benchtypes"
)

type measureFlags struct {
	warmup    bool
	noWarmup  bool
	prod      bool
	light     bool
	lab       bool
	workloads []string
	stop      bool
	trial     bool
}

func (f measureFlags) profiles() []environment.Profile {
	var profiles []environment.Profile
	if f.lab {
		profiles = append(profiles, environment.Lab)
	}
	if f.light {
		profiles = append(profiles, environment.Lightweight)
	}
	if f.prod {
		profiles = append(profiles, environment.Production)
	}
	return profiles
}

func (f measureFlags) modes() []benchtypes.Mode {
	var modes []benchtypes.Mode
	if f.warmup {
		modes = append(modes, benchtypes.ModeWarmup)
	}
	if f.noWarmup {
		modes = append(modes, benchtypes.ModeNoWarmup)
	}
	return modes
}

// addMeasureCommand adds the measure command
func (app *App) addMeasureCommand(rootCmd *cobra.Command) {
	var f measureFlags
	measureCmd := &cobra.Command{
		Use:   "measure [scenario.yml...]",
		Short: "Perform measurements on scenario files",
		Long: `Build every scenario and measure each of its tests in every requested
environment, workload and warmup mode. Scenarios, modes and workloads are
shuffled. The process exits with the number of errors recorded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.setup(true)
			if err != nil {
				return err
			}
			return app.exclusive(cmd.Context(), cfg, func() error {
				return app.measure(cmd, cfg, f, args)
			})
		},
	}

	flags := measureCmd.Flags()
	flags.IntP("iterations", "i", 1, "Number of measurement iterations")
	flags.IntP("frequency", "f", 100, "Measurement frequency in milliseconds")
	flags.IntP("sleep", "s", 0, "Seconds to sleep between each measured combination")
	flags.IntP("timeout", "t", 600, "Seconds before a measurement is stopped automatically")
	flags.String("perf-events", "", "Comma separated perf events to record when available")
	app.bind(flags.Lookup("iterations"), config.KeyIterations)
	app.bind(flags.Lookup("frequency"), config.KeyFrequency)
	app.bind(flags.Lookup("sleep"), config.KeySleep)
	app.bind(flags.Lookup("timeout"), config.KeyTimeout)
	app.bind(flags.Lookup("perf-events"), config.KeyPerfEvents)

	flags.BoolVar(&f.noWarmup, "no-warmup", false, "Start the program once per iteration")
	flags.BoolVar(&f.warmup, "warmup", false, "Perform every iteration inside one program run")
	flags.BoolVar(&f.prod, "prod", false, "Enter the 'production' environment before measuring")
	flags.BoolVar(&f.light, "light", false, "Enter the 'lightweight' environment before measuring")
	flags.BoolVar(&f.lab, "lab", false, "Enter the 'lab' environment before measuring")
	flags.StringSliceVar(&f.workloads, "workloads", nil, "Workloads to run in the background while measuring")
	flags.BoolVar(&f.stop, "stop", false, "Stop after any failure")
	flags.BoolVar(&f.trial, "trial", false, "Add a trial run of <base>/trial.yml before the scenarios")

	rootCmd.AddCommand(measureCmd)
}

func (app *App) measure(cmd *cobra.Command, cfg *config.Config, f measureFlags, scenarios []string) error {
	m := metrics.New()
	r := run.New(logger.NewStyledLogger("Measure"), run.OnIssue(m.ObserveIssue))
	runner := app.runner()

	opts := []orchestration.Option{orchestration.WithMetrics(m)}
	ledger, err := store.NewStore(cfg.LedgerFile())
	if err != nil {
		r.Logger().Warn("Run ledger unavailable", "path", cfg.LedgerFile(), "err", err)
	} else {
		defer ledger.Close()
		opts = append(opts, orchestration.WithStore(ledger))
	}

	host := environment.NewHost(app.HostRoot, environment.SudoWriter{Runner: runner}, runner,
		logger.NewStyledLogger("Environment"))
	orch := orchestration.New(cfg, r, runner, host, nil, opts...)

	// Every failure has been recorded on the run by the time Measure returns.
	_ = orch.Measure(cmd.Context(), orchestration.Request{
		Scenarios: scenarios,
		Profiles:  f.profiles(),
		Workloads: f.workloads,
		Modes:     f.modes(),
		Trial:     f.trial,
		Stop:      f.stop,
	})
	orch.FlushMetrics()

	r.Goodbye(app.Out)
	app.exitCode = r.ExitCode()
	return nil
}
