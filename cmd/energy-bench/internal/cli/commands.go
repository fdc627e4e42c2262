package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"energybench/internal/environment"
	"energybench/internal/logger"
	"energybench/internal/orchestration"
	"energybench/internal/output"
	"energybench/internal/run"
	"energybench/internal/scenario"
	"energybench/internal/store"
	"energybench/pkg/benchtypes"
)

// addTuneCommand adds the tune command
func (app *App) addTuneCommand(rootCmd *cobra.Command) {
	var prod, light, lab bool
	tuneCmd := &cobra.Command{
		Use:   "tune",
		Short: "Put the machine into an environment and leave it there",
		Long: `Apply the lab, lightweight or production environment without recording
anything to restore. With no flag the machine is left as it is.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.setup(false)
			if err != nil {
				return err
			}

			profile := environment.Default
			switch {
			case lab:
				profile = environment.Lab
			case light:
				profile = environment.Lightweight
			case prod:
				profile = environment.Production
			}
			if profile == environment.Default {
				logger.Info("Nothing to tune")
				return nil
			}

			return app.exclusive(cmd.Context(), cfg, func() error {
				runner := app.runner()
				log := logger.NewStyledLogger("Environment")
				host := environment.NewHost(app.HostRoot, environment.SudoWriter{Runner: runner}, runner, log)
				return orchestration.Tune(cmd.Context(), host, profile, log)
			})
		},
	}

	tuneCmd.Flags().BoolVar(&prod, "prod", false, "Enter the 'production' environment")
	tuneCmd.Flags().BoolVar(&lab, "lab", false, "Enter the 'lab' environment")
	tuneCmd.Flags().BoolVar(&light, "light", false, "Enter the 'lightweight' environment")
	rootCmd.AddCommand(tuneCmd)
}

// addValidateCommand adds the validate command
func (app *App) addValidateCommand(rootCmd *cobra.Command) {
	validateCmd := &cobra.Command{
		Use:   "validate <scenario.yml>...",
		Short: "Check scenario files without measuring them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := app.setup(false)
			if err != nil {
				return err
			}

			p := app.printer(cfg)
			invalid := 0
			for _, v := range orchestration.Validate(args) {
				if v.Err != nil {
					invalid++
					p.Error(fmt.Sprintf("%s: %v", v.Path, v.Err), "path", v.Path, "error", v.Err.Error())
					continue
				}
				p.Success(fmt.Sprintf("%s: %s (%s, %d %s)", v.Path, v.Name, v.Implementation, v.Tests, plural(v.Tests, "test")),
					"path", v.Path, "name", v.Name, "implementation", v.Implementation, "tests", v.Tests)
			}
			if invalid > 0 {
				return benchtypes.ConfigError("%d of %d %s invalid", invalid, len(args), plural(len(args), "scenario"))
			}
			return nil
		},
	}
	rootCmd.AddCommand(validateCmd)
}

// addCodeCommand adds the code command
func (app *App) addCodeCommand(rootCmd *cobra.Command) {
	codeCmd := &cobra.Command{
		Use:   "code <scenario.yml>",
		Short: "Print the code of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := app.setup(false)
			if err != nil {
				return err
			}
			s, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			if strings.TrimSpace(s.Code) == "" {
				return benchtypes.ConfigError("scenario doesn't have any code")
			}
			app.printer(cfg).Code(s.Code)
			return nil
		},
	}
	rootCmd.AddCommand(codeCmd)
}

// addRunsCommand adds the runs command
func (app *App) addRunsCommand(rootCmd *cobra.Command) {
	var limit int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent measure runs from the run ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.setup(false)
			if err != nil {
				return err
			}
			if err := requireBaseDir(cfg.BaseDir); err != nil {
				return err
			}
			ledger, err := store.NewStore(cfg.LedgerFile())
			if err != nil {
				return benchtypes.WrapError(benchtypes.KindIO, err, "failed while opening run ledger")
			}
			defer ledger.Close()

			return listRuns(cmd.Context(), app.printer(cfg), ledger, limit)
		},
	}
	runsCmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func listRuns(ctx context.Context, p *output.Printer, ledger *store.Store, limit int) error {
	runs, err := ledger.Runs(ctx, limit)
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed while reading run ledger")
	}
	if len(runs) == 0 {
		p.Println("no runs recorded")
		return nil
	}
	for _, r := range runs {
		line := fmt.Sprintf("%s %s %d %s, %d failed",
			r.RunID, run.FormatTime(r.StartedAt), r.Total, plural(r.Total, "measurement"), r.Failed)
		fields := []any{"run_id", r.RunID, "started_at", r.StartedAt, "total", r.Total, "failed", r.Failed}
		if r.Failed > 0 {
			p.Error(line, fields...)
		} else {
			p.Success(line, fields...)
		}
	}
	return nil
}

func plural(n int, noun string) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}
