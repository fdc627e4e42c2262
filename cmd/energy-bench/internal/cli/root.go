// Package cli provides command-line interface setup for energy-bench.
package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"energybench/internal/config"
	"energybench/internal/lock"
	"energybench/internal/logger"
	"energybench/internal/output"
	"energybench/internal/process"
	"energybench/pkg/benchtypes"
)

// App represents the energy-bench CLI application.
type App struct {
	Viper *viper.Viper
	Out   io.Writer

	// Runner executes external commands; a real runner is created when nil.
	Runner process.Runner
	// HostRoot is where kernel interfaces are read from.
	HostRoot string
	// EnsureSuperuser caches sudo credentials before the machine is touched.
	EnsureSuperuser func(ctx context.Context, runner process.Runner) error

	exitCode int
}

// NewApp creates a new energy-bench CLI application.
func NewApp() *App {
	return &App{
		Viper:    config.New(),
		Out:      os.Stdout,
		HostRoot: "/",
		EnsureSuperuser: func(ctx context.Context, runner process.Runner) error {
			return process.EnsureSuperuser(ctx, runner, os.Stdin, os.Stderr)
		},
	}
}

// ExitCode is the status the process should exit with after a successful
// command: the number of errors recorded by a measure run.
func (app *App) ExitCode() int {
	return app.exitCode
}

// CreateRootCommand creates and configures the root command.
func (app *App) CreateRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "energy-bench",
		Short: "Measure and analyze the energy consumption of your code",
		Long: `energy-bench builds scenario programs, runs them under perf inside
controlled machine environments and background workloads, verifies their
output and files every counter stream under a canonical results path.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("base-dir", config.DefaultBaseDir(), "Directory holding results, logs and the instrumentation library")
	flags.String("log-level", "info", "Set log level (debug|info|warn|error)")
	app.bind(flags.Lookup("base-dir"), config.KeyBaseDir)
	flags.String("output", "auto", "Report format (auto|styled|plain|json)")
	app.bind(flags.Lookup("log-level"), config.KeyLogLevel)
	app.bind(flags.Lookup("output"), config.KeyOutput)

	app.addMeasureCommand(rootCmd)
	app.addTuneCommand(rootCmd)
	app.addValidateCommand(rootCmd)
	app.addCodeCommand(rootCmd)
	app.addRunsCommand(rootCmd)
	app.addVersionCommand(rootCmd)

	return rootCmd
}

// setup loads .env files and the configuration and configures the global
// logger. logFile additionally appends records to <base>/logs.txt.
func (app *App) setup(logFile bool) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(app.Viper)
	if err != nil {
		return nil, err
	}
	if err := config.LoadDotEnv(filepath.Join(cfg.BaseDir, ".env")); err != nil {
		return nil, err
	}
	if cfg, err = config.Load(app.Viper); err != nil {
		return nil, err
	}

	file := ""
	if logFile {
		if err := requireBaseDir(cfg.BaseDir); err != nil {
			return nil, err
		}
		file = cfg.LogFile()
	}
	if err := logger.Configure(cfg.LogLevel, file); err != nil {
		return nil, benchtypes.WrapError(benchtypes.KindIO, err, "failed while opening log file")
	}
	return cfg, nil
}

// printer creates the report printer for the configured output mode.
func (app *App) printer(cfg *config.Config) *output.Printer {
	mode, _ := output.ParseMode(cfg.Output)
	return output.NewPrinter(app.Out, output.WithMode(mode))
}

func (app *App) runner() process.Runner {
	if app.Runner == nil {
		app.Runner = process.NewExecRunner(logger.NewStyledLogger("Process"))
	}
	return app.Runner
}

// exclusive holds the machine lock and sudo credentials around fn.
func (app *App) exclusive(ctx context.Context, cfg *config.Config, fn func() error) error {
	l := lock.New(cfg.LockFile())
	if err := l.Acquire(); err != nil {
		return benchtypes.WrapError(benchtypes.KindConfig, err, "")
	}
	defer func() {
		if err := l.Release(); err != nil {
			logger.Warn("Failed to release lock", "err", err)
		}
	}()

	if app.EnsureSuperuser != nil {
		if err := app.EnsureSuperuser(ctx, app.runner()); err != nil {
			return benchtypes.WrapError(benchtypes.KindConfig, err, "")
		}
	}
	return fn()
}

// bind makes a flag the highest-precedence source of a config key.
func (app *App) bind(flag *pflag.Flag, key string) {
	cobra.CheckErr(app.Viper.BindPFlag(key, flag))
}

func requireBaseDir(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) || (err == nil && !info.IsDir()) {
		return benchtypes.ConfigError("base dir %s does not exist, please install first with `make install`", dir)
	}
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed while reading base dir")
	}
	return nil
}
