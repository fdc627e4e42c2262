package cli

import (
	"github.com/spf13/cobra"

	"energybench/internal/logger"
	"energybench/internal/version"
)

// addVersionCommand adds the version command
func (app *App) addVersionCommand(rootCmd *cobra.Command) {
	var detailed bool
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show the energy-bench build",
		Long: `Print the energy-bench release with the commit and date it was built
from. Attach --detailed output to bug reports about measurements.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := app.setup(false)
			if err != nil {
				return err
			}
			info, err := version.Get()
			if err != nil {
				logger.Warn("Unstamped build", "err", err)
			}

			text := info.String()
			if detailed {
				text = info.Detailed()
			}
			app.printer(cfg).Println(text,
				"version", info.Raw,
				"release", info.Release(),
				"commit", info.Commit,
				"build_date", info.BuildDate,
				"go", info.GoVersion,
				"platform", info.Platform,
			)
			return nil
		},
	}

	versionCmd.Flags().BoolVar(&detailed, "detailed", false, "Include build metadata, Go version and platform")
	rootCmd.AddCommand(versionCmd)
}
