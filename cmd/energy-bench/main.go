// Package main provides the energy-bench CLI application entry point.
// energy-bench measures the energy consumption of small programs under
// controlled machine conditions.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"energybench/cmd/energy-bench/internal/cli"
	"energybench/internal/logger"
)

func main() {
	app := cli.NewApp()
	rootCmd := app.CreateRootCommand()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		logger.Error(err.Error())
		logger.Warn("program finished with errors")
		logger.Close()
		os.Exit(1)
	}
	logger.Close()
	os.Exit(app.ExitCode())
}
