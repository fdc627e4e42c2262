// Package logger provides centralized logging functionality for energy-bench.
// It configures structured logging with support for a log file and log levels.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// LevelEnv is the environment variable consulted when no level flag is given.
const LevelEnv = "ENERGY_BENCH_LOG_LEVEL"

// Logger is the global logger instance used by the command line.
var Logger *log.Logger

// output is where Logger and every styled logger write.
var output io.Writer = os.Stderr

// logFile is the currently open log file, if any.
var logFile *os.File

func init() {
	Logger = log.New(os.Stderr)
	Logger.SetTimeFormat("")
	Logger.SetLevel(log.InfoLevel)
}

// Configure sets up the logger from CLI flags and environment variables.
// CLI flags take precedence over environment variables. When file is set,
// records are written to stderr and appended to file.
func Configure(level string, file string) error {
	if level == "" {
		level = strings.ToLower(os.Getenv(LevelEnv))
	}
	if level == "" {
		level = "info"
	}

	var out io.Writer = os.Stderr
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		Close()
		logFile = f
		out = io.MultiWriter(os.Stderr, f)
	} else {
		Close()
	}
	output = out

	Logger = log.NewWithOptions(out, log.Options{
		ReportTimestamp: file != "",
		TimeFormat:      "2006-01-02 15:04:05",
	})
	Logger.SetLevel(ParseLevel(level))
	return nil
}

// Close releases the log file opened by Configure.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

// ParseLevel converts a level name to a log level, defaulting to info.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	case "fatal":
		return log.FatalLevel
	default:
		return log.InfoLevel
	}
}

// Debug logs a debug message with optional key-value pairs.
func Debug(msg interface{}, keyvals ...interface{}) {
	Logger.Debug(msg, keyvals...)
}

// Info logs an info message with optional key-value pairs.
func Info(msg interface{}, keyvals ...interface{}) {
	Logger.Info(msg, keyvals...)
}

// Warn logs a warning message with optional key-value pairs.
func Warn(msg interface{}, keyvals ...interface{}) {
	Logger.Warn(msg, keyvals...)
}

// Error logs an error message with optional key-value pairs.
func Error(msg interface{}, keyvals ...interface{}) {
	Logger.Error(msg, keyvals...)
}

// NewStyledLogger creates a component logger (e.g. "Engine", "Environment")
// with level badges and highlighted measurement keys.
func NewStyledLogger(prefix string) *log.Logger {
	styles := log.DefaultStyles()

	styles.Levels[log.InfoLevel] = badge("INFO", "33")
	styles.Levels[log.ErrorLevel] = badge("ERROR", "196")
	styles.Levels[log.DebugLevel] = badge("DEBUG", "240")
	styles.Levels[log.WarnLevel] = badge("WARN", "214")
	styles.Levels[log.FatalLevel] = badge("FATAL", "88")

	styles.Keys["scenario"] = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))
	styles.Keys["test"] = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	styles.Keys["environment"] = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styles.Keys["workload"] = lipgloss.NewStyle().Foreground(lipgloss.Color("51"))
	styles.Keys["err"] = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styles.Keys["command"] = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))

	styles.Values["scenario"] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99"))
	styles.Values["err"] = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))

	componentLogger := log.NewWithOptions(output, log.Options{
		Prefix:          prefix + " ",
		ReportTimestamp: logFile != nil,
		TimeFormat:      "2006-01-02 15:04:05",
	})
	componentLogger.SetStyles(styles)
	componentLogger.SetLevel(Logger.GetLevel())

	return componentLogger
}

func badge(label, background string) lipgloss.Style {
	return lipgloss.NewStyle().
		SetString(label).
		Padding(0, 1, 0, 1).
		Background(lipgloss.Color(background)).
		Foreground(lipgloss.Color("15"))
}
