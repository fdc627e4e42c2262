// Package config resolves energy-bench settings from flags, the environment,
// .env files and an optional config.yaml in the base directory.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"energybench/pkg/benchtypes"
)

// EnvPrefix prefixes every environment variable read by viper.
const EnvPrefix = "ENERGY_BENCH"

// Keys shared by viper, cobra flags and config.yaml.
const (
	KeyBaseDir    = "base-dir"
	KeyIterations = "iterations"
	KeyFrequency  = "frequency"
	KeySleep      = "sleep"
	KeyTimeout    = "timeout"
	KeyLogLevel   = "log-level"
	KeyPerfEvents = "perf-events"
	KeyOutput     = "output"
)

// Config holds the resolved settings.
type Config struct {
	BaseDir    string        `validate:"required"`
	Iterations int           `validate:"min=1"`
	Frequency  int           `validate:"min=1"` // perf sampling interval in milliseconds
	Sleep      time.Duration `validate:"min=0"`
	Timeout    time.Duration `validate:"gt=0"`
	LogLevel   string        `validate:"oneof=debug info warn error fatal"`
	PerfEvents []string
	Output     string `validate:"oneof=auto styled plain json"`
}

// LogFile is where measurement logs are appended.
func (c *Config) LogFile() string {
	return filepath.Join(c.BaseDir, "logs.txt")
}

// TrialScenario is the scenario prepended by --trial.
func (c *Config) TrialScenario() string {
	return filepath.Join(c.BaseDir, "trial.yml")
}

// LockFile guards the machine against concurrent runs.
func (c *Config) LockFile() string {
	return filepath.Join(c.BaseDir, "energy-bench.lock")
}

// LedgerFile is the SQLite run ledger.
func (c *Config) LedgerFile() string {
	return filepath.Join(c.BaseDir, "runs.db")
}

// MetricsFile is the Prometheus textfile written after each run.
func (c *Config) MetricsFile() string {
	return filepath.Join(c.BaseDir, "metrics.prom")
}

var configValidate = validator.New()

// DefaultBaseDir returns ~/.energy-bench.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".energy-bench"
	}
	return filepath.Join(home, ".energy-bench")
}

// New creates a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyBaseDir, DefaultBaseDir())
	v.SetDefault(KeyIterations, 1)
	v.SetDefault(KeyFrequency, 100)
	v.SetDefault(KeySleep, 0)
	v.SetDefault(KeyTimeout, 600)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyPerfEvents, "")
	v.SetDefault(KeyOutput, "auto")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv(KeyPerfEvents, EnvPrefix+"_PERF_EVENTS", "PERF_EVENTS")
	return v
}

// LoadDotEnv loads .env files into the process environment. Variables that
// are already set win; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while loading %s", path)
		}
	}
	return nil
}

// Load resolves the configuration. <base>/config.yaml is merged under flags
// and environment when it exists.
func Load(v *viper.Viper) (*Config, error) {
	base := expandHome(v.GetString(KeyBaseDir))
	configFile := filepath.Join(base, "config.yaml")
	if _, err := os.Stat(configFile); err == nil {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, benchtypes.WrapError(benchtypes.KindConfig, err, "failed while loading %s", configFile)
		}
		base = expandHome(v.GetString(KeyBaseDir))
	}

	cfg := &Config{
		BaseDir:    base,
		Iterations: v.GetInt(KeyIterations),
		Frequency:  v.GetInt(KeyFrequency),
		Sleep:      time.Duration(v.GetInt(KeySleep)) * time.Second,
		Timeout:    time.Duration(v.GetInt(KeyTimeout)) * time.Second,
		LogLevel:   strings.ToLower(v.GetString(KeyLogLevel)),
		PerfEvents: ParseEvents(v.GetString(KeyPerfEvents)),
		Output:     strings.ToLower(v.GetString(KeyOutput)),
	}
	if err := configValidate.Struct(cfg); err != nil {
		return nil, validationError(err)
	}
	return cfg, nil
}

// ParseEvents splits a comma separated event list, dropping blanks.
func ParseEvents(list string) []string {
	var events []string
	for _, evt := range strings.Split(list, ",") {
		if evt = strings.TrimSpace(evt); evt != "" {
			events = append(events, evt)
		}
	}
	return events
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return benchtypes.WrapError(benchtypes.KindConfig, err, "invalid configuration")
	}
	fields := make([]string, len(verrs))
	for i, fe := range verrs {
		fields[i] = strings.ToLower(fe.Field())
	}
	return benchtypes.ConfigError("invalid configuration value(s): %s", strings.Join(fields, ", "))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
