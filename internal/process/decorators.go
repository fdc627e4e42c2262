package process

import (
	"strconv"
	"strings"
)

// Decorator transforms a command into the command that runs it under some
// additional layer (a profiler, a priority change, a dependency shell).
type Decorator func(Command) Command

// Compose chains decorators. The first decorator wraps the command directly,
// the last one ends up outermost.
func Compose(decorators ...Decorator) Decorator {
	return func(c Command) Command {
		for _, d := range decorators {
			if d != nil {
				c = d(c)
			}
		}
		return c
	}
}

// Probe events emitted by the energy_signal instrumentation library. Both the
// snake_case and camelCase spellings are tracked.
var probeEvents = []string{
	"probe_libenergy_signal:start_signal,probe_libenergy_signal:stop_signal",
	"probe_libenergy_signal:startSignal,probe_libenergy_signal:stopSignal",
}

// Perf samples hardware counters system-wide every intervalMs milliseconds,
// appending NDJSON records to output.
func Perf(output string, intervalMs int, events []string) Decorator {
	return func(c Command) Command {
		args := Lits("perf", "stat", "--all-cpus", "--append",
			"-I", strconv.Itoa(intervalMs), "--json", "--output", output)
		for _, p := range probeEvents {
			args = append(args, Lit("-e"), Lit(p))
		}
		args = append(args, Lit("-e"), Lit(strings.Join(events, ",")))
		return c.Prepend(args...)
	}
}

// Nice runs the command with the given scheduling niceness.
func Nice(niceness int) Decorator {
	return func(c Command) Command {
		return c.Prepend(Lits("nice", "-n", strconv.Itoa(niceness))...)
	}
}

// Env adds overlay entries to the command.
func Env(vars ...EnvVar) Decorator {
	return func(c Command) Command {
		for _, v := range vars {
			c = c.WithEnv(v.Name, v.Value)
		}
		return c
	}
}

// Sudo elevates the command while preserving the caller's environment. The
// overlay is handed to sudo as NAME=value arguments.
func Sudo() Decorator {
	return func(c Command) Command {
		args := Lits("sudo", "-E")
		for _, e := range c.Env {
			args = append(args, Expr(e.render()))
		}
		return Command{Args: append(args, c.Args...)}
	}
}

// Shell renders the command into a single command line run by a shell. When
// packages is non-empty the shell is a nix-shell that provides them,
// otherwise sh is used.
func Shell(packages []string) Decorator {
	return func(c Command) Command {
		line := c.Shell()
		if len(packages) == 0 {
			return New("sh", "-c", line)
		}
		args := []string{"nix-shell", "--no-build-output", "--quiet", "--packages"}
		args = append(args, packages...)
		args = append(args, "--run", line)
		return New(args...)
	}
}
