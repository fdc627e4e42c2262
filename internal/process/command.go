// Package process models external commands as structured argument vectors,
// composes them with decorators and runs them in isolated process groups.
package process

import (
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Arg is a single command token. Literal tokens are quoted when a command is
// rendered for a shell; expression tokens are emitted verbatim so that command
// substitutions and globs are expanded by the shell that finally runs them.
type Arg struct {
	Value string
	Expr  bool
}

// Lit creates a literal token.
func Lit(value string) Arg {
	return Arg{Value: value}
}

// Expr creates a token that is expanded by the shell.
func Expr(value string) Arg {
	return Arg{Value: value, Expr: true}
}

// Lits converts plain strings to literal tokens.
func Lits(values ...string) []Arg {
	args := make([]Arg, len(values))
	for i, v := range values {
		args[i] = Lit(v)
	}
	return args
}

func (a Arg) render() string {
	if a.Expr {
		return a.Value
	}
	return shellquote.Join(a.Value)
}

// EnvVar is an environment overlay entry.
type EnvVar struct {
	Name  string
	Value Arg
}

func (e EnvVar) render() string {
	return e.Name + "=" + e.Value.render()
}

// Command is an argument vector with an environment overlay.
type Command struct {
	Args []Arg
	Env  []EnvVar
}

// New creates a command from literal arguments.
func New(args ...string) Command {
	return Command{Args: Lits(args...)}
}

// Of creates a command from tokens.
func Of(args ...Arg) Command {
	return Command{Args: append([]Arg(nil), args...)}
}

// Prepend returns a copy of the command with args placed in front.
func (c Command) Prepend(args ...Arg) Command {
	out := c.clone()
	out.Args = append(append([]Arg(nil), args...), out.Args...)
	return out
}

// Append returns a copy of the command with args added at the end.
func (c Command) Append(args ...Arg) Command {
	out := c.clone()
	out.Args = append(out.Args, args...)
	return out
}

// WithEnv returns a copy of the command with an additional overlay entry.
func (c Command) WithEnv(name string, value Arg) Command {
	out := c.clone()
	out.Env = append(out.Env, EnvVar{Name: name, Value: value})
	return out
}

func (c Command) clone() Command {
	return Command{
		Args: append([]Arg(nil), c.Args...),
		Env:  append([]EnvVar(nil), c.Env...),
	}
}

// Empty reports whether the command has no arguments.
func (c Command) Empty() bool {
	return len(c.Args) == 0
}

// Shell renders the command as a single shell command line, environment
// overlay first.
func (c Command) Shell() string {
	parts := make([]string, 0, len(c.Env)+len(c.Args))
	for _, e := range c.Env {
		parts = append(parts, e.render())
	}
	for _, a := range c.Args {
		parts = append(parts, a.render())
	}
	return strings.Join(parts, " ")
}

// String renders the command for logging.
func (c Command) String() string {
	return c.Shell()
}

// Argv returns the argument vector for direct execution. Commands that still
// contain shell expressions must be wrapped by a shell decorator first.
func (c Command) Argv() ([]string, error) {
	if c.Empty() {
		return nil, fmt.Errorf("empty command")
	}
	argv := make([]string, len(c.Args))
	for i, a := range c.Args {
		if a.Expr {
			return nil, fmt.Errorf("command %q needs a shell to expand %q", c.Shell(), a.Value)
		}
		argv[i] = a.Value
	}
	return argv, nil
}

// Environ returns the overlay as KEY=VALUE pairs for direct execution.
func (c Command) Environ() ([]string, error) {
	env := make([]string, len(c.Env))
	for i, e := range c.Env {
		if e.Value.Expr {
			return nil, fmt.Errorf("environment variable %s needs a shell to expand %q", e.Name, e.Value.Value)
		}
		env[i] = e.Name + "=" + e.Value.Value
	}
	return env, nil
}
