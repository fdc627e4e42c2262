// Package implementation describes how each supported language is built,
// run and cleaned.
package implementation

import (
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"energybench/internal/process"
	"energybench/internal/scenario"
	"energybench/pkg/benchtypes"
)

// Kind is the closed set of supported implementation languages.
type Kind int

const (
	C Kind = iota
	Cpp
	Cs
	Java
	GraalVm
	OpenJdk
	Semeru
	Python
	Ruby
	Rust
)

// definition is the static description of one kind. Target paths may be
// globs; they are relative to the scenario workspace.
type definition struct {
	name    string
	aliases []string
	source  string
	target  string
	glob    bool

	build    func(l Layout) process.Command
	measure  func(l Layout) process.Command
	clean    func(l Layout) process.Command
	prebuild func(l Layout) error
}

var definitions = map[Kind]definition{
	C: {
		name: "C", aliases: []string{"c"}, source: "main.c", target: "main",
		build: nativeBuild("gcc"), measure: runTarget, clean: removeTarget,
	},
	Cpp: {
		name: "Cpp", aliases: []string{"c++", "cpp", "cplus", "cplusplus"}, source: "main.cpp", target: "main",
		build: nativeBuild("g++"), measure: runTarget, clean: removeTarget,
	},
	Cs: {
		name: "Cs", aliases: []string{"c#", "cs", "csharp"}, source: "Program.cs",
		target: filepath.Join("bin", "Release", "net*", "program"), glob: true,
		build: dotnetBuild, measure: dotnetRun, clean: dotnetClean, prebuild: writeCsproj,
	},
	Java:    javaDefinition("Java", "java"),
	GraalVm: javaDefinition("GraalVm", "graalvm"),
	OpenJdk: javaDefinition("OpenJdk", "openjdk"),
	Semeru:  javaDefinition("Semeru", "semeru"),
	Python: {
		name: "Python", aliases: []string{"python", "py"}, source: "main.py", target: "main.py",
		measure: interpreted("python"),
	},
	Ruby: {
		name: "Ruby", aliases: []string{"ruby", "rb"}, source: "main.rb", target: "main.rb",
		measure: interpreted("ruby"),
	},
	Rust: {
		name: "Rust", aliases: []string{"rust", "rs"}, source: "main.rs",
		target: filepath.Join("target", "release", "program"),
		build: cargo("build", true), measure: runTarget, clean: cargo("clean", false), prebuild: writeCargoToml,
	},
}

// aliasTable maps every alias to its kind.
var aliasTable = func() map[string]Kind {
	table := make(map[string]Kind)
	for kind, def := range definitions {
		for _, alias := range def.aliases {
			table[alias] = kind
		}
	}
	return table
}()

// Lookup resolves an implementation alias, ignoring case and surrounding
// whitespace.
func Lookup(alias string) (Kind, error) {
	if kind, ok := aliasTable[strings.ToLower(strings.TrimSpace(alias))]; ok {
		return kind, nil
	}
	return 0, benchtypes.ConfigError("%s not a known implementation", alias)
}

// Kinds returns every kind in declaration order.
func Kinds() []Kind {
	return []Kind{C, Cpp, Cs, Java, GraalVm, OpenJdk, Semeru, Python, Ruby, Rust}
}

// String returns the name used in workspace and results paths.
func (k Kind) String() string {
	if def, ok := definitions[k]; ok {
		return def.name
	}
	return "Unknown"
}

// Aliases returns the names Lookup accepts for the kind.
func (k Kind) Aliases() []string {
	return append([]string(nil), definitions[k].aliases...)
}

// Source returns the file name the scenario code is written to.
func (k Kind) Source() string {
	return definitions[k].source
}

// Compiled reports whether the kind has a build step.
func (k Kind) Compiled() bool {
	return definitions[k].build != nil
}

// BuildCommand returns the build command, empty for interpreted kinds.
func (k Kind) BuildCommand(l Layout) process.Command {
	if def := definitions[k]; def.build != nil {
		return def.build(l)
	}
	return process.Command{}
}

// MeasureCommand returns the command that runs the program.
func (k Kind) MeasureCommand(l Layout) process.Command {
	return definitions[k].measure(l)
}

// CleanCommand returns the command that removes build products, empty when
// there are none.
func (k Kind) CleanCommand(l Layout) process.Command {
	if def := definitions[k]; def.clean != nil {
		return def.clean(l)
	}
	return process.Command{}
}

// PreBuild writes any manifest the build needs into the workspace.
func (k Kind) PreBuild(l Layout) error {
	if def := definitions[k]; def.prebuild != nil {
		return def.prebuild(l)
	}
	return nil
}

// Layout locates a scenario's workspace and files.
type Layout struct {
	Kind         Kind
	BaseDir      string
	ScenarioPath string
	SourcePath   string
	TargetPath   string
	Scenario     *scenario.Scenario

	target string
	glob   bool
}

// NewLayout derives the workspace paths <base>/<model>/<Kind>/<name>.
func NewLayout(kind Kind, baseDir string, s *scenario.Scenario) Layout {
	dir := filepath.Join(baseDir, s.Model, kind.String(), s.Name)
	def := definitions[kind]
	return Layout{
		Kind:         kind,
		BaseDir:      baseDir,
		ScenarioPath: dir,
		SourcePath:   filepath.Join(dir, def.source),
		TargetPath:   filepath.Join(dir, def.target),
		Scenario:     s,
		target:       def.target,
		glob:         def.glob,
	}
}

// Target returns the target path as a command token. Glob targets are left
// for the shell to expand.
func (l Layout) Target() process.Arg {
	return l.inWorkspace(l.target, l.glob)
}

// inWorkspace returns a token for rel inside the workspace. When pattern is
// set only the workspace prefix is quoted.
func (l Layout) inWorkspace(rel string, pattern bool) process.Arg {
	if !pattern {
		return process.Lit(filepath.Join(l.ScenarioPath, rel))
	}
	return process.Expr(shellquote.Join(l.ScenarioPath) + "/" + rel)
}

// options are spliced into the command line unquoted so that one entry may
// carry several flags.
func options(values []string) []process.Arg {
	args := make([]process.Arg, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			args = append(args, process.Expr(v))
		}
	}
	return args
}

func which(tool string) process.Arg {
	return process.Expr("$(which " + tool + ")")
}

func nativeBuild(compiler string) func(Layout) process.Command {
	return func(l Layout) process.Command {
		return process.Of(which(compiler), process.Lit(l.SourcePath), process.Lit("-o"), l.Target()).
			Append(options(l.Scenario.Options)...).
			Append(process.Lits("-w", "-lenergy_signal")...)
	}
}

func runTarget(l Layout) process.Command {
	return process.Of(l.Target())
}

func removeTarget(l Layout) process.Command {
	return process.Of(process.Lit("rm"), process.Lit("-f"), l.Target())
}

func interpreted(interpreter string) func(Layout) process.Command {
	return func(l Layout) process.Command {
		return process.Of(which(interpreter)).
			Append(options(l.Scenario.ROptions)...).
			Append(process.Lit("--"), l.Target())
	}
}
