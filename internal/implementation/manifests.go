package implementation

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"energybench/internal/process"
	"energybench/pkg/benchtypes"
)

const (
	csprojFile    = "program.csproj"
	cargoManifest = "Cargo.toml"
	javaMainClass = "Program"
)

func dotnetBuild(l Layout) process.Command {
	return process.Of(which("dotnet")).
		Append(process.Lits("build", l.ScenarioPath, "--nologo", "-v", "q",
			"-p:WarningLevel=0", "-p:UseSharedCompilation=false")...).
		Append(options(l.Scenario.Options)...)
}

func dotnetRun(l Layout) process.Command {
	return process.Of(
		process.Lit("env"),
		process.Expr("DOTNET_ROOT=$(dirname $(readlink -f $(which dotnet)))"),
		l.Target(),
	)
}

func dotnetClean(l Layout) process.Command {
	return process.New("rm", "-rf",
		filepath.Join(l.ScenarioPath, "bin"),
		filepath.Join(l.ScenarioPath, "obj"),
		filepath.Join(l.ScenarioPath, csprojFile),
	)
}

type csproj struct {
	XMLName         xml.Name           `xml:"Project"`
	Sdk             string             `xml:"Sdk,attr"`
	TargetFramework string             `xml:"PropertyGroup>TargetFramework"`
	References      []packageReference `xml:"ItemGroup>PackageReference"`
}

type packageReference struct {
	Include string `xml:"Include,attr"`
	Version string `xml:"Version,attr"`
}

func writeCsproj(l Layout) error {
	project := csproj{Sdk: "Microsoft.NET.Sdk", TargetFramework: l.Scenario.TargetFramework}
	for _, pkg := range l.Scenario.Packages {
		project.References = append(project.References, packageReference{Include: pkg.Name, Version: pkg.Version})
	}
	content, err := xml.Marshal(project)
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while writing %s", csprojFile)
	}
	return writeManifest(filepath.Join(l.ScenarioPath, csprojFile), content)
}

func javaDefinition(name, alias string) definition {
	return definition{
		name: name, aliases: []string{alias}, source: "Program.java", target: javaMainClass,
		build: javacBuild, measure: javaRun, clean: javaClean,
	}
}

func classPath(l Layout) string {
	return l.BaseDir + ":" + l.ScenarioPath + ":" + strings.Join(l.Scenario.ClassPaths, ":")
}

func javacBuild(l Layout) process.Command {
	return process.Of(which("javac")).
		Append(process.Lits("-nowarn", "-d", l.ScenarioPath, "-cp", classPath(l), l.SourcePath)...).
		Append(options(l.Scenario.Options)...)
}

// javaRun names the main class rather than a path; the class path points at
// the workspace.
func javaRun(l Layout) process.Command {
	return process.Of(which("java")).
		Append(process.Lits("--enable-native-access=ALL-UNNAMED", "-cp", classPath(l), javaMainClass)...)
}

func javaClean(l Layout) process.Command {
	return process.Of(process.Lit("rm"), process.Lit("-f"), l.inWorkspace("*.class", true))
}

func cargo(subcommand string, withOptions bool) func(Layout) process.Command {
	return func(l Layout) process.Command {
		cmd := process.Of(which("cargo")).
			Append(process.Lits(subcommand, "--manifest-path", filepath.Join(l.ScenarioPath, cargoManifest))...)
		if withOptions {
			cmd = cmd.Append(options(l.Scenario.Options)...)
		}
		return cmd
	}
}

type cargoToml struct {
	Package      cargoTarget       `toml:"package"`
	Bin          []cargoTarget     `toml:"bin"`
	Dependencies map[string]string `toml:"dependencies"`
}

type cargoTarget struct {
	Name    string `toml:"name"`
	Version string `toml:"version,omitempty"`
	Edition string `toml:"edition,omitempty"`
	Path    string `toml:"path,omitempty"`
}

func writeCargoToml(l Layout) error {
	manifest := cargoToml{
		Package:      cargoTarget{Name: "program", Version: "0.1.0", Edition: "2024"},
		Bin:          []cargoTarget{{Name: "program", Path: "main.rs"}},
		Dependencies: make(map[string]string, len(l.Scenario.Packages)),
	}
	for _, pkg := range l.Scenario.Packages {
		manifest.Dependencies[pkg.Name] = pkg.Version
	}
	content, err := toml.Marshal(manifest)
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while writing %s", cargoManifest)
	}
	return writeManifest(filepath.Join(l.ScenarioPath, cargoManifest), content)
}

func writeManifest(path string, content []byte) error {
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed while writing file")
	}
	return nil
}
