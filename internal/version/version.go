// Package version reports the energy-bench build. Values are stamped with
// -ldflags "-X energybench/internal/version.Version=..." at release time.
package version

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Name is the program name shown in version output.
const Name = "energy-bench"

const unknown = "unknown"

var (
	Version   = "0.1.0"
	GitCommit = unknown
	BuildDate = unknown
)

// Info describes the running binary.
type Info struct {
	Version   *semver.Version
	Raw       string
	Commit    string
	BuildDate string
	GoVersion string
	Platform  string
}

// Get parses the stamped version. An unparseable version is an error; the
// remaining fields are filled either way.
func Get() (Info, error) {
	info := Info{
		Raw:       Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	sv, err := semver.NewVersion(Version)
	if err != nil {
		return info, fmt.Errorf("invalid semantic version '%s': %w", Version, err)
	}
	info.Version = sv
	return info, nil
}

// Release returns major.minor.patch, or the raw version when it does not
// parse.
func (i Info) Release() string {
	if i.Version == nil {
		return i.Raw
	}
	return fmt.Sprintf("%d.%d.%d", i.Version.Major(), i.Version.Minor(), i.Version.Patch())
}

// ShortCommit is the commit abbreviated to seven characters, empty when the
// build was not stamped.
func (i Info) ShortCommit() string {
	if i.Commit == unknown || i.Commit == "" {
		return ""
	}
	if len(i.Commit) > 7 {
		return i.Commit[:7]
	}
	return i.Commit
}

// String is the one-line form printed by `energy-bench version`.
func (i Info) String() string {
	if i.Version == nil {
		return fmt.Sprintf("%s v%s (invalid version)", Name, i.Raw)
	}
	parts := []string{fmt.Sprintf("%s v%s", Name, i.Raw)}
	if c := i.ShortCommit(); c != "" {
		parts = append(parts, "commit "+c)
	}
	if i.BuildDate != unknown && i.BuildDate != "" {
		parts = append(parts, "built "+i.BuildDate)
	}
	return strings.Join(parts, ", ")
}

// Detailed is the multi-line form attached to bug reports.
func (i Info) Detailed() string {
	lines := []string{
		fmt.Sprintf("%s v%s", Name, i.Raw),
		"Git Commit: " + i.Commit,
		"Build Date: " + i.BuildDate,
	}
	if i.Version != nil && i.Version.Metadata() != "" {
		lines = append(lines, "Build Metadata: "+i.Version.Metadata())
	}
	return strings.Join(append(lines,
		"Go Version: "+i.GoVersion,
		"Platform: "+i.Platform,
	), "\n")
}

// SetBuildInfo overrides the stamped values.
func SetBuildInfo(version, gitCommit, buildDate string) {
	Version = version
	GitCommit = gitCommit
	BuildDate = buildDate
}
