// Package scenario loads and saves scenario documents: a benchmarking task
// bound to one implementation language, followed by its correctness tests.
package scenario

import (
	"errors"
	"io"
	"os"
	"reflect"
	"strings"
	"unicode"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"energybench/pkg/benchtypes"
)

// Defaults for optional fields.
const (
	DefaultHardware        = "Ubuntu 22.04.5 LTS x86_64, Intel i7-8700 (12 cores @ 800MHz-4.6GHz), 16GB RAM, NVIDIA GTX 1060 3GB, Caches: L1d/L1i: 192KiB×6, L2: 1.5MiB×6, L3: 12MiB"
	DefaultModel           = "human"
	DefaultTargetFramework = "net9.0"
)

// Dependency is a native package provided by the dependency shell.
type Dependency struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version,omitempty"`
}

// UnmarshalYAML rejects entries that are not mappings.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errDependencyShape
	}
	type plain Dependency
	return node.Decode((*plain)(d))
}

// Package is a language-level package written into the generated manifest.
type Package struct {
	Name    string `yaml:"name" validate:"required"`
	Version string `yaml:"version" validate:"required,pkgversion"`
}

// Scenario is a named benchmarking task.
type Scenario struct {
	Name            string       `yaml:"name"`
	Implementation  string       `yaml:"implementation"`
	Description     string       `yaml:"description"`
	Dependencies    []Dependency `yaml:"dependencies"`
	Options         []string     `yaml:"options,omitempty"`
	ROptions        []string     `yaml:"roptions,omitempty"`
	Hardware        string       `yaml:"hardware"`
	Model           string       `yaml:"model"`
	Code            string       `yaml:"code"`
	Packages        []Package    `yaml:"packages,omitempty"`
	TargetFramework string       `yaml:"target_framework"`
	ClassPaths      []string     `yaml:"class_paths,omitempty"`

	path string
}

// document is the first YAML document as written by users. Required
// mappings are pointers so that absence can be told apart from emptiness.
type document struct {
	Name            *string       `yaml:"name" validate:"required,nospace"`
	Implementation  *string       `yaml:"implementation" validate:"required"`
	Description     *string       `yaml:"description" validate:"required"`
	Dependencies    *[]Dependency `yaml:"dependencies" validate:"required,dive"`
	Options         []string      `yaml:"options"`
	ROptions        []string      `yaml:"roptions"`
	Hardware        string        `yaml:"hardware"`
	Model           string        `yaml:"model"`
	Code            string        `yaml:"code"`
	Packages        []Package     `yaml:"packages" validate:"dive"`
	TargetFramework string        `yaml:"target_framework"`
	ClassPaths      []string      `yaml:"class_paths"`
}

var (
	errDependencyShape = benchtypes.ConfigError("scenario dependencies must have a 'name' and optionally 'version'")
	errPackageShape    = benchtypes.ConfigError("scenario packages must have a 'name' and a valid 'version'")
	errNameSpaces      = benchtypes.ConfigError("scenario 'name' must not have any spaces")
)

// scenarioValidate is the validator instance for scenario documents.
var scenarioValidate *validator.Validate

func init() {
	scenarioValidate = validator.New()
	scenarioValidate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = scenarioValidate.RegisterValidation("nospace", validateNoSpace)
	_ = scenarioValidate.RegisterValidation("pkgversion", validatePackageVersion)
}

func validateNoSpace(fl validator.FieldLevel) bool {
	return !strings.ContainsFunc(fl.Field().String(), unicode.IsSpace)
}

// validatePackageVersion accepts semver constraints (Cargo style) and NuGet
// version ranges.
func validatePackageVersion(fl validator.FieldLevel) bool {
	v := strings.TrimSpace(fl.Field().String())
	if strings.HasPrefix(v, "[") || strings.HasPrefix(v, "(") {
		return strings.HasSuffix(v, "]") || strings.HasSuffix(v, ")")
	}
	_, err := semver.NewConstraint(v)
	return err == nil
}

// Load parses the first document of the scenario file at path. Unknown
// mappings are ignored and missing optional ones take their defaults.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, benchtypes.WrapError(benchtypes.KindConfig, err, "failed while loading scenario")
	}
	defer f.Close()

	var node yaml.Node
	if err := yaml.NewDecoder(f).Decode(&node); err != nil && !errors.Is(err, io.EOF) {
		return nil, loadError(err)
	}

	var doc document
	if !node.IsZero() {
		if err := node.Decode(&doc); err != nil {
			return nil, loadError(err)
		}
	}
	if err := validateDocument(&doc); err != nil {
		return nil, err
	}

	s := &Scenario{
		Name:            *doc.Name,
		Implementation:  *doc.Implementation,
		Description:     *doc.Description,
		Dependencies:    *doc.Dependencies,
		Options:         nilIfEmpty(doc.Options),
		ROptions:        nilIfEmpty(doc.ROptions),
		Hardware:        doc.Hardware,
		Model:           doc.Model,
		Code:            doc.Code,
		Packages:        nilIfEmpty(doc.Packages),
		TargetFramework: doc.TargetFramework,
		ClassPaths:      nilIfEmpty(doc.ClassPaths),
		path:            path,
	}
	s.applyDefaults()
	return s, nil
}

func loadError(err error) error {
	var be *benchtypes.Error
	if errors.As(err, &be) {
		return be
	}
	return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while loading scenario")
}

func validateDocument(doc *document) error {
	err := scenarioValidate.Struct(doc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while validating scenario")
	}

	var missing []string
	for _, fe := range verrs {
		switch {
		case strings.Contains(fe.Namespace(), "dependencies["):
			return errDependencyShape
		case strings.Contains(fe.Namespace(), "packages["):
			return errPackageShape
		case fe.Tag() == "required":
			missing = append(missing, fe.Field())
		case fe.Tag() == "nospace":
			return errNameSpaces
		}
	}
	if len(missing) > 0 {
		return benchtypes.ConfigError("scenario missing required mapping(s): %s", strings.Join(missing, ", "))
	}
	return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while validating scenario")
}

func (s *Scenario) applyDefaults() {
	if s.Hardware == "" {
		s.Hardware = DefaultHardware
	}
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.TargetFramework == "" {
		s.TargetFramework = DefaultTargetFramework
	}
	if s.Dependencies == nil {
		s.Dependencies = []Dependency{}
	}
}

// nilIfEmpty maps an empty optional list to nil, the form Save omits.
func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return s
}

// Path returns the file the scenario was loaded from or last saved to.
func (s *Scenario) Path() string {
	return s.path
}

// DependencyNames returns the names of the declared native dependencies.
func (s *Scenario) DependencyNames() []string {
	names := make([]string, len(s.Dependencies))
	for i, d := range s.Dependencies {
		names[i] = d.Name
	}
	return names
}

// AttachCode replaces the scenario's source code.
func (s *Scenario) AttachCode(code string) {
	s.Code = code
}
