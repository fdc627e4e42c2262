package orchestration

import (
	"energybench/internal/implementation"
	"energybench/internal/scenario"
)

// Validation is the outcome of checking one scenario file.
type Validation struct {
	Path           string
	Name           string
	Implementation string
	Tests          int
	Err            error
}

// Validate loads each scenario, resolves its implementation and counts its
// tests without building anything.
func Validate(paths []string) []Validation {
	out := make([]Validation, 0, len(paths))
	for _, path := range paths {
		out = append(out, validateOne(path))
	}
	return out
}

func validateOne(path string) Validation {
	v := Validation{Path: path}
	s, err := scenario.Load(path)
	if err != nil {
		v.Err = err
		return v
	}
	v.Name = s.Name

	kind, err := implementation.Lookup(s.Implementation)
	if err != nil {
		v.Err = err
		return v
	}
	v.Implementation = kind.String()

	for _, err := range s.Tests() {
		if err != nil {
			v.Err = err
			return v
		}
		v.Tests++
	}
	return v
}
