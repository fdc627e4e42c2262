package scenario

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"energybench/pkg/benchtypes"
)

// Save writes the scenario followed by one document per test to path. Tests
// are read from the current file before anything is written, so path may be
// the file the scenario was loaded from.
func (s *Scenario) Save(path string) error {
	var tests []Test
	for test, err := range s.tests(false) {
		if err != nil {
			return saveError(err)
		}
		tests = append(tests, test)
	}

	docs := make([]*yaml.Node, 0, len(tests)+1)
	head, err := literalNode(s)
	if err != nil {
		return saveError(err)
	}
	docs = append(docs, head)
	for _, t := range tests {
		node, err := literalNode(savedTest{
			ID:             t.ID,
			Args:           t.Args,
			Stdin:          payload(t.Stdin),
			ExpectedStdout: payload(t.ExpectedStdout),
		})
		if err != nil {
			return saveError(err)
		}
		docs = append(docs, node)
	}

	f, err := os.Create(path)
	if err != nil {
		return saveError(err)
	}
	enc := yaml.NewEncoder(f)
	enc.SetIndent(4)
	for _, doc := range docs {
		if err := enc.Encode(doc); err != nil {
			f.Close()
			return saveError(err)
		}
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return saveError(err)
	}
	if err := f.Close(); err != nil {
		return saveError(err)
	}

	s.path = path
	return nil
}

// literalNode encodes v and switches multi-line strings to block-literal style.
func literalNode(v any) (*yaml.Node, error) {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return nil, err
	}
	setLiteral(&node)
	return &node, nil
}

func setLiteral(node *yaml.Node) {
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!str" && strings.Contains(node.Value, "\n") {
		node.Style = yaml.LiteralStyle
	}
	for _, child := range node.Content {
		setLiteral(child)
	}
}

func saveError(err error) error {
	return benchtypes.WrapError(benchtypes.KindIO, err, "failed while saving scenario")
}
