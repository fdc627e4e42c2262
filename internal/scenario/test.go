package scenario

import (
	"encoding/base64"
	"errors"
	"io"
	"iter"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"energybench/pkg/benchtypes"
)

// DefaultTestID identifies the implicit test of a scenario without test documents.
const DefaultTestID = "default"

// Test is one correctness test. Stdin and ExpectedStdout are cleared by the
// engine once they have been staged to disk.
type Test struct {
	ID             string
	Args           []string
	Stdin          []byte
	ExpectedStdout []byte
}

type testDocument struct {
	ID             *string  `yaml:"id"`
	Args           []string `yaml:"args"`
	Stdin          payload  `yaml:"stdin"`
	ExpectedStdout payload  `yaml:"expected_stdout"`
}

type savedTest struct {
	ID             string   `yaml:"id"`
	Args           []string `yaml:"args,omitempty"`
	Stdin          payload  `yaml:"stdin,omitempty"`
	ExpectedStdout payload  `yaml:"expected_stdout,omitempty"`
}

// payload is a byte stream written either as a plain string or as !!binary.
type payload []byte

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *payload) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return errors.New("value must be str or bytes")
	}
	if node.ShortTag() == "!!binary" {
		data, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(node.Value), ""))
		if err != nil {
			return err
		}
		*p = data
		return nil
	}
	*p = []byte(node.Value)
	return nil
}

// MarshalYAML implements yaml.Marshaler. Invalid UTF-8 is written as !!binary.
func (p payload) MarshalYAML() (any, error) {
	if utf8.Valid(p) {
		return string(p), nil
	}
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!binary",
		Value: base64.StdEncoding.EncodeToString(p),
	}, nil
}

// Tests returns the scenario's tests. Every iteration re-reads the scenario
// file, so payloads are never held longer than one test. A scenario without
// test documents yields a single test with id "default".
func (s *Scenario) Tests() iter.Seq2[Test, error] {
	return s.tests(true)
}

func (s *Scenario) tests(implicit bool) iter.Seq2[Test, error] {
	path := s.path
	return func(yield func(Test, error) bool) {
		if path == "" {
			if implicit {
				yield(Test{ID: DefaultTestID}, nil)
			}
			return
		}

		f, err := os.Open(path)
		if err != nil {
			yield(Test{}, testsError(err))
			return
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		var first yaml.Node
		if err := dec.Decode(&first); err != nil {
			if errors.Is(err, io.EOF) {
				if implicit {
					yield(Test{ID: DefaultTestID}, nil)
				}
				return
			}
			yield(Test{}, testsError(err))
			return
		}

		position := 0
		for {
			var node yaml.Node
			err := dec.Decode(&node)
			if errors.Is(err, io.EOF) {
				break
			}
			position++
			if err != nil {
				yield(Test{}, testsError(err))
				return
			}
			test, err := decodeTest(&node, position)
			if !yield(test, err) || err != nil {
				return
			}
		}

		if position == 0 && implicit {
			yield(Test{ID: DefaultTestID}, nil)
		}
	}
}

func decodeTest(node *yaml.Node, position int) (Test, error) {
	var doc testDocument
	if err := node.Decode(&doc); err != nil {
		return Test{}, testsError(err)
	}
	test := Test{
		ID:             strconv.Itoa(position),
		Args:           nilIfEmpty(doc.Args),
		Stdin:          nilIfEmpty(doc.Stdin),
		ExpectedStdout: nilIfEmpty(doc.ExpectedStdout),
	}
	if doc.ID != nil {
		test.ID = *doc.ID
	}
	return test, nil
}

func testsError(err error) error {
	return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while loading tests")
}
