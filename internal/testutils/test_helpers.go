package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// HelloWorldC is a C scenario whose single implicit test expects
// "Hello World\n" on stdout.
const HelloWorldC = `name: hello-world
implementation: c
description: Print a greeting.
dependencies:
    - name: gcc
code: |
    #include <stdio.h>
    int main(void) {
        printf("Hello World\n");
        return 0;
    }
---
expected_stdout: "Hello World\n"
`

// EchoPython is a python scenario with two tests, one with explicit id.
const EchoPython = `name: echo
implementation: python
description: Echo stdin.
dependencies: []
roptions:
    - -O
code: |
    import sys
    sys.stdout.write(sys.stdin.read())
---
id: small
args: [1, two, 3.5]
stdin: "abc\n"
expected_stdout: "abc\n"
---
stdin: "def\n"
expected_stdout: "def\n"
`

// WriteFile writes content to name inside dir and returns the full path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ReadFile reads a file and fails the test on error.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
