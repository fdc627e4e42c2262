package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"energybench/internal/scenario"
	"energybench/pkg/benchtypes"
)

// Verify compares the captured output with the staged expected output, one
// expected-length chunk per iteration of the last invocation. Without an
// expected file there is nothing to check.
func (e *Engine) Verify(test *scenario.Test, expectedPath string) error {
	if expectedPath == "" {
		return nil
	}

	expected, err := os.ReadFile(expectedPath)
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed to verify")
	}
	out, err := os.Open(e.path(outputFile))
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindIO, err, "failed to verify")
	}
	defer out.Close()

	chunk := make([]byte, len(expected))
	for i := 1; i <= e.iterationsPerInvocation(); i++ {
		n, err := io.ReadFull(out, chunk)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return benchtypes.WrapError(benchtypes.KindIO, err, "failed to verify")
		}
		if n != len(expected) {
			e.logMismatch(test, i, expected, chunk[:n])
			return benchtypes.NewError(benchtypes.KindVerify,
				"test '%s' got unexpected stdout for iteration %d: lengths unequal", test.ID, i)
		}
		if !bytes.Equal(chunk, expected) {
			e.logMismatch(test, i, expected, chunk)
			return benchtypes.NewError(benchtypes.KindVerify,
				"test '%s' got unexpected stdout for iteration %d: content unequal", test.ID, i)
		}
	}

	var rest [1]byte
	if n, _ := out.Read(rest[:]); n > 0 {
		return benchtypes.NewError(benchtypes.KindVerify, "scenario has more output than expected")
	}

	e.state = benchtypes.StateVerified
	return nil
}

func (e *Engine) logMismatch(test *scenario.Test, iteration int, expected, actual []byte) {
	e.logger.Debug("Unexpected stdout", "test", test.ID, "iteration", iteration,
		"diff", renderDiff(string(expected), string(actual)))
}

// renderDiff lists the changed fragments of actual against expected.
func renderDiff(expected, actual string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(expected, actual, false))

	var b strings.Builder
	for _, diff := range diffs {
		switch diff.Type {
		case diffmatchpatch.DiffDelete:
			fmt.Fprintf(&b, "- %q\n", diff.Text)
		case diffmatchpatch.DiffInsert:
			fmt.Fprintf(&b, "+ %q\n", diff.Text)
		case diffmatchpatch.DiffEqual:
			if len(diff.Text) > 50 {
				fmt.Fprintf(&b, "  %q...\n", diff.Text[:47])
			} else {
				fmt.Fprintf(&b, "  %q\n", diff.Text)
			}
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
