// Package environment reads and mutates machine-wide settings that affect
// energy and timing determinism: CPU frequency scaling, CPU hotplug, ASLR,
// turbo boost, swap and the page cache.
package environment

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"energybench/internal/process"
	"energybench/pkg/benchtypes"
)

// Writer performs privileged writes to kernel knobs.
type Writer interface {
	WritePrivileged(ctx context.Context, path, value string) error
}

// SudoWriter writes through `sudo tee`, the value fed on stdin.
type SudoWriter struct {
	Runner process.Runner
}

// WritePrivileged implements Writer. Failures are configuration errors and
// are never retried.
func (w SudoWriter) WritePrivileged(ctx context.Context, path, value string) error {
	_, err := w.Runner.Run(ctx, process.Spec{
		Command: process.New("sudo", "tee", path),
		Stdin:   strings.NewReader(value),
		Stdout:  io.Discard,
	})
	if err != nil {
		return benchtypes.WrapError(benchtypes.KindConfig, err, "failed while writing %s with superuser privileges", path)
	}
	return nil
}

// Host is a view of one machine's kernel interfaces rooted at a directory,
// "/" in production.
type Host struct {
	root   string
	writer Writer
	runner process.Runner
	logger *log.Logger
}

// NewHost creates a host view. The runner is used for sync, swapon and swapoff.
func NewHost(root string, writer Writer, runner process.Runner, logger *log.Logger) *Host {
	if root == "" {
		root = "/"
	}
	return &Host{root: root, writer: writer, runner: runner, logger: logger}
}

func (h *Host) path(p string) string {
	return filepath.Join(h.root, p)
}

func (h *Host) exists(p string) bool {
	_, err := os.Stat(h.path(p))
	return err == nil
}

func (h *Host) read(p string) (string, error) {
	data, err := os.ReadFile(h.path(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", benchtypes.NewError(benchtypes.KindIO, "file %s doesn't exist", p)
		}
		return "", benchtypes.WrapError(benchtypes.KindIO, err, "failed while reading %s", p)
	}
	return strings.TrimSpace(string(data)), nil
}

func (h *Host) readInt(p string) (int, error) {
	s, err := h.read(p)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, benchtypes.WrapError(benchtypes.KindIO, err, "unexpected content in %s", p)
	}
	return v, nil
}

func (h *Host) write(ctx context.Context, p, value string) error {
	if h.logger != nil {
		h.logger.Debug("Writing kernel knob", "path", p, "value", value)
	}
	return h.writer.WritePrivileged(ctx, h.path(p), value)
}

func (h *Host) run(ctx context.Context, args ...string) error {
	_, err := h.runner.Run(ctx, process.Spec{Command: process.New(args...)})
	return err
}
