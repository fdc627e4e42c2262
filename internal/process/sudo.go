package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// EnsureSuperuser makes sure sudo credentials are cached. When a password is
// needed it is read from in without echo, which requires in to be a terminal.
func EnsureSuperuser(ctx context.Context, runner Runner, in *os.File, prompt io.Writer) error {
	if _, err := runner.Run(ctx, Spec{Command: New("sudo", "-n", "true")}); err == nil {
		return nil
	}

	if !isatty.IsTerminal(in.Fd()) && !isatty.IsCygwinTerminal(in.Fd()) {
		return errors.New("superuser authentication failed: sudo needs a password and stdin is not a terminal")
	}

	fmt.Fprint(prompt, "sudo password: ")
	password, err := term.ReadPassword(int(in.Fd()))
	fmt.Fprintln(prompt)
	if err != nil {
		return fmt.Errorf("failed to read sudo password: %w", err)
	}

	_, err = runner.Run(ctx, Spec{
		Command: New("sudo", "-S", "-v"),
		Stdin:   strings.NewReader(string(password) + "\n"),
	})
	if err != nil {
		return fmt.Errorf("superuser authentication failed: %w", err)
	}
	return nil
}
