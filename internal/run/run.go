// Package run carries the state of one energy-bench invocation: its id and
// start time, the issue counters and the closing summary.
package run

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

var (
	labelStyle   = lipgloss.NewStyle().Bold(true)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// Run is shared by every component of one invocation.
type Run struct {
	ID    string
	Start time.Time

	logger *log.Logger
	now    func() time.Time

	mu       sync.Mutex
	errors   int
	warnings int
	onIssue  func(fatal bool)
}

// Option customizes a Run.
type Option func(*Run)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Run) { r.now = now }
}

// WithID fixes the run id.
func WithID(id string) Option {
	return func(r *Run) { r.ID = id }
}

// OnIssue registers a callback invoked for every recorded issue.
func OnIssue(fn func(fatal bool)) Option {
	return func(r *Run) { r.onIssue = fn }
}

// New starts a run.
func New(logger *log.Logger, opts ...Option) *Run {
	r := &Run{logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.logger == nil {
		r.logger = log.New(io.Discard)
	}
	r.Start = r.now()
	return r
}

// Logger returns the run logger.
func (r *Run) Logger() *log.Logger {
	return r.logger
}

// Now returns the run clock's current time.
func (r *Run) Now() time.Time {
	return r.now()
}

// Timestamp is the start time in Unix seconds, used in results paths.
func (r *Run) Timestamp() int64 {
	return r.Start.Unix()
}

// RecordIssue logs err and counts it. A fatal issue is an error and is
// returned so the caller stops; anything else is a warning.
func (r *Run) RecordIssue(err error, fatal bool) error {
	r.mu.Lock()
	if fatal {
		r.errors++
	} else {
		r.warnings++
	}
	hook := r.onIssue
	r.mu.Unlock()

	if fatal {
		r.logger.Error(err.Error())
	} else {
		r.logger.Warn(err.Error())
	}
	if hook != nil {
		hook(fatal)
	}
	if fatal {
		return err
	}
	return nil
}

// Errors returns the number of fatal issues.
func (r *Run) Errors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errors
}

// Warnings returns the number of non-fatal issues.
func (r *Run) Warnings() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.warnings
}

// ExitCode is the error count, capped to a valid exit status.
func (r *Run) ExitCode() int {
	return min(r.Errors(), 255)
}

// Summary renders the closing line.
func (r *Run) Summary() string {
	end := r.now()
	errs, warns := r.Errors(), r.Warnings()

	errStyle := okStyle
	if errs > 0 {
		errStyle = errorStyle
	}
	warnStyle := labelStyle
	if warns > 0 {
		warnStyle = warningStyle
	}

	return fmt.Sprintf("%s %s %s %s %s %s %s %s",
		labelStyle.Render("Ended"), FormatTime(end),
		labelStyle.Render("Total Time"), FormatElapsed(end.Sub(r.Start)),
		labelStyle.Render("Errors"), errStyle.Render(fmt.Sprint(errs)),
		labelStyle.Render("Warnings"), warnStyle.Render(fmt.Sprint(warns)))
}

// Goodbye writes the summary followed by a blank line.
func (r *Run) Goodbye(w io.Writer) {
	fmt.Fprintf(w, "%s\n\n", r.Summary())
}

// FormatTime renders t as "dd-mm-YYYY HH:MM:SS UTC".
func FormatTime(t time.Time) string {
	return t.UTC().Format("02-01-2006 15:04:05") + " UTC"
}

// FormatElapsed renders d as HH:MM:SS.ss.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	return fmt.Sprintf("%02d:%02d:%05.2f", hours, minutes, d.Seconds())
}
