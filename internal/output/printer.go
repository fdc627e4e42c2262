package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// Printer writes report lines with semantic styling.
type Printer struct {
	writer io.Writer
	mode   Mode
	styles StyleProvider

	mu sync.Mutex
}

// Option configures a Printer.
type Option func(*Printer)

// WithMode sets the output mode.
func WithMode(mode Mode) Option {
	return func(p *Printer) { p.mode = mode }
}

// WithStyles replaces the terminal palette.
func WithStyles(provider StyleProvider) Option {
	return func(p *Printer) {
		if provider != nil {
			p.styles = provider
		}
	}
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer, options ...Option) *Printer {
	p := &Printer{writer: w, mode: ModeAuto}
	for _, opt := range options {
		opt(p)
	}
	if p.mode == ModeAuto {
		p.mode = ModePlain
		if IsTerminal(w) && os.Getenv("NO_COLOR") == "" {
			p.mode = ModeStyled
		}
	}
	if p.styles == nil {
		p.styles = PlainStyles{}
		if p.mode == ModeStyled {
			p.styles = NewTerminalStyles()
		}
	}
	return p
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Mode returns the resolved output mode.
func (p *Printer) Mode() Mode {
	return p.mode
}

// Println writes text without semantic styling.
func (p *Printer) Println(text string, fields ...any) {
	p.output(SemanticPlain, text, fields)
}

// Info writes an informational line.
func (p *Printer) Info(text string) {
	p.output(SemanticInfo, text, nil)
}

// Success writes a success line.
func (p *Printer) Success(text string, fields ...any) {
	p.output(SemanticSuccess, text, fields)
}

// Warning writes a warning line.
func (p *Printer) Warning(text string) {
	p.output(SemanticWarning, text, nil)
}

// Error writes an error line.
func (p *Printer) Error(text string, fields ...any) {
	p.output(SemanticError, text, fields)
}

// Code writes a block of source code verbatim, ending it with a newline.
// Styles are never applied to code.
func (p *Printer) Code(text string) {
	p.output(SemanticCode, strings.TrimSuffix(text, "\n"), nil)
}

// output renders one line. fields are key/value pairs that only appear
// in JSON mode.
func (p *Printer) output(semantic SemanticType, text string, fields []any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var line string
	switch {
	case p.mode == ModeJSON:
		line = renderJSON(semantic, text, fields)
	case semantic == SemanticCode:
		line = text + "\n"
	default:
		line = p.styles.GetStyle(semantic).Render(text) + "\n"
	}
	_, _ = io.WriteString(p.writer, line)
}

func renderJSON(semantic SemanticType, text string, fields []any) string {
	obj := map[string]any{"type": semantic, "message": text}
	for i := 0; i+1 < len(fields); i += 2 {
		obj[fmt.Sprint(fields[i])] = fields[i+1]
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return text + "\n"
	}
	return string(b) + "\n"
}
