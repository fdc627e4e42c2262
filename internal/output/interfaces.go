// Package output prints command reports for energy-bench. Reports are
// plain text when written to a pipe or file, styled with lipgloss on a
// terminal, or one JSON object per line for scripting.
package output

// StyleProvider renders text for a semantic type.
type StyleProvider interface {
	GetStyle(semantic SemanticType) TextStyle
}

// TextStyle is implemented by lipgloss.Style.
type TextStyle interface {
	Render(strs ...string) string
}

// Mode defines the output modes a printer can operate in.
type Mode int

const (
	// ModeAuto styles output only when the writer is a terminal.
	ModeAuto Mode = iota
	// ModeStyled always styles output.
	ModeStyled
	// ModePlain never styles output.
	ModePlain
	// ModeJSON writes one JSON object per line.
	ModeJSON
)

// ParseMode maps a configuration value to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "", "auto":
		return ModeAuto, true
	case "styled":
		return ModeStyled, true
	case "plain":
		return ModePlain, true
	case "json":
		return ModeJSON, true
	}
	return ModeAuto, false
}

// SemanticType defines the meaning of a line for styling.
type SemanticType string

const (
	SemanticPlain   SemanticType = "plain"
	SemanticInfo    SemanticType = "info"
	SemanticSuccess SemanticType = "success"
	SemanticWarning SemanticType = "warning"
	SemanticError   SemanticType = "error"
	SemanticCode    SemanticType = "code"
)
