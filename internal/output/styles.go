package output

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// plainStyle prefixes text with a marker and applies no colour.
type plainStyle string

func (p plainStyle) Render(strs ...string) string {
	out := string(p)
	for _, s := range strs {
		out += s
	}
	return out
}

var markers = map[SemanticType]string{
	SemanticSuccess: "✓ ",
	SemanticWarning: "⚠ ",
	SemanticError:   "✗ ",
	SemanticInfo:    "ℹ ",
}

// PlainStyles renders semantic lines with text markers only.
type PlainStyles struct{}

// GetStyle implements StyleProvider.
func (PlainStyles) GetStyle(semantic SemanticType) TextStyle {
	return plainStyle(markers[semantic])
}

// TerminalStyles renders the markers in colour.
type TerminalStyles struct {
	styles map[SemanticType]lipgloss.Style
}

// NewTerminalStyles creates the default terminal palette.
func NewTerminalStyles() *TerminalStyles {
	// Render joins the marker and the text with a space.
	marker := func(color string, sem SemanticType) lipgloss.Style {
		mark := strings.TrimSpace(markers[sem])
		return lipgloss.NewStyle().SetString(lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render(mark))
	}
	return &TerminalStyles{styles: map[SemanticType]lipgloss.Style{
		SemanticSuccess: marker("2", SemanticSuccess),
		SemanticWarning: marker("3", SemanticWarning),
		SemanticError:   marker("1", SemanticError),
		SemanticInfo:    marker("4", SemanticInfo),
	}}
}

// GetStyle implements StyleProvider.
func (t *TerminalStyles) GetStyle(semantic SemanticType) TextStyle {
	if s, ok := t.styles[semantic]; ok {
		return s
	}
	return plainStyle("")
}
