package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
)

// Renderer turns markdown into terminal output.
type Renderer func(markdown string) (string, error)

// NewRenderer returns a glamour renderer wrapped at width columns, or the
// plain text renderer when glamour cannot be initialized.
func NewRenderer(width int) Renderer {
	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return PlainRenderer
	}
	return r.Render
}

// PlainRenderer returns the markdown unchanged.
func PlainRenderer(markdown string) (string, error) {
	return strings.TrimRight(markdown, "\n") + "\n", nil
}
