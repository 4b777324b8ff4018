// Package markdown renders assistant replies and tool output for the terminal.
package markdown

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/reflow/wordwrap"
	"github.com/muesli/termenv"
)

// noMarginStyle removes document margins on top of the base style.
const noMarginStyle = `{
	"document": {
		"margin": 0,
		"block_prefix": "",
		"block_suffix": ""
	}
}`

// Renderer wraps glamour with a plain text fallback.
type Renderer struct {
	renderer *glamour.TermRenderer
	width    int
	plain    bool
}

// New creates a renderer wrapping at width. style is a glamour standard style
// name such as "dark" or "light"; an empty style selects automatically.
func New(width int, style string) (*Renderer, error) {
	styleOpt := glamour.WithAutoStyle()
	if style != "" {
		styleOpt = glamour.WithStandardStyle(style)
	}
	r, err := glamour.NewTermRenderer(
		styleOpt,
		glamour.WithStylesFromJSONBytes([]byte(noMarginStyle)),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, err
	}
	return &Renderer{renderer: r, width: width}, nil
}

// NewPlain creates a renderer that only word wraps.
func NewPlain(width int) *Renderer {
	return &Renderer{width: width, plain: true}
}

// ForOutput picks a styled renderer when out supports color and a plain one
// otherwise.
func ForOutput(out *termenv.Output, width int, style string) *Renderer {
	if out == nil || out.Profile == termenv.Ascii {
		return NewPlain(width)
	}
	r, err := New(width, style)
	if err != nil {
		return NewPlain(width)
	}
	return r
}

// Width returns the configured word wrap width.
func (r *Renderer) Width() int {
	return r.width
}

// Plain reports whether output is unstyled.
func (r *Renderer) Plain() bool {
	return r.plain
}

// Render transforms markdown to terminal output. Rendering failures fall back
// to wrapped source text.
func (r *Renderer) Render(markdown string) string {
	if r.plain || r.renderer == nil {
		return wrap(markdown, r.width)
	}
	out, err := r.renderer.Render(markdown)
	if err != nil {
		return wrap(markdown, r.width)
	}
	return strings.Trim(out, "\n")
}

func wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	return wordwrap.String(text, width)
}
