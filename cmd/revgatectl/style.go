package main

import (
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/muesli/termenv"
)

// glamourStyle picks a light or dark glamour style by probing the
// terminal's background once, rather than re-detecting on every render.
func glamourStyle() glamour.TermRendererOption {
	style := styles.LightStyleConfig
	if termenv.HasDarkBackground() {
		style = styles.DarkStyleConfig
	}
	return glamour.WithStyles(style)
}

func newRenderer(width int) (*glamour.TermRenderer, error) {
	opts := []glamour.TermRendererOption{glamourStyle()}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	return glamour.NewTermRenderer(opts...)
}
