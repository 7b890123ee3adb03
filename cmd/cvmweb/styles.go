package main

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	colorSuccess = lipgloss.AdaptiveColor{Light: "#2e7d32", Dark: "#66bb6a"}
	colorError   = lipgloss.AdaptiveColor{Light: "#c62828", Dark: "#ef5350"}
	colorWarning = lipgloss.AdaptiveColor{Light: "#e65100", Dark: "#ffa726"}
	colorInfo    = lipgloss.AdaptiveColor{Light: "#0277bd", Dark: "#4fc3f7"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#9e9e9e"}
	colorBorder  = lipgloss.AdaptiveColor{Light: "#bdbdbd", Dark: "#616161"}
)

var (
	textBold    = lipgloss.NewStyle().Bold(true)
	textSuccess = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	textError   = lipgloss.NewStyle().Foreground(colorError).Bold(true)
	textWarning = lipgloss.NewStyle().Foreground(colorWarning).Bold(true)
	textInfo    = lipgloss.NewStyle().Foreground(colorInfo)
	textMuted   = lipgloss.NewStyle().Foreground(colorMuted)

	promptBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)
)

// label renders a fixed-width key for key/value listings.
func label(s string) string {
	return textMuted.Width(12).Render(s)
}
