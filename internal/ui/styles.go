package ui

import (
	"github.com/charmbracelet/lipgloss"
)

// Palette shared by every renderer. Dracula-ish so tables and huh forms
// (ThemeDracula) read as one surface.
var (
	ColorAccent = lipgloss.Color("#bd93f9") // Purple
	ColorPass   = lipgloss.Color("#50fa7b") // Green
	ColorWarn   = lipgloss.Color("#ffb86c") // Orange
	ColorFail   = lipgloss.Color("#ff5555") // Red
	ColorMuted  = lipgloss.Color("#6272a4") // Grey-blue
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// RenderPass renders s in the success color when color is enabled.
func RenderPass(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn renders s in the warning color when color is enabled.
func RenderWarn(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return warnStyle.Render(s)
}

// RenderFail renders s in the failure color when color is enabled.
func RenderFail(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return failStyle.Render(s)
}

// RenderAccent renders s in the accent color when color is enabled.
func RenderAccent(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return accentStyle.Render(s)
}

// RenderMuted renders s in the muted color when color is enabled.
func RenderMuted(s string) string {
	if !ShouldUseColor() {
		return s
	}
	return mutedStyle.Render(s)
}
