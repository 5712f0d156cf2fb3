// Package ui holds terminal styling shared by the CLI and console summaries.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Semantic colors.
var (
	Destructive = lipgloss.Color("#e53935")
	Success     = lipgloss.Color("#8BC34A")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
	Muted       = lipgloss.Color("#8a94a6")
)

// Styles is the set of text styles used in console output.
type Styles struct {
	Title lipgloss.Style
	Bold  lipgloss.Style
	Body  lipgloss.Style
	Muted lipgloss.Style
	Error lipgloss.Style
	Warn  lipgloss.Style
	Ok    lipgloss.Style
}

// DefaultStyles returns the console styles. Colors are dropped when
// NO_COLOR is set.
func DefaultStyles() Styles {
	s := Styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(Info),
		Bold:  lipgloss.NewStyle().Bold(true),
		Body:  lipgloss.NewStyle(),
		Muted: lipgloss.NewStyle().Foreground(Muted),
		Error: lipgloss.NewStyle().Foreground(Destructive),
		Warn:  lipgloss.NewStyle().Foreground(Warning),
		Ok:    lipgloss.NewStyle().Foreground(Success),
	}
	if os.Getenv("NO_COLOR") != "" {
		return PlainStyles()
	}
	return s
}

// PlainStyles returns styles with no colors or attributes.
func PlainStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Title: plain, Bold: plain, Body: plain, Muted: plain, Error: plain, Warn: plain, Ok: plain}
}
