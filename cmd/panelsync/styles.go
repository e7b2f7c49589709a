package main

import "github.com/charmbracelet/lipgloss"

// Centralized style definitions for the terminal views.
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")) // cyan
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))             // gray
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))             // red

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5")) // magenta

	stateStyles = map[string]lipgloss.Style{
		"live":         lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")), // green
		"reconnecting": lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("3")), // yellow
		"connecting":   lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		"subscribing":  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
	}
	defaultStateStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))

	frameStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8"))
)

func stateStyle(name string) lipgloss.Style {
	if s, ok := stateStyles[name]; ok {
		return s
	}
	return defaultStateStyle
}
