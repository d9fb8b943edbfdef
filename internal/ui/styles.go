// Package ui renders CLI output for kbserve commands: knowledge base
// tables, ingest summaries, and search results. Output degrades to
// plain text when stdout is not a terminal.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Color palette, 256-color codes.
const (
	ColorCyan   = "45"  // Primary accent: names, headers
	ColorGreen  = "78"  // Success
	ColorYellow = "220" // Warnings, skipped files
	ColorRed    = "196" // Errors
	ColorGray   = "245" // Secondary text
)

// Styles holds the lipgloss styles used by the CLI printer.
type Styles struct {
	Header  lipgloss.Style
	Name    lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Dim     lipgloss.Style
	Score   lipgloss.Style
}

// DefaultStyles returns the colored style set.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorCyan)),
		Name:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorCyan)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGreen)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Score:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGreen)),
	}
}

// PlainStyles returns an unstyled set for non-terminal output.
func PlainStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle(),
		Name:    lipgloss.NewStyle(),
		Success: lipgloss.NewStyle(),
		Warning: lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Score:   lipgloss.NewStyle(),
	}
}

// GetStyles picks the style set: colored when the writer is a terminal
// and noColor is false, plain otherwise.
func GetStyles(noColor bool) Styles {
	if noColor || !stdoutIsTerminal() {
		return PlainStyles()
	}
	return DefaultStyles()
}

func stdoutIsTerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
