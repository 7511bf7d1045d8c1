// Package termui implements the interpreter's terminal sidepanel. It renders
// the loaded tree as an indented row list with live statuses, driven by a
// Bubble Tea event loop, and exposes the session's operations through key
// bindings.
package termui

import "github.com/charmbracelet/lipgloss"

// Node status glyphs.
const (
	GlyphIdle      = "○"
	GlyphRunning   = "⟳"
	GlyphSuccess   = "✓"
	GlyphFailure   = "✗"
	GlyphExpanded  = "▾"
	GlyphCollapsed = "▸"
)

// Palette adapts to terminal capabilities via lipgloss.
var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
	colorWhite  = lipgloss.Color("255")
)

// --- Header styles ---

var headerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorCyan).
	Padding(0, 1)

var connectedBadge = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(colorGreen).
	Padding(0, 1)

var disconnectedBadge = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(colorRed).
	Padding(0, 1)

var autorunBadge = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("0")).
	Background(colorYellow).
	Padding(0, 1)

// --- Row styles ---

var (
	rowIdle = lipgloss.NewStyle().
		Foreground(colorWhite)

	rowRunning = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	rowSuccess = lipgloss.NewStyle().
			Foreground(colorGreen)

	rowFailure = lipgloss.NewStyle().
			Foreground(colorRed)

	rowCursor = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	rowDim = lipgloss.NewStyle().
		Faint(true)
)

// --- Key bar styles ---

var (
	keyStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	keyDescStyle = lipgloss.NewStyle().
			Foreground(colorDim)

	keyBarStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// --- Error style ---

var errorStyle = lipgloss.NewStyle().
	Foreground(colorRed).
	Bold(true)
