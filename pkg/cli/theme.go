package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	ColorPrimary = lipgloss.Color("#DB2777") // pink
	ColorAccent  = lipgloss.Color("#8B5CF6") // violet
	ColorSuccess = lipgloss.Color("#10B981")
	ColorWarning = lipgloss.Color("#F59E0B")
	ColorError   = lipgloss.Color("#EF4444")
	ColorMuted   = lipgloss.Color("#6B7280")
	ColorSubtle  = lipgloss.Color("#9CA3AF")
)

var (
	Title = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary)

	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorSubtle)

	Dimmed = lipgloss.NewStyle().
		Foreground(ColorMuted)

	Highlight = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)

	Success = lipgloss.NewStyle().
		Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorError)

	// Panel frames generated secrets and next steps.
	Panel = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1)
)

// StatusStyle colours session, agent and channel status words.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "active", "running", "connected", "online":
		return Success
	case "idle", "suspended", "away":
		return WarningStyle
	case "closed", "stopped", "disconnected", "error", "offline":
		return ErrorStyle
	}
	return lipgloss.NewStyle()
}

// TypeStyle colours envelope and event types by family.
func TypeStyle(msgType string) lipgloss.Style {
	switch {
	case msgType == "error":
		return ErrorStyle
	case strings.HasPrefix(msgType, "message."):
		return Highlight
	case strings.HasPrefix(msgType, "session."):
		return Success
	case strings.HasPrefix(msgType, "log."):
		return Dimmed
	}
	return Header
}
