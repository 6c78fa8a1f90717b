package console

import "github.com/charmbracelet/lipgloss"

// Connection colors.
var (
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// UI chrome colors.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
	ColorAccent = lipgloss.Color("#06b6d4")
)

var (
	StyleHeader   = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	StyleDimmed   = lipgloss.NewStyle().Foreground(ColorDimmed)
	StyleSelected = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	StyleError    = lipgloss.NewStyle().Foreground(ColorDanger)
)

// StatusColor returns the color for a PV status column.
func StatusColor(s pvStatus) lipgloss.Color {
	switch s {
	case statusConnected:
		return ColorHealthy
	case statusDisconnected:
		return ColorDanger
	default:
		return ColorWarning
	}
}
