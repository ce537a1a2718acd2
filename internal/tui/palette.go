// internal/tui/palette.go
package tui

import "github.com/charmbracelet/lipgloss"

// Dashboard color palette.
var (
	cyan   = lipgloss.Color("#00E5FF") // primary highlight
	green  = lipgloss.Color("#2AFFAA") // positive ROI / success
	red    = lipgloss.Color("#FF5555") // negative ROI / errors
	yellow = lipgloss.Color("#FFB500") // warnings
	blue   = lipgloss.Color("#3B82F6") // info / feed
	text   = lipgloss.Color("#ECEFF4") // primary text
	muted  = lipgloss.Color("#6C7280") // secondary text
)
