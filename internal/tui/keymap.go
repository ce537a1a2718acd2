// internal/tui/keymap.go
package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the dashboard's keyboard shortcuts. The dashboard is
// read-only, so the surface is small: scroll the feed, toggle it, quit.
type KeyMap struct {
	Up         key.Binding
	Down       key.Binding
	ToggleFeed key.Binding
	Quit       key.Binding
}

func DefaultKeyMap() KeyMap {
	return KeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "scroll up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "scroll down"),
		),
		ToggleFeed: key.NewBinding(
			key.WithKeys("f"),
			key.WithHelp("f", "toggle feed"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns the bindings rendered in the help bar.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.ToggleFeed, k.Quit}
}
