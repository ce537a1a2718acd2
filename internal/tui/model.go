// internal/tui/model.go
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rovshanmuradov/sniper-core/internal/events"
	"github.com/rovshanmuradov/sniper-core/internal/executor"
	"github.com/rovshanmuradov/sniper-core/internal/lifecycle"
	"github.com/rovshanmuradov/sniper-core/internal/position"
)

// busEventMsg carries one bus event into the program.
type busEventMsg struct {
	event events.Event
}

// refreshMsg triggers a stats re-pull.
type refreshMsg time.Time

type styles struct {
	header    lipgloss.Style
	title     lipgloss.Style
	label     lipgloss.Style
	value     lipgloss.Style
	good      lipgloss.Style
	bad       lipgloss.Style
	warn      lipgloss.Style
	muted     lipgloss.Style
	tableHead lipgloss.Style
	tableCell lipgloss.Style
	feedBox   lipgloss.Style
	feedTitle lipgloss.Style
	help      lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		header: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(cyan).
			Padding(0, 2),
		title:     lipgloss.NewStyle().Foreground(cyan).Bold(true),
		label:     lipgloss.NewStyle().Foreground(muted),
		value:     lipgloss.NewStyle().Foreground(text),
		good:      lipgloss.NewStyle().Foreground(green).Bold(true),
		bad:       lipgloss.NewStyle().Foreground(red).Bold(true),
		warn:      lipgloss.NewStyle().Foreground(yellow),
		muted:     lipgloss.NewStyle().Foreground(muted),
		tableHead: lipgloss.NewStyle().Foreground(cyan).Bold(true).Padding(0, 1),
		tableCell: lipgloss.NewStyle().Foreground(text).Padding(0, 1),
		feedBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		feedTitle: lipgloss.NewStyle().Foreground(blue).Bold(true),
		help:      lipgloss.NewStyle().Foreground(muted).Padding(0, 1),
	}
}

// model is the dashboard's single screen: header, pipeline states, open
// positions table and a scrolling event feed.
type model struct {
	cfg  Config
	deps Deps
	keys KeyMap

	width  int
	height int
	ready  bool

	machine   lifecycle.MachineStats
	watcher   position.WatcherStats
	router    executor.RouterStats
	positions []position.Position

	feed     []string
	viewport viewport.Model
	showFeed bool

	styles styles
}

func newModel(cfg Config, deps Deps) model {
	m := model{
		cfg:      cfg,
		deps:     deps,
		keys:     DefaultKeyMap(),
		showFeed: true,
		viewport: viewport.New(80, 8),
		styles:   defaultStyles(),
	}
	m.pull()
	return m
}

func (m model) Init() tea.Cmd {
	return m.refreshTick()
}

func (m model) refreshTick() tea.Cmd {
	return tea.Tick(m.cfg.RefreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.resizeViewport()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.ToggleFeed):
			m.showFeed = !m.showFeed
			m.resizeViewport()
			return m, nil
		}

	case refreshMsg:
		m.pull()
		return m, m.refreshTick()

	case busEventMsg:
		m.appendEvent(msg.event)
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// pull refreshes the stats panes from component snapshots.
func (m *model) pull() {
	if m.deps.Machine != nil {
		m.machine = m.deps.Machine.Statistics()
	}
	if m.deps.Watcher != nil {
		m.watcher = m.deps.Watcher.Statistics()
		m.positions = m.deps.Watcher.Snapshot()
	}
	if m.deps.Router != nil {
		m.router = m.deps.Router.Statistics()
	}
}

func (m *model) appendEvent(e events.Event) {
	line := m.formatEvent(e)
	if line == "" {
		return
	}
	m.feed = append(m.feed, line)
	if len(m.feed) > m.cfg.FeedCapacity {
		m.feed = m.feed[len(m.feed)-m.cfg.FeedCapacity:]
	}
	m.viewport.SetContent(strings.Join(m.feed, "\n"))
	m.viewport.GotoBottom()
}

func (m *model) resizeViewport() {
	if m.width <= 0 {
		return
	}
	m.viewport.Width = m.width - 6 // feed border + padding

	// Everything above and below the feed: header box, states line,
	// positions table, feed title + border, help bar.
	tableHeight := len(m.positions) + 2
	if tableHeight < 3 {
		tableHeight = 3
	}
	chrome := 3 + 1 + tableHeight + 3 + 1
	feedHeight := m.height - chrome
	if feedHeight < 3 {
		feedHeight = 3
	}
	m.viewport.Height = feedHeight
}

func (m model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	sections := []string{
		m.renderHeader(),
		m.renderStates(),
		m.renderPositions(),
	}
	if m.showFeed {
		sections = append(sections, m.renderFeed())
	}
	sections = append(sections, m.renderHelp())

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m model) renderHeader() string {
	sep := m.styles.muted.Render(" │ ")

	realizedStyle := m.styles.muted
	if m.watcher.RealizedQuote > 0 {
		realizedStyle = m.styles.good
	} else if m.watcher.RealizedQuote < 0 {
		realizedStyle = m.styles.bad
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Left,
		m.styles.title.Render("⚡ sniper-core"),
		sep,
		m.styles.label.Render("wallet ")+m.styles.value.Render(shorten(m.cfg.Wallet)),
		sep,
		m.styles.label.Render("tokens ")+m.styles.value.Render(fmt.Sprintf("%d/%d", m.machine.NonTerminal, m.machine.Capacity)),
		sep,
		m.styles.label.Render("trades ")+m.styles.value.Render(fmt.Sprintf("%d/%d ok", m.router.Succeeded, m.router.Total)),
		sep,
		m.styles.label.Render("realized ")+realizedStyle.Render(fmt.Sprintf("%+.4f SOL", m.watcher.RealizedQuote)),
	)

	return m.styles.header.Width(m.width - 2).Render(content)
}

func (m model) renderStates() string {
	var parts []string
	for _, s := range lifecycle.AllStates() {
		if s.IsTerminal() {
			continue
		}
		count := m.machine.StateCounts[s]
		if count == 0 {
			continue
		}
		chip := m.styles.value
		if s == lifecycle.StatePositionHeld {
			chip = m.styles.good
		}
		parts = append(parts, chip.Render(fmt.Sprintf("%s %d", s, count)))
	}
	if len(parts) == 0 {
		parts = append(parts, m.styles.muted.Render("pipeline idle"))
	}

	totals := m.styles.muted.Render(fmt.Sprintf("done %d · failed %d · timeout %d · rejected %d",
		m.machine.TotalCompleted, m.machine.TotalFailed, m.machine.TotalTimedOut, m.machine.TotalRejected))

	line := strings.Join(parts, "  ") + "   " + totals
	return lipgloss.NewStyle().Padding(0, 1).Render(line)
}

func (m model) renderPositions() string {
	columns := []column{
		{header: "MINT", width: 14, align: lipgloss.Left},
		{header: "ENTRY", width: 13, align: lipgloss.Right},
		{header: "AMOUNT", width: 14, align: lipgloss.Right},
		{header: "PEAK ROI", width: 10, align: lipgloss.Right},
		{header: "REALIZED", width: 11, align: lipgloss.Right},
		{header: "AGE", width: 9, align: lipgloss.Right},
	}

	if len(m.positions) == 0 {
		return renderTable(columns, nil, m.styles.tableHead, m.styles.tableCell) +
			"\n" + m.styles.muted.Render(" no open positions")
	}

	rows := make([][]string, 0, len(m.positions))
	for _, p := range m.positions {
		rows = append(rows, []string{
			shorten(p.Mint),
			fmt.Sprintf("%.8f", p.EntryPrice),
			fmt.Sprintf("%.2f", p.Amount),
			fmt.Sprintf("%+.1f%%", p.PeakROI*100),
			fmt.Sprintf("%+.4f", p.RealizedQuote),
			p.HeldFor().Round(time.Second).String(),
		})
	}
	return renderTable(columns, rows, m.styles.tableHead, m.styles.tableCell)
}

func (m model) renderFeed() string {
	title := m.styles.feedTitle.Render("Event feed [f]")
	content := lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View())
	return m.styles.feedBox.Width(m.width - 2).Render(content)
}

func (m model) renderHelp() string {
	var parts []string
	for _, b := range m.keys.ShortHelp() {
		parts = append(parts, fmt.Sprintf("%s %s", b.Help().Key, b.Help().Desc))
	}
	return m.styles.help.Render(strings.Join(parts, " · "))
}

func (m model) formatEvent(e events.Event) string {
	ts := m.styles.muted.Render(e.Timestamp().Format("15:04:05"))

	var body string
	switch evt := e.(type) {
	case events.TokenDiscoveredEvent:
		body = fmt.Sprintf("🆕 %s discovered on %s", shorten(evt.Mint), evt.PoolType)

	case events.StateChangedEvent:
		body = m.styles.muted.Render(fmt.Sprintf("%s %s → %s", shorten(evt.Mint), evt.From, evt.To))

	case events.TerminalEvent:
		style := m.styles.muted
		if evt.FinalState == string(lifecycle.StateCompleted) {
			style = m.styles.good
		}
		body = style.Render(fmt.Sprintf("⏹ %s %s %s", shorten(evt.Mint), evt.FinalState, evt.Reason))

	case events.TradeExecutedEvent:
		if evt.Success {
			body = m.styles.good.Render(fmt.Sprintf("✅ %s %s via %s in %s",
				strings.ToUpper(evt.Side), shorten(evt.Mint), evt.Method, evt.Duration.Round(time.Millisecond)))
		} else {
			body = m.styles.bad.Render(fmt.Sprintf("❌ %s %s failed: %s",
				strings.ToUpper(evt.Side), shorten(evt.Mint), evt.Error))
		}

	case events.DuplicateExecutionEvent:
		body = m.styles.warn.Render(fmt.Sprintf("⚠️ double fill on %s", shorten(evt.Mint)))

	case events.PositionOpenedEvent:
		body = m.styles.good.Render(fmt.Sprintf("📈 opened %s @ %.8f", shorten(evt.Mint), evt.EntryPrice))

	case events.PositionScaledOutEvent:
		body = fmt.Sprintf("💰 tier %d on %s: sold %.2f, %.2f left (ROI %+.1f%%)",
			evt.Tier, shorten(evt.Mint), evt.AmountSold, evt.Remaining, evt.ROI*100)

	case events.PositionClosedEvent:
		style := m.styles.good
		if evt.ROI < 0 {
			style = m.styles.bad
		}
		body = style.Render(fmt.Sprintf("🏁 closed %s (%s) ROI %+.1f%% after %s",
			shorten(evt.Mint), evt.Reason, evt.ROI*100, evt.HeldFor.Round(time.Second)))

	default:
		return ""
	}

	return ts + " " + body
}

// shorten trims a base58 key for display.
func shorten(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
