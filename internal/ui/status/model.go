// Package status is the terminal dashboard for a running mailwatch.
package status

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/mailwatch/internal/keys"
	"github.com/nhle/mailwatch/internal/theme"
	"github.com/nhle/mailwatch/internal/watch"
)

// API is the control surface the dashboard drives.
type API interface {
	Statuses(ctx context.Context) ([]watch.Status, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
}

// requestTimeout bounds each API call.
const requestTimeout = 5 * time.Second

// StatusesMsg carries a refreshed watcher list.
type StatusesMsg struct {
	Statuses []watch.Status
	Err      error
}

// ActionMsg reports the result of a start or stop.
type ActionMsg struct {
	Action     string
	ConsumerID string
	Err        error
}

type tickMsg time.Time

// Model is the dashboard.
type Model struct {
	api      API
	keys     *keys.KeyMap
	help     help.Model
	spinner  spinner.Model
	interval time.Duration

	statuses   []watch.Status
	selected   int
	loading    bool
	err        error
	notice     string
	lastUpdate time.Time

	width  int
	height int
}

// New creates a dashboard refreshing every interval.
func New(api API, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(theme.ColorBlue)

	return Model{
		api:      api,
		keys:     keys.DefaultKeyMap(),
		help:     help.New(),
		spinner:  sp,
		interval: interval,
		loading:  true,
	}
}

// Init fetches immediately and starts the refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick(), m.spinner.Tick)
}

func (m Model) fetch() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		statuses, err := api.Statuses(ctx)
		return StatusesMsg{Statuses: statuses, Err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) act(action, id string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		var err error
		if action == "start" {
			err = api.Start(ctx, id)
		} else {
			err = api.Stop(ctx, id)
		}
		return ActionMsg{Action: action, ConsumerID: id, Err: err}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case StatusesMsg:
		m.loading = false
		m.err = msg.Err
		if msg.Err == nil {
			m.statuses = msg.Statuses
			m.lastUpdate = time.Now()
			if m.selected >= len(m.statuses) {
				m.selected = max(0, len(m.statuses)-1)
			}
		}
		return m, nil

	case ActionMsg:
		if msg.Err != nil {
			m.notice = ""
			m.err = msg.Err
		} else {
			m.err = nil
			m.notice = fmt.Sprintf("%s: %s requested", msg.ConsumerID, msg.Action)
		}
		return m, m.fetch()

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.statuses)-1 {
			m.selected++
		}
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
	case key.Matches(msg, m.keys.Refresh):
		m.loading = true
		return m, m.fetch()
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	case key.Matches(msg, m.keys.Start):
		if id, ok := m.selectedID(); ok {
			return m, m.act("start", id)
		}
	case key.Matches(msg, m.keys.Stop):
		if id, ok := m.selectedID(); ok {
			return m, m.act("stop", id)
		}
	}
	return m, nil
}

func (m Model) selectedID() (string, bool) {
	if m.selected < 0 || m.selected >= len(m.statuses) {
		return "", false
	}
	return m.statuses[m.selected].ConsumerID, true
}

// Selected returns the focused consumer id.
func (m Model) Selected() string {
	id, _ := m.selectedID()
	return id
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	title := theme.HeaderStyle.Render("mailwatch")
	if m.loading {
		title += " " + m.spinner.View()
	}
	b.WriteString(title + "\n\n")

	if len(m.statuses) == 0 && !m.loading {
		b.WriteString(theme.ListItemStyle.Render("no consumers configured") + "\n")
	}
	for i, st := range m.statuses {
		row := renderRow(st)
		if i == m.selected {
			b.WriteString(theme.SelectedItemStyle.Render(row))
		} else {
			b.WriteString(theme.ListItemStyle.Render(row))
		}
		b.WriteString("\n")
		if st.LastError != "" {
			b.WriteString(theme.ListItemStyle.Render("  "+theme.ErrorStyle.Render(st.LastError)) + "\n")
		}
	}

	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(theme.ErrorStyle.Render("error: "+m.err.Error()) + "\n")
	} else if m.notice != "" {
		b.WriteString(theme.HelpStyle.Render(m.notice) + "\n")
	}

	bar := fmt.Sprintf("%d watchers", len(m.statuses))
	if !m.lastUpdate.IsZero() {
		bar += " · updated " + m.lastUpdate.Format("15:04:05")
	}
	b.WriteString(theme.StatusBarStyle.Render(bar) + "\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}

func renderRow(st watch.Status) string {
	phase := theme.PhaseStyle(st.Phase.String()).Render(st.Phase.String())
	cursor := "-"
	if st.HasCursor {
		cursor = fmt.Sprintf("%d", st.Cursor)
	}
	row := fmt.Sprintf("%-20s %s cursor %-10s delivered %-6d", st.ConsumerID, phase, cursor, st.Delivered)
	if st.ConsecutiveErrors > 0 {
		row += fmt.Sprintf(" errors %d", st.ConsecutiveErrors)
	}
	return row
}
