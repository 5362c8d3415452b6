package status

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/watch"
)

type fakeAPI struct {
	started []string
	stopped []string
	err     error
}

func (f *fakeAPI) Statuses(context.Context) ([]watch.Status, error) {
	return []watch.Status{{ConsumerID: "alice"}, {ConsumerID: "bob"}}, f.err
}

func (f *fakeAPI) Start(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return f.err
}

func (f *fakeAPI) Stop(_ context.Context, id string) error {
	f.stopped = append(f.stopped, id)
	return f.err
}

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	nm, ok := next.(Model)
	require.True(t, ok)
	return nm, cmd
}

func loaded(t *testing.T, api *fakeAPI) Model {
	t.Helper()
	m := New(api, 0)
	m, _ = update(t, m, StatusesMsg{Statuses: []watch.Status{
		{ConsumerID: "alice", Phase: watch.PhaseWaiting, HasCursor: true, Cursor: 42, Running: true},
		{ConsumerID: "bob", Phase: watch.PhaseBackoff, ConsecutiveErrors: 2, LastError: "imap dial: refused"},
	}})
	return m
}

func TestViewShowsWatchers(t *testing.T) {
	m := loaded(t, &fakeAPI{})

	view := m.View()
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "waiting")
	assert.Contains(t, view, "42")
	assert.Contains(t, view, "imap dial: refused")
	assert.Contains(t, view, "2 watchers")
}

func TestNavigationAndStart(t *testing.T) {
	api := &fakeAPI{}
	m := loaded(t, api)
	assert.Equal(t, "alice", m.Selected())

	m, _ = update(t, m, keyMsg("j"))
	assert.Equal(t, "bob", m.Selected())
	m, _ = update(t, m, keyMsg("j"))
	assert.Equal(t, "bob", m.Selected())

	m, cmd := update(t, m, keyMsg("s"))
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, ActionMsg{Action: "start", ConsumerID: "bob"}, msg)
	assert.Equal(t, []string{"bob"}, api.started)

	m, _ = update(t, m, msg)
	assert.Contains(t, m.View(), "bob: start requested")

	m, _ = update(t, m, keyMsg("k"))
	_, cmd = update(t, m, keyMsg("x"))
	require.NotNil(t, cmd)
	cmd()
	assert.Equal(t, []string{"alice"}, api.stopped)
}

func TestFetchErrorKeepsLastList(t *testing.T) {
	m := loaded(t, &fakeAPI{})
	m, _ = update(t, m, StatusesMsg{Err: errors.New("connection refused")})

	view := m.View()
	assert.Contains(t, view, "alice")
	assert.Contains(t, view, "connection refused")
}

func TestQuit(t *testing.T) {
	m := loaded(t, &fakeAPI{})
	_, cmd := update(t, m, keyMsg("q"))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
