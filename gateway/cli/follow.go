package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"github.com/lisa-ai/lisa/gateway/events"
	"github.com/lisa-ai/lisa/pkg/cli"
)

const maxFollowLines = 1000

// eventMsg carries one event from the stream into the follow view.
type eventMsg struct {
	event events.Event
}

// streamEndedMsg reports that the event stream stopped.
type streamEndedMsg struct {
	err error
}

var (
	quitKeys   = key.NewBinding(key.WithKeys("ctrl+c", "q"))
	bottomKeys = key.NewBinding(key.WithKeys("G", "end"))
	topKeys    = key.NewBinding(key.WithKeys("g", "home"))
	scrollKeys = key.NewBinding(key.WithKeys("j", "k", "up", "down", "pgup", "pgdown"))
)

// followModel is a full-screen scrolling view of the admin event stream.
type followModel struct {
	viewport   viewport.Model
	source     string
	lines      []string
	autoScroll bool
	status     string
}

func newFollowModel(source string) followModel {
	return followModel{
		viewport:   viewport.New(80, 20),
		source:     source,
		autoScroll: true,
		status:     "following",
	}
}

func (m followModel) Init() tea.Cmd {
	return nil
}

func (m followModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-4, 3) // header, status and help lines
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, quitKeys):
			return m, tea.Quit
		case key.Matches(msg, bottomKeys):
			m.autoScroll = true
			m.viewport.GotoBottom()
			return m, nil
		case key.Matches(msg, topKeys):
			m.autoScroll = false
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, scrollKeys):
			m.autoScroll = false
		}

	case eventMsg:
		m.lines = append(m.lines, formatEvent(msg.event))
		if len(m.lines) > maxFollowLines {
			m.lines = m.lines[len(m.lines)-maxFollowLines:]
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		if m.autoScroll {
			m.viewport.GotoBottom()
		}
		return m, nil

	case streamEndedMsg:
		m.status = "stream closed"
		if msg.err != nil {
			m.status = "stream closed: " + msg.err.Error()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m followModel) View() string {
	header := cli.Title.Render("lisa-gateway events") + "  " + cli.Dimmed.Render(m.source)
	status := cli.Dimmed.Render(fmt.Sprintf("%d events  %s", len(m.lines), m.status))
	help := cli.Dimmed.Render("q quit  j/k scroll  g top  G follow")
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), status, help)
}

// runFollowView shows the event stream in a full-screen view until the user
// quits, ctx ends or the stream closes and the user leaves.
func runFollowView(ctx context.Context, conn *websocket.Conn, source string) error {
	p := tea.NewProgram(newFollowModel(source), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			var ev events.Event
			if err := conn.ReadJSON(&ev); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
				p.Send(streamEndedMsg{err: err})
				return
			}
			p.Send(eventMsg{event: ev})
		}
	}()

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("event view: %w", err)
	}
	return nil
}
