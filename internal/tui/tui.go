// Package tui is a terminal viewer for live connection activity: statuses,
// inbound events and emits, fed from the message bus.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-sockdock/internal/bus"
)

const maxFeedLines = 200

// StatusProvider reports the current status of every known connection.
type StatusProvider func() map[int64]string

type feedLine struct {
	at        time.Time
	direction string
	text      string
}

type model struct {
	sub      *bus.Subscription
	provider StatusProvider

	statuses map[int64]string
	feed     []feedLine
	width    int
}

type tickMsg time.Time
type busMsg bus.Event
type busClosedMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func waitForBus(sub *bus.Subscription) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub.Ch()
		if !ok {
			return busClosedMsg{}
		}
		return busMsg(ev)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tickCmd(), waitForBus(m.sub))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		m.statuses = m.provider()
		return m, tickCmd()
	case busMsg:
		m.apply(bus.Event(msg))
		return m, waitForBus(m.sub)
	case busClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) apply(ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.SocketEvent:
		m.push(feedLine{
			at:        payload.Timestamp,
			direction: payload.Direction,
			text:      fmt.Sprintf("[%d] %s %s", payload.ConnectionID, payload.EventName, truncate(payload.Payload, 120)),
		})
	case bus.StatusChangedEvent:
		text := fmt.Sprintf("[%d] status -> %s", payload.ConnectionID, payload.Status)
		if payload.Message != "" {
			text += " (" + payload.Message + ")"
		}
		m.push(feedLine{at: time.Now(), direction: "status", text: text})
	case bus.SocketErrorEvent:
		m.push(feedLine{
			at:        time.Now(),
			direction: "error",
			text:      fmt.Sprintf("[%d] error: %s", payload.ConnectionID, payload.Message),
		})
	}
}

func (m *model) push(line feedLine) {
	m.feed = append(m.feed, line)
	if len(m.feed) > maxFeedLines {
		m.feed = m.feed[len(m.feed)-maxFeedLines:]
	}
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	inStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	outStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("215"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("sockdock") + "\n\n")

	ids := make([]int64, 0, len(m.statuses))
	for id := range m.statuses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 {
		b.WriteString(dimStyle.Render("no connections") + "\n")
	}
	for _, id := range ids {
		b.WriteString(statusStyle.Render(fmt.Sprintf("connection %d: %s", id, m.statuses[id])) + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("── events ──") + "\n")
	// Show the tail of the feed.
	start := 0
	if len(m.feed) > 20 {
		start = len(m.feed) - 20
	}
	for _, line := range m.feed[start:] {
		style := statusStyle
		switch line.direction {
		case "in":
			style = inStyle
		case "out":
			style = outStyle
		case "error":
			style = errStyle
		case "status":
			style = dimStyle
		}
		b.WriteString(dimStyle.Render(line.at.Local().Format("15:04:05")) + " " + style.Render(line.text) + "\n")
	}

	b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Run drives the viewer until ctx is cancelled or the user quits. It owns
// its bus subscription for the lifetime of the program.
func Run(ctx context.Context, b *bus.Bus, provider StatusProvider) error {
	defer bestEffortResetTTY()

	sub := b.Subscribe("socket.")
	defer b.Unsubscribe(sub)

	m := model{sub: sub, provider: provider, statuses: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return ctx.Err()
	case err := <-done:
		return err
	}
}
