package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	zone "github.com/lrstanley/bubblezone"

	"github.com/zjrosen/biomcp/internal/ui/render"
)

// zoneToolPrefix prefixes the bubblezone ids of sidebar entries.
const zoneToolPrefix = "chat-tool:"

func toolZoneID(i int) string {
	return fmt.Sprintf("%s%d", zoneToolPrefix, i)
}

var (
	sidebarStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(render.MutedColor).
			PaddingLeft(1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(render.AssistantColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(render.MutedColor)
	statusStyle = lipgloss.NewStyle().Foreground(render.MutedColor)
	inputStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(render.UserColor)
)

// View implements tea.Model.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		m.viewport.View(),
		inputStyle.Width(m.viewport.Width-2).Render(m.input.View()),
	)
	body := lipgloss.JoinHorizontal(lipgloss.Top, main, m.sidebar())

	parts := []string{body}
	if m.showLog {
		parts = append(parts, m.logPane())
	}
	parts = append(parts, m.statusLine())
	return zone.Scan(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) sidebar() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Tools") + "\n")
	if len(m.tools) == 0 {
		b.WriteString(mutedStyle.Render("none (not connected)"))
	}
	for i, t := range m.tools {
		b.WriteString(zone.Mark(toolZoneID(i), render.Truncate(t.Name, sidebarWidth-2)) + "\n")
	}
	return sidebarStyle.Width(sidebarWidth).Height(m.viewport.Height + inputHeight + 2).Render(strings.TrimRight(b.String(), "\n"))
}

func (m Model) logPane() string {
	lines := make([]string, 0, logLines)
	for _, l := range m.logs {
		lines = append(lines, render.Truncate(l, m.width))
	}
	return mutedStyle.Render(titleStyle.Render("Log") + "\n" + strings.Join(lines, "\n"))
}

func (m Model) statusLine() string {
	st := m.chatter.Status()
	conn := "disconnected"
	if st.Connected {
		conn = fmt.Sprintf("connected (%d tools)", st.AvailableTools)
	}
	state := m.status
	if m.busy {
		state = m.spinner.View() + " " + state
	}
	line := fmt.Sprintf("%s | session %s | %s | ctrl+l logs, esc quit", conn, shortID(m.cfg.SessionID), state)
	return statusStyle.Render(render.Truncate(line, m.width))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
