// Package render formats transcripts, tool lists and host status for the
// terminal front ends.
package render

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
	"github.com/rivo/uniseg"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/host"
	"github.com/zjrosen/biomcp/internal/llm"
	"github.com/zjrosen/biomcp/internal/ui/markdown"
)

// Role colors.
var (
	AssistantColor = lipgloss.AdaptiveColor{Light: "#179299", Dark: "#179299"}
	UserColor      = lipgloss.AdaptiveColor{Light: "#FB923C", Dark: "#FB923C"}
	SystemColor    = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}
	MutedColor     = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#666666"}
	OKColor        = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#43BF6D"}
)

var (
	roleStyle   = lipgloss.NewStyle().Bold(true)
	toolStyle   = lipgloss.NewStyle().Foreground(MutedColor)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	errorStyle  = lipgloss.NewStyle().Foreground(SystemColor)
	okStyle     = lipgloss.NewStyle().Foreground(OKColor)
)

// Entry is one rendered transcript item.
type Entry struct {
	Role    llm.Role
	Content string
	// ToolCalls lists tools the assistant used before replying.
	ToolCalls []llm.CallRecord
	Err       bool
}

// EntryFromCompletion builds the assistant entry for a completed turn.
func EntryFromCompletion(c llm.Completion) Entry {
	return Entry{Role: llm.RoleAssistant, Content: c.Content, ToolCalls: c.ToolCalls}
}

// Transcript renders entries top to bottom. System prompts are collapsed to
// a single line.
func Transcript(entries []Entry, width int, md *markdown.Renderer) string {
	var b strings.Builder
	for _, e := range entries {
		switch e.Role {
		case llm.RoleUser:
			b.WriteString(roleStyle.Foreground(UserColor).Render("You") + "\n")
			b.WriteString(Wrap(e.Content, width-2) + "\n\n")
		case llm.RoleSystem:
			b.WriteString(roleStyle.Foreground(SystemColor).Render("System") + " ")
			b.WriteString(toolStyle.Render(Truncate(firstLine(e.Content), width-8)) + "\n\n")
		default:
			b.WriteString(roleStyle.Foreground(AssistantColor).Render("Assistant") + "\n")
			for i, call := range e.ToolCalls {
				prefix := "├╴ "
				if i == len(e.ToolCalls)-1 {
					prefix = "╰╴ "
				}
				b.WriteString(toolStyle.Render(prefix+toolCallLine(call)) + "\n")
			}
			switch {
			case e.Err:
				b.WriteString(errorStyle.Render(Wrap(e.Content, width-2)) + "\n\n")
			case md != nil:
				b.WriteString(md.Render(e.Content) + "\n\n")
			default:
				b.WriteString(Wrap(e.Content, width-2) + "\n\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func toolCallLine(c llm.CallRecord) string {
	status := "ok"
	if !c.Result.Success {
		status = "failed"
	}
	return fmt.Sprintf("%s (%s)", c.Intent.Name, status)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Wrap word wraps text without breaking ANSI sequences.
func Wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	return ansi.Wordwrap(text, width, "")
}

// Truncate shortens s to width display cells on grapheme boundaries, adding
// an ellipsis when anything was cut.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if uniseg.StringWidth(s) <= width {
		return s
	}
	var b strings.Builder
	used := 0
	state := -1
	rest := s
	for len(rest) > 0 {
		var cluster string
		var w int
		cluster, rest, w, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if used+w > width-1 {
			break
		}
		b.WriteString(cluster)
		used += w
	}
	return b.String() + "…"
}

// pad fills s with spaces up to width display cells.
func pad(s string, width int) string {
	return runewidth.FillRight(s, width)
}

// ToolTable lists tools as name and description columns fitted to width.
func ToolTable(tools []bridge.ToolDescriptor, width int) string {
	if len(tools) == 0 {
		return "No tools available"
	}
	nameWidth := 0
	for _, t := range tools {
		nameWidth = max(nameWidth, runewidth.StringWidth(t.Name))
	}
	descWidth := max(width-nameWidth-2, 10)

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Available tools (%d)", len(tools))) + "\n")
	for _, t := range tools {
		desc := ansi.Truncate(firstLine(t.Description), descWidth, "…")
		b.WriteString(pad(t.Name, nameWidth) + "  " + toolStyle.Render(desc) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Status renders a host status snapshot.
func Status(st host.Status) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Host status") + "\n")

	rows := [][2]string{
		{"Connected", yesNo(st.Connected)},
		{"Active sessions", fmt.Sprint(st.ActiveSessions)},
		{"Available tools", fmt.Sprint(st.AvailableTools)},
	}
	if st.Connected {
		rows = append(rows,
			[2]string{"Server", strings.TrimSpace(st.Server.ServerName + " " + st.Server.Version)},
			[2]string{"Server state", st.Server.State.String()},
		)
		if st.Server.PID > 0 {
			rows = append(rows, [2]string{"Server PID", fmt.Sprint(st.Server.PID)})
		}
	}
	b.WriteString(keyValues(rows))

	b.WriteString("\n" + Providers(st.Providers))
	return b.String()
}

// Providers renders the configured model providers.
func Providers(infos []llm.ProviderInfo) string {
	if len(infos) == 0 {
		return errorStyle.Render("No LLM providers configured (set an API key)")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render("LLM providers") + "\n")
	nameWidth := 0
	for _, p := range infos {
		nameWidth = max(nameWidth, runewidth.StringWidth(p.Provider))
	}
	for _, p := range infos {
		marker := " "
		if p.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s  %s\n", marker, pad(p.Provider, nameWidth), toolStyle.Render(p.Model))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Health renders a health check result.
func Health(h host.Health) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Health check") + "\n")
	bridgeStatus := yesNo(h.BridgeOK)
	if h.BridgeError != "" {
		bridgeStatus += " (" + h.BridgeError + ")"
	}
	rows := [][2]string{
		{"Host", h.HostStatus},
		{"Bio server", bridgeStatus},
	}
	for _, name := range slices.Sorted(maps.Keys(h.LLMConnections)) {
		rows = append(rows, [2]string{"LLM " + name, yesNo(h.LLMConnections[name])})
	}
	rows = append(rows, [2]string{"Checked", h.Timestamp.Format("2006-01-02T15:04:05")})
	b.WriteString(keyValues(rows))
	return strings.TrimRight(b.String(), "\n")
}

func keyValues(rows [][2]string) string {
	keyWidth := 0
	for _, r := range rows {
		keyWidth = max(keyWidth, runewidth.StringWidth(r[0]))
	}
	var b strings.Builder
	for _, r := range rows {
		b.WriteString(pad(r[0]+":", keyWidth+1) + " " + r[1] + "\n")
	}
	return b.String()
}

func yesNo(ok bool) string {
	if ok {
		return okStyle.Render("yes")
	}
	return errorStyle.Render("no")
}
