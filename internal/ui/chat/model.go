// Package chat is the full screen chat interface: a transcript viewport, an
// input area, a clickable tool sidebar and a status line.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	zone "github.com/lrstanley/bubblezone"

	"github.com/zjrosen/biomcp/internal/bridge"
	"github.com/zjrosen/biomcp/internal/host"
	"github.com/zjrosen/biomcp/internal/llm"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/ui/markdown"
	"github.com/zjrosen/biomcp/internal/ui/render"
)

const (
	sidebarWidth = 28
	inputHeight  = 3
	logLines     = 6
)

// Chatter is the part of the host the interface drives.
type Chatter interface {
	Chat(ctx context.Context, sessionID, userMsg string, opts host.ChatOptions) (llm.Completion, error)
	Tools() []bridge.ToolDescriptor
	Status() host.Status
}

// Config holds the interface settings.
type Config struct {
	SessionID     string
	Provider      string
	MarkdownStyle string
	// Logs, when set, feeds the log pane.
	Logs *log.LogListener
}

// replyMsg carries a finished chat turn.
type replyMsg struct {
	completion llm.Completion
	err        error
}

// Model is the bubbletea model for the chat interface.
type Model struct {
	ctx     context.Context
	chatter Chatter
	cfg     Config

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	entries []render.Entry
	tools   []bridge.ToolDescriptor
	logs    []string
	showLog bool
	busy    bool
	status  string

	width  int
	height int
	md     *markdown.Renderer
}

// New creates the model. ctx bounds every chat request.
func New(ctx context.Context, chatter Chatter, cfg Config) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask about your structures and sequences..."
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		ctx:      ctx,
		chatter:  chatter,
		cfg:      cfg,
		viewport: viewport.New(0, 0),
		input:    ta,
		spinner:  sp,
		tools:    chatter.Tools(),
		md:       markdown.NewPlain(0),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink}
	if m.cfg.Logs != nil {
		cmds = append(cmds, m.cfg.Logs.Listen())
	}
	return tea.Batch(cmds...)
}

// Entries returns the transcript shown so far.
func (m Model) Entries() []render.Entry {
	return m.entries
}

// Busy reports whether a request is in flight.
func (m Model) Busy() bool {
	return m.busy
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyCtrlL:
			m.showLog = !m.showLog
			m.resize(m.width, m.height)
			return m, nil
		case tea.KeyPgUp:
			m.viewport.HalfPageUp()
			return m, nil
		case tea.KeyPgDown:
			m.viewport.HalfPageDown()
			return m, nil
		}

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			for i := range m.tools {
				if z := zone.Get(toolZoneID(i)); z != nil && z.InBounds(msg) {
					m.selectTool(i)
					return m, nil
				}
			}
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case replyMsg:
		m.busy = false
		if msg.err != nil {
			m.entries = append(m.entries, render.Entry{Role: llm.RoleAssistant, Content: "Error: " + msg.err.Error(), Err: true})
			m.status = "request failed"
		} else {
			m.entries = append(m.entries, render.EntryFromCompletion(msg.completion))
			m.status = fmt.Sprintf("%s/%s", msg.completion.Provider, msg.completion.Model)
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case log.LogEvent:
		m.logs = append(m.logs, strings.TrimRight(msg.Payload, "\n"))
		if len(m.logs) > logLines {
			m.logs = m.logs[len(m.logs)-logLines:]
		}
		return m, m.cfg.Logs.Listen()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit sends the input as a chat turn.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || m.busy {
		return m, nil
	}
	m.input.Reset()
	m.entries = append(m.entries, render.Entry{Role: llm.RoleUser, Content: text})
	m.busy = true
	m.status = "thinking"
	m.refresh()

	ctx, chatter, cfg := m.ctx, m.chatter, m.cfg
	send := func() tea.Msg {
		comp, err := chatter.Chat(ctx, cfg.SessionID, text, host.ChatOptions{Provider: cfg.Provider})
		return replyMsg{completion: comp, err: err}
	}
	return m, tea.Batch(send, m.spinner.Tick)
}

// selectTool puts a usage hint for tool i into the input.
func (m *Model) selectTool(i int) {
	if i < 0 || i >= len(m.tools) {
		return
	}
	m.input.InsertString(fmt.Sprintf("Use %s ", m.tools[i].Name))
	m.input.Focus()
}

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	mainWidth := max(width-sidebarWidth-1, 20)

	reserved := inputHeight + 2 + 1
	if m.showLog {
		reserved += logLines + 1
	}
	m.viewport.Width = mainWidth
	m.viewport.Height = max(height-reserved, 3)
	m.input.SetWidth(mainWidth - 2)

	if md, err := markdown.New(mainWidth-2, m.cfg.MarkdownStyle); err == nil {
		m.md = md
	} else {
		m.md = markdown.NewPlain(mainWidth - 2)
	}
	m.refresh()
}

func (m *Model) refresh() {
	m.viewport.SetContent(render.Transcript(m.entries, m.viewport.Width, m.md))
	m.viewport.GotoBottom()
}
