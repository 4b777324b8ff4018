package cmd

import (
	"context"
	"fmt"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	zone "github.com/lrstanley/bubblezone"
	"github.com/spf13/cobra"

	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/ui/chat"
)

var guiCmd = &cobra.Command{
	Use:   "gui",
	Short: "Full screen chat interface",
	Long: `Open a terminal chat interface with a tool sidebar. Click a tool to insert a
hint into the input, press Enter to send, Ctrl+L to toggle the log pane and
Esc to quit.`,
	RunE: runGUI,
}

func init() {
	rootCmd.AddCommand(guiCmd)
}

func runGUI(_ *cobra.Command, _ []string) error {
	cleanup, err := setupLogging("biomcp-gui", true)
	if err != nil {
		return err
	}
	defer cleanup()
	if !log.Enabled() {
		// Feed the log pane even when no debug file was requested.
		log.InitWriter(io.Discard, log.LevelInfo)
	}

	if err := validate(); err != nil {
		return err
	}
	tp, err := setupTracing(true)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := newHost(tp.Tracer())
	if err != nil {
		return err
	}
	defer func() { _ = h.Stop() }()
	if err := h.Start(ctx); err != nil {
		log.Warn(log.CatUI, "Starting without bio tools", "error", err)
	}

	zone.NewGlobal()
	session := h.CreateSession(cfg.LLM.Default)
	model := chat.New(ctx, h, chat.Config{
		SessionID:     session.ID,
		Provider:      cfg.LLM.Default,
		MarkdownStyle: cfg.UI.MarkdownStyle,
		Logs:          log.NewListener(ctx),
	})

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("running gui: %w", err)
	}
	return nil
}
