package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/biomcp/internal/ui/render"
)

const healthTimeout = 30 * time.Second

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Start the host and keep the bio server connection open",
	Long: `Start the host: spawn the bio MCP server, connect the configured LLM
providers, print status and a health check, then wait for Ctrl+C.`,
	RunE: runHost,
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost(cmd *cobra.Command, _ []string) error {
	cleanup, err := setupLogging("biomcp-host", false)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := validate(); err != nil {
		return err
	}
	tp, err := setupTracing(false)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHost(tp.Tracer())
	if err != nil {
		return err
	}
	defer func() { _ = h.Stop() }()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Starting Bio MCP Host...")
	startHost(ctx, h)

	fmt.Fprintln(out, render.Status(h.Status()))
	fmt.Fprintln(out)
	fmt.Fprintln(out, render.ToolTable(h.Tools(), cfg.UI.WrapWidth))
	fmt.Fprintln(out)

	hctx, cancel := context.WithTimeout(ctx, healthTimeout)
	fmt.Fprintln(out, render.Health(h.HealthCheck(hctx)))
	cancel()

	fmt.Fprintln(out, "\nHost running. Press Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Fprintln(out, "Shutting down...")
	return nil
}
