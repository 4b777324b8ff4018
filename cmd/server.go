package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/biomcp/internal/analysis"
	"github.com/zjrosen/biomcp/internal/biofs"
	"github.com/zjrosen/biomcp/internal/biotools"
	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/mcp"
)

const (
	serverName    = "bio-mcp-server"
	serverVersion = "1.0.0"
)

var serverCmdCobra = &cobra.Command{
	Use:   "server",
	Short: "Run the bio MCP server on stdio",
	Long: `Run the bio MCP server. JSON-RPC requests are read from stdin and responses
written to stdout, one message per line. Files are stored under server.data_dir.

Logs never go to stdout in this mode; use --debug to write them to --log-file.`,
	RunE: runServer,
}

var watchMetadata bool

func init() {
	rootCmd.AddCommand(serverCmdCobra)
	serverCmdCobra.Flags().BoolVar(&watchMetadata, "watch", true,
		"reload file metadata when another process changes it")
}

// buildServer wires the file store and analysis tools into an MCP server.
func buildServer(c config.Config, opts ...mcp.ServerOption) (*mcp.Server, *biofs.Store, error) {
	store, err := biofs.New(c.Server.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening data dir: %w", err)
	}

	runner := analysis.ExecRunner{}
	propka := analysis.NewPropka(runner, analysis.PropkaConfig{
		Python:  c.Tools.Python,
		WorkDir: filepath.Join(c.Tools.WorkDir, "propka"),
		Timeout: c.Tools.PropkaTimeout,
	})
	pymol := analysis.NewPymol(runner, analysis.PymolConfig{
		Binary:  c.Tools.Pymol,
		WorkDir: store.VisualizationDir(),
		Timeout: c.Tools.PymolTimeout,
	})

	srv := mcp.NewServer(serverName, serverVersion, opts...)
	biotools.Register(srv, biotools.Deps{Files: store, Propka: propka, Pymol: pymol})
	return srv, store, nil
}

func runServer(_ *cobra.Command, _ []string) error {
	cleanup, err := setupLogging("biomcp-server", false)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := validate(); err != nil {
		return err
	}

	tp, err := setupTracing(true)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	srv, store, err := buildServer(cfg, mcp.WithServerTracer(tp.Tracer()))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if watchMetadata {
		if err := store.Watch(ctx); err != nil {
			log.Warn(log.CatWatcher, "Metadata watch unavailable", "error", err)
		}
	}

	log.Info(log.CatMCP, "Serving on stdio", "data_dir", store.BaseDir(), "tools", len(srv.Tools()))
	err = srv.Serve(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
