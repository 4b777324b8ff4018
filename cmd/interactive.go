package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/zjrosen/biomcp/internal/config"
	"github.com/zjrosen/biomcp/internal/host"
	"github.com/zjrosen/biomcp/internal/log"
	"github.com/zjrosen/biomcp/internal/ui/markdown"
	"github.com/zjrosen/biomcp/internal/ui/render"
)

const replPrompt = "bio-mcp> "

var interactiveCmd = &cobra.Command{
	Use:     "interactive",
	Aliases: []string{"repl"},
	Short:   "Chat with a model that can use the bio tools",
	Long: `Start the host and read commands from the terminal. Plain text is sent to
the model; type "help" for the command list.`,
	RunE: runInteractive,
}

func init() {
	rootCmd.AddCommand(interactiveCmd)
}

const replHelp = `Commands:
  chat <message>       Chat with the current LLM (bare text works too)
  status               Show host status
  tools                List available tools
  clients              List LLM providers
  use <provider>       Switch the default provider
  upload <path> [name] Upload a file
  files [type]         List uploaded files
  health               Health check
  help                 Show this help
  quit                 Exit`

// repl executes interactive commands against a host.
type repl struct {
	host       *host.Host
	out        io.Writer
	md         *markdown.Renderer
	width      int
	sessionID  string
	provider   string
	stream     bool
	configPath string
}

func newRepl(h *host.Host, out io.Writer, md *markdown.Renderer) *repl {
	return &repl{
		host:      h,
		out:       out,
		md:        md,
		width:     md.Width(),
		sessionID: "interactive",
		provider:  cfg.LLM.Default,
		stream:    cfg.LLM.Stream,
	}
}

func (r *repl) println(a ...any) {
	fmt.Fprintln(r.out, a...)
}

// exec runs one command line and reports whether the loop should stop.
func (r *repl) exec(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "quit", "exit":
		return true
	case "help":
		r.println(replHelp)
	case "status":
		r.println(render.Status(r.host.Status()))
	case "tools":
		r.println(render.ToolTable(r.host.Tools(), r.width))
	case "clients":
		r.println(render.Providers(r.host.Manager().Info()))
	case "use":
		r.use(rest)
	case "upload":
		r.upload(ctx, rest)
	case "files":
		r.toolOutput(r.host.ListFiles(ctx, rest))
	case "health":
		r.println(render.Health(r.host.HealthCheck(ctx)))
	case "chat":
		if rest == "" {
			r.println("Usage: chat <message>")
			return false
		}
		r.chat(ctx, rest)
	default:
		r.chat(ctx, line)
	}
	return false
}

func (r *repl) use(name string) {
	if name == "" {
		r.println("Usage: use <provider>")
		return
	}
	if err := r.host.Manager().SetDefault(name); err != nil {
		r.println("Error:", err)
		return
	}
	r.provider = name
	if r.configPath != "" {
		if err := config.SaveDefaultProvider(r.configPath, name); err != nil {
			log.Warn(log.CatConfig, "Failed to save default provider", "error", err)
		}
	}
	r.println("Using", name)
}

func (r *repl) upload(ctx context.Context, args string) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		r.println("Usage: upload <path> [name]")
		return
	}
	path, name := fields[0], ""
	if len(fields) > 1 {
		name = fields[1]
	}
	if _, err := os.Stat(path); err != nil {
		r.println("File not found:", path)
		return
	}
	r.toolOutput(r.host.UploadFile(ctx, path, name))
}

func (r *repl) toolOutput(text string, err error) {
	if err != nil {
		r.println("Error:", err)
		return
	}
	r.println(r.md.Render(text))
}

func (r *repl) chat(ctx context.Context, msg string) {
	opts := host.ChatOptions{Provider: r.provider}
	if r.stream {
		opts.Stream = true
		opts.OnChunk = func(chunk string) { fmt.Fprint(r.out, chunk) }
		fmt.Fprint(r.out, "Assistant: ")
	}
	comp, err := r.host.Chat(ctx, r.sessionID, msg, opts)
	if err != nil {
		if r.stream {
			r.println()
		}
		r.println("Error:", err)
		return
	}
	if r.stream {
		r.println()
		return
	}
	r.println(render.Transcript([]render.Entry{render.EntryFromCompletion(comp)}, r.width, r.md))
}

// run reads commands from in until quit or EOF.
func (r *repl) run(ctx context.Context, in io.Reader) {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, replPrompt)
		if !scanner.Scan() {
			r.println()
			return
		}
		if r.exec(ctx, scanner.Text()) {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func runInteractive(cmd *cobra.Command, _ []string) error {
	cleanup, err := setupLogging("biomcp-interactive", false)
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
	startHost(ctx, h)

	out := cmd.OutOrStdout()
	md := markdown.ForOutput(termenv.NewOutput(os.Stdout), cfg.UI.WrapWidth, cfg.UI.MarkdownStyle)
	r := newRepl(h, out, md)
	r.configPath = configPath()

	fmt.Fprintln(out, "=== Bio MCP Host Interactive Mode ===")
	fmt.Fprintln(out, replHelp)
	fmt.Fprintln(out)
	r.run(ctx, cmd.InOrStdin())
	return nil
}
