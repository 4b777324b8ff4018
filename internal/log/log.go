// Package log provides leveled, category-scoped logging for biomcp.
// Output goes to a file (never stdout, which carries JSON-RPC in server mode)
// and is enabled via the --debug flag or BIOMCP_DEBUG env. Every entry is also
// published to subscribers, which is how the gui log pane is fed.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zjrosen/biomcp/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a level name (debug, info, warn, error) to a Level.
func ParseLevel(name string) (Level, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "WARNING" {
		name = "WARN"
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i), true
		}
	}
	return LevelDebug, false
}

// Category groups related log messages.
type Category string

const (
	CatMCP     Category = "mcp"     // MCP server and wire protocol
	CatBridge  Category = "bridge"  // Transport, RPC session, tool invoker
	CatLLM     Category = "llm"     // Provider adapters and manager
	CatHost    Category = "host"    // Chat host and sessions
	CatBioFS   Category = "biofs"   // Bio file store
	CatTools   Category = "tools"   // PROPKA and PyMOL wrappers
	CatConfig  Category = "config"  // Configuration loading/saving
	CatDB      Category = "db"      // Transcript database
	CatCache   Category = "cache"   // Cache operations
	CatWatcher Category = "watcher" // File watcher events
	CatUI      Category = "ui"      // Interactive and gui front ends
)

// Logger writes formatted entries and republishes them on a broker.
type Logger struct {
	mu       sync.Mutex
	w        io.Writer
	closer   io.Closer
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[string]
}

func newLogger(w io.Writer, closer io.Closer, minLevel Level) *Logger {
	return &Logger{
		w:        w,
		closer:   closer,
		enabled:  true,
		minLevel: minLevel,
		broker:   pubsub.NewBroker[string](),
	}
}

func (l *Logger) write(level Level, cat Category, msg string, fields ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || level < l.minLevel {
		return
	}
	entry := formatEntry(time.Now(), level, cat, msg, fields...)
	if l.w != nil {
		_, _ = io.WriteString(l.w, entry)
	}
	l.broker.Publish(pubsub.CreatedEvent, entry)
}

func (l *Logger) close() {
	if l.closer != nil {
		_ = l.closer.Close()
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger *Logger
)

func install(l *Logger) func() {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	return l.close
}

func current() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// Init opens path for appending and installs it as the global logger. The
// returned func closes the file.
func Init(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: user-chosen debug log path
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return install(newLogger(f, f, LevelDebug)), nil
}

// InitWithTeaLog initializes the global logger through tea.LogToFile so that
// Bubble Tea's own diagnostics land in the same file as ours.
func InitWithTeaLog(path string, prefix string) (func(), error) {
	f, err := tea.LogToFile(path, prefix)
	if err != nil {
		return nil, err
	}
	return install(newLogger(f, f, LevelDebug)), nil
}

// InitWriter installs a logger writing to w at minLevel and above.
func InitWriter(w io.Writer, minLevel Level) {
	install(newLogger(w, nil, minLevel))
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if l := current(); l != nil {
		l.mu.Lock()
		l.enabled = enabled
		l.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if l := current(); l != nil {
		l.mu.Lock()
		l.minLevel = level
		l.mu.Unlock()
	}
}

// Enabled reports whether a global logger is installed.
func Enabled() bool {
	return current() != nil
}

func log(level Level, cat Category, msg string, fields ...any) {
	if l := current(); l != nil {
		l.write(level, cat, msg, fields...)
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) { log(LevelDebug, cat, msg, fields...) }

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) { log(LevelInfo, cat, msg, fields...) }

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) { log(LevelWarn, cat, msg, fields...) }

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) { log(LevelError, cat, msg, fields...) }

// ErrorErr logs at error level with err appended as the "error" field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	errText := "<nil>"
	if err != nil {
		errText = err.Error()
	}
	log(LevelError, cat, msg, append(fields, "error", errText)...)
}

// formatEntry renders one line:
// 2025-12-06T10:45:00 [ERROR] [bridge] message key=value key2=value2
func formatEntry(ts time.Time, level Level, cat Category, msg string, fields ...any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] [%s] %s", ts.Format("2006-01-02T15:04:05"), level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		fmt.Fprintf(&b, " %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		fmt.Fprintf(&b, " %v=<missing>", fields[len(fields)-1])
	}
	b.WriteByte('\n')
	return b.String()
}

// LogEvent is a pubsub event containing a log entry.
type LogEvent = pubsub.Event[string]

// LogListener wraps a continuous listener for log events.
type LogListener = pubsub.ContinuousListener[string]

// NewListener subscribes to log entries until ctx is cancelled. It returns
// nil when no logger is installed.
func NewListener(ctx context.Context) *LogListener {
	l := current()
	if l == nil {
		return nil
	}
	return pubsub.NewContinuousListener(ctx, l.broker)
}
