package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/zhubert/plural-acp/paths"
)

var (
	root     *slog.Logger
	levelVar = new(slog.LevelVar)
	logFile  *os.File
	mu       sync.Mutex
	logPath  string
	initDone bool
)

// DefaultLogPath returns the default log file path for the host process
func DefaultLogPath() (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "plural-acp.log"), nil
}

// AgentLogPath returns the log path for a connector's stderr output
func AgentLogPath(identity string) (string, error) {
	dir, err := paths.LogsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("agent-%s.log", sanitizeName(identity))), nil
}

// sanitizeName keeps agent identities like "claude.com" usable as file names.
func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

// SetDebug enables or disables debug level logging
func SetDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelInfo)
	}
}

// openLocked opens path for appending and installs it as the root handler.
// Caller must hold mu.
func openLocked(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	logPath = path
	logFile = f
	root = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar}))
	initDone = true
	root.Info("logger initialized", "path", path)
	return nil
}

// Init initializes the logger with a custom path. Must be called before logging.
// If not called, the default path will be used on first log call.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if initDone {
		return nil
	}
	return openLocked(path)
}

// ensureInit initializes the logger with default settings if not already initialized.
// Caller must hold mu.
func ensureInit() {
	if initDone {
		return
	}

	defaultPath, err := DefaultLogPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to get default log path: %v\n", err)
		return
	}
	if err := openLocked(defaultPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}
}

func with(args ...any) *slog.Logger {
	mu.Lock()
	defer mu.Unlock()

	ensureInit()

	if root == nil {
		return slog.Default().With(args...)
	}
	if len(args) == 0 {
		return root
	}
	return root.With(args...)
}

// Get returns the root logger instance.
// Use this when you don't have session context.
func Get() *slog.Logger {
	return with()
}

// WithSession returns a logger with the ACP session ID attached.
//
// Example:
//
//	log := logger.WithSession(sess.ID)
//	log.Info("prompt sent", "promptID", id)
//	// Output: level=INFO msg="prompt sent" sessionID=abc123 promptID=...
func WithSession(sessionID string) *slog.Logger {
	return with("sessionID", sessionID)
}

// WithComponent returns a logger with the component name attached.
//
// Example:
//
//	log := logger.WithComponent("jsonrpc")
//	log.Warn("skipping malformed line", "error", err)
//	// Output: level=WARN msg="skipping malformed line" component=jsonrpc error=...
func WithComponent(component string) *slog.Logger {
	return with("component", component)
}

// WithAgent returns a logger tagged with the agent identity.
func WithAgent(identity string) *slog.Logger {
	return with("agent", identity)
}

// OpenAgentLog opens the per-agent stderr log. The returned closer must be
// called when the connector exits. If the file cannot be opened the agent
// logger is returned with a no-op closer so stderr still reaches the main log.
func OpenAgentLog(identity string) (*slog.Logger, io.Closer) {
	path, err := AgentLogPath(identity)
	if err == nil {
		err = os.MkdirAll(filepath.Dir(path), 0755)
	}
	var f *os.File
	if err == nil {
		f, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	}
	if err != nil {
		log := WithAgent(identity)
		log.Warn("failed to open agent log, using main log", "error", err)
		return log, io.NopCloser(nil)
	}
	h := slog.NewTextHandler(f, &slog.HandlerOptions{Level: levelVar})
	return slog.New(h).With("agent", identity), f
}

// Close closes the log file
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	root = nil
}

// Reset resets the logger state, allowing reinitialization.
// This is primarily for testing purposes.
func Reset() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
	initDone = false
	logPath = ""
	root = nil
	levelVar = new(slog.LevelVar)
}

// ClearLogs removes the main log and every per-agent log.
func ClearLogs() (int, error) {
	defaultPath, err := DefaultLogPath()
	if err != nil {
		return 0, fmt.Errorf("failed to get default log path: %w", err)
	}

	targets := []string{defaultPath}
	agentLogs, err := filepath.Glob(filepath.Join(filepath.Dir(defaultPath), "agent-*.log"))
	if err != nil {
		return 0, err
	}
	targets = append(targets, agentLogs...)

	count := 0
	for _, p := range targets {
		if err := os.Remove(p); err == nil {
			count++
		} else if !os.IsNotExist(err) {
			return count, err
		}
	}
	return count, nil
}
