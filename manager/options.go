package manager

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/config"
	"github.com/zhubert/plural-acp/history"
	"github.com/zhubert/plural-acp/permission"
	"github.com/zhubert/plural-acp/process"
)

// Compile-time interface satisfaction checks.
var (
	_ HistoryStore = (*history.Store)(nil)
	_ Process      = (*process.AgentProcess)(nil)
)

// Process is the running connector behind a Link.
type Process interface {
	Done() <-chan struct{}
	ExitCode() int
	StderrTail() string
	Terminate()
}

// Link is a started agent: the JSON-RPC byte streams and, for real
// connectors, the process behind them.
type Link struct {
	Stdin   io.WriteCloser
	Stdout  io.ReadCloser
	Process Process
}

// Launcher starts an agent.
type Launcher interface {
	Launch(ctx context.Context, agent config.AgentConfig, cwd string) (Link, error)
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context, agent config.AgentConfig, cwd string) (Link, error)

func (f LauncherFunc) Launch(ctx context.Context, agent config.AgentConfig, cwd string) (Link, error) {
	return f(ctx, agent, cwd)
}

// ProcessLauncher spawns connectors as subprocesses.
type ProcessLauncher struct {
	Options process.SpawnOptions
}

func (l ProcessLauncher) Launch(ctx context.Context, agent config.AgentConfig, cwd string) (Link, error) {
	opts := l.Options
	opts.Cwd = cwd
	p, err := process.Spawn(ctx, agent, opts)
	if err != nil {
		return Link{}, err
	}
	return Link{Stdin: p.Stdin, Stdout: p.Stdout, Process: p}, nil
}

// HistoryStore persists restore payloads between runs.
type HistoryStore interface {
	Save(ctx context.Context, agent string, p chat.RestorePayload) error
	Latest(ctx context.Context, agent string) (chat.RestorePayload, bool, error)
}

// ConfigUpdater applies the agent's config/update requests. Updates are
// keyed by setting name and applied all-or-nothing.
type ConfigUpdater interface {
	UpdateConfig(ctx context.Context, updates map[string]json.RawMessage) error
}

// ConfigUpdaterFunc adapts a function to ConfigUpdater.
type ConfigUpdaterFunc func(ctx context.Context, updates map[string]json.RawMessage) error

func (f ConfigUpdaterFunc) UpdateConfig(ctx context.Context, updates map[string]json.RawMessage) error {
	return f(ctx, updates)
}

// Options configures a SessionManager.
type Options struct {
	// Cwd is sent in session/new and roots relative fs paths. Empty means
	// the process working directory.
	Cwd string

	Permissions permission.Config

	TerminalAccess    bool
	ScreenshotAccess  bool
	AutoContext       bool
	BypassPermissions bool
	// AutoExecute runs command suggestions as soon as they appear, when
	// terminal access is on.
	AutoExecute bool

	// GracePeriod bounds the wait for a connector's exit status after its
	// output closes.
	GracePeriod time.Duration
	// HandshakeTimeout applies to initialize, session/new and set_mode only.
	HandshakeTimeout time.Duration
	// CancelTimeout bounds the wait for the agent to answer a cancelled
	// prompt before the next one is sent anyway.
	CancelTimeout time.Duration

	// Launcher starts agents. Nil means ProcessLauncher.
	Launcher Launcher
	// Terminal receives suggested commands. Nil disables suggestions and
	// auto-context.
	Terminal Terminal
	// History persists conversations. Nil disables persistence.
	History HistoryStore
	// Config serves config/update requests. Nil rejects them.
	Config ConfigUpdater
	// RestoreFromHistory replays the agent's latest stored conversation on
	// a connect with an empty log.
	RestoreFromHistory bool

	Log *slog.Logger
}

// OptionsFromSettings builds Options from the user's settings.
func OptionsFromSettings(s *config.Settings, cwd string) (Options, error) {
	perms, err := s.PermissionConfig()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Cwd:                cwd,
		Permissions:        perms,
		TerminalAccess:     s.TerminalAccess,
		ScreenshotAccess:   s.ScreenshotAccess,
		AutoContext:        s.AutoContext,
		BypassPermissions:  s.BypassPermissions,
		AutoExecute:        s.AutoExecute,
		GracePeriod:        s.GracePeriod,
		HandshakeTimeout:   s.HandshakeTimeout,
		CancelTimeout:      s.CancelTimeout,
		RestoreFromHistory: s.History.Enabled,
		Launcher: ProcessLauncher{Options: process.SpawnOptions{
			GracePeriod: s.GracePeriod,
		}},
	}, nil
}

func (o *Options) applyDefaults() error {
	if o.Cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		o.Cwd = wd
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = config.DefaultGracePeriod
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = config.DefaultHandshakeTimeout
	}
	if o.CancelTimeout <= 0 {
		o.CancelTimeout = config.DefaultCancelTimeout
	}
	if o.Launcher == nil {
		o.Launcher = ProcessLauncher{Options: process.SpawnOptions{GracePeriod: o.GracePeriod}}
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return nil
}
