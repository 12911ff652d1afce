// Package process spawns and supervises ACP connector subprocesses.
//
// A connector is started through the user's login shell with a sanitized
// environment. Its stdin and stdout carry the JSON-RPC stream; stderr is
// drained line by line into a per-agent log file and the last lines are kept
// for error reporting.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-acp/config"
	pexec "github.com/zhubert/plural-acp/exec"
	"github.com/zhubert/plural-acp/logger"
)

var (
	// ErrBinaryNotFound means the connector executable is not on the
	// child's PATH.
	ErrBinaryNotFound = errors.New("agent binary not found")

	// ErrSpawnFailed means the executable was found but could not start.
	ErrSpawnFailed = errors.New("agent failed to start")

	// ErrNoRunCommand means the agent has no run command for this platform.
	ErrNoRunCommand = fmt.Errorf("no run command for this platform: %w", ErrBinaryNotFound)
)

// stderrTailLines is how many stderr lines are kept for error details.
const stderrTailLines = 50

// SpawnErrorKind classifies a spawn failure.
type SpawnErrorKind int

const (
	BinaryNotFound SpawnErrorKind = iota
	SpawnFailed
)

// SpawnError reports why a connector could not be started.
type SpawnError struct {
	Kind        SpawnErrorKind
	Agent       string
	Binary      string
	InstallHint string
	Err         error
}

func (e *SpawnError) Error() string {
	switch e.Kind {
	case BinaryNotFound:
		if e.Binary == "" {
			return fmt.Sprintf("%s: %v; %s", e.Agent, e.Err, e.InstallHint)
		}
		return fmt.Sprintf("%s: %q not found on PATH; %s", e.Agent, e.Binary, e.InstallHint)
	default:
		return fmt.Sprintf("%s: failed to start: %v", e.Agent, e.Err)
	}
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is matches the package sentinels by kind.
func (e *SpawnError) Is(target error) bool {
	switch target {
	case ErrBinaryNotFound:
		return e.Kind == BinaryNotFound
	case ErrSpawnFailed:
		return e.Kind == SpawnFailed
	}
	return false
}

// SpawnOptions controls how a connector is started.
type SpawnOptions struct {
	// Cwd is the child's working directory.
	Cwd string

	// GracePeriod is how long Terminate waits after SIGTERM before SIGKILL.
	// Zero means config.DefaultGracePeriod.
	GracePeriod time.Duration

	// Shell runs the command. Empty means $SHELL, falling back to /bin/sh.
	Shell string

	// PathEnv replaces the probed login-shell PATH when set.
	PathEnv string

	// Executor runs the login-shell PATH probe. Nil means the default executor.
	Executor pexec.CommandExecutor

	Log *slog.Logger
}

// AgentProcess is a running connector. Stdin and Stdout carry the JSON-RPC
// stream.
type AgentProcess struct {
	Stdin  io.WriteCloser
	Stdout io.ReadCloser

	agent string
	cmd   *exec.Cmd
	grace time.Duration
	log   *slog.Logger

	stderr     io.ReadCloser
	stderrDone chan struct{}
	agentLog   *slog.Logger
	agentLogC  io.Closer

	waitDone chan struct{}
	exitCode int
	waitErr  error

	mu        sync.Mutex
	tail      []string
	terminate sync.Once
}

// Spawn starts the connector described by agent.
func Spawn(ctx context.Context, agent config.AgentConfig, opts SpawnOptions) (*AgentProcess, error) {
	log := opts.Log
	if log == nil {
		log = logger.WithAgent(agent.Identity)
	}
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = config.DefaultGracePeriod
	}

	command := agent.RunCommandForPlatform()
	if command == "" {
		return nil, &SpawnError{Kind: BinaryNotFound, Agent: agent.DisplayName(), InstallHint: agent.InstallHint(), Err: ErrNoRunCommand}
	}

	shell := resolveShell(opts.Shell)
	pathEnv := opts.PathEnv
	if pathEnv == "" {
		pathEnv = LoginPath(ctx, opts.Executor, shell)
	}
	pathEnv = withUserDirs(pathEnv, homeDir())
	env := BuildEnv(os.Environ(), pathEnv, agent.Env)

	binary := strings.Fields(command)[0]
	if _, ok := config.LookPathIn(binary, pathEnv); !ok {
		log.Warn("connector binary not found", "binary", binary)
		return nil, &SpawnError{Kind: BinaryNotFound, Agent: agent.DisplayName(), Binary: binary, InstallHint: agent.InstallHint(), Err: ErrBinaryNotFound}
	}

	cmd := exec.Command(shell, shellFlag(shell), command)
	cmd.Dir = opts.Cwd
	cmd.Env = env
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, spawnFailed(agent, err)
	}
	// Stdout is an os.Pipe rather than cmd.StdoutPipe so that cmd.Wait does
	// not close the read side before the transport has drained it.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, spawnFailed(agent, err)
	}
	cmd.Stdout = stdoutW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, spawnFailed(agent, err)
	}

	log.Debug("starting connector", "command", command, "shell", shell, "cwd", opts.Cwd)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		log.Error("failed to start connector", "error", err)
		return nil, spawnFailed(agent, err)
	}
	stdoutW.Close()

	agentLog, closer := logger.OpenAgentLog(agent.Identity)
	p := &AgentProcess{
		Stdin:      stdin,
		Stdout:     stdoutR,
		agent:      agent.Identity,
		cmd:        cmd,
		grace:      grace,
		log:        log,
		stderr:     stderr,
		stderrDone: make(chan struct{}),
		agentLog:   agentLog,
		agentLogC:  closer,
		waitDone:   make(chan struct{}),
		exitCode:   -1,
	}
	log.Info("connector started", "pid", cmd.Process.Pid, "elapsed", time.Since(start))

	go p.drainStderr()
	go p.monitorExit()
	return p, nil
}

func spawnFailed(agent config.AgentConfig, err error) error {
	return &SpawnError{Kind: SpawnFailed, Agent: agent.DisplayName(), Err: err}
}

// Pid returns the connector's process id.
func (p *AgentProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and its stderr is drained.
func (p *AgentProcess) Done() <-chan struct{} {
	return p.waitDone
}

// Wait blocks until the process has exited and returns the wait error.
func (p *AgentProcess) Wait() error {
	<-p.waitDone
	return p.waitErr
}

// ExitCode returns the exit status, or -1 while running or when the process
// was killed by a signal.
func (p *AgentProcess) ExitCode() int {
	select {
	case <-p.waitDone:
		return p.exitCode
	default:
		return -1
	}
}

// StderrTail returns the last captured stderr lines.
func (p *AgentProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}

// Terminate stops the connector: stdin is closed, SIGTERM is sent, and
// SIGKILL follows if the process outlives the grace period. It returns
// immediately and is safe to call more than once.
func (p *AgentProcess) Terminate() {
	p.terminate.Do(func() {
		p.Stdin.Close()
		select {
		case <-p.waitDone:
			return
		default:
		}
		p.log.Debug("terminating connector", "pid", p.Pid())
		if err := signalTerm(p.cmd); err != nil {
			p.log.Debug("SIGTERM failed", "error", err)
		}
		go func() {
			select {
			case <-p.waitDone:
				p.log.Debug("connector exited after SIGTERM")
			case <-time.After(p.grace):
				p.log.Warn("connector ignored SIGTERM, killing", "grace", p.grace)
				signalKill(p.cmd)
			}
		}()
	})
}

func (p *AgentProcess) drainStderr() {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(p.stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.agentLog.Debug("stderr", "line", line)
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		p.log.Debug("error reading connector stderr", "error", err)
	}
}

// monitorExit is the only caller of cmd.Wait.
func (p *AgentProcess) monitorExit() {
	// Wait closes the stderr pipe, so the drain must finish first.
	<-p.stderrDone
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	p.waitErr = err
	p.agentLogC.Close()
	p.log.Debug("connector exited", "code", p.exitCode, "error", err)
	close(p.waitDone)
}

func resolveShell(shell string) string {
	if shell != "" {
		return shell
	}
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// shellFlag uses a login shell unless the shell is plain sh.
func shellFlag(shell string) string {
	if filepath.Base(shell) == "sh" {
		return "-c"
	}
	return "-lc"
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}
