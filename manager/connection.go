package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/config"
	"github.com/zhubert/plural-acp/jsonrpc"
	"github.com/zhubert/plural-acp/process"
)

const historyTimeout = 5 * time.Second

// Internal messages posted to the command loop by helper goroutines. Each
// carries the generation it was started under.
type (
	launched struct {
		gen  uint64
		link Link
		conn *jsonrpc.Conn
	}
	connectFailed struct {
		gen uint64
		err error
	}
	handshakeDone struct {
		gen    uint64
		result acp.NewSessionResult
		err    error
	}
	transportClosed struct {
		gen      uint64
		exitCode int
		stderr   string
		cause    error
	}
	execDone struct {
		command  string
		exitCode int
		err      error
	}
)

// connect replaces any current connection with a new one to agent. A nil
// payload means: replay the current log if it has content, otherwise the
// agent's latest stored conversation when history restore is on.
func (sm *SessionManager) connect(agent config.AgentConfig, payload *chat.RestorePayload) {
	if sm.conn != nil || sm.link.Process != nil || sm.status == StatusConnecting {
		if payload == nil {
			p := chat.Snapshot(sm.turns)
			payload = &p
		}
		sm.teardown(errReconnecting)
	} else if payload == nil {
		payload = sm.initialRestore(agent)
	}

	sm.agent = &agent
	sm.pendingRestore = payload
	sm.queue.Hold()
	sm.setStatus(StatusConnecting, fmt.Sprintf("Connecting to %s...", agent.DisplayName()), "")

	gen, cwd, terminal := sm.gen, sm.opts.Cwd, sm.terminalAccess
	go sm.launch(gen, agent, cwd, terminal)
}

func (sm *SessionManager) initialRestore(agent config.AgentConfig) *chat.RestorePayload {
	if p := chat.Snapshot(sm.turns); !p.Empty() {
		return &p
	}
	if !sm.opts.RestoreFromHistory || sm.opts.History == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(sm.ctx, historyTimeout)
	defer cancel()
	stored, ok, err := sm.opts.History.Latest(ctx, agent.Identity)
	if err != nil {
		sm.log.Warn("failed to load conversation history", "agent", agent.Identity, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	sm.log.Info("restoring stored conversation", "agent", agent.Identity, "entries", len(stored.Entries))
	return &stored
}

// launch runs off the loop: it starts the connector and performs the
// handshake, reporting each step back by generation.
func (sm *SessionManager) launch(gen uint64, agent config.AgentConfig, cwd string, terminal bool) {
	log := sm.log.With("agent", agent.Identity)
	link, err := sm.opts.Launcher.Launch(sm.ctx, agent, cwd)
	if err != nil {
		log.Warn("failed to launch agent", "error", err)
		sm.post(connectFailed{gen: gen, err: err})
		return
	}
	conn := jsonrpc.NewConn(link.Stdout, link.Stdin, log)
	conn.Start()
	sm.post(launched{gen: gen, link: link, conn: conn})

	result, err := handshake(sm.ctx, conn, cwd, terminal, sm.opts.HandshakeTimeout)
	if err != nil {
		log.Warn("handshake failed", "error", err)
	}
	sm.post(handshakeDone{gen: gen, result: result, err: err})
}

func (sm *SessionManager) onLaunched(m launched) {
	if m.gen != sm.gen {
		m.conn.Close()
		closeLink(m.link)
		return
	}
	sm.link, sm.conn, sm.closing = m.link, m.conn, false
}

func (sm *SessionManager) onConnectFailed(m connectFailed) {
	if m.gen != sm.gen {
		return
	}
	name := sm.agentName()
	sm.teardown(m.err)

	msg := fmt.Sprintf("Failed to start %s", name)
	var se *process.SpawnError
	if errors.As(m.err, &se) && se.Kind == process.BinaryNotFound {
		msg = fmt.Sprintf("%s connector not found", name)
	}
	sm.setStatus(StatusError, msg, m.err.Error())
}

func (sm *SessionManager) onHandshakeDone(m handshakeDone) {
	if m.gen != sm.gen {
		return
	}
	name := sm.agentName()
	if m.err != nil {
		detail := m.err.Error()
		if sm.link.Process != nil {
			if tail := sm.link.Process.StderrTail(); tail != "" {
				detail += "\n" + tail
			}
		}
		sm.teardown(m.err)
		sm.setStatus(StatusError, fmt.Sprintf("Could not start a session with %s", name), detail)
		return
	}

	sm.session = newSession(m.result.SessionID, sm.opts.Cwd, sm.bypass, sm.log)
	sm.log.Info("session started", "agent", name, "sessionID", m.result.SessionID)
	sm.setStatus(StatusConnected, fmt.Sprintf("Connected to %s", name), "")
	if sm.bypass {
		sm.sendSetMode(ModeBypassPermissions)
	}

	payload := sm.pendingRestore
	sm.pendingRestore = nil
	if payload != nil {
		if text, ok := payload.Prompt(); ok {
			sm.startRestore(text)
			return
		}
	}
	sm.queue.Release()
	sm.activateNext()
}

func (sm *SessionManager) disconnect() {
	if sm.status == StatusDisconnected && sm.conn == nil && sm.link.Process == nil {
		return
	}
	sm.teardown(errDisconnected)
	sm.setStatus(StatusDisconnected, "Disconnected", "")
}

func (sm *SessionManager) resetApprovals() error {
	if sm.agent == nil {
		return ErrNotConnected
	}
	payload := chat.Snapshot(sm.turns)
	sm.log.Info("resetting approvals", "agent", sm.agent.Identity)
	sm.connect(*sm.agent, &payload)
	return nil
}

// teardown releases the connection and settles everything that depended on
// it. It never emits a status change; callers pick the resulting status.
func (sm *SessionManager) teardown(reason error) {
	sm.gen++

	if sm.session != nil {
		sm.saveHistory()
		sm.cancelPendingPermissions()
	}

	if sm.conn != nil {
		sm.conn.Close()
	}
	closeLink(sm.link)

	failed, cancelled := sm.queue.Reset(reason)
	if failed != nil {
		sm.emit(PromptCompleted{ID: failed.ID, Err: reason})
	}
	for _, p := range cancelled {
		sm.markCancelled(p.ID)
	}
	sm.completeOpenTurns()
	sm.queue.Hold()

	sm.session = nil
	sm.conn = nil
	sm.link = Link{}
	sm.restore = nil
	sm.pendingRestore = nil
	sm.closing = false
}

// closeLink stops the connector. Without a process the output stream is
// closed directly so the read loop ends.
func closeLink(l Link) {
	if l.Process != nil {
		l.Process.Terminate()
		return
	}
	if l.Stdin != nil {
		l.Stdin.Close()
	}
	if l.Stdout != nil {
		l.Stdout.Close()
	}
}

func (sm *SessionManager) saveHistory() {
	if sm.opts.History == nil || sm.agent == nil {
		return
	}
	p := chat.Snapshot(sm.turns)
	if p.Empty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := sm.opts.History.Save(ctx, sm.agent.Identity, p); err != nil {
		sm.log.Warn("failed to save conversation history", "error", err)
	}
}

// onInboundClosed runs when the agent's output ends. The exit status is
// collected off the loop, bounded by the grace period.
func (sm *SessionManager) onInboundClosed() {
	sm.closing = true
	conn, proc, gen, grace := sm.conn, sm.link.Process, sm.gen, sm.opts.GracePeriod
	sm.log.Debug("agent output closed", "cause", conn.Err())
	go func() {
		m := transportClosed{gen: gen, exitCode: 0}
		if proc != nil {
			select {
			case <-proc.Done():
			case <-time.After(grace):
			}
			m.exitCode = proc.ExitCode()
			m.stderr = proc.StderrTail()
		}
		<-conn.Closed()
		m.cause = conn.Err()
		sm.post(m)
	}()
}

func (sm *SessionManager) onTransportClosed(m transportClosed) {
	if m.gen != sm.gen {
		return
	}
	name := sm.agentName()
	connecting := sm.status == StatusConnecting
	sm.teardown(jsonrpc.ErrTransportClosed)

	clean := m.cause == nil || errors.Is(m.cause, io.EOF)
	switch {
	case m.exitCode == 0 && clean && !connecting:
		sm.setStatus(StatusDisconnected, fmt.Sprintf("%s disconnected", name), "")
	case m.exitCode > 0:
		sm.setStatus(StatusError, fmt.Sprintf("%s exited with code %d", name, m.exitCode), m.stderr)
	default:
		detail := m.stderr
		if detail == "" && !clean {
			detail = m.cause.Error()
		}
		sm.setStatus(StatusError, fmt.Sprintf("Lost connection to %s", name), detail)
	}
}
