package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/config"
	"github.com/zhubert/plural-acp/jsonrpc"
	"github.com/zhubert/plural-acp/permission"
	"github.com/zhubert/plural-acp/prompt"
)

const internalBuffer = 16

var (
	errDisconnected = errors.New("disconnected")
	errReconnecting = errors.New("reconnecting")
)

// SessionManager owns one connection to an ACP agent: the connector
// process, the JSON-RPC conversation, the prompt queue and the chat log.
//
// Every mutation happens on a single command-loop goroutine. Public methods
// post a closure to that loop and wait for it; transport reads, RPC replies
// and process exits arrive as internal messages on the same loop, so session
// state needs no locks. Observers read events from Events.
type SessionManager struct {
	opts      Options
	log       *slog.Logger
	evaluator *permission.Evaluator

	cmds     chan func()
	internal chan any
	events   *eventQueue

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the command loop.
	status  Status
	message string
	detail  string

	agent   *config.AgentConfig
	gen     uint64 // bumped on every teardown; stale messages carry an old value
	link    Link
	conn    *jsonrpc.Conn
	closing bool // inbound closed, waiting for the exit status
	session *Session

	turns          *chat.Log
	queue          *prompt.Queue
	restore        *restoreState
	pendingRestore *chat.RestorePayload

	terminalAccess   bool
	screenshotAccess bool
	bypass           bool
}

// New creates a SessionManager and starts its command loop. Close releases
// it.
func New(opts Options) (*SessionManager, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	if p := opts.Permissions; p.Order == nil && p.SafeRoots == nil && p.BlockedTools == nil &&
		p.ReadOnlyTools == nil && p.WriteTools == nil {
		opts.Permissions = permission.DefaultConfig()
	}
	ev, err := permission.NewEvaluator(opts.Permissions)
	if err != nil {
		return nil, fmt.Errorf("permission config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sm := &SessionManager{
		opts:             opts,
		log:              opts.Log.With("component", "session-manager"),
		evaluator:        ev,
		cmds:             make(chan func()),
		internal:         make(chan any, internalBuffer),
		events:           newEventQueue(),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
		turns:            chat.NewLog(),
		queue:            prompt.NewQueue(),
		terminalAccess:   opts.TerminalAccess,
		screenshotAccess: opts.ScreenshotAccess,
		bypass:           opts.BypassPermissions,
	}
	go sm.events.run(sm.done)
	go sm.run()
	return sm, nil
}

// Events returns the event stream. It is closed after Close.
func (sm *SessionManager) Events() <-chan Event {
	return sm.events.out
}

// Close disconnects the agent and stops the command loop.
func (sm *SessionManager) Close() error {
	sm.closeOnce.Do(func() { close(sm.quit) })
	<-sm.done
	return nil
}

// do runs fn on the command loop and waits for it.
func (sm *SessionManager) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case sm.cmds <- func() { fn(); close(finished) }:
	case <-sm.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-sm.done:
		return ErrClosed
	}
}

// post delivers an internal message from a helper goroutine.
func (sm *SessionManager) post(m any) {
	select {
	case sm.internal <- m:
	case <-sm.done:
	}
}

func (sm *SessionManager) run() {
	defer close(sm.done)
	for {
		var inbound <-chan jsonrpc.Message
		if sm.conn != nil && !sm.closing {
			inbound = sm.conn.Inbound()
		}

		select {
		case fn := <-sm.cmds:
			fn()
		case msg, ok := <-inbound:
			if !ok {
				sm.onInboundClosed()
				continue
			}
			sm.handleInbound(msg)
		case m := <-sm.internal:
			sm.handleInternal(m)
		case <-sm.quit:
			sm.shutdown()
			return
		}
	}
}

func (sm *SessionManager) shutdown() {
	if sm.conn != nil || sm.link.Process != nil {
		sm.teardown(errDisconnected)
	}
	sm.cancel()
	sm.log.Debug("session manager stopped")
}

func (sm *SessionManager) handleInternal(m any) {
	switch m := m.(type) {
	case launched:
		sm.onLaunched(m)
	case connectFailed:
		sm.onConnectFailed(m)
	case handshakeDone:
		sm.onHandshakeDone(m)
	case promptDone:
		sm.onPromptDone(m)
	case cancelExpired:
		sm.onCancelExpired(m)
	case restoreDone:
		sm.onRestoreDone(m)
	case transportClosed:
		sm.onTransportClosed(m)
	case execDone:
		sm.onExecDone(m)
	default:
		sm.log.Warn("unknown internal message", "type", fmt.Sprintf("%T", m))
	}
}

func (sm *SessionManager) emit(e Event) {
	sm.events.push(e)
}

func (sm *SessionManager) setStatus(s Status, message, detail string) {
	sm.status, sm.message, sm.detail = s, message, detail
	sm.log.Info("status changed", "status", s, "message", message)
	sm.emit(StatusChanged{Status: s, Message: message, Detail: detail})
}

func (sm *SessionManager) appendTurn(t *chat.Turn) {
	sm.emit(TurnAppended{Turn: t.Clone()})
}

func (sm *SessionManager) updateTurn(t *chat.Turn, delta string) {
	sm.emit(TurnUpdated{TurnID: t.ID, Delta: delta, Turn: t.Clone()})
}

func (sm *SessionManager) appendSystem(text string) {
	sm.appendTurn(sm.turns.AppendSystem(text))
}

func (sm *SessionManager) agentName() string {
	if sm.agent == nil {
		return "agent"
	}
	return sm.agent.DisplayName()
}

// Connect starts agent and opens a session with it. An existing connection
// is replaced and its conversation is replayed to the new agent.
func (sm *SessionManager) Connect(agent config.AgentConfig) error {
	return sm.do(func() { sm.connect(agent, nil) })
}

// Disconnect tears down the connection. It is legal in any state.
func (sm *SessionManager) Disconnect() error {
	return sm.do(sm.disconnect)
}

// SubmitPrompt queues text for the agent and returns the prompt id. Prompts
// submitted while connecting wait until the session is ready.
func (sm *SessionManager) SubmitPrompt(text string) (string, error) {
	var id string
	var err error
	if derr := sm.do(func() { id, err = sm.submitPrompt(text) }); derr != nil {
		return "", derr
	}
	return id, err
}

// CancelActive asks the agent to stop the active prompt. The prompt keeps
// the slot until the agent answers it, or until Options.CancelTimeout
// passes; then PromptCancelled is emitted and the next prompt is sent.
// Partial output is kept and later updates are dropped.
func (sm *SessionManager) CancelActive() error {
	return sm.do(sm.cancelActive)
}

// CancelQueued withdraws a prompt that has not been sent yet.
func (sm *SessionManager) CancelQueued(promptID string) error {
	var err error
	if derr := sm.do(func() { err = sm.cancelQueued(promptID) }); derr != nil {
		return derr
	}
	return err
}

// ResolvePermission answers a forwarded permission request. An empty
// optionID denies it.
func (sm *SessionManager) ResolvePermission(requestID, optionID string) error {
	var err error
	if derr := sm.do(func() { err = sm.resolvePermission(requestID, optionID) }); derr != nil {
		return derr
	}
	return err
}

// SetTerminalAccess toggles the terminal capability. It applies from the
// next connect; auto-context follows it at once.
func (sm *SessionManager) SetTerminalAccess(on bool) error {
	return sm.do(func() { sm.terminalAccess = on })
}

// SetScreenshotAccess toggles whether screenshot requests reach the user.
func (sm *SessionManager) SetScreenshotAccess(on bool) error {
	return sm.do(func() { sm.screenshotAccess = on })
}

// SetBypassMode toggles automatic approval of non-screenshot requests.
func (sm *SessionManager) SetBypassMode(on bool) error {
	return sm.do(func() { sm.setBypassMode(on) })
}

// ResetApprovals forgets every "allow always" grant by reconnecting to the
// same agent with the conversation replayed.
func (sm *SessionManager) ResetApprovals() error {
	var err error
	if derr := sm.do(func() { err = sm.resetApprovals() }); derr != nil {
		return derr
	}
	return err
}

// ExecuteSuggestion runs a suggested command in the user's terminal.
func (sm *SessionManager) ExecuteSuggestion(turnID string) error {
	var err error
	if derr := sm.do(func() { err = sm.executeSuggestion(turnID) }); derr != nil {
		return derr
	}
	return err
}

// PasteSuggestion inserts a suggested command at the terminal prompt.
func (sm *SessionManager) PasteSuggestion(turnID string) error {
	var err error
	if derr := sm.do(func() { err = sm.pasteSuggestion(turnID) }); derr != nil {
		return derr
	}
	return err
}

// State returns a copy of the manager's state.
func (sm *SessionManager) State() (Snapshot, error) {
	var s Snapshot
	err := sm.do(func() { s = sm.snapshot() })
	return s, err
}

func (sm *SessionManager) snapshot() Snapshot {
	s := Snapshot{
		Status:           sm.status,
		Message:          sm.message,
		Detail:           sm.detail,
		TerminalAccess:   sm.terminalAccess,
		ScreenshotAccess: sm.screenshotAccess,
		Bypass:           sm.bypass,
		Turns:            sm.turns.Turns(),
		Restoring:        sm.restore != nil,
	}
	if sm.agent != nil {
		s.Agent = sm.agent.Identity
	}
	if p := sm.queue.Active(); p != nil {
		info := promptInfo(p)
		s.Active = &info
	}
	for _, p := range sm.queue.Queued() {
		s.Queued = append(s.Queued, promptInfo(p))
	}
	if sess := sm.session; sess != nil {
		s.SessionID = sess.ID
		s.Mode = sess.Mode
		s.GrantedTools = sess.grants.Len()
		s.Plan = append(s.Plan, sess.plan...)
		s.Commands = append(s.Commands, sess.commands...)
		for _, id := range sess.pendingIDs() {
			s.PendingPermissions = append(s.PendingPermissions, *sess.pending[id].req)
		}
	}
	return s
}

func (sm *SessionManager) setBypassMode(on bool) {
	sm.bypass = on
	if sm.session == nil {
		return
	}
	mode := ModeDefault
	if on {
		mode = ModeBypassPermissions
	}
	sm.session.Mode = mode
	sm.sendSetMode(mode)
}

// sendSetMode asks the agent to switch modes. Failures are only logged.
func (sm *SessionManager) sendSetMode(mode string) {
	if sm.conn == nil || sm.session == nil {
		return
	}
	call := sm.conn.Go(acp.MethodSessionSetMode, acp.SetMode(sm.session.ID, mode))
	log := sm.log
	go func() {
		<-call.Done
		if call.Err != nil {
			log.Warn("agent rejected mode change", "mode", mode, "error", call.Err)
		}
	}()
}

func (sm *SessionManager) executeSuggestion(turnID string) error {
	t, ok := sm.turns.Turn(turnID)
	if !ok || t.Kind != chat.KindCommandSuggestion {
		return ErrUnknownTurn
	}
	if sm.opts.Terminal == nil || !sm.terminalAccess {
		sm.appendSystem("Terminal access is disabled, so the suggested command was not run.")
		return ErrTerminalUnavailable
	}
	sm.runSuggestion(t.Text)
	return nil
}

func (sm *SessionManager) runSuggestion(command string) {
	term, ctx := sm.opts.Terminal, sm.ctx
	go func() {
		code, err := term.Execute(ctx, command)
		sm.post(execDone{command: command, exitCode: code, err: err})
	}()
}

func (sm *SessionManager) onExecDone(m execDone) {
	if m.err != nil {
		sm.appendSystem(fmt.Sprintf("Failed to run `%s` in the terminal: %v", m.command, m.err))
		return
	}
	sm.appendSystem(fmt.Sprintf("The user executed `%s` in their terminal (exit code %d).", m.command, m.exitCode))
}

func (sm *SessionManager) pasteSuggestion(turnID string) error {
	t, ok := sm.turns.Turn(turnID)
	if !ok || t.Kind != chat.KindCommandSuggestion {
		return ErrUnknownTurn
	}
	if sm.opts.Terminal == nil {
		return ErrTerminalUnavailable
	}
	return sm.opts.Terminal.Paste(t.Text)
}

// terminalContext returns the prompt block carrying the visible terminal,
// or "" when auto-context is off.
func (sm *SessionManager) terminalContext() string {
	if !sm.terminalAccess || !sm.opts.AutoContext || sm.opts.Terminal == nil {
		return ""
	}
	snap := strings.TrimSpace(sm.opts.Terminal.Snapshot())
	if snap == "" {
		return ""
	}
	return "[Terminal context]\n" + snap
}
