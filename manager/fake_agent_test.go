package manager

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/config"
)

const waitTimeout = 3 * time.Second

var testAgent = config.AgentConfig{
	Identity:   "fake",
	Name:       "Fake Agent",
	RunCommand: map[string]string{"*": "fake-acp"},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// hostMsg is one line the manager wrote to the agent.
type hostMsg struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// fakeAgent is the agent end of a piped link. The test drives it by hand.
type fakeAgent struct {
	t    *testing.T
	msgs chan hostMsg
	out  *io.PipeWriter
	wmu  sync.Mutex
	proc *fakeProcess
}

func (a *fakeAgent) readFrom(r io.Reader) {
	defer close(a.msgs)
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for s.Scan() {
		var m hostMsg
		if err := json.Unmarshal(s.Bytes(), &m); err != nil {
			a.t.Errorf("host wrote invalid JSON %q: %v", s.Text(), err)
			continue
		}
		a.msgs <- m
	}
}

func (a *fakeAgent) next() (hostMsg, bool) {
	a.t.Helper()
	select {
	case m, ok := <-a.msgs:
		return m, ok
	case <-time.After(waitTimeout):
		a.t.Fatal("timed out waiting for a message from the host")
		return hostMsg{}, false
	}
}

// expect skips host messages until one calls method.
func (a *fakeAgent) expect(method string) hostMsg {
	a.t.Helper()
	for {
		m, ok := a.next()
		if !ok {
			a.t.Fatalf("host closed the stream before sending %s", method)
		}
		if m.Method == method {
			return m
		}
	}
}

// expectResponse skips host messages until the response for id.
func (a *fakeAgent) expectResponse(id int) hostMsg {
	a.t.Helper()
	return a.expectResponseID(fmt.Sprint(id))
}

// expectResponseID matches the response id as raw JSON.
func (a *fakeAgent) expectResponseID(want string) hostMsg {
	a.t.Helper()
	for {
		m, ok := a.next()
		if !ok {
			a.t.Fatalf("host closed the stream before answering request %s", want)
		}
		if m.Method == "" && string(m.ID) == want {
			return m
		}
	}
}

// expectNone fails if the host calls method within d. Other messages are
// discarded.
func (a *fakeAgent) expectNone(method string, d time.Duration) {
	a.t.Helper()
	timeout := time.After(d)
	for {
		select {
		case m, ok := <-a.msgs:
			if !ok {
				return
			}
			if m.Method == method {
				a.t.Fatalf("host sent %s too early: %s", method, m.Params)
			}
		case <-timeout:
			return
		}
	}
}

// expectClosed waits for the host to close its end.
func (a *fakeAgent) expectClosed() {
	a.t.Helper()
	for {
		if _, ok := a.next(); !ok {
			return
		}
	}
}

func (a *fakeAgent) send(v any) {
	a.t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		a.t.Fatal(err)
	}
	a.wmu.Lock()
	defer a.wmu.Unlock()
	if _, err := a.out.Write(append(b, '\n')); err != nil {
		a.t.Logf("agent write failed: %v", err)
	}
}

func (a *fakeAgent) reply(m hostMsg, result any) {
	a.send(map[string]any{"jsonrpc": "2.0", "id": m.ID, "result": result})
}

func (a *fakeAgent) replyError(m hostMsg, code int, message string) {
	a.send(map[string]any{"jsonrpc": "2.0", "id": m.ID, "error": map[string]any{"code": code, "message": message}})
}

func (a *fakeAgent) request(id any, method string, params any) {
	a.send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
}

func (a *fakeAgent) update(sessionID string, update map[string]any) {
	a.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  acp.MethodSessionUpdate,
		"params":  map[string]any{"sessionId": sessionID, "update": update},
	})
}

func (a *fakeAgent) chunk(sessionID, text string) {
	a.update(sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

// handshake answers initialize and session/new.
func (a *fakeAgent) handshake(sessionID string) (initialize, newSession hostMsg) {
	a.t.Helper()
	initialize = a.expect(acp.MethodInitialize)
	a.reply(initialize, map[string]any{"protocolVersion": acp.ProtocolVersion, "agentCapabilities": map[string]any{}})
	newSession = a.expect(acp.MethodSessionNew)
	a.reply(newSession, map[string]any{"sessionId": sessionID})
	return initialize, newSession
}

func (a *fakeAgent) close() {
	a.out.Close()
}

// fakeProcess stands in for the connector process.
type fakeProcess struct {
	mu      sync.Mutex
	done    chan struct{}
	once    sync.Once
	code    int
	stderr  string
	onClose func()
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{}), code: -1}
}

func (p *fakeProcess) exit(code int, stderr string) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code, p.stderr = code, stderr
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code
}

func (p *fakeProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

func (p *fakeProcess) Terminate() {
	p.exit(-1, "")
	if p.onClose != nil {
		p.onClose()
	}
}

// pipeLauncher connects every launch to a new fakeAgent delivered on
// agents.
type pipeLauncher struct {
	t           *testing.T
	agents      chan *fakeAgent
	withProcess bool
}

func newPipeLauncher(t *testing.T) *pipeLauncher {
	return &pipeLauncher{t: t, agents: make(chan *fakeAgent, 4)}
}

func (l *pipeLauncher) Launch(_ context.Context, _ config.AgentConfig, _ string) (Link, error) {
	hostR, agentW := io.Pipe()
	agentR, hostW := io.Pipe()
	a := &fakeAgent{t: l.t, msgs: make(chan hostMsg, 64), out: agentW}
	go a.readFrom(agentR)

	link := Link{Stdin: hostW, Stdout: hostR}
	if l.withProcess {
		a.proc = newFakeProcess()
		a.proc.onClose = func() { agentW.Close() }
		link.Process = a.proc
	}
	l.agents <- a
	return link, nil
}

func (l *pipeLauncher) next() *fakeAgent {
	l.t.Helper()
	select {
	case a := <-l.agents:
		return a
	case <-time.After(waitTimeout):
		l.t.Fatal("timed out waiting for the agent to be launched")
		return nil
	}
}

func newTestManager(t *testing.T, mutate func(*Options)) (*SessionManager, *pipeLauncher) {
	t.Helper()
	launcher := newPipeLauncher(t)
	opts := Options{
		Cwd:              t.TempDir(),
		Launcher:         launcher,
		GracePeriod:      200 * time.Millisecond,
		HandshakeTimeout: waitTimeout,
		Log:              testLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	sm, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { sm.Close() })
	return sm, launcher
}

// connectAgent connects sm to a fresh fake agent using sessionID.
func connectAgent(t *testing.T, sm *SessionManager, l *pipeLauncher, sessionID string) *fakeAgent {
	t.Helper()
	if err := sm.Connect(testAgent); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a := l.next()
	a.handshake(sessionID)
	waitStatus(t, sm, StatusConnected)
	return a
}

// waitFor reads events until one of type T satisfies match.
func waitFor[T Event](t *testing.T, sm *SessionManager, match func(T) bool) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e, ok := <-sm.Events():
			if !ok {
				var zero T
				t.Fatalf("event stream closed while waiting for %T", zero)
			}
			if ev, ok := e.(T); ok && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
		}
	}
}

func waitStatus(t *testing.T, sm *SessionManager, want Status) StatusChanged {
	t.Helper()
	return waitFor(t, sm, func(e StatusChanged) bool { return e.Status == want })
}

func waitSystemTurn(t *testing.T, sm *SessionManager, contains string) chat.Turn {
	t.Helper()
	e := waitFor(t, sm, func(e TurnAppended) bool {
		return e.Turn.Kind == chat.KindSystem && strings.Contains(e.Turn.Text, contains)
	})
	return e.Turn
}

// waitRestored polls until the context replay has finished.
func waitRestored(t *testing.T, sm *SessionManager) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for state(t, sm).Restoring {
		if time.Now().After(deadline) {
			t.Fatal("context restore did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func state(t *testing.T, sm *SessionManager) Snapshot {
	t.Helper()
	s, err := sm.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	return s
}

func turnsOfKind(turns []chat.Turn, kind chat.Kind) []chat.Turn {
	var out []chat.Turn
	for _, t := range turns {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// permissionParams builds a session/request_permission payload for tool.
func permissionParams(sessionID, toolCallID, tool string) map[string]any {
	return map[string]any{
		"sessionId": sessionID,
		"toolCall": map[string]any{
			"toolCallId": toolCallID,
			"title":      tool + " ls -la",
			"kind":       "execute",
			"toolName":   tool,
		},
		"options": []map[string]any{
			{"optionId": "allow-once", "name": "Allow", "kind": "allow_once"},
			{"optionId": "allow-always", "name": "Always Allow", "kind": "allow_always"},
			{"optionId": "reject-once", "name": "Reject", "kind": "reject_once"},
		},
	}
}

// memHistory is an in-memory HistoryStore.
type memHistory struct {
	mu     sync.Mutex
	saved  map[string][]chat.RestorePayload
	latest map[string]chat.RestorePayload
}

func newMemHistory() *memHistory {
	return &memHistory{saved: make(map[string][]chat.RestorePayload), latest: make(map[string]chat.RestorePayload)}
}

func (h *memHistory) Save(_ context.Context, agent string, p chat.RestorePayload) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saved[agent] = append(h.saved[agent], p)
	return nil
}

func (h *memHistory) Latest(_ context.Context, agent string) (chat.RestorePayload, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.latest[agent]
	return p, ok, nil
}

func (h *memHistory) savedFor(agent string) []chat.RestorePayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]chat.RestorePayload(nil), h.saved[agent]...)
}

// fakeTerminal records what suggestions send to it.
type fakeTerminal struct {
	mu       sync.Mutex
	executed []string
	pasted   []string
	screen   string
	exitCode int
}

func (f *fakeTerminal) Execute(_ context.Context, command string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, command)
	return f.exitCode, nil
}

func (f *fakeTerminal) Paste(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pasted = append(f.pasted, text)
	return nil
}

func (f *fakeTerminal) Snapshot() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.screen
}
