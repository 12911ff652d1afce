package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/config"
	"github.com/zhubert/plural-acp/manager"
	"github.com/zhubert/plural-acp/permission"
)

const helpText = `Commands:
  /cancel [id]        cancel the active prompt, or a queued one by id
  /allow [n]          answer the oldest permission request with option n
  /deny               reject the oldest permission request
  /run <turn>         run a suggested command in the terminal
  /paste <turn>       paste a suggested command without running it
  /bypass on|off      toggle bypass permissions mode
  /terminal on|off    toggle terminal access
  /screenshot on|off  toggle screenshot access
  /reset              forget session grants and reconnect
  /reconnect          reconnect to the agent
  /disconnect         disconnect from the agent
  /status             show connection and queue state
  /quit               exit
Anything else is sent to the agent as a prompt.
`

// session is the part of the session manager the front end drives.
type session interface {
	Events() <-chan manager.Event
	Connect(agent config.AgentConfig) error
	Disconnect() error
	SubmitPrompt(text string) (string, error)
	CancelActive() error
	CancelQueued(promptID string) error
	ResolvePermission(requestID, optionID string) error
	SetTerminalAccess(on bool) error
	SetScreenshotAccess(on bool) error
	SetBypassMode(on bool) error
	ResetApprovals() error
	ExecuteSuggestion(turnID string) error
	PasteSuggestion(turnID string) error
	State() (manager.Snapshot, error)
}

var _ session = (*manager.SessionManager)(nil)

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return sc
}

// runREPL connects to agent and serves stdin until /quit, EOF or ctx ends.
func runREPL(ctx context.Context, sm session, agent config.AgentConfig, in io.Reader, out io.Writer) error {
	p := &printer{w: out}

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case ev, ok := <-sm.Events():
				if !ok {
					return
				}
				p.event(ev)
			case <-done:
				return
			}
		}
	}()

	if err := sm.Connect(agent); err != nil {
		return err
	}

	lines := readLines(in, done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := dispatch(sm, agent, p, line)
			if err != nil {
				p.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// readLines feeds r line by line until EOF or done closes.
func readLines(r io.Reader, done <-chan struct{}) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := newLineScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()
	return lines
}

// dispatch runs one input line. It reports whether the user asked to quit.
func dispatch(sm session, agent config.AgentConfig, p *printer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		id, err := sm.SubmitPrompt(line)
		if err != nil {
			return false, err
		}
		p.printf("[prompt %s]\n", shortID(id))
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "exit":
		return true, nil
	case "help":
		p.printf("%s", helpText)
		return false, nil
	case "cancel":
		if arg == "" {
			return false, sm.CancelActive()
		}
		id, err := resolvePromptID(sm, arg)
		if err != nil {
			return false, err
		}
		return false, sm.CancelQueued(id)
	case "allow", "deny":
		return false, answerPermission(sm, cmd == "allow", arg)
	case "run", "paste":
		id, err := resolveTurnID(sm, arg)
		if err != nil {
			return false, err
		}
		if cmd == "run" {
			return false, sm.ExecuteSuggestion(id)
		}
		return false, sm.PasteSuggestion(id)
	case "bypass", "terminal", "screenshot":
		on, err := parseToggle(arg)
		if err != nil {
			return false, err
		}
		switch cmd {
		case "bypass":
			return false, sm.SetBypassMode(on)
		case "terminal":
			return false, sm.SetTerminalAccess(on)
		default:
			return false, sm.SetScreenshotAccess(on)
		}
	case "reset":
		return false, sm.ResetApprovals()
	case "reconnect":
		return false, sm.Connect(agent)
	case "disconnect":
		return false, sm.Disconnect()
	case "status":
		s, err := sm.State()
		if err != nil {
			return false, err
		}
		p.printf("%s", formatStatus(s))
		return false, nil
	}
	return false, fmt.Errorf("unknown command /%s (try /help)", cmd)
}

func parseToggle(arg string) (bool, error) {
	switch strings.ToLower(arg) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", arg)
}

// answerPermission resolves the oldest pending request. For allow, arg is
// a 1-based option number; empty picks the first allow option.
func answerPermission(sm session, allow bool, arg string) error {
	s, err := sm.State()
	if err != nil {
		return err
	}
	if len(s.PendingPermissions) == 0 {
		return fmt.Errorf("no pending permission requests")
	}
	req := s.PendingPermissions[0]
	if !allow {
		return sm.ResolvePermission(req.ID, "")
	}
	opt, err := pickOption(req.Options, arg)
	if err != nil {
		return err
	}
	return sm.ResolvePermission(req.ID, opt.ID)
}

func pickOption(opts []permission.Option, arg string) (permission.Option, error) {
	if arg == "" {
		for _, o := range opts {
			if o.IsAllow() {
				return o, nil
			}
		}
		return permission.Option{}, fmt.Errorf("request offers no allow option")
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > len(opts) {
		return permission.Option{}, fmt.Errorf("option must be between 1 and %d", len(opts))
	}
	return opts[n-1], nil
}

// resolveTurnID expands a turn id prefix. Empty picks the latest suggestion.
func resolveTurnID(sm session, prefix string) (string, error) {
	s, err := sm.State()
	if err != nil {
		return "", err
	}
	for i := len(s.Turns) - 1; i >= 0; i-- {
		t := s.Turns[i]
		if t.Kind == chat.KindCommandSuggestion && strings.HasPrefix(t.ID, prefix) {
			return t.ID, nil
		}
	}
	return "", manager.ErrUnknownTurn
}

func resolvePromptID(sm session, prefix string) (string, error) {
	s, err := sm.State()
	if err != nil {
		return "", err
	}
	for _, q := range s.Queued {
		if strings.HasPrefix(q.ID, prefix) {
			return q.ID, nil
		}
	}
	return "", manager.ErrUnknownPrompt
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatStatus(s manager.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "status: %s", s.Status)
	if s.Message != "" {
		fmt.Fprintf(&b, " (%s)", s.Message)
	}
	b.WriteString("\n")
	if s.SessionID != "" {
		fmt.Fprintf(&b, "session: %s mode: %s\n", s.SessionID, s.Mode)
	}
	fmt.Fprintf(&b, "terminal: %t screenshot: %t bypass: %t granted tools: %d\n",
		s.TerminalAccess, s.ScreenshotAccess, s.Bypass, s.GrantedTools)
	if s.Active != nil {
		fmt.Fprintf(&b, "active: [%s] %s\n", shortID(s.Active.ID), s.Active.Text)
	}
	for _, q := range s.Queued {
		fmt.Fprintf(&b, "queued: [%s] %s\n", shortID(q.ID), q.Text)
	}
	if n := len(s.PendingPermissions); n > 0 {
		fmt.Fprintf(&b, "pending permissions: %d\n", n)
	}
	return b.String()
}

// printer serializes output from the event loop and the input loop.
// Streamed agent text is written inline; midLine tracks whether a newline
// is owed before the next block.
type printer struct {
	mu      sync.Mutex
	w       io.Writer
	midLine bool
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.breakLine()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) breakLine() {
	if p.midLine {
		fmt.Fprintln(p.w)
		p.midLine = false
	}
}

func (p *printer) stream(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, text)
	p.midLine = !strings.HasSuffix(text, "\n")
}

func (p *printer) event(ev manager.Event) {
	switch e := ev.(type) {
	case manager.StatusChanged:
		if e.Detail != "" && e.Status == manager.StatusError {
			p.printf("* %s\n  %s\n", e.Message, e.Detail)
			return
		}
		p.printf("* %s\n", e.Message)
	case manager.TurnAppended:
		p.turn(e.Turn)
	case manager.TurnUpdated:
		switch {
		case e.Delta != "":
			p.stream(e.Delta)
		case e.Turn.Kind == chat.KindPermission && e.Turn.Permission != nil && e.Turn.Permission.Resolved():
			p.printf("  permission %s: %s\n", e.Turn.Text, e.Turn.Permission.Resolution)
		}
	case manager.ToolCallStatusChanged:
		p.printf("  [tool] %s: %s\n", e.ToolCall.Title, e.ToolCall.Status)
	case manager.PermissionRequested:
		p.printf("%s", formatPermission(e.Request))
	case manager.PermissionAutoResolved:
		verdict := "approved"
		if !e.Approved {
			verdict = "denied"
		}
		p.printf("  [auto %s] %s (%s)\n", verdict, e.ToolName, e.Policy)
	case manager.PromptQueued:
		p.printf("  [queued %s]\n", shortID(e.ID))
	case manager.PromptCompleted:
		if e.Err == nil {
			p.printf("  [done: %s]\n", e.StopReason)
		}
	}
}

func (p *printer) turn(t chat.Turn) {
	switch t.Kind {
	case chat.KindAgent:
		p.printf("agent> ")
		p.stream(t.Text)
	case chat.KindThinking:
		p.printf("thinking> ")
		p.stream(t.Text)
	case chat.KindToolCall:
		p.printf("  [tool] %s\n", t.Text)
	case chat.KindSystem:
		p.printf("-- %s\n", t.Text)
	case chat.KindAutoApproved:
		p.printf("  [auto approved] %s\n", t.Text)
	case chat.KindCommandSuggestion:
		p.printf("  $ %s   (/run %s, /paste %s)\n", t.Text, shortID(t.ID), shortID(t.ID))
	}
}

func formatPermission(req permission.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "? %s wants permission: %s\n", req.ToolName, req.Description())
	for i, o := range req.Options {
		fmt.Fprintf(&b, "  %d) %s\n", i+1, o.Name)
	}
	b.WriteString("  answer with /allow [n] or /deny\n")
	return b.String()
}
