package chat

import (
	"strings"

	"github.com/zhubert/plural-acp/permission"
)

// Log is the ordered turn list for one session. It is not safe for
// concurrent use; the session manager's loop owns it.
type Log struct {
	turns []*Turn
	byID  map[string]*Turn
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{byID: make(map[string]*Turn)}
}

func (l *Log) add(t *Turn) *Turn {
	l.turns = append(l.turns, t)
	l.byID[t.ID] = t
	return t
}

func (l *Log) last() *Turn {
	if len(l.turns) == 0 {
		return nil
	}
	return l.turns[len(l.turns)-1]
}

// Len returns the number of turns.
func (l *Log) Len() int {
	return len(l.turns)
}

// Turn returns the turn with the given id.
func (l *Log) Turn(id string) (*Turn, bool) {
	t, ok := l.byID[id]
	return t, ok
}

// Turns returns copies of every turn in order.
func (l *Log) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	for i, t := range l.turns {
		out[i] = t.Clone()
	}
	return out
}

// Clear drops every turn.
func (l *Log) Clear() {
	l.turns = nil
	l.byID = make(map[string]*Turn)
}

// AppendUser records a user submission. Pending is true while the prompt
// waits in the queue.
func (l *Log) AppendUser(text, promptID string, pending bool) *Turn {
	t := newTurn(KindUser, text)
	t.PromptID = promptID
	t.Pending = pending
	t.Complete = true
	return l.add(t)
}

// userTurn finds the user turn for a prompt.
func (l *Log) userTurn(promptID string) *Turn {
	for i := len(l.turns) - 1; i >= 0; i-- {
		t := l.turns[i]
		if t.Kind == KindUser && t.PromptID == promptID {
			return t
		}
	}
	return nil
}

// MarkSent clears Pending on the prompt's user turn.
func (l *Log) MarkSent(promptID string) (*Turn, bool) {
	t := l.userTurn(promptID)
	if t == nil || !t.Pending {
		return nil, false
	}
	t.Pending = false
	return t, true
}

// MarkCancelled flags a queued prompt's user turn as never sent.
func (l *Log) MarkCancelled(promptID string) (*Turn, bool) {
	t := l.userTurn(promptID)
	if t == nil {
		return nil, false
	}
	t.Pending = false
	t.Cancelled = true
	return t, true
}

// AppendAgentText extends the open agent turn or starts a new one. created
// reports whether a new turn was added.
func (l *Log) AppendAgentText(text string) (t *Turn, created bool) {
	if last := l.last(); last != nil && last.Kind == KindAgent && !last.Complete {
		last.Text += text
		return last, false
	}
	return l.add(newTurn(KindAgent, text)), true
}

// AppendThinking coalesces consecutive thought chunks into one turn.
func (l *Log) AppendThinking(text string) (t *Turn, created bool) {
	if last := l.last(); last != nil && last.Kind == KindThinking && !last.Complete {
		last.Text += text
		return last, false
	}
	return l.add(newTurn(KindThinking, text)), true
}

// StartToolCall records a new tool call. A repeated id updates the existing
// record instead.
func (l *Log) StartToolCall(id, title, kind, status, content string) (t *Turn, created bool) {
	if existing := l.toolTurn(id); existing != nil && id != "" {
		tc := existing.ToolCall
		tc.Title = title
		tc.Kind = kind
		tc.Status = MapToolStatus(status)
		if content != "" {
			tc.Content = content
		}
		existing.Text = title
		existing.Complete = tc.Status.Terminal()
		return existing, false
	}
	t = newTurn(KindToolCall, title)
	t.ToolCall = &ToolCall{ID: id, Title: title, Kind: kind, Status: MapToolStatus(status), Content: content}
	t.Complete = t.ToolCall.Status.Terminal()
	return l.add(t), true
}

func (l *Log) toolTurn(id string) *Turn {
	for i := len(l.turns) - 1; i >= 0; i-- {
		t := l.turns[i]
		if t.Kind == KindToolCall && t.ToolCall.ID == id {
			return t
		}
	}
	return nil
}

// UpdateToolCall applies the non-nil fields to the matching tool call,
// searching from the newest turn. statusChanged reports a status change.
func (l *Log) UpdateToolCall(id string, status, title, content *string) (t *Turn, statusChanged, ok bool) {
	t = l.toolTurn(id)
	if t == nil {
		return nil, false, false
	}
	tc := t.ToolCall
	if status != nil {
		s := MapToolStatus(*status)
		statusChanged = s != tc.Status
		tc.Status = s
		if s.Terminal() {
			t.Complete = true
		}
	}
	if title != nil {
		tc.Title = *title
		t.Text = *title
	}
	if content != nil {
		tc.Content = *content
	}
	return t, statusChanged, true
}

// LinkPermission records which permission request belongs to a tool call.
func (l *Log) LinkPermission(toolCallID, requestID string) {
	if t := l.toolTurn(toolCallID); t != nil {
		t.ToolCall.PermissionID = requestID
	}
}

// AppendSystem adds an informational turn.
func (l *Log) AppendSystem(text string) *Turn {
	t := newTurn(KindSystem, text)
	t.Complete = true
	return l.add(t)
}

// AppendAutoApproved adds a notice that a tool call was approved by policy.
func (l *Log) AppendAutoApproved(description string) *Turn {
	t := newTurn(KindAutoApproved, description)
	t.Complete = true
	return l.add(t)
}

// AppendPermission adds a turn for a request forwarded to the user. The turn
// shares req, so resolving the request is visible through the turn.
func (l *Log) AppendPermission(req *permission.Request) *Turn {
	t := newTurn(KindPermission, req.Description())
	t.Permission = req
	return l.add(t)
}

// PermissionTurn finds the turn for a permission request id.
func (l *Log) PermissionTurn(requestID string) (*Turn, bool) {
	for i := len(l.turns) - 1; i >= 0; i-- {
		t := l.turns[i]
		if t.Kind == KindPermission && t.Permission.ID == requestID {
			return t, true
		}
	}
	return nil, false
}

// CompleteOpen marks every open agent, thinking and tool call turn complete.
// Command suggestions found in agent text are appended after the log's
// current end. It returns the turns it completed and the suggestions added.
func (l *Log) CompleteOpen() (completed, suggestions []*Turn) {
	for _, t := range l.turns {
		if t.Complete {
			continue
		}
		switch t.Kind {
		case KindAgent, KindThinking, KindToolCall:
			t.Complete = true
			if t.Kind == KindAgent {
				t.Text = strings.TrimRight(t.Text, " \t\r\n")
			}
			completed = append(completed, t)
		}
	}
	for _, t := range completed {
		if t.Kind != KindAgent {
			continue
		}
		for _, cmd := range ExtractCommands(t.Text) {
			s := newTurn(KindCommandSuggestion, cmd)
			s.Complete = true
			suggestions = append(suggestions, l.add(s))
		}
	}
	return completed, suggestions
}

// CompleteAgentText closes the open agent turn so the next chunk starts a
// new one. It is called before a tool call is recorded.
func (l *Log) CompleteAgentText() (*Turn, []*Turn, bool) {
	last := l.last()
	if last == nil || last.Kind != KindAgent || last.Complete {
		return nil, nil, false
	}
	last.Complete = true
	last.Text = strings.TrimRight(last.Text, " \t\r\n")
	var suggestions []*Turn
	for _, cmd := range ExtractCommands(last.Text) {
		s := newTurn(KindCommandSuggestion, cmd)
		s.Complete = true
		suggestions = append(suggestions, l.add(s))
	}
	return last, suggestions, true
}
