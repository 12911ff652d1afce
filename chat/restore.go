package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrRestoreDegraded is reported when a context-restore replay fails. The
// session stays usable without the restored context.
var ErrRestoreDegraded = errors.New("context restore degraded")

const (
	restoreMaxEntries = 24
	restoreMaxChars   = 16000
	restoreTextChars  = 1200
	restoreNoteChars  = 600

	restoreHeader = "[System: plural-acp context restore]\n" +
		"The following is a best-effort transcript reconstructed from the local UI chat history " +
		"after reconnecting or switching agent/provider. It preserves visible conversation context " +
		"only (not hidden session state, pending permissions, or tool-call IDs). Use it to continue " +
		"the conversation naturally from the latest user request. Do not restate the transcript " +
		"unless asked.\n\n"
	restoreOmitted = "[Older transcript entries omitted for length.]\n\n"
)

// Entry is one visible line of conversation carried across sessions.
type Entry struct {
	Role   string `json:"role"`
	Text   string `json:"text"`
	Detail string `json:"detail,omitempty"`
}

// Roles used in restore entries.
const (
	RoleUser         = "user"
	RoleAssistant    = "assistant"
	RolePartial      = "assistant_partial"
	RoleSystem       = "system"
	RoleAutoApproved = "auto_approved"
	RoleToolCall     = "tool_call"
	RolePermission   = "permission"
)

// RestorePayload is the transcript captured from a session before it was
// torn down.
type RestorePayload struct {
	Entries   []Entry   `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
}

// Snapshot captures the visible conversation. Queued or cancelled user
// turns, thinking and command suggestions are left out.
func Snapshot(l *Log) RestorePayload {
	p := RestorePayload{CreatedAt: time.Now()}
	for _, t := range l.turns {
		var e Entry
		switch t.Kind {
		case KindUser:
			if t.Pending || t.Cancelled {
				continue
			}
			e = Entry{Role: RoleUser, Text: t.Text}
		case KindAgent:
			e = Entry{Role: RoleAssistant, Text: t.Text}
			if !t.Complete {
				e.Role = RolePartial
			}
		case KindSystem:
			e = Entry{Role: RoleSystem, Text: t.Text}
		case KindAutoApproved:
			e = Entry{Role: RoleAutoApproved, Text: t.Text}
		case KindToolCall:
			tc := t.ToolCall
			e = Entry{
				Role:   RoleToolCall,
				Text:   tc.Title,
				Detail: fmt.Sprintf("%s - %s", displayKind(tc.Kind), tc.Status),
			}
		case KindPermission:
			state := "unresolved"
			if t.Permission.Resolved() {
				state = "resolved"
			}
			e = Entry{Role: RolePermission, Text: t.Text, Detail: state}
		default:
			continue
		}
		if strings.TrimSpace(e.Text) == "" {
			continue
		}
		p.Entries = append(p.Entries, e)
	}
	return p
}

func displayKind(k string) string {
	if k == "" {
		return "other"
	}
	return k
}

// Empty reports whether there is nothing to replay.
func (p RestorePayload) Empty() bool {
	return len(p.Entries) == 0
}

// Prompt renders the transcript sent to a fresh agent session. The newest
// entries are kept when the limits are exceeded. It returns false when there
// is nothing to replay.
func (p RestorePayload) Prompt() (string, bool) {
	var (
		selected  []string
		total     int
		truncated bool
	)
	for i := len(p.Entries) - 1; i >= 0; i-- {
		block := renderEntry(p.Entries[i])
		if block == "" {
			continue
		}
		n := utf8.RuneCountInString(block)
		if len(selected) > 0 && (len(selected) >= restoreMaxEntries || total+n > restoreMaxChars) {
			truncated = true
			break
		}
		selected = append(selected, block)
		total += n
	}
	if len(selected) == 0 {
		return "", false
	}
	for i, j := 0, len(selected)-1; i < j; i, j = i+1, j-1 {
		selected[i], selected[j] = selected[j], selected[i]
	}

	var b strings.Builder
	b.WriteString(restoreHeader)
	if truncated {
		b.WriteString(restoreOmitted)
	}
	b.WriteString(strings.Join(selected, "\n\n"))
	return b.String(), true
}

func renderEntry(e Entry) string {
	switch e.Role {
	case RoleUser:
		return "[User]\n" + truncate(e.Text, restoreTextChars)
	case RoleAssistant:
		return "[Assistant]\n" + truncate(e.Text, restoreTextChars)
	case RolePartial:
		return "[Assistant Partial]\n" + truncate(e.Text, restoreTextChars)
	case RoleSystem:
		return "[System]\n" + truncate(e.Text, restoreNoteChars)
	case RoleAutoApproved:
		return "[Tool Auto-Approved]\n" + truncate(e.Text, restoreNoteChars)
	case RoleToolCall:
		return fmt.Sprintf("[Tool Call]\n%s (%s)", truncate(e.Text, restoreNoteChars), e.Detail)
	case RolePermission:
		return fmt.Sprintf("[Permission Request - %s]\n%s", e.Detail, truncate(e.Text, restoreNoteChars))
	}
	return ""
}

// truncate keeps the first max runes of s and marks the cut with an
// ellipsis.
func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
