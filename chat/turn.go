// Package chat keeps a session's conversation log and rebuilds it as a
// context-restore transcript for a fresh agent session.
package chat

import (
	"github.com/google/uuid"

	"github.com/zhubert/plural-acp/permission"
)

// Kind identifies what a turn represents.
type Kind int

const (
	KindUser Kind = iota
	KindAgent
	KindThinking
	KindToolCall
	KindPermission
	KindAutoApproved
	KindSystem
	KindCommandSuggestion
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindAgent:
		return "agent"
	case KindThinking:
		return "thinking"
	case KindToolCall:
		return "tool_call"
	case KindPermission:
		return "permission"
	case KindAutoApproved:
		return "auto_approved"
	case KindSystem:
		return "system"
	case KindCommandSuggestion:
		return "command_suggestion"
	}
	return "unknown"
}

// ToolStatus is the display status of a tool call.
type ToolStatus string

const (
	ToolPending ToolStatus = "pending"
	ToolRunning ToolStatus = "running"
	ToolSuccess ToolStatus = "success"
	ToolFail    ToolStatus = "fail"
)

// MapToolStatus converts an ACP tool call status. Unknown values map to
// pending.
func MapToolStatus(s string) ToolStatus {
	switch s {
	case "in_progress":
		return ToolRunning
	case "completed":
		return ToolSuccess
	case "failed":
		return ToolFail
	}
	return ToolPending
}

// Terminal reports whether the tool call has finished.
func (s ToolStatus) Terminal() bool {
	return s == ToolSuccess || s == ToolFail
}

// ToolCall is the record behind a KindToolCall turn.
type ToolCall struct {
	ID           string
	Title        string
	Kind         string
	Status       ToolStatus
	PermissionID string
	Content      string
}

// Turn is one entry in the conversation log.
type Turn struct {
	ID       string
	Kind     Kind
	Text     string
	Complete bool

	// Pending marks a user turn whose prompt is still queued.
	Pending bool
	// Cancelled marks a user turn whose prompt was cancelled while queued.
	Cancelled bool
	// PromptID links a user turn to its prompt.
	PromptID string

	ToolCall   *ToolCall
	Permission *permission.Request
}

func newTurn(kind Kind, text string) *Turn {
	return &Turn{ID: uuid.New().String(), Kind: kind, Text: text}
}

// Clone returns a copy that shares nothing with t.
func (t *Turn) Clone() Turn {
	c := *t
	if t.ToolCall != nil {
		tc := *t.ToolCall
		c.ToolCall = &tc
	}
	if t.Permission != nil {
		p := *t.Permission
		p.Options = append([]permission.Option(nil), t.Permission.Options...)
		c.Permission = &p
	}
	return c
}
