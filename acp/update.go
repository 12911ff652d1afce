package acp

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/zhubert/plural-acp/permission"
)

// ErrInvalidParams marks params that could not be decoded. The transport
// answers requests that fail this way with -32602.
var ErrInvalidParams = errors.New("invalid params")

// Update is one session/update payload. The set of implementations is
// closed; anything unrecognized decodes to Unknown.
type Update interface {
	Kind() string
	isUpdate()
}

// ChunkRole says which stream a text chunk belongs to.
type ChunkRole int

const (
	RoleAgent ChunkRole = iota
	RoleThought
	RoleUser
)

// MessageChunk is streamed text from the agent, its reasoning, or an echo of
// the user's message.
type MessageChunk struct {
	Role ChunkRole
	Text string
}

// ToolCall announces a new tool call.
type ToolCall struct {
	ID       string
	Title    string
	ToolKind string
	Status   string
	Content  string
	RawInput json.RawMessage
}

// ToolCallUpdate changes fields of an existing tool call. Nil fields are
// unchanged.
type ToolCallUpdate struct {
	ID      string
	Status  *string
	Title   *string
	Content *string
}

// PlanEntry is one step of an agent plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

type Plan struct {
	Entries []PlanEntry
}

// Command is a slash command the agent advertises.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type AvailableCommands struct {
	Commands []Command
}

type ModeChange struct {
	ModeID string
}

// Unknown carries an update kind this host does not handle.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (m MessageChunk) Kind() string {
	switch m.Role {
	case RoleThought:
		return "agent_thought_chunk"
	case RoleUser:
		return "user_message_chunk"
	default:
		return "agent_message_chunk"
	}
}
func (ToolCall) Kind() string          { return "tool_call" }
func (ToolCallUpdate) Kind() string    { return "tool_call_update" }
func (Plan) Kind() string              { return "plan" }
func (AvailableCommands) Kind() string { return "available_commands_update" }
func (ModeChange) Kind() string        { return "current_mode_update" }
func (u Unknown) Kind() string         { return u.Type }

func (MessageChunk) isUpdate()      {}
func (ToolCall) isUpdate()          {}
func (ToolCallUpdate) isUpdate()    {}
func (Plan) isUpdate()              {}
func (AvailableCommands) isUpdate() {}
func (ModeChange) isUpdate()        {}
func (Unknown) isUpdate()           {}

type sessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URI  string `json:"uri,omitempty"`
}

type toolCallContent struct {
	Type    string        `json:"type"`
	Content *contentBlock `json:"content,omitempty"`
	Path    string        `json:"path,omitempty"`
}

type rawUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	Content       json.RawMessage `json:"content,omitempty"`
	ToolCallID    string          `json:"toolCallId,omitempty"`
	Title         *string         `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        *string         `json:"status,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	Entries       []PlanEntry     `json:"entries,omitempty"`
	Commands      []Command       `json:"availableCommands,omitempty"`
	LegacyCmds    []Command       `json:"commands,omitempty"`
	ModeID        string          `json:"currentModeId,omitempty"`
	LegacyModeID  string          `json:"modeId,omitempty"`
}

// ParseSessionUpdate decodes session/update params.
func ParseSessionUpdate(params json.RawMessage) (string, Update, error) {
	var n sessionNotification
	if err := json.Unmarshal(params, &n); err != nil {
		return "", nil, fmt.Errorf("%w: session/update: %v", ErrInvalidParams, err)
	}
	if len(n.Update) == 0 {
		return n.SessionID, nil, fmt.Errorf("%w: session/update without update", ErrInvalidParams)
	}
	var r rawUpdate
	if err := json.Unmarshal(n.Update, &r); err != nil {
		return n.SessionID, nil, fmt.Errorf("%w: session/update: %v", ErrInvalidParams, err)
	}

	switch r.SessionUpdate {
	case "agent_message_chunk":
		return n.SessionID, MessageChunk{Role: RoleAgent, Text: blockText(r.Content)}, nil
	case "agent_thought_chunk":
		return n.SessionID, MessageChunk{Role: RoleThought, Text: blockText(r.Content)}, nil
	case "user_message_chunk":
		return n.SessionID, MessageChunk{Role: RoleUser, Text: blockText(r.Content)}, nil
	case "tool_call":
		tc := ToolCall{
			ID:       r.ToolCallID,
			ToolKind: r.Kind,
			Status:   "pending",
			Content:  toolContentText(r.Content),
			RawInput: r.RawInput,
		}
		if r.Title != nil {
			tc.Title = *r.Title
		}
		if r.Status != nil && *r.Status != "" {
			tc.Status = *r.Status
		}
		return n.SessionID, tc, nil
	case "tool_call_update":
		u := ToolCallUpdate{ID: r.ToolCallID, Status: r.Status, Title: r.Title}
		if len(r.Content) > 0 && string(r.Content) != "null" {
			text := toolContentText(r.Content)
			u.Content = &text
		}
		return n.SessionID, u, nil
	case "plan":
		return n.SessionID, Plan{Entries: r.Entries}, nil
	case "available_commands_update":
		cmds := r.Commands
		if cmds == nil {
			cmds = r.LegacyCmds
		}
		return n.SessionID, AvailableCommands{Commands: cmds}, nil
	case "current_mode_update":
		id := r.ModeID
		if id == "" {
			id = r.LegacyModeID
		}
		return n.SessionID, ModeChange{ModeID: id}, nil
	default:
		return n.SessionID, Unknown{Type: r.SessionUpdate, Raw: n.Update}, nil
	}
}

// blockText returns the text of a single content block. Non-text blocks are
// rendered as a short placeholder.
func blockText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var b contentBlock
	if err := json.Unmarshal(raw, &b); err != nil {
		return ""
	}
	return b.text()
}

func (b contentBlock) text() string {
	switch b.Type {
	case "", "text":
		return b.Text
	case "resource_link":
		return "[" + b.URI + "]"
	default:
		return "[" + b.Type + "]"
	}
}

// toolContentText flattens tool call content into display text.
func toolContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var items []toolCallContent
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	var parts []string
	for _, it := range items {
		switch it.Type {
		case "content":
			if it.Content != nil {
				if t := it.Content.text(); t != "" {
					parts = append(parts, t)
				}
			}
		case "diff":
			parts = append(parts, "diff: "+it.Path)
		case "terminal":
			parts = append(parts, "[terminal]")
		}
	}
	return strings.Join(parts, "\n")
}

// PermissionParams is a decoded session/request_permission request.
type PermissionParams struct {
	SessionID string              `json:"sessionId"`
	ToolCall  json.RawMessage     `json:"toolCall"`
	Options   []permission.Option `json:"options"`
}

// ParsePermissionRequest decodes session/request_permission params.
func ParsePermissionRequest(params json.RawMessage) (PermissionParams, error) {
	var p PermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrInvalidParams, MethodRequestPermission, err)
	}
	if len(p.ToolCall) == 0 || string(p.ToolCall) == "null" {
		p.ToolCall = json.RawMessage(`{}`)
	}
	return p, nil
}

// ConfigUpdateParams is a config/update request: setting keys to new values.
type ConfigUpdateParams struct {
	SessionID string                     `json:"sessionId,omitempty"`
	Updates   map[string]json.RawMessage `json:"updates"`
}

// ConfigUpdateResult answers a successful config/update.
type ConfigUpdateResult struct {
	Success bool `json:"success"`
}

// ParseConfigUpdate decodes config/update params. A request with no updates
// is invalid.
func ParseConfigUpdate(params json.RawMessage) (ConfigUpdateParams, error) {
	var p ConfigUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, fmt.Errorf("%w: %s: %v", ErrInvalidParams, MethodConfigUpdate, err)
	}
	if len(p.Updates) == 0 {
		return p, fmt.Errorf("%w: %s without updates", ErrInvalidParams, MethodConfigUpdate)
	}
	return p, nil
}
