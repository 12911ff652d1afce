package permission

import (
	"encoding/json"
	"strings"
)

// ACP permission option kinds.
const (
	KindAllowOnce    = "allow_once"
	KindAllowAlways  = "allow_always"
	KindRejectOnce   = "reject_once"
	KindRejectAlways = "reject_always"
)

// Option is one choice offered by the agent.
type Option struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// IsAllow reports whether choosing the option grants the request.
func (o Option) IsAllow() bool {
	switch o.Kind {
	case KindAllowOnce, KindAllowAlways, "allow", "allowOnce", "allowAlways":
		return true
	case KindRejectOnce, KindRejectAlways:
		return false
	}
	return strings.Contains(strings.ToLower(o.Name), "allow")
}

// Resolution records how a request was settled.
type Resolution int

const (
	Unresolved Resolution = iota
	AutoApproved
	AutoDenied
	UserApproved
	UserDenied
	Cancelled
)

func (r Resolution) String() string {
	switch r {
	case AutoApproved:
		return "auto-approved"
	case AutoDenied:
		return "auto-denied"
	case UserApproved:
		return "user-approved"
	case UserDenied:
		return "user-denied"
	case Cancelled:
		return "cancelled"
	}
	return "unresolved"
}

// Request is one session/request_permission call from the agent.
type Request struct {
	ID         string // host-assigned, used by ResolvePermission
	ToolCallID string
	ToolName   string
	Title      string
	ToolCall   json.RawMessage
	Options    []Option

	Resolution Resolution
	Policy     Policy // policy that resolved it; PolicyForward when a human did
	OptionID   string
}

// Resolved reports whether the request has been settled.
func (r *Request) Resolved() bool {
	return r.Resolution != Unresolved
}

// Description is the text shown in the conversation log.
func (r *Request) Description() string {
	if r.Title != "" {
		return r.Title
	}
	if r.ToolName != "" {
		return r.ToolName
	}
	return "tool call"
}

// Option returns the option with the given id.
func (r *Request) Option(id string) (Option, bool) {
	for _, o := range r.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

type toolCallFields struct {
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title"`
	Kind       string         `json:"kind"`
	Tool       string         `json:"tool"`
	Name       string         `json:"name"`
	ToolName   string         `json:"toolName"`
	RawInput   map[string]any `json:"rawInput"`
}

func parseToolCall(raw json.RawMessage) toolCallFields {
	var f toolCallFields
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &f)
	}
	return f
}

// NewRequest builds a Request from the raw toolCall object and options.
func NewRequest(id string, toolCall json.RawMessage, options []Option) Request {
	f := parseToolCall(toolCall)
	return Request{
		ID:         id,
		ToolCallID: f.ToolCallID,
		ToolName:   ToolName(toolCall),
		Title:      f.Title,
		ToolCall:   toolCall,
		Options:    options,
	}
}

// ToolName extracts the tool name from a toolCall object. Connectors differ:
// some set tool, name or toolName, others only put "Tool /path" in the title.
func ToolName(toolCall json.RawMessage) string {
	f := parseToolCall(toolCall)
	for _, s := range []string{f.Tool, f.Name, f.ToolName} {
		if s != "" {
			return s
		}
	}
	if fields := strings.Fields(f.Title); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

// TargetPath extracts the file path a tool call operates on, or "".
func TargetPath(toolCall json.RawMessage) string {
	f := parseToolCall(toolCall)
	for _, key := range []string{"file_path", "filePath", "path"} {
		if s, ok := f.RawInput[key].(string); ok && s != "" {
			return s
		}
	}
	if fields := strings.Fields(f.Title); len(fields) > 1 {
		return fields[1]
	}
	return ""
}

// ToolKind returns the ACP tool kind (read, edit, execute, ...), if present.
func ToolKind(toolCall json.RawMessage) string {
	return parseToolCall(toolCall).Kind
}

// IsScreenshotTool reports whether a tool name refers to a terminal screenshot.
func IsScreenshotTool(name string) bool {
	lower := strings.ToLower(name)
	return lower == "terminal_screenshot" || strings.Contains(lower, "terminal_screenshot")
}

// AllowOption picks the least destructive allow option: allow once before
// allow always. Falls back to the first option.
func AllowOption(options []Option) (Option, bool) {
	picks := []func(Option) bool{
		func(o Option) bool { return o.Kind == KindAllowOnce },
		func(o Option) bool { return o.Kind == "allow" || o.Kind == "allowOnce" },
		func(o Option) bool {
			return o.Kind == "" && strings.Contains(strings.ToLower(o.Name), "allow")
		},
		func(o Option) bool { return o.IsAllow() },
	}
	for _, pick := range picks {
		for _, o := range options {
			if pick(o) {
				return o, true
			}
		}
	}
	if len(options) > 0 {
		return options[0], true
	}
	return Option{}, false
}

// RejectOption picks a reject option, preferring reject once.
func RejectOption(options []Option) (Option, bool) {
	picks := []func(Option) bool{
		func(o Option) bool { return o.Kind == KindRejectOnce },
		func(o Option) bool { return o.Kind == KindRejectAlways },
		func(o Option) bool {
			switch o.Kind {
			case "deny", "reject", "cancel", "disallow":
				return true
			}
			name := strings.ToLower(o.Name)
			return strings.Contains(name, "deny") || strings.Contains(name, "reject") || strings.Contains(name, "cancel")
		},
	}
	for _, pick := range picks {
		for _, o := range options {
			if pick(o) {
				return o, true
			}
		}
	}
	return Option{}, false
}
