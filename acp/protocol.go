// Package acp holds the subset of the Agent Client Protocol the session
// manager speaks: method names, outbound request params built from
// github.com/coder/acp-go-sdk types, and decoders for the agent's
// notifications and requests.
package acp

import (
	"encoding/json"

	acpsdk "github.com/coder/acp-go-sdk"
)

// Host to agent methods.
const (
	MethodInitialize     = "initialize"
	MethodSessionNew     = "session/new"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionCancel  = "session/cancel"
	MethodSessionSetMode = "session/set_mode"
)

// Agent to host methods.
const (
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodListDirectory     = "fs/list_directory"
	MethodFind              = "fs/find"
	MethodConfigUpdate      = "config/update"
)

// methodAliases maps alternate spellings some agents send to the canonical
// method name.
var methodAliases = map[string]string{
	"fs/readTextFile":     MethodReadTextFile,
	"fs/writeTextFile":    MethodWriteTextFile,
	"fs/listDirectory":    MethodListDirectory,
	"fs/glob":             MethodFind,
	"config/updateConfig": MethodConfigUpdate,
}

// CanonicalMethod resolves method aliases. Unknown methods are returned
// unchanged.
func CanonicalMethod(method string) string {
	if m, ok := methodAliases[method]; ok {
		return m
	}
	return method
}

// ModeBypassPermissions is the session mode id agents use for
// "approve everything".
const ModeBypassPermissions = "bypassPermissions"

// Version is reported to agents as the client version.
const Version = "0.1.0"

// ProtocolVersion is the version the host speaks.
const ProtocolVersion = int(acpsdk.ProtocolVersionNumber)

// InitializeParams is the initialize request. The SDK's request type has no
// room for the listDirectory, find and config capabilities, so the host
// sends its own shape.
type InitializeParams struct {
	ProtocolVersion    acpsdk.ProtocolVersion `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities     `json:"clientCapabilities"`
	ClientInfo         *acpsdk.Implementation `json:"clientInfo,omitempty"`
}

// ClientCapabilities lists what the host serves to the agent.
type ClientCapabilities struct {
	Fs       FileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal"`
	// Config advertises config/update.
	Config bool `json:"config"`
}

type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
	ListDirectory bool `json:"listDirectory"`
	Find          bool `json:"find"`
}

// Initialize builds the initialize params. File system access and config
// updates are always offered; terminal is offered only when the user allows
// it.
func Initialize(terminal bool) InitializeParams {
	return InitializeParams{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: ClientCapabilities{
			Fs: FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
				ListDirectory: true,
				Find:          true,
			},
			Terminal: terminal,
			Config:   true,
		},
		ClientInfo: &acpsdk.Implementation{Name: "plural-acp", Version: Version},
	}
}

// NewSession builds session/new params. No MCP servers are offered.
func NewSession(cwd string) acpsdk.NewSessionRequest {
	return acpsdk.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acpsdk.McpServer{},
	}
}

// Prompt builds session/prompt params with one text block per non-empty
// argument.
func Prompt(sessionID string, texts ...string) acpsdk.PromptRequest {
	blocks := make([]acpsdk.ContentBlock, 0, len(texts))
	for _, t := range texts {
		if t == "" {
			continue
		}
		blocks = append(blocks, acpsdk.TextBlock(t))
	}
	return acpsdk.PromptRequest{
		SessionId: acpsdk.SessionId(sessionID),
		Prompt:    blocks,
	}
}

// Cancel builds the session/cancel notification.
func Cancel(sessionID string) acpsdk.CancelNotification {
	return acpsdk.CancelNotification{SessionId: acpsdk.SessionId(sessionID)}
}

// SetMode builds session/set_mode params.
func SetMode(sessionID, mode string) acpsdk.SetSessionModeRequest {
	return acpsdk.SetSessionModeRequest{
		SessionId: acpsdk.SessionId(sessionID),
		ModeId:    acpsdk.SessionModeId(mode),
	}
}

// Selected answers a permission request with the chosen option.
func Selected(optionID string) acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Selected: &acpsdk.RequestPermissionOutcomeSelected{
				OptionId: acpsdk.PermissionOptionId(optionID),
			},
		},
	}
}

// Cancelled answers a permission request with the cancelled outcome.
func Cancelled() acpsdk.RequestPermissionResponse {
	return acpsdk.RequestPermissionResponse{
		Outcome: acpsdk.RequestPermissionOutcome{
			Cancelled: &acpsdk.RequestPermissionOutcomeCancelled{},
		},
	}
}

// InitializeResult is the part of the initialize reply the host checks.
type InitializeResult struct {
	ProtocolVersion   int             `json:"protocolVersion"`
	AgentCapabilities json.RawMessage `json:"agentCapabilities,omitempty"`
}

// NewSessionResult is the session/new reply.
type NewSessionResult struct {
	SessionID string          `json:"sessionId"`
	Modes     json.RawMessage `json:"modes,omitempty"`
}

// PromptResult is the session/prompt reply.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// Stop reasons.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
)
