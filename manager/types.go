package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/permission"
)

// Status is the connection state shown to the user.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrHandshake marks a failed initialize or session/new exchange.
	ErrHandshake = errors.New("handshake failed")

	// ErrNotConnected is returned for commands that need an agent connection.
	ErrNotConnected = errors.New("not connected")

	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("session manager closed")

	// ErrUnknownTurn is returned when a turn id does not name a command
	// suggestion.
	ErrUnknownTurn = errors.New("unknown suggestion")

	// ErrTerminalUnavailable is returned when a suggestion cannot reach the
	// terminal.
	ErrTerminalUnavailable = errors.New("terminal unavailable")

	ErrEmptyPrompt       = errors.New("empty prompt")
	ErrUnknownPrompt     = errors.New("unknown queued prompt")
	ErrUnknownPermission = errors.New("unknown permission request")
	ErrUnknownOption     = errors.New("unknown permission option")
)

// HandshakeError reports which handshake step failed.
type HandshakeError struct {
	Step string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Is matches ErrHandshake.
func (e *HandshakeError) Is(target error) bool {
	return target == ErrHandshake
}

// Terminal is the terminal core that agent-suggested commands are handed to.
type Terminal interface {
	// Execute runs command in the user's terminal and reports its exit code.
	Execute(ctx context.Context, command string) (exitCode int, err error)
	// Paste inserts text at the prompt without running it.
	Paste(text string) error
	// Snapshot returns the visible terminal contents.
	Snapshot() string
}

// Event is emitted on the channel returned by SessionManager.Events.
type Event interface {
	isEvent()
}

// StatusChanged reports a connection state change. Detail carries the
// wrapped error or the connector's stderr tail.
type StatusChanged struct {
	Status  Status
	Message string
	Detail  string
}

// TurnAppended reports a new turn at the end of the log.
type TurnAppended struct {
	Turn chat.Turn
}

// TurnUpdated reports a change to an existing turn. Delta is the streamed
// text appended by this update, if any.
type TurnUpdated struct {
	TurnID string
	Delta  string
	Turn   chat.Turn
}

// PermissionRequested asks the user to pick one of the request's options.
type PermissionRequested struct {
	Request permission.Request
}

// PermissionAutoResolved reports a request answered by policy.
type PermissionAutoResolved struct {
	ToolName string
	Policy   permission.Policy
	Approved bool
	Reason   string
}

// ToolCallStatusChanged reports a tool call's new status.
type ToolCallStatusChanged struct {
	TurnID   string
	ToolCall chat.ToolCall
}

// PromptQueued reports a prompt waiting behind the active one.
type PromptQueued struct {
	ID string
}

// PromptStarted reports a prompt sent to the agent as session/prompt.
type PromptStarted struct {
	ID string
}

// PromptCancelled reports a withdrawn queued prompt, or an active prompt
// whose cancel the agent answered or that timed out waiting for it.
type PromptCancelled struct {
	ID string
}

// PromptCompleted reports the agent's reply to a prompt. Err is set when
// the prompt failed.
type PromptCompleted struct {
	ID         string
	StopReason string
	Err        error
}

func (StatusChanged) isEvent()          {}
func (TurnAppended) isEvent()           {}
func (TurnUpdated) isEvent()            {}
func (PermissionRequested) isEvent()    {}
func (PermissionAutoResolved) isEvent() {}
func (ToolCallStatusChanged) isEvent()  {}
func (PromptQueued) isEvent()           {}
func (PromptStarted) isEvent()          {}
func (PromptCancelled) isEvent()        {}
func (PromptCompleted) isEvent()        {}
