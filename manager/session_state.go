package manager

import (
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/zhubert/plural-acp/acp"
	"github.com/zhubert/plural-acp/chat"
	"github.com/zhubert/plural-acp/fstools"
	"github.com/zhubert/plural-acp/permission"
	"github.com/zhubert/plural-acp/prompt"
)

// Session modes.
const (
	ModeDefault           = "default"
	ModeBypassPermissions = acp.ModeBypassPermissions
)

// Session is the live agent session. It exists only while Connected and is
// owned by the command loop.
type Session struct {
	ID   string
	Cwd  string
	Mode string

	grants   *permission.Grants
	pending  map[string]*pendingPermission // forwarded, unanswered requests by request id
	plan     []acp.PlanEntry
	commands []acp.Command
	fs       *fstools.Handler
	log      *slog.Logger
}

type pendingPermission struct {
	req      *permission.Request
	rpcID    json.RawMessage
	turnID   string
	promptID string
}

func newSession(id, cwd string, bypass bool, log *slog.Logger) *Session {
	mode := ModeDefault
	if bypass {
		mode = ModeBypassPermissions
	}
	return &Session{
		ID:      id,
		Cwd:     cwd,
		Mode:    mode,
		grants:  permission.NewGrants(),
		pending: make(map[string]*pendingPermission),
		fs:      fstools.New(cwd, log),
		log:     log,
	}
}

// pendingIDs returns the open request ids in a stable order.
func (s *Session) pendingIDs() []string {
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// PromptInfo describes a prompt in a Snapshot.
type PromptInfo struct {
	ID    string
	Text  string
	State prompt.State
}

func promptInfo(p *prompt.Prompt) PromptInfo {
	return PromptInfo{ID: p.ID, Text: p.Text, State: p.State}
}

// Snapshot is a read-only copy of the manager's state.
type Snapshot struct {
	Status  Status
	Message string
	Detail  string

	Agent     string
	SessionID string
	Mode      string

	TerminalAccess   bool
	ScreenshotAccess bool
	Bypass           bool

	Turns              []chat.Turn
	Active             *PromptInfo
	Queued             []PromptInfo
	PendingPermissions []permission.Request
	GrantedTools       int
	Plan               []acp.PlanEntry
	Commands           []acp.Command
	Restoring          bool
}
