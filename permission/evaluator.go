// Package permission decides how to answer an agent's session/request_permission
// calls. Policies are evaluated in a configurable order and the first one that
// matches wins; when none match the request is forwarded to the human.
//
// The evaluator holds no per-session state. Session mode, screenshot access and
// "allow always" grants are passed in on every call, so a reconnect (which
// drops the grants) can never be answered from a stale decision.
package permission

import (
	"fmt"
	"os"
	"slices"
	"strings"
)

// Policy names one auto-resolution rule.
type Policy string

const (
	PolicyBlockedTool  Policy = "blocked_tool"
	PolicySafePath     Policy = "safe_path"
	PolicyScreenshot   Policy = "screenshot"
	PolicyReadOnly     Policy = "read_only"
	PolicyBypass       Policy = "bypass"
	PolicySessionGrant Policy = "session_grant"

	// PolicyForward is the implicit fallback: a human decides.
	PolicyForward Policy = "forward"
)

var knownPolicies = []Policy{
	PolicyBlockedTool, PolicySafePath, PolicyScreenshot,
	PolicyReadOnly, PolicyBypass, PolicySessionGrant,
}

// DefaultOrder returns the default evaluation order. Safe paths are checked
// before bypass mode; screenshot gating precedes bypass so bypass can never
// approve a screenshot.
func DefaultOrder() []Policy {
	return slices.Clone(knownPolicies)
}

// ParseOrder converts policy names to an order. An empty list yields the
// default order.
func ParseOrder(names []string) ([]Policy, error) {
	if len(names) == 0 {
		return DefaultOrder(), nil
	}
	seen := make(map[Policy]bool, len(names))
	order := make([]Policy, 0, len(names))
	for _, n := range names {
		p := Policy(strings.TrimSpace(n))
		if !slices.Contains(knownPolicies, p) {
			return nil, fmt.Errorf("unknown permission policy %q", n)
		}
		if seen[p] {
			return nil, fmt.Errorf("permission policy %q listed twice", n)
		}
		seen[p] = true
		order = append(order, p)
	}
	return order, nil
}

// Config is the evaluator configuration. It is read on every Evaluate call.
type Config struct {
	Order         []Policy
	SafeRoots     []string
	BlockedTools  []string
	ReadOnlyTools []string
	WriteTools    []string
}

// DefaultConfig returns the built-in tool lists and temp-dir safe roots.
// Callers append the application's config and shader directories.
func DefaultConfig() Config {
	roots := []string{"/tmp", "/var/folders"}
	if tmp := os.Getenv("TMPDIR"); tmp != "" {
		roots = append(roots, tmp)
	}
	return Config{
		Order:        DefaultOrder(),
		SafeRoots:    roots,
		BlockedTools: []string{"skill"},
		ReadOnlyTools: []string{
			"read", "read_file", "readfile", "readtextfile",
			"glob", "grep", "find", "list_directory", "listdirectory",
			"toolsearch", "tool_search", "config", "config_update", "configupdate",
		},
		WriteTools: []string{"write", "write_file", "writefile", "writetextfile", "edit", "multiedit"},
	}
}

// Action is what the host does with a request.
type Action int

const (
	Forward Action = iota
	Approve
	Deny
)

func (a Action) String() string {
	switch a {
	case Approve:
		return "approve"
	case Deny:
		return "deny"
	}
	return "forward"
}

// Decision is the evaluator's verdict.
type Decision struct {
	Action   Action
	Policy   Policy
	OptionID string // empty with Action Deny means answer "cancelled"
	Reason   string
}

// State is the per-session input to Evaluate.
type State struct {
	Bypass           bool
	ScreenshotAccess bool
	Grants           *Grants
}

// Evaluator applies the configured policy chain.
type Evaluator struct {
	cfg Config
}

// NewEvaluator validates cfg and returns an evaluator for it.
func NewEvaluator(cfg Config) (*Evaluator, error) {
	if len(cfg.Order) == 0 {
		cfg.Order = DefaultOrder()
	}
	names := make([]string, len(cfg.Order))
	for i, p := range cfg.Order {
		names[i] = string(p)
	}
	if _, err := ParseOrder(names); err != nil {
		return nil, err
	}
	return &Evaluator{cfg: cfg}, nil
}

// Config returns the evaluator's configuration.
func (e *Evaluator) Config() Config {
	return e.cfg
}

// Evaluate decides how to answer req. It has no side effects.
func (e *Evaluator) Evaluate(req Request, st State) Decision {
	name := strings.ToLower(req.ToolName)
	screenshot := IsScreenshotTool(name)

	for _, p := range e.cfg.Order {
		if d, ok := e.apply(p, req, name, screenshot, st); ok {
			return d
		}
	}
	return Decision{Action: Forward, Policy: PolicyForward}
}

func (e *Evaluator) apply(p Policy, req Request, name string, screenshot bool, st State) (Decision, bool) {
	switch p {
	case PolicyBlockedTool:
		if containsFold(e.cfg.BlockedTools, name) {
			return deny(p, req, fmt.Sprintf("The %s tool is blocked and was denied automatically.", req.ToolName)), true
		}
	case PolicySafePath:
		if screenshot || !e.isWriteTool(name, req) {
			return Decision{}, false
		}
		if IsSafePath(TargetPath(req.ToolCall), e.cfg.SafeRoots) {
			return approve(p, req, "target is inside a safe directory"), true
		}
	case PolicyScreenshot:
		if !screenshot {
			return Decision{}, false
		}
		if st.ScreenshotAccess {
			return Decision{Action: Forward, Policy: p, Reason: "screenshots always need confirmation"}, true
		}
		return deny(p, req, "Terminal screenshot access is disabled, so the agent's screenshot request was denied."), true
	case PolicyReadOnly:
		if !screenshot && containsFold(e.cfg.ReadOnlyTools, name) {
			return approve(p, req, "read-only tool"), true
		}
	case PolicyBypass:
		if st.Bypass && !screenshot {
			return approve(p, req, "bypass permissions mode"), true
		}
	case PolicySessionGrant:
		if !screenshot && st.Grants.Has(req.ToolName) {
			return approve(p, req, "allowed for this session"), true
		}
	}
	return Decision{}, false
}

func (e *Evaluator) isWriteTool(name string, req Request) bool {
	return containsFold(e.cfg.WriteTools, name) || ToolKind(req.ToolCall) == "edit"
}

func approve(p Policy, req Request, reason string) Decision {
	d := Decision{Action: Approve, Policy: p, Reason: reason}
	if o, ok := AllowOption(req.Options); ok {
		d.OptionID = o.ID
	}
	return d
}

func deny(p Policy, req Request, reason string) Decision {
	d := Decision{Action: Deny, Policy: p, Reason: reason}
	if o, ok := RejectOption(req.Options); ok {
		d.OptionID = o.ID
	}
	return d
}

func containsFold(list []string, name string) bool {
	for _, s := range list {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}
