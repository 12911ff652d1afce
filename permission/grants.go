package permission

import "strings"

// Grants is the set of tools the human allowed "always" during one session.
// It lives and dies with the session; nothing persists it.
type Grants struct {
	tools map[string]bool
}

// NewGrants returns an empty grant set.
func NewGrants() *Grants {
	return &Grants{tools: make(map[string]bool)}
}

// Grant records an allow-always decision for tool.
func (g *Grants) Grant(tool string) {
	if tool == "" {
		return
	}
	g.tools[strings.ToLower(tool)] = true
}

// Has reports whether tool was granted. A nil set has no grants.
func (g *Grants) Has(tool string) bool {
	if g == nil || tool == "" {
		return false
	}
	return g.tools[strings.ToLower(tool)]
}

// Len returns the number of granted tools.
func (g *Grants) Len() int {
	if g == nil {
		return 0
	}
	return len(g.tools)
}
