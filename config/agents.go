package config

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed agents/*.yaml
var embeddedAgents embed.FS

// ErrUnknownAgent is returned when an identity or short name matches no agent.
var ErrUnknownAgent = errors.New("unknown agent")

// AgentConfig is a resolved, ready-to-launch agent definition.
type AgentConfig struct {
	Identity       string            `yaml:"identity"`
	Name           string            `yaml:"name,omitempty"`
	ShortName      string            `yaml:"short_name,omitempty"`
	Protocol       string            `yaml:"protocol,omitempty"`
	Type           string            `yaml:"type,omitempty"`
	Active         *bool             `yaml:"active,omitempty"`
	RunCommand     map[string]string `yaml:"run_command,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	InstallCommand string            `yaml:"install_command,omitempty"`

	// ConnectorInstalled is computed during discovery, never read from YAML.
	ConnectorInstalled bool `yaml:"-"`
}

// platformKeys lists run_command keys to try for the current platform, most
// specific first. "macos" is accepted as an alias for darwin.
func platformKeys() []string {
	keys := []string{runtime.GOOS + "-" + runtime.GOARCH, runtime.GOOS}
	if runtime.GOOS == "darwin" {
		keys = append(keys, "macos")
	}
	return append(keys, "*")
}

// RunCommandForPlatform returns the connector command for this platform, or
// "" when none is defined.
func (a AgentConfig) RunCommandForPlatform() string {
	for _, k := range platformKeys() {
		if cmd := strings.TrimSpace(a.RunCommand[k]); cmd != "" {
			return cmd
		}
	}
	return ""
}

// Binary returns the first word of the platform run command.
func (a AgentConfig) Binary() string {
	fields := strings.Fields(a.RunCommandForPlatform())
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// IsActive reports whether the agent should be offered. Defaults to true.
func (a AgentConfig) IsActive() bool {
	return a.Active == nil || *a.Active
}

// DisplayName returns Name, falling back to ShortName then Identity.
func (a AgentConfig) DisplayName() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.ShortName != "":
		return a.ShortName
	}
	return a.Identity
}

// InstallHint is a human-readable suggestion for a missing connector.
func (a AgentConfig) InstallHint() string {
	if a.InstallCommand == "" {
		return fmt.Sprintf("install the %s ACP connector and make sure %q is on your PATH", a.DisplayName(), a.Binary())
	}
	return fmt.Sprintf("install it with: %s", a.InstallCommand)
}

// Validate checks the fields required to launch the agent.
func (a AgentConfig) Validate() []ValidationError {
	var errs []ValidationError
	if a.Identity == "" {
		errs = append(errs, ValidationError{Field: "identity", Message: "identity is required"})
	}
	if a.Protocol != "" && a.Protocol != "acp" {
		errs = append(errs, ValidationError{Field: "protocol", Message: fmt.Sprintf("unsupported protocol %q", a.Protocol)})
	}
	if a.RunCommandForPlatform() == "" {
		errs = append(errs, ValidationError{Field: "run_command", Message: "no run command for " + runtime.GOOS})
	}
	return errs
}

// merge overlays the non-empty fields of o onto a.
func (a AgentConfig) merge(o AgentConfig) AgentConfig {
	if o.Name != "" {
		a.Name = o.Name
	}
	if o.ShortName != "" {
		a.ShortName = o.ShortName
	}
	if o.Protocol != "" {
		a.Protocol = o.Protocol
	}
	if o.Type != "" {
		a.Type = o.Type
	}
	if o.Active != nil {
		a.Active = o.Active
	}
	if o.InstallCommand != "" {
		a.InstallCommand = o.InstallCommand
	}
	a.RunCommand = mergeMap(a.RunCommand, o.RunCommand)
	a.Env = mergeMap(a.Env, o.Env)
	return a
}

func mergeMap(base, over map[string]string) map[string]string {
	if len(over) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(over))
	maps.Copy(out, base)
	maps.Copy(out, over)
	return out
}

func withDefaults(a AgentConfig) AgentConfig {
	if a.Protocol == "" {
		a.Protocol = "acp"
	}
	if a.Type == "" {
		a.Type = "coding"
	}
	return a
}

// ParseAgent decodes a single YAML agent definition.
func ParseAgent(data []byte) (AgentConfig, error) {
	var a AgentConfig
	if err := yaml.Unmarshal(data, &a); err != nil {
		return AgentConfig{}, fmt.Errorf("failed to parse agent definition: %w", err)
	}
	if a.Identity == "" {
		return AgentConfig{}, fmt.Errorf("failed to parse agent definition: %w", ErrInvalidConfig)
	}
	return a, nil
}

// LookPathIn resolves binary against a PATH-style list. Absolute and
// relative paths containing a separator are checked directly.
func LookPathIn(binary, pathEnv string) (string, bool) {
	if binary == "" {
		return "", false
	}
	if strings.ContainsRune(binary, os.PathSeparator) {
		return binary, isExecutable(binary)
	}
	for _, dir := range filepath.SplitList(pathEnv) {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, binary)
		if isExecutable(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func isExecutable(p string) bool {
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0111 != 0
}

// DiscoverOptions controls where agent definitions come from.
type DiscoverOptions struct {
	// BundledDir and UserDir are scanned for *.yaml definitions, in that order.
	// Empty means skip.
	BundledDir string
	UserDir    string
	// Overrides come from the agents section of config.yaml and are applied last.
	Overrides []AgentConfig
	// PathEnv is searched for connector binaries. Defaults to $PATH.
	PathEnv string
	Log     *slog.Logger
}

// DiscoverAgents merges the embedded, bundled, user, and config.yaml agent
// definitions by identity. Later sources override earlier ones field by
// field. Inactive agents are dropped and ConnectorInstalled is computed.
// The result is sorted by identity.
func DiscoverAgents(opts DiscoverOptions) []AgentConfig {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	byID := make(map[string]AgentConfig)
	add := func(a AgentConfig, source string) {
		if existing, ok := byID[a.Identity]; ok {
			log.Debug("agent definition overridden", "identity", a.Identity, "source", source)
			byID[a.Identity] = existing.merge(a)
			return
		}
		byID[a.Identity] = a
	}

	entries, _ := fs.Glob(embeddedAgents, "agents/*.yaml")
	for _, name := range entries {
		data, err := embeddedAgents.ReadFile(name)
		if err != nil {
			continue
		}
		a, err := ParseAgent(data)
		if err != nil {
			log.Error("embedded agent definition invalid", "file", name, "error", err)
			continue
		}
		add(a, "embedded")
	}

	for _, dir := range []string{opts.BundledDir, opts.UserDir} {
		for _, a := range loadAgentsDir(dir, log) {
			add(a, dir)
		}
	}
	for _, a := range opts.Overrides {
		if a.Identity == "" {
			log.Warn("ignoring agent override without identity")
			continue
		}
		add(a, "config.yaml")
	}

	pathEnv := opts.PathEnv
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}

	agents := make([]AgentConfig, 0, len(byID))
	for _, a := range byID {
		if !a.IsActive() {
			continue
		}
		a = withDefaults(a)
		_, a.ConnectorInstalled = LookPathIn(a.Binary(), pathEnv)
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Identity < agents[j].Identity })
	return agents
}

// loadAgentsDir reads every *.yaml or *.yml file in dir. A missing directory
// yields no agents; unparseable files are logged and skipped.
func loadAgentsDir(dir string, log *slog.Logger) []AgentConfig {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("failed to read agents directory", "dir", dir, "error", err)
		}
		return nil
	}
	var agents []AgentConfig
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(p)
		if err != nil {
			log.Error("failed to read agent definition", "file", p, "error", err)
			continue
		}
		a, err := ParseAgent(data)
		if err != nil {
			log.Error("failed to parse agent definition", "file", p, "error", err)
			continue
		}
		agents = append(agents, a)
	}
	return agents
}

// FindAgent looks up an agent by identity or short name.
func FindAgent(agents []AgentConfig, key string) (AgentConfig, error) {
	for _, a := range agents {
		if a.Identity == key || (a.ShortName != "" && a.ShortName == key) {
			return a, nil
		}
	}
	return AgentConfig{}, fmt.Errorf("%w: %s", ErrUnknownAgent, key)
}
