// Package config loads plural-acp settings from config.yaml and discovers the
// agents that can be launched. Nothing in here talks to an agent: the session
// manager receives fully resolved values and never reads files itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-acp/paths"
	"github.com/zhubert/plural-acp/permission"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Defaults applied when the corresponding setting is zero.
const (
	DefaultGracePeriod      = 2 * time.Second
	DefaultHandshakeTimeout = 60 * time.Second
	DefaultCancelTimeout    = 10 * time.Second
	DefaultMaxPayloads      = 20
)

// ValidationError describes a single validation problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PermissionSettings tunes the permission evaluator.
type PermissionSettings struct {
	// Order lists policy names, first match wins. Empty means the default order.
	Order         []string `yaml:"order,omitempty"`
	BlockedTools  []string `yaml:"blocked_tools,omitempty"`
	ReadOnlyTools []string `yaml:"read_only_tools,omitempty"`
	// SafePaths are extra directories writes may target without asking.
	SafePaths []string `yaml:"safe_paths,omitempty"`
}

// HistorySettings controls persisted conversation snapshots.
type HistorySettings struct {
	Enabled     bool `yaml:"enabled"`
	MaxPayloads int  `yaml:"max_payloads,omitempty"`
}

// Settings holds the user configuration from config.yaml.
type Settings struct {
	DefaultAgent      string             `yaml:"default_agent,omitempty"`
	Agents            []AgentConfig      `yaml:"agents,omitempty"` // Overrides merged into discovered agents
	Permissions       PermissionSettings `yaml:"permissions,omitempty"`
	TerminalAccess    bool               `yaml:"terminal_access"`
	ScreenshotAccess  bool               `yaml:"screenshot_access"`
	AutoContext       bool               `yaml:"auto_context"`
	AutoExecute       bool               `yaml:"auto_execute"` // Run suggested commands as soon as they appear
	BypassPermissions bool               `yaml:"bypass_permissions"`
	GracePeriod       time.Duration      `yaml:"grace_period,omitempty"`
	HandshakeTimeout  time.Duration      `yaml:"handshake_timeout,omitempty"`
	CancelTimeout     time.Duration      `yaml:"cancel_timeout,omitempty"`
	History           HistorySettings    `yaml:"history,omitempty"`
	Debug             bool               `yaml:"debug,omitempty"`

	filePath string
}

// DefaultSettings returns the settings used when no config.yaml exists.
func DefaultSettings() *Settings {
	return &Settings{
		TerminalAccess:   true,
		ScreenshotAccess: true,
		GracePeriod:      DefaultGracePeriod,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CancelTimeout:    DefaultCancelTimeout,
		History:          HistorySettings{Enabled: true, MaxPayloads: DefaultMaxPayloads},
	}
}

// Load reads config.yaml from the config directory, or returns defaults if it
// doesn't exist.
func Load() (*Settings, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads settings from path. A missing file yields defaults bound to
// that path so Save creates it.
func LoadFrom(path string) (*Settings, error) {
	s := DefaultSettings()
	s.filePath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	s.applyDefaults()

	if errs := s.Validate(); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = e.Error()
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
	}
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.GracePeriod <= 0 {
		s.GracePeriod = DefaultGracePeriod
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if s.CancelTimeout <= 0 {
		s.CancelTimeout = DefaultCancelTimeout
	}
	if s.History.MaxPayloads <= 0 {
		s.History.MaxPayloads = DefaultMaxPayloads
	}
}

// Validate checks the settings and returns all problems found.
func (s *Settings) Validate() []ValidationError {
	var errs []ValidationError

	if _, err := permission.ParseOrder(s.Permissions.Order); err != nil {
		errs = append(errs, ValidationError{Field: "permissions.order", Message: err.Error()})
	}
	for i, p := range s.Permissions.SafePaths {
		if !filepath.IsAbs(expandHome(p)) {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("permissions.safe_paths[%d]", i),
				Message: fmt.Sprintf("%q must be an absolute path", p),
			})
		}
	}
	seen := make(map[string]bool)
	for i, a := range s.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if a.Identity == "" {
			errs = append(errs, ValidationError{Field: field + ".identity", Message: "identity is required"})
			continue
		}
		if seen[a.Identity] {
			errs = append(errs, ValidationError{Field: field + ".identity", Message: fmt.Sprintf("duplicate identity %q", a.Identity)})
		}
		seen[a.Identity] = true
	}
	return errs
}

// Save writes the settings back to the file they were loaded from.
func (s *Settings) Save() error {
	if s.filePath == "" {
		return fmt.Errorf("settings have no file path")
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

// FilePath returns the path the settings were loaded from.
func (s *Settings) FilePath() string {
	return s.filePath
}

// PermissionConfig builds the evaluator configuration. The config and shader
// directories are always safe roots.
func (s *Settings) PermissionConfig() (permission.Config, error) {
	cfg := permission.DefaultConfig()

	order, err := permission.ParseOrder(s.Permissions.Order)
	if err != nil {
		return permission.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Order = order

	if len(s.Permissions.BlockedTools) > 0 {
		cfg.BlockedTools = s.Permissions.BlockedTools
	}
	if len(s.Permissions.ReadOnlyTools) > 0 {
		cfg.ReadOnlyTools = s.Permissions.ReadOnlyTools
	}

	if dir, err := paths.ConfigDir(); err == nil {
		cfg.SafeRoots = append(cfg.SafeRoots, dir)
	}
	if dir, err := paths.ShadersDir(); err == nil {
		cfg.SafeRoots = append(cfg.SafeRoots, dir)
	}
	for _, p := range s.Permissions.SafePaths {
		cfg.SafeRoots = append(cfg.SafeRoots, expandHome(p))
	}
	return cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
