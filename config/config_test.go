package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/plural-acp/paths"
	"github.com/zhubert/plural-acp/permission"
)

func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)
	return home
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	setupTestHome(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.ScreenshotAccess || !s.TerminalAccess {
		t.Error("screenshot and terminal access should default to on")
	}
	if s.BypassPermissions {
		t.Error("bypass should default to off")
	}
	if s.GracePeriod != DefaultGracePeriod {
		t.Errorf("GracePeriod = %v, want %v", s.GracePeriod, DefaultGracePeriod)
	}
	if !strings.HasSuffix(s.FilePath(), "config.yaml") {
		t.Errorf("FilePath = %q, want config.yaml", s.FilePath())
	}
}

func TestLoadFrom_ParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
default_agent: codex
screenshot_access: false
bypass_permissions: true
grace_period: 5s
permissions:
  order: [screenshot, bypass, safe_path]
  blocked_tools: [skill, webfetch]
  safe_paths: [/srv/shaders]
agents:
  - identity: openai.com
    env:
      CODEX_HOME: /srv/codex
history:
  enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if s.DefaultAgent != "codex" {
		t.Errorf("DefaultAgent = %q, want codex", s.DefaultAgent)
	}
	if s.ScreenshotAccess {
		t.Error("ScreenshotAccess should be false")
	}
	if !s.BypassPermissions {
		t.Error("BypassPermissions should be true")
	}
	if s.GracePeriod != 5*time.Second {
		t.Errorf("GracePeriod = %v, want 5s", s.GracePeriod)
	}
	if s.HandshakeTimeout != DefaultHandshakeTimeout {
		t.Errorf("HandshakeTimeout = %v, want default", s.HandshakeTimeout)
	}
	if s.CancelTimeout != DefaultCancelTimeout {
		t.Errorf("CancelTimeout = %v, want default", s.CancelTimeout)
	}
	if s.History.Enabled {
		t.Error("History.Enabled should be false")
	}
	if len(s.Agents) != 1 || s.Agents[0].Env["CODEX_HOME"] != "/srv/codex" {
		t.Errorf("Agents = %+v, want one override with env", s.Agents)
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown policy", "permissions:\n  order: [bypass, yolo]\n"},
		{"relative safe path", "permissions:\n  safe_paths: [shaders]\n"},
		{"agent without identity", "agents:\n  - name: nameless\n"},
		{"duplicate agent", "agents:\n  - identity: a\n  - identity: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadFrom(path)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("LoadFrom error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestLoadFrom_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("bypass_permissions: [unterminated"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	s, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	s.BypassPermissions = true
	s.DefaultAgent = "gemini"
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom after save: %v", err)
	}
	if !loaded.BypassPermissions || loaded.DefaultAgent != "gemini" {
		t.Errorf("loaded = %+v, want bypass and gemini", loaded)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after Save")
	}
}

func TestPermissionConfig(t *testing.T) {
	home := setupTestHome(t)

	s := DefaultSettings()
	s.Permissions.Order = []string{"bypass", "safe_path"}
	s.Permissions.SafePaths = []string{"~/shared"}

	cfg, err := s.PermissionConfig()
	if err != nil {
		t.Fatalf("PermissionConfig: %v", err)
	}
	if !slices.Equal(cfg.Order, []permission.Policy{permission.PolicyBypass, permission.PolicySafePath}) {
		t.Errorf("Order = %v", cfg.Order)
	}
	for _, want := range []string{
		filepath.Join(home, ".plural-acp"),
		filepath.Join(home, ".plural-acp", "shaders"),
		filepath.Join(home, "shared"),
	} {
		if !slices.Contains(cfg.SafeRoots, want) {
			t.Errorf("SafeRoots %v missing %q", cfg.SafeRoots, want)
		}
	}
	if !slices.Contains(cfg.BlockedTools, "skill") {
		t.Errorf("BlockedTools = %v, want default skill", cfg.BlockedTools)
	}
}
