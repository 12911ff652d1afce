package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeAgent(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestEmbeddedAgents(t *testing.T) {
	agents := DiscoverAgents(DiscoverOptions{PathEnv: t.TempDir(), Log: testLogger()})
	if len(agents) < 8 {
		t.Fatalf("got %d embedded agents, want at least 8", len(agents))
	}
	for _, a := range agents {
		if errs := a.Validate(); len(errs) > 0 {
			t.Errorf("embedded agent %s invalid: %v", a.Identity, errs)
		}
		if a.ShortName == "" {
			t.Errorf("embedded agent %s has no short name", a.Identity)
		}
		if a.Protocol != "acp" || a.Type != "coding" {
			t.Errorf("agent %s protocol/type = %q/%q, want acp/coding", a.Identity, a.Protocol, a.Type)
		}
		if a.ConnectorInstalled {
			t.Errorf("agent %s reported installed with an empty PATH", a.Identity)
		}
	}

	claude, err := FindAgent(agents, "claude")
	if err != nil {
		t.Fatalf("FindAgent(claude): %v", err)
	}
	if claude.Identity != "claude.com" || claude.Binary() != "claude-agent-acp" {
		t.Errorf("claude = %+v", claude)
	}
}

func TestDiscoverAgents_MergeOrder(t *testing.T) {
	bundled := t.TempDir()
	user := t.TempDir()
	bin := t.TempDir()

	writeAgent(t, bundled, "custom.yaml", `
identity: custom.dev
name: Custom
short_name: custom
run_command:
  "*": custom-acp --stdio
`)
	writeAgent(t, user, "custom.yml", `
identity: custom.dev
name: Custom (user)
env:
  CUSTOM_TOKEN: abc
`)
	writeAgent(t, user, "gemini.yaml", `
identity: geminicli.com
active: false
`)
	writeAgent(t, user, "broken.yaml", "identity: [")
	writeAgent(t, user, "notes.txt", "ignored")

	if err := os.WriteFile(filepath.Join(bin, "custom-acp"), []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}

	agents := DiscoverAgents(DiscoverOptions{
		BundledDir: bundled,
		UserDir:    user,
		Overrides:  []AgentConfig{{Identity: "custom.dev", Env: map[string]string{"EXTRA": "1"}}},
		PathEnv:    bin,
		Log:        testLogger(),
	})

	custom, err := FindAgent(agents, "custom.dev")
	if err != nil {
		t.Fatalf("FindAgent: %v", err)
	}
	if custom.Name != "Custom (user)" {
		t.Errorf("Name = %q, want user override", custom.Name)
	}
	if custom.ShortName != "custom" {
		t.Errorf("ShortName = %q, want bundled value kept", custom.ShortName)
	}
	if custom.Env["CUSTOM_TOKEN"] != "abc" || custom.Env["EXTRA"] != "1" {
		t.Errorf("Env = %v, want merged user and override env", custom.Env)
	}
	if custom.RunCommandForPlatform() != "custom-acp --stdio" {
		t.Errorf("RunCommandForPlatform = %q", custom.RunCommandForPlatform())
	}
	if !custom.ConnectorInstalled {
		t.Error("custom-acp is on PathEnv, ConnectorInstalled should be true")
	}

	if _, err := FindAgent(agents, "gemini"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("inactive gemini should be dropped, got err %v", err)
	}
}

func TestRunCommandForPlatform(t *testing.T) {
	tests := []struct {
		name string
		cmds map[string]string
		want string
	}{
		{"wildcard", map[string]string{"*": "agent"}, "agent"},
		{"platform wins", map[string]string{"*": "generic", runtime.GOOS: "native"}, "native"},
		{"arch wins", map[string]string{runtime.GOOS: "native", runtime.GOOS + "-" + runtime.GOARCH: "arch"}, "arch"},
		{"other platform only", map[string]string{"plan9": "x"}, ""},
		{"blank entry skipped", map[string]string{runtime.GOOS: "  ", "*": "fallback"}, "fallback"},
	}
	for _, tt := range tests {
		a := AgentConfig{Identity: "x", RunCommand: tt.cmds}
		if got := a.RunCommandForPlatform(); got != tt.want {
			t.Errorf("%s: RunCommandForPlatform = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestInstallHint(t *testing.T) {
	withCmd := AgentConfig{Identity: "a", InstallCommand: "npm i -g a-acp"}
	if got, want := withCmd.InstallHint(), "install it with: npm i -g a-acp"; got != want {
		t.Errorf("InstallHint = %q, want %q", got, want)
	}
	without := AgentConfig{Identity: "b", Name: "B", RunCommand: map[string]string{"*": "b-acp"}}
	if got := without.InstallHint(); got == "" {
		t.Error("InstallHint should never be empty")
	}
}

func TestLookPathIn(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "tool")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	plain := filepath.Join(dir, "data")
	if err := os.WriteFile(plain, nil, 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		binary string
		want   bool
	}{
		{"tool", true},
		{exe, true},
		{"data", runtime.GOOS == "windows"},
		{"missing", false},
		{"", false},
	}
	for _, tt := range tests {
		if _, got := LookPathIn(tt.binary, "/nonexistent"+string(os.PathListSeparator)+dir); got != tt.want {
			t.Errorf("LookPathIn(%q) = %v, want %v", tt.binary, got, tt.want)
		}
	}
}
