package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"

	"github.com/zhubert/plural-acp/config"
)

// toggles is the part of the session manager that settings changes reach
// without a reconnect.
type toggles interface {
	SetTerminalAccess(on bool) error
	SetScreenshotAccess(on bool) error
	SetBypassMode(on bool) error
}

// settingsUpdater applies the agent's config/update requests to the loaded
// settings, saves them and mirrors the live toggles into the session.
type settingsUpdater struct {
	mu       sync.Mutex
	settings *config.Settings
	session  toggles
	log      *slog.Logger
}

func newSettingsUpdater(s *config.Settings, log *slog.Logger) *settingsUpdater {
	return &settingsUpdater{settings: s, log: log}
}

// attach sets the session that receives live toggles.
func (u *settingsUpdater) attach(t toggles) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.session = t
}

func (u *settingsUpdater) UpdateConfig(_ context.Context, updates map[string]json.RawMessage) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	keys, err := u.settings.ApplyUpdates(updates)
	if err != nil {
		return err
	}
	if err := u.settings.Save(); err != nil {
		u.log.Warn("failed to save settings", "error", err)
	}
	u.log.Info("settings updated", "keys", keys)

	if u.session == nil {
		return nil
	}
	if slices.Contains(keys, "terminal_access") {
		u.session.SetTerminalAccess(u.settings.TerminalAccess)
	}
	if slices.Contains(keys, "screenshot_access") {
		u.session.SetScreenshotAccess(u.settings.ScreenshotAccess)
	}
	if slices.Contains(keys, "bypass_permissions") {
		u.session.SetBypassMode(u.settings.BypassPermissions)
	}
	return nil
}
