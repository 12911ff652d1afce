package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ErrUnknownSetting is returned by ApplyUpdates for a key agents may not set.
var ErrUnknownSetting = fmt.Errorf("%w: unknown setting", ErrInvalidConfig)

// settingSetters maps the keys an agent may change through config/update to
// the field they write. Keys use the config.yaml names.
var settingSetters = map[string]func(s *Settings, raw json.RawMessage) error{
	"terminal_access":    boolSetter(func(s *Settings) *bool { return &s.TerminalAccess }),
	"screenshot_access":  boolSetter(func(s *Settings) *bool { return &s.ScreenshotAccess }),
	"auto_context":       boolSetter(func(s *Settings) *bool { return &s.AutoContext }),
	"auto_execute":       boolSetter(func(s *Settings) *bool { return &s.AutoExecute }),
	"bypass_permissions": boolSetter(func(s *Settings) *bool { return &s.BypassPermissions }),
	"debug":              boolSetter(func(s *Settings) *bool { return &s.Debug }),
	"default_agent": func(s *Settings, raw json.RawMessage) error {
		return json.Unmarshal(raw, &s.DefaultAgent)
	},
	"grace_period":      durationSetter(func(s *Settings) *time.Duration { return &s.GracePeriod }),
	"handshake_timeout": durationSetter(func(s *Settings) *time.Duration { return &s.HandshakeTimeout }),
	"cancel_timeout":    durationSetter(func(s *Settings) *time.Duration { return &s.CancelTimeout }),
}

func boolSetter(field func(*Settings) *bool) func(*Settings, json.RawMessage) error {
	return func(s *Settings, raw json.RawMessage) error {
		return json.Unmarshal(raw, field(s))
	}
}

// durationSetter accepts a Go duration string ("5s") or a number of
// milliseconds.
func durationSetter(field func(*Settings) *time.Duration) func(*Settings, json.RawMessage) error {
	return func(s *Settings, raw json.RawMessage) error {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			d, err := time.ParseDuration(text)
			if err != nil {
				return err
			}
			if d <= 0 {
				return fmt.Errorf("duration must be positive, got %s", d)
			}
			*field(s) = d
			return nil
		}
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return fmt.Errorf("expected a duration string or milliseconds")
		}
		if ms <= 0 {
			return fmt.Errorf("duration must be positive, got %dms", ms)
		}
		*field(s) = time.Duration(ms) * time.Millisecond
		return nil
	}
}

// UpdatableSettings lists the keys ApplyUpdates accepts, sorted.
func UpdatableSettings() []string {
	keys := make([]string, 0, len(settingSetters))
	for k := range settingSetters {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// ApplyUpdates sets the named settings from JSON values. Either every
// update applies or none does. It returns the keys that were applied,
// sorted.
func (s *Settings) ApplyUpdates(updates map[string]json.RawMessage) ([]string, error) {
	next := *s
	keys := make([]string, 0, len(updates))
	for k := range updates {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		set, ok := settingSetters[k]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownSetting, k)
		}
		if err := set(&next, updates[k]); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, k, err)
		}
	}
	*s = next
	return keys, nil
}
