// Package paths provides centralized path resolution for plural-acp's data directories.
//
// The XDG Base Directory Specification is supported:
//
//   - Config (XDG_CONFIG_HOME): config.yaml, agents/*.yaml, shaders/
//   - Data (XDG_DATA_HOME): history.db, persisted conversation snapshots
//   - State (XDG_STATE_HOME): logs/, transient log files
//
// Resolution order:
//  1. If ~/.plural-acp/ exists → use legacy flat layout (all paths under ~/.plural-acp/)
//  2. If XDG env vars are set → use XDG layout with proper separation
//  3. Fresh install, no XDG vars → default to ~/.plural-acp/
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const appName = "plural-acp"

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	dataDir   string
	stateDir  string
	legacy    bool
}

func flat(dir string) *resolvedPaths {
	return &resolvedPaths{configDir: dir, dataDir: dir, stateDir: dir, legacy: true}
}

// resolve computes the path layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	legacyDir := filepath.Join(home, "."+appName)

	if info, err := os.Stat(legacyDir); err == nil && info.IsDir() {
		resolved = flat(legacyDir)
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		resolved = flat(legacyDir)
		return resolved, nil
	}

	// Fill in XDG defaults for whichever vars are unset
	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &resolvedPaths{
		configDir: filepath.Join(xdgConfig, appName),
		dataDir:   filepath.Join(xdgData, appName),
		stateDir:  filepath.Join(xdgState, appName),
	}
	return resolved, nil
}

// ConfigDir returns the directory for configuration files.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the directory for persistent data files.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for runtime state and logs.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

func under(base func() (string, error), elem ...string) (string, error) {
	dir, err := base()
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, elem...)...), nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	return under(ConfigDir, "config.yaml")
}

// AgentsDir returns the directory holding user agent definitions.
func AgentsDir() (string, error) {
	return under(ConfigDir, "agents")
}

// ShadersDir returns the shader directory agents are allowed to write into.
func ShadersDir() (string, error) {
	return under(ConfigDir, "shaders")
}

// HistoryDBPath returns the sqlite database holding conversation snapshots.
func HistoryDBPath() (string, error) {
	return under(DataDir, "history.db")
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	return under(StateDir, "logs")
}

// IsLegacyLayout returns true if using the ~/.plural-acp/ flat layout.
func IsLegacyLayout() bool {
	r, err := resolve()
	if err != nil {
		return true // assume legacy on error
	}
	return r.legacy
}

// Reset clears the cached path resolution. This is intended for testing only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
