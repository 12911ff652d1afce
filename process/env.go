package process

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	pexec "github.com/zhubert/plural-acp/exec"
	"github.com/zhubert/plural-acp/logger"
)

// strippedEnv are removed from the child environment so a connector started
// from inside another agent session does not refuse to run.
var strippedEnv = []string{"CLAUDECODE", "CLAUDE_CODE_ENTRYPOINT"}

// userBinDirs are appended to PATH when missing. Package managers install
// connectors here and GUI-launched hosts often lack them.
var userBinDirs = []string{
	"~/.local/bin",
	"~/.cargo/bin",
	"~/.bun/bin",
	"~/.npm-global/bin",
	"~/go/bin",
	"/opt/homebrew/bin",
	"/usr/local/bin",
}

const pathProbeTimeout = 5 * time.Second

var (
	pathCacheMu sync.Mutex
	pathCache   = map[string]string{}
)

// LoginPath returns the PATH a login shell would see. The probe runs once per
// shell; on failure the host's own PATH is returned.
func LoginPath(ctx context.Context, ex pexec.CommandExecutor, shell string) string {
	pathCacheMu.Lock()
	defer pathCacheMu.Unlock()
	if p, ok := pathCache[shell]; ok {
		return p
	}

	if ex == nil {
		ex = pexec.GetDefaultExecutor()
	}
	ctx, cancel := context.WithTimeout(ctx, pathProbeTimeout)
	defer cancel()

	log := logger.WithComponent("process")
	fallback := os.Getenv("PATH")
	out, err := ex.Output(ctx, "", shell, "-lic", `printf "%s" "$PATH"`)
	if err != nil {
		log.Debug("login shell PATH probe failed", "shell", shell, "error", err)
		return fallback
	}
	// Profile scripts may print before our printf; the PATH is the last line.
	text := strings.TrimSpace(string(out))
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	if text == "" {
		return fallback
	}
	pathCache[shell] = text
	return text
}

// ResetPathCache forgets probed login-shell PATHs. For tests.
func ResetPathCache() {
	pathCacheMu.Lock()
	defer pathCacheMu.Unlock()
	pathCache = map[string]string{}
}

// withUserDirs appends the user-level install dirs missing from pathEnv.
func withUserDirs(pathEnv, home string) string {
	dirs := filepath.SplitList(pathEnv)
	for _, d := range userBinDirs {
		if strings.HasPrefix(d, "~/") {
			if home == "" {
				continue
			}
			d = filepath.Join(home, d[2:])
		}
		if !slices.Contains(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	return strings.Join(dirs, string(os.PathListSeparator))
}

// BuildEnv returns base with PATH replaced, extra merged on top and the
// loop-prevention variables removed. Order of base is kept; new keys are
// appended sorted.
func BuildEnv(base []string, pathEnv string, extra map[string]string) []string {
	index := make(map[string]int, len(base))
	env := make([]string, 0, len(base)+len(extra)+1)
	set := func(k, v string) {
		if i, ok := index[k]; ok {
			env[i] = k + "=" + v
			return
		}
		index[k] = len(env)
		env = append(env, k+"="+v)
	}

	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		set(k, v)
	}
	if pathEnv != "" {
		set("PATH", pathEnv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		set(k, extra[k])
	}

	return slices.DeleteFunc(env, func(kv string) bool {
		k, _, _ := strings.Cut(kv, "=")
		return slices.Contains(strippedEnv, k)
	})
}
