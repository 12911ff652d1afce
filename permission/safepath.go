package permission

import (
	"os"
	"path/filepath"
	"strings"
)

// IsSafePath reports whether target resolves inside one of roots.
//
// The target must be absolute. Existing paths are resolved through symlinks;
// for a file that does not exist yet the parent is resolved and the base name
// appended, so "/tmp/../etc/x" and symlinks pointing out of a root are
// rejected. Roots that cannot be resolved are ignored. The check is not
// atomic with the agent's write.
func IsSafePath(target string, roots []string) bool {
	if target == "" || !filepath.IsAbs(target) {
		return false
	}
	resolved, ok := resolveTarget(target)
	if !ok {
		return false
	}
	for _, root := range roots {
		if root == "" {
			continue
		}
		r, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue
		}
		if within(r, resolved) {
			return true
		}
	}
	return false
}

func resolveTarget(target string) (string, bool) {
	if _, err := os.Lstat(target); err == nil {
		p, err := filepath.EvalSymlinks(target)
		return p, err == nil
	}
	parent, base := filepath.Split(filepath.Clean(target))
	if base == "" || base == ".." {
		return "", false
	}
	p, err := filepath.EvalSymlinks(parent)
	if err != nil {
		return "", false
	}
	return filepath.Join(p, base), true
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(root, string(filepath.Separator))+string(filepath.Separator))
}
