package fstools

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gobwas/glob"

	"github.com/zhubert/plural-acp/acp"
)

// MaxFindResults caps the files returned by Find.
const MaxFindResults = 1000

// skipDirs are never descended into by Find.
var skipDirs = []string{".git", ".hg", ".svn"}

var errFindLimit = errors.New("find result limit reached")

// ListDirectoryRequest is the fs/list_directory params. Pattern, when set,
// filters entries by name.
type ListDirectoryRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Pattern   string `json:"pattern,omitempty"`
}

// DirEntry is one listed file or directory.
type DirEntry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
}

type ListDirectoryResponse struct {
	Entries []DirEntry `json:"entries"`
}

// FindRequest is the fs/find params: a recursive glob search under Path.
type FindRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Pattern   string `json:"pattern"`
}

// FindResponse lists matching files as absolute paths, sorted. Truncated is
// set when the search stopped at MaxFindResults.
type FindResponse struct {
	Files     []string `json:"files"`
	Truncated bool     `json:"truncated,omitempty"`
}

// ListDirectory returns the directory's entries, sorted by name.
func (h *Handler) ListDirectory(req ListDirectoryRequest) (ListDirectoryResponse, error) {
	dir, err := h.resolve(req.Path)
	if err != nil {
		return ListDirectoryResponse{}, err
	}
	var g glob.Glob
	if req.Pattern != "" {
		if g, err = glob.Compile(req.Pattern); err != nil {
			return ListDirectoryResponse{}, fmt.Errorf("%w: pattern %q: %v", acp.ErrInvalidParams, req.Pattern, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ListDirectoryResponse{}, err
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		if g != nil && !g.Match(e.Name()) {
			continue
		}
		entry := DirEntry{Name: e.Name(), Path: filepath.Join(dir, e.Name()), IsDirectory: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			entry.Size = info.Size()
		}
		out = append(out, entry)
	}
	h.log.Debug("listed directory", "path", dir, "entries", len(out))
	return ListDirectoryResponse{Entries: out}, nil
}

// Find walks Path and returns files whose slash-separated path relative to
// Path matches Pattern. A pattern without a slash matches file names at any
// depth, and a leading "**/" also matches files directly under Path.
func (h *Handler) Find(req FindRequest) (FindResponse, error) {
	if req.Pattern == "" {
		return FindResponse{}, fmt.Errorf("%w: empty pattern", acp.ErrInvalidParams)
	}
	root, err := h.resolve(req.Path)
	if err != nil {
		return FindResponse{}, err
	}
	match, err := compileFind(req.Pattern)
	if err != nil {
		return FindResponse{}, fmt.Errorf("%w: pattern %q: %v", acp.ErrInvalidParams, req.Pattern, err)
	}
	if info, err := os.Stat(root); err != nil {
		return FindResponse{}, err
	} else if !info.IsDir() {
		return FindResponse{}, fmt.Errorf("%s is not a directory", root)
	}

	resp := FindResponse{Files: []string{}}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && slices.Contains(skipDirs, d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if match(filepath.ToSlash(rel)) {
			if len(resp.Files) == MaxFindResults {
				resp.Truncated = true
				return errFindLimit
			}
			resp.Files = append(resp.Files, path)
		}
		return nil
	})
	if err != nil && !errors.Is(err, errFindLimit) {
		return FindResponse{}, err
	}
	slices.Sort(resp.Files)
	h.log.Debug("find", "path", root, "pattern", req.Pattern, "files", len(resp.Files), "truncated", resp.Truncated)
	return resp, nil
}

func compileFind(pattern string) (func(rel string) bool, error) {
	if !strings.Contains(pattern, "/") {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return func(rel string) bool { return g.Match(pathBase(rel)) }, nil
	}

	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, err
	}
	rest, ok := strings.CutPrefix(pattern, "**/")
	if !ok {
		return g.Match, nil
	}
	top, err := glob.Compile(rest, '/')
	if err != nil {
		return nil, err
	}
	return func(rel string) bool { return g.Match(rel) || top.Match(rel) }, nil
}

func pathBase(rel string) string {
	if i := strings.LastIndexByte(rel, '/'); i >= 0 {
		return rel[i+1:]
	}
	return rel
}
