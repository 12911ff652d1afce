// Package fstools answers the agent's fs/* requests against the local file
// system: reading and writing text files, listing a directory and finding
// files by glob.
package fstools

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	acpsdk "github.com/coder/acp-go-sdk"

	"github.com/zhubert/plural-acp/acp"
)

// ErrRelativePath is returned when a request names a relative path and the
// handler has no working directory to resolve it against.
var ErrRelativePath = errors.New("path must be absolute")

// Handler serves file requests for one session.
type Handler struct {
	cwd string
	log *slog.Logger
}

// New returns a handler resolving relative paths against cwd.
func New(cwd string, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{cwd: cwd, log: log}
}

// Handles reports whether method, or its alias, is a file request.
func Handles(method string) bool {
	switch acp.CanonicalMethod(method) {
	case acp.MethodReadTextFile, acp.MethodWriteTextFile, acp.MethodListDirectory, acp.MethodFind:
		return true
	}
	return false
}

// Handle decodes params for method and runs it. Decode failures wrap
// acp.ErrInvalidParams.
func (h *Handler) Handle(method string, params json.RawMessage) (any, error) {
	method = acp.CanonicalMethod(method)
	switch method {
	case acp.MethodReadTextFile:
		var req acpsdk.ReadTextFileRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", acp.ErrInvalidParams, method, err)
		}
		return h.ReadTextFile(req)
	case acp.MethodWriteTextFile:
		var req acpsdk.WriteTextFileRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", acp.ErrInvalidParams, method, err)
		}
		return h.WriteTextFile(req)
	case acp.MethodListDirectory:
		var req ListDirectoryRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", acp.ErrInvalidParams, method, err)
		}
		return h.ListDirectory(req)
	case acp.MethodFind:
		var req FindRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", acp.ErrInvalidParams, method, err)
		}
		return h.Find(req)
	}
	return nil, fmt.Errorf("fstools: unsupported method %s", method)
}

// ReadTextFile returns the file's content. Line is 1-based; Limit caps the
// number of lines returned.
func (h *Handler) ReadTextFile(req acpsdk.ReadTextFileRequest) (acpsdk.ReadTextFileResponse, error) {
	path, err := h.resolve(req.Path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return acpsdk.ReadTextFileResponse{}, err
	}
	content := string(data)

	if req.Line != nil || req.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if req.Line != nil && *req.Line > 0 {
			start = min(*req.Line-1, len(lines))
		}
		end := len(lines)
		if req.Limit != nil && *req.Limit > 0 && start+*req.Limit < end {
			end = start + *req.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	h.log.Debug("read text file", "path", path, "bytes", len(content))
	return acpsdk.ReadTextFileResponse{Content: content}, nil
}

// WriteTextFile writes the file, creating parent directories.
func (h *Handler) WriteTextFile(req acpsdk.WriteTextFileRequest) (acpsdk.WriteTextFileResponse, error) {
	path, err := h.resolve(req.Path)
	if err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	if err := os.WriteFile(path, []byte(req.Content), 0o644); err != nil {
		return acpsdk.WriteTextFileResponse{}, err
	}
	h.log.Debug("wrote text file", "path", path, "bytes", len(req.Content))
	return acpsdk.WriteTextFileResponse{}, nil
}

func (h *Handler) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", acp.ErrInvalidParams)
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	if h.cwd == "" {
		return "", fmt.Errorf("%w: %s", ErrRelativePath, path)
	}
	return filepath.Join(h.cwd, path), nil
}
