// ABOUTME: Helpers shared by builtin executors: argument decoding and path resolution.

package builtins

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/2389/coven-relay/internal/jsonx"
	"github.com/2389/coven-relay/internal/packs"
)

// ErrOutsideWorkspace is returned for paths that resolve outside the root.
var ErrOutsideWorkspace = errors.New("path outside workspace")

func decodeArgs(args map[string]any, v any) error {
	b, err := jsonx.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := jsonx.Unmarshal(b, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// resolvePath makes p absolute against the workspace root and keeps it there.
func resolvePath(env packs.ExecEnv, p string) (string, error) {
	if p == "" {
		return "", errors.New("path is required")
	}
	root := env.WorkspaceRoot
	if root == "" {
		return filepath.Abs(p)
	}
	root = filepath.Clean(root)
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, full)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return full, nil
}

// RegisterAll registers every builtin pack.
func RegisterAll(registry *packs.Registry) error {
	if err := registry.RegisterPack(FilesPack()); err != nil {
		return err
	}
	return registry.RegisterPack(NotesPack())
}
