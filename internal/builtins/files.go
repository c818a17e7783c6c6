// ABOUTME: Files pack: read, list, create and edit files inside the workspace.
// ABOUTME: read_file, list_dir and create_file are native-class; replace_in_file is registered.

package builtins

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/2389/coven-relay/internal/packs"
	"github.com/2389/coven-relay/internal/schema"
)

type readFileArgs struct {
	Path      string `json:"path" jsonschema:"description=File path, absolute or relative to the workspace"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"description=First line to return (1-based)"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"description=Last line to return (inclusive)"`
}

type listDirArgs struct {
	Path string `json:"path" jsonschema:"description=Directory path, absolute or relative to the workspace"`
}

type createFileArgs struct {
	Path    string `json:"path" jsonschema:"description=Path of the file to create"`
	Content string `json:"content" jsonschema:"description=Full file content"`
}

type replaceArgs struct {
	Path string `json:"path" jsonschema:"description=File to edit"`
	Old  string `json:"old" jsonschema:"description=Exact text to replace; must occur exactly once"`
	New  string `json:"new" jsonschema:"description=Replacement text"`
}

// FilesPack creates the files pack.
func FilesPack() *packs.Pack {
	f := &fileHandlers{}
	return &packs.Pack{
		ID: "builtin:files",
		Tools: []packs.Registration{
			{
				Name:        "read_file",
				Description: "Read the contents of a file",
				InputSchema: schema.Reflect(&readFileArgs{}),
				Class:       packs.ClassNative,
				Executor:    f.ReadFile,
			},
			{
				Name:        "list_dir",
				Description: "List the entries of a directory",
				InputSchema: schema.Reflect(&listDirArgs{}),
				Class:       packs.ClassNative,
				Executor:    f.ListDir,
			},
			{
				Name:        "create_file",
				Description: "Create a new file with the given content",
				InputSchema: schema.Reflect(&createFileArgs{}),
				Class:       packs.ClassNative,
				Mutating:    true,
				Executor:    f.CreateFile,
			},
			{
				Name:        "replace_in_file",
				Description: "Replace one exact occurrence of text in a file",
				InputSchema: schema.Reflect(&replaceArgs{}),
				Class:       packs.ClassRegistered,
				Mutating:    true,
				Executor:    f.ReplaceInFile,
			},
		},
	}
}

type fileHandlers struct{}

func (f *fileHandlers) ReadFile(_ context.Context, env packs.ExecEnv, raw map[string]any) (any, error) {
	var args readFileArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	path, err := resolvePath(env, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args.Path, err)
	}

	content := string(data)
	if args.StartLine > 0 || args.EndLine > 0 {
		lines := strings.Split(content, "\n")
		start := max(args.StartLine, 1)
		end := args.EndLine
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > end {
			return nil, fmt.Errorf("start_line %d is past end_line %d", start, end)
		}
		content = strings.Join(lines[start-1:end], "\n")
	}
	return packs.Text(content), nil
}

func (f *fileHandlers) ListDir(_ context.Context, env packs.ExecEnv, raw map[string]any) (any, error) {
	var args listDirArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	path, err := resolvePath(env, args.Path)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", args.Path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return packs.Text(strings.Join(names, "\n")), nil
}

func (f *fileHandlers) CreateFile(_ context.Context, env packs.ExecEnv, raw map[string]any) (any, error) {
	var args createFileArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	path, err := resolvePath(env, args.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return packs.NewMutation(packs.ResultError, fmt.Sprintf("%s already exists", args.Path), path), nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return nil, err
	}
	return packs.NewMutation(packs.ResultSuccess, fmt.Sprintf("created %s", args.Path), path), nil
}

func (f *fileHandlers) ReplaceInFile(_ context.Context, env packs.ExecEnv, raw map[string]any) (any, error) {
	var args replaceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Old == "" {
		return nil, errors.New("old must not be empty")
	}
	path, err := resolvePath(env, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", args.Path, err)
	}
	content := string(data)
	switch n := strings.Count(content, args.Old); n {
	case 0:
		return packs.NewMutation(packs.ResultError, "text not found in "+args.Path, path), nil
	case 1:
	default:
		return packs.NewMutation(packs.ResultError, fmt.Sprintf("text occurs %d times in %s", n, args.Path), path), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	updated := strings.Replace(content, args.Old, args.New, 1)
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return nil, err
	}
	return packs.NewMutation(packs.ResultSuccess, "updated "+args.Path, path), nil
}
