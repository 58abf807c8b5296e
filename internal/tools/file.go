package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"harness/internal/agent"
	"harness/internal/event"
)

type File struct {
	root string
}

// NewFile returns the file tool. A non-empty root confines every path to
// that directory.
func NewFile(root string) *File {
	if root != "" {
		root = filepath.Clean(expandHome(root))
	}
	return &File{root: root}
}

func (f *File) Name() string        { return "file" }
func (f *File) Description() string { return "Read, write or list files" }

func (f *File) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{
				"type":        "string",
				"enum":        []string{"read", "write", "list"},
				"description": "Operation to perform",
			},
			"path": map[string]any{
				"type":        "string",
				"description": "File or directory path",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "File content for write",
			},
		},
		"required":             []string{"action", "path"},
		"additionalProperties": false,
	}
}

func (f *File) Execute(ctx context.Context, input json.RawMessage) (any, error) {
	var args struct {
		Action  string `json:"action"`
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := decode(input, &args, "file"); err != nil {
		return nil, err
	}

	path, err := f.resolve(args.Path)
	if err != nil {
		return nil, err
	}

	switch args.Action {
	case "read":
		slog.Debug("file: reading", "path", path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading file: %w", err)
		}
		return truncate(data), nil

	case "write":
		slog.Debug("file: writing", "path", path, "bytes", len(args.Content))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating parent dirs: %w", err)
		}
		if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
			return nil, fmt.Errorf("writing file: %w", err)
		}
		if emit := agent.EmitFromContext(ctx); emit != nil {
			emit(event.Artifact{
				ID:          path,
				Name:        filepath.Base(path),
				ContentType: "text/plain",
				Content:     args.Content,
			})
		}
		return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil

	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("listing directory: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		return names, nil

	default:
		return nil, fmt.Errorf("unknown action: %s", args.Action)
	}
}

func (f *File) resolve(p string) (string, error) {
	p = expandHome(p)
	if f.root == "" {
		return p, nil
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(f.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(f.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside %s", p, f.root)
	}
	return p, nil
}
