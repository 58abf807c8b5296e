// Package tools provides the builtin tools an execution can call.
package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"harness/internal/agent"
)

const maxOutputBytes = 10_000

func truncate(b []byte) string {
	if len(b) > maxOutputBytes {
		return string(b[:maxOutputBytes]) + "\n... (truncated)"
	}
	return string(b)
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func decode(input json.RawMessage, v any, tool string) error {
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("parsing %s input: %w", tool, err)
	}
	return nil
}

// Options configures RegisterBuiltins.
type Options struct {
	// FileRoot confines the file tool; empty allows any path.
	FileRoot    string
	BraveAPIKey string
	// Factory enables the delegate tool.
	Factory *agent.LoopFactory
}

// RegisterBuiltins installs the builtin tools into reg. The web tool needs
// a Brave key and the delegate tool a factory with at least one profile.
func RegisterBuiltins(reg *agent.Registry, opts Options) error {
	builtins := []agent.Tool{
		NewFile(opts.FileRoot),
		&Message{},
		&AskUser{},
	}
	if opts.BraveAPIKey != "" {
		web, err := NewWeb(opts.BraveAPIKey)
		if err != nil {
			return err
		}
		builtins = append(builtins, web)
	}
	if opts.Factory != nil && len(opts.Factory.Profiles()) > 0 {
		builtins = append(builtins, NewDelegate(opts.Factory))
	}
	for _, t := range builtins {
		if err := reg.RegisterTool(t); err != nil {
			return err
		}
	}
	return nil
}
