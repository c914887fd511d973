// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Talon Contributors

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/talon-dev/talon/internal/agent"
	talonerr "github.com/talon-dev/talon/pkg/errors"
)

// maxShellOutput caps captured shell output before it reaches the
// transcript truncator.
const maxShellOutput = 64 * 1024

// RegisterBuiltins adds the built-in tool set to a catalog. root scopes
// all file operations; an empty root uses the working directory.
func RegisterBuiltins(catalog *agent.Catalog, root string) error {
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return talonerr.Wrap(err, talonerr.CodeAgentToolDispatchFailed, "resolving working directory")
		}
		root = wd
	}

	specs := []agent.ToolSpec{
		{
			Name:        "read_file",
			Description: "Read a file's contents. Args: path (string).",
			InputSchema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string", "description": "File path relative to the workspace root"},
			}, "path"),
			RiskLevel: 1,
			Handler:   readFileHandler(root),
		},
		{
			Name:        "write_file",
			Description: "Create or overwrite a file. Args: path (string), content (string).",
			InputSchema: objectSchema(map[string]any{
				"path":    map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}, "path", "content"),
			RiskLevel: 4,
			Mutating:  true,
			Handler:   writeFileHandler(root),
		},
		{
			Name:        "list_dir",
			Description: "List directory entries. Args: path (string, optional).",
			InputSchema: objectSchema(map[string]any{
				"path": map[string]any{"type": "string"},
			}),
			RiskLevel: 1,
			Handler:   listDirHandler(root),
		},
		{
			Name:        "delete_file",
			Description: "Delete files. Args: paths (array of strings).",
			InputSchema: objectSchema(map[string]any{
				"paths": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			}, "paths"),
			RiskLevel: 6,
			Mutating:  true,
			Handler:   deleteFileHandler(root),
		},
		{
			Name:        "shell_exec",
			Description: "Run a shell command in the workspace root. Args: command (string).",
			InputSchema: objectSchema(map[string]any{
				"command": map[string]any{"type": "string"},
			}, "command"),
			RiskLevel: 8,
			Mutating:  true,
			Handler:   shellExecHandler(root),
		},
	}

	for _, spec := range specs {
		if err := catalog.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// resolvePath joins a model-supplied path against root and rejects
// escapes above it.
func resolvePath(root, path string) (string, error) {
	if path == "" {
		return root, nil
	}
	full := filepath.Join(root, path)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", path)
	}
	return full, nil
}

func decodeInto(argsJSON string, dest any) error {
	if argsJSON == "" {
		argsJSON = "{}"
	}
	return json.Unmarshal([]byte(argsJSON), dest)
}

func errResult(err error) (agent.ToolResult, error) {
	return agent.ToolResult{Content: err.Error(), IsError: true}, nil
}

func readFileHandler(root string) agent.HandlerFunc {
	return func(_ context.Context, argsJSON string) (agent.ToolResult, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := decodeInto(argsJSON, &args); err != nil {
			return errResult(err)
		}
		full, err := resolvePath(root, args.Path)
		if err != nil {
			return errResult(err)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return errResult(err)
		}
		return agent.ToolResult{Content: string(data)}, nil
	}
}

func writeFileHandler(root string) agent.HandlerFunc {
	return func(_ context.Context, argsJSON string) (agent.ToolResult, error) {
		var args struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := decodeInto(argsJSON, &args); err != nil {
			return errResult(err)
		}
		full, err := resolvePath(root, args.Path)
		if err != nil {
			return errResult(err)
		}
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return errResult(err)
		}
		if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
			return errResult(err)
		}
		return agent.ToolResult{Content: fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path)}, nil
	}
}

func listDirHandler(root string) agent.HandlerFunc {
	return func(_ context.Context, argsJSON string) (agent.ToolResult, error) {
		var args struct {
			Path string `json:"path"`
		}
		if err := decodeInto(argsJSON, &args); err != nil {
			return errResult(err)
		}
		full, err := resolvePath(root, args.Path)
		if err != nil {
			return errResult(err)
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return errResult(err)
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
		return agent.ToolResult{Content: strings.Join(names, "\n")}, nil
	}
}

func deleteFileHandler(root string) agent.HandlerFunc {
	return func(_ context.Context, argsJSON string) (agent.ToolResult, error) {
		var args struct {
			Paths []string `json:"paths"`
		}
		if err := decodeInto(argsJSON, &args); err != nil {
			return errResult(err)
		}
		if len(args.Paths) == 0 {
			return errResult(fmt.Errorf("paths is required"))
		}
		var deleted []string
		for _, p := range args.Paths {
			full, err := resolvePath(root, p)
			if err != nil {
				return errResult(err)
			}
			if err := os.Remove(full); err != nil {
				return errResult(err)
			}
			deleted = append(deleted, p)
		}
		return agent.ToolResult{Content: "deleted: " + strings.Join(deleted, ", ")}, nil
	}
}

func shellExecHandler(root string) agent.HandlerFunc {
	return func(ctx context.Context, argsJSON string) (agent.ToolResult, error) {
		var args struct {
			Command string `json:"command"`
		}
		if err := decodeInto(argsJSON, &args); err != nil {
			return errResult(err)
		}
		if strings.TrimSpace(args.Command) == "" {
			return errResult(fmt.Errorf("command is required"))
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", args.Command)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		if len(out) > maxShellOutput {
			out = out[:maxShellOutput]
		}
		if err != nil {
			return agent.ToolResult{
				Content: fmt.Sprintf("%s\n(command failed: %v)", out, err),
				IsError: true,
			}, nil
		}
		return agent.ToolResult{Content: string(out)}, nil
	}
}
