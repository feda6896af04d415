// File tools - workspace-jailed read/write/list
package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveInWorkspace joins path against the workspace root and rejects
// anything that escapes it, symlinks included.
func resolveInWorkspace(workspace, path string) (string, error) {
	if path == "" {
		return "", Argf("path is required")
	}
	if filepath.IsAbs(path) {
		return "", Argf("absolute paths not allowed: %s", path)
	}
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("workspace: %v", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	full := filepath.Clean(filepath.Join(root, path))
	// resolve symlinks on the deepest existing ancestor so links cannot
	// point outside the jail
	check := full
	for {
		if resolved, err := filepath.EvalSymlinks(check); err == nil {
			check = resolved
			break
		}
		parent := filepath.Dir(check)
		if parent == check {
			break
		}
		check = parent
	}

	for _, p := range []string{full, check} {
		rel, err := filepath.Rel(root, p)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			return "", Argf("path escapes workspace: %s", path)
		}
	}
	return full, nil
}

// ReadFileTool reads a file inside the workspace.
type ReadFileTool struct {
	Workspace string
}

func (t *ReadFileTool) Name() string { return "read_file" }
func (t *ReadFileTool) Description() string {
	return "Read a text file from the workspace. Args: path (relative)."
}
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "workspace-relative file path"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	full, err := resolveInWorkspace(t.Workspace, GetString(args, "path"))
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read: %v", err)
	}
	return string(data), nil
}

// WriteFileTool writes a file inside the workspace, creating parents.
type WriteFileTool struct {
	Workspace string
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write a text file in the workspace, creating directories as needed. Args: path, content."
}
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path":    map[string]interface{}{"type": "string", "description": "workspace-relative file path"},
			"content": map[string]interface{}{"type": "string", "description": "file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	full, err := resolveInWorkspace(t.Workspace, GetString(args, "path"))
	if err != nil {
		return "", err
	}
	content, ok := args["content"].(string)
	if !ok {
		return "", Argf("content is required")
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write: %v", err)
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(content), GetString(args, "path")), nil
}

// ListFilesTool lists a workspace directory.
type ListFilesTool struct {
	Workspace string
}

func (t *ListFilesTool) Name() string { return "list_files" }
func (t *ListFilesTool) Description() string {
	return "List files in a workspace directory. Args: path (relative, optional, defaults to the workspace root)."
}
func (t *ListFilesTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{"type": "string", "description": "workspace-relative directory"},
		},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	path := GetString(args, "path")
	if path == "" {
		path = "."
	}
	full, err := resolveInWorkspace(t.Workspace, path)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", fmt.Errorf("list: %v", err)
	}
	var sb strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&sb, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&sb, "%s\t%d\n", e.Name(), info.Size())
	}
	if sb.Len() == 0 {
		return "(empty)", nil
	}
	return sb.String(), nil
}
