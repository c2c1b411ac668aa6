package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/gofer-dev/gofer/internal/config"
)

// BuildRegistry assembles the registry for a workspace, honoring the
// tools.allow / tools.deny lists.
func BuildRegistry(workspace string, cfg config.ToolsConfig) (*Registry, error) {
	reg := NewRegistry()
	all := []Tool{
		&CurrentTimeTool{},
		&ReadFileTool{Workspace: workspace},
		&WriteFileTool{Workspace: workspace},
		&ListDirTool{Workspace: workspace},
	}
	for _, t := range all {
		if !enabled(t.Name(), cfg) {
			continue
		}
		if err := reg.Register(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func enabled(name string, cfg config.ToolsConfig) bool {
	if slices.Contains(cfg.Deny, name) {
		return false
	}
	if len(cfg.Allow) > 0 {
		return slices.Contains(cfg.Allow, name)
	}
	return true
}

// resolveInWorkspace joins a relative path under the workspace and rejects
// escapes.
func resolveInWorkspace(workspace, path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	full := filepath.Clean(filepath.Join(workspace, path))
	rel, err := filepath.Rel(workspace, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the workspace")
	}
	return full, nil
}

// CurrentTimeTool reports the current time.
type CurrentTimeTool struct{}

func (t *CurrentTimeTool) Name() string        { return "current_time" }
func (t *CurrentTimeTool) Description() string { return "Get the current date and time." }
func (t *CurrentTimeTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, defaults to local time",
			},
		},
	}
}

func (t *CurrentTimeTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	loc := time.Local
	if tz, ok := args["timezone"].(string); ok && tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return Fail("unknown timezone %q", tz), nil
		}
		loc = parsed
	}
	return Ok(time.Now().In(loc).Format("Monday, 2 January 2006 15:04:05 MST")), nil
}

// ReadFileTool reads a file inside the workspace.
type ReadFileTool struct {
	Workspace string
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a text file from the workspace." }
func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"path"},
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace"},
		},
	}
}

const maxReadBytes = 256 * 1024

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	path, _ := args["path"].(string)
	full, err := resolveInWorkspace(t.Workspace, path)
	if err != nil {
		return Fail("%s: %v", path, err), nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return Fail("read %s: %v", path, err), nil
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return Ok(string(data)), nil
}

// WriteFileTool writes a file inside the workspace. The written file is
// reported as a generated file so channels can deliver it.
type WriteFileTool struct {
	Workspace string
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write a text file into the workspace." }
func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"path", "content"},
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path relative to the workspace"},
			"content": map[string]any{"type": "string"},
			"caption": map[string]any{"type": "string", "description": "Caption when the file is sent to the user"},
		},
	}
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	full, err := resolveInWorkspace(t.Workspace, path)
	if err != nil {
		return Fail("%s: %v", path, err), nil
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Fail("mkdir for %s: %v", path, err), nil
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return Fail("write %s: %v", path, err), nil
	}
	res := Ok(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
	res.Data = map[string]any{
		"file_path": full,
		"file_type": strings.TrimPrefix(filepath.Ext(full), "."),
	}
	if caption, ok := args["caption"].(string); ok && caption != "" {
		res.Data["caption"] = caption
	}
	return res, nil
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	Workspace string
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the contents of a workspace directory." }
func (t *ListDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory relative to the workspace, defaults to the root"},
		},
	}
}

func (t *ListDirTool) Execute(_ context.Context, args map[string]any) (*Result, error) {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	full, err := resolveInWorkspace(t.Workspace, path)
	if err != nil {
		return Fail("%s: %v", path, err), nil
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return Fail("list %s: %v", path, err), nil
	}
	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s\n", e.Name())
	}
	if b.Len() == 0 {
		return Ok("(empty)"), nil
	}
	return Ok(b.String()), nil
}
