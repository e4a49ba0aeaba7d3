package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stepline/stepline/internal/domain/tool"
)

// maxReadBytes caps file_read payloads so one tool result cannot
// drown the thought context.
const maxReadBytes = 256 * 1024

// resolveInRoot joins a possibly-relative path under root and rejects
// escapes. Root is the workspace the engine may touch.
func resolveInRoot(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(root, abs)
	}
	abs = filepath.Clean(abs)

	rootClean := filepath.Clean(root)
	if abs != rootClean && !strings.HasPrefix(abs, rootClean+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the workspace root", path)
	}
	return abs, nil
}

// --- file_read ---

type fileReadArgs struct {
	Path     string `json:"path" jsonschema:"description=File to read, relative to the workspace root"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Truncate the content after this many bytes"`
}

// FileReadTool reads a file inside the workspace root.
type FileReadTool struct {
	root string
}

func NewFileReadTool(root string) *FileReadTool { return &FileReadTool{root: root} }

func (t *FileReadTool) Name() string { return "file_read" }
func (t *FileReadTool) Description() string {
	return "Read a text file from the workspace and return its content."
}
func (t *FileReadTool) Schema() map[string]any    { return schemaFor(&fileReadArgs{}) }
func (t *FileReadTool) RequiresApproval() bool    { return false }
func (t *FileReadTool) RiskLevel() tool.RiskLevel { return tool.RiskLow }

func (t *FileReadTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var in fileReadArgs
	if err := decodeArgs(args, &in); err != nil {
		return tool.Fail(fmt.Sprintf("invalid arguments: %v", err), "invalid_input"), nil
	}

	path, err := resolveInRoot(t.root, in.Path)
	if err != nil {
		return tool.Fail(err.Error(), "security"), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tool.Fail(fmt.Sprintf("file not found: %s", in.Path), "not_found",
				"check the path with list_dir"), nil
		}
		return tool.Fail(fmt.Sprintf("read failed: %v", err), "io_error"), nil
	}

	limit := in.MaxBytes
	if limit <= 0 || limit > maxReadBytes {
		limit = maxReadBytes
	}
	truncated := false
	if len(data) > limit {
		data = data[:limit]
		truncated = true
	}

	return tool.Ok(map[string]any{
		"content":   string(data),
		"path":      path,
		"size":      len(data),
		"truncated": truncated,
	}), nil
}

// --- file_write ---

type fileWriteArgs struct {
	Path    string `json:"path" jsonschema:"description=File to write, relative to the workspace root"`
	Content string `json:"content" jsonschema:"description=Content to write"`
	Append  bool   `json:"append,omitempty" jsonschema:"description=Append instead of overwrite"`
}

// FileWriteTool writes a file inside the workspace root. Writes are
// gated behind approval because they mutate the workspace.
type FileWriteTool struct {
	root string
}

func NewFileWriteTool(root string) *FileWriteTool { return &FileWriteTool{root: root} }

func (t *FileWriteTool) Name() string { return "file_write" }
func (t *FileWriteTool) Description() string {
	return "Write or append a text file inside the workspace."
}
func (t *FileWriteTool) Schema() map[string]any    { return schemaFor(&fileWriteArgs{}) }
func (t *FileWriteTool) RequiresApproval() bool    { return true }
func (t *FileWriteTool) RiskLevel() tool.RiskLevel { return tool.RiskMedium }

// Preview renders the pending write for the approval prompt.
func (t *FileWriteTool) Preview(args map[string]any) string {
	var in fileWriteArgs
	if err := decodeArgs(args, &in); err != nil {
		return ""
	}
	verb := "Write"
	if in.Append {
		verb = "Append"
	}
	return fmt.Sprintf("%s %d bytes to %s", verb, len(in.Content), in.Path)
}

func (t *FileWriteTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var in fileWriteArgs
	if err := decodeArgs(args, &in); err != nil {
		return tool.Fail(fmt.Sprintf("invalid arguments: %v", err), "invalid_input"), nil
	}

	path, err := resolveInRoot(t.root, in.Path)
	if err != nil {
		return tool.Fail(err.Error(), "security"), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return tool.Fail(fmt.Sprintf("create parent dir: %v", err), "io_error"), nil
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if in.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return tool.Fail(fmt.Sprintf("open failed: %v", err), "io_error"), nil
	}
	n, err := f.WriteString(in.Content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return tool.Fail(fmt.Sprintf("write failed: %v", err), "io_error"), nil
	}

	return tool.Ok(map[string]any{
		"path":          path,
		"bytes_written": n,
	}), nil
}

// --- list_dir ---

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list, relative to the workspace root; defaults to the root"`
}

// ListDirTool lists a directory inside the workspace root.
type ListDirTool struct {
	root string
}

func NewListDirTool(root string) *ListDirTool { return &ListDirTool{root: root} }

func (t *ListDirTool) Name() string { return "list_dir" }
func (t *ListDirTool) Description() string {
	return "List the entries of a workspace directory."
}
func (t *ListDirTool) Schema() map[string]any    { return schemaFor(&listDirArgs{}) }
func (t *ListDirTool) RequiresApproval() bool    { return false }
func (t *ListDirTool) RiskLevel() tool.RiskLevel { return tool.RiskLow }

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var in listDirArgs
	if err := decodeArgs(args, &in); err != nil {
		return tool.Fail(fmt.Sprintf("invalid arguments: %v", err), "invalid_input"), nil
	}
	if in.Path == "" {
		in.Path = "."
	}

	path, err := resolveInRoot(t.root, in.Path)
	if err != nil {
		return tool.Fail(err.Error(), "security"), nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tool.Fail(fmt.Sprintf("directory not found: %s", in.Path), "not_found"), nil
		}
		return tool.Fail(fmt.Sprintf("list failed: %v", err), "io_error"), nil
	}

	listed := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		kind := "file"
		if e.IsDir() {
			kind = "dir"
		}
		item := map[string]any{"name": e.Name(), "type": kind}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item["size"] = info.Size()
		}
		listed = append(listed, item)
	}

	return tool.Ok(map[string]any{
		"path":    path,
		"entries": listed,
		"count":   len(listed),
	}), nil
}
