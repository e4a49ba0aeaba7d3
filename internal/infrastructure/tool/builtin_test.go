package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/tool"
)

// --- file tools ---

func TestFileWriteThenRead(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	write := NewFileWriteTool(root)
	res, err := write.Execute(ctx, map[string]any{
		"path":    "notes/hello.txt",
		"content": "hello world",
	})
	if err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("write result: %+v", res)
	}

	read := NewFileReadTool(root)
	res, err = read.Execute(ctx, map[string]any{"path": "notes/hello.txt"})
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !res.Success || res.Data["content"] != "hello world" {
		t.Fatalf("read result: %+v", res)
	}
}

func TestFileWrite_Append(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	write := NewFileWriteTool(root)

	for _, chunk := range []string{"a", "b"} {
		res, err := write.Execute(ctx, map[string]any{
			"path":    "log.txt",
			"content": chunk,
			"append":  true,
		})
		if err != nil || !res.Success {
			t.Fatalf("append failed: %v %+v", err, res)
		}
	}

	data, err := os.ReadFile(filepath.Join(root, "log.txt"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "ab" {
		t.Fatalf("content = %q", data)
	}
}

func TestFileRead_Missing(t *testing.T) {
	read := NewFileReadTool(t.TempDir())

	res, err := read.Execute(context.Background(), map[string]any{"path": "ghost.txt"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if res.Success || res.Type != "not_found" {
		t.Fatalf("result = %+v", res)
	}
}

func TestFileTools_RejectEscape(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		run  func() (*tool.Result, error)
	}{
		{"read", func() (*tool.Result, error) {
			return NewFileReadTool(root).Execute(ctx, map[string]any{"path": "../outside.txt"})
		}},
		{"write", func() (*tool.Result, error) {
			return NewFileWriteTool(root).Execute(ctx, map[string]any{"path": "/etc/passwd", "content": "x"})
		}},
		{"list", func() (*tool.Result, error) {
			return NewListDirTool(root).Execute(ctx, map[string]any{"path": "../../"})
		}},
	} {
		res, err := tc.run()
		if err != nil {
			t.Fatalf("%s returned error: %v", tc.name, err)
		}
		if res.Success || res.Type != "security" {
			t.Fatalf("%s must fail with a security result, got %+v", tc.name, res)
		}
	}
}

func TestListDir(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	res, err := NewListDirTool(root).Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success || res.Data["count"] != 2 {
		t.Fatalf("result = %+v", res)
	}
}

// --- shell ---

func TestShell_RunsCommand(t *testing.T) {
	sh := NewShellTool(t.TempDir())

	res, err := sh.Execute(context.Background(), map[string]any{"command": "printf steady"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !res.Success || res.Data["stdout"] != "steady" || res.Data["exit_code"] != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestShell_NonZeroExit(t *testing.T) {
	sh := NewShellTool(t.TempDir())

	res, err := sh.Execute(context.Background(), map[string]any{"command": "exit 3"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res.Success || res.Type != "exit_status" || res.Data["exit_code"] != 3 {
		t.Fatalf("result = %+v", res)
	}
}

func TestShell_DenyPatterns(t *testing.T) {
	sh := NewShellTool(t.TempDir())

	for _, cmd := range []string{
		"rm -rf /",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"sudo shutdown -h now",
		"echo hi > /dev/sda",
	} {
		res, err := sh.Execute(context.Background(), map[string]any{"command": cmd})
		if err != nil {
			t.Fatalf("Execute(%q) returned error: %v", cmd, err)
		}
		if res.Success || res.Type != "security" {
			t.Fatalf("command %q must be denied, got %+v", cmd, res)
		}
	}
}

func TestShell_Preview(t *testing.T) {
	sh := NewShellTool(t.TempDir())
	if got := sh.Preview(map[string]any{"command": "ls -la"}); got != "$ ls -la" {
		t.Fatalf("preview = %q", got)
	}
}

// --- registration and schemas ---

func TestRegisterBuiltins(t *testing.T) {
	registry := tool.NewInMemoryRegistry()
	if err := RegisterBuiltins(registry, t.TempDir(), zap.NewNop()); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}

	want := []string{"file_read", "file_write", "http_fetch", "list_dir", "shell"}
	got := registry.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("names = %v, want %v", got, want)
		}
	}

	// Derived schemas must compile and validate representative input.
	if err := registry.ValidateInput("file_read", map[string]any{"path": "a.txt"}); err != nil {
		t.Fatalf("valid file_read input rejected: %v", err)
	}
	if err := registry.ValidateInput("file_read", map[string]any{}); err == nil {
		t.Fatal("file_read without path must be rejected")
	}
	if err := registry.ValidateInput("shell", map[string]any{"command": "ls"}); err != nil {
		t.Fatalf("valid shell input rejected: %v", err)
	}
}

func TestFileWrite_PreviewAndGateFlags(t *testing.T) {
	w := NewFileWriteTool(t.TempDir())
	if !w.RequiresApproval() || w.RiskLevel() != tool.RiskMedium {
		t.Fatal("file_write must be gated at MEDIUM risk")
	}
	preview := w.Preview(map[string]any{"path": "x.txt", "content": "abc"})
	if preview != "Write 3 bytes to x.txt" {
		t.Fatalf("preview = %q", preview)
	}

	sh := NewShellTool(t.TempDir())
	if !sh.RequiresApproval() || sh.RiskLevel() != tool.RiskHigh {
		t.Fatal("shell must be gated at HIGH risk")
	}
}
