package tool

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/stepline/stepline/internal/domain/tool"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 5 * time.Minute
	maxShellOutput      = 64 * 1024
)

// denyPatterns blocks commands that are destructive regardless of
// approval. Matches return a security failure, never an error.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-zA-Z]*\s+)*/(\s|$)`),
	regexp.MustCompile(`\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s+/\S*\s*$`),
	regexp.MustCompile(`\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`\bdd\s+[^|;]*of=/dev/`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),
	regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]`),
}

type shellArgs struct {
	Command        string `json:"command" jsonschema:"description=Shell command to run"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" jsonschema:"description=Kill the command after this many seconds (default 30)"`
	Workdir        string `json:"workdir,omitempty" jsonschema:"description=Working directory, relative to the workspace root"`
}

// ShellTool runs a command through sh -c inside the workspace root.
// Always gated behind approval.
type ShellTool struct {
	root string
}

func NewShellTool(root string) *ShellTool { return &ShellTool{root: root} }

func (t *ShellTool) Name() string { return "shell" }
func (t *ShellTool) Description() string {
	return "Run a shell command in the workspace and capture its output."
}
func (t *ShellTool) Schema() map[string]any    { return schemaFor(&shellArgs{}) }
func (t *ShellTool) RequiresApproval() bool    { return true }
func (t *ShellTool) RiskLevel() tool.RiskLevel { return tool.RiskHigh }

// Preview renders the pending command for the approval prompt.
func (t *ShellTool) Preview(args map[string]any) string {
	var in shellArgs
	if err := decodeArgs(args, &in); err != nil {
		return ""
	}
	return "$ " + in.Command
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) (*tool.Result, error) {
	var in shellArgs
	if err := decodeArgs(args, &in); err != nil {
		return tool.Fail(fmt.Sprintf("invalid arguments: %v", err), "invalid_input"), nil
	}
	if strings.TrimSpace(in.Command) == "" {
		return tool.Fail("command is empty", "invalid_input"), nil
	}

	for _, p := range denyPatterns {
		if p.MatchString(in.Command) {
			return tool.Fail(
				fmt.Sprintf("command matches deny pattern %s", p.String()),
				"security",
				"rephrase the command without destructive operations",
			), nil
		}
	}

	workdir := t.root
	if in.Workdir != "" {
		resolved, err := resolveInRoot(t.root, in.Workdir)
		if err != nil {
			return tool.Fail(err.Error(), "security"), nil
		}
		workdir = resolved
	}

	timeout := defaultShellTimeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
		if timeout > maxShellTimeout {
			timeout = maxShellTimeout
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", in.Command)
	cmd.Dir = workdir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	data := map[string]any{
		"stdout":      truncateOutput(stdout.String()),
		"stderr":      truncateOutput(stderr.String()),
		"duration_ms": elapsed.Milliseconds(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		data["timeout"] = true
		return &tool.Result{
			Success: false,
			Error:   fmt.Sprintf("command timed out after %s", timeout),
			Type:    "timeout",
			Hints:   []string{"raise timeout_seconds or split the command"},
			Data:    data,
		}, nil
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		data["exit_code"] = exitCode
		return &tool.Result{
			Success: false,
			Error:   fmt.Sprintf("command exited with code %d", exitCode),
			Type:    "exit_status",
			Data:    data,
		}, nil
	}

	data["exit_code"] = 0
	return tool.Ok(data), nil
}

func truncateOutput(s string) string {
	if len(s) <= maxShellOutput {
		return s
	}
	return s[:maxShellOutput] + "\n... (truncated)"
}
