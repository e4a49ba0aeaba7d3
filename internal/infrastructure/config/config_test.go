package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s) failed: %v", path, err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Engine.MaxIterations != 50 || cfg.Engine.HistoryTail != 5 {
		t.Errorf("engine defaults wrong: %+v", cfg.Engine)
	}
	if cfg.LLM.DefaultAlias != "main" {
		t.Errorf("default alias = %q", cfg.LLM.DefaultAlias)
	}
	if cfg.LLM.Retry.InitialBackoff != 500*time.Millisecond {
		t.Errorf("retry backoff = %v", cfg.LLM.Retry.InitialBackoff)
	}
	if cfg.Approval.Mode != "ask_dangerous" {
		t.Errorf("approval mode = %q", cfg.Approval.Mode)
	}
	if cfg.Store.Driver != "file" || cfg.Store.Journal.Driver != "sqlite" {
		t.Errorf("store defaults wrong: %+v", cfg.Store)
	}
	if cfg.Store.DataDir == "" {
		t.Error("data dir should default under the global dir")
	}
}

func TestLoadFrom_GlobalConfig(t *testing.T) {
	global := t.TempDir()
	writeFile(t, filepath.Join(global, "config.yaml"), `
engine:
  max_iterations: 10
llm:
  aliases:
    main: openai/gpt-4o
    fast: openai/gpt-4o-mini
approval:
  mode: ask_all
  trusted_tools: [file_read]
`)

	cfg, err := LoadFrom(global, t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Engine.MaxIterations != 10 {
		t.Errorf("max_iterations = %d", cfg.Engine.MaxIterations)
	}
	if cfg.LLM.Aliases["main"] != "openai/gpt-4o" {
		t.Errorf("aliases = %v", cfg.LLM.Aliases)
	}
	if cfg.Approval.Mode != "ask_all" || len(cfg.Approval.TrustedTools) != 1 {
		t.Errorf("approval = %+v", cfg.Approval)
	}
	// Untouched groups keep defaults
	if cfg.Engine.HistoryTail != 5 {
		t.Errorf("history_tail = %d", cfg.Engine.HistoryTail)
	}
}

func TestLoadFrom_LocalOverridesGlobal(t *testing.T) {
	global := t.TempDir()
	local := t.TempDir()
	writeFile(t, filepath.Join(global, "config.yaml"), `
server:
  port: 1111
log:
  level: warn
`)
	writeFile(t, filepath.Join(local, "stepline.yaml"), `
server:
  port: 2222
`)

	cfg, err := LoadFrom(global, local)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Server.Port != 2222 {
		t.Errorf("port = %d, want local override 2222", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("level = %q, want global value preserved", cfg.Log.Level)
	}
}

func TestLoadFrom_ModelsOverlay(t *testing.T) {
	global := t.TempDir()
	writeFile(t, filepath.Join(global, "config.yaml"), `
llm:
  aliases:
    main: openai/gpt-4o
`)
	writeFile(t, filepath.Join(global, "models.yaml"), `
default_alias: powerful
aliases:
  powerful: anthropic/claude-sonnet-4-20250514
`)

	cfg, err := LoadFrom(global, t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.LLM.DefaultAlias != "powerful" {
		t.Errorf("default alias = %q", cfg.LLM.DefaultAlias)
	}
	if cfg.LLM.Aliases["powerful"] != "anthropic/claude-sonnet-4-20250514" {
		t.Errorf("overlay alias missing: %v", cfg.LLM.Aliases)
	}
	if cfg.LLM.Aliases["main"] != "openai/gpt-4o" {
		t.Errorf("base alias lost: %v", cfg.LLM.Aliases)
	}
}

func TestLoadFrom_EnvOverride(t *testing.T) {
	t.Setenv("STEPLINE_SERVER_PORT", "9999")
	t.Setenv("STEPLINE_LOG_LEVEL", "debug")

	cfg, err := LoadFrom(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want env override", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("level = %q, want env override", cfg.Log.Level)
	}
}

func TestRetryConfig_Policy(t *testing.T) {
	r := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		BackoffMultiplier: 3,
		AttemptTimeout:    time.Minute,
		RetryOn:           []string{"transient", "budget"},
	}
	p := r.Policy()
	if p.MaxAttempts != 5 || p.InitialBackoff != time.Second || len(p.RetryOn) != 2 {
		t.Errorf("policy = %+v", p)
	}
}

func TestBootstrapAt(t *testing.T) {
	root := filepath.Join(t.TempDir(), "home")

	if err := BootstrapAt(root, zap.NewNop()); err != nil {
		t.Fatalf("BootstrapAt failed: %v", err)
	}

	for _, p := range []string{
		filepath.Join(root, "config.yaml"),
		filepath.Join(root, "models.yaml"),
		filepath.Join(root, "data", "plans"),
		filepath.Join(root, "data", "state"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}

	// Re-running must not overwrite user edits.
	custom := filepath.Join(root, "config.yaml")
	writeFile(t, custom, "server:\n  port: 4242\n")
	if err := BootstrapAt(root, zap.NewNop()); err != nil {
		t.Fatalf("second BootstrapAt failed: %v", err)
	}
	data, _ := os.ReadFile(custom)
	if string(data) != "server:\n  port: 4242\n" {
		t.Error("bootstrap overwrote user config")
	}

	// Generated config must parse.
	fresh := filepath.Join(t.TempDir(), "home2")
	if err := BootstrapAt(fresh, zap.NewNop()); err != nil {
		t.Fatalf("BootstrapAt failed: %v", err)
	}
	if _, err := LoadFrom(fresh, t.TempDir()); err != nil {
		t.Errorf("generated config does not load: %v", err)
	}
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	global := t.TempDir()
	writeFile(t, filepath.Join(global, "models.yaml"), "aliases:\n  main: openai/gpt-4o\n")

	w, err := NewWatcher(global, t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	writeFile(t, filepath.Join(global, "models.yaml"), "aliases:\n  main: anthropic/claude-sonnet-4-20250514\n")

	select {
	case cfg := <-reloaded:
		if cfg.LLM.Aliases["main"] != "anthropic/claude-sonnet-4-20250514" {
			t.Errorf("reloaded aliases = %v", cfg.LLM.Aliases)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher never fired")
	}
}
