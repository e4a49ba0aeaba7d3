package config

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// AppName is the canonical application name.
const AppName = "stepline"

// HomeDir returns the configuration home: ~/.stepline
func HomeDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "."+AppName)
}

// Bootstrap ensures ~/.stepline exists with default content. Safe to
// call repeatedly; user edits are never overwritten.
func Bootstrap(logger *zap.Logger) error {
	return BootstrapAt(HomeDir(), logger)
}

// BootstrapAt seeds an explicit home directory; tests point it at a
// temp dir.
func BootstrapAt(root string, logger *zap.Logger) error {
	dirs := []string{
		root,
		filepath.Join(root, "data"),
		filepath.Join(root, "data", "plans"),
		filepath.Join(root, "data", "state"),
		filepath.Join(root, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}

	defaults := map[string]string{
		filepath.Join(root, "config.yaml"): defaultConfig,
		filepath.Join(root, "models.yaml"): defaultModels,
	}

	created := 0
	for path, content := range defaults {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			logger.Warn("Failed to write default file", zap.String("path", path), zap.Error(err))
			continue
		}
		created++
	}

	if created > 0 {
		logger.Info("Bootstrap complete",
			zap.String("home", root),
			zap.Int("files_created", created),
		)
	} else {
		logger.Debug("Home directory OK", zap.String("home", root))
	}

	return nil
}

const defaultConfig = `# Stepline configuration
# Auto-generated on first launch. Edit freely; this file is never overwritten.

# HTTP API server.
server:
  host: 0.0.0.0
  port: 18790
  mode: local                  # local | production

log:
  level: info                  # debug | info | warn | error
  format: console              # console | json

# Execution loop bounds.
engine:
  max_iterations: 50           # loop cap per mission
  history_tail: 5              # prior step results shown to the model
  workspace: ""                # tool sandbox root (empty = current directory)

# Model routing. Aliases resolve in the model router; providers serve them.
llm:
  default_alias: main
  aliases: {}
  # aliases:
  #   main: openai/gpt-4o
  #   fast: openai/gpt-4o-mini
  #   powerful: anthropic/claude-sonnet-4-20250514
  providers: []
  # providers:
  #   - name: openai
  #     base_url: "https://api.openai.com/v1"
  #     api_key_env: OPENAI_API_KEY
  #     models: ["openai/gpt-4o", "openai/gpt-4o-mini"]
  #   - name: anthropic
  #     type: anthropic
  #     api_key_env: ANTHROPIC_API_KEY
  #     models: ["anthropic/claude-sonnet-4-20250514"]
  retry:
    max_attempts: 3
    initial_backoff: 500ms
    backoff_multiplier: 2.0
    attempt_timeout: 120s
    retry_on: [transient]

# Tool approval gate.
approval:
  mode: ask_dangerous          # auto | ask_dangerous | ask_all
  trusted_tools: []            # always run without asking
  auto_deny_tools: []          # always denied, no prompt

# Persistence.
store:
  driver: file                 # file | redis (session state)
  data_dir: ""                 # empty = ~/.stepline/data
  redis:
    addr: localhost:6379
    db: 0
  journal:
    driver: sqlite             # sqlite | postgres
    dsn: stepline.db
`

const defaultModels = `# Model alias overrides. This file is hot-reloaded: edits apply to the
# next completion without restarting the server.
# default_alias: main
# aliases:
#   main: openai/gpt-4o
#   fast: openai/gpt-4o-mini
#   powerful: anthropic/claude-sonnet-4-20250514
`
