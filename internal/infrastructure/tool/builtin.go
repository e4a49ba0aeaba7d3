package tool

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/tool"
)

// RegisterBuiltins installs the default tool set rooted at workspace.
// The registry stays open for external registration afterwards.
func RegisterBuiltins(registry tool.Registry, workspace string, logger *zap.Logger) error {
	builtins := []tool.Tool{
		NewFileReadTool(workspace),
		NewFileWriteTool(workspace),
		NewListDirTool(workspace),
		NewShellTool(workspace),
		NewHTTPFetchTool(),
	}
	for _, t := range builtins {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register builtin %s: %w", t.Name(), err)
		}
	}
	logger.Info("Built-in tools registered",
		zap.Int("count", len(builtins)),
		zap.String("workspace", workspace),
	)
	return nil
}
