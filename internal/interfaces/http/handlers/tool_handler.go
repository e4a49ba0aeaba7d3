package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/domain/tool"
)

// ToolHandler exposes the tool registry.
type ToolHandler struct {
	registry tool.Registry
	logger   *zap.Logger
}

func NewToolHandler(registry tool.Registry, logger *zap.Logger) *ToolHandler {
	return &ToolHandler{
		registry: registry,
		logger:   logger,
	}
}

// ListTools handles GET /api/v1/tools.
func (h *ToolHandler) ListTools(c *gin.Context) {
	defs := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"tools": defs,
		"count": len(defs),
	})
}
