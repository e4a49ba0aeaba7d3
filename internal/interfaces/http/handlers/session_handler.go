package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/application/usecase"
	"github.com/stepline/stepline/internal/domain/repository"
	"github.com/stepline/stepline/internal/infrastructure/persistence"
	domainErrors "github.com/stepline/stepline/pkg/errors"
)

// SessionHandler serves session state, plans, and history.
type SessionHandler struct {
	runner  *usecase.MissionRunner
	plans   repository.PlanStore
	states  repository.StateStore
	journal *persistence.Journal
	logger  *zap.Logger
}

func NewSessionHandler(
	runner *usecase.MissionRunner,
	plans repository.PlanStore,
	states repository.StateStore,
	journal *persistence.Journal,
	logger *zap.Logger,
) *SessionHandler {
	return &SessionHandler{
		runner:  runner,
		plans:   plans,
		states:  states,
		journal: journal,
		logger:  logger,
	}
}

// GetSession handles GET /api/v1/sessions/:id and returns a summary of
// the session's durable state.
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")

	state, err := h.states.Load(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to load session state",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":       sessionID,
		"version":          state.Version(),
		"updated_at":       state.UpdatedAt(),
		"plan_id":          state.PlanID(),
		"pending_question": state.PendingQuestion(),
		"trust_mode":       state.TrustMode(),
		"busy":             h.runner.IsBusy(sessionID),
	})
}

// GetPlan handles GET /api/v1/sessions/:id/plan.
func (h *SessionHandler) GetPlan(c *gin.Context) {
	sessionID := c.Param("id")

	state, err := h.states.Load(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
		return
	}
	planID := state.PlanID()
	if planID == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "session has no plan"})
		return
	}

	plan, err := h.plans.Load(c.Request.Context(), planID)
	if err != nil {
		if domainErrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
			return
		}
		h.logger.Error("Failed to load plan",
			zap.String("plan_id", planID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plan"})
		return
	}

	c.JSON(http.StatusOK, plan)
}

// GetPlanByID handles GET /api/v1/plans/:id.
func (h *SessionHandler) GetPlanByID(c *gin.Context) {
	planID := c.Param("id")

	plan, err := h.plans.Load(c.Request.Context(), planID)
	if err != nil {
		if domainErrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
			return
		}
		h.logger.Error("Failed to load plan",
			zap.String("plan_id", planID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plan"})
		return
	}

	c.JSON(http.StatusOK, plan)
}

// GetEvents handles GET /api/v1/sessions/:id/events with optional
// limit/offset query parameters.
func (h *SessionHandler) GetEvents(c *gin.Context) {
	sessionID := c.Param("id")
	limit := intQuery(c, "limit", 100)
	offset := intQuery(c, "offset", 0)

	events, err := h.journal.Query(c.Request.Context(), sessionID, limit, offset)
	if err != nil {
		h.logger.Error("Failed to query events",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query events"})
		return
	}

	total, err := h.journal.Count(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"events":     events,
		"total":      total,
		"limit":      limit,
		"offset":     offset,
	})
}

// GetApprovals handles GET /api/v1/sessions/:id/approvals.
func (h *SessionHandler) GetApprovals(c *gin.Context) {
	sessionID := c.Param("id")

	records, err := h.journal.ListApprovals(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to list approvals",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list approvals"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"approvals":  records,
	})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
