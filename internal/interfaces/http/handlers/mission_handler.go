package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/stepline/stepline/internal/application/usecase"
	"github.com/stepline/stepline/internal/domain/entity"
	"github.com/stepline/stepline/internal/domain/service"
)

// MissionHandler runs missions and streams their events over SSE.
type MissionHandler struct {
	runner *usecase.MissionRunner
	logger *zap.Logger
}

func NewMissionHandler(runner *usecase.MissionRunner, logger *zap.Logger) *MissionHandler {
	return &MissionHandler{
		runner: runner,
		logger: logger,
	}
}

type missionRequest struct {
	Mission string `json:"mission" binding:"required"`
}

type answerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// doneEnvelope closes every SSE stream, successful or not.
type doneEnvelope struct {
	Status          string                  `json:"status"`
	Reason          string                  `json:"reason,omitempty"`
	FinalMessage    string                  `json:"final_message,omitempty"`
	PlanID          string                  `json:"plan_id,omitempty"`
	Iterations      int                     `json:"iterations"`
	TokensUsed      int                     `json:"tokens_used"`
	PendingQuestion *entity.PendingQuestion `json:"pending_question,omitempty"`
}

// RunMission handles POST /api/v1/sessions/:id/missions.
// The response is an SSE stream: one frame per execution event, then a
// final "done" frame with the run result.
func (h *MissionHandler) RunMission(c *gin.Context) {
	sessionID := c.Param("id")

	var req missionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mission is required"})
		return
	}

	result, events, err := h.runner.Run(c.Request.Context(), sessionID, req.Mission)
	if err != nil {
		h.respondRunError(c, sessionID, err)
		return
	}

	h.stream(c, sessionID, result, events)
}

// SubmitAnswer handles POST /api/v1/sessions/:id/answers.
// Resumes a session suspended on a pending question; the response is
// the same SSE stream as RunMission.
func (h *MissionHandler) SubmitAnswer(c *gin.Context) {
	sessionID := c.Param("id")

	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "answer is required"})
		return
	}

	result, events, err := h.runner.Answer(c.Request.Context(), sessionID, req.Answer)
	if err != nil {
		h.respondRunError(c, sessionID, err)
		return
	}

	h.stream(c, sessionID, result, events)
}

func (h *MissionHandler) respondRunError(c *gin.Context, sessionID string, err error) {
	if errors.Is(err, usecase.ErrSessionBusy) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	h.logger.Warn("Mission start rejected",
		zap.String("session_id", sessionID),
		zap.Error(err),
	)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (h *MissionHandler) stream(c *gin.Context, sessionID string, result *service.ExecutionResult, events <-chan entity.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	for event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			h.logger.Error("Failed to marshal event", zap.Error(err))
			continue
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event.Type, data)
		flusher.Flush()
	}

	// The channel is closed, so the result is stable now.
	envelope := doneEnvelope{
		Status:          result.Status,
		Reason:          result.Reason,
		FinalMessage:    result.FinalMessage,
		PlanID:          result.PlanID,
		Iterations:      result.Iterations,
		TokensUsed:      result.TokensUsed,
		PendingQuestion: result.PendingQuestion,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		h.logger.Error("Failed to marshal result envelope", zap.Error(err))
		return
	}
	fmt.Fprintf(c.Writer, "event: done\ndata: %s\n\n", data)
	flusher.Flush()
}
