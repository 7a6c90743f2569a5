package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/agentq/agentq/internal/common/errors"
	"github.com/agentq/agentq/internal/common/logger"
	"github.com/agentq/agentq/internal/manager"
	"github.com/agentq/agentq/internal/run"
	"github.com/agentq/agentq/internal/scheduler"
	"github.com/agentq/agentq/internal/store"
)

// Handler contains the HTTP handlers for the queue API.
type Handler struct {
	manager *manager.Manager
	logger  *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(m *manager.Manager, log *logger.Logger) *Handler {
	return &Handler{
		manager: m,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

// SubmitRun admits a new run.
// POST /api/v1/runs
func (h *Handler) SubmitRun(c *gin.Context) {
	var req SubmitRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	priority := run.PriorityNormal
	if req.Priority != "" {
		p, err := run.ParsePriority(req.Priority)
		if err != nil {
			appErr := apperrors.ValidationError("priority", err.Error())
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		priority = p
	}

	runID, err := h.manager.Submit(c.Request.Context(), manager.SubmitRequest{
		RunID:       req.RunID,
		AgentName:   req.AgentName,
		Input:       req.Input,
		Priority:    priority,
		SessionID:   req.SessionID,
		ParentRunID: req.ParentRunID,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitRunResponse{RunID: runID})
}

func (h *Handler) respondSubmitError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	switch {
	case errors.Is(err, scheduler.ErrQueueFull):
		appErr = apperrors.QueueFull(err.Error())
	case errors.Is(err, scheduler.ErrDuplicateRun):
		appErr = apperrors.Conflict(err.Error())
	case errors.Is(err, store.ErrUnavailable):
		appErr = apperrors.ServiceUnavailable("store")
	default:
		appErr = apperrors.BadRequest(err.Error())
	}
	c.JSON(appErr.HTTPStatus, appErr)
}

// GetRun returns one run by ID.
// GET /api/v1/runs/:runId
func (h *Handler) GetRun(c *gin.Context) {
	runID := c.Param("runId")
	r, err := h.manager.GetRun(c.Request.Context(), runID)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to load run")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if r == nil {
		appErr := apperrors.NotFound("run", runID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListRuns returns runs matching the query filters.
// GET /api/v1/runs?state=&session_id=&limit=&offset=
func (h *Handler) ListRuns(c *gin.Context) {
	var filter store.Filter
	if state := c.Query("state"); state != "" {
		s := run.State(state)
		if !s.Valid() {
			appErr := apperrors.ValidationError("state", "unknown state "+state)
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		filter.State = s
	}
	filter.SessionID = c.Query("session_id")
	if limit, ok := intQuery(c, "limit"); ok {
		filter.Limit = limit
	}
	if offset, ok := intQuery(c, "offset"); ok {
		filter.Offset = offset
	}

	runs, err := h.manager.ListRuns(c.Request.Context(), filter)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list runs")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Total: len(runs)})
}

// CancelRun cancels a queued or running run.
// POST /api/v1/runs/:runId/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	runID := c.Param("runId")
	cancelled := h.manager.Cancel(c.Request.Context(), runID)
	c.JSON(http.StatusOK, CancelRunResponse{Cancelled: cancelled})
}

// RetryRun creates a retry child of a failed run.
// POST /api/v1/runs/:runId/retry
func (h *Handler) RetryRun(c *gin.Context) {
	runID := c.Param("runId")
	childID, err := h.manager.Retry(c.Request.Context(), runID)
	if err != nil {
		h.respondSubmitError(c, err)
		return
	}
	if childID == "" {
		appErr := apperrors.Conflict("run is not retryable")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusAccepted, RetryRunResponse{RunID: childID})
}

// GetQueue lists queued runs in dispatch order.
// GET /api/v1/queue
func (h *Handler) GetQueue(c *gin.Context) {
	queued := h.manager.Queued()
	runs := make([]QueuedRunResponse, 0, len(queued))
	for _, r := range queued {
		runs = append(runs, QueuedRunResponse{
			RunID:     r.ID,
			AgentName: r.AgentName,
			Priority:  r.Priority.String(),
			QueuedAt:  r.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, QueueResponse{Runs: runs, Total: len(runs)})
}

// ClearQueue cancels every queued run.
// POST /api/v1/queue/clear
func (h *Handler) ClearQueue(c *gin.Context) {
	cancelled := h.manager.ClearQueue(c.Request.Context())
	c.JSON(http.StatusOK, ClearQueueResponse{Cancelled: cancelled})
}

// GetStats returns aggregate run counters.
// GET /api/v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.manager.GetStats(c.Request.Context())
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to load stats")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, StatsResponse{
		Stats:       stats,
		ActiveCount: stats.Active(),
		LiveQueued:  h.manager.QueuedCount(),
		LiveRunning: h.manager.RunningCount(),
	})
}

// GetDedupStats returns the dedup cache counters.
// GET /api/v1/dedup/stats
func (h *Handler) GetDedupStats(c *gin.Context) {
	stats := h.manager.DedupStats()
	c.JSON(http.StatusOK, DedupStatsResponse{
		DuplicatesPrevented: stats.DuplicatesPrevented,
		TokensSaved:         stats.TokensSaved,
		Size:                stats.Size,
	})
}

// CheckDuplicate tests content against the dedup cache.
// POST /api/v1/dedup/check
func (h *Handler) CheckDuplicate(c *gin.Context) {
	var req CheckDuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	duplicate := h.manager.CheckDuplicate(req.Content, req.AgentName, req.Tokens)
	c.JSON(http.StatusOK, CheckDuplicateResponse{Duplicate: duplicate})
}

// SaveSession upserts a session record.
// PUT /api/v1/sessions/:sessionId
func (h *Handler) SaveSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	var req SaveSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperrors.ValidationError("request", err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	session := &store.Session{
		ID:         sessionID,
		UserID:     req.UserID,
		StateJSON:  req.StateJSON,
		ConfigJSON: req.ConfigJSON,
	}
	if err := h.manager.SaveSession(c.Request.Context(), session); err != nil {
		appErr := apperrors.Wrap(err, "failed to save session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, session)
}

// GetSession loads one session record.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	session, err := h.manager.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to load session")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	if session == nil {
		appErr := apperrors.NotFound("session", sessionID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, session)
}

// ListSessions returns all session records.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.manager.ListSessions(c.Request.Context())
	if err != nil {
		appErr := apperrors.Wrap(err, "failed to list sessions")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

func intQuery(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
