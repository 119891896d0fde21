// Package http provides the HTTP handlers for the orchestrator.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/coachflow/orchestrator/internal/domain"
	"github.com/coachflow/orchestrator/internal/metrics"
	"github.com/coachflow/orchestrator/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	orchestrator *service.Orchestrator
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(orch *service.Orchestrator, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{
		orchestrator: orch,
		metrics:      m,
		log:          log.With().Str("component", "http").Logger(),
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/sessions", h.CreateSession)
	e.GET("/v1/sessions/me", h.SessionInfo)
	e.POST("/v1/sessions/logout", h.Logout)

	e.POST("/v1/messages", h.SendMessage)
	e.GET("/v1/conversations/:conversation_id/messages", h.GetMessages)

	e.GET("/v1/workflows/:session_id/:domain", h.WorkflowStatus)
	e.GET("/v1/workflows/:session_id/:domain/requirements", h.RequirementHistory)

	e.GET("/health", h.Health)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{})))
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// bearerToken extracts the session token from the Authorization header.
func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c echo.Context, err error) error {
	var routing *domain.RoutingError
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired session"})
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &routing):
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": routing.Error()})
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "upstream model unavailable"})
	case errors.Is(err, domain.ErrWorkflowFailed):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "workflow failed"})
	default:
		h.log.Error().Err(err).Msg("request failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// CreateSession opens a new session.
// POST /v1/sessions
func (h *Handler) CreateSession(c echo.Context) error {
	var req struct {
		Metadata map[string]any `json:"metadata"`
	}
	// An empty body is fine; metadata is optional.
	_ = c.Bind(&req)

	var metadata []byte
	if len(req.Metadata) > 0 {
		metadata = mustJSON(req.Metadata)
	}

	sess, err := h.orchestrator.CreateSession(c.Request().Context(), metadata)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"session": sess,
		"token":   sess.Token,
	})
}

// SessionInfo returns the session and its conversations.
// GET /v1/sessions/me
func (h *Handler) SessionInfo(c echo.Context) error {
	sess, convs, err := h.orchestrator.SessionInfo(c.Request().Context(), bearerToken(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"session":       sess,
		"conversations": convs,
	})
}

// Logout revokes the session.
// POST /v1/sessions/logout
func (h *Handler) Logout(c echo.Context) error {
	if err := h.orchestrator.Logout(c.Request().Context(), bearerToken(c)); err != nil {
		return h.writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// SendMessage runs one conversational turn.
// POST /v1/messages
func (h *Handler) SendMessage(c echo.Context) error {
	var req struct {
		ConversationID string `json:"conversation_id"`
		Text           string `json:"text"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "text is required"})
	}

	resp, err := h.orchestrator.SendMessage(c.Request().Context(), bearerToken(c), req.ConversationID, req.Text)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetMessages returns the conversation history.
// GET /v1/conversations/:conversation_id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	msgs, err := h.orchestrator.Messages(c.Request().Context(), bearerToken(c), c.Param("conversation_id"), limit)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}

// WorkflowStatus returns a snapshot of one domain workflow.
// GET /v1/workflows/:session_id/:domain
func (h *Handler) WorkflowStatus(c echo.Context) error {
	snap, err := h.orchestrator.WorkflowStatus(c.Request().Context(), bearerToken(c), c.Param("session_id"), c.Param("domain"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}

// RequirementHistory returns the ordered requirement entries of one
// workflow.
// GET /v1/workflows/:session_id/:domain/requirements
func (h *Handler) RequirementHistory(c echo.Context) error {
	entries, err := h.orchestrator.RequirementHistory(c.Request().Context(), bearerToken(c), c.Param("session_id"), c.Param("domain"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"requirements": entries})
}
