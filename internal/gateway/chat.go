package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/p3lera/eclia/internal/orchestrator"
	"github.com/p3lera/eclia/internal/provider"
	"github.com/p3lera/eclia/internal/sse"
	"github.com/p3lera/eclia/internal/transcript"
)

// chatRequest is the /api/chat body.
type chatRequest struct {
	SessionID      string         `json:"sessionId"`
	UserText       string         `json:"userText"`
	Model          string         `json:"model"` // route key
	ToolAccessMode string         `json:"toolAccessMode"`
	StreamMode     string         `json:"streamMode"`
	Origin         *originPayload `json:"origin"`
	Temperature    *float64       `json:"temperature"`
	TopP           *float64       `json:"topP"`
	TopK           *int           `json:"topK"`
	MaxTokens      *int           `json:"maxTokens"`
}

// originPayload tags the session's creating surface. Opaque beyond kind.
type originPayload struct {
	Kind string `json:"kind"`
	Raw  string `json:"raw"`
}

// ChatHandler runs one chat turn as an SSE stream. Requests for the same
// session serialize in arrival order behind the session lock.
func (ctrl *Controller) ChatHandler(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}
	if !transcript.ValidSessionID(req.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_session_id"})
		return
	}
	if req.UserText == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "hint": "userText is required"})
		return
	}

	if !ctrl.limiter(req.SessionID).Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"ok": false, "error": "rate_limited"})
		return
	}

	originKind, originRaw := "other", ""
	if req.Origin != nil {
		originKind = req.Origin.Kind
		originRaw = req.Origin.Raw
	}
	if _, err := ctrl.Store.EnsureSession(req.SessionID, "", originKind, originRaw); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}

	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}

	run := orchestrator.ChatRequest{
		SessionID:      req.SessionID,
		UserText:       req.UserText,
		RouteKey:       req.Model,
		ToolAccessMode: req.ToolAccessMode,
		StreamMode:     req.StreamMode,
		Sampling: provider.SamplingOverrides{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			TopK:        req.TopK,
			MaxTokens:   req.MaxTokens,
		},
	}

	ctx := c.Request.Context()
	err = ctrl.Locks.With(ctx, req.SessionID, func() error {
		ctrl.Orchestrator.Run(ctx, run, writer)
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("session", req.SessionID).Msg("chat request abandoned while queued")
	}
}

// CreateSessionHandler creates or ensures a session.
func (ctrl *Controller) CreateSessionHandler(c *gin.Context) {
	var req struct {
		SessionID string         `json:"sessionId"`
		Title     string         `json:"title"`
		Origin    *originPayload `json:"origin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}
	if !transcript.ValidSessionID(req.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_session_id"})
		return
	}

	originKind, originRaw := "other", ""
	if req.Origin != nil {
		originKind = req.Origin.Kind
		originRaw = req.Origin.Raw
	}
	sess, err := ctrl.Store.EnsureSession(req.SessionID, req.Title, originKind, originRaw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "session": sess})
}

// ListSessionsHandler lists sessions, most recently updated first.
func (ctrl *Controller) ListSessionsHandler(c *gin.Context) {
	sessions, err := ctrl.Store.ListSessions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "sessions": sessions})
}

// ResetSessionHandler appends a reset record, clearing effective history.
func (ctrl *Controller) ResetSessionHandler(c *gin.Context) {
	sessionID := c.Param("id")
	if !transcript.ValidSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_session_id"})
		return
	}
	sess, err := ctrl.Store.GetSession(sessionID)
	if err != nil || sess == nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
		return
	}

	err = ctrl.Locks.With(c.Request.Context(), sessionID, func() error {
		return ctrl.Store.Reset(sessionID)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
