package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/p3lera/eclia/internal/approval"
	"github.com/p3lera/eclia/internal/transcript"
)

// ToolApprovalHandler resolves a pending tool approval.
func (ctrl *Controller) ToolApprovalHandler(c *gin.Context) {
	var req struct {
		ApprovalID string `json:"approvalId"`
		SessionID  string `json:"sessionId"`
		Decision   string `json:"decision"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}
	if !transcript.ValidSessionID(req.SessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "invalid_session_id"})
		return
	}
	if req.Decision != "approve" && req.Decision != "deny" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "hint": "decision must be approve or deny"})
		return
	}

	err := ctrl.Approvals.Decide(req.ApprovalID, req.SessionID, req.Decision == "approve")
	switch {
	case errors.Is(err, approval.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
	case errors.Is(err, approval.ErrWrongSession):
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "wrong_session"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
