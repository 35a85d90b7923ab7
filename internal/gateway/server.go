// Package gateway exposes the HTTP surface: chat streaming, session
// management, tool approvals, and artifact retrieval.
package gateway

import (
	"net/http"
	"os"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/p3lera/eclia/internal/approval"
	"github.com/p3lera/eclia/internal/orchestrator"
	"github.com/p3lera/eclia/internal/sessionlock"
	"github.com/p3lera/eclia/internal/toolhost"
	"github.com/p3lera/eclia/internal/transcript"
)

// Controller holds the process-wide registries the handlers operate on. No
// implicit singletons: everything is passed in at construction.
type Controller struct {
	Store        *transcript.Store
	Orchestrator *orchestrator.Orchestrator
	Approvals    *approval.Hub
	Locks        *sessionlock.Locker
	Root         string // project root for artifact resolution
	Token        string // gateway bearer token; empty disables auth
	ChatRPS      float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewController wires a controller.
func NewController(store *transcript.Store, orch *orchestrator.Orchestrator, hub *approval.Hub,
	locks *sessionlock.Locker, root, token string, chatRPS float64) *Controller {
	return &Controller{
		Store:        store,
		Orchestrator: orch,
		Approvals:    hub,
		Locks:        locks,
		Root:         root,
		Token:        token,
		ChatRPS:      chatRPS,
		limiters:     make(map[string]*rate.Limiter),
	}
}

// DefineRoutes builds the gin engine.
func DefineRoutes(ctrl *Controller) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.ForwardedByClientIP = true
	if err := r.SetTrustedProxies(nil); err != nil {
		log.Warn().Err(err).Msg("failed to clear trusted proxies")
	}

	api := r.Group("/api", ctrl.authMiddleware())
	api.POST("/chat", ctrl.ChatHandler)
	api.GET("/sessions", ctrl.ListSessionsHandler)
	api.POST("/sessions", ctrl.CreateSessionHandler)
	api.POST("/sessions/:id/reset", ctrl.ResetSessionHandler)
	api.POST("/tool-approvals", ctrl.ToolApprovalHandler)
	api.GET("/artifacts", ctrl.ArtifactHandler)
	api.GET("/health", ctrl.HealthHandler)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
	})
	return r
}

// authMiddleware enforces the shared bearer token on /api/* when one is
// configured.
func (ctrl *Controller) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ctrl.Token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+ctrl.Token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// limiter returns the per-session chat rate limiter.
func (ctrl *Controller) limiter(sessionID string) *rate.Limiter {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	l, ok := ctrl.limiters[sessionID]
	if !ok {
		rps := ctrl.ChatRPS
		if rps <= 0 {
			rps = 1
		}
		l = rate.NewLimiter(rate.Limit(rps), 3)
		ctrl.limiters[sessionID] = l
	}
	return l
}

// HealthHandler reports liveness.
func (ctrl *Controller) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":               true,
		"pendingApprovals": ctrl.Approvals.PendingCount(),
	})
}

// ArtifactHandler streams bytes from the artifacts root after path-escape
// validation.
func (ctrl *Controller) ArtifactHandler(c *gin.Context) {
	reqPath := c.Query("path")
	if reqPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "hint": "path query parameter is required"})
		return
	}
	resolved, err := toolhost.ResolveArtifactPath(ctrl.Root, reqPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "bad_request", "hint": err.Error()})
		return
	}
	if _, err := os.Stat(resolved); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "not_found"})
		return
	}
	c.File(resolved)
}
