package httpapi

import (
	"net/http"
	"strings"
	"time"

	"outbound-dialer/internal/agents"
	"outbound-dialer/internal/audit"
	"outbound-dialer/internal/auth"
	"outbound-dialer/internal/calls"
	"outbound-dialer/internal/campaigns"
	"outbound-dialer/internal/dispatch"
	"outbound-dialer/internal/dispositions"
	"outbound-dialer/internal/rbac"
	"outbound-dialer/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth *auth.Manager
	// DevLogin enables the credential-less Login endpoint. Never set in production.
	DevLogin bool

	Campaigns    *campaigns.Manager
	Agents       *agents.Registry
	Dispatcher   *dispatch.Dispatcher
	Calls        calls.Store
	Dispositions *dispositions.Recorder
	Reporting    *reporting.Service
	Audit        *audit.Service
}

func actorFrom(c *gin.Context) audit.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{UserID: uid, Role: role}
}

// --- Auth ---

type loginRequest struct {
	UserID  string `json:"user_id"`
	Role    string `json:"role"`
	AgentID string `json:"agent_id,omitempty"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a development-only endpoint. Real deployments front it with an identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	if !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "login disabled"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Role == "" {
		badRequest(c, "user_id and role required")
		return
	}
	switch req.Role {
	case rbac.RoleAdmin, rbac.RoleSupervisor:
	case rbac.RoleAgent:
		if req.AgentID == "" {
			badRequest(c, "agent_id required for agent role")
			return
		}
	default:
		badRequest(c, "unknown role")
		return
	}

	pair, err := h.Auth.IssuePair(time.Now(), auth.Identity{UserID: req.UserID, Role: req.Role, AgentID: req.AgentID})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	ctx := c.Request.Context()
	uid, _ := auth.UserID(ctx)
	role, _ := auth.Role(ctx)
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role, "agent_id": auth.AgentID(ctx)})
}

// --- Lines ---

// Lines reports trunk usage as seen by this instance.
func (h Handlers) Lines(c *gin.Context) {
	lines := h.Dispatcher.Lines()
	inUse, err := lines.InUse(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"in_use":       inUse,
		"limit":        lines.Limit(),
		"active_calls": h.Dispatcher.ActiveCount(),
	})
}
