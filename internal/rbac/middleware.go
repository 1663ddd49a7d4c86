package rbac

import (
	"net/http"

	"outbound-dialer/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAgentBinding rejects agent logins that are not bound to a registry agent.
// Self-service routes rely on the binding to scope what an agent may touch.
func RequireAgentBinding() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if role == RoleAgent && auth.AgentID(c.Request.Context()) == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "agent_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows access if the caller has any of the provided roles.
// admin bypasses all checks.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// CanActAsAgent reports whether the caller may act on agentID's behalf:
// operators always can, agents only for themselves.
func CanActAsAgent(c *gin.Context, agentID string) bool {
	role, _ := auth.Role(c.Request.Context())
	if IsOperator(role) {
		return true
	}
	return role == RoleAgent && agentID != "" && auth.AgentID(c.Request.Context()) == agentID
}
