package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// AgentID binds an operator login to a registry agent; it is empty for
// supervisors and admins who do not take calls.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	AgentID   string    `json:"agent_id,omitempty"`
	TokenType TokenType `json:"token_type"`
}
