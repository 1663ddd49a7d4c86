package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxRole
	ctxAgentID
)

// Identity is the authenticated caller as seen by handlers.
type Identity struct {
	UserID  string
	Role    string
	AgentID string
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, id.UserID)
	ctx = context.WithValue(ctx, ctxRole, id.Role)
	ctx = context.WithValue(ctx, ctxAgentID, id.AgentID)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

// AgentID returns the caller's agent binding, or "" when there is none.
func AgentID(ctx context.Context) string {
	s, _ := ctx.Value(ctxAgentID).(string)
	return s
}
