// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and
// mcp: server imports mcp to mount the MCP transport, and mcp needs to read
// the workspace claims that server's auth middleware populates. Both
// packages import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/sorami-ai/sorami/internal/auth"
)

type contextKey string

const (
	keyClaims      contextKey = "claims"
	keyWorkspaceID contextKey = "workspace_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyWorkspaceID, claims.WorkspaceID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// WorkspaceIDFromContext extracts the workspace_id from the context.
func WorkspaceIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyWorkspaceID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}
