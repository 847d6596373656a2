// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string
	Role    Role
}

// IsOperator reports whether the caller is a human operator.
func (a *AuthContext) IsOperator() bool {
	return a != nil && a.Role == RoleOperator
}

// OperatorID returns the operator identity, or "" for service callers.
func (a *AuthContext) OperatorID() string {
	if !a.IsOperator() {
		return ""
	}
	return a.Subject
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
