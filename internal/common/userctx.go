package common

import "context"

// Role constants for authenticated callers.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// UserContext holds the identity resolved from the bearer token for a request.
type UserContext struct {
	UserID string
	Role   string
}

// IsAdmin reports whether the caller carries the admin role.
func (uc *UserContext) IsAdmin() bool {
	return uc != nil && uc.Role == RoleAdmin
}

type contextKey int

const userContextKey contextKey = iota

// WithUserContext stores a UserContext in the request context.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// UserContextFromContext retrieves the UserContext from context, or nil if absent.
func UserContextFromContext(ctx context.Context) *UserContext {
	uc, _ := ctx.Value(userContextKey).(*UserContext)
	return uc
}

// ResolveUserID returns the UserID from context, or empty string when no user
// context is present.
func ResolveUserID(ctx context.Context) string {
	if uc := UserContextFromContext(ctx); uc != nil {
		return uc.UserID
	}
	return ""
}
