package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/kenneth/chunkvault/internal/common"
)

type ctxKey struct{}

// WithUserID stores the authenticated owner id in ctx.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserID returns the owner id placed in ctx by the auth middleware.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", common.ErrUnauthorized
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", common.ErrUnauthorized
	}
	return strings.TrimSpace(token), nil
}
