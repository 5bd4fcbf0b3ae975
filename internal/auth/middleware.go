package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"thoth-rooms/internal/models"
)

type contextKey string

const identityContextKey contextKey = "identity"

// WithIdentity stores a verified identity in ctx.
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom returns the identity stored by RequireAuth.
func IdentityFrom(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(models.Identity)
	return id, ok
}

// RequireAuth rejects requests without a valid bearer token with 401.
// onFailure may be nil.
func RequireAuth(v Verifier, log *slog.Logger, onFailure func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := v.Verify(ExtractToken(r))
			if err != nil {
				if onFailure != nil {
					onFailure()
				}
				log.Debug("rejected request", "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
