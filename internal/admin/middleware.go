package admin

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/kestrelhq/anthrogate/internal/httpserver"
)

type contextKey string

const actorKey contextKey = "admin_actor"

// actorFromContext returns the display form of the authenticated admin
// credential for audit records.
func actorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey).(string); ok {
		return v
	}
	return "unknown"
}

// RequireAdmin authenticates requests by comparing the configured header
// against the operator allow-list in constant time. Missing and invalid
// credentials are indistinguishable.
func RequireAdmin(headerName string, allowList []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get(headerName)

			matched := false
			for _, allowed := range allowList {
				if subtle.ConstantTimeCompare([]byte(presented), []byte(allowed)) == 1 {
					matched = true
				}
			}
			if presented == "" || !matched {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing admin credentials")
				return
			}

			// Audit records identify the actor by a non-secret projection
			// of the credential.
			actor := presented
			if len(actor) > 8 {
				actor = actor[:8]
			}
			ctx := context.WithValue(r.Context(), actorKey, "admin:"+actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
