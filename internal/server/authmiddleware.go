package server

import (
	"context"
	"net/http"

	"github.com/tjfontaine/provisioning-gateway/internal/auth"
)

type clientContextKey struct{}

// AuthMiddleware rejects requests whose Authorization header does not match
// a configured credential. A nil authenticator leaves the route open.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authenticator == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client, err := authenticator.Authenticate(r)
			if err != nil {
				AddError(r.Context(), err)
				w.Header().Set("WWW-Authenticate", `Bearer realm="provisioning-gateway"`)
				writeError(w, http.StatusUnauthorized, "Unauthorized: "+err.Error())
				return
			}
			AddLogField(r.Context(), "client", client.Name)
			ctx := context.WithValue(r.Context(), clientContextKey{}, client)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClient returns the authenticated caller, or nil.
func GetClient(ctx context.Context) *auth.Client {
	if c, ok := ctx.Value(clientContextKey{}).(*auth.Client); ok {
		return c
	}
	return nil
}
