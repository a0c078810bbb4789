package middleware

import (
	"net/http"

	"github.com/irgordon/proxyctl/api/internal/core/domain"
	"github.com/irgordon/proxyctl/api/internal/core/services"
)

// ClaimsFrom returns the verified claims, or nil when auth is disabled.
func ClaimsFrom(r *http.Request) *services.ControlClaims {
	claims, _ := r.Context().Value(ClaimsKey).(*services.ControlClaims)
	return claims
}

// RequireWrite stops read-only tokens from reaching mutating methods.
// 🛡️ Zero-Trust: applied to the whole API group so a new route cannot forget it.
func RequireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if claims := ClaimsFrom(r); claims != nil && claims.ReadOnly {
			writeError(w, http.StatusForbidden, domain.KindUnauthorized, "Token is read-only")
			return
		}
		next.ServeHTTP(w, r)
	})
}
