package admin

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/maxpert/oplogcdc/cfg"
)

// AuthMiddleware validates PSK authentication for admin endpoints. An empty
// configured secret disables authentication.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := cfg.Config.Admin.Secret
		if secret == "" {
			next.ServeHTTP(w, r)
			return
		}

		provided := r.Header.Get("X-Admin-Secret")
		if provided == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "missing authentication header")
				return
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}
			provided = token
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			writeErrorResponse(w, http.StatusUnauthorized, "invalid secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}
