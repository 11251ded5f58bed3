package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/auth"
)

// AuthMiddleware rejects requests without a valid bearer token and stores
// the token's owner id in the request context.
func AuthMiddleware(secret []byte, issuer string, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := auth.BearerToken(r)
			if err != nil {
				writeUnauthorized(w, "missing bearer token")
				return
			}
			userID, err := auth.ParseToken(token, issuer, secret)
			if err != nil {
				msg := "invalid token"
				if errors.Is(err, auth.ErrTokenExpired) {
					msg = "token expired"
				}
				logger.WithFields(logrus.Fields{
					"path":        r.URL.Path,
					"remote_addr": getRemoteAddr(r),
				}).WithError(err).Debug("Rejected bearer token")
				writeUnauthorized(w, msg)
				return
			}

			recordOwner(r, userID)
			next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="chunkvault"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
