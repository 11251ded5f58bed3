package middleware

import (
	"errors"
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware turns handler panics into 500 responses.
// http.ErrAbortHandler is re-raised so the server drops the connection,
// which is how a download that fails after its first byte is cut short.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				logger.WithFields(logrus.Fields{
					"method": r.Method,
					"path":   redactSharePath(r.URL.Path),
					"panic":  rec,
					"stack":  string(debug.Stack()),
				}).Error("Recovered from handler panic")
				http.Error(w, "Internal server error", http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
