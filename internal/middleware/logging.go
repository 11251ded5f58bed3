package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/config"
)

// LoggingMiddleware writes one access log line per request in the
// configured format.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Uploads report what the client sent, downloads what we wrote.
			var requestBytes int64
			if r.Method == http.MethodPut || r.Method == http.MethodPost {
				if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
					if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
						requestBytes = size
					}
				}
			}

			rw := newResponseWriter(w)
			holder := &ownerHolder{}
			r = r.WithContext(withOwnerHolder(r.Context(), holder))

			defer func() {
				bytesLogged := rw.bytesWritten
				if requestBytes > 0 {
					bytesLogged = requestBytes
				}
				entry := createLogEntry(r, rw, time.Since(start), bytesLogged, holder.ownerID, cfg)

				switch cfg.AccessLogFormat {
				case "json":
					logJSON(logger, entry)
				case "clf":
					logCLF(logger, entry)
				default:
					logDefault(logger, entry)
				}
			}()

			next.ServeHTTP(rw, r)
		})
	}
}

// responseWriter records the status and body size while passing writes
// through, including flushes for streamed downloads.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	wroteHeader  bool
	bytesWritten int64
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// LogEntry is a single access log record.
type LogEntry struct {
	Timestamp  string            `json:"timestamp"`
	Method     string            `json:"method"`
	Path       string            `json:"path"`
	Route      string            `json:"route,omitempty"`
	Query      string            `json:"query,omitempty"`
	RemoteAddr string            `json:"remote_addr"`
	UserAgent  string            `json:"user_agent,omitempty"`
	OwnerID    string            `json:"owner_id,omitempty"`
	Status     int               `json:"status"`
	DurationMs int64             `json:"duration_ms"`
	Bytes      int64             `json:"bytes"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func createLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, bytesLogged int64, ownerID string, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:  time.Now().Format(time.RFC3339),
		Method:     r.Method,
		Path:       redactSharePath(r.URL.Path),
		Route:      routeTemplate(r),
		Query:      r.URL.RawQuery,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		OwnerID:    ownerID,
		Status:     rw.statusCode,
		DurationMs: duration.Milliseconds(),
		Bytes:      bytesLogged,
	}

	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string, len(r.Header))
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}

// redactSharePath hides share tokens, which grant access on their own.
func redactSharePath(path string) string {
	if strings.HasPrefix(path, "/s/") && len(path) > len("/s/") {
		return "/s/[REDACTED]"
	}
	return path
}

// routeTemplate returns the matched mux route, e.g. /api/files/{id}.
func routeTemplate(r *http.Request) string {
	route := mux.CurrentRoute(r)
	if route == nil {
		return ""
	}
	tmpl, err := route.GetPathTemplate()
	if err != nil {
		return ""
	}
	return tmpl
}

func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":      entry.Method,
		"path":        entry.Path,
		"remote_addr": entry.RemoteAddr,
		"status":      entry.Status,
		"duration_ms": entry.DurationMs,
		"bytes":       entry.Bytes,
	}
	if entry.Route != "" {
		fields["route"] = entry.Route
	}
	if entry.Query != "" {
		fields["query"] = entry.Query
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}
	if entry.OwnerID != "" {
		fields["owner_id"] = entry.OwnerID
	}

	logger.WithFields(fields).Info("HTTP request")
}

func logJSON(logger *logrus.Logger, entry *LogEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		logDefault(logger, entry)
		return
	}
	logger.WithField("json", string(jsonData)).Info("HTTP request")
}

// logCLF logs in Common Log Format: %h %l %u %t "%r" %>s %b
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	user := "-"
	if entry.OwnerID != "" {
		user = entry.OwnerID
	}
	target := entry.Path
	if entry.Query != "" {
		target += "?" + entry.Query
	}
	clf := fmt.Sprintf(`%s - %s [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		user,
		entry.Timestamp,
		entry.Method,
		target,
		entry.Status,
		entry.Bytes,
	)

	logger.WithField("clf", clf).Info("HTTP request")
}

// ownerHolder lets the auth middleware, which runs deeper in the chain,
// report the authenticated owner back to the access log.
type ownerHolder struct {
	ownerID string
}

type ownerHolderKey struct{}

func withOwnerHolder(ctx context.Context, h *ownerHolder) context.Context {
	return context.WithValue(ctx, ownerHolderKey{}, h)
}

func recordOwner(r *http.Request, ownerID string) {
	if h, ok := r.Context().Value(ownerHolderKey{}).(*ownerHolder); ok {
		h.ownerID = ownerID
	}
}
