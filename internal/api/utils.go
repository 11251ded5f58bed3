package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const maxJSONBody = 64 << 10

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if r.RemoteAddr != "" {
		if colonIdx := strings.LastIndex(r.RemoteAddr, ":"); colonIdx != -1 {
			return r.RemoteAddr[:colonIdx]
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// getRequestID returns the caller's X-Request-ID or a fresh one.
func getRequestID(r *http.Request) string {
	if rid := r.Header.Get("X-Request-ID"); rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxJSONBody {
		return fmt.Errorf("request body exceeds %d bytes", maxJSONBody)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

// contentDisposition builds the attachment header. Non-ASCII names use
// the RFC 2231 encoded form.
func contentDisposition(name string) string {
	if name == "" {
		name = "download"
	}
	for _, r := range name {
		if r < 0x20 || r > 0x7e {
			if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
				return v
			}
			return `attachment; filename="download"`
		}
	}
	return fmt.Sprintf(`attachment; filename="%s"`, quoteEscaper.Replace(name))
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
