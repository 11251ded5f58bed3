package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return rec
}

func attrValue(attrs []attribute.KeyValue, key string) (string, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestTracingMiddleware_Redaction(t *testing.T) {
	rec := withRecorder(t)

	router := mux.NewRouter()
	router.Use(TracingMiddleware(true))
	router.HandleFunc("/s/{token}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/s/deadbeef?dl=1", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "Vault SharedDownload", spans[0].Name())

	attrs := spans[0].Attributes()
	v, _ := attrValue(attrs, "http.request.header.authorization")
	assert.Equal(t, "[REDACTED]", v)
	v, _ = attrValue(attrs, "http.query")
	assert.Equal(t, "[REDACTED]", v)
	v, _ = attrValue(attrs, "http.target")
	assert.Equal(t, "/s/[REDACTED]", v)
	v, _ = attrValue(attrs, "http.request.header.content-type")
	assert.Equal(t, "application/json", v)
}

func TestTracingMiddleware_NoRedaction(t *testing.T) {
	rec := withRecorder(t)

	router := mux.NewRouter()
	router.Use(TracingMiddleware(false))
	router.HandleFunc("/api/files/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/api/files/f1", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	router.ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET /api/files/{id}", spans[0].Name())
	v, _ := attrValue(spans[0].Attributes(), "http.request.header.authorization")
	assert.Equal(t, "Bearer secret-token", v)
	v, _ = attrValue(spans[0].Attributes(), "http.status_code")
	assert.Equal(t, "404", v)
}

func TestGetSpanName(t *testing.T) {
	tests := []struct {
		method string
		route  string
		want   string
	}{
		{"POST", "/api/upload/init", "Vault InitUpload"},
		{"POST", "/api/upload/chunk", "Vault PutChunk"},
		{"POST", "/api/upload/finish", "Vault FinishUpload"},
		{"GET", "/api/download/{id}", "Vault Download"},
		{"GET", "/s/{token}", "Vault SharedDownload"},
		{"GET", "/api/storage", "HTTP GET /api/storage"},
		{"GET", "", "HTTP GET"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, getSpanName(tt.method, tt.route))
		})
	}
}

func TestGetRemoteAddr(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"X-Forwarded-For single IP", map[string]string{"X-Forwarded-For": "192.168.1.1"}, "192.168.1.1"},
		{"X-Forwarded-For multiple IPs", map[string]string{"X-Forwarded-For": "192.168.1.1, 10.0.0.1"}, "192.168.1.1"},
		{"X-Real-IP", map[string]string{"X-Real-IP": "192.168.1.1"}, "192.168.1.1"},
		{"fallback to RemoteAddr", nil, "127.0.0.1:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = "127.0.0.1:1234"
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getRemoteAddr(req))
		})
	}
}
