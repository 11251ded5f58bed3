package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware starts a server span per request, named after the
// matched route so file ids and share tokens stay out of span names.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer("chunkvault/http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			route := routeTemplate(r)
			target := r.URL.Path
			if redactSensitive {
				target = redactSharePath(target)
			}

			ctx, span := tracer.Start(ctx, getSpanName(r.Method, route),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					attribute.String("http.target", target),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)
			if route != "" {
				span.SetAttributes(semconv.HTTPRoute(route))
			}

			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := newResponseWriter(w)
			defer func() {
				span.SetAttributes(semconv.HTTPStatusCode(rw.statusCode))
				if rw.statusCode >= 500 {
					span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
				} else {
					span.SetStatus(codes.Ok, "")
				}
				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// getSpanName names chunkvault operations after their route.
func getSpanName(method, route string) string {
	switch route {
	case "/api/upload/init":
		return "Vault InitUpload"
	case "/api/upload/chunk":
		return "Vault PutChunk"
	case "/api/upload/finish":
		return "Vault FinishUpload"
	case "/api/download/{id}":
		return "Vault Download"
	case "/s/{token}":
		return "Vault SharedDownload"
	case "":
		return "HTTP " + method
	}
	return "HTTP " + method + " " + route
}

// getRemoteAddr prefers X-Real-IP, then the first X-Forwarded-For entry.
func getRemoteAddr(r *http.Request) string {
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

var (
	safeHeaders = []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"range",
	}
	sensitiveHeaders = []string{
		"authorization",
		"cookie",
	}
)

func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
	for _, header := range sensitiveHeaders {
		value := headers.Get(header)
		if value == "" {
			continue
		}
		if redactSensitive {
			value = "[REDACTED]"
		}
		span.SetAttributes(attribute.String("http.request.header."+header, value))
	}
}
