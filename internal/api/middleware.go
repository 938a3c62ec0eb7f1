package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	RequestIDHeader = "X-Request-ID"
	TraceIDHeader   = "X-Trace-ID"

	maxPlayerIDLength = 128
)

type contextKey struct{}

var requestInfoKey contextKey

// requestInfo is shared by every middleware and handler serving one
// request. Inner middleware fill in the player after routing; the logging
// middleware reads it once the handler returns.
type requestInfo struct {
	requestID string
	traceID   string
	playerID  string
}

func infoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

var tracer = otel.Tracer("loyalty-api")

// TracingMiddleware starts the request span and assigns request and trace
// ids. An X-Trace-ID supplied by the caller is kept so a reward cycle can be
// followed across systems.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{requestID: r.Header.Get(RequestIDHeader)}
		if info.requestID == "" {
			info.requestID = uuid.New().String()
		}

		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
				attribute.String("request.id", info.requestID),
			),
		)
		defer span.End()

		switch sc := span.SpanContext(); {
		case r.Header.Get(TraceIDHeader) != "":
			info.traceID = r.Header.Get(TraceIDHeader)
		case sc.TraceID().IsValid():
			info.traceID = sc.TraceID().String()
		default:
			info.traceID = info.requestID
		}

		w.Header().Set(RequestIDHeader, info.requestID)
		w.Header().Set(TraceIDHeader, info.traceID)

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, requestInfoKey, info)))
	})
}

// PlayerMiddleware validates the {playerID} route parameter and tags the
// request log line and span with it.
func PlayerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID := chi.URLParam(r, "playerID")
		if strings.TrimSpace(playerID) == "" || len(playerID) > maxPlayerIDLength {
			writeError(w, http.StatusBadRequest, "invalid player id")
			return
		}

		if info := infoFrom(r.Context()); info != nil {
			info.playerID = playerID
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("player.id", playerID))

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware writes one structured line per request. Server errors
// log at error level.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			attrs = append(attrs, "route", rc.RoutePattern())
		}
		if info := infoFrom(r.Context()); info != nil {
			attrs = append(attrs, "request_id", info.requestID, "trace_id", info.traceID)
			if info.playerID != "" {
				attrs = append(attrs, "player_id", info.playerID)
			}
		}

		level := slog.LevelInfo
		if rw.statusCode >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(r.Context(), level, "http request", attrs...)
	})
}

// CORSMiddleware answers browser preflights for the admin console.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+RequestIDHeader+", "+TraceIDHeader)
		h.Set("Access-Control-Expose-Headers", RequestIDHeader+", "+TraceIDHeader)
		h.Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware turns a handler panic into a 500.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("panic recovered",
					"error", err,
					"path", r.URL.Path,
					"player_id", GetPlayerID(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// GetTraceID returns the request's trace id.
func GetTraceID(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.traceID
	}
	return ""
}

// GetPlayerID returns the player the request addresses, if any.
func GetPlayerID(ctx context.Context) string {
	if info := infoFrom(ctx); info != nil {
		return info.playerID
	}
	return ""
}
