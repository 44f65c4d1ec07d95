// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file covers request correlation and structured access logging:
//
//   - RequestID() gives every request a stable correlation ID, reusing an
//     incoming X-Request-ID when present and generating a UUIDv4 otherwise.
//   - Logger() emits one structured access log per request (latency, status,
//     sizes) and attaches a request-scoped zerolog.Logger to the Gin context.
//     Query strings are logged with sensitive parameter values masked so tax
//     ids never reach the logs.
//   - Recovery() turns panics into JSON 500 responses, keeping the
//     correlation ID and logging the stack trace.
//   - LoggerFrom() hands the request-scoped logger to handlers and services,
//     e.g. lg.Info().Str("entity_id", id).Msg("history trimmed").
//
// Install in order: RequestID, Logger, Recovery. That way panics and error
// responses always carry the correlation ID.
package middleware

import (
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// requestIDKey is the Gin context key holding the correlation ID.
	requestIDKey = "requestID"
	// requestIDHeader propagates the correlation ID on requests and responses.
	requestIDHeader = "X-Request-ID"
	// maxQueryLogLength caps the logged raw query string.
	maxQueryLogLength = 2048
)

// sensitiveParams lists query parameters whose values must not appear in the
// access log. Records are looked up by tax id and access number, both of
// which identify a subscriber.
var sensitiveParams = []string{"tax_id", "access_number"}

// RequestID reuses the incoming X-Request-ID header (case-insensitive) or
// generates a new UUIDv4, stores the result under the "requestID" context key
// and echoes it on the response header. Place it first in the chain.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// Logger writes one structured access log per request and stores a
// request-scoped zerolog.Logger under the "logger" context key for
// downstream enrichment.
//
// The path field is the registered route when one matched, falling back to
// the raw URL path on 404s. Log level follows the outcome: error for 5xx or
// when the Gin context collected errors, warn for 4xx, info otherwise.
// Place after RequestID so the correlation ID is included.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		rid, _ := c.Get(requestIDKey)
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		l := log.With().
			Str("request_id", asString(rid)).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("remote_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Str("query", truncate(maskQuery(c.Request.URL.RawQuery), maxQueryLogLength)).
			// ContentLength is -1 when the client did not declare it.
			Int64("bytes_in", c.Request.ContentLength).
			Logger()

		c.Set("logger", &l)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		ev := l.With().
			Int("status", status).
			Dur("latency", latency).
			Int("bytes_out", c.Writer.Size()).
			Logger()

		switch {
		case len(c.Errors) > 0:
			ev.Error().Str("errors", c.Errors.String()).Msg("request")
		case status >= 500:
			ev.Error().Msg("request")
		case status >= 400:
			ev.Warn().Msg("request")
		default:
			ev.Info().Msg("request")
		}
	}
}

// Recovery logs the panic value plus stack trace with the correlation ID and
// answers with a JSON 500 envelope. When the handler already wrote part of a
// response only the status is aborted; no body is appended.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				rid, _ := c.Get(requestIDKey)
				log.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Str("request_id", asString(rid)).
					Msg("panic recovered")

				if !c.Writer.Written() {
					c.Header("Content-Type", "application/json")
					c.Header(requestIDHeader, asString(rid))
					c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
						"request_id": asString(rid),
						"code":       "internal_error",
						"message":    "internal server error",
					})
					return
				}
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped zerolog.Logger attached by Logger(),
// or a plain fallback when none is attached. The result is never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get("logger"); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// maskQuery replaces the values of sensitive query parameters with "***"
// before the query string is logged. The string is re-encoded, so parameter
// order may differ from the wire form. Unparseable queries are logged as-is.
func maskQuery(raw string) string {
	if raw == "" {
		return ""
	}
	vals, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	masked := false
	for _, p := range sensitiveParams {
		if vals.Has(p) {
			vals.Set(p, "***")
			masked = true
		}
	}
	if !masked {
		return raw
	}
	return vals.Encode()
}

// asString narrows a context value to string, yielding "" for anything else.
func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate caps s at max bytes, appending an ellipsis when cut. A max <= 0
// disables truncation. Byte-based cutting is fine for log output.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
