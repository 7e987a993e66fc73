package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"reelcast/server/internal/auth"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	ctxTraceID = "trace_id"
	ctxOwner   = "owner"
)

func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := strings.TrimSpace(c.GetHeader("X-Trace-Id"))
		if traceID == "" {
			if v7, err := uuid.NewV7(); err == nil {
				traceID = v7.String()
			} else {
				traceID = uuid.NewString()
			}
		}
		c.Set(ctxTraceID, traceID)
		c.Writer.Header().Set("X-Trace-Id", traceID)
		c.Next()
	}
}

// RequestLogMiddleware logs one line per request, tagged with the owner and
// the video or chapter the route addressed.
func RequestLogMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			level = slog.LevelWarn
		}
		attrs := append(routeAttrs(c),
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", status),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		)
		logger.LogAttrs(c.Request.Context(), level, "http_request", attrs...)
	}
}

// routeAttrs identifies who made the request and which video it touched.
func routeAttrs(c *gin.Context) []slog.Attr {
	attrs := []slog.Attr{slog.String("trace_id", traceIDFromContext(c))}
	if owner := ownerFromContext(c); owner != "" {
		attrs = append(attrs, slog.String("owner", owner))
	}
	if id := c.Param("video_id"); id != "" {
		attrs = append(attrs, slog.String("video_id", id))
	}
	if id := c.Param("chapter_id"); id != "" {
		attrs = append(attrs, slog.String("chapter_id", id))
	}
	return attrs
}

// requestLogger scopes logger to the current request.
func requestLogger(c *gin.Context, logger *slog.Logger) *slog.Logger {
	attrs := routeAttrs(c)
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

func AuthMiddleware(authSvc *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if header == "" || !strings.HasPrefix(header, prefix) {
			writeUnauthorized(c)
			c.Abort()
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
		claims, err := authSvc.ParseAccess(token)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				writeError(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "Access token expired", false, nil)
			} else {
				writeUnauthorized(c)
			}
			c.Abort()
			return
		}
		c.Set(ctxOwner, claims.Owner)
		c.Next()
	}
}

func traceIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxTraceID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func ownerFromContext(c *gin.Context) string {
	if v, ok := c.Get(ctxOwner); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func requireJSON(c *gin.Context) bool {
	if c.ContentType() == "" {
		return true
	}
	if strings.Contains(c.ContentType(), "application/json") {
		return true
	}
	writeError(c, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "Content-Type must be application/json", false, nil)
	return false
}
