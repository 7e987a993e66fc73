package api

import (
	"context"
	"errors"
	"net/http"

	"reelcast/server/internal/job"
	"reelcast/server/internal/schedule"
	"reelcast/server/internal/store"

	"github.com/gin-gonic/gin"
)

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func writeData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{
		"data":     data,
		"trace_id": traceIDFromContext(c),
	})
}

func writeError(c *gin.Context, status int, code, message string, retryable bool, details map[string]any) {
	c.JSON(status, gin.H{
		"error": APIError{
			Code:      code,
			Message:   message,
			Retryable: retryable,
			Details:   details,
		},
		"trace_id": traceIDFromContext(c),
	})
}

func writeUnauthorized(c *gin.Context) {
	writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", false, nil)
}

// writeVideoError maps lookup and ownership failures shared by the video
// routes. It reports false when err is not one of them.
func writeVideoError(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, schedule.ErrUnknownChapter):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Video or chapter not found", false, nil)
	case errors.Is(err, job.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "No access to video", false, nil)
	case errors.Is(err, context.Canceled):
		c.Status(499)
	default:
		return false
	}
	return true
}
