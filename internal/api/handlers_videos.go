package api

import (
	"errors"
	"net/http"

	"reelcast/server/internal/job"
	"reelcast/server/internal/model"
	"reelcast/server/internal/schedule"
	"reelcast/server/internal/store"

	"github.com/gin-gonic/gin"
)

func (s *Server) createVideo(c *gin.Context) {
	if !requireJSON(c) {
		return
	}
	var plan model.ChapterPlan
	if err := c.ShouldBindJSON(&plan); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid chapter plan payload", false, nil)
		return
	}
	video, err := s.jobs.CreateVideo(c.Request.Context(), ownerFromContext(c), plan)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrInvalidPlan):
			writeError(c, http.StatusBadRequest, "INVALID_PLAN", err.Error(), false, nil)
		case errors.Is(err, job.ErrTooManyRunningJobs):
			writeError(c, http.StatusTooManyRequests, "OWNER_VIDEO_LIMIT", "Too many running videos", true, nil)
		case errors.Is(err, store.ErrConflict), errors.Is(err, schedule.ErrAlreadyRunning):
			writeError(c, http.StatusConflict, "VIDEO_EXISTS", "Video id already in use", false, nil)
		default:
			requestLogger(c, s.log).Error("create_video_failed", "error", err)
			writeError(c, http.StatusInternalServerError, "CREATE_VIDEO_FAILED", "Failed to create video", true, nil)
		}
		return
	}
	writeData(c, http.StatusCreated, video)
}

func (s *Server) getVideo(c *gin.Context) {
	videoID := c.Param("video_id")
	video, chapters, err := s.jobs.GetVideo(c.Request.Context(), ownerFromContext(c), videoID)
	if err != nil {
		if !writeVideoError(c, err) {
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load video", true, nil)
		}
		return
	}
	writeData(c, http.StatusOK, gin.H{
		"video":    video,
		"chapters": chapters,
		"live":     s.jobs.ChapterStates(videoID),
	})
}

func (s *Server) getChapter(c *gin.Context) {
	status, err := s.jobs.ChapterStatus(c.Request.Context(), ownerFromContext(c), c.Param("video_id"), c.Param("chapter_id"))
	if err != nil {
		if !writeVideoError(c, err) {
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load chapter", true, nil)
		}
		return
	}
	writeData(c, http.StatusOK, status)
}

// waitChapter blocks until the chapter can be played or the wait window
// closes.
func (s *Server) waitChapter(c *gin.Context) {
	chapterID := c.Param("chapter_id")
	url, err := s.jobs.WaitChapter(c.Request.Context(), ownerFromContext(c), c.Param("video_id"), chapterID)
	if err == nil {
		writeData(c, http.StatusOK, gin.H{"chapter_id": chapterID, "state": model.ChapterReady, "url": url})
		return
	}
	if writeVideoError(c, err) {
		return
	}
	details := map[string]any{"chapter_id": chapterID, "reason": err.Error()}
	switch {
	case errors.Is(err, schedule.ErrStillRendering):
		writeError(c, http.StatusAccepted, "STILL_RENDERING", "Chapter is still rendering", true, details)
	case errors.Is(err, schedule.ErrChapterWaitTimeout):
		writeError(c, http.StatusGatewayTimeout, "CHAPTER_STALLED", "Chapter assets never arrived", false, details)
	case errors.Is(err, schedule.ErrChapterFailed), errors.Is(err, schedule.ErrChapterMissing):
		writeError(c, http.StatusConflict, "CHAPTER_FAILED", "Chapter failed to render", false, details)
	default:
		writeError(c, http.StatusConflict, "CHAPTER_FAILED", "Chapter is unavailable", false, details)
	}
}
