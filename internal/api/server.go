package api

import (
	"log/slog"

	"reelcast/server/internal/auth"
	"reelcast/server/internal/events"
	"reelcast/server/internal/job"

	"github.com/gin-gonic/gin"
)

type Server struct {
	auth     *auth.Service
	jobs     *job.Service
	hub      *events.Hub
	mediaDir string
	log      *slog.Logger
}

// NewServer builds the HTTP surface. mediaDir, when set, is served under
// /media for the local storage driver.
func NewServer(authSvc *auth.Service, jobs *job.Service, hub *events.Hub, mediaDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:     authSvc,
		jobs:     jobs,
		hub:      hub,
		mediaDir: mediaDir,
		log:      logger,
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(RequestLogMiddleware(s.log))

	if s.mediaDir != "" {
		r.Static("/media", s.mediaDir)
	}

	v1 := r.Group("/api/v1")
	v1.GET("/healthz", func(c *gin.Context) {
		writeData(c, 200, gin.H{"status": "ok"})
	})

	v1.POST("/auth/token", s.issueToken)

	authed := v1.Group("")
	authed.Use(AuthMiddleware(s.auth))
	{
		authed.POST("/videos", s.createVideo)
		authed.GET("/videos/:video_id", s.getVideo)
		authed.GET("/videos/:video_id/chapters/:chapter_id", s.getChapter)
		authed.GET("/videos/:video_id/chapters/:chapter_id/wait", s.waitChapter)
		authed.GET("/videos/:video_id/events", s.streamVideoEvents)
	}

	return r
}
