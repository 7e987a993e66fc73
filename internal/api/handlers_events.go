package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"reelcast/server/internal/events"
	"reelcast/server/internal/model"

	"github.com/gin-gonic/gin"
)

const (
	heartbeatInterval = 15 * time.Second
	maxOwnerStreams   = 8
)

func (s *Server) streamVideoEvents(c *gin.Context) {
	videoID := c.Param("video_id")
	owner := ownerFromContext(c)

	fromSeq := parseLastEventSeq(c.GetHeader("Last-Event-ID"))
	if q := c.Query("from_seq"); q != "" {
		if v, err := strconv.ParseInt(q, 10, 64); err == nil && v > 0 {
			fromSeq = v
		}
	}

	// Subscribe before reading the backlog so nothing published in between
	// is lost; the subscription drops anything already sent.
	sub := s.hub.Subscribe(owner, videoID, fromSeq, 128)
	defer sub.Close()
	if s.hub.OwnerSubscribers(owner) > maxOwnerStreams {
		writeError(c, http.StatusTooManyRequests, "TOO_MANY_STREAMS", "Too many open event streams", true, nil)
		return
	}

	backlog, err := s.jobs.ListEventsFrom(c.Request.Context(), owner, videoID, fromSeq)
	if err != nil {
		if !writeVideoError(c, err) {
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load events", true, nil)
		}
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		writeError(c, http.StatusInternalServerError, "SSE_UNSUPPORTED", "Streaming unsupported", false, nil)
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	if done := writeAccepted(c, sub, backlog); done {
		flusher.Flush()
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			// Replay before accepting evt: a dropped event may be older.
			done := sub.TakeLagged() && s.replayGap(c, sub)
			if !done {
				done = writeAccepted(c, sub, []model.VideoEvent{evt})
			}
			flusher.Flush()
			if done {
				return
			}
		case <-heartbeat.C:
			if sub.TakeLagged() && s.replayGap(c, sub) {
				flusher.Flush()
				return
			}
			fmt.Fprintf(c.Writer, ": ping %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

// replayGap refills live events the hub dropped for a slow reader.
func (s *Server) replayGap(c *gin.Context, sub *events.Subscription) bool {
	missed, err := s.jobs.ListEventsFrom(c.Request.Context(), sub.Owner, sub.VideoID, sub.LastSeq())
	if err != nil {
		requestLogger(c, s.log).Warn("event_replay_failed", "after_seq", sub.LastSeq(), "error", err)
		return false
	}
	return writeAccepted(c, sub, missed)
}

// writeAccepted writes the events the subscription has not seen yet and
// reports whether a terminal event went out.
func writeAccepted(c *gin.Context, sub *events.Subscription, evts []model.VideoEvent) bool {
	for _, evt := range evts {
		if !sub.Accept(evt) {
			continue
		}
		writeSSE(c, evt)
		if terminalEvent(evt.Type) {
			return true
		}
	}
	return false
}

// terminalEvent ends a stream: the video finished, failed before rendering,
// or halted on a chapter.
func terminalEvent(t model.VideoEventType) bool {
	switch t {
	case model.EventVideoReady, model.EventVideoFailed, model.EventVideoStuck:
		return true
	}
	return false
}

func writeSSE(c *gin.Context, evt model.VideoEvent) {
	payload, _ := json.Marshal(evt)
	fmt.Fprintf(c.Writer, "id: %d\n", evt.Seq)
	fmt.Fprintf(c.Writer, "event: %s\n", evt.Type)
	fmt.Fprintf(c.Writer, "data: %s\n\n", string(payload))
}

func parseLastEventSeq(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
