package events

import (
	"context"
	"log/slog"

	"reelcast/server/internal/clock"
	"reelcast/server/internal/model"
	"reelcast/server/internal/store"
)

// Recorder appends an event to the video's log and then fans it out.
type Recorder struct {
	store store.Store
	hub   *Hub
	clk   clock.Clock
	log   *slog.Logger
}

func NewRecorder(st store.Store, hub *Hub, clk clock.Clock, logger *slog.Logger) *Recorder {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: st, hub: hub, clk: clk, log: logger}
}

func (r *Recorder) Emit(ctx context.Context, videoID string, typ model.VideoEventType, payload map[string]any) {
	evt, err := r.store.AppendVideoEvent(ctx, model.VideoEvent{
		VideoID: videoID,
		Type:    typ,
		TS:      r.clk.Now().UTC(),
		Payload: payload,
	})
	if err != nil {
		r.log.Error("append event failed", "video_id", videoID, "type", typ, "error", err)
		return
	}
	r.hub.Publish(evt)
}
